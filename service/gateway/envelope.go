package gateway

import (
	"context"
	"encoding/json"
	"iter"

	"PGateway/module/notify/model"
	"PGateway/service/natsx"
	"PGateway/tools/errs"
)

// Broker 跨实例传输；*natsx.NatsManager 与 *localbus.Client 都满足
type Broker interface {
	Publish(ctx context.Context, topic, eventID string, data []byte) error
	Subscribe(topic string, h natsx.NatsxHandler) (natsx.Subscription, error)
	Connected() bool
	Close() error
}

// SessionStore 会话存储；*storage.OnlineStore 满足
type SessionStore interface {
	Register(ctx context.Context, principalID, connectionID, instanceID string) (*model.SessionRecord, error)
	Deregister(ctx context.Context, principalID, connectionID string) error
	Refresh(ctx context.Context, principalID, connectionID string) (bool, error)
	Lookup(ctx context.Context, principalID string) iter.Seq2[model.SessionRecord, error]
	Presence(ctx context.Context, principalID string) ([]string, error)
}

// Envelope 实例间传输的事件包
type Envelope struct {
	Origin string      `json:"origin"`
	Event  model.Event `json:"event"`
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, errs.WrapMsg(err, "encode envelope", "event_id", env.Event.ID)
	}
	return b, nil
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, errs.ErrMalformedRequest.WrapMsg("decode envelope", "err", err)
	}
	if env.Event.ID == "" {
		return env, errs.ErrMalformedRequest.WrapMsg("envelope without event id")
	}
	return env, nil
}

// Ack PublishEvent 的回执
type Ack struct {
	EventID         string `json:"eventId"`
	LocalDeliveries int    `json:"localDeliveries"`
	Published       bool   `json:"published"`
	Degraded        bool   `json:"degraded,omitempty"`
}
