package model

import "time"

// SessionRecord 一条在线记录：principal 在某实例上的某个连接
type SessionRecord struct {
	PrincipalID  string    `json:"principalId"`
	InstanceID   string    `json:"instanceId"`
	ConnectionID string    `json:"connectionId"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func (r SessionRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
