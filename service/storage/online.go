package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"time"

	"PGateway/module/notify/model"
	"PGateway/tools/errs"
	"PGateway/tools/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ===== 配置 =====
type OnlineConfig struct {
	TTL       time.Duration // 会话有效期 = 心跳间隔 × 容忍丢失次数
	ScanCount int64         // Lookup 每页 ZSCAN 数量
	Retry     retry.Policy  // Redis 调用的有界重试
}

// ===== Lua 脚本 =====
// 同一 principal 的两个 key 共用 hash-tag {<principal>}，Cluster 下落在同一槽位。
// ZSET member=connId score=expireAtMs；HASH connId -> instanceId。

// 每个脚本先清理已过期（score<=now）的连接：崩溃实例留下的记录
// 在该 principal 下一次注册/续期/下线时被删除，不会随 key 续期而累积
const luaPrune = `
local function prune(z, h, now)
  local dead = redis.call("ZRANGEBYSCORE", z, "-inf", now)
  for _, v in ipairs(dead) do
    redis.call("ZREM", z, v)
    redis.call("HDEL", h, v)
  end
end
`

// 注册/覆盖一个连接
// KEYS[1] = zset, KEYS[2] = hash
// ARGV[1] = connId, ARGV[2] = instanceId, ARGV[3] = expAtMs, ARGV[4] = keyTtlMs, ARGV[5] = nowMs
// 返回：{旧 instanceId 或 "", 旧 expAtMs 或 ""}
const luaRegister = luaPrune + `
local z, h = KEYS[1], KEYS[2]
local conn, inst = ARGV[1], ARGV[2]
prune(z, h, tonumber(ARGV[5]))
local prevInst = redis.call("HGET", h, conn)
local prevExp  = redis.call("ZSCORE", z, conn)
redis.call("ZADD", z, tonumber(ARGV[3]), conn)
redis.call("HSET", h, conn, inst)
redis.call("PEXPIRE", z, tonumber(ARGV[4]))
redis.call("PEXPIRE", h, tonumber(ARGV[4]))
return {prevInst or "", prevExp or ""}
`

// 单连接下线（幂等）
// KEYS[1] = zset, KEYS[2] = hash
// ARGV[1] = connId, ARGV[2] = nowMs
// 返回：1=删掉了；0=本就不存在
const luaDeregister = luaPrune + `
local z, h = KEYS[1], KEYS[2]
local removed = redis.call("ZREM", z, ARGV[1])
redis.call("HDEL", h, ARGV[1])
prune(z, h, tonumber(ARGV[2]))
if redis.call("ZCARD", z) == 0 then
  redis.call("DEL", z, h)
end
return removed
`

// 心跳续期，仅续仍有效的连接；已过期的先被清理，返回 0 由调用方重新注册
// KEYS[1] = zset, KEYS[2] = hash
// ARGV[1] = connId, ARGV[2] = expAtMs, ARGV[3] = keyTtlMs, ARGV[4] = nowMs
// 返回：1=续期成功；0=会话不存在
const luaRefresh = luaPrune + `
local z, h = KEYS[1], KEYS[2]
prune(z, h, tonumber(ARGV[4]))
if not redis.call("ZSCORE", z, ARGV[1]) then
  if redis.call("ZCARD", z) == 0 then
    redis.call("DEL", z, h)
  end
  return 0
end
redis.call("ZADD", z, tonumber(ARGV[2]), ARGV[1])
redis.call("PEXPIRE", z, tonumber(ARGV[3]))
redis.call("PEXPIRE", h, tonumber(ARGV[3]))
return 1
`

// OnlineStore 基于 Redis 的会话存储，所有实例共享
type OnlineStore struct {
	rdb  redis.UniversalClient
	conf OnlineConfig
	log  *zap.Logger
	now  func() time.Time

	luaRegister   *redis.Script
	luaDeregister *redis.Script
	luaRefresh    *redis.Script
}

func NewOnlineStore(rdb redis.UniversalClient, conf OnlineConfig, log *zap.Logger) *OnlineStore {
	if conf.TTL <= 0 {
		conf.TTL = 75 * time.Second
	}
	if conf.ScanCount <= 0 {
		conf.ScanCount = 64
	}
	if conf.Retry.Attempts <= 0 {
		conf.Retry = retry.Policy{Attempts: 3, Backoff: 20 * time.Millisecond, MaxBackoff: 200 * time.Millisecond}
	}
	if conf.Retry.Retryable == nil {
		conf.Retry.Retryable = retryable
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &OnlineStore{
		rdb:           rdb,
		conf:          conf,
		log:           log,
		now:           time.Now,
		luaRegister:   redis.NewScript(luaRegister),
		luaDeregister: redis.NewScript(luaDeregister),
		luaRefresh:    redis.NewScript(luaRefresh),
	}
}

// ===== Key 构造 =====

// gw:sess:{<principal>}:z
func indexKey(principalID string) string { return "gw:sess:{" + principalID + "}:z" }

// gw:sess:{<principal>}:h
func instanceKey(principalID string) string { return "gw:sess:{" + principalID + "}:h" }

func (m *OnlineStore) keys(principalID string) []string {
	return []string{indexKey(principalID), instanceKey(principalID)}
}

// key 本身的兜底过期，防止整组连接异常丢失后残留
func (m *OnlineStore) keyTTLms() int64 { return (2 * m.conf.TTL).Milliseconds() }

func (m *OnlineStore) TTL() time.Duration { return m.conf.TTL }

// Register 幂等 upsert；同一 connId 已存在时返回旧记录
func (m *OnlineStore) Register(ctx context.Context, principalID, connectionID, instanceID string) (*model.SessionRecord, error) {
	now := m.now()
	expAt := now.Add(m.conf.TTL).UnixMilli()

	var vals []string
	err := m.do(ctx, "register", principalID, func(ctx context.Context) error {
		var e error
		vals, e = m.luaRegister.Run(ctx, m.rdb, m.keys(principalID),
			connectionID, instanceID, expAt, m.keyTTLms(), now.UnixMilli(),
		).StringSlice()
		return e
	})
	if err != nil {
		return nil, err
	}
	if len(vals) < 2 || vals[0] == "" {
		return nil, nil
	}
	prev := &model.SessionRecord{PrincipalID: principalID, ConnectionID: connectionID, InstanceID: vals[0]}
	if ms, e := strconv.ParseFloat(vals[1], 64); e == nil {
		prev.ExpiresAt = time.UnixMilli(int64(ms))
	}
	return prev, nil
}

// Deregister 不存在不算错误
func (m *OnlineStore) Deregister(ctx context.Context, principalID, connectionID string) error {
	return m.do(ctx, "deregister", principalID, func(ctx context.Context) error {
		return m.luaDeregister.Run(ctx, m.rdb, m.keys(principalID), connectionID, m.now().UnixMilli()).Err()
	})
}

// Refresh 心跳续期；false 表示会话已不在（被清理或过期）
func (m *OnlineStore) Refresh(ctx context.Context, principalID, connectionID string) (bool, error) {
	now := m.now()
	expAt := now.Add(m.conf.TTL).UnixMilli()
	var rc int64
	err := m.do(ctx, "refresh", principalID, func(ctx context.Context) error {
		var e error
		rc, e = m.luaRefresh.Run(ctx, m.rdb, m.keys(principalID), connectionID, expAt, m.keyTTLms(), now.UnixMilli()).Int64()
		return e
	})
	return rc == 1, err
}

// Lookup 惰性分页遍历该 principal 的有效连接，过期项跳过。
// 出错时产出一次 (零值, err) 后结束。
func (m *OnlineStore) Lookup(ctx context.Context, principalID string) iter.Seq2[model.SessionRecord, error] {
	return func(yield func(model.SessionRecord, error) bool) {
		zKey, hKey := indexKey(principalID), instanceKey(principalID)
		seen := make(map[string]struct{})
		var cursor uint64
		for {
			var page []string
			var next uint64
			err := m.do(ctx, "lookup", principalID, func(ctx context.Context) error {
				var e error
				page, next, e = m.rdb.ZScan(ctx, zKey, cursor, "", m.conf.ScanCount).Result()
				return e
			})
			if err != nil {
				yield(model.SessionRecord{}, err)
				return
			}

			now := m.now()
			conns := make([]string, 0, len(page)/2)
			expires := make([]time.Time, 0, len(page)/2)
			for i := 0; i+1 < len(page); i += 2 {
				ms, e := strconv.ParseFloat(page[i+1], 64)
				if e != nil {
					continue
				}
				exp := time.UnixMilli(int64(ms))
				if !exp.After(now) {
					continue
				}
				if _, dup := seen[page[i]]; dup {
					continue
				}
				seen[page[i]] = struct{}{}
				conns = append(conns, page[i])
				expires = append(expires, exp)
			}

			if len(conns) > 0 {
				var insts []interface{}
				err = m.do(ctx, "lookup", principalID, func(ctx context.Context) error {
					var e error
					insts, e = m.rdb.HMGet(ctx, hKey, conns...).Result()
					return e
				})
				if err != nil {
					yield(model.SessionRecord{}, err)
					return
				}
				for i, conn := range conns {
					inst, _ := insts[i].(string)
					if inst == "" {
						continue
					}
					rec := model.SessionRecord{
						PrincipalID:  principalID,
						InstanceID:   inst,
						ConnectionID: conn,
						ExpiresAt:    expires[i],
					}
					if !yield(rec, nil) {
						return
					}
				}
			}

			if next == 0 {
				return
			}
			cursor = next
		}
	}
}

// Presence 该 principal 当前有连接的实例（去重、排序）
func (m *OnlineStore) Presence(ctx context.Context, principalID string) ([]string, error) {
	var out []string
	for rec, err := range m.Lookup(ctx, principalID) {
		if err != nil {
			return nil, err
		}
		if !slices.Contains(out, rec.InstanceID) {
			out = append(out, rec.InstanceID)
		}
	}
	slices.Sort(out)
	return out, nil
}

// do 有界重试，最终失败统一为 StoreUnavailable
func (m *OnlineStore) do(ctx context.Context, op, principalID string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, m.conf.Retry, func(ctx context.Context) error {
		if e := fn(ctx); e != nil && !errors.Is(e, redis.Nil) {
			return e
		}
		return nil
	})
	if err == nil {
		return nil
	}
	m.log.Warn("session store call failed",
		zap.String("op", op), zap.String("principal", principalID), zap.Error(err))
	return errs.ErrStoreUnavailable.WrapMsg(fmt.Sprintf("%s: %v", op, err), "principal", principalID)
}

func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
