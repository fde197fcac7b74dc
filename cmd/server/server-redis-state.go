package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openkieler/lspool/internal/obs"
	"github.com/redis/go-redis/v9"
)

// sessionData is the JSON form of a session stored in Redis.
type sessionData struct {
	ID          string    `json:"id"`
	ClientAddr  string    `json:"client_addr"`
	BackendPort uint16    `json:"backend_port"`
	Started     time.Time `json:"started"`
	Instance    string    `json:"instance"`
}

// redisBrokerState implements StateStore on Redis so a fleet of brokers
// shares session counters and /api/state reflects the whole fleet. The
// relayed connections themselves are always local; only bookkeeping is
// shared.
type redisBrokerState struct {
	client     *redis.Client
	instanceID string

	mu       sync.Mutex
	sessions map[string]*sessionInfo // locally owned in-flight sessions
	closing  bool
	ready    bool

	sessionTTL time.Duration
}

func newRedisBrokerState(addr, password string, db int) (*redisBrokerState, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisBrokerState{
		client:     rdb,
		instanceID: fmt.Sprintf("lspool-%d", time.Now().UnixNano()),
		sessions:   make(map[string]*sessionInfo),
		sessionTTL: 24 * time.Hour,
	}, nil
}

var _ StateStore = (*redisBrokerState)(nil)

func (r *redisBrokerState) setClosing(closing bool) { r.mu.Lock(); r.closing = closing; r.mu.Unlock() }
func (r *redisBrokerState) setReady(ready bool)     { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *redisBrokerState) isClosing() bool         { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }
func (r *redisBrokerState) isReady() bool           { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }

func (r *redisBrokerState) registerSession(info *sessionInfo) {
	r.mu.Lock()
	r.sessions[info.id] = info
	r.mu.Unlock()

	ctx := context.Background()
	data, err := json.Marshal(sessionData{
		ID:          info.id,
		ClientAddr:  info.clientAddr,
		BackendPort: info.backendPort,
		Started:     info.started,
		Instance:    r.instanceID,
	})
	if err != nil {
		obs.Error("redis.session.marshal", obs.Fields{"err": err.Error(), "id": info.id})
		return
	}
	// TTL bounds leakage if an instance dies mid-session.
	if err := r.client.Set(ctx, "session:"+info.id, data, r.sessionTTL).Err(); err != nil {
		obs.Error("redis.session.set", obs.Fields{"err": err.Error(), "id": info.id})
	}
	if err := r.client.Incr(ctx, "lspool:sessions_total").Err(); err != nil {
		obs.Error("redis.session.incr", obs.Fields{"err": err.Error()})
	}
}

func (r *redisBrokerState) endSession(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()

	ctx := context.Background()
	if err := r.client.Del(ctx, "session:"+id).Err(); err != nil {
		obs.Error("redis.session.del", obs.Fields{"err": err.Error(), "id": id})
	}
}

func (r *redisBrokerState) recordFailure(stage string) {
	ctx := context.Background()
	if err := r.client.Incr(ctx, "lspool:failures_total").Err(); err != nil {
		obs.Error("redis.failure.incr", obs.Fields{"err": err.Error(), "stage": stage})
	}
}

func (r *redisBrokerState) getStats() (int, int64, int64) {
	r.mu.Lock()
	active := len(r.sessions)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	total, err := r.client.Get(ctx, "lspool:sessions_total").Int64()
	if err != nil && err != redis.Nil {
		obs.Error("redis.stats.total", obs.Fields{"err": err.Error()})
	}
	failures, err := r.client.Get(ctx, "lspool:failures_total").Int64()
	if err != nil && err != redis.Nil {
		obs.Error("redis.stats.failures", obs.Fields{"err": err.Error()})
	}
	return active, total, failures
}
