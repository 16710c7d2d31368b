package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/taxi-dispatch/internal/observability"
)

const (
	publishWait  = time.Second
	outboxLength = 1024
)

type relayKind string

const (
	relayUser relayKind = "user"
	relayRoom relayKind = "room"
)

type relayMessage struct {
	Origin string          `json:"origin"`
	Kind   relayKind       `json:"kind"`
	Target string          `json:"target"`
	Frame  json.RawMessage `json:"frame"`
}

type relayJob struct {
	kind   relayKind
	target string
	frame  []byte
}

// RedisRelay is a Notifier that spans instances. Events are delivered to
// local connections first and published on a Redis channel for the other
// instances, which deliver to their own connections. A relay without a hub
// only publishes; the telemetry consumer runs that way.
//
// Anything that touches Redis goes through a bounded outbox drained by one
// goroutine, so callers never wait on Redis. Jobs are handled in order; a
// full outbox drops the event.
type RedisRelay struct {
	redis    *redis.Client
	channel  string
	instance string
	hub      *Hub
	logger   *slog.Logger

	outbox    chan relayJob
	done      chan struct{}
	closeOnce sync.Once
}

func NewRedisRelay(rdb *redis.Client, channel, instanceID string, hub *Hub, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &RedisRelay{
		redis:    rdb,
		channel:  channel,
		instance: instanceID,
		hub:      hub,
		logger:   logger,
		outbox:   make(chan relayJob, outboxLength),
		done:     make(chan struct{}),
	}
	go r.drain()
	return r
}

// Close stops the outbox worker. Events still queued are dropped.
func (r *RedisRelay) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

func (r *RedisRelay) NotifyUser(_ context.Context, userID, event string, payload any) {
	frame, err := encodeEvent(event, payload)
	if err != nil {
		r.logger.Error("encode event failed", "event", event, "error", err)
		return
	}
	r.enqueue(relayJob{kind: relayUser, target: userID, frame: frame})
}

func (r *RedisRelay) BroadcastToRoom(_ context.Context, taxiID, event string, payload any) {
	frame, err := encodeEvent(event, payload)
	if err != nil {
		r.logger.Error("encode event failed", "event", event, "error", err)
		return
	}
	// Room membership is local memory; only the publish is deferred.
	if r.hub != nil {
		r.hub.deliverRoom(taxiID, frame)
	}
	r.enqueue(relayJob{kind: relayRoom, target: taxiID, frame: frame})
}

func (r *RedisRelay) enqueue(job relayJob) {
	select {
	case <-r.done:
		observability.FanoutDeliveries.WithLabelValues(string(job.kind), "relay_closed").Inc()
		return
	default:
	}
	select {
	case r.outbox <- job:
	default:
		observability.FanoutDeliveries.WithLabelValues(string(job.kind), "relay_dropped").Inc()
		r.logger.Warn("relay outbox full, dropping event", "kind", job.kind, "target", job.target)
	}
}

func (r *RedisRelay) drain() {
	for {
		select {
		case <-r.done:
			return
		case job := <-r.outbox:
			r.process(job)
		}
	}
}

func (r *RedisRelay) process(job relayJob) {
	ctx := context.Background()
	if job.kind == relayUser && r.hub != nil && r.hub.deliverUser(ctx, job.target, job.frame) {
		return
	}
	r.publish(ctx, job.kind, job.target, job.frame)
}

func (r *RedisRelay) publish(ctx context.Context, kind relayKind, target string, frame []byte) {
	b, err := json.Marshal(relayMessage{Origin: r.instance, Kind: kind, Target: target, Frame: frame})
	if err != nil {
		r.logger.Error("encode relay message failed", "error", err)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, publishWait)
	defer cancel()
	if err := r.redis.Publish(pctx, r.channel, b).Err(); err != nil {
		observability.FanoutDeliveries.WithLabelValues(string(kind), "relay_error").Inc()
		r.logger.Warn("relay publish failed", "kind", kind, "target", target, "error", err)
		return
	}
	observability.FanoutDeliveries.WithLabelValues(string(kind), "relayed").Inc()
}

// Run subscribes to the relay channel and delivers messages published by
// other instances to local connections. It returns when ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.redis.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	r.logger.Info("relay subscribed", "channel", r.channel, "instance", r.instance)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, []byte(msg.Payload))
		}
	}
}

func (r *RedisRelay) handle(ctx context.Context, raw []byte) {
	var m relayMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		r.logger.Warn("malformed relay message", "error", err)
		return
	}
	if m.Origin == r.instance || r.hub == nil {
		return
	}
	switch m.Kind {
	case relayUser:
		r.hub.deliverUser(ctx, m.Target, m.Frame)
	case relayRoom:
		r.hub.deliverRoom(m.Target, m.Frame)
	default:
		r.logger.Warn("unknown relay message kind", "kind", m.Kind)
	}
}
