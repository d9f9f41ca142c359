// Package bus wraps the remote key-value/pub-sub tier (Redis) behind a
// fail-soft Service: every operation degrades to a logged miss rather than
// propagating a transport error into the hot path (spec.md §4.2).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/tinchat/server/internal/v1/metrics"
)

// PubSubPayload is the standardized envelope for cross-pod relay of a room
// event (spec.md §4.8 "Relay", §5 horizontal-scaling requirement).
type PubSubPayload struct {
	RoomID   string          `json:"roomId"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"`
}

// Service handles all interaction with the Redis cluster: pub/sub relay,
// the string/list KV primitives, and a background connectivity probe.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker

	connected       atomic.Bool
	consecutiveFail atomic.Int32
	probeCancel     context.CancelFunc
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a Redis connection wrapped in a circuit breaker.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("connected to redis", "addr", addr)
	s := &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}
	s.connected.Store(true)
	return s, nil
}

// IsConnected reports the last health-probe result. The cache layer
// consults this to skip the remote tier entirely when Redis is down
// (spec.md §4.2 "fail-open to the system of record").
func (s *Service) IsConnected() bool {
	if s == nil {
		return false
	}
	return s.connected.Load()
}

// StartHealthProbe runs Ping every interval, flipping IsConnected off after
// three consecutive failures and back on the first success (spec.md §4.2).
func (s *Service) StartHealthProbe(ctx context.Context, interval time.Duration) {
	if s == nil || s.client == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.probeCancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runProbeOnce(ctx)
			}
		}
	}()
}

func (s *Service) runProbeOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("redis health probe panicked", "recover", r)
		}
	}()

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.client.Ping(pctx).Err(); err != nil {
		n := s.consecutiveFail.Add(1)
		if n >= 3 {
			s.connected.Store(false)
		}
		return
	}
	s.consecutiveFail.Store(0)
	s.connected.Store(true)
}

// StopHealthProbe cancels the background probe goroutine.
func (s *Service) StopHealthProbe() {
	if s != nil && s.probeCancel != nil {
		s.probeCancel()
	}
}

func roomChannel(roomID string) string {
	return fmt.Sprintf("tinchat:room:%s", roomID)
}

func userChannel(userID string) string {
	return fmt.Sprintf("tinchat:user:%s", userID)
}

// Publish broadcasts an event to every other pod subscribed to roomID.
func (s *Service) Publish(ctx context.Context, roomID string, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal inner payload: %w", err)
		}

		msg := PubSubPayload{RoomID: roomID, Event: event, Payload: innerBytes, SenderID: senderID}
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("marshal pubsub envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, roomChannel(roomID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: dropping publish", "roomID", roomID)
			return nil
		}
		slog.Error("redis publish failed", "roomID", roomID, "error", err)
		return err
	}
	return nil
}

// PublishDirect sends an event to a single user's channel (used for
// "replaced" when an auth id's prior socket is evicted on a different pod).
func (s *Service) PublishDirect(ctx context.Context, targetUserID string, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal inner payload: %w", err)
		}

		msg := PubSubPayload{Event: event, Payload: innerBytes, SenderID: senderID}
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("marshal direct message envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, userChannel(targetUserID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: dropping direct message", "targetUserID", targetUserID)
			return nil
		}
		slog.Error("redis publish direct failed", "targetUserID", targetUserID, "event", event, "error", err)
		return err
	}
	return nil
}

// Subscribe starts a background goroutine relaying messages published to
// roomID by other pods into handler, until ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	if s == nil || s.client == nil {
		return
	}

	channel := roomChannel(roomID)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("subscribed to redis channel", "channel", channel)
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("redis subscription channel closed", "channel", channel)
					return
				}
				var payload PubSubPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					slog.Error("failed to unmarshal redis message", "error", err)
					continue
				}
				handler(payload)
			}
		}
	}()
}

// SubscribeUser starts a background goroutine relaying messages published
// to userID's direct channel (via PublishDirect) into handler, until ctx is
// cancelled. Used to deliver a "replaced" event to a same-auth-id socket
// that may be connected to a different pod (spec.md §4.8 "Connect").
func (s *Service) SubscribeUser(ctx context.Context, userID string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	if s == nil || s.client == nil {
		return
	}

	channel := userChannel(userID)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var payload PubSubPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					slog.Error("failed to unmarshal redis user message", "error", err)
					continue
				}
				handler(payload)
			}
		}
	}()
}

// Ping checks Redis connectivity directly, bypassing the cached IsConnected
// flag. Used by the health endpoint for an up-to-the-second readiness check.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection and stops the probe.
func (s *Service) Close() error {
	s.StopHealthProbe()
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// SetAdd adds a member to a Redis Set (used by the presence module to track
// the online-user set, spec.md §4.6).
func (s *Service) SetAdd(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil
		}
		slog.Error("redis SAdd failed", "key", key, "error", err)
		return err
	}
	return nil
}

// SetRem removes a member from a Redis Set.
func (s *Service) SetRem(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil
		}
		slog.Error("redis SRem failed", "key", key, "error", err)
		return err
	}
	return nil
}

// SetMembers retrieves all members of a Redis Set.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil, nil
		}
		slog.Error("redis SMembers failed", "key", key, "error", err)
		return nil, err
	}
	return res.([]string), nil
}
