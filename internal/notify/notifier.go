// Package notify maintains a dedicated LISTEN connection on the "good_job"
// channel and fans incoming notifications out to in-process subscribers.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Channel is the NOTIFY channel shared by all enqueuers and workers.
const Channel = "good_job"

// Notification is the decoded payload of a "good_job" notification.
// ScheduledAt is nil for jobs runnable immediately.
type Notification struct {
	QueueName   string     `json:"queue_name"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// ParsePayload decodes a raw NOTIFY payload. Malformed payloads are not an
// error: a wake-up with no queue information is still a wake-up.
func ParsePayload(payload string) Notification {
	var n Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return Notification{}
	}
	return n
}

const (
	keepaliveInterval = 30 * time.Second
	reconnectBaseWait = time.Second
	reconnectMaxWait  = 30 * time.Second
)

// Notifier listens on the "good_job" channel using a connection held outside
// the pool's rotation and delivers notifications to subscribers. Subscriber
// sends never block: a subscriber with a full channel misses the wake-up and
// relies on its poll interval instead.
type Notifier struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu        sync.Mutex
	subs      map[chan Notification]struct{}
	listening bool
}

func NewNotifier(pool *pgxpool.Pool, logger *slog.Logger) *Notifier {
	return &Notifier{
		pool:   pool,
		logger: logger,
		subs:   make(map[chan Notification]struct{}),
	}
}

// Subscribe registers a channel to receive notifications. The returned
// function removes the subscription.
func (n *Notifier) Subscribe(ch chan Notification) func() {
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.subs, ch)
		n.mu.Unlock()
	}
}

// Listening reports whether the LISTEN connection is currently established.
func (n *Notifier) Listening() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.listening
}

func (n *Notifier) setListening(v bool) {
	n.mu.Lock()
	n.listening = v
	n.mu.Unlock()
}

// Run blocks until ctx is cancelled, reconnecting with capped exponential
// backoff whenever the LISTEN connection drops.
func (n *Notifier) Run(ctx context.Context) {
	wait := reconnectBaseWait
	for {
		connected, err := n.listen(ctx)
		n.setListening(false)
		if ctx.Err() != nil {
			return
		}
		if connected {
			// The previous connection was healthy; start backoff over.
			wait = reconnectBaseWait
		}
		if err != nil {
			n.logger.WarnContext(ctx, "listen connection lost, reconnecting",
				slog.Any("error", err),
				slog.Duration("wait", wait))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
		if wait > reconnectMaxWait {
			wait = reconnectMaxWait
		}
	}
}

func (n *Notifier) listen(ctx context.Context) (bool, error) {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return false, err
	}
	n.setListening(true)
	n.logger.InfoContext(ctx, "listening for notifications", slog.String("channel", Channel))
	defer func() {
		_, _ = conn.Exec(context.Background(), "UNLISTEN "+Channel)
	}()

	for {
		// Bound each wait so the connection gets pinged periodically;
		// a dead connection is noticed within one keepalive interval.
		waitCtx, cancel := context.WithTimeout(ctx, keepaliveInterval)
		notification, err := conn.Conn().WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			if waitCtx.Err() != nil {
				if err := conn.Ping(ctx); err != nil {
					return true, err
				}
				continue
			}
			return true, err
		}
		n.deliver(ParsePayload(notification.Payload))
	}
}

func (n *Notifier) deliver(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- note:
		default:
		}
	}
}
