// Package notify publishes upload events over Redis pub/sub so idle
// workers can start on a new file without waiting out their sleep.
// Everything here is best effort: a nil *Notifier is valid and does
// nothing.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/zulandar/cfq/internal/config"
	"github.com/zulandar/cfq/internal/logger"
)

// DefaultChannel is used when the config names none.
const DefaultChannel = "cfq:uploads"

// Notifier publishes and receives upload events.
type Notifier struct {
	rdb     *goredis.Client
	channel string
	log     *logger.Logger
}

// New connects to Redis. It returns (nil, nil) when no address is
// configured.
func New(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (*Notifier, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, nil
	}
	ch := cfg.Channel
	if ch == "" {
		ch = DefaultChannel
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("notify: redis ping %s: %w", addr, err)
	}
	return &Notifier{
		rdb:     rdb,
		channel: ch,
		log:     logger.OrNop(log).With("component", "notify"),
	}, nil
}

// Channel returns the pub/sub channel name, or "" for a nil Notifier.
func (n *Notifier) Channel() string {
	if n == nil {
		return ""
	}
	return n.channel
}

// Publish announces a new file. Failures are logged.
func (n *Notifier) Publish(ctx context.Context, fileID uint) {
	if n == nil {
		return
	}
	if err := n.rdb.Publish(ctx, n.channel, strconv.FormatUint(uint64(fileID), 10)).Err(); err != nil {
		n.log.Warn("publish upload failed", "file_id", fileID, "error", err)
	}
}

// Subscribe returns a channel that receives a signal after each upload
// event until ctx is done. Bursts of events collapse into one pending
// signal. A nil Notifier returns a nil channel, which never fires.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	if n == nil {
		return nil, nil
	}
	sub := n.rdb.Subscribe(ctx, n.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("notify: subscribe %s: %w", n.channel, err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				if m == nil {
					continue
				}
				if _, err := parseFileID(m.Payload); err != nil {
					n.log.Warn("bad upload payload", "payload", m.Payload, "error", err)
					continue
				}
				signal(wake)
			}
		}
	}()
	return wake, nil
}

// Close releases the Redis client.
func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	return n.rdb.Close()
}

// signal delivers a wake-up without blocking; an already pending one
// suffices.
func signal(wake chan<- struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}

func parseFileID(payload string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(payload), 10, 64)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, fmt.Errorf("file id must be positive")
	}
	return uint(id), nil
}
