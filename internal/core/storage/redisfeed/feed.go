// Package redisfeed reads document changes from a Redis Stream.
package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	v1 "github.com/aevon-lab/geosummary/internal/api/v1"
	"github.com/redis/go-redis/v9"
)

// Stream entry fields.
const (
	FieldID      = "id"
	FieldRev     = "rev"
	FieldDeleted = "deleted"
	FieldDoc     = "doc"
)

// Config configures a Feed.
type Config struct {
	// Stream is the stream name (required).
	Stream string

	// Count is the max number of entries per read. Default: 100.
	Count int64

	// Block is how long one XREAD waits for entries. Default: 5 seconds.
	Block time.Duration

	// RetryInterval is the first wait after a read error. Default: 1 second.
	RetryInterval time.Duration

	// MaxRetryInterval caps the exponential backoff. Default: 30 seconds.
	MaxRetryInterval time.Duration
}

// Feed implements storage.ChangeFeed over a Redis Stream.
type Feed struct {
	client redis.UniversalClient
	config Config
}

// New creates a Feed. The client is owned by the caller.
func New(client redis.UniversalClient, config Config) (*Feed, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.Stream == "" {
		return nil, errors.New("stream name is required")
	}
	if config.Count == 0 {
		config.Count = 100
	}
	if config.Block == 0 {
		config.Block = 5 * time.Second
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = time.Second
	}
	if config.MaxRetryInterval == 0 {
		config.MaxRetryInterval = 30 * time.Second
	}
	return &Feed{client: client, config: config}, nil
}

// Changes returns entries appended after the call. The channel is closed when
// ctx is done.
func (f *Feed) Changes(ctx context.Context) (<-chan v1.ChangeEvent, error) {
	lastID, err := f.tailID(ctx)
	if err != nil {
		return nil, err
	}

	slog.Info("[RedisFeed] Consuming stream",
		"stream", f.config.Stream,
		"from", lastID)

	out := make(chan v1.ChangeEvent, f.config.Count)
	go f.run(ctx, lastID, out)
	return out, nil
}

// tailID pins "now" to the newest entry so nothing appended after Changes
// returns can be missed.
func (f *Feed) tailID(ctx context.Context) (string, error) {
	msgs, err := f.client.XRevRangeN(ctx, f.config.Stream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("read stream tail %s: %w", f.config.Stream, err)
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

func (f *Feed) run(ctx context.Context, lastID string, out chan<- v1.ChangeEvent) {
	defer close(out)
	retryInterval := f.config.RetryInterval

	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := f.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{f.config.Stream, lastID},
			Count:   f.config.Count,
			Block:   f.config.Block,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}

			slog.Warn("[RedisFeed] Read failed, will retry",
				"stream", f.config.Stream,
				"error", err,
				"retry_in", retryInterval)

			timer := time.NewTimer(retryInterval)
			select {
			case <-timer.C:
				retryInterval = min(retryInterval*2, f.config.MaxRetryInterval)
			case <-ctx.Done():
				timer.Stop()
				return
			}
			continue
		}
		retryInterval = f.config.RetryInterval

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				event, err := decode(msg.Values)
				if err != nil {
					slog.Warn("[RedisFeed] Skipping malformed entry",
						"stream", f.config.Stream,
						"entry_id", msg.ID,
						"error", err)
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func decode(values map[string]interface{}) (v1.ChangeEvent, error) {
	var event v1.ChangeEvent

	event.ID = field(values, FieldID)
	if event.ID == "" {
		return v1.ChangeEvent{}, errors.New("entry has no document id")
	}
	event.Revision = field(values, FieldRev)

	if raw := field(values, FieldDeleted); raw != "" {
		deleted, err := strconv.ParseBool(raw)
		if err != nil {
			return v1.ChangeEvent{}, fmt.Errorf("invalid deleted flag %q: %w", raw, err)
		}
		event.Deleted = deleted
	}

	if doc := field(values, FieldDoc); doc != "" {
		if !json.Valid([]byte(doc)) {
			return v1.ChangeEvent{}, fmt.Errorf("document %s body is not valid JSON", event.ID)
		}
		event.Doc = json.RawMessage(doc)
	} else if !event.Deleted {
		return v1.ChangeEvent{}, fmt.Errorf("document %s has no body", event.ID)
	}
	return event, nil
}

func field(values map[string]interface{}, name string) string {
	switch v := values[name].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
