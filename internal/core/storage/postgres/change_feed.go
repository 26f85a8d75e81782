package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/aevon-lab/geosummary/internal/api/v1"
	"github.com/aevon-lab/geosummary/internal/core/storage"
	"github.com/lib/pq"
)

// ChangeChannel is the NOTIFY channel the documents trigger publishes on.
const ChangeChannel = "document_changes"

const (
	listenerMinReconnect = time.Second
	listenerMaxReconnect = time.Minute
	changeBufferSize     = 64
)

// changeNotification is the trigger payload. Bodies are not sent inline since
// NOTIFY payloads are capped at 8000 bytes.
type changeNotification struct {
	ID      string `json:"id"`
	Rev     string `json:"rev"`
	Deleted bool   `json:"deleted"`
	Type    string `json:"type"`
}

// ChangeFeed implements storage.ChangeFeed with LISTEN/NOTIFY. Each notification
// is resolved to the current document body through the DocumentStore.
type ChangeFeed struct {
	dsn  string
	docs storage.DocumentStore
}

// NewChangeFeed creates a change feed listening with its own connection to dsn.
func NewChangeFeed(dsn string, docs storage.DocumentStore) *ChangeFeed {
	return &ChangeFeed{dsn: dsn, docs: docs}
}

// Changes starts listening and returns a channel of change events beginning now.
// The channel is closed when ctx is done.
func (f *ChangeFeed) Changes(ctx context.Context) (<-chan v1.ChangeEvent, error) {
	errCh := make(chan error, 1)
	listener := pq.NewListener(f.dsn, listenerMinReconnect, listenerMaxReconnect, func(event pq.ListenerEventType, err error) {
		select {
		case errCh <- err:
		default:
		}
		switch event {
		case pq.ListenerEventDisconnected:
			slog.Warn("[Postgres] Change feed disconnected", "error", err)
		case pq.ListenerEventReconnected:
			slog.Info("[Postgres] Change feed reconnected")
		}
	})

	select {
	case err := <-errCh:
		if err != nil {
			listener.Close()
			return nil, fmt.Errorf("create pq listener: %w", err)
		}
	case <-ctx.Done():
		listener.Close()
		return nil, ctx.Err()
	}

	if err := listener.Listen(ChangeChannel); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
		listener.Close()
		return nil, fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}

	slog.Info("[Postgres] Change feed listening", "channel", ChangeChannel)

	out := make(chan v1.ChangeEvent, changeBufferSize)
	go f.listen(ctx, listener, out)
	return out, nil
}

func (f *ChangeFeed) listen(ctx context.Context, listener *pq.Listener, out chan<- v1.ChangeEvent) {
	defer close(out)
	defer listener.Close()

	for {
		var notif *pq.Notification
		select {
		case <-ctx.Done():
			return
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			notif = n
		}
		// A nil notification is delivered after a reconnect.
		if notif == nil {
			continue
		}

		event, ok, err := f.resolve(ctx, []byte(notif.Extra))
		if err != nil {
			slog.Warn("[Postgres] Skipping change notification", "error", err)
			continue
		}
		if !ok {
			continue
		}

		select {
		case out <- event:
		case <-ctx.Done():
			return
		}
	}
}

// resolve turns a trigger payload into a change event with the document body.
// ok is false when the document changed again and was deleted before we read it.
func (f *ChangeFeed) resolve(ctx context.Context, payload []byte) (v1.ChangeEvent, bool, error) {
	var n changeNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return v1.ChangeEvent{}, false, fmt.Errorf("decode notification: %w", err)
	}
	if n.ID == "" {
		return v1.ChangeEvent{}, false, errors.New("notification without document id")
	}

	if n.Deleted {
		return v1.ChangeEvent{ID: n.ID, Revision: n.Rev, Deleted: true}, true, nil
	}

	doc, err := f.docs.Get(ctx, n.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return v1.ChangeEvent{}, false, nil
	}
	if err != nil {
		return v1.ChangeEvent{}, false, fmt.Errorf("fetch changed document %s: %w", n.ID, err)
	}

	// The body read may be newer than the notification; report the revision we read.
	return v1.ChangeEvent{ID: doc.ID, Revision: doc.Revision, Doc: doc.Body}, true, nil
}
