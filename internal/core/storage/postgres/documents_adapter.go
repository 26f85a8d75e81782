package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aevon-lab/geosummary/internal/core/storage"
	"github.com/google/uuid"
)

// DocumentAdapter implements storage.DocumentStore on the documents table.
// Revisions are "<generation>-<token>"; a write must name the current revision.
type DocumentAdapter struct {
	db       *sql.DB
	nowFn    func() time.Time
	revToken func() string
}

// NewDocumentAdapter creates a DocumentAdapter sharing the given connection.
func NewDocumentAdapter(db *sql.DB) *DocumentAdapter {
	return &DocumentAdapter{
		db:       db,
		nowFn:    func() time.Time { return time.Now().UTC() },
		revToken: newRevToken,
	}
}

func newRevToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Get returns the current version of a document.
// Missing and tombstoned documents both return storage.ErrNotFound.
func (a *DocumentAdapter) Get(ctx context.Context, id string) (storage.Document, error) {
	var doc storage.Document
	var body []byte
	err := a.db.QueryRowContext(ctx, queryGetDocument, id).Scan(
		&doc.ID,
		&doc.Revision,
		&doc.Type,
		&body,
		&doc.Deleted,
		&doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Document{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Document{}, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	if doc.Deleted {
		return storage.Document{}, storage.ErrNotFound
	}
	doc.Body = json.RawMessage(body)
	return doc, nil
}

// Put creates (empty doc.Revision) or overwrites (current doc.Revision) a document.
// Returns the new revision, or storage.ErrConflict when the revision is stale or
// the document already exists.
func (a *DocumentAdapter) Put(ctx context.Context, doc storage.Document) (string, error) {
	if doc.ID == "" {
		return "", fmt.Errorf("%w: document id is required", storage.ErrPermanent)
	}
	if !json.Valid(doc.Body) {
		return "", fmt.Errorf("%w: document %s body is not valid JSON", storage.ErrPermanent, doc.ID)
	}

	token := a.revToken()
	now := a.nowFn()

	var row *sql.Row
	if doc.Revision == "" {
		row = a.db.QueryRowContext(ctx, queryInsertDocument, doc.ID, token, doc.Type, []byte(doc.Body), now)
	} else {
		row = a.db.QueryRowContext(ctx, queryUpdateDocument, doc.ID, doc.Revision, token, doc.Type, []byte(doc.Body), now)
	}

	var rev string
	err := row.Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrConflict
	}
	if err != nil {
		return "", fmt.Errorf("failed to put document %s: %w", doc.ID, err)
	}

	slog.Debug("[Postgres] Put document",
		"document_id", doc.ID,
		"type", doc.Type,
		"from_rev", doc.Revision,
		"rev", rev)
	return rev, nil
}
