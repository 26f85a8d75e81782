package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/aevon-lab/geosummary/internal/core/storage"
	"github.com/lib/pq"
)

// ViewAdapter implements storage.ViewEngine with SQL over geoPosition documents.
type ViewAdapter struct {
	db *sql.DB
}

// NewViewAdapter creates a ViewAdapter sharing the given connection.
func NewViewAdapter(db *sql.DB) *ViewAdapter {
	return &ViewAdapter{db: db}
}

// QueryGroupedCounts returns the grouped report counts for every requested level.
func (a *ViewAdapter) QueryGroupedCounts(ctx context.Context, q storage.ViewQuery) ([]storage.ViewRow, error) {
	if len(q.GroupLevels) == 0 {
		return nil, nil
	}
	if q.LeafDepth <= 0 {
		return nil, fmt.Errorf("leaf depth must be positive, got %d", q.LeafDepth)
	}
	levels := make(pq.Int64Array, 0, len(q.GroupLevels))
	for _, l := range q.GroupLevels {
		levels = append(levels, int64(l))
	}

	rows, err := a.db.QueryContext(ctx, queryGroupedPositionCounts, q.StartKey.Time(), q.EndKey.Time(), levels, q.LeafDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to query grouped counts: %w", err)
	}
	defer rows.Close()

	var out []storage.ViewRow
	for rows.Next() {
		var minute, prefix, entity string
		var value int64
		if err := rows.Scan(&minute, &prefix, &entity, &value); err != nil {
			return nil, fmt.Errorf("failed to scan grouped count row: %w", err)
		}
		out = append(out, storage.ViewRow{Key: viewKey(minute, prefix, entity), Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating grouped counts: %w", err)
	}
	return out, nil
}

// viewKey assembles [y, m, d, h, min, ...chars, entity?] from the query columns.
func viewKey(minute, prefix, entity string) []string {
	key := strings.Fields(minute)
	for _, c := range prefix {
		key = append(key, string(c))
	}
	if entity != "" {
		key = append(key, entity)
	}
	return key
}
