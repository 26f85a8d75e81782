package postgres

// SQL queries for the revisioned document store and the position view.

const (
	// querySchemaExists checks the documents table was created by migrations.
	querySchemaExists = `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_name = 'documents'
		)
	`

	// queryGetDocument reads the current version of one document.
	queryGetDocument = `
		SELECT id, rev, doc_type, body, deleted, updated_at
		FROM documents
		WHERE id = $1
	`

	// queryInsertDocument creates a document at generation 1.
	// A tombstoned document may be recreated; a live one makes the insert return
	// no rows, which the adapter reports as a conflict.
	queryInsertDocument = `
		INSERT INTO documents (id, rev, generation, doc_type, body, deleted, updated_at)
		VALUES ($1, '1-' || $2, 1, $3, $4, FALSE, $5)
		ON CONFLICT (id) DO UPDATE SET
			rev        = (documents.generation + 1)::text || '-' || $2,
			generation = documents.generation + 1,
			doc_type   = EXCLUDED.doc_type,
			body       = EXCLUDED.body,
			deleted    = FALSE,
			updated_at = EXCLUDED.updated_at
		WHERE documents.deleted
		RETURNING rev
	`

	// queryUpdateDocument overwrites a document only if the caller holds the current rev.
	queryUpdateDocument = `
		UPDATE documents SET
			rev        = (generation + 1)::text || '-' || $3,
			generation = generation + 1,
			doc_type   = $4,
			body       = $5,
			deleted    = FALSE,
			updated_at = $6
		WHERE id = $1 AND rev = $2
		RETURNING rev
	`

	// queryGroupedPositionCounts emulates the grouped geoPosition view. The window
	// filter matches idx_documents_position_date.
	// Each report's key is [y, m, d, h, min, ...first $4 geohash chars, owner]; every
	// requested group level truncates that key, levels past the key length collapse to
	// the full key. Rows come back in ascending key order with byte collation, so a
	// prefix sorts before the prefixes it contains.
	queryGroupedPositionCounts = `
		WITH reports AS (
			SELECT
				id,
				body->>'owner'   AS entity,
				body->>'geohash' AS geohash,
				document_reported_at(body, updated_at) AS reported_at
			FROM documents
			WHERE doc_type = 'geoPosition' AND NOT deleted
			  AND document_reported_at(body, updated_at) >= $1
			  AND document_reported_at(body, updated_at) < $2
		),
		windowed AS (
			SELECT id, entity, substr(geohash, 1, $4) AS geohash, reported_at
			FROM reports
			WHERE length(geohash) >= $4
		),
		expanded AS (
			SELECT DISTINCT
				w.id,
				w.entity,
				w.geohash,
				to_char(date_trunc('minute', w.reported_at AT TIME ZONE 'UTC'), 'YYYY MM DD HH24 MI') AS minute,
				LEAST(l.level, 6 + length(w.geohash)) AS level
			FROM windowed w
			CROSS JOIN unnest($3::int[]) AS l(level)
			WHERE l.level > 5
		)
		SELECT
			minute,
			CASE WHEN level = 6 + length(geohash) THEN geohash ELSE substr(geohash, 1, level - 5) END AS prefix,
			CASE WHEN level = 6 + length(geohash) THEN entity ELSE '' END AS entity,
			count(*) AS value
		FROM expanded
		GROUP BY 1, 2, 3
		ORDER BY 1, 2 COLLATE "C", 3 COLLATE "C"
	`
)
