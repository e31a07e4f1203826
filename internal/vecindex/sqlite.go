package vecindex

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"agentpiazza/internal/embedding"
	"agentpiazza/internal/logging"
)

// SQLiteIndex stores insight vectors in SQLite, using the vec0 virtual
// table when sqlite-vec is compiled in and an exhaustive cosine scan
// over a plain table otherwise.
type SQLiteIndex struct {
	db   *sql.DB
	mu   sync.RWMutex
	dims int

	// vectorExt is true when the vec0 virtual table module is available.
	vectorExt bool
}

// New prepares the index tables on the shared database handle.
func New(db *sql.DB, dims int) (*SQLiteIndex, error) {
	if db == nil {
		return nil, fmt.Errorf("vecindex: nil database handle")
	}
	if dims <= 0 {
		return nil, fmt.Errorf("vecindex: invalid dimension count %d", dims)
	}

	idx := &SQLiteIndex{db: db, dims: dims}
	idx.detectVecExtension()

	if idx.vectorExt {
		vecTable := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS insight_vectors USING vec0(
				embedding float[%d],
				insight_id TEXT,
				metadata TEXT
			)`, dims)
		// Virtual tables cannot carry secondary indexes; lookups by
		// insight_id scan the vec0 table.
		if _, err := db.Exec(vecTable); err != nil {
			return nil, fmt.Errorf("vecindex: create vec0 table: %w", err)
		}
		logging.Vector("sqlite-vec extension detected, using vec0 index (dims=%d)", dims)
		return idx, nil
	}

	fallbackTable := `
		CREATE TABLE IF NOT EXISTS insight_embeddings (
			insight_id TEXT PRIMARY KEY,
			embedding  TEXT NOT NULL,
			metadata   TEXT NOT NULL DEFAULT '{}'
		)`
	if _, err := db.Exec(fallbackTable); err != nil {
		return nil, fmt.Errorf("vecindex: create fallback table: %w", err)
	}
	logging.Get(logging.CategoryVector).Warn("sqlite-vec extension not available, using exhaustive cosine scan (dims=%d)", dims)
	return idx, nil
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available in this build.
func (x *SQLiteIndex) detectVecExtension() {
	if _, err := x.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		x.vectorExt = true
		_, _ = x.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	x.vectorExt = false
}

// Dimensions reports the vector width the index was created with.
func (x *SQLiteIndex) Dimensions() int { return x.dims }

func (x *SQLiteIndex) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]interface{}) error {
	if id == "" {
		return fmt.Errorf("vecindex: empty id")
	}
	if len(vector) != x.dims {
		return fmt.Errorf("vecindex: dimension mismatch: got %d, want %d", len(vector), x.dims)
	}

	metaJSON := "{}"
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("vecindex: marshal metadata: %w", err)
		}
		metaJSON = string(data)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.vectorExt {
		tx, err := x.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		// vec0 tables have no UPDATE path worth using; replace the row.
		if _, err := tx.ExecContext(ctx, "DELETE FROM insight_vectors WHERE insight_id = ?", id); err != nil {
			return err
		}
		blob := encodeFloat32SliceToBlob(vector)
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO insight_vectors (embedding, insight_id, metadata) VALUES (?, ?, ?)",
			blob, id, metaJSON,
		); err != nil {
			return err
		}
		return tx.Commit()
	}

	embJSON, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("vecindex: marshal embedding: %w", err)
	}
	_, err = x.db.ExecContext(ctx, `
		INSERT INTO insight_embeddings (insight_id, embedding, metadata)
		VALUES (?, ?, ?)
		ON CONFLICT(insight_id) DO UPDATE SET embedding = excluded.embedding, metadata = excluded.metadata`,
		id, string(embJSON), metaJSON)
	return err
}

func (x *SQLiteIndex) Query(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if len(vector) != x.dims {
		return nil, fmt.Errorf("vecindex: dimension mismatch: got %d, want %d", len(vector), x.dims)
	}
	if topK <= 0 {
		topK = 10
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.vectorExt {
		return x.queryVec(ctx, vector, topK)
	}
	return x.queryScan(ctx, vector, topK)
}

func (x *SQLiteIndex) queryVec(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	queryBlob := encodeFloat32SliceToBlob(vector)
	rows, err := x.db.QueryContext(ctx, `
		SELECT insight_id, metadata, vec_distance_cosine(embedding, ?) AS distance
		FROM insight_vectors
		ORDER BY distance ASC
		LIMIT ?`, queryBlob, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			id       string
			metaJSON string
			distance float64
		)
		if err := rows.Scan(&id, &metaJSON, &distance); err != nil {
			return nil, err
		}
		m := Match{ID: id, Score: 1.0 - distance}
		if metaJSON != "" && metaJSON != "{}" {
			_ = json.Unmarshal([]byte(metaJSON), &m.Metadata)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (x *SQLiteIndex) queryScan(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	rows, err := x.db.QueryContext(ctx, "SELECT insight_id, embedding, metadata FROM insight_embeddings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			id       string
			embJSON  string
			metaJSON string
		)
		if err := rows.Scan(&id, &embJSON, &metaJSON); err != nil {
			return nil, err
		}

		var stored []float32
		if err := json.Unmarshal([]byte(embJSON), &stored); err != nil {
			logging.Get(logging.CategoryVector).Warn("skipping undecodable embedding for %s: %v", id, err)
			continue
		}
		similarity, err := embedding.CosineSimilarity(vector, stored)
		if err != nil {
			continue
		}

		m := Match{ID: id, Score: similarity}
		if metaJSON != "" && metaJSON != "{}" {
			_ = json.Unmarshal([]byte(metaJSON), &m.Metadata)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (x *SQLiteIndex) Delete(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	table := "insight_embeddings"
	if x.vectorExt {
		table = "insight_vectors"
	}
	_, err := x.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE insight_id = ?", id)
	return err
}

func (x *SQLiteIndex) Count(ctx context.Context) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	table := "insight_embeddings"
	if x.vectorExt {
		table = "insight_vectors"
	}
	var n int
	if err := x.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// encodeFloat32SliceToBlob serializes a vector in the little-endian
// layout sqlite-vec expects.
func encodeFloat32SliceToBlob(vec []float32) []byte {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil
	}
	return buf.Bytes()
}
