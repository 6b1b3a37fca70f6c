package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

// Persisted index schema. The meta table records the embedding model
// identity and dimension so a load under a different embedder is refused.
const persistSchema = `
CREATE TABLE meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE chunks (
	seq       INTEGER PRIMARY KEY,
	id        TEXT NOT NULL,
	text      TEXT NOT NULL,
	source    TEXT NOT NULL,
	embedding BLOB NOT NULL
);
`

const (
	metaDimension = "dimension"
	metaModel     = "model"
	metaNextSeq   = "next_seq"

	// Caller attributes are stored in the same table, namespaced so they
	// can never collide with the keys above.
	metaAttrPrefix = "attr:"
)

// Persist serialises the full chunk set to a sqlite file at path.
//
// The snapshot is taken under the read lock, then written to a temporary
// file and renamed into place, so a crash mid-write never corrupts an
// existing index and concurrent searches are not blocked by the disk.
func (ix *Index) Persist(ctx context.Context, path string) error {
	ix.mu.RLock()
	chunks := make([]Chunk, len(ix.chunks))
	copy(chunks, ix.chunks)
	attrs := make(map[string]string, len(ix.attrs))
	for k, v := range ix.attrs {
		attrs[k] = v
	}
	dim, model, nextSeq := ix.dim, ix.model, ix.nextSq
	ix.mu.RUnlock()

	// Each call writes its own temporary file so overlapping persists to
	// the same path cannot clobber each other mid-write.
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("creating index temp file: %w", err)
	}
	tmp := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("closing index temp file: %w", err)
	}

	db, err := sql.Open("sqlite", tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("opening index file %s: %w", tmp, err)
	}

	if err := writeAll(ctx, db, dim, model, nextSeq, chunks, attrs); err != nil {
		_ = db.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := db.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("closing index file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing index file %s: %w", path, err)
	}

	ix.logger.Info("persisted index", "path", path, "chunks", len(chunks))
	return nil
}

func writeAll(ctx context.Context, db *sql.DB, dim int, model string, nextSeq int, chunks []Chunk, attrs map[string]string) error {
	if _, err := db.ExecContext(ctx, persistSchema); err != nil {
		return fmt.Errorf("creating index schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning index write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	metaStmt, err := tx.PrepareContext(ctx, `INSERT INTO meta(key, value) VALUES(?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing meta insert: %w", err)
	}
	defer func() { _ = metaStmt.Close() }()

	meta := map[string]string{
		metaDimension: strconv.Itoa(dim),
		metaModel:     model,
		metaNextSeq:   strconv.Itoa(nextSeq),
	}
	for k, v := range attrs {
		meta[metaAttrPrefix+k] = v
	}
	for k, v := range meta {
		if _, err := metaStmt.ExecContext(ctx, k, v); err != nil {
			return fmt.Errorf("writing meta %q: %w", k, err)
		}
	}

	chunkStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks(seq, id, text, source, embedding) VALUES(?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer func() { _ = chunkStmt.Close() }()

	for i := range chunks {
		c := &chunks[i]
		blob := encodeEmbedding(c.Embedding)
		if _, err := chunkStmt.ExecContext(ctx, c.Seq, c.ID, c.Text, string(c.Source), blob); err != nil {
			return fmt.Errorf("writing chunk seq %d: %w", c.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing index write: %w", err)
	}
	return nil
}

// Load reads a persisted index from path.
//
// A missing file returns ErrNotFound so the caller can fall back to building
// from the corpus. Anything unreadable returns ErrCorrupt rather than a
// silently empty index. If expectModel is non-empty and differs from the
// model recorded at persist time, the load is refused with ErrModelMismatch.
func Load(ctx context.Context, path, expectModel string, opts ...Option) (*Index, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("checking index file %s: %w", path, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrCorrupt, path, err)
	}
	defer func() { _ = db.Close() }()

	meta, err := readMeta(ctx, db)
	if err != nil {
		return nil, err
	}

	dim, err := strconv.Atoi(meta[metaDimension])
	if err != nil || dim <= 0 {
		return nil, fmt.Errorf("%w: bad dimension %q", ErrCorrupt, meta[metaDimension])
	}
	model := meta[metaModel]
	if expectModel != "" && model != expectModel {
		return nil, fmt.Errorf("%w: index built with %q, embedder is %q",
			ErrModelMismatch, model, expectModel)
	}

	ix, err := New(dim, model, opts...)
	if err != nil {
		return nil, err
	}
	for k, v := range meta {
		if name, ok := strings.CutPrefix(k, metaAttrPrefix); ok {
			if ix.attrs == nil {
				ix.attrs = make(map[string]string)
			}
			ix.attrs[name] = v
		}
	}

	rows, err := db.QueryContext(ctx,
		`SELECT seq, id, text, source, embedding FROM chunks ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("%w: reading chunks: %v", ErrCorrupt, err)
	}
	defer func() { _ = rows.Close() }()

	maxSeq := -1
	for rows.Next() {
		var (
			c    Chunk
			src  string
			blob []byte
		)
		if err := rows.Scan(&c.Seq, &c.ID, &c.Text, &src, &blob); err != nil {
			return nil, fmt.Errorf("%w: scanning chunk: %v", ErrCorrupt, err)
		}
		c.Source = Source(src)
		c.Embedding, err = decodeEmbedding(blob, dim)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk seq %d: %v", ErrCorrupt, c.Seq, err)
		}
		if c.Text == "" {
			return nil, fmt.Errorf("%w: chunk seq %d has no text", ErrCorrupt, c.Seq)
		}
		if c.Seq > maxSeq {
			maxSeq = c.Seq
		}
		ix.chunks = append(ix.chunks, c)
		ix.mags = append(ix.mags, magnitude(c.Embedding))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating chunks: %v", ErrCorrupt, err)
	}

	// next_seq from meta when sane, otherwise derived from the data.
	if n, err := strconv.Atoi(meta[metaNextSeq]); err == nil && n > maxSeq {
		ix.nextSq = n
	} else {
		ix.nextSq = maxSeq + 1
	}

	ix.logger.Info("loaded index", "path", path, "chunks", len(ix.chunks), "model", model)
	return ix, nil
}

func readMeta(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return nil, fmt.Errorf("%w: reading meta: %v", ErrCorrupt, err)
	}
	defer func() { _ = rows.Close() }()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("%w: scanning meta: %v", ErrCorrupt, err)
		}
		meta[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating meta: %v", ErrCorrupt, err)
	}
	if _, ok := meta[metaDimension]; !ok {
		return nil, fmt.Errorf("%w: meta table missing dimension", ErrCorrupt)
	}
	return meta, nil
}

// encodeEmbedding packs a vector as little-endian IEEE 754 float32 values.
// The length is derived from the blob size on decode.
func encodeEmbedding(vec []float32) []byte {
	b := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

// decodeEmbedding unpacks a blob produced by encodeEmbedding, enforcing the
// expected dimension.
func decodeEmbedding(b []byte, dim int) ([]float32, error) {
	if len(b) != dim*4 {
		return nil, errors.New("embedding blob length does not match dimension")
	}
	vec := make([]float32, dim)
	for i := 0; i < dim; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}
