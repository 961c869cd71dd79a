// Package memory persists decision traces and retrieves them by embedding
// similarity, so planning can consult prior failures before committing
// resources to a repeated mistake.
package memory

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema

const schema = `
CREATE TABLE IF NOT EXISTS decision_traces (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id         TEXT NOT NULL UNIQUE,
	created_at     TEXT NOT NULL,
	hypothesis     TEXT NOT NULL,
	trace          TEXT NOT NULL,
	summary        TEXT NOT NULL,
	embedding      BLOB NOT NULL,
	failure_reason TEXT
);

CREATE TABLE IF NOT EXISTS store_meta (
	id        INTEGER PRIMARY KEY CHECK (id = 1),
	embed_dim INTEGER NOT NULL
);
`

// #endregion schema

// #region types

// Trace is one persisted decision trace row. Rows are immutable after
// insert; corrections are new rows.
type Trace struct {
	ID            int64
	RunID         string
	CreatedAt     time.Time
	Hypothesis    string
	TraceJSON     []byte
	Summary       string
	Embedding     []float32
	FailureReason string // empty when the run succeeded
}

// TraceInput is the write-path payload.
type TraceInput struct {
	RunID         string
	Hypothesis    string
	TraceJSON     []byte
	FailureReason string
}

// ScoredTrace pairs a stored trace with its similarity to a query.
type ScoredTrace struct {
	Trace
	Similarity float64
}

// #endregion types

// #region store

// Store is the append-only trace store. It exclusively owns persisted
// rows; the pipeline only ever appends.
type Store struct {
	db        *sql.DB
	dim       int
	summarize Summarizer
	embed     Embedder
}

// NewStore opens (or creates) the sqlite database at path. The embedding
// dimension is fixed at store creation; reopening with a different
// embedder dimension is an error.
func NewStore(path string, summarize Summarizer, embed Embedder) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open trace db: %w", err)
	}
	// Single connection: sqlite allows one writer, and a pooled second
	// connection surfaces as SQLITE_BUSY instead of queueing. Concurrent
	// appenders serialize here.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{db: db, dim: embed.Dim(), summarize: summarize, embed: embed}
	if err := s.checkDim(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// checkDim records the embedding dimension on first open and enforces it
// afterwards.
func (s *Store) checkDim() error {
	var stored int
	err := s.db.QueryRow(`SELECT embed_dim FROM store_meta WHERE id = 1`).Scan(&stored)
	if err == sql.ErrNoRows {
		_, err = s.db.Exec(`INSERT INTO store_meta (id, embed_dim) VALUES (1, ?)`, s.dim)
		if err != nil {
			return fmt.Errorf("record embed dim: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read embed dim: %w", err)
	}
	if stored != s.dim {
		return fmt.Errorf("embed dim mismatch: store created with %d, embedder produces %d", stored, s.dim)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion store

// #region append

// Append summarizes the trace, embeds the summary, and inserts the row in
// one transaction. Summarization happens strictly before embedding.
func (s *Store) Append(in TraceInput) (Trace, error) {
	if in.RunID == "" {
		in.RunID = uuid.New().String()
	}
	if len(in.TraceJSON) == 0 {
		return Trace{}, fmt.Errorf("append trace: empty trace payload")
	}

	summary, err := s.summarize.Summarize(in.TraceJSON)
	if err != nil {
		return Trace{}, fmt.Errorf("append trace: %w", err)
	}
	vec, err := s.embed.Embed(summary)
	if err != nil {
		return Trace{}, fmt.Errorf("append trace: %w", err)
	}
	if len(vec) != s.dim {
		return Trace{}, fmt.Errorf("append trace: embedding length %d != store dim %d", len(vec), s.dim)
	}

	now := time.Now().UTC()
	tx, err := s.db.Begin()
	if err != nil {
		return Trace{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO decision_traces (run_id, created_at, hypothesis, trace, summary, embedding, failure_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.RunID,
		now.Format(time.RFC3339Nano),
		in.Hypothesis,
		string(in.TraceJSON),
		summary,
		encodeVector(vec),
		nullIfEmpty(in.FailureReason),
	)
	if err != nil {
		return Trace{}, fmt.Errorf("insert trace: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Trace{}, fmt.Errorf("insert trace id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Trace{}, fmt.Errorf("commit trace: %w", err)
	}

	return Trace{
		ID:            id,
		RunID:         in.RunID,
		CreatedAt:     now,
		Hypothesis:    in.Hypothesis,
		TraceJSON:     in.TraceJSON,
		Summary:       summary,
		Embedding:     vec,
		FailureReason: in.FailureReason,
	}, nil
}

// #endregion append

// #region similar

// Similar embeds the query text and returns the top-k stored traces by
// cosine similarity, failed runs included. An empty store returns an empty
// slice, not an error; a corrupt row is an error, not a silent skip.
func (s *Store) Similar(query string, k int) ([]ScoredTrace, error) {
	if k <= 0 {
		return nil, nil
	}
	qvec, err := s.embed.Embed(query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT id, run_id, created_at, hypothesis, trace, summary, embedding, failure_reason
		 FROM decision_traces`)
	if err != nil {
		return nil, fmt.Errorf("scan traces: %w", err)
	}
	defer rows.Close()

	var scored []ScoredTrace
	for rows.Next() {
		tr, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		if len(tr.Embedding) != s.dim {
			return nil, fmt.Errorf("trace %d: corrupt embedding length %d", tr.ID, len(tr.Embedding))
		}
		scored = append(scored, ScoredTrace{Trace: tr, Similarity: cosine(qvec, tr.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate traces: %w", err)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// PriorFailures returns the failed subset of the top-k traces similar to
// the query. Planning reads this before committing to a hypothesis.
func (s *Store) PriorFailures(query string, k int) ([]ScoredTrace, error) {
	all, err := s.Similar(query, k)
	if err != nil {
		return nil, err
	}
	var failed []ScoredTrace
	for _, t := range all {
		if t.FailureReason != "" {
			failed = append(failed, t)
		}
	}
	return failed, nil
}

// List returns all traces in insertion order.
func (s *Store) List() ([]Trace, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, created_at, hypothesis, trace, summary, embedding, failure_reason
		 FROM decision_traces ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var out []Trace
	for rows.Next() {
		tr, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate traces: %w", err)
	}
	return out, nil
}

func scanTrace(rows *sql.Rows) (Trace, error) {
	var tr Trace
	var created string
	var traceJSON string
	var blob []byte
	var failure sql.NullString

	if err := rows.Scan(&tr.ID, &tr.RunID, &created, &tr.Hypothesis, &traceJSON, &tr.Summary, &blob, &failure); err != nil {
		return Trace{}, fmt.Errorf("scan trace row: %w", err)
	}
	vec, err := decodeVector(blob)
	if err != nil {
		return Trace{}, fmt.Errorf("trace %d: %w", tr.ID, err)
	}
	tr.Embedding = vec
	tr.TraceJSON = []byte(traceJSON)
	if failure.Valid {
		tr.FailureReason = failure.String
	}
	tr.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return tr, nil
}

// #endregion similar

// #region vector-codec

// encodeVector packs float32s little-endian for BLOB storage.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a BLOB; a length not divisible by 4 is corrupt.
func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("corrupt embedding blob: %d bytes", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion vector-codec
