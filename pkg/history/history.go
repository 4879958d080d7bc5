package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glimps-re/vt-connector/pkg/datamodel"
	"github.com/glimps-re/vt-connector/pkg/verdict"
	"modernc.org/sqlite"
)

var LogLevel = &slog.LevelVar{}

var Logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

// Entry is one past verification. Result holds the verdict as a JSON
// document, as read back by verdict.Normalize.
type Entry struct {
	ID          string             `json:"id"`
	Kind        datamodel.ScanKind `json:"kind"`
	Target      string             `json:"target"`
	SHA256      string             `json:"sha256,omitempty"`
	AnalysisID  string             `json:"analysisId"`
	Severity    datamodel.Severity `json:"severity"`
	Malicious   uint               `json:"malicious"`
	EngineTotal uint               `json:"engineTotal"`
	Degraded    bool               `json:"degraded"`
	Result      string             `json:"result"`
	CreatedAt   time.Time          `json:"createdAt"`

	RawPayloadKind datamodel.RawPayloadKind `json:"rawPayloadKind,omitempty"`
	// Opaque is the unparsed provider result of an unknown payload.
	Opaque string `json:"opaque,omitempty"`
}

// Verdict decodes the stored result and restores the payload kind of the
// original analysis. A corrupted record yields an unknown verdict instead of
// an error.
func (e Entry) Verdict() datamodel.Verdict {
	record, err := json.Marshal(struct {
		Result string `json:"result"`
	}{Result: e.Result})
	if err != nil {
		return verdict.Normalize(nil)
	}
	v := verdict.Normalize(record)
	if v.RawPayloadKind == datamodel.PayloadUnknown {
		return v
	}
	if e.RawPayloadKind != "" {
		v.RawPayloadKind = e.RawPayloadKind
	}
	v.Opaque = e.Opaque
	if e.EngineTotal > 0 {
		v.EngineTotal = e.EngineTotal
	}
	return v
}

type Stats struct {
	Total      int `json:"total"`
	URLs       int `json:"urls"`
	Files      int `json:"files"`
	Clean      int `json:"clean"`
	Suspicious int `json:"suspicious"`
	Malicious  int `json:"malicious"`
}

type Store interface {
	// Set adds or updates an entry
	Set(ctx context.Context, entry *Entry) error

	Get(ctx context.Context, id string) (entry *Entry, err error)
	// List returns entries from the most recent one.
	List(ctx context.Context, limit, offset int) (entries []Entry, err error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (stats Stats, err error)

	Close() error
}

var ErrEntryNotFound = errors.New("entry not found")

type SQLiteStore struct {
	db       *sql.DB
	location string
	sync.Mutex
}

var _ Store = &SQLiteStore{}

const CreateTable = `CREATE TABLE IF NOT EXISTS verifications (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	target TEXT,
	sha256 TEXT,
	analysis_id TEXT,
	severity TEXT NOT NULL,
	malicious int NOT NULL,
	engine_total int NOT NULL,
	degraded int NOT NULL,
	result TEXT,
	created_at int NOT NULL,
	raw_payload_kind TEXT NOT NULL DEFAULT '',
	opaque TEXT NOT NULL DEFAULT '');`

const CreateIndex = `CREATE INDEX IF NOT EXISTS verifications_created_at ON verifications (created_at);`

// columns missing from databases created by earlier versions
var addedColumns = []struct {
	name       string
	definition string
}{
	{name: "raw_payload_kind", definition: "TEXT NOT NULL DEFAULT ''"},
	{name: "opaque", definition: "TEXT NOT NULL DEFAULT ''"},
}

const selectColumns = `SELECT id, kind, target, sha256, analysis_id, severity, malicious, engine_total, degraded, result, created_at, raw_payload_kind, opaque FROM verifications`

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// NewSQLiteStore opens the history database, in memory when location is
// empty.
func NewSQLiteStore(ctx context.Context, location string) (s *SQLiteStore, err error) {
	finalLocation := "file::memory:"
	if location != "" {
		_, err = os.Stat(location)
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			dir, _ := filepath.Split(location)
			if dir != "" {
				if err = os.MkdirAll(dir, 0o750); err != nil {
					err = fmt.Errorf("failed to create history db location: %w", err)
					return
				}
			}
			f, createErr := os.Create(filepath.Clean(location))
			if createErr != nil {
				err = fmt.Errorf("failed to create history db file: %w", createErr)
				return
			}
			if err = f.Close(); err != nil {
				return
			}
		default:
			return
		}
		finalLocation = location
	}

	db, err := sql.Open("sqlite", finalLocation)
	if err != nil {
		err = fmt.Errorf("failed to open history db: %w", err)
		return
	}
	// every connection to file::memory: opens its own database
	db.SetMaxOpenConns(1)

	for _, statement := range []string{CreateTable, CreateIndex} {
		if _, err = db.ExecContext(ctx, statement); err != nil {
			break
		}
	}
	if err == nil {
		err = migrate(ctx, db)
	}
	if err != nil {
		err = fmt.Errorf("failed to create history db: %w", err)
		if closeErr := db.Close(); closeErr != nil {
			Logger.Error("cannot close history db", slog.String("error", closeErr.Error()))
		}
		return
	}

	Logger.Debug("history db ready", slog.String("location", finalLocation))
	s = &SQLiteStore{db: db, location: finalLocation}
	return
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, column := range addedColumns {
		var found int
		err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pragma_table_info('verifications') WHERE name = ?", column.name).Scan(&found)
		if err != nil {
			return err
		}
		if found > 0 {
			continue
		}
		if _, err = db.ExecContext(ctx, "ALTER TABLE verifications ADD COLUMN "+column.name+" "+column.definition); err != nil {
			return err
		}
		Logger.Info("history db column added", slog.String("column", column.name))
	}
	return nil
}

func (s *SQLiteStore) Location() string {
	return s.location
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var Now = time.Now

func (s *SQLiteStore) Set(ctx context.Context, entry *Entry) (err error) {
	s.Lock()
	defer s.Unlock()
	if entry.ID == "" {
		err = errors.New("history entry id is mandatory")
		return
	}
	if entry.CreatedAt.UnixMilli() <= 0 {
		entry.CreatedAt = Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				Logger.Error("cannot rollback history set transaction", slog.String("error", rollbackErr.Error()))
			}
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("cannot commit history set transaction, error: %w", commitErr)
		}
	}()

	args := []any{
		entry.ID,
		string(entry.Kind),
		entry.Target,
		entry.SHA256,
		entry.AnalysisID,
		string(entry.Severity),
		entry.Malicious,
		entry.EngineTotal,
		boolToInt(entry.Degraded),
		entry.Result,
		entry.CreatedAt.UnixMilli(),
		string(entry.RawPayloadKind),
		entry.Opaque,
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO verifications (id, kind, target, sha256, analysis_id, severity, malicious, engine_total, degraded, result, created_at, raw_payload_kind, opaque)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`, args...)
	if err == nil {
		return
	}
	// primary key already exists, update the entry
	sqliteErr := new(sqlite.Error)
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == 1555 {
		_, err = tx.ExecContext(ctx, `UPDATE verifications SET kind=$2, target=$3, sha256=$4, analysis_id=$5, severity=$6, malicious=$7, engine_total=$8, degraded=$9, result=$10, created_at=$11, raw_payload_kind=$12, opaque=$13
		WHERE id = $1`, args...)
	}
	return
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (entry Entry, err error) {
	var (
		kind, severity, payloadKind string
		degraded                    int
		createdAt                   int64
	)
	err = row.Scan(
		&entry.ID,
		&kind,
		&entry.Target,
		&entry.SHA256,
		&entry.AnalysisID,
		&severity,
		&entry.Malicious,
		&entry.EngineTotal,
		&degraded,
		&entry.Result,
		&createdAt,
		&payloadKind,
		&entry.Opaque,
	)
	if err != nil {
		return
	}
	entry.Kind = datamodel.ScanKind(kind)
	entry.Severity = datamodel.Severity(severity)
	entry.Degraded = degraded != 0
	entry.CreatedAt = time.UnixMilli(createdAt)
	entry.RawPayloadKind = datamodel.RawPayloadKind(payloadKind)
	return
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (entry *Entry, err error) {
	s.Lock()
	defer s.Unlock()
	e, err := scanEntry(s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return
	}
	entry = &e
	return
}

func (s *SQLiteStore) List(ctx context.Context, limit, offset int) (entries []Entry, err error) {
	s.Lock()
	defer s.Unlock()
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	offset = max(offset, 0)

	rows, err := s.db.QueryContext(ctx, selectColumns+" ORDER BY created_at DESC, id LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return
	}
	defer func() {
		if e := rows.Close(); e != nil {
			Logger.Error("cannot close rows", slog.String("error", e.Error()))
		}
	}()
	entries = make([]Entry, 0)
	for rows.Next() {
		var entry Entry
		if entry, err = scanEntry(rows); err != nil {
			return
		}
		entries = append(entries, entry)
	}
	err = rows.Err()
	return
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (err error) {
	s.Lock()
	defer s.Unlock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM verifications WHERE id = ?", id)
	if err != nil {
		return
	}
	n, err := res.RowsAffected()
	if err != nil {
		return
	}
	if n == 0 {
		err = ErrEntryNotFound
	}
	return
}

func (s *SQLiteStore) Stats(ctx context.Context) (stats Stats, err error) {
	s.Lock()
	defer s.Unlock()
	err = s.db.QueryRowContext(ctx, `SELECT
	COUNT(*),
	COUNT(CASE WHEN kind = 'url' THEN 1 END),
	COUNT(CASE WHEN kind = 'file' THEN 1 END),
	COUNT(CASE WHEN severity = 'clean' THEN 1 END),
	COUNT(CASE WHEN severity = 'suspicious' THEN 1 END),
	COUNT(CASE WHEN severity = 'malicious' THEN 1 END)
FROM verifications`).Scan(&stats.Total, &stats.URLs, &stats.Files, &stats.Clean, &stats.Suspicious, &stats.Malicious)
	return
}

// Report rebuilds the report of a recorded verification.
func (e Entry) Report() datamodel.Report {
	v := e.Verdict()
	return datamodel.Report{
		ID:             e.ID,
		Kind:           e.Kind,
		Target:         e.Target,
		SHA256:         e.SHA256,
		AnalysisID:     e.AnalysisID,
		Severity:       e.Severity,
		Counts:         v.Counts,
		Detections:     v.Detections,
		RawPayloadKind: v.RawPayloadKind,
		Opaque:         v.Opaque,
		EngineTotal:    e.EngineTotal,
		Degraded:       e.Degraded,
		CompletedAt:    e.CreatedAt,
	}
}
