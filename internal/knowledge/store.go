// Package knowledge is the failure pattern knowledge base.
package knowledge

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/filelock"
)

// ErrPatternNotFound is returned for unknown pattern IDs
var ErrPatternNotFound = errors.New("pattern not found")

// Occurrence is one sighting of a pattern
type Occurrence struct {
	RunID      string
	Phase      domain.Phase
	Confidence domain.Confidence
	Score      float64
}

// Store provides SQLite-backed pattern persistence.
// All writes go through a single writer: a process mutex plus an advisory
// file lock when the database lives on disk.
type Store struct {
	db       *sql.DB
	lockPath string
	mu       sync.Mutex
	now      func() time.Time
}

// Open opens (and migrates) the knowledge base at dbPath.
// ":memory:" gives a private in-memory base for tests.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection keeps an in-memory database alive and makes the
	// pragmas below apply to every statement.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 10000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db, now: domain.Now}
	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL: %w", err)
		}
		s.lockPath = dbPath + ".lock"
	}

	// Run migrations
	err = s.withWriter(func() error {
		_, err := db.Exec(schema)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withWriter(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockPath != "" {
		l, err := filelock.Acquire(s.lockPath)
		if err != nil {
			return err
		}
		defer l.Release()
	}
	return fn()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.withWriter(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

const patternColumns = `id, name, category, signature, normalized, root_cause,
	fix_file, fix_before, fix_after, fix_notes, fix_placeholder,
	occurrences, first_seen, last_seen, status`

type scanner interface {
	Scan(dest ...any) error
}

func scanPattern(row scanner) (*domain.FailurePattern, error) {
	var p domain.FailurePattern
	var status string
	err := row.Scan(&p.ID, &p.Name, &p.Category, &p.Signature, &p.Normalized, &p.RootCause,
		&p.Fix.File, &p.Fix.Before, &p.Fix.After, &p.Fix.Notes, &p.Fix.Placeholder,
		&p.Occurrences, &p.FirstSeen, &p.LastSeen, &status)
	if err != nil {
		return nil, err
	}
	p.Status = domain.PatternStatus(status)
	return &p, nil
}

// Get returns one pattern
func (s *Store) Get(ctx context.Context, id string) (*domain.FailurePattern, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id = ?`, id)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPatternNotFound, id)
	}
	return p, err
}

// ListOptions filters List
type ListOptions struct {
	Status   domain.PatternStatus
	Category string
}

// List returns patterns ordered by occurrence count, most frequent first
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*domain.FailurePattern, error) {
	query := `SELECT ` + patternColumns + ` FROM patterns WHERE 1=1`
	var args []any

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.Category != "" {
		query += " AND category = ?"
		args = append(args, opts.Category)
	}
	query += " ORDER BY occurrences DESC, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []*domain.FailurePattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// Active returns the patterns eligible for matching
func (s *Store) Active(ctx context.Context) ([]*domain.FailurePattern, error) {
	return s.List(ctx, ListOptions{Status: domain.PatternActive})
}

// RecordOccurrence increments a pattern's count and bumps its last-seen time
func (s *Store) RecordOccurrence(ctx context.Context, patternID string, occ Occurrence) (*domain.FailurePattern, error) {
	var p *domain.FailurePattern
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, `
			UPDATE patterns SET occurrences = occurrences + 1, last_seen = ?, status = ?
			WHERE id = ?`, now, string(domain.PatternActive), patternID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrPatternNotFound, patternID)
		}
		if err := insertOccurrence(ctx, tx, patternID, occ, now); err != nil {
			return err
		}
		p, err = scanPattern(tx.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id = ?`, patternID))
		return err
	})
	return p, err
}

// Document creates a pattern for a failure not seen before, or counts an
// occurrence when a pattern with the same normalized signature exists.
// The bool reports whether a new pattern was created.
func (s *Store) Document(ctx context.Context, p *domain.FailurePattern, occ Occurrence) (*domain.FailurePattern, bool, error) {
	var out *domain.FailurePattern
	var created bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()

		var existing string
		err := tx.QueryRowContext(ctx, `SELECT id FROM patterns WHERE normalized = ?`, p.Normalized).Scan(&existing)
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx, `
				UPDATE patterns SET occurrences = occurrences + 1, last_seen = ?, status = ?
				WHERE id = ?`, now, string(domain.PatternActive), existing); err != nil {
				return err
			}
		case errors.Is(err, sql.ErrNoRows):
			id, err := freshID(ctx, tx, p.Normalized)
			if err != nil {
				return err
			}
			if p.Status == "" {
				p.Status = domain.PatternActive
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO patterns (`+patternColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
				id, p.Name, p.Category, p.Signature, p.Normalized, p.RootCause,
				p.Fix.File, p.Fix.Before, p.Fix.After, p.Fix.Notes, p.Fix.Placeholder,
				now, now, string(p.Status)); err != nil {
				return err
			}
			existing = id
			created = true
		default:
			return err
		}

		if err := insertOccurrence(ctx, tx, existing, occ, now); err != nil {
			return err
		}
		out, err = scanPattern(tx.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id = ?`, existing))
		return err
	})
	return out, created, err
}

// Refine updates the descriptive fields of an existing pattern, typically
// from an edited pattern document. Counts never decrease.
// The bool reports whether anything changed.
func (s *Store) Refine(ctx context.Context, p *domain.FailurePattern) (bool, error) {
	var changed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanPattern(tx.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id = ?`, p.ID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrPatternNotFound, p.ID)
		}
		if err != nil {
			return err
		}

		next := *cur
		if p.Name != "" {
			next.Name = p.Name
		}
		if p.Category != "" {
			next.Category = p.Category
		}
		if p.Status != "" {
			next.Status = p.Status
		}
		next.RootCause = p.RootCause
		next.Fix = p.Fix
		if p.Occurrences > next.Occurrences {
			next.Occurrences = p.Occurrences
		}
		if next == *cur {
			return nil
		}
		changed = true
		_, err = tx.ExecContext(ctx, `
			UPDATE patterns SET name = ?, category = ?, status = ?, root_cause = ?,
				fix_file = ?, fix_before = ?, fix_after = ?, fix_notes = ?, fix_placeholder = ?,
				occurrences = ?
			WHERE id = ?`,
			next.Name, next.Category, string(next.Status), next.RootCause,
			next.Fix.File, next.Fix.Before, next.Fix.After, next.Fix.Notes, next.Fix.Placeholder,
			next.Occurrences, p.ID)
		return err
	})
	return changed, err
}

// SetStatus moves a pattern between active and historical
func (s *Store) SetStatus(ctx context.Context, id string, status domain.PatternStatus) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE patterns SET status = ? WHERE id = ?`, string(status), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrPatternNotFound, id)
		}
		return nil
	})
}

// OccurrenceRecord is a stored sighting
type OccurrenceRecord struct {
	PatternID  string            `json:"pattern_id"`
	RunID      string            `json:"run_id,omitempty"`
	Phase      domain.Phase      `json:"phase,omitempty"`
	Confidence domain.Confidence `json:"confidence,omitempty"`
	Score      float64           `json:"score"`
	SeenAt     time.Time         `json:"seen_at"`
}

// Occurrences returns the sightings of a pattern, newest first
func (s *Store) Occurrences(ctx context.Context, patternID string) ([]OccurrenceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pattern_id, COALESCE(run_id, ''), COALESCE(phase, ''), COALESCE(confidence, ''), COALESCE(score, 0), seen_at
		FROM occurrences WHERE pattern_id = ? ORDER BY id DESC`, patternID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OccurrenceRecord
	for rows.Next() {
		var r OccurrenceRecord
		var phase, confidence string
		if err := rows.Scan(&r.PatternID, &r.RunID, &phase, &confidence, &r.Score, &r.SeenAt); err != nil {
			return nil, err
		}
		r.Phase = domain.Phase(phase)
		r.Confidence = domain.Confidence(confidence)
		out = append(out, r)
	}
	return out, rows.Err()
}

func insertOccurrence(ctx context.Context, tx *sql.Tx, patternID string, occ Occurrence, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO occurrences (pattern_id, run_id, phase, confidence, score, seen_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		patternID, occ.RunID, string(occ.Phase), string(occ.Confidence), occ.Score, at)
	return err
}

// PatternID derives a pattern ID of the given hex length from a normalized signature
func PatternID(normalized string, length int) string {
	sum := sha256.Sum256([]byte(normalized))
	h := hex.EncodeToString(sum[:])
	if length <= 0 || length > len(h) {
		length = len(h)
	}
	return "fp-" + h[:length]
}

// freshID lengthens the hash prefix until it does not collide with another signature
func freshID(ctx context.Context, tx *sql.Tx, normalized string) (string, error) {
	for length := 8; length <= 64; length += 4 {
		id := PatternID(normalized, length)
		var other string
		err := tx.QueryRowContext(ctx, `SELECT normalized FROM patterns WHERE id = ?`, id).Scan(&other)
		if errors.Is(err, sql.ErrNoRows) {
			return id, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no free pattern id for signature")
}
