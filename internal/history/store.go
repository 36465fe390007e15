// Package history keeps a write-only audit log of completed batches.
// Records are never read back for resumption or retry.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hochfrequenz/claude-research-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// BatchRecord is a stored batch summary row
type BatchRecord struct {
	ID             string
	OK             bool
	Reason         string
	PartialFailure bool
	Total          int
	Succeeded      int
	Failed         int
	Parallelism    int
	ElapsedSeconds float64
	StartedAt      time.Time
	FinishedAt     time.Time
}

// RunRecord is a stored per-query row
type RunRecord struct {
	BatchID        string
	Index          int
	Question       string
	Status         string
	OK             bool
	Reason         string
	Answer         string
	AsOf           string
	Confidence     float64
	Sources        []string
	Searches       int
	PagesOpened    int
	TokensInput    int64
	TokensOutput   int64
	ElapsedSeconds float64
}

// Store provides SQLite-backed batch history
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveBatch records a completed batch and all its runs
func (s *Store) SaveBatch(outcome *domain.BatchOutcome) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO batches (id, ok, reason, partial_failure, total, succeeded, failed, parallelism, elapsed_seconds, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		outcome.ID,
		outcome.OK,
		outcome.Reason,
		outcome.PartialFailure,
		outcome.Summary.Total,
		outcome.Summary.Succeeded,
		outcome.Summary.Failed,
		outcome.Summary.Parallelism,
		outcome.Summary.ElapsedSeconds,
		outcome.StartedAt,
		outcome.FinishedAt,
	)
	if err != nil {
		return err
	}

	for i, run := range outcome.Runs {
		var out *domain.RunOutcome
		if i < len(outcome.Outcomes) {
			out = outcome.Outcomes[i]
		}

		var ok bool
		var reason, answer, asOf, sourcesJSON string
		var confidence, elapsed float64
		var tokensIn, tokensOut sql.NullInt64

		if out != nil {
			ok = out.OK
			reason = out.Reason
			elapsed = out.Elapsed.Seconds()
			if out.Result != nil {
				answer = out.Result.Answer
				asOf = out.Result.AsOf
				confidence = out.Result.Confidence
				if len(out.Result.Sources) > 0 {
					raw, err := json.Marshal(out.Result.Sources)
					if err != nil {
						return err
					}
					sourcesJSON = string(raw)
				}
			}
			if out.Telemetry.Usage != nil {
				tokensIn = sql.NullInt64{Int64: out.Telemetry.Usage.InputTokens, Valid: true}
				tokensOut = sql.NullInt64{Int64: out.Telemetry.Usage.OutputTokens, Valid: true}
			}
		}

		_, err = tx.Exec(`
			INSERT INTO runs (batch_id, idx, question, status, ok, reason, answer, as_of, confidence, sources, searches, pages_opened, tokens_input, tokens_output, elapsed_seconds)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			outcome.ID,
			run.Index,
			run.Question,
			string(run.Status),
			ok,
			reason,
			answer,
			asOf,
			confidence,
			sourcesJSON,
			run.Searches,
			run.PagesOpened,
			tokensIn,
			tokensOut,
			elapsed,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListBatches returns the most recent batches, newest first
func (s *Store) ListBatches(limit int) ([]*BatchRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, ok, reason, partial_failure, total, succeeded, failed, parallelism, elapsed_seconds, started_at, finished_at
		FROM batches ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*BatchRecord
	for rows.Next() {
		var b BatchRecord
		var reason sql.NullString
		err := rows.Scan(&b.ID, &b.OK, &reason, &b.PartialFailure, &b.Total, &b.Succeeded, &b.Failed, &b.Parallelism, &b.ElapsedSeconds, &b.StartedAt, &b.FinishedAt)
		if err != nil {
			return nil, err
		}
		if reason.Valid {
			b.Reason = reason.String
		}
		batches = append(batches, &b)
	}

	return batches, rows.Err()
}

// GetBatchRuns returns the runs of one batch, in submission order
func (s *Store) GetBatchRuns(batchID string) ([]*RunRecord, error) {
	rows, err := s.db.Query(`
		SELECT batch_id, idx, question, status, ok, reason, answer, as_of, confidence, sources, searches, pages_opened, tokens_input, tokens_output, elapsed_seconds
		FROM runs WHERE batch_id = ? ORDER BY idx
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		var r RunRecord
		var reason, answer, asOf, sourcesJSON sql.NullString
		var confidence sql.NullFloat64
		var tokensIn, tokensOut sql.NullInt64

		err := rows.Scan(&r.BatchID, &r.Index, &r.Question, &r.Status, &r.OK, &reason, &answer, &asOf, &confidence, &sourcesJSON, &r.Searches, &r.PagesOpened, &tokensIn, &tokensOut, &r.ElapsedSeconds)
		if err != nil {
			return nil, err
		}

		r.Reason = reason.String
		r.Answer = answer.String
		r.AsOf = asOf.String
		r.Confidence = confidence.Float64
		r.TokensInput = tokensIn.Int64
		r.TokensOutput = tokensOut.Int64

		if sourcesJSON.Valid && sourcesJSON.String != "" {
			if err := json.Unmarshal([]byte(sourcesJSON.String), &r.Sources); err != nil {
				return nil, err
			}
		}

		runs = append(runs, &r)
	}

	return runs, rows.Err()
}
