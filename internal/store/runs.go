package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Run statuses. A run walks routing -> decided -> delivering and ends
// in exactly one of delivered, skipped, or failed.
const (
	RunStatusRouting    = "routing"
	RunStatusDecided    = "decided"
	RunStatusDelivering = "delivering"
	RunStatusDelivered  = "delivered"
	RunStatusSkipped    = "skipped"
	RunStatusFailed     = "failed"
)

var ErrRunNotFound = errors.New("run not found")

// ErrRunNotClaimable means the run is not sitting in the decided state:
// either another worker already claimed delivery or the run is terminal.
var ErrRunNotClaimable = errors.New("run not claimable")

type RunRecord struct {
	ID             string
	TeamID         string
	ChannelID      string
	EventJSON      string
	DecisionJSON   string
	Status         string
	Attempts       int
	Posted         bool
	PostedChannel  string
	PostedTS       string
	PostedThreadTS string
	OutcomeReason  string
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (r RunRecord) Terminal() bool {
	switch r.Status {
	case RunStatusDelivered, RunStatusSkipped, RunStatusFailed:
		return true
	}
	return false
}

type CreateRunInput struct {
	ID        string
	TeamID    string
	ChannelID string
	EventJSON string
}

// CreateRun inserts a new run in the routing state. The run id doubles
// as the idempotency key: a second insert for the same event reports
// created=false and leaves the existing row untouched.
func (s *Store) CreateRun(ctx context.Context, input CreateRunInput) (bool, error) {
	nowUnix := time.Now().UTC().Unix()
	result, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO runs (
			id, team_id, channel_id, event_json, status, created_at_unix, updated_at_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(input.ID),
		input.TeamID,
		input.ChannelID,
		input.EventJSON,
		RunStatusRouting,
		nowUnix,
		nowUnix,
	)
	if err != nil {
		return false, fmt.Errorf("insert run: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert run: %w", err)
	}
	return rowsAffected > 0, nil
}

// SaveDecision records the finalized routing decision and advances the
// run to decided. Saving over an already-decided run is allowed so a
// crashed worker can redo routing safely.
func (s *Store) SaveDecision(ctx context.Context, id, decisionJSON string) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE runs
		 SET decision_json = ?, status = ?, updated_at_unix = ?
		 WHERE id = ? AND status IN (?, ?)`,
		decisionJSON,
		RunStatusDecided,
		time.Now().UTC().Unix(),
		strings.TrimSpace(id),
		RunStatusRouting,
		RunStatusDecided,
	)
	if err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err == nil && rowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// ClaimDelivery moves a decided run to delivering. The conditional
// update is the idempotency gate: only one caller can win the claim, so
// an event replayed through the pipeline never posts twice.
func (s *Store) ClaimDelivery(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET status = ?, updated_at_unix = ? WHERE id = ? AND status = ?`,
		RunStatusDelivering,
		time.Now().UTC().Unix(),
		strings.TrimSpace(id),
		RunStatusDecided,
	)
	if err != nil {
		return fmt.Errorf("claim delivery: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err == nil && rowsAffected == 0 {
		return ErrRunNotClaimable
	}
	return nil
}

// ReleaseDelivery puts a claimed run back into decided. Used at boot to
// requeue deliveries that were in flight when the process died.
func (s *Store) ReleaseDelivery(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET status = ?, updated_at_unix = ? WHERE id = ? AND status = ?`,
		RunStatusDecided,
		time.Now().UTC().Unix(),
		strings.TrimSpace(id),
		RunStatusDelivering,
	)
	if err != nil {
		return fmt.Errorf("release delivery: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err == nil && rowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *Store) MarkDelivered(ctx context.Context, id, channel, ts, threadTS string) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE runs
		 SET status = ?, posted = 1, posted_channel = ?, posted_ts = ?, posted_thread_ts = ?,
		     error_message = NULL, updated_at_unix = ?
		 WHERE id = ?`,
		RunStatusDelivered,
		channel,
		ts,
		nullIfEmpty(threadTS),
		time.Now().UTC().Unix(),
		strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("mark run delivered: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err == nil && rowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *Store) MarkSkipped(ctx context.Context, id, reason string) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET status = ?, posted = 0, outcome_reason = ?, updated_at_unix = ? WHERE id = ?`,
		RunStatusSkipped,
		reason,
		time.Now().UTC().Unix(),
		strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("mark run skipped: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err == nil && rowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id, message string) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE runs
		 SET status = ?, posted = 0, error_message = ?, attempts = attempts + 1, updated_at_unix = ?
		 WHERE id = ?`,
		RunStatusFailed,
		message,
		time.Now().UTC().Unix(),
		strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("mark run failed: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err == nil && rowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *Store) LookupRun(ctx context.Context, id string) (RunRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, team_id, channel_id, event_json, decision_json, status, attempts,
		        posted, posted_channel, posted_ts, posted_thread_ts, outcome_reason,
		        error_message, created_at_unix, updated_at_unix
		 FROM runs WHERE id = ?`,
		strings.TrimSpace(id),
	)
	return scanRun(row)
}

// ListIncomplete returns runs that were neither delivered nor resolved,
// oldest first. Used for crash recovery at startup.
func (s *Store) ListIncomplete(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, team_id, channel_id, event_json, decision_json, status, attempts,
		        posted, posted_channel, posted_ts, posted_thread_ts, outcome_reason,
		        error_message, created_at_unix, updated_at_unix
		 FROM runs WHERE status IN (?, ?, ?)
		 ORDER BY created_at_unix ASC LIMIT ?`,
		RunStatusRouting,
		RunStatusDecided,
		RunStatusDelivering,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list incomplete runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incomplete runs: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var record RunRecord
	var decisionJSON, postedChannel, postedTS, postedThreadTS, outcomeReason, errorMessage sql.NullString
	var posted int
	var createdUnix, updatedUnix int64
	err := row.Scan(
		&record.ID,
		&record.TeamID,
		&record.ChannelID,
		&record.EventJSON,
		&decisionJSON,
		&record.Status,
		&record.Attempts,
		&posted,
		&postedChannel,
		&postedTS,
		&postedThreadTS,
		&outcomeReason,
		&errorMessage,
		&createdUnix,
		&updatedUnix,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrRunNotFound
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("scan run: %w", err)
	}
	record.DecisionJSON = decisionJSON.String
	record.Posted = posted == 1
	record.PostedChannel = postedChannel.String
	record.PostedTS = postedTS.String
	record.PostedThreadTS = postedThreadTS.String
	record.OutcomeReason = outcomeReason.String
	record.ErrorMessage = errorMessage.String
	record.CreatedAt = time.Unix(createdUnix, 0).UTC()
	record.UpdatedAt = time.Unix(updatedUnix, 0).UTC()
	return record, nil
}
