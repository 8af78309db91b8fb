package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dshills/codeatlas/pkg/types"
)

// Analysis operations

const analysisColumns = `id, project_id, status, current_stage, progress_percentage, processed_files,
	total_files, current_file, total_chunks, tokens_used, estimated_cost, config, paused,
	paused_at, user_context, error_message, started_at, completed_at, created_at, updated_at`

func scanAnalysis(row rowScanner) (*Analysis, error) {
	var a Analysis
	var status, stage, cfg, uc string
	var pausedAt, startedAt, completedAt sql.NullInt64
	var created, updated int64
	err := row.Scan(
		&a.ID, &a.ProjectID, &status, &stage, &a.ProgressPercentage, &a.ProcessedFiles,
		&a.TotalFiles, &a.CurrentFile, &a.TotalChunks, &a.TokensUsed, &a.EstimatedCost, &cfg, &a.Paused,
		&pausedAt, &uc, &a.ErrorMessage, &startedAt, &completedAt, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	a.Status = types.Status(status)
	a.Stage = types.Stage(stage)
	a.PausedAt = timePtr(pausedAt)
	a.StartedAt = timePtr(startedAt)
	a.CompletedAt = timePtr(completedAt)
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	if err := decodeJSON(cfg, &a.Config); err != nil {
		return nil, err
	}
	if err := decodeJSON(uc, &a.UserContext); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *store) CreateAnalysis(ctx context.Context, a *Analysis) error {
	cfg, err := encodeJSON(a.Config)
	if err != nil {
		return err
	}
	uc, err := encodeJSON(a.UserContext)
	if err != nil {
		return err
	}
	if a.Status == "" {
		a.Status = types.StatusPending
	}
	now := time.Now()
	query := `
		INSERT INTO analyses (id, project_id, status, current_stage, config, user_context, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.q.ExecContext(ctx, query,
		a.ID, a.ProjectID, string(a.Status), string(a.Stage), cfg, uc, toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to create analysis: %w", err)
	}
	a.CreatedAt = now
	a.UpdatedAt = now
	return nil
}

func (s *store) GetAnalysis(ctx context.Context, id string) (*Analysis, error) {
	query := `SELECT ` + analysisColumns + ` FROM analyses WHERE id = ?`
	a, err := scanAnalysis(s.q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// updateAnalysis is a read-modify-write on the current querier
func (s *store) updateAnalysis(ctx context.Context, id string, mutate func(*Analysis) error) (*Analysis, error) {
	a, err := s.GetAnalysis(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(a); err != nil {
		return nil, err
	}
	cfg, err := encodeJSON(a.Config)
	if err != nil {
		return nil, err
	}
	uc, err := encodeJSON(a.UserContext)
	if err != nil {
		return nil, err
	}
	a.UpdatedAt = time.Now()
	query := `
		UPDATE analyses SET
			status = ?, current_stage = ?, progress_percentage = ?, processed_files = ?,
			total_files = ?, current_file = ?, total_chunks = ?, tokens_used = ?, estimated_cost = ?,
			config = ?, paused = ?, paused_at = ?, user_context = ?, error_message = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`
	_, err = s.q.ExecContext(ctx, query,
		string(a.Status), string(a.Stage), a.ProgressPercentage, a.ProcessedFiles,
		a.TotalFiles, a.CurrentFile, a.TotalChunks, a.TokensUsed, a.EstimatedCost,
		cfg, a.Paused, nullMillis(a.PausedAt), uc, a.ErrorMessage,
		nullMillis(a.StartedAt), nullMillis(a.CompletedAt), toMillis(a.UpdatedAt), a.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update analysis: %w", err)
	}
	return a, nil
}

// AddAnalysisUsage increments token and cost counters in place
func (s *store) AddAnalysisUsage(ctx context.Context, id string, tokens int64, cost float64) error {
	query := `
		UPDATE analyses
		SET tokens_used = tokens_used + ?, estimated_cost = estimated_cost + ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.q.ExecContext(ctx, query, tokens, cost, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to add usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Log operations

func (s *store) AppendLog(ctx context.Context, entry *AnalysisLog) error {
	query := `
		INSERT INTO analysis_logs (analysis_id, level, message, stage, current_file,
			file_index, total_files, progress_percentage, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if entry.Level == "" {
		entry.Level = types.LevelInfo
	}
	now := time.Now()
	res, err := s.q.ExecContext(ctx, query,
		entry.AnalysisID, string(entry.Level), entry.Message, string(entry.Stage), entry.CurrentFile,
		nullInt(entry.FileIndex), nullInt(entry.TotalFiles), nullIntPtr(entry.Progress), toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	entry.ID = id
	entry.CreatedAt = now
	return nil
}

// ListLogs returns entries with id greater than afterID in insertion order.
// A non-positive limit returns everything.
func (s *store) ListLogs(ctx context.Context, analysisID string, afterID int64, limit int) ([]*AnalysisLog, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, analysis_id, level, message, stage, current_file, file_index, total_files,
		       progress_percentage, created_at
		FROM analysis_logs
		WHERE analysis_id = ? AND id > ?
		ORDER BY id
		LIMIT ?
	`
	rows, err := s.q.QueryContext(ctx, query, analysisID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	logs := make([]*AnalysisLog, 0)
	for rows.Next() {
		var l AnalysisLog
		var level, stage string
		var fileIndex, totalFiles, progress sql.NullInt64
		var created int64
		if err := rows.Scan(&l.ID, &l.AnalysisID, &level, &l.Message, &stage, &l.CurrentFile,
			&fileIndex, &totalFiles, &progress, &created); err != nil {
			return nil, err
		}
		l.Level = types.LogLevel(level)
		l.Stage = types.Stage(stage)
		l.FileIndex = int(fileIndex.Int64)
		l.TotalFiles = int(totalFiles.Int64)
		if progress.Valid {
			p := int(progress.Int64)
			l.Progress = &p
		}
		l.CreatedAt = fromMillis(created)
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// Interaction operations

func (s *store) AddInteraction(ctx context.Context, in *Interaction) error {
	query := `
		INSERT INTO analysis_interactions (analysis_id, kind, scope, content, response, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	res, err := s.q.ExecContext(ctx, query,
		in.AnalysisID, string(in.Kind), in.Scope, in.Content, in.Response, toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to add interaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	in.ID = id
	in.CreatedAt = now
	return nil
}

func (s *store) ListInteractions(ctx context.Context, analysisID string) ([]*Interaction, error) {
	query := `
		SELECT id, analysis_id, kind, scope, content, response, created_at
		FROM analysis_interactions WHERE analysis_id = ? ORDER BY id
	`
	rows, err := s.q.QueryContext(ctx, query, analysisID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Interaction, 0)
	for rows.Next() {
		var in Interaction
		var kind string
		var created int64
		if err := rows.Scan(&in.ID, &in.AnalysisID, &kind, &in.Scope, &in.Content, &in.Response, &created); err != nil {
			return nil, err
		}
		in.Kind = types.InteractionKind(kind)
		in.CreatedAt = fromMillis(created)
		out = append(out, &in)
	}
	return out, rows.Err()
}

// Artifact operations

func (s *store) saveArtifacts(ctx context.Context, artifacts []*Artifact) error {
	query := `
		INSERT INTO analysis_artifacts (analysis_id, artifact_type, persona, title, content, format, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	for _, a := range artifacts {
		res, err := s.q.ExecContext(ctx, query,
			a.AnalysisID, a.ArtifactType, a.Persona, a.Title, a.Content, a.Format, toMillis(now))
		if err != nil {
			return fmt.Errorf("failed to save artifact %s: %w", a.ArtifactType, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		a.ID = id
		a.CreatedAt = now
	}
	return nil
}

func (s *store) ListArtifacts(ctx context.Context, analysisID string) ([]*Artifact, error) {
	query := `
		SELECT id, analysis_id, artifact_type, persona, title, content, format, created_at
		FROM analysis_artifacts WHERE analysis_id = ? ORDER BY id
	`
	rows, err := s.q.QueryContext(ctx, query, analysisID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Artifact, 0)
	for rows.Next() {
		var a Artifact
		var created int64
		if err := rows.Scan(&a.ID, &a.AnalysisID, &a.ArtifactType, &a.Persona, &a.Title,
			&a.Content, &a.Format, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = fromMillis(created)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Checkpoint operations

func (s *store) SaveCheckpoint(ctx context.Context, runID string, payload []byte) error {
	query := `
		INSERT INTO checkpoints (run_id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`
	if _, err := s.q.ExecContext(ctx, query, runID, payload, toMillis(time.Now())); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *store) LoadCheckpoint(ctx context.Context, runID string) ([]byte, error) {
	var payload []byte
	err := s.q.QueryRowContext(ctx, `SELECT payload FROM checkpoints WHERE run_id = ?`, runID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *store) DeleteCheckpoint(ctx context.Context, runID string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID)
	return err
}
