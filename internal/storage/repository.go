package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Repository metadata operations

func (s *store) UpsertRepository(ctx context.Context, repo *Repository) error {
	secondary, err := encodeJSON(nonNil(repo.SecondaryFrameworks))
	if err != nil {
		return err
	}
	entries := repo.EntryPoints
	if entries == nil {
		entries = map[string]string{}
	}
	entryPoints, err := encodeJSON(entries)
	if err != nil {
		return err
	}
	configs, err := encodeJSON(nonNil(repo.ConfigFilesList))
	if err != nil {
		return err
	}
	deps := repo.Dependencies
	if deps == nil {
		deps = map[string][]string{}
	}
	dependencies, err := encodeJSON(deps)
	if err != nil {
		return err
	}
	if repo.PreprocessingStatus == "" {
		repo.PreprocessingStatus = "pending"
	}

	query := `
		INSERT INTO repositories (project_id, repository_type, primary_framework, secondary_frameworks,
			total_files, code_files, test_files, config_files, documentation_files, entry_points,
			config_files_list, dependencies, preprocessing_status, files_processed, chunks_created,
			is_preprocessed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			repository_type = excluded.repository_type,
			primary_framework = excluded.primary_framework,
			secondary_frameworks = excluded.secondary_frameworks,
			total_files = excluded.total_files,
			code_files = excluded.code_files,
			test_files = excluded.test_files,
			config_files = excluded.config_files,
			documentation_files = excluded.documentation_files,
			entry_points = excluded.entry_points,
			config_files_list = excluded.config_files_list,
			dependencies = excluded.dependencies,
			preprocessing_status = excluded.preprocessing_status,
			files_processed = excluded.files_processed,
			chunks_created = excluded.chunks_created,
			is_preprocessed = excluded.is_preprocessed,
			updated_at = excluded.updated_at
		RETURNING id
	`
	now := time.Now()
	err = s.q.QueryRowContext(ctx, query,
		repo.ProjectID, repo.RepositoryType, repo.PrimaryFramework, secondary,
		repo.TotalFiles, repo.CodeFiles, repo.TestFiles, repo.ConfigFiles, repo.DocumentationFiles,
		entryPoints, configs, dependencies, repo.PreprocessingStatus, repo.FilesProcessed,
		repo.ChunksCreated, repo.IsPreprocessed, toMillis(now), toMillis(now)).Scan(&repo.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert repository: %w", err)
	}
	repo.UpdatedAt = now
	return nil
}

func (s *store) GetRepository(ctx context.Context, projectID int64) (*Repository, error) {
	query := `
		SELECT id, project_id, repository_type, primary_framework, secondary_frameworks,
		       total_files, code_files, test_files, config_files, documentation_files, entry_points,
		       config_files_list, dependencies, preprocessing_status, files_processed, chunks_created,
		       is_preprocessed, created_at, updated_at
		FROM repositories WHERE project_id = ?
	`
	var r Repository
	var secondary, entryPoints, configs, deps string
	var created, updated int64
	err := s.q.QueryRowContext(ctx, query, projectID).Scan(
		&r.ID, &r.ProjectID, &r.RepositoryType, &r.PrimaryFramework, &secondary,
		&r.TotalFiles, &r.CodeFiles, &r.TestFiles, &r.ConfigFiles, &r.DocumentationFiles, &entryPoints,
		&configs, &deps, &r.PreprocessingStatus, &r.FilesProcessed, &r.ChunksCreated,
		&r.IsPreprocessed, &created, &updated,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	columns := []struct {
		raw string
		dst interface{}
	}{
		{secondary, &r.SecondaryFrameworks},
		{entryPoints, &r.EntryPoints},
		{configs, &r.ConfigFilesList},
		{deps, &r.Dependencies},
	}
	for _, col := range columns {
		if err := decodeJSON(col.raw, col.dst); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// UpdateRepositoryProgress records preprocessing progress and terminal status
func (s *store) UpdateRepositoryProgress(ctx context.Context, projectID int64, status string, filesProcessed, chunksCreated int, preprocessed bool) error {
	query := `
		UPDATE repositories
		SET preprocessing_status = ?, files_processed = ?, chunks_created = ?, is_preprocessed = ?, updated_at = ?
		WHERE project_id = ?
	`
	res, err := s.q.ExecContext(ctx, query, status, filesProcessed, chunksCreated, preprocessed, toMillis(time.Now()), projectID)
	if err != nil {
		return fmt.Errorf("failed to update repository: %w", err)
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
