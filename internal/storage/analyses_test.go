package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/dshills/codeatlas/pkg/types"
)

type AnalysisStoreSuite struct {
	suite.Suite
	store   *SQLiteStorage
	project *Project
	ctx     context.Context
}

func (s *AnalysisStoreSuite) SetupTest() {
	s.ctx = context.Background()
	st, err := NewSQLiteStorage(":memory:")
	s.Require().NoError(err)
	s.store = st
	s.project, err = st.GetOrCreateProject(s.ctx, "/repo", "repo")
	s.Require().NoError(err)
}

func (s *AnalysisStoreSuite) TearDownTest() {
	_ = s.store.Close()
}

func (s *AnalysisStoreSuite) newAnalysis(id string) *Analysis {
	a := &Analysis{
		ID:        id,
		ProjectID: s.project.ID,
		Config: types.AnalysisConfig{
			Depth:    types.DepthDeep,
			Personas: types.Personas{SDE: true},
		},
	}
	s.Require().NoError(s.store.CreateAnalysis(s.ctx, a))
	return a
}

func (s *AnalysisStoreSuite) TestCreateAndGet() {
	s.newAnalysis("a1")

	got, err := s.store.GetAnalysis(s.ctx, "a1")
	s.Require().NoError(err)
	s.Equal(types.StatusPending, got.Status)
	s.Equal(types.StageNone, got.Stage)
	s.Equal(types.DepthDeep, got.Config.Depth)
	s.True(got.Config.Personas.SDE)
	s.Nil(got.PausedAt)

	_, err = s.store.GetAnalysis(s.ctx, "missing")
	s.ErrorIs(err, ErrNotFound)
}

func (s *AnalysisStoreSuite) TestUpdateAnalysis() {
	s.newAnalysis("a1")
	now := time.Now()

	updated, err := s.store.UpdateAnalysis(s.ctx, "a1", func(a *Analysis) error {
		a.Status = types.StatusPaused
		a.Stage = types.StageCodeChunking
		a.Paused = true
		a.PausedAt = &now
		a.UserContext.Instructions = append(a.UserContext.Instructions,
			types.Instruction{Text: "focus on auth", Scope: types.ScopeGlobal, Timestamp: now})
		return nil
	})
	s.Require().NoError(err)
	s.Equal(types.StatusPaused, updated.Status)

	got, err := s.store.GetAnalysis(s.ctx, "a1")
	s.Require().NoError(err)
	s.True(got.Paused)
	s.Require().NotNil(got.PausedAt)
	s.Equal(now.UnixMilli(), got.PausedAt.UnixMilli())
	latest, ok := got.UserContext.Latest()
	s.True(ok)
	s.Equal("focus on auth", latest.Text)
}

func (s *AnalysisStoreSuite) TestUpdateAnalysis_MutateErrorLeavesRowUntouched() {
	s.newAnalysis("a1")

	_, err := s.store.UpdateAnalysis(s.ctx, "a1", func(a *Analysis) error {
		a.Status = types.StatusFailed
		return ErrNotFound
	})
	s.ErrorIs(err, ErrNotFound)

	got, err := s.store.GetAnalysis(s.ctx, "a1")
	s.Require().NoError(err)
	s.Equal(types.StatusPending, got.Status)
}

func (s *AnalysisStoreSuite) TestAddAnalysisUsage() {
	s.newAnalysis("a1")

	s.Require().NoError(s.store.AddAnalysisUsage(s.ctx, "a1", 100, 0.002))
	s.Require().NoError(s.store.AddAnalysisUsage(s.ctx, "a1", 50, 0.001))

	got, err := s.store.GetAnalysis(s.ctx, "a1")
	s.Require().NoError(err)
	s.Equal(int64(150), got.TokensUsed)
	s.InDelta(0.003, got.EstimatedCost, 1e-9)

	s.ErrorIs(s.store.AddAnalysisUsage(s.ctx, "nope", 1, 0), ErrNotFound)
}

func (s *AnalysisStoreSuite) TestLogsAreOrderedAndCursorable() {
	s.newAnalysis("a1")
	progress := 40
	for i, msg := range []string{"one", "two", "three"} {
		entry := &AnalysisLog{AnalysisID: "a1", Message: msg, FileIndex: i + 1, TotalFiles: 3}
		if i == 1 {
			entry.Progress = &progress
		}
		s.Require().NoError(s.store.AppendLog(s.ctx, entry))
	}

	all, err := s.store.ListLogs(s.ctx, "a1", 0, 0)
	s.Require().NoError(err)
	s.Require().Len(all, 3)
	s.Equal(types.LevelInfo, all[0].Level)
	s.Nil(all[0].Progress)
	s.Require().NotNil(all[1].Progress)
	s.Equal(40, *all[1].Progress)

	after, err := s.store.ListLogs(s.ctx, "a1", all[0].ID, 1)
	s.Require().NoError(err)
	s.Require().Len(after, 1)
	s.Equal("two", after[0].Message)
}

func (s *AnalysisStoreSuite) TestInteractionsAndArtifacts() {
	s.newAnalysis("a1")

	s.Require().NoError(s.store.AddInteraction(s.ctx, &Interaction{
		AnalysisID: "a1", Kind: types.InteractionQuestion, Content: "where is auth?", Response: "auth.py",
	}))
	ins, err := s.store.ListInteractions(s.ctx, "a1")
	s.Require().NoError(err)
	s.Require().Len(ins, 1)
	s.Equal(types.InteractionQuestion, ins[0].Kind)

	err = s.store.SaveArtifacts(s.ctx, []*Artifact{
		{AnalysisID: "a1", ArtifactType: "sde_report", Persona: "sde", Content: "# SDE", Format: "markdown"},
		{AnalysisID: "a1", ArtifactType: "pm_report", Persona: "pm", Content: "# PM", Format: "markdown"},
	})
	s.Require().NoError(err)

	arts, err := s.store.ListArtifacts(s.ctx, "a1")
	s.Require().NoError(err)
	s.Require().Len(arts, 2)
	s.Equal("sde_report", arts[0].ArtifactType)
}

func (s *AnalysisStoreSuite) TestSaveArtifacts_AllOrNothing() {
	s.newAnalysis("a1")

	err := s.store.SaveArtifacts(s.ctx, []*Artifact{
		{AnalysisID: "a1", ArtifactType: "sde_report", Content: "ok", Format: "markdown"},
		{AnalysisID: "unknown-analysis", ArtifactType: "pm_report", Content: "fk fails", Format: "markdown"},
	})
	s.Error(err)

	arts, err := s.store.ListArtifacts(s.ctx, "a1")
	s.Require().NoError(err)
	s.Empty(arts)
}

func (s *AnalysisStoreSuite) TestCheckpoints() {
	_, err := s.store.LoadCheckpoint(s.ctx, "run")
	s.ErrorIs(err, ErrNotFound)

	s.Require().NoError(s.store.SaveCheckpoint(s.ctx, "run", []byte(`{"v":1}`)))
	s.Require().NoError(s.store.SaveCheckpoint(s.ctx, "run", []byte(`{"v":2}`)))

	got, err := s.store.LoadCheckpoint(s.ctx, "run")
	s.Require().NoError(err)
	s.JSONEq(`{"v":2}`, string(got))

	s.Require().NoError(s.store.DeleteCheckpoint(s.ctx, "run"))
	_, err = s.store.LoadCheckpoint(s.ctx, "run")
	s.ErrorIs(err, ErrNotFound)
}

func (s *AnalysisStoreSuite) TestMigrationsRecordCurrentVersion() {
	var version string
	err := s.store.db.QueryRowContext(s.ctx,
		"SELECT version FROM schema_version ORDER BY rowid DESC LIMIT 1").Scan(&version)
	s.Require().NoError(err)
	s.Equal(CurrentSchemaVersion, version)

	// Re-applying is a no-op
	s.Require().NoError(ApplyMigrations(s.ctx, s.store.db))

	s.Require().NoError(RollbackMigration(s.ctx, s.store.db))
	_, err = s.store.LoadCheckpoint(s.ctx, "x")
	s.Error(err)
	s.NotErrorIs(err, ErrNotFound)
}

func TestAnalysisStoreSuite(t *testing.T) {
	suite.Run(t, new(AnalysisStoreSuite))
}
