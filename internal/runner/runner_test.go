package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/dshills/codeatlas/internal/jobstate"
	"github.com/dshills/codeatlas/internal/orchestrator"
	"github.com/dshills/codeatlas/internal/pipeline"
	"github.com/dshills/codeatlas/internal/storage"
	"github.com/dshills/codeatlas/pkg/types"
)

const fastapiApp = `from fastapi import FastAPI
from pydantic import BaseModel

app = FastAPI()


class User(BaseModel):
    name: str


@app.get("/users")
def list_users():
    return []
`

type RunnerSuite struct {
	suite.Suite
	ctx   context.Context
	root  string
	store storage.Storage
	jobs  *jobstate.Service
	r     *Runner
}

func TestRunnerSuite(t *testing.T) {
	suite.Run(t, new(RunnerSuite))
}

func (s *RunnerSuite) SetupTest() {
	s.ctx = context.Background()
	s.root = s.T().TempDir()
	s.Require().NoError(os.WriteFile(filepath.Join(s.root, "main.py"), []byte(fastapiApp), 0o600))
	s.Require().NoError(os.WriteFile(filepath.Join(s.root, "requirements.txt"), []byte("fastapi\n"), 0o600))

	store, err := storage.NewSQLiteStorage(":memory:")
	s.Require().NoError(err)
	s.store = store
	s.jobs = jobstate.NewService(store, nil, jobstate.Config{PauseTimeout: time.Second, PollInterval: 10 * time.Millisecond})

	p := pipeline.New(store, nil, pipeline.Config{}, nil, nil)
	orch := orchestrator.New(store, s.jobs, nil, nil, nil, nil)
	s.r = New(store, s.jobs, p, orch, nil, nil)

	s.T().Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.r.Shutdown(ctx)
		_ = store.Close()
	})
}

func (s *RunnerSuite) wait(id string) {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()
	s.Require().NoError(s.r.Wait(ctx, id))
	s.Require().Eventually(func() bool { return !s.r.Running(id) }, 5*time.Second, 10*time.Millisecond)
}

func (s *RunnerSuite) messages(id string) []string {
	logs, err := s.store.ListLogs(s.ctx, id, 0, 0)
	s.Require().NoError(err)
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Message)
	}
	return out
}

func (s *RunnerSuite) artifactTypes(id string) []string {
	arts, err := s.store.ListArtifacts(s.ctx, id)
	s.Require().NoError(err)
	out := make([]string, 0, len(arts))
	for _, a := range arts {
		out = append(out, a.ArtifactType)
	}
	return out
}

func (s *RunnerSuite) TestStartRunsToCompletion() {
	a, err := s.r.Start(s.ctx, Options{
		RootPath: s.root,
		Config: types.AnalysisConfig{
			Personas:           types.Personas{SDE: true, PM: true},
			EnableDiagrams:     true,
			DiagramPreferences: []string{"architecture", "sequence", "flowchart", "entity_relationship"},
		},
	})
	s.Require().NoError(err)
	s.wait(a.ID)

	got, err := s.jobs.Get(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(types.StatusCompleted, got.Status)
	s.Equal(types.StageCompleted, got.Stage)
	s.Equal(100, got.ProgressPercentage)
	s.NotNil(got.StartedAt)
	s.NotNil(got.CompletedAt)
	s.Positive(got.TotalChunks)

	project, err := s.store.GetProjectByID(s.ctx, got.ProjectID)
	s.Require().NoError(err)
	s.Equal(filepath.Base(s.root), project.Name)

	s.ElementsMatch([]string{
		ArtifactSDEReport, ArtifactPMReport, ArtifactWebFindings, ArtifactDiagramPreferences,
		ArtifactDiagramArchitecture, ArtifactDiagramSequence, ArtifactDiagramFlowchart, ArtifactDiagramER,
	}, s.artifactTypes(a.ID))

	msgs := s.messages(a.ID)
	s.Contains(msgs, "Preprocessing completed")
	s.Contains(msgs, "Starting agent orchestration")
	s.Contains(msgs, "Agent orchestration completed")
	s.Contains(msgs, "Analysis completed")
	s.NotContains(msgs, "Resuming agent orchestration from checkpoint")
}

func (s *RunnerSuite) TestInitialContextIsLogged() {
	a, err := s.r.Start(s.ctx, Options{RootPath: s.root, Context: "Focus on the user endpoints"})
	s.Require().NoError(err)
	s.wait(a.ID)

	s.Contains(s.messages(a.ID), "Initial suggestions: Focus on the user endpoints")
}

func (s *RunnerSuite) TestRunSkipsPreprocessingWhenOrchestrating() {
	project, err := s.store.GetOrCreateProject(s.ctx, s.root, "svc")
	s.Require().NoError(err)
	a, err := s.jobs.Create(s.ctx, project.ID, types.AnalysisConfig{})
	s.Require().NoError(err)
	status, stage := types.StatusAnalyzing, types.StageAgentOrchestration
	_, err = s.jobs.UpdateProgress(s.ctx, a.ID, jobstate.Update{Status: &status, Stage: &stage})
	s.Require().NoError(err)

	s.Require().NoError(s.r.Run(s.ctx, a.ID))

	msgs := s.messages(a.ID)
	s.Contains(msgs, "Resuming agent orchestration from checkpoint")
	s.NotContains(msgs, "Preprocessing completed")
	got, err := s.jobs.Get(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(types.StatusCompleted, got.Status)
	s.NotNil(got.StartedAt)
	s.Equal([]string{ArtifactPMReport, ArtifactWebFindings}, s.artifactTypes(a.ID))
}

func (s *RunnerSuite) TestMissingRepositoryFails() {
	missing := filepath.Join(s.root, "gone")
	project, err := s.store.GetOrCreateProject(s.ctx, missing, "gone")
	s.Require().NoError(err)
	a, err := s.jobs.Create(s.ctx, project.ID, types.AnalysisConfig{})
	s.Require().NoError(err)

	err = s.r.Run(s.ctx, a.ID)
	s.Require().Error(err)

	got, err := s.jobs.Get(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(types.StatusFailed, got.Status)
	s.Contains(got.ErrorMessage, "repository not found")
	s.Empty(s.artifactTypes(a.ID))

	var failed bool
	for _, m := range s.messages(a.ID) {
		failed = failed || strings.HasPrefix(m, "Analysis failed: repository not found")
	}
	s.True(failed)
}

func (s *RunnerSuite) TestCancelledAnalysisEndsSilently() {
	project, err := s.store.GetOrCreateProject(s.ctx, s.root, "svc")
	s.Require().NoError(err)
	a, err := s.jobs.Create(s.ctx, project.ID, types.AnalysisConfig{})
	s.Require().NoError(err)
	_, err = s.jobs.Cancel(s.ctx, a.ID, "stop")
	s.Require().NoError(err)

	s.Require().NoError(s.r.Run(s.ctx, a.ID))

	got, err := s.jobs.Get(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(types.StatusCancelled, got.Status)
	s.Equal("stop", got.ErrorMessage)
	s.Empty(s.artifactTypes(a.ID))
}

func (s *RunnerSuite) TestCancelDefaultsReason() {
	project, err := s.store.GetOrCreateProject(s.ctx, s.root, "svc")
	s.Require().NoError(err)
	a, err := s.jobs.Create(s.ctx, project.ID, types.AnalysisConfig{})
	s.Require().NoError(err)
	_, err = s.r.Cancel(s.ctx, a.ID, "")
	s.Require().NoError(err)

	_, err = s.r.Cancel(s.ctx, a.ID, "again")
	s.ErrorIs(err, jobstate.ErrTerminal)

	got, err := s.jobs.Get(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(types.StatusCancelled, got.Status)
	s.Equal("Cancelled by user", got.ErrorMessage)
}

func (s *RunnerSuite) TestRestartFromPreprocessingDiscardsCheckpoint() {
	project, err := s.store.GetOrCreateProject(s.ctx, s.root, "svc")
	s.Require().NoError(err)
	a, err := s.jobs.Create(s.ctx, project.ID, types.AnalysisConfig{})
	s.Require().NoError(err)
	s.Require().NoError(s.store.SaveCheckpoint(s.ctx, a.ID, []byte(`{"state":{},"frontier":[],"completed":true}`)))
	_, err = s.jobs.Fail(s.ctx, a.ID, "boom")
	s.Require().NoError(err)

	_, err = s.r.Restart(s.ctx, a.ID)
	s.Require().NoError(err)
	s.wait(a.ID)

	got, err := s.jobs.Get(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(types.StatusCompleted, got.Status)
	s.Empty(got.ErrorMessage)

	msgs := s.messages(a.ID)
	s.Contains(msgs, "Analysis restarted from preprocessing")
	s.NotContains(msgs, "Agent results restored from checkpoint")
	s.Contains(msgs, "Preprocessing completed")
}

func (s *RunnerSuite) TestRestartFromOrchestrationKeepsCheckpoint() {
	project, err := s.store.GetOrCreateProject(s.ctx, s.root, "svc")
	s.Require().NoError(err)
	a, err := s.jobs.Create(s.ctx, project.ID, types.AnalysisConfig{})
	s.Require().NoError(err)
	status, stage := types.StatusAnalyzing, types.StageAgentOrchestration
	_, err = s.jobs.UpdateProgress(s.ctx, a.ID, jobstate.Update{Status: &status, Stage: &stage})
	s.Require().NoError(err)
	s.Require().NoError(s.store.SaveCheckpoint(s.ctx, a.ID,
		[]byte(`{"state":{"analysis_id":"`+a.ID+`","pm_output":"kept"},"frontier":[],"completed":true}`)))
	_, err = s.jobs.Fail(s.ctx, a.ID, "boom")
	s.Require().NoError(err)

	_, err = s.r.Restart(s.ctx, a.ID)
	s.Require().NoError(err)
	s.wait(a.ID)

	msgs := s.messages(a.ID)
	s.Contains(msgs, "Agent results restored from checkpoint")
	arts, err := s.store.ListArtifacts(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Require().Len(arts, 1)
	s.Equal("kept", arts[0].Content)
}

func (s *RunnerSuite) TestRestartRejectsCompletedAnalysis() {
	a, err := s.r.Start(s.ctx, Options{RootPath: s.root, Config: types.AnalysisConfig{Personas: types.Personas{SDE: true}}})
	s.Require().NoError(err)
	s.wait(a.ID)
	before := s.artifactTypes(a.ID)
	s.Require().NotEmpty(before)

	_, err = s.r.Restart(s.ctx, a.ID)
	s.ErrorIs(err, ErrNotRestartable)
	s.False(s.r.Running(a.ID))

	got, err := s.jobs.Get(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(types.StatusCompleted, got.Status)
	s.Equal(before, s.artifactTypes(a.ID))
}

func (s *RunnerSuite) TestRestartAfterArtifactsSavedKeepsOneSet() {
	a, err := s.r.Start(s.ctx, Options{RootPath: s.root, Config: types.AnalysisConfig{Personas: types.Personas{SDE: true}}})
	s.Require().NoError(err)
	s.wait(a.ID)
	before := s.artifactTypes(a.ID)
	s.Require().NotEmpty(before)

	// Stopped after the artifact transaction committed but before completion
	_, err = s.store.UpdateAnalysis(s.ctx, a.ID, func(an *storage.Analysis) error {
		an.Status = types.StatusCancelled
		an.Stage = types.StageDocumentationGeneration
		an.ErrorMessage = "stopped"
		return nil
	})
	s.Require().NoError(err)

	restarted, err := s.r.Restart(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(jobstate.RestartOrchestration, jobstate.RestartPoint(restarted))
	s.wait(a.ID)

	got, err := s.jobs.Get(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(types.StatusCompleted, got.Status)
	s.Equal(before, s.artifactTypes(a.ID))
	s.Contains(s.messages(a.ID), "Artifacts already stored; keeping the existing set")
}

func (s *RunnerSuite) TestResumeRelaunchesOrphanedAnalysis() {
	project, err := s.store.GetOrCreateProject(s.ctx, s.root, "svc")
	s.Require().NoError(err)
	a, err := s.jobs.Create(s.ctx, project.ID, types.AnalysisConfig{})
	s.Require().NoError(err)
	status, stage := types.StatusAnalyzing, types.StageAgentOrchestration
	_, err = s.jobs.UpdateProgress(s.ctx, a.ID, jobstate.Update{Status: &status, Stage: &stage})
	s.Require().NoError(err)
	_, err = s.jobs.Pause(s.ctx, a.ID)
	s.Require().NoError(err)

	got, err := s.r.Resume(s.ctx, a.ID)
	s.Require().NoError(err)
	s.False(got.Paused)
	s.wait(a.ID)

	got, err = s.jobs.Get(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(types.StatusCompleted, got.Status)
	s.Contains(s.messages(a.ID), "Resuming agent orchestration from checkpoint")
}

func (s *RunnerSuite) TestResumeRejectsRunningAnalysis() {
	project, err := s.store.GetOrCreateProject(s.ctx, s.root, "svc")
	s.Require().NoError(err)
	a, err := s.jobs.Create(s.ctx, project.ID, types.AnalysisConfig{})
	s.Require().NoError(err)

	_, err = s.r.Resume(s.ctx, a.ID)
	s.ErrorIs(err, jobstate.ErrNotPaused)
}

func (s *RunnerSuite) TestLaunchGuard() {
	project, err := s.store.GetOrCreateProject(s.ctx, s.root, "svc")
	s.Require().NoError(err)
	a, err := s.jobs.Create(s.ctx, project.ID, types.AnalysisConfig{})
	s.Require().NoError(err)

	lock := s.r.guard.Get(a.ID)
	s.Require().True(lock.TryAcquire())
	s.ErrorIs(s.r.launch(a.ID), ErrAlreadyRunning)
	lock.Release()
}

func (s *RunnerSuite) TestWaitWithoutRunner() {
	s.NoError(s.r.Wait(s.ctx, "unknown"))
	s.False(s.r.Running("unknown"))
}
