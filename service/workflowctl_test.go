package service

import (
	"context"
	"testing"
	"time"

	"StoryFlow-server/models"
	"StoryFlow-server/workflow"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkflowController(t *testing.T) (*WorkflowController, *memStore, *fakeDispatcher, *models.Project) {
	t.Helper()
	store := newMemStore()
	dispatcher := &fakeDispatcher{}
	ctrl := NewWorkflowController(store, dispatcher, workflow.DefaultRegistry(nil))

	project := &models.Project{ID: uuid.NewString(), Name: "demo", Status: models.ProjectStatusDraft}
	require.NoError(t, store.CreateProject(context.Background(), project))
	return ctrl, store, dispatcher, project
}

func linearGraph() ([]workflow.GraphNode, []workflow.GraphEdge) {
	nodes := []workflow.GraphNode{
		{ID: "src", Type: "input", Config: map[string]interface{}{"value": "http://w/story.txt"}},
		{ID: "gen", Type: "generate", Config: map[string]interface{}{"stage_type": "image_generation"}},
		{ID: "sink", Type: "output"},
	}
	edges := []workflow.GraphEdge{
		{SourceID: "src", TargetID: "gen", SourcePort: "out", TargetPort: "story"},
		{SourceID: "gen", TargetID: "sink", SourcePort: "resource_url", TargetPort: "image"},
	}
	return nodes, edges
}

func TestSaveGraphPersistsValidGraph(t *testing.T) {
	ctrl, store, _, project := newWorkflowController(t)
	ctx := context.Background()
	nodes, edges := linearGraph()

	saved, err := ctrl.SaveGraph(ctx, project.ID, nodes, edges)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)

	got, err := store.GetWorkflowGraph(ctx, project.ID)
	require.NoError(t, err)
	assert.Len(t, got.Nodes, 3)
	assert.Len(t, got.Edges, 2)
}

func TestSaveGraphRejectsCycle(t *testing.T) {
	ctrl, _, _, project := newWorkflowController(t)
	nodes := []workflow.GraphNode{
		{ID: "a", Type: "merge"},
		{ID: "b", Type: "merge"},
	}
	edges := []workflow.GraphEdge{
		{SourceID: "a", TargetID: "b", SourcePort: "out", TargetPort: "in"},
		{SourceID: "b", TargetID: "a", SourcePort: "out", TargetPort: "in"},
	}
	_, err := ctrl.SaveGraph(context.Background(), project.ID, nodes, edges)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSaveGraphRejectsUnknownNodeType(t *testing.T) {
	ctrl, _, _, project := newWorkflowController(t)
	nodes := []workflow.GraphNode{{ID: "x", Type: "teleport"}}
	_, err := ctrl.SaveGraph(context.Background(), project.ID, nodes, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSaveGraphBlockedByLiveExecution(t *testing.T) {
	ctrl, _, _, project := newWorkflowController(t)
	ctx := context.Background()
	nodes, edges := linearGraph()

	_, err := ctrl.SaveGraph(ctx, project.ID, nodes, edges)
	require.NoError(t, err)
	_, err = ctrl.Execute(ctx, project.ID)
	require.NoError(t, err)

	_, err = ctrl.SaveGraph(ctx, project.ID, nodes, edges)
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestValidateReportsOrder(t *testing.T) {
	ctrl, _, _, _ := newWorkflowController(t)
	nodes, edges := linearGraph()

	report := ctrl.Validate(context.Background(), nodes, edges)
	assert.True(t, report.Valid)
	assert.Equal(t, []string{"src", "gen", "sink"}, report.ExecutionOrder)
	assert.Equal(t, 3, report.NodeCount)
	assert.Equal(t, 2, report.EdgeCount)
}

func TestValidateReportsCycleWithoutError(t *testing.T) {
	ctrl, _, _, _ := newWorkflowController(t)
	nodes := []workflow.GraphNode{{ID: "a", Type: "merge"}, {ID: "b", Type: "merge"}}
	edges := []workflow.GraphEdge{
		{SourceID: "a", TargetID: "b", SourcePort: "out", TargetPort: "in"},
		{SourceID: "b", TargetID: "a", SourcePort: "out", TargetPort: "in"},
	}

	report := ctrl.Validate(context.Background(), nodes, edges)
	assert.False(t, report.Valid)
	assert.Contains(t, report.Error, "cycle")
	assert.Empty(t, report.ExecutionOrder)
}

func TestExecuteCreatesPendingRecord(t *testing.T) {
	ctrl, store, dispatcher, project := newWorkflowController(t)
	ctx := context.Background()
	nodes, edges := linearGraph()
	_, err := ctrl.SaveGraph(ctx, project.ID, nodes, edges)
	require.NoError(t, err)

	start, err := ctrl.Execute(ctx, project.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, start.TaskID)
	assert.Equal(t, "project:"+project.ID+":stage:workflow", start.Channel)
	assert.Equal(t, 1, dispatcher.submitCount())

	rec, err := store.GetExecution(ctx, start.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPending, rec.Status)
	assert.Equal(t, start.TaskID, rec.JobHandle)
}

func TestExecuteWithoutGraph(t *testing.T) {
	ctrl, _, _, project := newWorkflowController(t)
	_, err := ctrl.Execute(context.Background(), project.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPauseExecutionCancelsPendingRun(t *testing.T) {
	ctrl, _, dispatcher, project := newWorkflowController(t)
	ctx := context.Background()
	nodes, edges := linearGraph()
	_, err := ctrl.SaveGraph(ctx, project.ID, nodes, edges)
	require.NoError(t, err)
	start, err := ctrl.Execute(ctx, project.ID)
	require.NoError(t, err)

	rec, err := ctrl.PauseExecution(ctx, start.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, rec.Status)
	assert.Equal(t, []string{start.TaskID}, dispatcher.cancels)

	_, err = ctrl.PauseExecution(ctx, start.ExecutionID)
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestResumeExecutionSkipsCompletedPrefix(t *testing.T) {
	ctrl, store, dispatcher, project := newWorkflowController(t)
	ctx := context.Background()
	nodes, edges := linearGraph()
	_, err := ctrl.SaveGraph(ctx, project.ID, nodes, edges)
	require.NoError(t, err)
	start, err := ctrl.Execute(ctx, project.ID)
	require.NoError(t, err)

	// the run got through src and gen before being cancelled
	require.NoError(t, store.AppendNodeResult(ctx, start.ExecutionID, "src", workflow.NodeResult{
		Status: workflow.NodeStatusCompleted, Timestamp: time.Now(),
	}, ""))
	require.NoError(t, store.AppendNodeResult(ctx, start.ExecutionID, "gen", workflow.NodeResult{
		Status: workflow.NodeStatusCompleted, Timestamp: time.Now(),
	}, ""))
	_, err = ctrl.PauseExecution(ctx, start.ExecutionID)
	require.NoError(t, err)

	resumed, err := ctrl.ResumeExecution(ctx, start.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, start.ExecutionID, resumed.ExecutionID)
	assert.NotEqual(t, start.TaskID, resumed.TaskID)

	dispatcher.mu.Lock()
	last := dispatcher.submits[len(dispatcher.submits)-1]
	dispatcher.mu.Unlock()
	assert.Equal(t, "workflow:"+start.ExecutionID, last)

	rec, err := store.GetExecution(ctx, start.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, resumed.TaskID, rec.JobHandle)
}

func TestResumeFailedExecutionWithoutProgressRejected(t *testing.T) {
	ctrl, store, _, project := newWorkflowController(t)
	ctx := context.Background()
	nodes, edges := linearGraph()
	_, err := ctrl.SaveGraph(ctx, project.ID, nodes, edges)
	require.NoError(t, err)
	start, err := ctrl.Execute(ctx, project.ID)
	require.NoError(t, err)

	ok, err := store.TransitionExecution(ctx, start.ExecutionID,
		[]string{models.ExecutionStatusPending}, models.ExecutionStatusFailed, "boom")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = ctrl.ResumeExecution(ctx, start.ExecutionID)
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestExecuteWorkflowSurvivesZeroLatencyWorker(t *testing.T) {
	store := newMemStore()
	registry := workflow.DefaultRegistry(nil)
	p := &Processor{store: store, publisher: NewMemoryPublisher(), registry: registry}
	dispatcher := &inlineDispatcher{p: p}
	p.dispatcher = dispatcher
	ctrl := NewWorkflowController(store, dispatcher, registry)

	ctx := context.Background()
	project := &models.Project{ID: uuid.NewString(), Name: "demo", Status: models.ProjectStatusDraft}
	require.NoError(t, store.CreateProject(ctx, project))

	nodes := []workflow.GraphNode{
		{ID: "src", Type: "input", Config: map[string]interface{}{"value": "http://w/story.txt"}},
		{ID: "sink", Type: "output"},
	}
	edges := []workflow.GraphEdge{
		{SourceID: "src", TargetID: "sink", SourcePort: "out", TargetPort: "in"},
	}
	_, err := ctrl.SaveGraph(ctx, project.ID, nodes, edges)
	require.NoError(t, err)

	start, err := ctrl.Execute(ctx, project.ID)
	require.NoError(t, err)

	rec, err := store.GetExecution(ctx, start.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, rec.Status)
	assert.Equal(t, workflow.NodeStatusCompleted, rec.Results["src"].Status)
	assert.Equal(t, workflow.NodeStatusCompleted, rec.Results["sink"].Status)
}

func TestResumeFailedExecutionSurvivesZeroLatencyWorker(t *testing.T) {
	store := newMemStore()
	registry := workflow.DefaultRegistry(nil)
	p := &Processor{store: store, publisher: NewMemoryPublisher(), registry: registry}
	dispatcher := &inlineDispatcher{p: p}
	p.dispatcher = dispatcher
	ctrl := NewWorkflowController(store, dispatcher, registry)

	ctx := context.Background()
	project := &models.Project{ID: uuid.NewString(), Name: "demo", Status: models.ProjectStatusDraft}
	require.NoError(t, store.CreateProject(ctx, project))

	nodes := []workflow.GraphNode{
		{ID: "src", Type: "input", Config: map[string]interface{}{"value": "http://w/story.txt"}},
		{ID: "sink", Type: "output"},
	}
	edges := []workflow.GraphEdge{
		{SourceID: "src", TargetID: "sink", SourcePort: "out", TargetPort: "in"},
	}
	_, err := ctrl.SaveGraph(ctx, project.ID, nodes, edges)
	require.NoError(t, err)

	rec := &models.ExecutionRecord{
		ID:           uuid.NewString(),
		ProjectId:    project.ID,
		Status:       models.ExecutionStatusFailed,
		Results:      models.ExecutionResults{},
		JobHandle:    "old-handle",
		ErrorMessage: "sink exploded",
	}
	require.NoError(t, store.CreateExecution(ctx, rec))
	require.NoError(t, store.AppendNodeResult(ctx, rec.ID, "src", workflow.NodeResult{
		Status:    workflow.NodeStatusCompleted,
		Outputs:   workflow.Outputs{"out": {Kind: workflow.PortKindURL, Value: "http://w/story.txt"}},
		Timestamp: time.Now(),
	}, ""))

	resumed, err := ctrl.ResumeExecution(ctx, rec.ID)
	require.NoError(t, err)

	got, err := store.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, resumed.TaskID, got.JobHandle)
	assert.Equal(t, workflow.NodeStatusCompleted, got.Results["sink"].Status)
}

func TestResumeRunningExecutionRejected(t *testing.T) {
	ctrl, store, _, project := newWorkflowController(t)
	ctx := context.Background()
	nodes, edges := linearGraph()
	_, err := ctrl.SaveGraph(ctx, project.ID, nodes, edges)
	require.NoError(t, err)
	start, err := ctrl.Execute(ctx, project.ID)
	require.NoError(t, err)

	ok, err := store.TransitionExecution(ctx, start.ExecutionID,
		[]string{models.ExecutionStatusPending}, models.ExecutionStatusRunning, "")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = ctrl.ResumeExecution(ctx, start.ExecutionID)
	assert.ErrorIs(t, err, ErrStateConflict)
}
