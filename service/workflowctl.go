package service

import (
	"context"
	"errors"
	"fmt"

	"StoryFlow-server/models"
	"StoryFlow-server/workflow"

	"github.com/google/uuid"
)

// WorkflowController owns graph persistence and run lifecycle. Execution
// itself happens on the worker pool; this only creates records and submits.
type WorkflowController struct {
	store      StageStateStore
	dispatcher TaskDispatcher
	registry   workflow.Registry
}

func NewWorkflowController(store StageStateStore, dispatcher TaskDispatcher, registry workflow.Registry) *WorkflowController {
	return &WorkflowController{store: store, dispatcher: dispatcher, registry: registry}
}

// SaveGraph validates node types and acyclicity, then upserts the graph.
func (c *WorkflowController) SaveGraph(ctx context.Context, projectID string, nodes []workflow.GraphNode, edges []workflow.GraphEdge) (*models.WorkflowGraph, error) {
	if _, err := c.store.GetProject(ctx, projectID); err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	engine, err := workflow.NewEngine(workflow.Graph{Nodes: nodes, Edges: edges}, c.registry)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrValidation)
	}
	if _, err := engine.TopologicalSort(); err != nil {
		var cycleErr *workflow.CycleError
		if errors.As(err, &cycleErr) {
			return nil, fmt.Errorf("%v: %w", err, ErrValidation)
		}
		return nil, err
	}

	g := &models.WorkflowGraph{
		ID:        uuid.NewString(),
		ProjectId: projectID,
		Nodes:     nodes,
		Edges:     edges,
	}
	if err := c.store.SaveWorkflowGraph(ctx, g); err != nil {
		return nil, fmt.Errorf("graph is referenced by a running execution: %w", ErrStateConflict)
	}
	return g, nil
}

func (c *WorkflowController) GetGraph(ctx context.Context, projectID string) (*models.WorkflowGraph, error) {
	g, err := c.store.GetWorkflowGraph(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("workflow graph for project %s: %w", projectID, ErrNotFound)
	}
	return g, nil
}

// ValidationReport is the synchronous validate response.
type ValidationReport struct {
	Valid          bool     `json:"valid"`
	ExecutionOrder []string `json:"execution_order,omitempty"`
	Error          string   `json:"error,omitempty"`
	NodeCount      int      `json:"node_count"`
	EdgeCount      int      `json:"edge_count"`
}

// Validate runs load + toposort without executing anything.
func (c *WorkflowController) Validate(ctx context.Context, nodes []workflow.GraphNode, edges []workflow.GraphEdge) *ValidationReport {
	report := &ValidationReport{NodeCount: len(nodes), EdgeCount: len(edges)}
	engine, err := workflow.NewEngine(workflow.Graph{Nodes: nodes, Edges: edges}, c.registry)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	order, err := engine.TopologicalSort()
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.Valid = true
	report.ExecutionOrder = order
	return report
}

// ExecutionStart is the execute response.
type ExecutionStart struct {
	ExecutionID string `json:"execution_id"`
	TaskID      string `json:"task_id"`
	Channel     string `json:"channel"`
}

// Execute creates an ExecutionRecord and submits the run job.
func (c *WorkflowController) Execute(ctx context.Context, projectID string) (*ExecutionStart, error) {
	g, err := c.store.GetWorkflowGraph(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("workflow graph for project %s: %w", projectID, ErrNotFound)
	}

	// record carries its job handle from creation, ahead of the enqueue,
	// so the worker's ownership check cannot see an empty handle
	handle := NewJobHandle()
	rec := &models.ExecutionRecord{
		ID:         uuid.NewString(),
		WorkflowId: g.ID,
		ProjectId:  projectID,
		Status:     models.ExecutionStatusPending,
		Results:    models.ExecutionResults{},
		JobHandle:  handle,
	}
	if err := c.store.CreateExecution(ctx, rec); err != nil {
		return nil, err
	}

	if err := c.dispatcher.SubmitWorkflow(ctx, handle, rec.ID, ""); err != nil {
		_, _ = c.store.TransitionExecution(ctx, rec.ID,
			[]string{models.ExecutionStatusPending}, models.ExecutionStatusFailed, err.Error())
		return nil, fmt.Errorf("%v: %w", err, ErrDispatch)
	}

	return &ExecutionStart{
		ExecutionID: rec.ID,
		TaskID:      handle,
		Channel:     ChannelName(projectID, "workflow"),
	}, nil
}

// PauseExecution cancels the run job (best effort) and marks the record
// cancelled if it had not started yet.
func (c *WorkflowController) PauseExecution(ctx context.Context, executionID string) (*models.ExecutionRecord, error) {
	rec, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	switch rec.Status {
	case models.ExecutionStatusPending, models.ExecutionStatusRunning:
	default:
		return nil, fmt.Errorf("execution is %s: %w", rec.Status, ErrStateConflict)
	}
	if rec.JobHandle != "" {
		_ = c.dispatcher.Cancel(ctx, rec.JobHandle)
	}
	// a pending record flips here; a running one flips when the worker
	// observes the cancelled context
	_, err = c.store.TransitionExecution(ctx, rec.ID,
		[]string{models.ExecutionStatusPending}, models.ExecutionStatusCancelled, "")
	if err != nil {
		return nil, err
	}
	return c.store.GetExecution(ctx, executionID)
}

// ResumeExecution submits a fresh run job that reuses the persisted results
// map, continuing after the last completed node in topological order.
func (c *WorkflowController) ResumeExecution(ctx context.Context, executionID string) (*ExecutionStart, error) {
	rec, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	switch rec.Status {
	case models.ExecutionStatusCancelled, models.ExecutionStatusFailed:
	default:
		return nil, fmt.Errorf("execution is %s: %w", rec.Status, ErrStateConflict)
	}

	g, err := c.store.GetWorkflowGraph(ctx, rec.ProjectId)
	if err != nil {
		return nil, fmt.Errorf("workflow graph: %w", ErrNotFound)
	}
	engine, err := workflow.NewEngine(g.Graph(), c.registry)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrValidation)
	}
	order, err := engine.TopologicalSort()
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrValidation)
	}

	// continue after the longest fully-completed prefix of the order
	resumeAfter := ""
	for _, nodeID := range order {
		res, ok := rec.Results[nodeID]
		if !ok || res.Status != workflow.NodeStatusCompleted {
			break
		}
		resumeAfter = nodeID
	}
	if resumeAfter == "" && rec.Status == models.ExecutionStatusFailed {
		// nothing completed yet; a full re-run needs a fresh execute call
		return nil, fmt.Errorf("no completed nodes to resume from: %w", ErrStateConflict)
	}

	// everything the worker's start guard reads (handle, pending state)
	// must land before the job is enqueued
	if rec.Status == models.ExecutionStatusFailed {
		ok, err := c.store.TransitionExecution(ctx, rec.ID,
			[]string{models.ExecutionStatusFailed}, models.ExecutionStatusPending, "")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("execution changed state during resume: %w", ErrStateConflict)
		}
	}
	handle := NewJobHandle()
	if err := c.store.AttachExecutionHandle(ctx, rec.ID, handle); err != nil {
		return nil, err
	}
	if err := c.dispatcher.SubmitWorkflow(ctx, handle, rec.ID, resumeAfter); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrDispatch)
	}

	return &ExecutionStart{
		ExecutionID: rec.ID,
		TaskID:      handle,
		Channel:     ChannelName(rec.ProjectId, "workflow"),
	}, nil
}
