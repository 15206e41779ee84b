package service

import (
	"context"

	"StoryFlow-server/models"
	"StoryFlow-server/workflow"
)

// StageStateStore is the persistence boundary for projects, stages and
// workflow runs. The guarded methods perform their precondition check and
// write as one atomic statement and report whether the guard matched; the
// store is assumed transactional, so no external lock is needed.
// models.GormStore is the MySQL implementation.
type StageStateStore interface {
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	TransitionProject(ctx context.Context, id string, from []string, to string) (bool, error)
	SetProjectStatus(ctx context.Context, id, status string) error

	GetStage(ctx context.Context, projectID, stageType string) (*models.Stage, error)
	ListStages(ctx context.Context, projectID string) ([]models.Stage, error)
	ListResumableStages(ctx context.Context, projectID string) ([]models.Stage, error)
	UpdateStage(ctx context.Context, id string, fields map[string]interface{}) error

	MarkStageDispatched(ctx context.Context, id, handle string, input models.JSONMap) (bool, error)
	CompleteStage(ctx context.Context, id, handle string, output models.JSONMap) (bool, error)
	FailStage(ctx context.Context, id, handle, errMsg string) (bool, error)
	ReleaseStage(ctx context.Context, id, handle string) (bool, error)
	SwapJobHandle(ctx context.Context, id, oldHandle, newHandle string) (bool, error)
	ClaimRetry(ctx context.Context, id, handle string) (bool, error)
	ResetStages(ctx context.Context, projectID string, stageTypes []string) error

	SaveWorkflowGraph(ctx context.Context, g *models.WorkflowGraph) error
	GetWorkflowGraph(ctx context.Context, projectID string) (*models.WorkflowGraph, error)
	CreateExecution(ctx context.Context, rec *models.ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error)
	TransitionExecution(ctx context.Context, id string, from []string, to, errMsg string) (bool, error)
	AttachExecutionHandle(ctx context.Context, id, handle string) error
	AppendNodeResult(ctx context.Context, id, nodeID string, res workflow.NodeResult, logLine string) error
}
