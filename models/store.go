package models

import (
	"context"
	"time"

	"StoryFlow-server/workflow"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the MySQL-backed stage state store. Every state transition is
// a guarded UPDATE whose WHERE clause re-checks the precondition, so the
// check and the write are one atomic read-modify-write against the row.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// CreateProject inserts the project plus its pending stage rows in pipeline
// order, in one transaction.
func (s *GormStore) CreateProject(ctx context.Context, p *Project) error {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		for i, stageType := range StageOrder {
			stage := Stage{
				ID:         uuid.NewString(),
				ProjectId:  p.ID,
				StageType:  stageType,
				Status:     StageStatusPending,
				MaxRetries: DefaultMaxRetries,
				// spread creation times so creation-order queries are stable
				CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
				UpdatedAt: now,
			}
			if err := tx.Create(&stage).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// TransitionProject moves the project from any of the listed statuses to
// `to`. Reports whether the guard matched.
func (s *GormStore) TransitionProject(ctx context.Context, id string, from []string, to string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Project{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now()})
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) SetProjectStatus(ctx context.Context, id, status string) error {
	return s.db.WithContext(ctx).Model(&Project{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now()}).Error
}

func (s *GormStore) GetStage(ctx context.Context, projectID, stageType string) (*Stage, error) {
	var st Stage
	err := s.db.WithContext(ctx).
		First(&st, "project_id = ? AND stage_type = ?", projectID, stageType).Error
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *GormStore) ListStages(ctx context.Context, projectID string) ([]Stage, error) {
	var stages []Stage
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&stages).Error
	return stages, err
}

// ListResumableStages returns pending/failed stages in creation order.
func (s *GormStore) ListResumableStages(ctx context.Context, projectID string) ([]Stage, error) {
	var stages []Stage
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND status IN ?", projectID, []string{StageStatusPending, StageStatusFailed}).
		Order("created_at ASC").
		Find(&stages).Error
	return stages, err
}

func (s *GormStore) UpdateStage(ctx context.Context, id string, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now()
	return s.db.WithContext(ctx).Model(&Stage{}).Where("id = ?", id).Updates(fields).Error
}

// MarkStageDispatched claims the stage for a new dispatch, writing the job
// handle in the same guarded update so the handle is visible before the job
// is enqueued. Only one claim can win while the stage is not already
// processing; the stage row is the unit of mutual exclusion.
func (s *GormStore) MarkStageDispatched(ctx context.Context, id, handle string, input JSONMap) (bool, error) {
	now := time.Now()
	fields := map[string]interface{}{
		"status":        StageStatusProcessing,
		"job_handle":    handle,
		"error_message": "",
		"started_at":    now,
		"updated_at":    now,
	}
	if input != nil {
		fields["input_data"] = input
	}
	res := s.db.WithContext(ctx).Model(&Stage{}).
		Where("id = ? AND status <> ?", id, StageStatusProcessing).
		Updates(fields)
	return res.RowsAffected > 0, res.Error
}

// CompleteStage finishes the stage only if it is still processing under the
// same job handle. A false return means the completion arrived late (the
// project was paused or rolled back meanwhile) and must be discarded.
func (s *GormStore) CompleteStage(ctx context.Context, id, handle string, output JSONMap) (bool, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&Stage{}).
		Where("id = ? AND status = ? AND job_handle = ?", id, StageStatusProcessing, handle).
		Updates(map[string]interface{}{
			"status":       StageStatusCompleted,
			"output_data":  output,
			"job_handle":   "",
			"completed_at": now,
			"updated_at":   now,
		})
	return res.RowsAffected > 0, res.Error
}

// FailStage marks the stage failed under the same guard as CompleteStage.
func (s *GormStore) FailStage(ctx context.Context, id, handle, errMsg string) (bool, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&Stage{}).
		Where("id = ? AND status = ? AND job_handle = ?", id, StageStatusProcessing, handle).
		Updates(map[string]interface{}{
			"status":        StageStatusFailed,
			"error_message": errMsg,
			"job_handle":    "",
			"completed_at":  now,
			"updated_at":    now,
		})
	return res.RowsAffected > 0, res.Error
}

// ReleaseStage puts a cancelled stage back to pending so resume picks it up
// as the interrupted stage. Guarded on the live handle.
func (s *GormStore) ReleaseStage(ctx context.Context, id, handle string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Stage{}).
		Where("id = ? AND status = ? AND job_handle = ?", id, StageStatusProcessing, handle).
		Updates(map[string]interface{}{
			"status":     StageStatusPending,
			"job_handle": "",
			"updated_at": time.Now(),
		})
	return res.RowsAffected > 0, res.Error
}

// SwapJobHandle replaces the stage's live handle with the handle of a fresh
// retry attempt and bumps retry_count. Guarded on the old handle.
func (s *GormStore) SwapJobHandle(ctx context.Context, id, oldHandle, newHandle string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Stage{}).
		Where("id = ? AND status = ? AND job_handle = ?", id, StageStatusProcessing, oldHandle).
		Updates(map[string]interface{}{
			"job_handle":  newHandle,
			"retry_count": gorm.Expr("retry_count + 1"),
			"updated_at":  time.Now(),
		})
	return res.RowsAffected > 0, res.Error
}

// ClaimRetry bumps retry_count and re-claims the stage for dispatch under
// the new job handle, only while retry_count is below max_retries.
func (s *GormStore) ClaimRetry(ctx context.Context, id, handle string) (bool, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&Stage{}).
		Where("id = ? AND retry_count < max_retries AND status <> ?", id, StageStatusProcessing).
		Updates(map[string]interface{}{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"status":        StageStatusProcessing,
			"job_handle":    handle,
			"error_message": "",
			"started_at":    now,
			"updated_at":    now,
		})
	return res.RowsAffected > 0, res.Error
}

// ResetStages puts the named stages back to pending, clearing outputs,
// errors, retry counts and timestamps. Used by rollback.
func (s *GormStore) ResetStages(ctx context.Context, projectID string, stageTypes []string) error {
	return s.db.WithContext(ctx).Model(&Stage{}).
		Where("project_id = ? AND stage_type IN ?", projectID, stageTypes).
		Updates(map[string]interface{}{
			"status":        StageStatusPending,
			"output_data":   nil,
			"error_message": "",
			"retry_count":   0,
			"job_handle":    "",
			"started_at":    nil,
			"completed_at":  nil,
			"updated_at":    time.Now(),
		}).Error
}

// ---- workflow graph / execution records ----

// SaveWorkflowGraph upserts the project's graph. Rejected while an execution
// is mid-run so the graph stays immutable under a running record.
func (s *GormStore) SaveWorkflowGraph(ctx context.Context, g *WorkflowGraph) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var running int64
		if err := tx.Model(&ExecutionRecord{}).
			Where("project_id = ? AND status IN ?", g.ProjectId,
				[]string{ExecutionStatusPending, ExecutionStatusRunning}).
			Count(&running).Error; err != nil {
			return err
		}
		if running > 0 {
			return gorm.ErrInvalidTransaction
		}
		now := time.Now()
		g.UpdatedAt = now
		var existing WorkflowGraph
		err := tx.First(&existing, "project_id = ?", g.ProjectId).Error
		if err == gorm.ErrRecordNotFound {
			g.CreatedAt = now
			return tx.Create(g).Error
		}
		if err != nil {
			return err
		}
		g.ID = existing.ID
		g.CreatedAt = existing.CreatedAt
		return tx.Model(&WorkflowGraph{}).Where("id = ?", existing.ID).
			Updates(map[string]interface{}{"nodes": g.Nodes, "edges": g.Edges, "updated_at": now}).Error
	})
}

func (s *GormStore) GetWorkflowGraph(ctx context.Context, projectID string) (*WorkflowGraph, error) {
	var g WorkflowGraph
	if err := s.db.WithContext(ctx).First(&g, "project_id = ?", projectID).Error; err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *GormStore) CreateExecution(ctx context.Context, rec *ExecutionRecord) error {
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Results == nil {
		rec.Results = ExecutionResults{}
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *GormStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// TransitionExecution is the guarded status move for execution records.
func (s *GormStore) TransitionExecution(ctx context.Context, id string, from []string, to, errMsg string) (bool, error) {
	now := time.Now()
	fields := map[string]interface{}{"status": to, "updated_at": now}
	if errMsg != "" {
		fields["error_message"] = errMsg
	}
	switch to {
	case ExecutionStatusRunning:
		fields["started_at"] = now
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		fields["completed_at"] = now
	}
	res := s.db.WithContext(ctx).Model(&ExecutionRecord{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(fields)
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) AttachExecutionHandle(ctx context.Context, id, handle string) error {
	return s.db.WithContext(ctx).Model(&ExecutionRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"job_handle": handle, "updated_at": time.Now()}).Error
}

// AppendNodeResult persists one node result into the versioned results map.
// Row-locked read-modify-write so concurrent writers cannot lose updates,
// and resume can be reconstructed deterministically from storage.
func (s *GormStore) AppendNodeResult(ctx context.Context, id, nodeID string, res workflow.NodeResult, logLine string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec ExecutionRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&rec, "id = ?", id).Error; err != nil {
			return err
		}
		if rec.Results == nil {
			rec.Results = ExecutionResults{}
		}
		rec.Results[nodeID] = res
		logs := rec.Logs
		if logLine != "" {
			logs = append(logs, logLine)
		}
		return tx.Model(&ExecutionRecord{}).Where("id = ?", id).
			Updates(map[string]interface{}{
				"results":         rec.Results,
				"results_version": rec.ResultsVersion + 1,
				"logs":            logs,
				"updated_at":      time.Now(),
			}).Error
	})
}
