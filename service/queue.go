package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"StoryFlow-server/config"
	"StoryFlow-server/models"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

const (
	TypeStageGenerate   = "stage:generate"
	TypeWorkflowExecute = "workflow:execute"
)

type JobState string

const (
	JobStatePending  JobState = "pending"
	JobStateRunning  JobState = "running"
	JobStateSuccess  JobState = "success"
	JobStateFailure  JobState = "failure"
	JobStateRetrying JobState = "retrying"
)

// StagePayload is the body of a stage generation job. Handle is the job's
// own task id so the worker can prove it still owns the stage row.
type StagePayload struct {
	Handle    string         `json:"handle"`
	ProjectID string         `json:"project_id"`
	StageType string         `json:"stage_type"`
	Input     models.JSONMap `json:"input,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
}

// WorkflowPayload is the body of a workflow run job. ResumeAfter names the
// last node whose recorded result should be reused; empty means a full run.
type WorkflowPayload struct {
	Handle      string `json:"handle"`
	ExecutionID string `json:"execution_id"`
	ResumeAfter string `json:"resume_after,omitempty"`
}

// NewJobHandle allocates a job handle. Callers persist it on the owning row
// before enqueueing, so a worker that dequeues immediately still finds a
// matching handle.
func NewJobHandle() string {
	return uuid.NewString()
}

// TaskDispatcher submits units of work to the distributed worker pool under
// a caller-allocated handle, and supports status polling and best-effort
// cancellation. Cancelling marks the job's context done; a job already past
// its last checkpoint completes normally.
type TaskDispatcher interface {
	Submit(ctx context.Context, handle, stageType, projectID string, input models.JSONMap, userID string) error
	SubmitIn(ctx context.Context, delay time.Duration, handle, stageType, projectID string, input models.JSONMap, userID string) error
	SubmitWorkflow(ctx context.Context, handle, executionID, resumeAfter string) error
	Status(ctx context.Context, handle string) (JobState, error)
	Cancel(ctx context.Context, handle string) error
}

// AsynqDispatcher is the redis-backed implementation. Queue-level retry is
// disabled; retry policy belongs to the stage worker so each attempt is a
// fresh job with its own handle.
type AsynqDispatcher struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
}

func NewAsynqDispatcher() *AsynqDispatcher {
	opt := asynq.RedisClientOpt{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
		DB:       config.AppConfig.Redis.DB,
	}
	return &AsynqDispatcher{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		queue:     "default",
	}
}

func (d *AsynqDispatcher) Submit(ctx context.Context, handle, stageType, projectID string, input models.JSONMap, userID string) error {
	return d.SubmitIn(ctx, 0, handle, stageType, projectID, input, userID)
}

func (d *AsynqDispatcher) SubmitIn(ctx context.Context, delay time.Duration, handle, stageType, projectID string, input models.JSONMap, userID string) error {
	payload, err := json.Marshal(StagePayload{
		Handle:    handle,
		ProjectID: projectID,
		StageType: stageType,
		Input:     input,
		UserID:    userID,
	})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	opts := []asynq.Option{
		asynq.TaskID(handle),
		asynq.Queue(d.queue),
		asynq.MaxRetry(0),
		asynq.Timeout(time.Duration(config.AppConfig.Pipeline.JobTimeoutMinutes) * time.Minute),
		asynq.Retention(24 * time.Hour),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	if _, err := d.client.EnqueueContext(ctx, asynq.NewTask(TypeStageGenerate, payload), opts...); err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	log.Info().Str("handle", handle).Str("stage", stageType).Str("project", projectID).Msg("stage job enqueued")
	return nil
}

func (d *AsynqDispatcher) SubmitWorkflow(ctx context.Context, handle, executionID, resumeAfter string) error {
	payload, err := json.Marshal(WorkflowPayload{
		Handle:      handle,
		ExecutionID: executionID,
		ResumeAfter: resumeAfter,
	})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}
	if _, err := d.client.EnqueueContext(ctx, asynq.NewTask(TypeWorkflowExecute, payload),
		asynq.TaskID(handle),
		asynq.Queue(d.queue),
		asynq.MaxRetry(0),
		asynq.Timeout(time.Duration(config.AppConfig.Pipeline.JobTimeoutMinutes)*time.Minute),
		asynq.Retention(24*time.Hour),
	); err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	log.Info().Str("handle", handle).Str("execution", executionID).Msg("workflow job enqueued")
	return nil
}

func (d *AsynqDispatcher) Status(ctx context.Context, handle string) (JobState, error) {
	info, err := d.inspector.GetTaskInfo(d.queue, handle)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return "", fmt.Errorf("job %s: %w", handle, ErrNotFound)
		}
		return "", err
	}
	switch info.State {
	case asynq.TaskStateActive:
		return JobStateRunning, nil
	case asynq.TaskStateRetry:
		return JobStateRetrying, nil
	case asynq.TaskStateArchived:
		return JobStateFailure, nil
	case asynq.TaskStateCompleted:
		return JobStateSuccess, nil
	default:
		// pending, scheduled, aggregating
		return JobStatePending, nil
	}
}

// Cancel is best effort: running jobs get their context cancelled, queued
// jobs are deleted before they start. Errors are reduced to a log line; the
// caller only records the attempt.
func (d *AsynqDispatcher) Cancel(ctx context.Context, handle string) error {
	if handle == "" {
		return fmt.Errorf("empty job handle")
	}
	if err := d.inspector.CancelProcessing(handle); err != nil {
		log.Debug().Err(err).Str("handle", handle).Msg("cancel processing")
	}
	if err := d.inspector.DeleteTask(d.queue, handle); err != nil &&
		!errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		log.Debug().Err(err).Str("handle", handle).Msg("delete queued task")
	}
	return nil
}

func (d *AsynqDispatcher) Close() error {
	return d.client.Close()
}
