package service

import (
	"context"
	"fmt"
	"time"

	"StoryFlow-server/models"

	"github.com/rs/zerolog/log"
)

// PipelineController enforces the project/stage state machine. All of its
// mutating operations go through guarded store updates, so a concurrent
// caller loses the guard instead of producing a second dispatch.
type PipelineController struct {
	store      StageStateStore
	dispatcher TaskDispatcher
	publisher  ProgressPublisher
}

func NewPipelineController(store StageStateStore, dispatcher TaskDispatcher, publisher ProgressPublisher) *PipelineController {
	return &PipelineController{store: store, dispatcher: dispatcher, publisher: publisher}
}

// ExecuteResult is what a successful dispatch returns to the caller. The
// job itself runs on the worker pool; the caller only gets the handle and
// the channel to watch.
type ExecuteResult struct {
	TaskID    string `json:"task_id"`
	Channel   string `json:"channel"`
	Stage     string `json:"stage"`
	Message   string `json:"message"`
	ProjectID string `json:"project_id"`
}

type CancelledTask struct {
	Stage        string `json:"stage"`
	StageDisplay string `json:"stage_display"`
	TaskID       string `json:"task_id"`
}

type ResumeResult struct {
	Project             *models.Project `json:"project"`
	TaskID              string          `json:"task_id,omitempty"`
	Channel             string          `json:"channel,omitempty"`
	CurrentStage        string          `json:"current_stage,omitempty"`
	CurrentStageDisplay string          `json:"current_stage_display,omitempty"`
	ResumedAt           *time.Time      `json:"resumed_at,omitempty"`
	AlreadyRunning      bool            `json:"already_running,omitempty"`
	AllStagesCompleted  bool            `json:"all_stages_completed,omitempty"`
}

// ExecuteStage dispatches one stage job. Exactly one dispatch happens per
// successful call; a stage that is already processing is a conflict, not a
// second dispatch.
func (c *PipelineController) ExecuteStage(ctx context.Context, projectID, stageName string, input models.JSONMap, userID string) (*ExecuteResult, error) {
	if !models.IsValidStage(stageName) {
		return nil, fmt.Errorf("unknown stage %q: %w", stageName, ErrValidation)
	}
	project, err := c.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	switch project.Status {
	case models.ProjectStatusDraft, models.ProjectStatusProcessing, models.ProjectStatusPaused:
	default:
		return nil, fmt.Errorf("project is %s: %w", project.Status, ErrStateConflict)
	}
	stage, err := c.store.GetStage(ctx, projectID, stageName)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", stageName, ErrNotFound)
	}

	if input == nil {
		input = stage.InputData
	}
	// the handle is persisted by the claim itself, before the job exists:
	// a worker that dequeues immediately still finds a matching handle
	handle := NewJobHandle()
	ok, err := c.store.MarkStageDispatched(ctx, stage.ID, handle, input)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("stage %s already processing: %w", stageName, ErrStateConflict)
	}

	if err := c.store.SetProjectStatus(ctx, projectID, models.ProjectStatusProcessing); err != nil {
		return nil, err
	}

	if err := c.dispatcher.Submit(ctx, handle, stageName, projectID, input, userID); err != nil {
		if _, ferr := c.store.FailStage(ctx, stage.ID, handle, err.Error()); ferr != nil {
			log.Error().Err(ferr).Str("stage", stage.ID).Msg("mark dispatch failure")
		}
		return nil, fmt.Errorf("%v: %w", err, ErrDispatch)
	}

	return &ExecuteResult{
		TaskID:    handle,
		Channel:   ChannelName(projectID, stageName),
		Stage:     stageName,
		Message:   fmt.Sprintf("%s started", models.StageDisplay(stageName)),
		ProjectID: projectID,
	}, nil
}

// Pause cancels every live stage job (best effort) and parks the project.
// The returned list records cancellation attempts, not guaranteed stops: a
// job already past its last checkpoint completes and is discarded by the
// completion guard.
func (c *PipelineController) Pause(ctx context.Context, projectID string) (*models.Project, []CancelledTask, error) {
	if _, err := c.store.GetProject(ctx, projectID); err != nil {
		return nil, nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	ok, err := c.store.TransitionProject(ctx, projectID, []string{models.ProjectStatusProcessing}, models.ProjectStatusPaused)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("project is not processing: %w", ErrStateConflict)
	}

	stages, err := c.store.ListStages(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	cancelled := []CancelledTask{}
	for _, st := range stages {
		if st.Status != models.StageStatusProcessing || st.JobHandle == "" {
			continue
		}
		if err := c.dispatcher.Cancel(ctx, st.JobHandle); err != nil {
			log.Warn().Err(err).Str("stage", st.StageType).Msg("cancel attempt failed")
		}
		// put the interrupted stage back to pending so resume restarts it
		// rather than skipping past it
		if _, err := c.store.ReleaseStage(ctx, st.ID, st.JobHandle); err != nil {
			return nil, nil, err
		}
		cancelled = append(cancelled, CancelledTask{
			Stage:        st.StageType,
			StageDisplay: models.StageDisplay(st.StageType),
			TaskID:       st.JobHandle,
		})
	}

	project, err := c.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	return project, cancelled, nil
}

// Resume continues from the earliest pending or failed stage. A concurrent
// resume that lost the dispatch guard gets the winner's handle back instead
// of a duplicate dispatch.
func (c *PipelineController) Resume(ctx context.Context, projectID string) (*ResumeResult, error) {
	project, err := c.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if project.Status != models.ProjectStatusPaused {
		return nil, fmt.Errorf("project is %s, not paused: %w", project.Status, ErrStateConflict)
	}

	resumable, err := c.store.ListResumableStages(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(resumable) == 0 {
		if _, err := c.store.TransitionProject(ctx, projectID,
			[]string{models.ProjectStatusPaused}, models.ProjectStatusCompleted); err != nil {
			return nil, err
		}
		project, _ = c.store.GetProject(ctx, projectID)
		return &ResumeResult{Project: project, AllStagesCompleted: true}, nil
	}

	stage := resumable[0]
	handle := NewJobHandle()
	ok, err := c.store.MarkStageDispatched(ctx, stage.ID, handle, stage.InputData)
	if err != nil {
		return nil, err
	}
	if !ok {
		// lost the race to a prior resume: hand back the live dispatch
		current, err := c.store.GetStage(ctx, projectID, stage.StageType)
		if err != nil {
			return nil, err
		}
		if current.Status == models.StageStatusProcessing && current.JobHandle != "" {
			project, _ = c.store.GetProject(ctx, projectID)
			return &ResumeResult{
				Project:             project,
				TaskID:              current.JobHandle,
				Channel:             ChannelName(projectID, stage.StageType),
				CurrentStage:        stage.StageType,
				CurrentStageDisplay: models.StageDisplay(stage.StageType),
				AlreadyRunning:      true,
			}, nil
		}
		return nil, fmt.Errorf("stage %s changed state during resume: %w", stage.StageType, ErrStateConflict)
	}

	if _, err := c.store.TransitionProject(ctx, projectID,
		[]string{models.ProjectStatusPaused}, models.ProjectStatusProcessing); err != nil {
		return nil, err
	}

	if err := c.dispatcher.Submit(ctx, handle, stage.StageType, projectID, stage.InputData, ""); err != nil {
		if _, ferr := c.store.FailStage(ctx, stage.ID, handle, err.Error()); ferr != nil {
			log.Error().Err(ferr).Str("stage", stage.ID).Msg("mark dispatch failure")
		}
		return nil, fmt.Errorf("%v: %w", err, ErrDispatch)
	}

	now := time.Now()
	project, _ = c.store.GetProject(ctx, projectID)
	return &ResumeResult{
		Project:             project,
		TaskID:              handle,
		Channel:             ChannelName(projectID, stage.StageType),
		CurrentStage:        stage.StageType,
		CurrentStageDisplay: models.StageDisplay(stage.StageType),
		ResumedAt:           &now,
	}, nil
}

// RetryStage redispatches a stage with its stored input. Rejected once
// retry_count has reached max_retries.
func (c *PipelineController) RetryStage(ctx context.Context, projectID, stageName string) (*ExecuteResult, error) {
	if !models.IsValidStage(stageName) {
		return nil, fmt.Errorf("unknown stage %q: %w", stageName, ErrValidation)
	}
	if _, err := c.store.GetProject(ctx, projectID); err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	stage, err := c.store.GetStage(ctx, projectID, stageName)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", stageName, ErrNotFound)
	}

	handle := NewJobHandle()
	ok, err := c.store.ClaimRetry(ctx, stage.ID, handle)
	if err != nil {
		return nil, err
	}
	if !ok {
		// distinguish an in-flight stage from an exhausted one
		if current, cerr := c.store.GetStage(ctx, projectID, stageName); cerr == nil &&
			current.Status == models.StageStatusProcessing {
			return nil, fmt.Errorf("stage %s is processing: %w", stageName, ErrStateConflict)
		}
		return nil, fmt.Errorf("stage %s: retry limit reached (%d/%d): %w",
			stageName, stage.RetryCount, stage.MaxRetries, ErrStateConflict)
	}

	if err := c.store.SetProjectStatus(ctx, projectID, models.ProjectStatusProcessing); err != nil {
		return nil, err
	}

	if err := c.dispatcher.Submit(ctx, handle, stageName, projectID, stage.InputData, ""); err != nil {
		if _, ferr := c.store.FailStage(ctx, stage.ID, handle, err.Error()); ferr != nil {
			log.Error().Err(ferr).Str("stage", stage.ID).Msg("mark dispatch failure")
		}
		return nil, fmt.Errorf("%v: %w", err, ErrDispatch)
	}

	return &ExecuteResult{
		TaskID:    handle,
		Channel:   ChannelName(projectID, stageName),
		Stage:     stageName,
		Message:   fmt.Sprintf("%s retry started", models.StageDisplay(stageName)),
		ProjectID: projectID,
	}, nil
}

// RollbackStage resets stageName and every stage after it in pipeline order
// to pending and puts the project back to draft.
func (c *PipelineController) RollbackStage(ctx context.Context, projectID, stageName string) ([]string, error) {
	suffix := models.StagesFrom(stageName)
	if suffix == nil {
		return nil, fmt.Errorf("unknown stage %q: %w", stageName, ErrValidation)
	}
	if _, err := c.store.GetProject(ctx, projectID); err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err := c.store.ResetStages(ctx, projectID, suffix); err != nil {
		return nil, err
	}
	if err := c.store.SetProjectStatus(ctx, projectID, models.ProjectStatusDraft); err != nil {
		return nil, err
	}
	return suffix, nil
}

// TaskStatus reports the queue-level state of a job handle.
func (c *PipelineController) TaskStatus(ctx context.Context, handle string) (JobState, error) {
	return c.dispatcher.Status(ctx, handle)
}
