package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"StoryFlow-server/config"
	"StoryFlow-server/models"
	"StoryFlow-server/workflow"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

// StageGenerator runs one stage generation to completion.
// *GenerationClient is the HTTP implementation.
type StageGenerator interface {
	GenerateStage(ctx context.Context, stageType string, input models.JSONMap, onProgress func(Event)) (models.JSONMap, error)
}

// Processor consumes stage and workflow jobs from the queue. Each handler
// re-verifies that it still owns its row before and after the slow part, so
// a job cancelled past its last checkpoint finishes quietly instead of
// corrupting a paused or rolled-back project.
type Processor struct {
	store      StageStateStore
	dispatcher TaskDispatcher
	publisher  ProgressPublisher
	generator  StageGenerator
	registry   workflow.Registry

	backoffBase time.Duration
	rehost      func(ctx context.Context, sourceURL, objectName string) (string, error)
}

func NewProcessor(store StageStateStore, dispatcher TaskDispatcher, publisher ProgressPublisher, generator StageGenerator, registry workflow.Registry) *Processor {
	return &Processor{
		store:       store,
		dispatcher:  dispatcher,
		publisher:   publisher,
		generator:   generator,
		registry:    registry,
		backoffBase: time.Duration(config.AppConfig.Pipeline.RetryBackoffSecs) * time.Second,
		rehost:      RehostArtifact,
	}
}

// Start runs the asynq consumer in the background.
func (p *Processor) Start(concurrency int) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     config.AppConfig.Redis.Addr,
			Password: config.AppConfig.Redis.Password,
			DB:       config.AppConfig.Redis.DB,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeStageGenerate, p.HandleStageTask)
	mux.HandleFunc(TypeWorkflowExecute, p.HandleWorkflowTask)

	log.Info().Int("concurrency", concurrency).Msg("starting task processor")
	go func() {
		if err := srv.Run(mux); err != nil {
			log.Fatal().Err(err).Msg("task processor stopped")
		}
	}()
}

// HandleStageTask executes one stage generation attempt.
func (p *Processor) HandleStageTask(ctx context.Context, t *asynq.Task) error {
	var payload StagePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	stage, err := p.store.GetStage(ctx, payload.ProjectID, payload.StageType)
	if err != nil {
		return fmt.Errorf("stage not found: %v: %w", err, asynq.SkipRetry)
	}

	// ownership checkpoint: the stage must still be processing under this
	// job's handle, otherwise a pause/rollback got there first
	if stage.Status != models.StageStatusProcessing || stage.JobHandle != payload.Handle {
		log.Info().Str("stage", payload.StageType).Str("handle", payload.Handle).
			Msg("stale stage job, dropping")
		return nil
	}

	log.Info().Str("project", payload.ProjectID).Str("stage", payload.StageType).Msg("processing stage")
	p.publish(ctx, payload.ProjectID, payload.StageType, Event{
		Kind:    EventStageUpdate,
		Status:  models.StageStatusProcessing,
		Message: fmt.Sprintf("%s running", models.StageDisplay(payload.StageType)),
	})

	output, err := p.generator.GenerateStage(ctx, payload.StageType, payload.Input, func(ev Event) {
		p.publish(ctx, payload.ProjectID, payload.StageType, ev)
	})
	if err != nil {
		return p.handleStageFailure(ctx, stage, payload, err)
	}

	output = p.rehostOutputs(ctx, payload.ProjectID, payload.StageType, output)

	ok, err := p.store.CompleteStage(ctx, stage.ID, payload.Handle, output)
	if err != nil {
		return err
	}
	if !ok {
		// completed past the cancellation checkpoint; the project moved on
		log.Warn().Str("stage", payload.StageType).Str("handle", payload.Handle).
			Msg("late completion discarded")
		return nil
	}

	p.publish(ctx, payload.ProjectID, payload.StageType, Event{
		Kind:   EventDone,
		Result: output,
		Metadata: map[string]interface{}{
			"stage":         payload.StageType,
			"stage_display": models.StageDisplay(payload.StageType),
		},
	})
	log.Info().Str("project", payload.ProjectID).Str("stage", payload.StageType).Msg("stage completed")
	return nil
}

func (p *Processor) handleStageFailure(ctx context.Context, stage *models.Stage, payload StagePayload, genErr error) error {
	// a cancelled context means pause/rollback already released the row
	if ctx.Err() != nil || errors.Is(genErr, context.Canceled) {
		log.Info().Str("stage", payload.StageType).Msg("stage job cancelled")
		return nil
	}

	var execErr *ExecutionError
	transient := errors.As(genErr, &execErr) && execErr.Transient()

	if transient && stage.RetryCount < stage.MaxRetries {
		// fresh job per attempt, exponential backoff; the new handle is
		// swapped in before the job exists so the next worker owns the row
		newHandle := NewJobHandle()
		ok, err := p.store.SwapJobHandle(ctx, stage.ID, payload.Handle, newHandle)
		if err != nil {
			return err
		}
		if !ok {
			// lost the row meanwhile; the retry attempt is withdrawn
			return nil
		}
		delay := p.backoffBase << uint(stage.RetryCount)
		if err := p.dispatcher.SubmitIn(ctx, delay, newHandle, payload.StageType, payload.ProjectID, payload.Input, payload.UserID); err != nil {
			log.Error().Err(err).Str("stage", payload.StageType).Msg("retry submit failed")
			if _, ferr := p.store.FailStage(ctx, stage.ID, newHandle, genErr.Error()); ferr != nil {
				return ferr
			}
			p.publishFailure(ctx, payload, genErr, stage.RetryCount)
			return nil
		}
		log.Warn().Err(genErr).Str("stage", payload.StageType).Int("attempt", stage.RetryCount+1).
			Dur("backoff", delay).Msg("transient failure, retrying")
		p.publish(ctx, payload.ProjectID, payload.StageType, Event{
			Kind:       EventError,
			Error:      genErr.Error(),
			RetryCount: stage.RetryCount + 1,
			Message:    "transient failure, retry scheduled",
		})
		return nil
	}

	ok, err := p.store.FailStage(ctx, stage.ID, payload.Handle, genErr.Error())
	if err != nil {
		return err
	}
	if !ok {
		log.Warn().Str("stage", payload.StageType).Msg("late failure discarded")
		return nil
	}
	p.publishFailure(ctx, payload, genErr, stage.RetryCount)
	log.Error().Err(genErr).Str("project", payload.ProjectID).Str("stage", payload.StageType).
		Msg("stage failed")
	return nil
}

func (p *Processor) publishFailure(ctx context.Context, payload StagePayload, genErr error, retryCount int) {
	p.publish(ctx, payload.ProjectID, payload.StageType, Event{
		Kind:       EventError,
		Error:      genErr.Error(),
		RetryCount: retryCount,
	})
}

// rehostOutputs re-uploads any resource_url in the result into our bucket.
// Best effort; a rehost failure leaves the worker URL in place.
func (p *Processor) rehostOutputs(ctx context.Context, projectID, stageType string, output models.JSONMap) models.JSONMap {
	if output == nil {
		return models.JSONMap{}
	}
	src, _ := output["resource_url"].(string)
	if src == "" || MinioClient == nil {
		return output
	}
	objectName := fmt.Sprintf("projects/%s/stages/%s/%s", projectID, stageType, path.Base(src))
	hosted, err := p.rehost(ctx, src, objectName)
	if err != nil {
		log.Warn().Err(err).Str("stage", stageType).Msg("rehost failed, keeping worker url")
		return output
	}
	output["resource_url"] = hosted
	return output
}

func (p *Processor) publish(ctx context.Context, projectID, stage string, ev Event) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, projectID, stage, ev); err != nil {
		log.Debug().Err(err).Str("project", projectID).Msg("publish failed")
	}
}

// HandleWorkflowTask runs (or resumes) one workflow execution.
func (p *Processor) HandleWorkflowTask(ctx context.Context, t *asynq.Task) error {
	var payload WorkflowPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	rec, err := p.store.GetExecution(ctx, payload.ExecutionID)
	if err != nil {
		return fmt.Errorf("execution not found: %v: %w", err, asynq.SkipRetry)
	}
	if rec.JobHandle != payload.Handle {
		log.Info().Str("execution", rec.ID).Msg("stale workflow job, dropping")
		return nil
	}

	graph, err := p.store.GetWorkflowGraph(ctx, rec.ProjectId)
	if err != nil {
		return fmt.Errorf("workflow graph not found: %v: %w", err, asynq.SkipRetry)
	}

	ok, err := p.store.TransitionExecution(ctx, rec.ID,
		[]string{models.ExecutionStatusPending, models.ExecutionStatusCancelled}, models.ExecutionStatusRunning, "")
	if err != nil {
		return err
	}
	if !ok {
		log.Info().Str("execution", rec.ID).Msg("execution not startable, dropping")
		return nil
	}

	engine, err := workflow.NewEngine(graph.Graph(), p.registry)
	if err != nil {
		p.finishExecution(ctx, rec, models.ExecutionStatusFailed, err)
		return nil
	}

	progress := func(nodeID, status string, res workflow.NodeResult) {
		line := fmt.Sprintf("%s node %s %s", time.Now().Format(time.RFC3339), nodeID, status)
		if err := p.store.AppendNodeResult(ctx, rec.ID, nodeID, res, line); err != nil {
			log.Error().Err(err).Str("execution", rec.ID).Str("node", nodeID).Msg("persist node result")
		}
		p.publish(ctx, rec.ProjectId, "workflow", Event{
			Kind:     EventProgress,
			Status:   status,
			ItemName: nodeID,
			Message:  line,
		})
	}

	var runErr error
	if payload.ResumeAfter != "" {
		_, runErr = engine.ResumeFrom(ctx, payload.ResumeAfter, workflow.ResultMap(rec.Results), progress)
	} else {
		_, runErr = engine.Execute(ctx, progress)
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			if _, err := p.store.TransitionExecution(ctx, rec.ID,
				[]string{models.ExecutionStatusRunning}, models.ExecutionStatusCancelled, ""); err != nil {
				return err
			}
			log.Info().Str("execution", rec.ID).Msg("execution cancelled")
			return nil
		}
		p.finishExecution(ctx, rec, models.ExecutionStatusFailed, runErr)
		return nil
	}

	p.finishExecution(ctx, rec, models.ExecutionStatusCompleted, nil)
	return nil
}

func (p *Processor) finishExecution(ctx context.Context, rec *models.ExecutionRecord, status string, cause error) {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	ok, err := p.store.TransitionExecution(ctx, rec.ID,
		[]string{models.ExecutionStatusRunning}, status, errMsg)
	if err != nil || !ok {
		log.Warn().Err(err).Bool("guard", ok).Str("execution", rec.ID).Msg("finish execution skipped")
		return
	}
	if cause != nil {
		p.publish(ctx, rec.ProjectId, "workflow", Event{Kind: EventError, Error: errMsg})
		return
	}
	p.publish(ctx, rec.ProjectId, "workflow", Event{
		Kind:     EventDone,
		Metadata: map[string]interface{}{"execution_id": rec.ID},
	})
}
