package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"StoryFlow-server/config"
	"StoryFlow-server/models"

	"github.com/rs/zerolog/log"
)

// GenerationClient talks to the external generation worker. One POST starts
// a job, then the client polls until the worker reports a terminal state.
// The poll loop is a cancellation checkpoint: a cancelled context stops the
// job from our side even though the worker may keep going.
type GenerationClient struct {
	endpoint     string
	pollInterval time.Duration
	jobTimeout   time.Duration
	http         *http.Client
}

func NewGenerationClient() *GenerationClient {
	cfg := config.AppConfig
	return &GenerationClient{
		endpoint:     cfg.Worker.Addr,
		pollInterval: time.Duration(cfg.Pipeline.PollIntervalSecs) * time.Second,
		jobTimeout:   time.Duration(cfg.Pipeline.JobTimeoutMinutes) * time.Minute,
		http:         &http.Client{Timeout: 30 * time.Second},
	}
}

// jobStatus is the worker's poll response.
type jobStatus struct {
	ID          string                 `json:"id"`
	Status      string                 `json:"status"`
	Progress    int                    `json:"progress"`
	Message     string                 `json:"message"`
	PartialText string                 `json:"partial_text,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// GenerateStage runs one stage generation to completion, reporting progress
// through onProgress (may be nil).
func (c *GenerationClient) GenerateStage(ctx context.Context, stageType string, input models.JSONMap, onProgress func(Event)) (models.JSONMap, error) {
	jobID, err := c.startJob(ctx, stageType, input)
	if err != nil {
		return nil, err
	}
	return c.pollJob(ctx, stageType, jobID, onProgress)
}

// Generate satisfies workflow.Generator for graph generate nodes.
func (c *GenerationClient) Generate(ctx context.Context, stageType string, input map[string]interface{}) (map[string]interface{}, error) {
	out, err := c.GenerateStage(ctx, stageType, models.JSONMap(input), nil)
	return map[string]interface{}(out), err
}

func (c *GenerationClient) startJob(ctx context.Context, stageType string, input models.JSONMap) (string, error) {
	reqBody := map[string]interface{}{
		"type":       stageType,
		"parameters": input,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", NewExecutionError(ErrCategoryValidation, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/generate", bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", NewExecutionError(ErrCategoryValidation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", NewExecutionError(ErrCategoryNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusAccepted:
	case resp.StatusCode >= 500:
		return "", NewExecutionError(ErrCategoryNetwork, fmt.Errorf("worker status %d", resp.StatusCode))
	default:
		return "", NewExecutionError(ErrCategoryValidation, fmt.Errorf("worker rejected request: status %d", resp.StatusCode))
	}

	var respData map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", NewExecutionError(ErrCategoryNetwork, fmt.Errorf("decode response: %w", err))
	}
	if id, ok := respData["id"].(string); ok && id != "" {
		return id, nil
	}
	if id, ok := respData["job_id"].(string); ok && id != "" {
		return id, nil
	}
	return "", NewExecutionError(ErrCategoryMissingData, fmt.Errorf("worker response missing job id"))
}

func (c *GenerationClient) pollJob(ctx context.Context, stageType, jobID string, onProgress func(Event)) (models.JSONMap, error) {
	jobURL := fmt.Sprintf("%s/v1/jobs/%s", c.endpoint, jobID)

	deadline := time.After(c.jobTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	lastProgress := -1
	var fullText string

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, NewExecutionError(ErrCategoryTimeout, fmt.Errorf("generation job %s timed out", jobID))
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
			if err != nil {
				continue
			}
			resp, err := c.http.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				log.Debug().Err(err).Str("job", jobID).Msg("poll error, retrying")
				continue
			}

			var st jobStatus
			err = json.NewDecoder(resp.Body).Decode(&st)
			resp.Body.Close()
			if err != nil {
				log.Debug().Err(err).Str("job", jobID).Msg("bad poll body, retrying")
				continue
			}

			if onProgress != nil {
				if st.PartialText != "" && st.PartialText != fullText {
					delta := st.PartialText
					if len(fullText) > 0 && len(st.PartialText) > len(fullText) && st.PartialText[:len(fullText)] == fullText {
						delta = st.PartialText[len(fullText):]
					}
					fullText = st.PartialText
					onProgress(Event{Kind: EventToken, Content: delta, FullText: fullText})
				}
				if st.Progress != lastProgress {
					lastProgress = st.Progress
					onProgress(Event{
						Kind:     EventStageUpdate,
						Status:   models.StageStatusProcessing,
						Progress: st.Progress,
						Message:  st.Message,
					})
				}
			}

			switch st.Status {
			case "finished", "success", "completed", "succeeded":
				out := models.JSONMap(st.Result)
				if out == nil {
					out = models.JSONMap{}
				}
				if fullText != "" {
					out["full_text"] = fullText
				}
				return out, nil
			case "failed", "error":
				return nil, NewExecutionError(ErrCategoryGeneration,
					fmt.Errorf("worker reported failure for %s: %s", stageType, st.Error))
			}
		}
	}
}
