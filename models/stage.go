package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	StageStatusPending    = "pending"
	StageStatusProcessing = "processing"
	StageStatusCompleted  = "completed"
	StageStatusFailed     = "failed"
)

// The fixed pipeline, in execution order.
const (
	StageTypeRewrite         = "rewrite"
	StageTypeStoryboard      = "storyboard"
	StageTypeImageGeneration = "image_generation"
	StageTypeCameraMovement  = "camera_movement"
	StageTypeVideoGeneration = "video_generation"
)

// StageOrder is built once and never mutated.
var StageOrder = []string{
	StageTypeRewrite,
	StageTypeStoryboard,
	StageTypeImageGeneration,
	StageTypeCameraMovement,
	StageTypeVideoGeneration,
}

var stageDisplayNames = map[string]string{
	StageTypeRewrite:         "Rewrite",
	StageTypeStoryboard:      "Storyboard",
	StageTypeImageGeneration: "Image Generation",
	StageTypeCameraMovement:  "Camera Movement",
	StageTypeVideoGeneration: "Video Generation",
}

const DefaultMaxRetries = 3

// IsValidStage reports whether name is one of the pipeline stage types.
func IsValidStage(name string) bool {
	for _, s := range StageOrder {
		if s == name {
			return true
		}
	}
	return false
}

// StageDisplay returns the human-readable stage name.
func StageDisplay(name string) string {
	if d, ok := stageDisplayNames[name]; ok {
		return d
	}
	return name
}

// StagesFrom returns name and every stage after it in pipeline order.
// Returns nil when name is not a pipeline stage.
func StagesFrom(name string) []string {
	for i, s := range StageOrder {
		if s == name {
			out := make([]string, len(StageOrder)-i)
			copy(out, StageOrder[i:])
			return out
		}
	}
	return nil
}

// JSONMap is a generic JSON object column.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, m)
}

type Stage struct {
	ID           string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId    string     `gorm:"index" json:"projectId"`
	StageType    string     `json:"stageType"`
	Status       string     `json:"status"`
	InputData    JSONMap    `gorm:"type:json" json:"inputData"`
	OutputData   JSONMap    `gorm:"type:json" json:"outputData"`
	RetryCount   int        `json:"retryCount"`
	MaxRetries   int        `json:"maxRetries"`
	JobHandle    string     `json:"jobHandle,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

func (Stage) TableName() string {
	return "stage"
}
