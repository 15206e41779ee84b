package models

import "time"

// Project status values. Transitions happen only through the pipeline
// controller; paused is only reachable from processing, and resume is the
// only road back.
const (
	ProjectStatusDraft      = "draft"
	ProjectStatusProcessing = "processing"
	ProjectStatusCompleted  = "completed"
	ProjectStatusFailed     = "failed"
	ProjectStatusPaused     = "paused"
)

type Project struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Project) TableName() string {
	return "project"
}
