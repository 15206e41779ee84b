package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"StoryFlow-server/workflow"
)

const (
	ExecutionStatusPending   = "pending"
	ExecutionStatusRunning   = "running"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusFailed    = "failed"
	ExecutionStatusCancelled = "cancelled"
)

// GraphNodes / GraphEdges are JSON columns carrying the user-assembled graph.
type GraphNodes []workflow.GraphNode

func (n GraphNodes) Value() (driver.Value, error) {
	return json.Marshal(n)
}

func (n *GraphNodes) Scan(value interface{}) error {
	return scanJSON(value, n)
}

type GraphEdges []workflow.GraphEdge

func (e GraphEdges) Value() (driver.Value, error) {
	return json.Marshal(e)
}

func (e *GraphEdges) Scan(value interface{}) error {
	return scanJSON(value, e)
}

// ExecutionResults is the node-id-keyed results map. It is persisted on
// every node completion together with a version bump, so a resume can be
// reconstructed from storage alone.
type ExecutionResults map[string]workflow.NodeResult

func (r ExecutionResults) Value() (driver.Value, error) {
	if r == nil {
		return json.Marshal(ExecutionResults{})
	}
	return json.Marshal(r)
}

func (r *ExecutionResults) Scan(value interface{}) error {
	return scanJSON(value, r)
}

// StringList is an ordered JSON array column (execution logs).
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal(StringList{})
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

func scanJSON(value interface{}, dest interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, dest)
}

// WorkflowGraph is owned by exactly one project. It must not be edited while
// an execution references it mid-run; the store enforces that on save.
type WorkflowGraph struct {
	ID        string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId string     `gorm:"uniqueIndex" json:"projectId"`
	Nodes     GraphNodes `gorm:"type:json" json:"nodes"`
	Edges     GraphEdges `gorm:"type:json" json:"edges"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (WorkflowGraph) TableName() string {
	return "workflow_graph"
}

// Graph converts the stored rows into the engine's form.
func (g *WorkflowGraph) Graph() workflow.Graph {
	return workflow.Graph{Nodes: g.Nodes, Edges: g.Edges}
}

type ExecutionRecord struct {
	ID             string           `gorm:"primaryKey;type:varchar(64)" json:"id"`
	WorkflowId     string           `gorm:"index" json:"workflowId"`
	ProjectId      string           `gorm:"index" json:"projectId"`
	Status         string           `json:"status"`
	Results        ExecutionResults `gorm:"type:json" json:"results"`
	ResultsVersion int              `json:"resultsVersion"`
	Logs           StringList       `gorm:"type:json" json:"logs"`
	ErrorMessage   string           `json:"errorMessage,omitempty"`
	JobHandle      string           `json:"jobHandle,omitempty"`
	StartedAt      *time.Time       `json:"startedAt,omitempty"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

func (ExecutionRecord) TableName() string {
	return "execution_record"
}
