package workflow

import (
	"context"
	"fmt"
	"time"
)

const (
	PortKindURL  = "url"
	PortKindFile = "file"
)

// Port is the tagged payload passed between nodes.
type Port struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

type Inputs map[string]Port
type Outputs map[string]Port

// Node is one unit of work in a user-assembled graph.
type Node interface {
	Execute(ctx context.Context, in Inputs) (Outputs, error)
}

// Factory builds a node instance from its graph config.
type Factory func(config map[string]interface{}) (Node, error)

// Registry is the closed set of node types. Built once at startup, never
// mutated afterwards; unknown types are rejected at load time.
type Registry map[string]Factory

const (
	NodeStatusCompleted = "completed"
	NodeStatusFailed    = "failed"
)

// NodeResult is what execution records per node.
type NodeResult struct {
	Status    string    `json:"status"`
	Outputs   Outputs   `json:"outputs,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ResultMap is keyed by node id.
type ResultMap map[string]NodeResult

// Generator dispatches one generation call to the external worker. The
// concrete client lives in the service layer; nodes only see this.
type Generator interface {
	Generate(ctx context.Context, stageType string, input map[string]interface{}) (map[string]interface{}, error)
}

// DefaultRegistry returns the built-in node set. gen may be nil when the
// registry is only used for validation; the generate node then fails at
// execute time, not load time.
func DefaultRegistry(gen Generator) Registry {
	return Registry{
		"input":    newInputNode,
		"merge":    newMergeNode,
		"output":   newOutputNode,
		"generate": newGenerateFactory(gen),
	}
}

// inputNode emits its configured payload on a single port.
type inputNode struct {
	port string
	out  Port
}

func newInputNode(config map[string]interface{}) (Node, error) {
	n := &inputNode{port: "out"}
	if p, ok := config["port"].(string); ok && p != "" {
		n.port = p
	}
	kind, _ := config["kind"].(string)
	if kind == "" {
		kind = PortKindURL
	}
	value, _ := config["value"].(string)
	if value == "" {
		return nil, fmt.Errorf("input node requires a value")
	}
	n.out = Port{Kind: kind, Value: value}
	return n, nil
}

func (n *inputNode) Execute(ctx context.Context, in Inputs) (Outputs, error) {
	return Outputs{n.port: n.out}, nil
}

// mergeNode forwards every input port under its own name, so downstream
// nodes can pick from the combined set.
type mergeNode struct{}

func newMergeNode(config map[string]interface{}) (Node, error) {
	return &mergeNode{}, nil
}

func (n *mergeNode) Execute(ctx context.Context, in Inputs) (Outputs, error) {
	out := Outputs{}
	for name, p := range in {
		out[name] = p
	}
	return out, nil
}

// outputNode is a terminal collector.
type outputNode struct{}

func newOutputNode(config map[string]interface{}) (Node, error) {
	return &outputNode{}, nil
}

func (n *outputNode) Execute(ctx context.Context, in Inputs) (Outputs, error) {
	out := Outputs{}
	for name, p := range in {
		out[name] = p
	}
	return out, nil
}

// generateNode calls the external generation worker with its configured
// stage type, passing input ports as parameters.
type generateNode struct {
	gen       Generator
	stageType string
	config    map[string]interface{}
}

func newGenerateFactory(gen Generator) Factory {
	return func(config map[string]interface{}) (Node, error) {
		stageType, _ := config["stage_type"].(string)
		if stageType == "" {
			return nil, fmt.Errorf("generate node requires stage_type")
		}
		return &generateNode{gen: gen, stageType: stageType, config: config}, nil
	}
}

func (n *generateNode) Execute(ctx context.Context, in Inputs) (Outputs, error) {
	if n.gen == nil {
		return nil, fmt.Errorf("no generator configured")
	}
	params := map[string]interface{}{}
	for k, v := range n.config {
		if k == "stage_type" {
			continue
		}
		params[k] = v
	}
	for name, p := range in {
		params[name] = p.Value
	}
	result, err := n.gen.Generate(ctx, n.stageType, params)
	if err != nil {
		return nil, err
	}
	out := Outputs{}
	for k, v := range result {
		if s, ok := v.(string); ok {
			out[k] = Port{Kind: PortKindURL, Value: s}
		}
	}
	return out, nil
}
