package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"
)

type GraphNode struct {
	ID     string                 `json:"id"`
	Type   string                 `json:"type"`
	Config map[string]interface{} `json:"config,omitempty"`
}

type GraphEdge struct {
	SourceID   string `json:"source_id"`
	TargetID   string `json:"target_id"`
	SourcePort string `json:"source_port"`
	TargetPort string `json:"target_port"`
}

type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// CycleError reports that the graph cannot be ordered.
type CycleError struct {
	Remaining []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("workflow graph contains a cycle involving nodes %v", e.Remaining)
}

// ProgressFunc is invoked after each node finishes (or fails).
type ProgressFunc func(nodeID, status string, res NodeResult)

// Engine executes one graph strictly sequentially in topological order.
// Sequential execution keeps logs and the results map deterministic;
// parallel branches are a possible later extension.
type Engine struct {
	graph    Graph
	nodes    map[string]Node
	incoming map[string][]GraphEdge // keyed by target node id
	order    []string
}

// NewEngine instantiates every node through the registry. An unknown node
// type is a load error so a bad graph never fails halfway through a run.
func NewEngine(g Graph, reg Registry) (*Engine, error) {
	e := &Engine{
		graph:    g,
		nodes:    make(map[string]Node, len(g.Nodes)),
		incoming: make(map[string][]GraphEdge),
	}
	for _, gn := range g.Nodes {
		factory, ok := reg[gn.Type]
		if !ok {
			return nil, fmt.Errorf("unknown node type %q (node %s)", gn.Type, gn.ID)
		}
		node, err := factory(gn.Config)
		if err != nil {
			return nil, fmt.Errorf("build node %s: %w", gn.ID, err)
		}
		e.nodes[gn.ID] = node
	}
	for _, edge := range g.Edges {
		if _, ok := e.nodes[edge.SourceID]; !ok {
			return nil, fmt.Errorf("edge references unknown source node %s", edge.SourceID)
		}
		if _, ok := e.nodes[edge.TargetID]; !ok {
			return nil, fmt.Errorf("edge references unknown target node %s", edge.TargetID)
		}
		e.incoming[edge.TargetID] = append(e.incoming[edge.TargetID], edge)
	}
	return e, nil
}

// TopologicalSort orders the nodes with Kahn's algorithm. Returns a
// CycleError and no partial order when a cycle is present.
func (e *Engine) TopologicalSort() ([]string, error) {
	if e.order != nil {
		return e.order, nil
	}
	inDegree := make(map[string]int, len(e.nodes))
	adjacent := make(map[string][]string)
	for id := range e.nodes {
		inDegree[id] = 0
	}
	for _, edge := range e.graph.Edges {
		inDegree[edge.TargetID]++
		adjacent[edge.SourceID] = append(adjacent[edge.SourceID], edge.TargetID)
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	// stable order for equal in-degrees keeps runs reproducible
	sort.Strings(queue)

	order := make([]string, 0, len(e.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		next := adjacent[id]
		sort.Strings(next)
		for _, target := range next {
			inDegree[target]--
			if inDegree[target] == 0 {
				queue = append(queue, target)
			}
		}
	}

	if len(order) < len(e.nodes) {
		var remaining []string
		for id, deg := range inDegree {
			if deg > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, &CycleError{Remaining: remaining}
	}
	e.order = order
	return order, nil
}

// Execute runs every node in topological order. The first failure stops the
// run; the failed node is recorded in the returned map and the error
// propagates. Nodes after the failed one never execute.
func (e *Engine) Execute(ctx context.Context, progress ProgressFunc) (ResultMap, error) {
	order, err := e.TopologicalSort()
	if err != nil {
		return nil, err
	}
	return e.run(ctx, order, ResultMap{}, progress)
}

// ResumeFrom re-executes only the suffix of the topological order strictly
// after nodeID, reusing prior results for upstream lookups. Nodes before and
// at nodeID are not re-run.
func (e *Engine) ResumeFrom(ctx context.Context, nodeID string, prior ResultMap, progress ProgressFunc) (ResultMap, error) {
	order, err := e.TopologicalSort()
	if err != nil {
		return nil, err
	}
	idx := -1
	for i, id := range order {
		if id == nodeID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("node %s not in graph", nodeID)
	}
	results := ResultMap{}
	for id, res := range prior {
		results[id] = res
	}
	return e.run(ctx, order[idx+1:], results, progress)
}

func (e *Engine) run(ctx context.Context, order []string, results ResultMap, progress ProgressFunc) (ResultMap, error) {
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		inputs, err := e.resolveInputs(id, results)
		if err != nil {
			res := NodeResult{Status: NodeStatusFailed, Error: err.Error(), Timestamp: time.Now()}
			results[id] = res
			if progress != nil {
				progress(id, NodeStatusFailed, res)
			}
			return results, fmt.Errorf("node %s: %w", id, err)
		}

		outputs, err := e.nodes[id].Execute(ctx, inputs)
		if err != nil {
			res := NodeResult{Status: NodeStatusFailed, Error: err.Error(), Timestamp: time.Now()}
			results[id] = res
			if progress != nil {
				progress(id, NodeStatusFailed, res)
			}
			return results, fmt.Errorf("node %s: %w", id, err)
		}

		res := NodeResult{Status: NodeStatusCompleted, Outputs: outputs, Timestamp: time.Now()}
		results[id] = res
		if progress != nil {
			progress(id, NodeStatusCompleted, res)
		}
	}
	return results, nil
}

// resolveInputs maps each incoming edge's source port onto the target port,
// reading from the outputs already recorded for the upstream node.
func (e *Engine) resolveInputs(nodeID string, results ResultMap) (Inputs, error) {
	inputs := Inputs{}
	for _, edge := range e.incoming[nodeID] {
		upstream, ok := results[edge.SourceID]
		if !ok || upstream.Status != NodeStatusCompleted {
			return nil, fmt.Errorf("upstream node %s has no recorded output", edge.SourceID)
		}
		port, ok := upstream.Outputs[edge.SourcePort]
		if !ok {
			return nil, fmt.Errorf("upstream node %s has no output port %q", edge.SourceID, edge.SourcePort)
		}
		inputs[edge.TargetPort] = port
	}
	return inputs, nil
}
