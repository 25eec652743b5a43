package models

import (
	"errors"
	"fmt"
)

// NodeType tags the execution strategy of a graph node.
type NodeType string

const (
	NodeTypeSimple     NodeType = "simple"      // One executor call
	NodeTypeLoop       NodeType = "loop"        // Data-driven children, sequential or bounded-parallel
	NodeTypeParallel   NodeType = "parallel"    // Static children, run concurrently
	NodeTypeSubProcess NodeType = "sub_process" // Nested workflow definition
)

// LoopMode selects how loop children are dispatched.
type LoopMode string

const (
	LoopModeSequential LoopMode = "sequential"
	LoopModeParallel   LoopMode = "parallel"
)

// LoopItemsKey is the executor result key holding the collection a loop node
// fans out over.
const LoopItemsKey = "items"

// WorkflowGraph is the declarative node graph of a definition.
type WorkflowGraph struct {
	StartNodeID string            `json:"start_node_id" validate:"required"`
	Nodes       []*NodeDefinition `json:"nodes"         validate:"required,min=1"`
}

// NodeDefinition describes one node of the graph. Exactly one of the
// type-specific config fields is set, matching Type, so dispatchers can
// switch exhaustively over the union.
type NodeDefinition struct {
	ID                string                `json:"id"   validate:"required"`
	Name              string                `json:"name"`
	Type              NodeType              `json:"type" validate:"required"`
	Next              string                `json:"next,omitempty"` // "" ends the chain
	TimeoutSeconds    int                   `json:"timeout_seconds,omitempty"`
	MaxRetries        *int                  `json:"max_retries,omitempty"`
	RetryDelaySeconds *int                  `json:"retry_delay_seconds,omitempty"`
	Simple            *SimpleNodeConfig     `json:"simple,omitempty"`
	Loop              *LoopNodeConfig       `json:"loop,omitempty"`
	Parallel          *ParallelNodeConfig   `json:"parallel,omitempty"`
	SubProcess        *SubProcessNodeConfig `json:"sub_process,omitempty"`
}

// SimpleNodeConfig invokes one named executor.
type SimpleNodeConfig struct {
	Executor string         `json:"executor" validate:"required"`
	Config   map[string]any `json:"config,omitempty"`
}

// LoopNodeConfig fans a child executor out over a collection produced by the
// items executor.
type LoopNodeConfig struct {
	ItemsExecutor  string         `json:"items_executor" validate:"required"`
	ItemsConfig    map[string]any `json:"items_config,omitempty"`
	ChildExecutor  string         `json:"child_executor" validate:"required"`
	ChildConfig    map[string]any `json:"child_config,omitempty"`
	Mode           LoopMode       `json:"mode,omitempty"`
	MaxConcurrency int            `json:"max_concurrency,omitempty"` // 0 uses the engine default
	FailFast       bool           `json:"fail_fast,omitempty"`
}

// EffectiveMode returns the dispatch mode, defaulting to sequential.
func (c *LoopNodeConfig) EffectiveMode() LoopMode {
	if c.Mode == "" {
		return LoopModeSequential
	}

	return c.Mode
}

// ParallelNodeConfig runs static sibling nodes concurrently.
type ParallelNodeConfig struct {
	Children       []string `json:"children" validate:"required,min=1"` // Node ids in the same graph
	MaxConcurrency int      `json:"max_concurrency,omitempty"`          // 0 uses the engine default
	FailFast       bool     `json:"fail_fast,omitempty"`
}

// SubProcessNodeConfig delegates to a nested workflow definition.
type SubProcessNodeConfig struct {
	DefinitionName      string `json:"definition_name" validate:"required"`
	Version             string `json:"version,omitempty"` // "" resolves the active version
	PropagateCheckpoint bool   `json:"propagate_checkpoint,omitempty"`
}

// ExecutorBinding names an executor a node resolves at runtime together with
// the config it will receive.
type ExecutorBinding struct {
	NodeID   string
	Executor string
	Config   map[string]any
}

// Node resolves a node definition by id, or nil.
func (g *WorkflowGraph) Node(id string) *NodeDefinition {
	for _, node := range g.Nodes {
		if node.ID == id {
			return node
		}
	}

	return nil
}

// ExecutorBindings lists every executor binding in the graph. The registry
// resolves and validates these at definition-load time so a missing executor
// is a load error, not an execution error.
func (g *WorkflowGraph) ExecutorBindings() []ExecutorBinding {
	bindings := make([]ExecutorBinding, 0, len(g.Nodes))

	for _, node := range g.Nodes {
		switch {
		case node.Type == NodeTypeSimple && node.Simple != nil:
			bindings = append(bindings, ExecutorBinding{
				NodeID:   node.ID,
				Executor: node.Simple.Executor,
				Config:   node.Simple.Config,
			})
		case node.Type == NodeTypeLoop && node.Loop != nil:
			bindings = append(bindings,
				ExecutorBinding{
					NodeID:   node.ID,
					Executor: node.Loop.ItemsExecutor,
					Config:   node.Loop.ItemsConfig,
				},
				ExecutorBinding{
					NodeID:   node.ID,
					Executor: node.Loop.ChildExecutor,
					Config:   node.Loop.ChildConfig,
				})
		}
	}

	return bindings
}

// Validate checks structural well-formedness: the start node exists, ids are
// unique, next/children references resolve, each node carries exactly the
// config its type demands, and the main chain terminates.
func (g *WorkflowGraph) Validate() error {
	if g.StartNodeID == "" {
		return errors.New("graph has no start node")
	}

	if len(g.Nodes) == 0 {
		return errors.New("graph has no nodes")
	}

	byID := make(map[string]*NodeDefinition, len(g.Nodes))

	for _, node := range g.Nodes {
		if node.ID == "" {
			return errors.New("found node with empty id")
		}

		if _, dup := byID[node.ID]; dup {
			return fmt.Errorf("duplicate node id: %s", node.ID)
		}

		byID[node.ID] = node
	}

	if _, ok := byID[g.StartNodeID]; !ok {
		return fmt.Errorf("start node does not exist: %s", g.StartNodeID)
	}

	for _, node := range g.Nodes {
		if err := node.validateConfig(); err != nil {
			return fmt.Errorf("node %s: %w", node.ID, err)
		}

		if node.Next != "" {
			if _, ok := byID[node.Next]; !ok {
				return fmt.Errorf("node %s references non-existent next node: %s", node.ID, node.Next)
			}
		}

		if node.Type == NodeTypeParallel {
			for _, child := range node.Parallel.Children {
				if _, ok := byID[child]; !ok {
					return fmt.Errorf("node %s references non-existent child node: %s", node.ID, child)
				}

				if child == node.ID {
					return fmt.Errorf("node %s lists itself as a child", node.ID)
				}
			}
		}
	}

	// The main chain must terminate.
	seen := make(map[string]bool)

	for id := g.StartNodeID; id != ""; id = byID[id].Next {
		if seen[id] {
			return fmt.Errorf("main chain revisits node %s", id)
		}

		seen[id] = true
	}

	return nil
}

func (n *NodeDefinition) validateConfig() error {
	configs := 0

	for _, set := range []bool{n.Simple != nil, n.Loop != nil, n.Parallel != nil, n.SubProcess != nil} {
		if set {
			configs++
		}
	}

	if configs != 1 {
		return fmt.Errorf("expected exactly one node config, found %d", configs)
	}

	switch n.Type {
	case NodeTypeSimple:
		if n.Simple == nil {
			return errors.New("simple node without simple config")
		}

		if n.Simple.Executor == "" {
			return errors.New("simple node without executor")
		}
	case NodeTypeLoop:
		if n.Loop == nil {
			return errors.New("loop node without loop config")
		}

		if n.Loop.ItemsExecutor == "" || n.Loop.ChildExecutor == "" {
			return errors.New("loop node needs items and child executors")
		}

		switch n.Loop.Mode {
		case "", LoopModeSequential, LoopModeParallel:
		default:
			return fmt.Errorf("unknown loop mode: %s", n.Loop.Mode)
		}

		if n.Loop.MaxConcurrency < 0 {
			return errors.New("loop max_concurrency cannot be negative")
		}
	case NodeTypeParallel:
		if n.Parallel == nil {
			return errors.New("parallel node without parallel config")
		}

		if len(n.Parallel.Children) == 0 {
			return errors.New("parallel node without children")
		}
	case NodeTypeSubProcess:
		if n.SubProcess == nil {
			return errors.New("sub_process node without sub_process config")
		}

		if n.SubProcess.DefinitionName == "" {
			return errors.New("sub_process node without definition name")
		}
	default:
		return fmt.Errorf("unknown node type: %s", n.Type)
	}

	return nil
}
