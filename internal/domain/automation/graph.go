package automation

import (
	"encoding/json"
	"fmt"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one step of a workflow graph. Data carries the type-specific
// configuration; it is decoded into a NodeConfig variant when the node is
// unmarshalled so executors never type-assert on open maps.
type Node struct {
	ID       string          `json:"id"`
	Type     NodeType        `json:"type"`
	Position Position        `json:"position"`
	Data     json.RawMessage `json:"data,omitempty"`

	config    NodeConfig
	configErr error
}

type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NewNode builds a node from a typed configuration.
func NewNode(id string, cfg NodeConfig) Node {
	data, err := json.Marshal(cfg)
	return Node{
		ID:        id,
		Type:      cfg.NodeType(),
		Data:      data,
		config:    cfg,
		configErr: err,
	}
}

func (n *Node) UnmarshalJSON(b []byte) error {
	type alias Node
	var raw alias
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*n = Node(raw)
	n.config, n.configErr = decodeNodeConfig(n.Type, n.Data)
	return nil
}

// Config returns the decoded configuration of the node, or the error that
// prevented decoding it.
func (n *Node) Config() (NodeConfig, error) {
	if n.config == nil && n.configErr == nil {
		n.config, n.configErr = decodeNodeConfig(n.Type, n.Data)
	}
	return n.config, n.configErr
}

// NodeByID returns the node with the given id.
func (g *Graph) NodeByID(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// StartNode returns the first START node of the graph.
func (g *Graph) StartNode() (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].Type == NodeTypeStart {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// Adjacency maps each source node id to its targets in edge order.
func (g *Graph) Adjacency() map[string][]string {
	adj := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	return adj
}

// DefaultEdgeTarget returns the target of the first unlabeled edge leaving
// the node.
func (g *Graph) DefaultEdgeTarget(nodeID string) (string, bool) {
	for _, e := range g.Edges {
		if e.Source == nodeID && e.Label == "" {
			return e.Target, true
		}
	}
	return "", false
}

func (g *Graph) String() string {
	return fmt.Sprintf("graph(nodes=%d, edges=%d)", len(g.Nodes), len(g.Edges))
}
