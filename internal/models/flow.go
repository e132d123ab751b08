// Package models defines the core data structures shared across the MaxBot runtime.
//
// The flow types mirror the JSON document authored in the visual flow editor. Field
// names are part of the persisted format and must round-trip exactly.
package models

import (
	"errors"
	"fmt"
)

// NodeType identifies how a node behaves when it is rendered.
type NodeType string

const (
	// NodeTypeMessage sends text and optional buttons.
	NodeTypeMessage NodeType = "message"
	// NodeTypeMenu sends text with a set of buttons.
	NodeTypeMenu NodeType = "menu"
	// NodeTypeUniversal is the editor's general-purpose node; rendered like a message.
	NodeTypeUniversal NodeType = "universal"
	// NodeTypeTransform runs transformations and advances without sending anything.
	NodeTypeTransform NodeType = "transform"
)

// ButtonType identifies the client-side behavior of a button.
type ButtonType string

const (
	// ButtonTypeCallback sends a callback payload back to the bot.
	ButtonTypeCallback ButtonType = "callback"
	// ButtonTypeLink opens a URL on the client.
	ButtonTypeLink ButtonType = "link"
	// ButtonTypeOpenApp launches a mini-app on the client.
	ButtonTypeOpenApp ButtonType = "open_app"
)

// TextFormat is the render hint attached to outbound text.
type TextFormat string

const (
	FormatMarkdown TextFormat = "markdown"
	FormatHTML     TextFormat = "html"
	FormatPlain    TextFormat = "plain"
)

// Flow validation errors. The store refuses to persist a flow that fails these
// checks and the supervisor refuses to start a bot with one.
var (
	ErrEmptyFlow   = errors.New("flow must contain at least one node")
	ErrNoStartNode = errors.New("flow must contain a node with isStart set")
)

// Button is a control attached to a node.
type Button struct {
	ID         string     `json:"id" yaml:"id"`
	Text       string     `json:"text" yaml:"text"`
	Type       ButtonType `json:"type,omitempty" yaml:"type,omitempty"`
	URL        string     `json:"url,omitempty" yaml:"url,omitempty"`
	App        string     `json:"app,omitempty" yaml:"app,omitempty"`
	AppPayload string     `json:"appPayload,omitempty" yaml:"appPayload,omitempty"`
	IsBack     bool       `json:"isBack,omitempty" yaml:"isBack,omitempty"`

	// NextNodeID is the editor's own link hint. Routing uses connections only.
	NextNodeID string `json:"nextNodeId,omitempty" yaml:"nextNodeId,omitempty"`
}

// EffectiveType returns the button type, defaulting to callback.
func (b Button) EffectiveType() ButtonType {
	if b.Type == "" {
		return ButtonTypeCallback
	}
	return b.Type
}

// Transformation assigns the result of an expression to a session variable.
type Transformation struct {
	Variable   string `json:"variable" yaml:"variable"`
	Expression string `json:"expression" yaml:"expression"`
}

// Node is one dialog state of a flow.
type Node struct {
	ID              string           `json:"id" yaml:"id"`
	Type            NodeType         `json:"type" yaml:"type"`
	Text            string           `json:"text" yaml:"text"`
	Format          TextFormat       `json:"format,omitempty" yaml:"format,omitempty"`
	IsStart         bool             `json:"isStart" yaml:"isStart"`
	CollectInput    bool             `json:"collectInput,omitempty" yaml:"collectInput,omitempty"`
	InputVariable   string           `json:"inputVariable,omitempty" yaml:"inputVariable,omitempty"`
	Buttons         []Button         `json:"buttons,omitempty" yaml:"buttons,omitempty"`
	Transformations []Transformation `json:"transformations,omitempty" yaml:"transformations,omitempty"`

	// Editor canvas position; carried through so saving a loaded flow is lossless.
	X float64 `json:"x,omitempty" yaml:"x,omitempty"`
	Y float64 `json:"y,omitempty" yaml:"y,omitempty"`
}

// EffectiveFormat returns the node's text format, defaulting to markdown.
func (n Node) EffectiveFormat() TextFormat {
	if n.Format == "" {
		return FormatMarkdown
	}
	return n.Format
}

// Button finds a button on the node by id.
func (n *Node) Button(id string) (*Button, bool) {
	for i := range n.Buttons {
		if n.Buttons[i].ID == id {
			return &n.Buttons[i], true
		}
	}
	return nil, false
}

// Connection is a directed edge between two nodes. An empty ButtonID marks an
// unconditional auto-advance edge.
type Connection struct {
	From     string `json:"from" yaml:"from"`
	To       string `json:"to" yaml:"to"`
	ButtonID string `json:"buttonId,omitempty" yaml:"buttonId,omitempty"`
}

// Flow is a bot's dialog graph.
type Flow struct {
	Nodes       []Node       `json:"nodes" yaml:"nodes"`
	Connections []Connection `json:"connections" yaml:"connections"`
}

// Validate checks the minimum a runnable flow needs: at least one node and a start node.
func (f *Flow) Validate() error {
	if f == nil || len(f.Nodes) == 0 {
		return ErrEmptyFlow
	}
	if _, ok := f.StartNode(); !ok {
		return ErrNoStartNode
	}
	return nil
}

// StartNode returns the first node flagged as the start node.
func (f *Flow) StartNode() (*Node, bool) {
	for i := range f.Nodes {
		if f.Nodes[i].IsStart {
			return &f.Nodes[i], true
		}
	}
	return nil, false
}

// Node looks up a node by id.
func (f *Flow) Node(id string) (*Node, bool) {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i], true
		}
	}
	return nil, false
}

// ButtonConnection finds the edge fired by buttonID while at node from. Edges
// saved without a source node match on the button id alone.
func (f *Flow) ButtonConnection(from, buttonID string) (*Connection, bool) {
	for i := range f.Connections {
		c := &f.Connections[i]
		if c.ButtonID != buttonID {
			continue
		}
		if c.From == "" || c.From == from {
			return c, true
		}
	}
	return nil, false
}

// AutoConnection finds the unconditional outgoing edge of node from.
func (f *Flow) AutoConnection(from string) (*Connection, bool) {
	for i := range f.Connections {
		c := &f.Connections[i]
		if c.ButtonID == "" && c.From == from {
			return c, true
		}
	}
	return nil, false
}

// Lint reports structural problems that do not prevent the flow from running:
// duplicate node ids, edges pointing at missing nodes and buttons without edges.
func (f *Flow) Lint() []string {
	var problems []string
	seen := make(map[string]bool, len(f.Nodes))
	starts := 0
	for _, n := range f.Nodes {
		if seen[n.ID] {
			problems = append(problems, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		seen[n.ID] = true
		if n.IsStart {
			starts++
		}
	}
	if starts > 1 {
		problems = append(problems, fmt.Sprintf("%d nodes are marked as start", starts))
	}
	for _, c := range f.Connections {
		if c.From != "" && !seen[c.From] {
			problems = append(problems, fmt.Sprintf("connection source %q does not exist", c.From))
		}
		if !seen[c.To] {
			problems = append(problems, fmt.Sprintf("connection target %q does not exist", c.To))
		}
	}
	for _, n := range f.Nodes {
		for _, b := range n.Buttons {
			if b.EffectiveType() != ButtonTypeCallback || b.IsBack {
				continue
			}
			if _, ok := f.ButtonConnection(n.ID, b.ID); !ok {
				problems = append(problems, fmt.Sprintf("button %q on node %q has no connection", b.ID, n.ID))
			}
		}
	}
	return problems
}
