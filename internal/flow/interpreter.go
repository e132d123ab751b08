package flow

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/kuleshov01/new-max-bot/internal/expr"
	"github.com/kuleshov01/new-max-bot/internal/models"
)

// DefaultMaxHops bounds how many nodes a single event may render. Auto-advance
// chains longer than this are treated as a cycle and stop where they are.
const DefaultMaxHops = 32

// Interpreter drives the chats of one bot through its flow.
type Interpreter struct {
	flow        *models.Flow
	startID     string
	sessions    *SessionTable
	logger      *slog.Logger
	restriction *TextRestriction
	maxHops     int
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithLogger sets the logger used for flow defects and ignored input.
func WithLogger(l *slog.Logger) Option {
	return func(in *Interpreter) {
		if l != nil {
			in.logger = l
		}
	}
}

// WithTextRestriction warns users who type where a button press is expected.
func WithTextRestriction(r *TextRestriction) Option {
	return func(in *Interpreter) { in.restriction = r }
}

// WithMaxHops overrides DefaultMaxHops.
func WithMaxHops(n int) Option {
	return func(in *Interpreter) {
		if n > 0 {
			in.maxHops = n
		}
	}
}

// WithSessionTable makes the interpreter use an existing session table.
func WithSessionTable(t *SessionTable) Option {
	return func(in *Interpreter) {
		if t != nil {
			in.sessions = t
		}
	}
}

// NewInterpreter builds an interpreter for f. The flow must have a start node.
func NewInterpreter(f *models.Flow, opts ...Option) (*Interpreter, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	start, _ := f.StartNode()
	in := &Interpreter{
		flow:     f,
		startID:  start.ID,
		sessions: NewSessionTable(),
		logger:   slog.Default(),
		maxHops:  DefaultMaxHops,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in, nil
}

// Sessions exposes the session table, mostly for inspection in tests.
func (in *Interpreter) Sessions() *SessionTable {
	return in.sessions
}

// OnEvent applies ev to the session of chatID and returns the messages to send.
// Flow defects are logged and leave the chat where it is; they never panic.
func (in *Interpreter) OnEvent(chatID string, ev Event) []Outbound {
	sess := in.sessions.GetOrCreate(chatID)
	st := &step{in: in, sess: sess}

	switch e := ev.(type) {
	case StartCommand:
		in.logger.Info("Interpreter.OnEvent: start command", "chat_id", chatID)
		sess.reset()
		st.render(in.startID)
	case ButtonPress:
		in.onButton(st, e)
	case Text:
		in.onText(st, e)
	case ContactReceived:
		in.logger.Info("Interpreter.OnEvent: contact received", "chat_id", chatID, "node", sess.CurrentNode)
		sess.Variables[VarContactName] = e.Name
		sess.Variables[VarContactPhone] = e.Phone
		st.advance()
	case LocationReceived:
		in.logger.Info("Interpreter.OnEvent: location received", "chat_id", chatID, "node", sess.CurrentNode)
		sess.Variables[VarLatitude] = strconv.FormatFloat(e.Latitude, 'f', -1, 64)
		sess.Variables[VarLongitude] = strconv.FormatFloat(e.Longitude, 'f', -1, 64)
		st.advance()
	default:
		in.logger.Warn("Interpreter.OnEvent: unsupported event", "chat_id", chatID)
	}
	return st.out
}

func (in *Interpreter) onButton(st *step, e ButtonPress) {
	sess := st.sess
	if !strings.HasPrefix(e.Payload, ButtonPayloadPrefix) {
		in.logger.Debug("Interpreter.onButton: ignoring foreign payload", "chat_id", sess.ChatID, "payload", e.Payload)
		return
	}
	buttonID := strings.TrimPrefix(e.Payload, ButtonPayloadPrefix)
	if sess.CurrentNode == "" {
		in.logger.Warn("Interpreter.onButton: button pressed before start", "chat_id", sess.ChatID, "button", buttonID)
		return
	}
	node, ok := in.flow.Node(sess.CurrentNode)
	if !ok {
		in.logger.Warn("Interpreter.onButton: current node missing from flow", "chat_id", sess.ChatID, "node", sess.CurrentNode)
		return
	}
	btn, ok := node.Button(buttonID)
	if !ok {
		in.logger.Warn("Interpreter.onButton: button not on current node", "chat_id", sess.ChatID, "node", node.ID, "button", buttonID)
		return
	}

	switch btn.EffectiveType() {
	case models.ButtonTypeLink, models.ButtonTypeOpenApp:
		return
	}

	if btn.IsBack {
		st.render(in.backTarget(sess))
		return
	}

	conn, ok := in.flow.ButtonConnection(node.ID, buttonID)
	if !ok {
		in.logger.Warn("Interpreter.onButton: no connection for button", "chat_id", sess.ChatID, "node", node.ID, "button", buttonID)
		return
	}
	sess.push(node.ID)
	st.render(conn.To)
}

// backTarget pops history until it reaches a node that waits for the user.
// Pass-through nodes are skipped; rendering one would auto-advance straight
// back to where the user came from. An exhausted history yields the start node.
func (in *Interpreter) backTarget(sess *Session) string {
	for {
		prev, ok := sess.pop()
		if !ok {
			return in.startID
		}
		if in.passesThrough(prev) {
			in.logger.Debug("Interpreter.backTarget: skipping pass-through node", "chat_id", sess.ChatID, "node", prev)
			continue
		}
		return prev
	}
}

// passesThrough reports whether rendering nodeID immediately moves on.
func (in *Interpreter) passesThrough(nodeID string) bool {
	node, ok := in.flow.Node(nodeID)
	if !ok || waitsForUser(node) {
		return false
	}
	_, auto := in.flow.AutoConnection(node.ID)
	return auto
}

func (in *Interpreter) onText(st *step, e Text) {
	sess := st.sess
	node, ok := in.flow.Node(sess.CurrentNode)
	if !ok || !node.CollectInput {
		in.logger.Info("Interpreter.onText: text not expected here", "chat_id", sess.ChatID, "node", sess.CurrentNode, "length", len(e.Body))
		if in.restriction.ShouldRestrict(e.Body) {
			st.out = append(st.out, Outbound{ChatID: sess.ChatID, Text: in.restriction.Warning(), Format: models.FormatMarkdown})
		}
		return
	}
	sess.Variables[VarLastInput] = e.Body
	if node.InputVariable != "" {
		sess.Variables[node.InputVariable] = e.Body
	}
	st.advance()
}

// step accumulates the effects of one event.
type step struct {
	in   *Interpreter
	sess *Session
	out  []Outbound
	hops int
}

// render shows nodeID and keeps following unconditional edges while the
// rendered node does not wait for the user.
func (st *step) render(nodeID string) {
	in, sess := st.in, st.sess
	for {
		st.hops++

		node, ok := in.flow.Node(nodeID)
		if !ok {
			in.logger.Warn("Interpreter.render: node not found", "chat_id", sess.ChatID, "node", nodeID)
			return
		}
		sess.CurrentNode = node.ID

		if node.Type == models.NodeTypeTransform {
			st.transform(node)
		} else {
			st.compose(node)
		}

		if waitsForUser(node) {
			return
		}
		conn, ok := in.flow.AutoConnection(node.ID)
		if !ok {
			return
		}
		if st.hops >= in.maxHops {
			in.logger.Warn("Interpreter.render: hop limit reached, possible auto-advance cycle",
				"chat_id", sess.ChatID, "node", node.ID, "limit", in.maxHops)
			return
		}
		sess.push(node.ID)
		nodeID = conn.To
	}
}

// advance follows the unconditional edge of the current node, if any.
func (st *step) advance() {
	sess := st.sess
	if sess.CurrentNode == "" {
		return
	}
	conn, ok := st.in.flow.AutoConnection(sess.CurrentNode)
	if !ok {
		st.in.logger.Debug("Interpreter.advance: no outgoing edge, idling", "chat_id", sess.ChatID, "node", sess.CurrentNode)
		return
	}
	sess.push(sess.CurrentNode)
	st.render(conn.To)
}

func (st *step) compose(node *models.Node) {
	vars := st.sess.Variables
	text := expr.Render(node.Text, vars)
	if strings.TrimSpace(text) == "" && len(node.Buttons) == 0 {
		st.in.logger.Debug("Interpreter.compose: empty node, nothing to send", "chat_id", st.sess.ChatID, "node", node.ID)
		return
	}
	var buttons []models.Button
	if len(node.Buttons) > 0 {
		buttons = make([]models.Button, len(node.Buttons))
		for i, b := range node.Buttons {
			b.Text = expr.Render(b.Text, vars)
			buttons[i] = b
		}
	}
	st.out = append(st.out, Outbound{
		ChatID:  st.sess.ChatID,
		Text:    text,
		Format:  node.EffectiveFormat(),
		Buttons: buttons,
	})
}

// transform runs the node's transformations in order. Each one sees the
// results of the ones before it; a failing one assigns nothing.
func (st *step) transform(node *models.Node) {
	vars := st.sess.Variables
	for _, t := range node.Transformations {
		if t.Variable == "" {
			st.in.logger.Warn("Interpreter.transform: transformation without variable", "node", node.ID)
			continue
		}
		v, err := expr.Evaluate(t.Expression, vars)
		if err != nil {
			st.in.logger.Warn("Interpreter.transform: expression failed",
				"chat_id", st.sess.ChatID, "node", node.ID, "variable", t.Variable, "error", err)
			continue
		}
		vars[t.Variable] = v
	}
}

// waitsForUser reports whether a rendered node stops auto-advance. Buttons take
// precedence over unconditional edges, and input nodes wait for their capture.
func waitsForUser(node *models.Node) bool {
	if node.Type == models.NodeTypeTransform {
		return false
	}
	return len(node.Buttons) > 0 || node.CollectInput
}
