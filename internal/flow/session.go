package flow

// Variable keys written by input capture.
const (
	VarLastInput    = "last_input"
	VarContactName  = "contact_name"
	VarContactPhone = "contact_phone"
	VarLatitude     = "latitude"
	VarLongitude    = "longitude"
)

// Session is the runtime state of one chat. It is never persisted.
type Session struct {
	ChatID      string
	CurrentNode string
	History     []string
	Variables   map[string]string
}

func newSession(chatID string) *Session {
	return &Session{ChatID: chatID, Variables: make(map[string]string)}
}

// reset rewinds the dialog to before the start node. Captured variables are
// kept for the lifetime of the worker.
func (s *Session) reset() {
	s.CurrentNode = ""
	s.History = s.History[:0]
}

func (s *Session) push(nodeID string) {
	if nodeID != "" {
		s.History = append(s.History, nodeID)
	}
}

func (s *Session) pop() (string, bool) {
	if len(s.History) == 0 {
		return "", false
	}
	last := s.History[len(s.History)-1]
	s.History = s.History[:len(s.History)-1]
	return last, true
}

// SessionTable holds the sessions of one worker. Events for a worker are
// processed sequentially, so the table is not safe for concurrent use.
type SessionTable struct {
	sessions map[string]*Session
}

// NewSessionTable creates an empty table.
func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[string]*Session)}
}

// Get returns the session of chatID if one exists.
func (t *SessionTable) Get(chatID string) (*Session, bool) {
	s, ok := t.sessions[chatID]
	return s, ok
}

// GetOrCreate returns the session of chatID, creating it on first contact.
func (t *SessionTable) GetOrCreate(chatID string) *Session {
	s, ok := t.sessions[chatID]
	if !ok {
		s = newSession(chatID)
		t.sessions[chatID] = s
	}
	return s
}

// Len reports the number of known chats.
func (t *SessionTable) Len() int {
	return len(t.sessions)
}
