package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/sidekick/runtime/events"
)

type (
	// Session is an independent conversation with its own message ledger.
	// Snapshots returned by the store are deep copies; callers never observe
	// in-place mutation.
	Session struct {
		// ID is an opaque identifier.
		ID string `json:"id"`
		// ParentID is set on forked sessions.
		ParentID string `json:"parentID,omitempty"`
		// CreatedAt and UpdatedAt are Unix milliseconds.
		CreatedAt int64 `json:"createdAt"`
		UpdatedAt int64 `json:"updatedAt"`
		// Provider and Model record the session's model selection.
		Provider string `json:"provider,omitempty"`
		Model    string `json:"model,omitempty"`
		// System is the system prompt configuration.
		System string `json:"system,omitempty"`
		// Messages is the append-only ordered ledger.
		Messages []*Message `json:"messages"`
	}

	// Message is one entry in a session ledger.
	Message struct {
		ID        string  `json:"id"`
		SessionID string  `json:"sessionID"`
		Role      string  `json:"role"`
		CreatedAt int64   `json:"createdAt"`
		Parts     []*Part `json:"parts"`
	}

	// Store owns all active sessions. Mutations are serialized per session;
	// cross-session operations take a short-lived registry lock. Every
	// mutation publishes a snapshot event on the bus.
	Store struct {
		mu       sync.RWMutex
		sessions map[string]*tracked
		bus      *events.Bus
	}

	// Options configures session creation.
	Options struct {
		Provider string
		Model    string
		System   string
	}

	tracked struct {
		mu      sync.Mutex
		session *Session
		// callIDs tracks tool call IDs ever seen in the session so they are
		// never reused.
		callIDs map[string]struct{}
	}
)

// ErrNotFound is returned when a session ID is unknown.
type ErrNotFound struct{ ID string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("session %q not found", e.ID) }

// NewStore constructs a Store publishing to the given bus.
func NewStore(bus *events.Bus) *Store {
	return &Store{sessions: make(map[string]*tracked), bus: bus}
}

// Create builds a new session and returns its snapshot.
func (s *Store) Create(opts Options) *Session {
	now := time.Now().UnixMilli()
	sess := &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Provider:  opts.Provider,
		Model:     opts.Model,
		System:    opts.System,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = &tracked{session: sess, callIDs: make(map[string]struct{})}
	s.mu.Unlock()
	return sess.clone()
}

// Get returns a snapshot of the session, or ErrNotFound.
func (s *Store) Get(id string) (*Session, error) {
	tr, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.session.clone(), nil
}

// Fork deep-copies the session history into a new session whose ParentID
// references the original. Tool call IDs are copied too so forked histories
// keep their uniqueness guarantee.
func (s *Store) Fork(id string) (*Session, error) {
	tr, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	tr.mu.Lock()
	src := tr.session.clone()
	ids := make(map[string]struct{}, len(tr.callIDs))
	for k := range tr.callIDs {
		ids[k] = struct{}{}
	}
	tr.mu.Unlock()

	now := time.Now().UnixMilli()
	fork := src
	fork.ID = uuid.NewString()
	fork.ParentID = id
	fork.CreatedAt = now
	fork.UpdatedAt = now
	for _, m := range fork.Messages {
		m.SessionID = fork.ID
		for _, p := range m.Parts {
			p.SessionID = fork.ID
		}
	}

	s.mu.Lock()
	s.sessions[fork.ID] = &tracked{session: fork, callIDs: ids}
	s.mu.Unlock()
	return fork.clone(), nil
}

// ListRecent returns session snapshots ordered by UpdatedAt descending.
func (s *Store) ListRecent() []*Session {
	s.mu.RLock()
	all := make([]*tracked, 0, len(s.sessions))
	for _, tr := range s.sessions {
		all = append(all, tr)
	}
	s.mu.RUnlock()

	out := make([]*Session, 0, len(all))
	for _, tr := range all {
		tr.mu.Lock()
		out = append(out, tr.session.clone())
		tr.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out
}

// AppendMessage appends a new empty message with the given role and returns
// its snapshot. Publishes message.created.
func (s *Store) AppendMessage(sessionID, role string) (*Message, error) {
	tr, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	msg := &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		CreatedAt: time.Now().UnixMilli(),
	}
	tr.mu.Lock()
	tr.session.Messages = append(tr.session.Messages, msg)
	tr.session.UpdatedAt = msg.CreatedAt
	snapshot := msg.clone()
	tr.mu.Unlock()

	s.bus.Publish(events.NewMessageCreated(sessionID, msg.ID, role))
	return snapshot, nil
}

// AppendPart validates the part against the authoritative schema, appends it
// to the identified message, and publishes message.part.updated with a deep
// snapshot. Tool parts must carry a call ID never used before in the session.
func (s *Store) AppendPart(sessionID, messageID string, part *Part) (*Part, error) {
	tr, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	if part.ID == "" {
		part.ID = uuid.NewString()
	}
	part.SessionID = sessionID
	part.MessageID = messageID
	if err := Validate(part); err != nil {
		return nil, err
	}

	tr.mu.Lock()
	msg := tr.findMessage(messageID)
	if msg == nil {
		tr.mu.Unlock()
		return nil, fmt.Errorf("message %q not found in session %q", messageID, sessionID)
	}
	if part.Kind == KindTool {
		if _, dup := tr.callIDs[part.CallID]; dup {
			tr.mu.Unlock()
			return nil, fmt.Errorf("tool call id %q already used in session %q", part.CallID, sessionID)
		}
		tr.callIDs[part.CallID] = struct{}{}
	}
	msg.Parts = append(msg.Parts, part)
	tr.session.UpdatedAt = time.Now().UnixMilli()
	snapshot := part.Clone()
	tr.mu.Unlock()

	s.bus.Publish(events.NewPartUpdated(sessionID, messageID, snapshot))
	return snapshot, nil
}

// UpdatePart applies mutate to a non-terminal part under the session lock,
// re-validates the result, and publishes the new snapshot. Terminal parts are
// immutable; tool status changes must follow the state machine.
func (s *Store) UpdatePart(sessionID, partID string, mutate func(*Part) error) (*Part, error) {
	tr, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	tr.mu.Lock()
	part, messageID := tr.findPart(partID)
	if part == nil {
		tr.mu.Unlock()
		return nil, fmt.Errorf("part %q not found in session %q", partID, sessionID)
	}
	if part.Terminal() {
		tr.mu.Unlock()
		return nil, fmt.Errorf("part %q is terminal and immutable", partID)
	}
	var before ToolStatus
	if part.State != nil {
		before = part.State.Status
	}
	// Mutate a copy so a failed validation leaves the ledger untouched.
	next := part.Clone()
	if err := mutate(next); err != nil {
		tr.mu.Unlock()
		return nil, err
	}
	next.ID, next.SessionID, next.MessageID, next.Kind = part.ID, part.SessionID, part.MessageID, part.Kind
	if err := Validate(next); err != nil {
		tr.mu.Unlock()
		return nil, err
	}
	if next.Kind == KindTool && next.State.Status != before {
		if !CanTransition(before, next.State.Status) {
			tr.mu.Unlock()
			return nil, fmt.Errorf("illegal tool status transition %q -> %q", before, next.State.Status)
		}
	}
	*part = *next
	tr.session.UpdatedAt = time.Now().UnixMilli()
	snapshot := part.Clone()
	tr.mu.Unlock()

	s.bus.Publish(events.NewPartUpdated(sessionID, messageID, snapshot))
	return snapshot, nil
}

func (s *Store) lookup(id string) (*tracked, error) {
	s.mu.RLock()
	tr, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	return tr, nil
}

func (tr *tracked) findMessage(id string) *Message {
	for _, m := range tr.session.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (tr *tracked) findPart(id string) (*Part, string) {
	for _, m := range tr.session.Messages {
		for _, p := range m.Parts {
			if p.ID == id {
				return p, m.ID
			}
		}
	}
	return nil, ""
}

func (sess *Session) clone() *Session {
	out := *sess
	out.Messages = make([]*Message, len(sess.Messages))
	for i, m := range sess.Messages {
		out.Messages[i] = m.clone()
	}
	return &out
}

func (m *Message) clone() *Message {
	out := *m
	out.Parts = make([]*Part, len(m.Parts))
	for i, p := range m.Parts {
		out.Parts[i] = p.Clone()
	}
	return &out
}
