package session

import (
	"context"
	"sync"
)

// Store maps chat ids to sessions. Access to one chat's session is
// serialized; different chats proceed independently.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	ceiling int
}

type entry struct {
	lock    chan struct{}
	session *Session
}

// NewStore creates an empty store whose sessions cap conversations at ceiling.
func NewStore(ceiling int) *Store {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Store{
		entries: make(map[string]*entry),
		ceiling: ceiling,
	}
}

func (st *Store) entry(chatID string) *entry {
	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.entries[chatID]
	if !ok {
		e = &entry{
			lock:    make(chan struct{}, 1),
			session: newSession(chatID, st.ceiling),
		}
		st.entries[chatID] = e
	}
	return e
}

// With runs fn with exclusive access to the session of chatID, creating an
// idle session on first use. It returns ctx.Err() if the lock could not be
// acquired before ctx is done.
func (st *Store) With(ctx context.Context, chatID string, fn func(*Session) error) error {
	e := st.entry(chatID)

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.lock }()

	return fn(e.session)
}

// Snapshot returns a copy of the session of chatID, or false if the chat has
// never been seen.
func (st *Store) Snapshot(ctx context.Context, chatID string) (Session, bool, error) {
	st.mu.Lock()
	_, ok := st.entries[chatID]
	st.mu.Unlock()
	if !ok {
		return Session{}, false, nil
	}

	var snap Session
	err := st.With(ctx, chatID, func(s *Session) error {
		snap = *s
		conv := NewConversation(s.Conversation.Ceiling())
		conv.Append(s.Conversation.Turns()...)
		snap.Conversation = conv
		return nil
	})
	if err != nil {
		return Session{}, false, err
	}
	return snap, true, nil
}

// Len returns the number of chats with a session.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.entries)
}
