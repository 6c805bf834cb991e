package app

import (
	"sync"
	"sync/atomic"

	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/core"
)

// ChatSession is the per-connection state of the chat server.
type ChatSession struct {
	*core.Session

	mu       sync.RWMutex
	nick     string
	requests atomic.Uint64
}

// NewChatSession wraps base. The initial nickname is derived from the
// session ID.
func NewChatSession(base *core.Session) *ChatSession {
	id := base.ID()
	if len(id) > 8 {
		id = id[:8]
	}
	return &ChatSession{Session: base, nick: "guest-" + id}
}

func (s *ChatSession) Nick() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nick
}

func (s *ChatSession) setNick(nick string) {
	s.mu.Lock()
	s.nick = nick
	s.mu.Unlock()
}

// Requests is the number of commands this session has executed.
func (s *ChatSession) Requests() uint64 {
	return s.requests.Load()
}
