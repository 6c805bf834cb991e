// Package app is a line based chat server built on the core. It doubles as
// the reference application for the generic server.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/core"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/logger"
	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/protocol/commandline"
)

// Server is the chat server type.
type Server = core.AppServer[*ChatSession, *commandline.Request]

const maxNickLength = 32

var errNickTaken = errors.New("nickname already in use")

type chat struct {
	server *Server

	// nickMu serialises the uniqueness check with the rename.
	nickMu sync.Mutex
}

// NewServer builds a chat server. Commands are case-insensitive:
//
//	ECHO <text>      replies with text
//	ADD <n> <n>...   replies with the sum
//	NICK <name>      changes the nickname
//	WHO              lists connected nicknames
//	SAY <text>       sends text to every other session
//	COUNT            replies with the number of commands executed
//	QUIT             closes the session
func NewServer(maxRequestLength int) (*Server, error) {
	c := &chat{}
	d := core.NewDispatcher[*ChatSession, *commandline.Request]().CaseInsensitive()

	handlers := map[string]func(context.Context, *ChatSession, *commandline.Request) error{
		"ECHO":  c.echo,
		"ADD":   c.add,
		"NICK":  c.changeNick,
		"WHO":   c.who,
		"SAY":   c.say,
		"COUNT": c.count,
		"QUIT":  c.quit,
	}
	for key, fn := range handlers {
		if err := d.HandleFunc(key, counted(fn)); err != nil {
			return nil, err
		}
	}

	if err := d.OnUnknownCommand(func(s *ChatSession, r *commandline.Request) {
		_ = reply(s, "ERR unknown command %s", r.Command)
	}); err != nil {
		return nil, err
	}
	if err := d.OnHandlerFailure(func(s *ChatSession, r *commandline.Request, err error) {
		_ = reply(s, "ERR %s failed", strings.ToUpper(r.Command))
	}); err != nil {
		return nil, err
	}

	c.server = core.NewAppServer(NewChatSession, commandline.New(maxRequestLength), d)
	if err := c.server.OnSessionCreated(func(s *ChatSession) {
		_ = reply(s, "WELCOME %s", s.Nick())
	}); err != nil {
		return nil, err
	}
	if err := c.server.OnSessionClosed(func(s *ChatSession, reason core.CloseReason) {
		logger.Debug("Chat session left", "nick", s.Nick(), "reason", reason.String(), "requests", s.Requests())
	}); err != nil {
		return nil, err
	}

	return c.server, nil
}

func counted(fn func(context.Context, *ChatSession, *commandline.Request) error) core.HandlerFunc[*ChatSession, *commandline.Request] {
	return func(ctx context.Context, s *ChatSession, r *commandline.Request) error {
		s.requests.Add(1)
		return fn(ctx, s, r)
	}
}

func reply(s *ChatSession, format string, args ...any) error {
	return s.SendString(fmt.Sprintf(format, args...) + "\r\n")
}

func (c *chat) echo(_ context.Context, s *ChatSession, r *commandline.Request) error {
	return reply(s, "%s", r.Body)
}

func (c *chat) add(_ context.Context, s *ChatSession, r *commandline.Request) error {
	var sum int64
	for _, p := range r.Parameters {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", p, err)
		}
		sum += n
	}
	return reply(s, "%d", sum)
}

func (c *chat) changeNick(_ context.Context, s *ChatSession, r *commandline.Request) error {
	nick := r.Param(0)
	if nick == "" || len(r.Parameters) > 1 || len(nick) > maxNickLength {
		return reply(s, "ERR usage: NICK <name>")
	}

	old, err := c.claimNick(s, nick)
	if errors.Is(err, errNickTaken) {
		return reply(s, "ERR %s", err)
	}
	if err != nil {
		return err
	}
	logger.Debug("Nick changed", "session_id", s.ID(), "from", old, "to", nick)
	return reply(s, "OK %s", nick)
}

// claimNick renames s unless another session holds nick. It returns the
// previous nickname.
func (c *chat) claimNick(s *ChatSession, nick string) (string, error) {
	c.nickMu.Lock()
	defer c.nickMu.Unlock()

	taken, err := c.server.GetSessions(func(other *ChatSession) (bool, error) {
		return other != s && strings.EqualFold(other.Nick(), nick), nil
	})
	if err != nil {
		return "", err
	}
	if len(taken) > 0 {
		return "", errNickTaken
	}
	old := s.Nick()
	s.setNick(nick)
	return old, nil
}

func (c *chat) who(_ context.Context, s *ChatSession, _ *commandline.Request) error {
	sessions := c.server.GetAllSessions()
	nicks := make([]string, 0, len(sessions))
	for _, other := range sessions {
		if other.Connected() {
			nicks = append(nicks, other.Nick())
		}
	}
	slices.Sort(nicks)
	return reply(s, "USERS %s", strings.Join(nicks, ","))
}

func (c *chat) say(_ context.Context, s *ChatSession, r *commandline.Request) error {
	if r.Body == "" {
		return reply(s, "ERR usage: SAY <text>")
	}
	msg := fmt.Sprintf("MSG %s %s\r\n", s.Nick(), r.Body)
	n := c.server.Broadcast([]byte(msg), func(other *ChatSession) bool {
		return other != s
	})
	return reply(s, "SENT %d", n)
}

func (c *chat) count(_ context.Context, s *ChatSession, _ *commandline.Request) error {
	return reply(s, "%d", s.Requests())
}

func (c *chat) quit(_ context.Context, s *ChatSession, _ *commandline.Request) error {
	err := reply(s, "BYE")
	s.Close(core.CloseReasonClientClosing)
	return err
}
