package hub

import (
	"time"

	"docsync-server/internal/domain"
	"docsync-server/internal/websocket"
)

// Conn is what a hub needs from a transport connection. Send must not
// block: implementations queue outbound traffic and report
// websocket.ErrPeerUnreachable when the peer stops draining.
type Conn interface {
	Send(msg *websocket.Message) error
	Close(reason string)
}

// Session is one admitted connection bound to one document. Its role
// is fixed at admission and never escalated. All fields are owned by
// the hub after admission.
type Session struct {
	ConnectionID string
	DocumentID   string
	UserID       string
	Role         domain.Role
	Presence     *domain.Presence

	conn       Conn
	lastActive time.Time
}

func (s *Session) touch() {
	s.lastActive = time.Now()
}
