package websocket

import (
	"encoding/json"
	"time"

	"docsync-server/internal/crdt"
	"docsync-server/internal/domain"
)

type MessageType string

const (
	TypeInit            MessageType = "init"
	TypeUpdate          MessageType = "update"
	TypePresence        MessageType = "presence"
	TypePresenceRetract MessageType = "presence_retract"
	TypeSyncRequest     MessageType = "sync_request"
	TypeSyncResponse    MessageType = "sync_response"
	TypeError           MessageType = "error"
	TypePing            MessageType = "ping"
	TypePong            MessageType = "pong"
)

// IsPresence reports whether a message belongs to the ephemeral
// awareness channel. Presence traffic may be dropped under
// backpressure; content traffic may not.
func (t MessageType) IsPresence() bool {
	return t == TypePresence || t == TypePresenceRetract
}

type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PeerPresence is one peer's awareness state as delivered to a newly
// admitted session.
type PeerPresence struct {
	ConnectionID string           `json:"connection_id"`
	UserID       string           `json:"user_id"`
	Presence     *domain.Presence `json:"presence,omitempty"`
}

// InitPayload is the server's answer to a successful handshake: the
// session's identity, the full document state and everyone already
// there.
type InitPayload struct {
	ConnectionID string         `json:"connection_id"`
	DocumentID   string         `json:"document_id"`
	Role         domain.Role    `json:"role"`
	Version      uint64         `json:"version"`
	Snapshot     []byte         `json:"snapshot"`
	Peers        []PeerPresence `json:"peers"`
}

type UpdatePayload struct {
	ConnectionID string      `json:"connection_id,omitempty"`
	Version      uint64      `json:"version,omitempty"`
	Update       crdt.Update `json:"update"`
}

type PresencePayload struct {
	ConnectionID string          `json:"connection_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	Presence     domain.Presence `json:"presence"`
}

type PresenceRetractPayload struct {
	ConnectionID string `json:"connection_id"`
}

type SyncRequestPayload struct {
	SinceVersion uint64 `json:"since_version"`
}

// SyncResponsePayload carries either an incremental update or, when
// the requested version is older than the retained op tail, a full
// snapshot.
type SyncResponsePayload struct {
	Version  uint64       `json:"version"`
	Update   *crdt.Update `json:"update,omitempty"`
	Snapshot []byte       `json:"snapshot,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeUnauthenticated = "unauthenticated"
	ErrCodeForbidden       = "forbidden"
	ErrCodeNotFound        = "not_found"
	ErrCodeInvalidUpdate   = "invalid_update"
)

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payloadBytes,
	}, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
