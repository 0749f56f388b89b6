package domain

import "time"

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleEditor, RoleViewer:
		return true
	}
	return false
}

// CanEdit reports whether sessions with this role may submit document
// updates. Viewers receive broadcasts but never mutate state.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// Presence is the ephemeral per-connection awareness state. It is
// broadcast to peers on the same document and never persisted.
type Presence struct {
	CursorX     *float64 `json:"cursor_x,omitempty"`
	CursorY     *float64 `json:"cursor_y,omitempty"`
	DisplayName string   `json:"display_name" validate:"required,max=64"`
	Color       string   `json:"color" validate:"required,hexcolor"`
}

// Snapshot is the persistence envelope for one document's serialized
// CRDT state.
type Snapshot struct {
	DocumentID string    `json:"document_id"`
	Data       []byte    `json:"data"`
	Version    uint64    `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}
