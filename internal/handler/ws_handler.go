package handler

import (
	"errors"
	"log"
	"net/http"

	"docsync-server/internal/config"
	"docsync-server/internal/domain"
	"docsync-server/internal/hub"
	"docsync-server/internal/service"
	"docsync-server/internal/websocket"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	ws "github.com/gorilla/websocket"
)

type WebSocketHandler struct {
	registry  *hub.Registry
	validate  *validator.Validate
	clientCfg websocket.Config
	upgrader  ws.Upgrader
}

func NewWebSocketHandler(registry *hub.Registry, cfg config.WebSocketConfig) *WebSocketHandler {
	return &WebSocketHandler{
		registry: registry,
		validate: validator.New(),
		clientCfg: websocket.Config{
			WriteWait:         cfg.WriteWait,
			PongWait:          cfg.PongWait,
			PingPeriod:        cfg.PingPeriod,
			MaxMessageSize:    cfg.MaxMessageSize,
			SendQueueSize:     cfg.SendQueueSize,
			PresenceQueueSize: cfg.PresenceQueueSize,
		},
		upgrader: ws.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["document_id"]
	if documentID == "" {
		http.Error(w, "missing document id", http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
	}

	presence, err := presenceFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if presence != nil {
		if err := h.validate.Struct(presence); err != nil {
			http.Error(w, "invalid presence", http.StatusBadRequest)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("failed to upgrade connection for document %s: %v", documentID, err)
		return
	}

	session := &clientSession{validate: h.validate}
	client := websocket.NewClient(uuid.New().String(), conn, session, h.clientCfg)
	go client.WritePump()

	var sess *hub.Session
	for attempt := 0; attempt < 2; attempt++ {
		docHub := h.registry.GetOrCreate(documentID)
		sess, err = docHub.Admit(r.Context(), token, presence, client)
		if errors.Is(err, hub.ErrHubClosed) {
			// The hub tore down between lookup and admission;
			// the next lookup constructs a fresh one.
			continue
		}
		session.hub = docHub
		break
	}

	if err != nil {
		code := websocket.ErrCodeUnauthenticated
		switch {
		case errors.Is(err, service.ErrForbidden):
			code = websocket.ErrCodeForbidden
		case errors.Is(err, service.ErrDenied):
		default:
			log.Printf("admission to document %s failed: %v", documentID, err)
			code = websocket.ErrCodeNotFound
		}
		if msg, msgErr := websocket.NewMessage(websocket.TypeError, &websocket.ErrorPayload{
			Code:    code,
			Message: "admission refused",
		}); msgErr == nil {
			_ = client.Send(msg)
		}
		client.Close("admission refused")
		return
	}

	session.sessionID = sess.ConnectionID
	go client.ReadPump()
}

func presenceFromQuery(r *http.Request) (*domain.Presence, error) {
	displayName := r.URL.Query().Get("display_name")
	color := r.URL.Query().Get("color")
	if displayName == "" && color == "" {
		return nil, nil
	}
	if displayName == "" || color == "" {
		return nil, errors.New("presence requires both display_name and color")
	}
	return &domain.Presence{DisplayName: displayName, Color: color}, nil
}

// clientSession routes one connection's inbound frames to its hub.
// The hub and session id are bound before ReadPump starts.
type clientSession struct {
	hub       *hub.Hub
	sessionID string
	validate  *validator.Validate
}

func (s *clientSession) OnMessage(c *websocket.Client, msg *websocket.Message) {
	switch msg.Type {
	case websocket.TypeUpdate:
		var payload websocket.UpdatePayload
		if err := msg.UnmarshalPayload(&payload); err != nil {
			log.Printf("client %s sent unreadable update: %v", c.ID, err)
			return
		}
		s.hub.ReceiveUpdate(s.sessionID, &payload.Update)

	case websocket.TypePresence:
		var payload websocket.PresencePayload
		if err := msg.UnmarshalPayload(&payload); err != nil {
			return
		}
		if err := s.validate.Struct(&payload.Presence); err != nil {
			log.Printf("client %s sent invalid presence: %v", c.ID, err)
			return
		}
		s.hub.ReceivePresence(s.sessionID, &payload.Presence)

	case websocket.TypeSyncRequest:
		var payload websocket.SyncRequestPayload
		if err := msg.UnmarshalPayload(&payload); err != nil {
			return
		}
		s.hub.ReceiveSyncRequest(s.sessionID, payload.SinceVersion)

	case websocket.TypePing:
		if pong, err := websocket.NewMessage(websocket.TypePong, nil); err == nil {
			_ = c.Send(pong)
		}

	default:
		log.Printf("unknown message type from %s: %s", c.ID, msg.Type)
	}
}

func (s *clientSession) OnClose(c *websocket.Client) {
	if s.hub != nil && s.sessionID != "" {
		s.hub.Remove(s.sessionID)
	}
}
