package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"docsync-server/internal/crdt"
	"docsync-server/internal/domain"
	"docsync-server/internal/repository"
	"docsync-server/internal/service"
	"docsync-server/internal/websocket"

	"github.com/google/uuid"
)

// ErrHubClosed reports that a hub finished teardown between the
// registry lookup and admission. Callers fetch a fresh hub and retry.
var ErrHubClosed = errors.New("hub closed")

type Config struct {
	AuthTimeout        time.Duration
	LoadTimeout        time.Duration
	StoreTimeout       time.Duration
	StoreRetries       int
	StoreBackoff       time.Duration
	CheckpointInterval time.Duration
	TeardownGrace      time.Duration
	IdleTimeout        time.Duration
	OpTailLimit        int
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 10 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	if c.StoreRetries <= 0 {
		c.StoreRetries = 2
	}
	if c.StoreBackoff <= 0 {
		c.StoreBackoff = 250 * time.Millisecond
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 30 * time.Second
	}
	if c.TeardownGrace <= 0 {
		c.TeardownGrace = 10 * time.Second
	}
	if c.OpTailLimit <= 0 {
		c.OpTailLimit = crdt.DefaultTailLimit
	}
	return c
}

// Hub owns one document: its CRDT state and every session bound to
// it. All mutation funnels through the hub's mutex, so exactly one
// merge is in flight per document at any time. Sessions and the
// registry never touch hub-owned data directly.
type Hub struct {
	documentID string
	cfg        Config
	auth       service.AuthGateway
	store      repository.SnapshotRepository
	onRelease  func(*Hub)

	// loadMu serializes the cold-start load so concurrent first
	// admissions hit the persistence gateway once.
	loadMu sync.Mutex

	mu                   sync.Mutex
	sessions             map[string]*Session
	doc                  *crdt.Document
	loaded               bool
	lastPersistedVersion uint64
	closed               bool
	graceTimer           *time.Timer

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newHub(documentID string, auth service.AuthGateway, store repository.SnapshotRepository, cfg Config, onRelease func(*Hub)) *Hub {
	h := &Hub{
		documentID: documentID,
		cfg:        cfg.withDefaults(),
		auth:       auth,
		store:      store,
		onRelease:  onRelease,
		sessions:   make(map[string]*Session),
		stopCh:     make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) DocumentID() string { return h.documentID }

func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) Version() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.doc == nil {
		return 0
	}
	return h.doc.Version()
}

func (h *Hub) LastPersistedVersion() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastPersistedVersion
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Admit authenticates a connection and, on success, registers a
// session and sends it the current snapshot plus peer presence. A
// denied or failed admission performs no state change.
func (h *Hub) Admit(ctx context.Context, credential string, presence *domain.Presence, conn Conn) (*Session, error) {
	authCtx, cancel := context.WithTimeout(ctx, h.cfg.AuthTimeout)
	grant, err := h.auth.Authenticate(authCtx, credential, h.documentID)
	cancel()
	if err != nil {
		if errors.Is(err, service.ErrDenied) || errors.Is(err, service.ErrForbidden) {
			return nil, err
		}
		// A slow or failing gateway must not admit by accident.
		return nil, fmt.Errorf("%w: gateway unavailable: %v", service.ErrDenied, err)
	}

	h.ensureLoaded(ctx)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if h.graceTimer != nil {
		h.graceTimer.Stop()
		h.graceTimer = nil
	}

	sess := &Session{
		ConnectionID: uuid.New().String(),
		DocumentID:   h.documentID,
		UserID:       grant.UserID,
		Role:         grant.Role,
		Presence:     presence,
		conn:         conn,
	}
	sess.touch()
	h.sessions[sess.ConnectionID] = sess

	snapshot, err := h.doc.Snapshot()
	if err != nil {
		delete(h.sessions, sess.ConnectionID)
		h.scheduleTeardownLocked()
		h.mu.Unlock()
		return nil, fmt.Errorf("failed to snapshot document %s for init: %w", h.documentID, err)
	}

	init := websocket.InitPayload{
		ConnectionID: sess.ConnectionID,
		DocumentID:   h.documentID,
		Role:         sess.Role,
		Version:      h.doc.Version(),
		Snapshot:     snapshot,
		Peers:        make([]websocket.PeerPresence, 0, len(h.sessions)-1),
	}
	for id, peer := range h.sessions {
		if id == sess.ConnectionID {
			continue
		}
		init.Peers = append(init.Peers, websocket.PeerPresence{
			ConnectionID: peer.ConnectionID,
			UserID:       peer.UserID,
			Presence:     peer.Presence,
		})
	}

	// The init frame must be queued before any concurrent merge can
	// see this session in its broadcast set, or an update could reach
	// the client ahead of the snapshot it builds on.
	msg, err := websocket.NewMessage(websocket.TypeInit, &init)
	if err == nil {
		err = conn.Send(msg)
	}
	if err != nil {
		delete(h.sessions, sess.ConnectionID)
		h.scheduleTeardownLocked()
		h.mu.Unlock()
		return nil, fmt.Errorf("failed to deliver init to %s: %w", sess.ConnectionID, err)
	}

	peerConns := h.peerConnsLocked(sess.ConnectionID)
	h.mu.Unlock()

	if presence != nil {
		h.broadcastPresence(sess, peerConns)
	}

	log.Printf("session %s admitted to document %s (user: %s, role: %s)",
		sess.ConnectionID, h.documentID, sess.UserID, sess.Role)
	return sess, nil
}

// ensureLoaded performs the cold-start snapshot load exactly once. A
// missing or failing snapshot starts the document empty; durability
// problems never refuse connections.
func (h *Hub) ensureLoaded(ctx context.Context) {
	h.loadMu.Lock()
	defer h.loadMu.Unlock()

	h.mu.Lock()
	if h.loaded {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(ctx, h.cfg.LoadTimeout)
	snapshot, err := h.store.Load(loadCtx, h.documentID)
	cancel()

	var doc *crdt.Document
	switch {
	case err == nil:
		doc, err = crdt.Restore(snapshot.Data, h.cfg.OpTailLimit)
		if err != nil {
			log.Printf("snapshot for document %s is unreadable, starting empty: %v", h.documentID, err)
			doc = crdt.NewDocument(h.documentID, h.cfg.OpTailLimit)
		}
	case errors.Is(err, repository.ErrNotFound):
		doc = crdt.NewDocument(h.documentID, h.cfg.OpTailLimit)
	default:
		log.Printf("failed to load document %s, starting empty: %v", h.documentID, err)
		doc = crdt.NewDocument(h.documentID, h.cfg.OpTailLimit)
	}

	h.mu.Lock()
	h.doc = doc
	h.loaded = true
	h.lastPersistedVersion = doc.Version()
	h.mu.Unlock()
}

// ReceiveUpdate merges one client update and fans the new ops out to
// every other session. Viewers are rejected without any state change.
func (h *Hub) ReceiveUpdate(sessionID string, u *crdt.Update) {
	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	sess.touch()

	if !sess.Role.CanEdit() {
		h.mu.Unlock()
		h.sendError(sess, websocket.ErrCodeForbidden, "viewer sessions cannot edit")
		return
	}

	res, err := h.doc.Apply(u)
	if err != nil {
		h.mu.Unlock()
		log.Printf("rejected update from %s on %s: %v", sessionID, h.documentID, err)
		h.sendError(sess, websocket.ErrCodeInvalidUpdate, err.Error())
		return
	}

	known := make(map[crdt.OpID]struct{}, len(res.Known))
	for _, id := range res.Known {
		known[id] = struct{}{}
	}
	var fresh []crdt.Op
	for _, op := range u.Ops {
		if _, dup := known[op.ID]; !dup {
			fresh = append(fresh, op)
		}
	}
	if len(fresh) == 0 {
		h.mu.Unlock()
		return
	}

	payload := websocket.UpdatePayload{
		ConnectionID: sessionID,
		Version:      res.Version,
		Update:       crdt.Update{Ops: fresh},
	}
	peers := h.peerConnsLocked(sessionID)
	h.mu.Unlock()

	msg, err := websocket.NewMessage(websocket.TypeUpdate, &payload)
	if err != nil {
		log.Printf("failed to encode update broadcast for %s: %v", h.documentID, err)
		return
	}
	h.fanOut(peers, msg)
}

// ReceivePresence stores a session's awareness state and rebroadcasts
// it. Presence never touches document state and is never persisted.
func (h *Hub) ReceivePresence(sessionID string, presence *domain.Presence) {
	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	sess.touch()
	sess.Presence = presence
	peers := h.peerConnsLocked(sessionID)
	h.mu.Unlock()

	h.broadcastPresence(sess, peers)
}

// ReceiveSyncRequest answers a catch-up request with an incremental
// diff, or a full snapshot when the gap exceeds the retained tail.
func (h *Hub) ReceiveSyncRequest(sessionID string, sinceVersion uint64) {
	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	sess.touch()

	payload := websocket.SyncResponsePayload{Version: h.doc.Version()}
	if diff, ok := h.doc.DiffSince(sinceVersion); ok {
		payload.Update = diff
	} else {
		snapshot, err := h.doc.Snapshot()
		if err != nil {
			h.mu.Unlock()
			log.Printf("failed to snapshot %s for sync response: %v", h.documentID, err)
			return
		}
		payload.Snapshot = snapshot
	}
	h.mu.Unlock()

	msg, err := websocket.NewMessage(websocket.TypeSyncResponse, &payload)
	if err != nil {
		return
	}
	if err := sess.conn.Send(msg); err != nil {
		h.Remove(sessionID)
	}
}

// Remove drops a session, retracts its presence to every remaining
// peer and, when the hub goes empty, schedules teardown after a grace
// window that absorbs quick reconnects.
func (h *Hub) Remove(sessionID string) {
	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, sessionID)
	peers := h.peerConnsLocked(sessionID)
	h.scheduleTeardownLocked()
	h.mu.Unlock()

	msg, err := websocket.NewMessage(websocket.TypePresenceRetract, &websocket.PresenceRetractPayload{
		ConnectionID: sessionID,
	})
	if err == nil {
		h.fanOut(peers, msg)
	}

	log.Printf("session %s removed from document %s (user: %s)", sessionID, h.documentID, sess.UserID)
}

// Checkpoint persists a snapshot when the document has advanced past
// the last stored version. Store failures are retried with doubling
// backoff; exhausted retries are reported once and editing continues.
func (h *Hub) Checkpoint(ctx context.Context) error {
	h.mu.Lock()
	if !h.loaded || h.doc.Version() == h.lastPersistedVersion {
		h.mu.Unlock()
		return nil
	}
	version := h.doc.Version()
	data, err := h.doc.Snapshot()
	h.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to snapshot document %s: %w", h.documentID, err)
	}

	snapshot := &domain.Snapshot{
		DocumentID: h.documentID,
		Data:       data,
		Version:    version,
		UpdatedAt:  time.Now(),
	}

	backoff := h.cfg.StoreBackoff
	var lastErr error
	for attempt := 0; attempt <= h.cfg.StoreRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		storeCtx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
		lastErr = h.store.Store(storeCtx, snapshot)
		cancel()
		if lastErr == nil {
			h.mu.Lock()
			if version > h.lastPersistedVersion {
				h.lastPersistedVersion = version
			}
			h.mu.Unlock()
			return nil
		}
	}

	log.Printf("checkpoint for document %s failed after %d attempts, version %d remains unpersisted: %v",
		h.documentID, h.cfg.StoreRetries+1, version, lastErr)
	return lastErr
}

// SnapshotNow serializes the live state, loading it first if the hub
// is still cold. Serves the internal state API.
func (h *Hub) SnapshotNow(ctx context.Context) ([]byte, uint64, error) {
	h.ensureLoaded(ctx)
	h.mu.Lock()
	defer h.mu.Unlock()
	data, err := h.doc.Snapshot()
	if err != nil {
		return nil, 0, err
	}
	return data, h.doc.Version(), nil
}

// Shutdown stops the background loop and force-checkpoints dirty
// state. Used on process exit.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	if h.graceTimer != nil {
		h.graceTimer.Stop()
		h.graceTimer = nil
	}
	h.mu.Unlock()

	h.stop()
	return h.Checkpoint(ctx)
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// scheduleTeardownLocked arms the grace timer when the hub has just
// gone empty. Callers hold h.mu.
func (h *Hub) scheduleTeardownLocked() {
	if len(h.sessions) == 0 && !h.closed && h.graceTimer == nil {
		h.graceTimer = time.AfterFunc(h.cfg.TeardownGrace, h.teardown)
	}
}

// teardown runs after the grace window. A session admitted in the
// meantime aborts it; the registry re-checks emptiness again under
// its own lock.
func (h *Hub) teardown() {
	h.mu.Lock()
	h.graceTimer = nil
	if len(h.sessions) > 0 || h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreTimeout*time.Duration(h.cfg.StoreRetries+1))
	defer cancel()
	if err := h.Checkpoint(ctx); err != nil {
		log.Printf("final checkpoint for document %s failed: %v", h.documentID, err)
	}

	h.stop()
	if h.onRelease != nil {
		h.onRelease(h)
	}
	log.Printf("hub for document %s torn down", h.documentID)
}

func (h *Hub) run() {
	checkpoint := time.NewTicker(h.cfg.CheckpointInterval)
	defer checkpoint.Stop()

	var idleC <-chan time.Time
	if h.cfg.IdleTimeout > 0 {
		idle := time.NewTicker(h.cfg.IdleTimeout / 2)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case <-checkpoint.C:
			// Failures are already reported; the next tick retries.
			_ = h.Checkpoint(context.Background())
		case <-idleC:
			h.sweepIdle()
		case <-h.stopCh:
			return
		}
	}
}

func (h *Hub) sweepIdle() {
	cutoff := time.Now().Add(-h.cfg.IdleTimeout)

	h.mu.Lock()
	var stale []*Session
	for _, sess := range h.sessions {
		if sess.lastActive.Before(cutoff) {
			stale = append(stale, sess)
		}
	}
	h.mu.Unlock()

	for _, sess := range stale {
		log.Printf("disconnecting idle session %s on document %s", sess.ConnectionID, h.documentID)
		sess.conn.Close("idle timeout")
		h.Remove(sess.ConnectionID)
	}
}

type peerConn struct {
	sessionID string
	conn      Conn
}

// peerConnsLocked snapshots the recipients for a broadcast. Callers
// hold h.mu; the sends themselves happen after release so one slow
// peer cannot stall merges.
func (h *Hub) peerConnsLocked(excludeID string) []peerConn {
	peers := make([]peerConn, 0, len(h.sessions))
	for id, sess := range h.sessions {
		if id == excludeID {
			continue
		}
		peers = append(peers, peerConn{sessionID: id, conn: sess.conn})
	}
	return peers
}

func (h *Hub) fanOut(peers []peerConn, msg *websocket.Message) {
	for _, peer := range peers {
		if err := peer.conn.Send(msg); err != nil {
			log.Printf("peer %s unreachable on document %s, removing: %v", peer.sessionID, h.documentID, err)
			peer.conn.Close("send queue overflow")
			h.Remove(peer.sessionID)
		}
	}
}

func (h *Hub) broadcastPresence(from *Session, peers []peerConn) {
	if from.Presence == nil {
		return
	}
	msg, err := websocket.NewMessage(websocket.TypePresence, &websocket.PresencePayload{
		ConnectionID: from.ConnectionID,
		UserID:       from.UserID,
		Presence:     *from.Presence,
	})
	if err != nil {
		return
	}
	for _, peer := range peers {
		// Presence sends never fail the peer; the client layer drops
		// them under pressure.
		_ = peer.conn.Send(msg)
	}
}

func (h *Hub) sendError(sess *Session, code, message string) {
	msg, err := websocket.NewMessage(websocket.TypeError, &websocket.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	if err := sess.conn.Send(msg); err != nil {
		h.Remove(sess.ConnectionID)
	}
}
