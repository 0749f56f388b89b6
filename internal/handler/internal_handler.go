package handler

import (
	"errors"
	"log"
	"net/http"

	"docsync-server/internal/hub"
	"docsync-server/internal/repository"
	"docsync-server/pkg/response"

	"github.com/gorilla/mux"
)

// InternalHandler serves other backend services that need document
// state without joining as collaborators: export pipelines, search
// indexers, backup jobs.
type InternalHandler struct {
	registry *hub.Registry
	store    repository.SnapshotRepository
}

func NewInternalHandler(registry *hub.Registry, store repository.SnapshotRepository) *InternalHandler {
	return &InternalHandler{
		registry: registry,
		store:    store,
	}
}

type documentStateResponse struct {
	DocumentID string `json:"document_id"`
	Version    uint64 `json:"version"`
	State      []byte `json:"state"`
	Live       bool   `json:"live"`
}

// GetDocumentState returns the current serialized document. A live hub
// answers from memory; otherwise the last persisted snapshot is
// served. Idle documents are never resurrected for a read.
func (h *InternalHandler) GetDocumentState(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["document_id"]

	if docHub := h.registry.Get(documentID); docHub != nil {
		state, version, err := docHub.SnapshotNow(r.Context())
		if err != nil {
			log.Printf("failed to serialize live document %s: %v", documentID, err)
			response.InternalError(w, "failed to serialize document")
			return
		}
		response.Success(w, documentStateResponse{
			DocumentID: documentID,
			Version:    version,
			State:      state,
			Live:       true,
		})
		return
	}

	snapshot, err := h.store.Load(r.Context(), documentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			response.NotFound(w, "document not found")
			return
		}
		log.Printf("failed to load document %s: %v", documentID, err)
		response.InternalError(w, "failed to load document")
		return
	}

	response.Success(w, documentStateResponse{
		DocumentID: documentID,
		Version:    snapshot.Version,
		State:      snapshot.Data,
	})
}

// ForceCheckpoint persists a live document immediately. Documents
// without a live hub have nothing unpersisted and succeed as a no-op.
func (h *InternalHandler) ForceCheckpoint(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["document_id"]

	docHub := h.registry.Get(documentID)
	if docHub == nil {
		response.NoContent(w)
		return
	}

	if err := docHub.Checkpoint(r.Context()); err != nil {
		response.Error(w, http.StatusServiceUnavailable, "checkpoint failed")
		return
	}
	response.NoContent(w)
}
