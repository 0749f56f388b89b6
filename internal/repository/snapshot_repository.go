package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"docsync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

// ErrNotFound reports that no snapshot has ever been stored for a
// document. Hubs treat this as a cold start from an empty document.
var ErrNotFound = errors.New("snapshot not found")

// SnapshotRepository is the persistence gateway for document
// snapshots. Store failures are retried by the hub; they never block
// in-memory editing.
type SnapshotRepository interface {
	Load(ctx context.Context, documentID string) (*domain.Snapshot, error)
	Store(ctx context.Context, snapshot *domain.Snapshot) error
}

type couchSnapshotDoc struct {
	ID         string    `json:"_id"`
	Rev        string    `json:"_rev,omitempty"`
	DocumentID string    `json:"document_id"`
	Data       []byte    `json:"data"`
	Version    uint64    `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type couchSnapshotRepository struct {
	client *kivik.Client
	dbName string
}

func NewCouchSnapshotRepository(client *kivik.Client, dbName string) SnapshotRepository {
	return &couchSnapshotRepository{
		client: client,
		dbName: dbName,
	}
}

func snapshotDocID(documentID string) string {
	return fmt.Sprintf("snapshot:%s", documentID)
}

func (r *couchSnapshotRepository) Load(ctx context.Context, documentID string) (*domain.Snapshot, error) {
	db := r.client.DB(r.dbName)

	row := db.Get(ctx, snapshotDocID(documentID))

	var doc couchSnapshotDoc
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load snapshot for %s: %w", documentID, err)
	}

	return &domain.Snapshot{
		DocumentID: doc.DocumentID,
		Data:       doc.Data,
		Version:    doc.Version,
		UpdatedAt:  doc.UpdatedAt,
	}, nil
}

func (r *couchSnapshotRepository) Store(ctx context.Context, snapshot *domain.Snapshot) error {
	db := r.client.DB(r.dbName)
	docID := snapshotDocID(snapshot.DocumentID)

	doc := couchSnapshotDoc{
		ID:         docID,
		DocumentID: snapshot.DocumentID,
		Data:       snapshot.Data,
		Version:    snapshot.Version,
		UpdatedAt:  snapshot.UpdatedAt,
	}

	// Carry the current revision forward so the put replaces rather
	// than conflicts.
	var existing couchSnapshotDoc
	if err := db.Get(ctx, docID).ScanDoc(&existing); err == nil {
		doc.Rev = existing.Rev
	} else if kivik.HTTPStatus(err) != http.StatusNotFound {
		return fmt.Errorf("failed to read snapshot revision for %s: %w", snapshot.DocumentID, err)
	}

	if _, err := db.Put(ctx, docID, doc); err != nil {
		return fmt.Errorf("failed to store snapshot for %s: %w", snapshot.DocumentID, err)
	}

	return nil
}
