package remote

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
)

// Connectivity reports whether the remote account can be used.
type Connectivity string

const (
	ConnectivityAvailable  Connectivity = "available"
	ConnectivityNoAccount  Connectivity = "noAccount"
	ConnectivityRestricted Connectivity = "restricted"
	ConnectivityUnknown    Connectivity = "unknown"
)

var (
	// ErrUnauthorized indicates the remote rejected the account credentials.
	ErrUnauthorized = errors.New("remote: unauthorized")
	// ErrNotFound indicates the remote has no such record.
	ErrNotFound = errors.New("remote: not found")
)

// Record is one entity in remote wire form.
type Record struct {
	Type     entities.EntityType
	RecordID string
	Fields   json.RawMessage
}

// RecordChange is one entry of a collection's change feed.
type RecordChange struct {
	RecordID     string          `json:"recordId"`
	Fields       json.RawMessage `json:"fields,omitempty"`
	ModifiedAtMs int64           `json:"modifiedAt"`
	Version      int64           `json:"version"`
	Deleted      bool            `json:"deleted"`
}

// SystemFields returns the identity and version metadata carried by the change.
func (c RecordChange) SystemFields() entities.RemoteSystemFields {
	return entities.RemoteSystemFields{
		RecordID:     c.RecordID,
		ModifiedAtMs: c.ModifiedAtMs,
		Version:      c.Version,
	}
}

// Store is the record-oriented remote authority.
type Store interface {
	Save(ctx context.Context, record Record) (entities.RemoteSystemFields, error)
	FetchChanges(ctx context.Context, entityType entities.EntityType, sinceToken string) ([]RecordChange, string, error)
	Delete(ctx context.Context, entityType entities.EntityType, recordID string) error
	CheckConnectivity(ctx context.Context) (Connectivity, error)
}
