package cloud

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
	"github.com/MarcoPoloResearchLab/wordsync/internal/remote"
)

// LocalRemote serves one account's records in-process, satisfying remote.Store
// without an HTTP hop.
type LocalRemote struct {
	service   *Service
	accountID AccountID
}

// NewLocalRemote binds the service to an account.
func NewLocalRemote(service *Service, accountID AccountID) *LocalRemote {
	return &LocalRemote{service: service, accountID: accountID}
}

func (l *LocalRemote) Save(ctx context.Context, record remote.Record) (entities.RemoteSystemFields, error) {
	saved, err := l.service.SaveRecord(ctx, l.accountID, record.Type, record.RecordID, record.Fields)
	if err != nil {
		return entities.RemoteSystemFields{}, err
	}
	return entities.RemoteSystemFields{
		RecordID:     saved.RecordID,
		ModifiedAtMs: saved.ModifiedAtMs,
		Version:      saved.Version,
	}, nil
}

func (l *LocalRemote) FetchChanges(ctx context.Context, entityType entities.EntityType, sinceToken string) ([]remote.RecordChange, string, error) {
	page, err := l.service.ChangesSince(ctx, l.accountID, entityType, sinceToken)
	if err != nil {
		return nil, "", err
	}
	return toRecordChanges(page.Changes), FormatToken(page.Token), nil
}

func (l *LocalRemote) Delete(ctx context.Context, entityType entities.EntityType, recordID string) error {
	err := l.service.DeleteRecord(ctx, l.accountID, entityType, recordID)
	if errors.Is(err, ErrRecordNotFound) {
		return remote.ErrNotFound
	}
	return err
}

func (l *LocalRemote) CheckConnectivity(ctx context.Context) (remote.Connectivity, error) {
	account, err := l.service.Account(ctx, l.accountID)
	if err != nil {
		return remote.ConnectivityUnknown, err
	}
	if account.Status == AccountRestricted {
		return remote.ConnectivityRestricted, nil
	}
	return remote.ConnectivityAvailable, nil
}

func toRecordChanges(records []StoredRecord) []remote.RecordChange {
	changes := make([]remote.RecordChange, 0, len(records))
	for _, record := range records {
		change := remote.RecordChange{
			RecordID:     record.RecordID,
			ModifiedAtMs: record.ModifiedAtMs,
			Version:      record.Version,
			Deleted:      record.Deleted,
		}
		if !record.Deleted {
			change.Fields = json.RawMessage(record.FieldsJSON)
		}
		changes = append(changes, change)
	}
	return changes
}
