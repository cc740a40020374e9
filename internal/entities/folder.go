package entities

import (
	"encoding/json"
)

// Folder groups favorite words under a user-chosen name.
type Folder struct {
	SyncMeta
	Name        string `gorm:"column:name;size:190;not null"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Folder) TableName() string {
	return "folders"
}

type folderRecord struct {
	Name       string `json:"name"`
	CreatedAt  int64  `json:"createdAt"`
	ModifiedAt int64  `json:"modifiedAt"`
}

func (f *Folder) EntityType() EntityType {
	return EntityTypeFolder
}

func (f *Folder) RecordFields() (json.RawMessage, error) {
	return json.Marshal(folderRecord{
		Name:       f.Name,
		CreatedAt:  f.CreatedAtMs,
		ModifiedAt: f.UpdatedAtMs,
	})
}

func (f *Folder) ApplyRecordFields(fields json.RawMessage) error {
	var record folderRecord
	if err := decodeFields(EntityTypeFolder, fields, &record); err != nil {
		return err
	}
	f.Name = record.Name
	f.CreatedAtMs = record.CreatedAt
	f.UpdatedAtMs = record.ModifiedAt
	return nil
}

// MergeWith keeps the name from the side modified last; ties keep the local name.
func (f *Folder) MergeWith(remote Syncable) (Syncable, error) {
	other, ok := remote.(*Folder)
	if !ok || other == nil {
		return nil, mismatchedMerge(EntityTypeFolder, remote)
	}
	merged := *f
	if laterSideIsRemote(f.UpdatedAtMs, other.UpdatedAtMs) {
		merged.Name = other.Name
	}
	if merged.CreatedAtMs == 0 || (other.CreatedAtMs > 0 && other.CreatedAtMs < merged.CreatedAtMs) {
		merged.CreatedAtMs = other.CreatedAtMs
	}
	merged.UpdatedAtMs = maxInt64(f.UpdatedAtMs, other.UpdatedAtMs)
	return &merged, nil
}
