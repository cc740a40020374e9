package entities

import (
	"encoding/json"
)

// UserSettingsID is the well-known identifier of the single settings record.
const UserSettingsID = "user_settings"

// UserSettings holds the reader preferences shared across devices.
type UserSettings struct {
	SyncMeta
	DarkMode bool `gorm:"column:dark_mode;not null"`
	FontSize int  `gorm:"column:font_size;not null"`
	AutoSync bool `gorm:"column:auto_sync;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UserSettings) TableName() string {
	return "user_settings"
}

type settingsRecord struct {
	DarkMode   bool  `json:"darkMode"`
	FontSize   int   `json:"fontSize"`
	AutoSync   bool  `json:"autoSync"`
	ModifiedAt int64 `json:"modifiedAt"`
}

func (s *UserSettings) EntityType() EntityType {
	return EntityTypeUserSettings
}

func (s *UserSettings) RecordFields() (json.RawMessage, error) {
	return json.Marshal(settingsRecord{
		DarkMode:   s.DarkMode,
		FontSize:   s.FontSize,
		AutoSync:   s.AutoSync,
		ModifiedAt: s.UpdatedAtMs,
	})
}

func (s *UserSettings) ApplyRecordFields(fields json.RawMessage) error {
	var record settingsRecord
	if err := decodeFields(EntityTypeUserSettings, fields, &record); err != nil {
		return err
	}
	s.DarkMode = record.DarkMode
	s.FontSize = record.FontSize
	s.AutoSync = record.AutoSync
	s.UpdatedAtMs = record.ModifiedAt
	return nil
}

// MergeWith takes every setting from the side with the later overall
// modification time; ties keep local values.
func (s *UserSettings) MergeWith(remote Syncable) (Syncable, error) {
	other, ok := remote.(*UserSettings)
	if !ok || other == nil {
		return nil, mismatchedMerge(EntityTypeUserSettings, remote)
	}
	merged := *s
	if laterSideIsRemote(s.UpdatedAtMs, other.UpdatedAtMs) {
		merged.DarkMode = other.DarkMode
		merged.FontSize = other.FontSize
		merged.AutoSync = other.AutoSync
	}
	merged.UpdatedAtMs = maxInt64(s.UpdatedAtMs, other.UpdatedAtMs)
	return &merged, nil
}
