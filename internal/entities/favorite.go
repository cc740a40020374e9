package entities

import (
	"encoding/json"
	"strings"
)

const (
	localNoteLabel  = "[Local]"
	remoteNoteLabel = "[Remote]"
)

// FavoriteItem is a dictionary word the user starred, with an optional note.
type FavoriteItem struct {
	SyncMeta
	WordID    string  `gorm:"column:word_id;size:190;not null;index"`
	Word      string  `gorm:"column:word;type:text;not null"`
	Reading   string  `gorm:"column:reading;type:text;not null"`
	Meaning   string  `gorm:"column:meaning;type:text;not null"`
	Note      *string `gorm:"column:note;type:text"`
	AddedAtMs int64   `gorm:"column:added_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FavoriteItem) TableName() string {
	return "favorite_items"
}

type favoriteRecord struct {
	WordID     string  `json:"wordId"`
	Word       string  `json:"word"`
	Reading    string  `json:"reading"`
	Meaning    string  `json:"meaning"`
	Note       *string `json:"note"`
	AddedAt    int64   `json:"addedAt"`
	ModifiedAt int64   `json:"modifiedAt"`
}

func (f *FavoriteItem) EntityType() EntityType {
	return EntityTypeFavoriteItem
}

func (f *FavoriteItem) RecordFields() (json.RawMessage, error) {
	return json.Marshal(favoriteRecord{
		WordID:     f.WordID,
		Word:       f.Word,
		Reading:    f.Reading,
		Meaning:    f.Meaning,
		Note:       f.Note,
		AddedAt:    f.AddedAtMs,
		ModifiedAt: f.UpdatedAtMs,
	})
}

func (f *FavoriteItem) ApplyRecordFields(fields json.RawMessage) error {
	var record favoriteRecord
	if err := decodeFields(EntityTypeFavoriteItem, fields, &record); err != nil {
		return err
	}
	f.WordID = record.WordID
	f.Word = record.Word
	f.Reading = record.Reading
	f.Meaning = record.Meaning
	f.Note = record.Note
	f.AddedAtMs = record.AddedAt
	f.UpdatedAtMs = record.ModifiedAt
	return nil
}

// MergeWith merges notes field-wise: an empty side yields to the other and two
// different notes are kept under labeled sections. Dictionary fields follow the
// side modified last.
func (f *FavoriteItem) MergeWith(remote Syncable) (Syncable, error) {
	other, ok := remote.(*FavoriteItem)
	if !ok || other == nil {
		return nil, mismatchedMerge(EntityTypeFavoriteItem, remote)
	}
	merged := *f
	if laterSideIsRemote(f.UpdatedAtMs, other.UpdatedAtMs) {
		merged.WordID = other.WordID
		merged.Word = other.Word
		merged.Reading = other.Reading
		merged.Meaning = other.Meaning
	}
	merged.Note = MergeNotes(f.Note, other.Note)
	if merged.AddedAtMs == 0 || (other.AddedAtMs > 0 && other.AddedAtMs < merged.AddedAtMs) {
		merged.AddedAtMs = other.AddedAtMs
	}
	merged.UpdatedAtMs = maxInt64(f.UpdatedAtMs, other.UpdatedAtMs)
	return &merged, nil
}

// MergeNotes combines a local and a remote note.
func MergeNotes(local, remote *string) *string {
	localText := noteText(local)
	remoteText := noteText(remote)
	switch {
	case localText == "" && remoteText == "":
		if local != nil {
			return copyNote(local)
		}
		return copyNote(remote)
	case localText == "":
		return copyNote(remote)
	case remoteText == "":
		return copyNote(local)
	case localText == remoteText:
		return copyNote(local)
	}
	combined := strings.Join([]string{
		localNoteLabel,
		localText,
		"",
		remoteNoteLabel,
		remoteText,
	}, "\n")
	return &combined
}

func noteText(note *string) string {
	if note == nil {
		return ""
	}
	return *note
}

func copyNote(note *string) *string {
	if note == nil {
		return nil
	}
	value := *note
	return &value
}
