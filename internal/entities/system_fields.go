package entities

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RemoteSystemFields captures the identity and version the remote store assigned
// to a record on its last acknowledged save.
type RemoteSystemFields struct {
	RecordID     string `json:"recordId"`
	ModifiedAtMs int64  `json:"modifiedAt"`
	Version      int64  `json:"version"`
}

// EncodeSystemFields serializes system fields for storage alongside the entity.
func EncodeSystemFields(fields RemoteSystemFields) (string, error) {
	if strings.TrimSpace(fields.RecordID) == "" {
		return "", fmt.Errorf("%w: system fields missing record id", ErrDecodeFailure)
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// DecodeSystemFields parses stored system fields. Empty input means the entity
// has never been synced and yields nil.
func DecodeSystemFields(raw string) (*RemoteSystemFields, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	var fields RemoteSystemFields
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return nil, fmt.Errorf("%w: system fields: %v", ErrDecodeFailure, err)
	}
	if strings.TrimSpace(fields.RecordID) == "" {
		return nil, fmt.Errorf("%w: system fields missing record id", ErrDecodeFailure)
	}
	if fields.ModifiedAtMs <= 0 {
		return nil, fmt.Errorf("%w: system fields modifiedAt %d", ErrDecodeFailure, fields.ModifiedAtMs)
	}
	return &fields, nil
}
