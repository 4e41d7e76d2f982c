package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Op identifies the kind of edit a Change applies.
type Op string

const (
	OpInsert Op = "INSERT"
	OpDelete Op = "DELETE"
	OpUpdate Op = "UPDATE"
)

// Change is a single range-targeted edit, as named in spec.md §3.
// Range positions are zero-based character offsets into the
// normalized document.
type Change struct {
	Start     int    `json:"start"`
	End       int    `json:"end"`
	Op        Op     `json:"op"`
	Text      string `json:"text"`
	ClientID  string `json:"clientId"`
	UserID    int64  `json:"userId"`
	Timestamp int64  `json:"timestamp"`
	ChangeID  string `json:"changeId"`
}

// ChangeBatch is the set of changes one client sent in a single
// UPDATEDOC frame (spec.md's glossary: ChangeBatch). Re-modeled per
// REDESIGN FLAGS as one typed queue entry instead of nested
// sid/userId dictionaries.
type ChangeBatch struct {
	UserID   int64    `json:"userId"`
	ClientID string   `json:"clientId"`
	Changes  []Change `json:"changes"`
}

// CursorState is one client's cursor position and selection range,
// keyed externally by clientId per spec.md §4.5 ("cursor/selection
// maps keyed by clientId while subscribership is keyed by userId").
type CursorState struct {
	Position  int    `json:"position"`
	Selection [2]int `json:"selection"`
}

// UpdatePayload is the richer TAKEUPDATE body spec.md's REDESIGN
// FLAGS mandates shipping exclusively — it always carries cursors and
// recent changes, never the bare legacy {doc_content} shape.
type UpdatePayload struct {
	DocContent    string            `json:"doc_content"`
	Cursors       map[string]int    `json:"cursors"`
	Selections    map[string][2]int `json:"selections"`
	RecentChanges []Change          `json:"recent_changes"`
}

// EncodeParam JSON-marshals v and base64-encodes the result, for use
// as one "~"-delimited envelope parameter.
func EncodeParam(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("protocol: marshal param: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeParam reverses EncodeParam into v.
func DecodeParam(param string, v interface{}) error {
	data, err := base64.StdEncoding.DecodeString(param)
	if err != nil {
		return fmt.Errorf("protocol: base64 decode param: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol: unmarshal param: %w", err)
	}
	return nil
}
