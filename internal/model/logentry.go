package model

import "encoding/json"

// LogEntry is one event as submitted to the ingestion endpoint. Timestamp
// is kept raw because clients send strings, epoch numbers, or nothing.
type LogEntry struct {
	Level     string          `json:"level,omitempty"`
	Message   string          `json:"message"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Prefix    string          `json:"prefix,omitempty"`
	Emoji     string          `json:"emoji,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`

	// Body-carried credentials. Both spellings are accepted.
	APIKey      string `json:"api_key,omitempty"`
	APIKeyCamel string `json:"apiKey,omitempty"`
}

// BodyKey returns the credential carried in the body, preferring api_key.
func (e LogEntry) BodyKey() string {
	if e.APIKey != "" {
		return e.APIKey
	}
	return e.APIKeyCamel
}
