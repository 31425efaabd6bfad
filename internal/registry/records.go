package registry

import (
	"encoding/json"
	"fmt"
)

// BackendData is the payload of a backend record.
type BackendData struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Token  string `json:"token"`
	Prefix string `json:"prefix"`
}

// Record is the canonical shape of a registry backend entry. Every tolerated
// wire format is normalized into this type at the ingestion boundary; shape
// ambiguity never propagates past this package.
type Record struct {
	Key      string
	Data     BackendData
	Metadata map[string]any
}

// Deleted reports whether the record is soft-deleted in the registry.
func (r Record) Deleted() bool {
	if r.Metadata == nil {
		return false
	}
	if deleted, ok := r.Metadata["deleted"].(bool); ok && deleted {
		return true
	}
	if status, ok := r.Metadata["status"].(string); ok && status == "deleted" {
		return true
	}
	return false
}

// User is a user record with its secret digest. Only the digest is ever
// compared; the plaintext password never reaches this package.
type User struct {
	Username     string `json:"username"`
	Email        string `json:"email,omitempty"`
	Role         string `json:"role,omitempty"`
	Active       bool   `json:"active,omitempty"`
	PasswordHash string `json:"-"`
}

// rawItem mirrors the primary registry collection format.
type rawItem struct {
	Key      string          `json:"key"`
	Data     json.RawMessage `json:"data"`
	Metadata map[string]any  `json:"metadata"`
}

// parseBackendCollection normalizes a backend collection response.
//
// Three shapes are tolerated, tried in order:
//  1. {"items": [{"key": ..., "data": ..., "metadata": ...}, ...]}
//  2. a single {"key": ..., "data": ...} object
//  3. a legacy map of key -> {"data": ...}
func parseBackendCollection(body []byte) ([]Record, error) {
	var itemsEnvelope struct {
		Items []rawItem `json:"items"`
	}
	if err := json.Unmarshal(body, &itemsEnvelope); err == nil && itemsEnvelope.Items != nil {
		return recordsFromItems(itemsEnvelope.Items)
	}

	var single rawItem
	if err := json.Unmarshal(body, &single); err == nil && single.Key != "" && single.Data != nil {
		return recordsFromItems([]rawItem{single})
	}

	var legacy map[string]rawItem
	if err := json.Unmarshal(body, &legacy); err == nil {
		items := make([]rawItem, 0, len(legacy))
		for key, item := range legacy {
			if item.Data == nil {
				continue
			}
			item.Key = key
			items = append(items, item)
		}
		return recordsFromItems(items)
	}

	return nil, fmt.Errorf("unrecognized backend collection format")
}

// recordsFromItems decodes item payloads, dropping soft-deleted entries.
func recordsFromItems(items []rawItem) ([]Record, error) {
	records := make([]Record, 0, len(items))
	for _, item := range items {
		if item.Data == nil {
			continue
		}

		var data BackendData
		if err := json.Unmarshal(item.Data, &data); err != nil {
			return nil, fmt.Errorf("decode backend record %q: %w", item.Key, err)
		}

		record := Record{Key: item.Key, Data: data, Metadata: item.Metadata}
		if record.Deleted() {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}
