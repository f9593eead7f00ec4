package service

import (
	"encoding/json"
	"fmt"

	"github.com/pocketledger/pocketledger/internal/remote"
)

// toDoc converts a domain value into the schemaless shape the remote store
// persists. Origin is a local concern and never leaves the device; the id is
// assigned by the store on create.
func toDoc(v any) (remote.Doc, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entity: %w", err)
	}
	var doc remote.Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to encode entity: %w", err)
	}
	delete(doc, "origin")
	delete(doc, "id")
	return doc, nil
}

// fromDoc decodes a stored document back into a domain value.
func fromDoc[T any](doc remote.Doc) (T, error) {
	var out T
	raw, err := json.Marshal(doc)
	if err != nil {
		return out, fmt.Errorf("failed to decode document: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode document: %w", err)
	}
	return out, nil
}
