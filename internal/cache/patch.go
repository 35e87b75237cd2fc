package cache

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tallyup/offline/internal/faults"
	"github.com/tallyup/offline/internal/models"
)

// Patch is a serializable description of an optimistic cache edit. Patches
// are tagged variants rather than closures so a queued mutation's local
// effect can be persisted and replayed.
type Patch struct {
	Kind       models.Operation `json:"kind"`
	MatchField string           `json:"match_field,omitempty"` // defaults to "id"
	MatchKey   string           `json:"match_key,omitempty"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
}

// matchField returns the document field compared against MatchKey.
func (p Patch) matchField() string {
	if p.MatchField == "" {
		return "id"
	}
	return p.MatchField
}

// apply interprets the patch against the current cached value. Cached values
// are either a JSON array of documents (list queries) or a single document
// (detail queries).
func (p Patch) apply(data json.RawMessage) (json.RawMessage, error) {
	if !p.Kind.Valid() {
		return nil, faults.New(faults.ErrInvalid, fmt.Sprintf("unknown patch kind %q", p.Kind))
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if p.Kind == models.OpInsert {
			return json.Marshal([]json.RawMessage{p.Payload})
		}
		// Nothing cached to update or delete.
		return data, nil
	}

	switch trimmed[0] {
	case '[':
		return p.applyToList(data)
	case '{':
		return p.applyToDocument(data)
	default:
		// Scalar values can only be replaced wholesale.
		if p.Kind == models.OpInsert || p.Kind == models.OpUpdate {
			return p.Payload, nil
		}
		return nil, nil
	}
}

// applyToList edits a JSON array of documents.
func (p Patch) applyToList(data json.RawMessage) (json.RawMessage, error) {
	var docs []json.RawMessage
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, faults.Wrap(faults.ErrSerialize, "cached list is not valid JSON", err)
	}

	switch p.Kind {
	case models.OpInsert:
		docs = append(docs, p.Payload)

	case models.OpUpdate:
		for i, doc := range docs {
			ok, err := p.matches(doc)
			if err != nil {
				return nil, err
			}
			if ok {
				merged, err := mergeFields(doc, p.Payload)
				if err != nil {
					return nil, err
				}
				docs[i] = merged
			}
		}

	case models.OpDelete:
		kept := docs[:0]
		for _, doc := range docs {
			ok, err := p.matches(doc)
			if err != nil {
				return nil, err
			}
			if !ok {
				kept = append(kept, doc)
			}
		}
		docs = kept
	}

	return json.Marshal(docs)
}

// applyToDocument edits a single cached document.
func (p Patch) applyToDocument(data json.RawMessage) (json.RawMessage, error) {
	switch p.Kind {
	case models.OpInsert:
		return p.Payload, nil

	case models.OpUpdate:
		if p.MatchKey != "" {
			ok, err := p.matches(data)
			if err != nil {
				return nil, err
			}
			if !ok {
				return data, nil
			}
		}
		return mergeFields(data, p.Payload)

	case models.OpDelete:
		ok, err := p.matches(data)
		if err != nil {
			return nil, err
		}
		if ok || p.MatchKey == "" {
			return nil, nil
		}
		return data, nil
	}
	return data, nil
}

// matches reports whether doc's match field equals MatchKey.
func (p Patch) matches(doc json.RawMessage) (bool, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(doc, &fields); err != nil {
		return false, faults.Wrap(faults.ErrSerialize, "cached document is not valid JSON", err)
	}
	v, ok := fields[p.matchField()]
	if !ok {
		return false, nil
	}
	return fmt.Sprint(v) == p.MatchKey, nil
}

// mergeFields overlays the payload's fields onto doc, replacing matching
// fields and keeping the rest.
func mergeFields(doc, payload json.RawMessage) (json.RawMessage, error) {
	var base map[string]json.RawMessage
	if err := json.Unmarshal(doc, &base); err != nil {
		return nil, faults.Wrap(faults.ErrSerialize, "cached document is not valid JSON", err)
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(payload, &overlay); err != nil {
		return nil, faults.Wrap(faults.ErrSerialize, "patch payload is not a JSON document", err)
	}
	for k, v := range overlay {
		base[k] = v
	}
	return json.Marshal(base)
}
