package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

// ErrInvalidJSON is returned when a document or value is not well-formed JSON.
var ErrInvalidJSON = errors.New("persist: invalid JSON")

// Document is a record set serialized as a single JSON object, one member per
// key. The file and S3 backends store record sets this way:
//
//	{ "object": { "value": <T> } }
type Document []byte

// ParseDocument validates b as a JSON object. Empty input yields an empty
// document.
func ParseDocument(b []byte) (Document, error) {
	if len(strings.TrimSpace(string(b))) == 0 {
		return Document("{}"), nil
	}
	if !gjson.ValidBytes(b) || !gjson.ParseBytes(b).IsObject() {
		return nil, fmt.Errorf("%w: record set is not a JSON object", ErrInvalidJSON)
	}
	return Document(b), nil
}

// Get returns the raw value under key.
func (d Document) Get(key string) (json.RawMessage, bool) {
	r := gjson.GetBytes(d, escapePath(key))
	if !r.Exists() {
		return nil, false
	}
	return json.RawMessage(r.Raw), true
}

// Set returns a copy of d with key replaced by value.
func (d Document) Set(key string, value json.RawMessage) (Document, error) {
	if !gjson.ValidBytes(value) {
		return nil, fmt.Errorf("%w: value for %q", ErrInvalidJSON, key)
	}
	out, err := sjson.SetRawBytes(d.copy(), escapePath(key), value)
	if err != nil {
		return nil, fmt.Errorf("persist.Document.Set: %w", err)
	}
	return Document(out), nil
}

// Delete returns a copy of d without key.
func (d Document) Delete(key string) (Document, error) {
	out, err := sjson.DeleteBytes(d.copy(), escapePath(key))
	if err != nil {
		return nil, fmt.Errorf("persist.Document.Delete: %w", err)
	}
	return Document(out), nil
}

// Apply returns a copy of d with every batch entry applied; nil values delete.
func (d Document) Apply(batch map[string]json.RawMessage) (Document, error) {
	out := d
	var err error
	for k, v := range batch {
		if v == nil {
			out, err = out.Delete(k)
		} else {
			out, err = out.Set(k, v)
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Pretty returns the indented form written to disk.
func (d Document) Pretty() []byte {
	return pretty.Pretty(d)
}

func (d Document) copy() []byte {
	out := make([]byte, len(d))
	copy(out, d)
	return out
}

// escapePath turns a literal key into a gjson/sjson path.
func escapePath(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
