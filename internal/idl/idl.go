package idl

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// UnknownProgramName is the placeholder used when an IDL carries no name at
// all. Write paths refuse it.
const UnknownProgramName = "unknown_program"

// IDL is an Anchor interface-description document. The structure is treated
// as opaque JSON apart from the handful of named fields used for counts and
// naming.
type IDL map[string]any

// Parse decodes raw JSON into an IDL. The top level must be an object.
func Parse(data []byte) (IDL, error) {
	var doc IDL
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse idl: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("parse idl: top level is not an object")
	}
	return doc, nil
}

// Name resolves the program name: top-level "name", then "metadata.name",
// then the unknown placeholder.
func (d IDL) Name() string {
	if name, ok := d["name"].(string); ok && strings.TrimSpace(name) != "" {
		return name
	}
	if meta, ok := d["metadata"].(map[string]any); ok {
		if name, ok := meta["name"].(string); ok && strings.TrimSpace(name) != "" {
			return name
		}
	}
	return UnknownProgramName
}

// Instructions returns the instruction list, or nil when absent.
func (d IDL) Instructions() []any { return d.array("instructions") }

// Accounts returns the account list, or nil when absent.
func (d IDL) Accounts() []any { return d.array("accounts") }

// Types returns the custom type list, or nil when absent.
func (d IDL) Types() []any { return d.array("types") }

// Events returns the event list, or nil when absent.
func (d IDL) Events() []any { return d.array("events") }

// Errors returns the error-code list, or nil when absent.
func (d IDL) Errors() []any { return d.array("errors") }

func (d IDL) array(key string) []any {
	if arr, ok := d[key].([]any); ok {
		return arr
	}
	return nil
}

// Hash computes the SHA-256 of the canonical JSON serialization of the
// document. Object keys are ordered lexicographically at every depth, so key
// order never changes the hash. Number literals are hashed exactly as
// written, so 1 and 1.0 hash differently. The result is not comparable with
// hashes produced by serializers that preserve insertion order.
func Hash(doc IDL) (string, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, map[string]any(doc)); err != nil {
		return "", fmt.Errorf("canonicalize idl: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

func writeCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encoded, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(encoded)
			buf.WriteByte(':')
			if err := writeCanonical(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case json.Number:
		buf.WriteString(v.String())
		return nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	}
}
