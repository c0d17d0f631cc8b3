package backup

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Checksum serializes v with recursively sorted object keys, hashes it
// with SHA-256 and returns the first 16 hex characters. The canonical
// form survives a JSON round trip, so a restore can recompute the value
// from decoded data.
func Checksum(v any) (string, error) {
	var buf bytes.Buffer
	if err := canonicalJSON(&buf, v); err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])[:16], nil
}

func canonicalJSON(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kj, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kj)
			buf.WriteByte(':')
			if err := canonicalJSON(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case map[string][]map[string]any:
		// The envelope's data section.
		generic := make(map[string]any, len(val))
		for k, rows := range val {
			generic[k] = rows
		}
		return canonicalJSON(buf, generic)

	case []map[string]any:
		buf.WriteByte('[')
		for i, row := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := canonicalJSON(buf, row); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := canonicalJSON(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("canonicalize: %w", err)
		}
		buf.Write(raw)
		return nil
	}
}
