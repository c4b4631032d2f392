package signing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf16"
)

// separators fixes the element and key separators of a canonical profile.
type separators struct {
	item string // between array elements / object members
	kv   string // between an object key and its value
}

var (
	// Spaced profile: action payloads and signed request bodies.
	spacedSeps = separators{item: ", ", kv: ": "}
	// Compact profile: MCP attestation payloads.
	compactSeps = separators{item: ",", kv: ":"}
)

// Canonical renders v as deterministic JSON with sorted object keys and
// the spaced separator profile (", " between members, ": " after keys).
// This is the byte form the control plane hashes when verifying action
// signatures and request envelopes.
func Canonical(v any) ([]byte, error) {
	return canonical(v, spacedSeps)
}

// CanonicalCompact renders v with the compact separator profile ("," and
// ":"), used for MCP attestation payloads.
func CanonicalCompact(v any) ([]byte, error) {
	return canonical(v, compactSeps)
}

func canonical(v any, seps separators) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, norm, seps); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalize round-trips v through encoding/json so that structs, typed
// maps and slices all collapse to the generic forms writeValue handles.
// Numbers are kept as json.Number to preserve their source rendering.
func normalize(v any) (any, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	dec := json.NewDecoder(&buf)
	dec.UseNumber()
	var norm any
	if err := dec.Decode(&norm); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	return norm, nil
}

func writeValue(buf *bytes.Buffer, v any, seps separators) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		writeString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteString(seps.item)
			}
			if err := writeValue(buf, item, seps); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(seps.item)
			}
			writeString(buf, k)
			buf.WriteString(seps.kv)
			if err := writeValue(buf, val[k], seps); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
	return nil
}

// writeString quotes s the way the control plane's other SDKs do: printable
// ASCII stays literal, everything else becomes a \u escape (surrogate pairs
// for characters outside the BMP).
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r >= 0x20 && r < 0x7f:
			buf.WriteRune(r)
		case r > 0xffff:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
		default:
			// Invalid UTF-8 bytes surface here as U+FFFD and escape
			// like any other non-ASCII rune.
			fmt.Fprintf(buf, `\u%04x`, r)
		}
	}
	buf.WriteByte('"')
}
