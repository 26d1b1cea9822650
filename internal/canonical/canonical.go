// Package canonical produces the canonical JSON form used for
// fingerprinting. Map keys are sorted lexicographically at every nesting
// level and numbers use a fixed representation: integral values render as
// integers, non-integral values keep their decimals. The canonical form is
// idempotent: canonicalizing canonical output yields identical bytes.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// FingerprintLength is the number of hex characters kept from the SHA-256.
const FingerprintLength = 16

// Marshal renders v in canonical JSON form.
func Marshal(v any) ([]byte, error) {
	var sb strings.Builder
	if err := writeValue(&sb, v); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// Fingerprint returns the 16-hex-char prefix of the SHA-256 of the
// canonical JSON form of v.
func Fingerprint(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:FingerprintLength], nil
}

// Hash returns the full SHA-256 hex digest of the canonical form of v.
func Hash(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func writeValue(sb *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if val {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case string:
		return writeString(sb, val)
	case json.Number:
		return writeNumberString(sb, val.String())
	case float64:
		return writeFloat(sb, val)
	case float32:
		return writeFloat(sb, float64(val))
	case int:
		sb.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		sb.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		sb.WriteString(strconv.FormatInt(val, 10))
	case uint:
		sb.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint64:
		sb.WriteString(strconv.FormatUint(val, 10))
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeValue(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case []string:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeString(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case map[string]any:
		return writeMap(sb, val)
	default:
		// Structs and other composite values round-trip through
		// encoding/json into the supported shapes above.
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonicalize %T: %w", v, err)
		}
		dec := json.NewDecoder(strings.NewReader(string(data)))
		dec.UseNumber()
		var generic any
		if err := dec.Decode(&generic); err != nil {
			return fmt.Errorf("canonicalize %T: %w", v, err)
		}
		return writeValue(sb, generic)
	}
	return nil
}

func writeMap(sb *strings.Builder, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		if err := writeString(sb, k); err != nil {
			return err
		}
		sb.WriteByte(':')
		if err := writeValue(sb, m[k]); err != nil {
			return err
		}
	}
	sb.WriteByte('}')
	return nil
}

func writeString(sb *strings.Builder, s string) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	sb.Write(data)
	return nil
}

// writeFloat renders integral floats as integers and keeps decimals for
// everything else, so 5.0 and 5 fingerprint identically.
func writeFloat(sb *strings.Builder, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("cannot canonicalize non-finite number %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		sb.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	sb.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

// writeNumberString handles json.Number tokens without losing precision.
func writeNumberString(sb *strings.Builder, s string) error {
	if !strings.ContainsAny(s, ".eE") {
		sb.WriteString(s)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	return writeFloat(sb, f)
}
