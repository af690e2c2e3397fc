package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

var emptyObject = json.RawMessage(`{}`)

// Canonicalize converts payload into canonical JSON: object keys sorted by
// byte order at every depth, no insignificant whitespace, no HTML escaping and
// normalised numbers. The top-level value must be a JSON object; nil (and JSON
// null) canonicalise to {}.
//
// Canonicalize is idempotent, so a payload read back from a store that
// reformats JSON (Postgres JSONB reorders keys) hashes exactly as it did when
// it was appended.
func Canonicalize(payload any) (json.RawMessage, error) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		return emptyObject, nil
	case json.RawMessage:
		if len(p) == 0 {
			return emptyObject, nil
		}
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, &CanonicalizationError{Path: "$", Reason: "payload is not JSON-serializable", Err: err}
		}
		raw = b
	}
	if !utf8.Valid(raw) {
		return nil, &CanonicalizationError{Path: "$", Reason: "payload is not valid UTF-8"}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &CanonicalizationError{Path: "$", Reason: "malformed JSON", Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &CanonicalizationError{Path: "$", Reason: "trailing data after JSON value"}
	}

	switch v.(type) {
	case nil:
		return emptyObject, nil
	case map[string]any:
	default:
		return nil, &CanonicalizationError{Path: "$", Reason: "payload must be a JSON object"}
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, v, "$"); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any, path string) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeString(buf, t)
	case json.Number:
		n, err := normalizeNumber(t)
		if err != nil {
			return &CanonicalizationError{Path: path, Reason: "unrepresentable number", Err: err}
		}
		buf.WriteString(n)
	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, el, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k], path+"."+k); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return &CanonicalizationError{Path: path, Reason: fmt.Sprintf("unsupported value of type %T", v)}
	}
	return nil
}

// writeString appends s as a JSON string literal without HTML escaping.
func writeString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s) // strings always encode
	buf.Truncate(buf.Len() - 1)
}

// maxNumberMagnitude bounds the decimal exponent of a payload number. It
// covers the whole float64 range.
const maxNumberMagnitude = 1000

// normalizeNumber gives every numeric value exactly one textual form: plain
// decimal notation, no exponent, no leading or trailing zeros, and "0" for
// zero of either sign. The digits are taken from the literal, so the value is
// never rounded, and Postgres numeric renders the result unchanged.
func normalizeNumber(n json.Number) (string, error) {
	s := n.String()
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	mant, expPart := s, ""
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		mant, expPart = s[:i], s[i+1:]
	}
	exp := 0
	if expPart != "" {
		e, err := strconv.Atoi(expPart)
		if err != nil || e > 10*maxNumberMagnitude || e < -10*maxNumberMagnitude {
			return "", fmt.Errorf("exponent of %q out of range", n)
		}
		exp = e
	}

	intPart, frac, _ := strings.Cut(mant, ".")
	if intPart == "" || !isDigits(intPart) || !isDigits(frac) {
		return "", fmt.Errorf("malformed number %q", n)
	}
	digits := intPart + frac
	point := len(intPart) + exp // decimal point position within digits

	trimmed := strings.TrimLeft(digits, "0")
	point -= len(digits) - len(trimmed)
	digits = strings.TrimRight(trimmed, "0")
	if digits == "" {
		return "0", nil
	}
	if point > maxNumberMagnitude || point < -maxNumberMagnitude {
		return "", fmt.Errorf("magnitude of %q out of range", n)
	}

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	switch {
	case point <= 0:
		b.WriteString("0.")
		b.WriteString(strings.Repeat("0", -point))
		b.WriteString(digits)
	case point >= len(digits):
		b.WriteString(digits)
		b.WriteString(strings.Repeat("0", point-len(digits)))
	default:
		b.WriteString(digits[:point])
		b.WriteByte('.')
		b.WriteString(digits[point:])
	}
	return b.String(), nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
