// Package wire turns the logical request bodies callers supply into the
// bytes sent on the wire, and response bodies back into values.
//
// Form-encoded bodies become multipart payloads with one part per field.
// Everything else is treated as JSON; JSON-looking strings are normalized
// and anything unparseable is sent unchanged. Raw bodies skip all of this.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/url"
	"sort"
	"strings"
)

// ErrUnsupportedBody is returned when a body cannot be encoded for the
// requested content type.
var ErrUnsupportedBody = errors.New("unsupported body")

// Payload is an encoded request body.
type Payload struct {
	// ContentType is the value to send in the Content-Type header. For
	// multipart payloads it carries the boundary.
	ContentType string

	// Body is the encoded body.
	Body []byte
}

// Raw is a body that is already in wire form. It is sent byte for byte
// with the caller's content type.
type Raw []byte

// Field is a single form field.
type Field struct {
	Name  string
	Value string
}

// IsForm reports whether contentType denotes a form body.
func IsForm(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "form")
}

// IsJSON reports whether contentType denotes a JSON body.
func IsJSON(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "json")
}

// ParseForm splits an urlencoded body into fields. Pairs are separated by
// '&' and split at the first '='; values are percent-decoded exactly once
// and '+' is kept literally. Empty segments are skipped.
func ParseForm(body string) []Field {
	var fields []Field
	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		if decoded, err := url.PathUnescape(value); err == nil {
			value = decoded
		}
		fields = append(fields, Field{Name: name, Value: value})
	}
	return fields
}

// Encode produces the wire form of body. A nil body yields a nil payload.
func Encode(body any, contentType string) (*Payload, error) {
	if body == nil {
		return nil, nil
	}
	if raw, ok := body.(Raw); ok {
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return &Payload{ContentType: contentType, Body: raw}, nil
	}
	if IsForm(contentType) {
		return encodeForm(body)
	}
	return encodeJSON(body, contentType)
}

func encodeForm(body any) (*Payload, error) {
	var fields []Field
	switch b := body.(type) {
	case string:
		fields = ParseForm(b)
	case []byte:
		fields = ParseForm(string(b))
	case map[string]string:
		names := make([]string, 0, len(b))
		for name := range b {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fields = append(fields, Field{Name: name, Value: b[name]})
		}
	case []Field:
		fields = b
	default:
		return nil, fmt.Errorf("%w: form body of type %T", ErrUnsupportedBody, body)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range fields {
		if err := w.WriteField(f.Name, f.Value); err != nil {
			return nil, fmt.Errorf("failed to write form field %q: %w", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish form: %w", err)
	}

	return &Payload{ContentType: w.FormDataContentType(), Body: buf.Bytes()}, nil
}

func encodeJSON(body any, contentType string) (*Payload, error) {
	var raw []byte
	switch b := body.(type) {
	case string:
		raw = []byte(b)
	case []byte:
		raw = b
	case json.RawMessage:
		raw = b
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedBody, err)
		}
		return &Payload{ContentType: orDefault(contentType, "application/json"), Body: data}, nil
	}

	if normalized, ok := normalizeJSON(raw); ok {
		return &Payload{ContentType: orDefault(contentType, "application/json"), Body: normalized}, nil
	}
	return &Payload{ContentType: orDefault(contentType, "text/plain; charset=utf-8"), Body: raw}, nil
}

// normalizeJSON re-encodes raw with sorted object keys and no
// insignificant whitespace. Numbers keep their original text.
func normalizeJSON(raw []byte) ([]byte, bool) {
	v, err := decode(raw)
	if err != nil {
		return nil, false
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return out, true
}

func decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

// DecodeContent converts a response body into a value. JSON bodies are
// parsed; bodies that fail to parse, or are not JSON, are returned as a
// string. An empty body yields nil.
func DecodeContent(contentType string, body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if IsJSON(contentType) {
		if v, err := decode(body); err == nil {
			return v
		}
	}
	return string(body)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
