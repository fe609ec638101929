package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func readParts(t require.TestingT, p *Payload) []Field {
	mediaType, params, err := mime.ParseMediaType(p.ContentType)
	require.NoError(t, err)
	require.Equal(t, "multipart/form-data", mediaType)

	var fields []Field
	r := multipart.NewReader(bytes.NewReader(p.Body), params["boundary"])
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		value, err := io.ReadAll(part)
		require.NoError(t, err)
		fields = append(fields, Field{Name: part.FormName(), Value: string(value)})
	}
	return fields
}

func TestParseForm(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []Field
	}{
		{"simple", "a=1&b=2", []Field{{"a", "1"}, {"b", "2"}}},
		{"decoded once", "v=%2541", []Field{{"v", "%41"}}},
		{"plus kept", "q=a+b", []Field{{"q", "a+b"}}},
		{"split at first equals", "k=x=y", []Field{{"k", "x=y"}}},
		{"no value", "flag", []Field{{"flag", ""}}},
		{"empty segments skipped", "a=1&&b=2&", []Field{{"a", "1"}, {"b", "2"}}},
		{"invalid escape kept", "v=%zz", []Field{{"v", "%zz"}}},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseForm(tt.body))
		})
	}
}

func TestEncode_Form(t *testing.T) {
	p, err := Encode("name=Jane%20Doe&city=Z%C3%BCrich", "application/x-www-form-urlencoded")
	require.NoError(t, err)

	fields := readParts(t, p)
	assert.Equal(t, []Field{{"name", "Jane Doe"}, {"city", "Zürich"}}, fields)
}

func TestEncode_FormMap(t *testing.T) {
	p, err := Encode(map[string]string{"b": "2", "a": "1"}, "multipart/form-data")
	require.NoError(t, err)
	assert.Equal(t, []Field{{"a", "1"}, {"b", "2"}}, readParts(t, p))
}

func TestEncode_FormUnsupported(t *testing.T) {
	_, err := Encode(42, "application/x-www-form-urlencoded")
	assert.ErrorIs(t, err, ErrUnsupportedBody)
}

func TestEncode_FormRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "n")
		names := rapid.SliceOfN(rapid.StringMatching(`[a-z][a-z0-9_]{0,7}`), n, n).Draw(t, "names")
		values := rapid.SliceOfN(rapid.String(), n, n).Draw(t, "values")

		pairs := make([]string, n)
		for i := range pairs {
			pairs[i] = names[i] + "=" + percentEncode(values[i])
		}

		p, err := Encode(strings.Join(pairs, "&"), "application/x-www-form-urlencoded")
		require.NoError(t, err)

		fields := readParts(t, p)
		require.Len(t, fields, n)
		for i, f := range fields {
			assert.Equal(t, names[i], f.Name)
			assert.Equal(t, values[i], f.Value)
		}
	})
}

func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		fmt.Fprintf(&b, "%%%02X", s[i])
	}
	return b.String()
}

func TestEncode_JSON(t *testing.T) {
	tests := []struct {
		name string
		body any
		ct   string
		want string
		wct  string
	}{
		{"struct value", map[string]any{"b": 1, "a": "x"}, "", `{"a":"x","b":1}`, "application/json"},
		{"json string normalized", "{ \"b\": 1,\n \"a\": [1, 2] }", "application/json", `{"a":[1,2],"b":1}`, "application/json"},
		{"big number kept", `{"id": 12345678901234567890}`, "", `{"id":12345678901234567890}`, "application/json"},
		{"bytes normalized", []byte(` [ true , null ] `), "", `[true,null]`, "application/json"},
		{"unparseable sent raw", "not json {", "", "not json {", "text/plain; charset=utf-8"},
		{"unparseable keeps content type", "plain", "text/plain", "plain", "text/plain"},
		{"trailing data sent raw", `{"a":1} {"b":2}`, "", `{"a":1} {"b":2}`, "text/plain; charset=utf-8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Encode(tt.body, tt.ct)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(p.Body))
			assert.Equal(t, tt.wct, p.ContentType)
		})
	}
}

func TestEncode_Raw(t *testing.T) {
	tests := []struct {
		name string
		body Raw
		ct   string
		wct  string
	}{
		{"json key order kept", Raw(`{"b":1, "a":2}`), "application/json", "application/json"},
		{"urlencoded form kept", Raw("a=1&b=x+y%20z"), "application/x-www-form-urlencoded", "application/x-www-form-urlencoded"},
		{"binary defaults content type", Raw{0x00, 0xff, 0x10}, "", "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Encode(tt.body, tt.ct)
			require.NoError(t, err)
			assert.Equal(t, []byte(tt.body), p.Body)
			assert.Equal(t, tt.wct, p.ContentType)
		})
	}
}

func TestEncode_Nil(t *testing.T) {
	p, err := Encode(nil, "application/json")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestEncode_Unmarshalable(t *testing.T) {
	_, err := Encode(make(chan int), "")
	assert.ErrorIs(t, err, ErrUnsupportedBody)
}

func TestDecodeContent(t *testing.T) {
	v := DecodeContent("application/json; charset=utf-8", []byte(`{"shape":"circle","n":3}`))
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "circle", m["shape"])
	assert.Equal(t, json.Number("3"), m["n"])

	assert.Equal(t, "{broken", DecodeContent("application/json", []byte("{broken")))
	assert.Equal(t, "<p>hi</p>", DecodeContent("text/html", []byte("<p>hi</p>")))
	assert.Nil(t, DecodeContent("application/json", nil))
}
