// Package jsoncodec is the single JSON boundary of the runtime. Envelope
// parsing, parameter binding, typed handler payloads, and Publish encoding
// all go through it, backed by sonic's std-compatible configuration so the
// wire semantics match encoding/json.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// UnmarshalObject parses data and returns its fields when it is a JSON
// object. Valid non-object JSON yields a nil map and no error; only invalid
// JSON fails. Message payloads bind handler parameters through this.
func UnmarshalObject(data []byte) (map[string]any, error) {
	var parsed any
	if err := api.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	obj, _ := parsed.(map[string]any)
	return obj, nil
}

func Encode(w io.Writer, v any) error {
	return api.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return api.NewDecoder(r).Decode(v)
}
