// Package codec encodes task arguments and results exchanged with the
// coordination server.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"

	cbor "github.com/fxamacker/cbor/v2"
)

var mapStringAny = reflect.TypeOf(map[string]any(nil))

// Codec marshals values carried in claim and completion messages.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

// JSON returns the default codec. Content-Type: application/json
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string                { return "application/json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec. Maps decode as map[string]any so
// values round-trip into the same shapes the JSON codec produces.
func CBOR() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{DefaultMapType: mapStringAny}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) ContentType() string                { return "application/cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// Transcode decodes data with from and re-encodes it with to. Empty input and
// codecs sharing a content type pass through unchanged.
func Transcode(data []byte, from, to Codec) ([]byte, error) {
	if len(data) == 0 || from.ContentType() == to.ContentType() {
		return data, nil
	}
	var v any
	if err := from.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("codec: decode %s: %w", from.ContentType(), err)
	}
	out, err := to.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", to.ContentType(), err)
	}
	return out, nil
}

// Registry maps names and content types to codecs.
type Registry struct{ byName map[string]Codec }

// NewRegistry returns a registry preloaded with JSON and CBOR.
func NewRegistry() (*Registry, error) {
	r := &Registry{byName: make(map[string]Codec)}
	r.Register("json", JSON())
	c, err := CBOR()
	if err != nil {
		return nil, fmt.Errorf("codec: init cbor: %w", err)
	}
	r.Register("cbor", c)
	return r, nil
}

// Register adds c under name and under its content type.
func (r *Registry) Register(name string, c Codec) {
	r.byName[name] = c
	r.byName[c.ContentType()] = c
}

// Get returns the codec registered as name, or nil.
func (r *Registry) Get(name string) Codec { return r.byName[name] }

// ForName resolves a configured encoding name.
func ForName(name string) (Codec, error) {
	r, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = "json"
	}
	c := r.Get(name)
	if c == nil {
		return nil, fmt.Errorf("codec: unknown encoding %q", name)
	}
	return c, nil
}
