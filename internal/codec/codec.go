// Package codec abstracts the encodings used on the wire (JSON) and in
// persisted property snapshots (CBOR).
package codec

import (
	"encoding/json"
	"io"

	"github.com/fxamacker/cbor/v2"
)

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

type Marshaler interface {
	Marshal(v any) ([]byte, error)
	NewEncoder(w io.Writer) Encoder
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
	NewDecoder(r io.Reader) Decoder
}

// Codec is both halves.
type Codec interface {
	Marshaler
	Unmarshaler
}

// JSON is the wire codec.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error)        { return json.Marshal(v) }
func (JSON) Unmarshal(data []byte, dst any) error { return json.Unmarshal(data, dst) }
func (JSON) NewEncoder(w io.Writer) Encoder       { return json.NewEncoder(w) }
func (JSON) NewDecoder(r io.Reader) Decoder       { return json.NewDecoder(r) }

// CBOR is the snapshot codec. Struct fields are keyed by their json tags,
// times are RFC 3339 strings with nanoseconds and map keys are sorted, so the
// same state always encodes to the same bytes.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCBOR() *CBOR {
	enc, err := cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return &CBOR{enc: enc, dec: dec}
}

func (c *CBOR) Marshal(v any) ([]byte, error)        { return c.enc.Marshal(v) }
func (c *CBOR) Unmarshal(data []byte, dst any) error { return c.dec.Unmarshal(data, dst) }
func (c *CBOR) NewEncoder(w io.Writer) Encoder       { return c.enc.NewEncoder(w) }
func (c *CBOR) NewDecoder(r io.Reader) Decoder       { return c.dec.NewDecoder(r) }

var (
	_ Codec = JSON{}
	_ Codec = (*CBOR)(nil)
)
