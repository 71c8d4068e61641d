package ops

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roomsync/roomsync.go/pkg/errs"
)

// Marshal encodes op as a JSON object tagged with its kind:
//
//	{"type":"addFurniture","opId":"...","roomId":"...",...}
func Marshal(op Op) ([]byte, error) {
	if op == nil {
		return nil, errs.BadRequestf("nil operation")
	}
	body, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", op.Kind(), err)
	}
	kind, err := json.Marshal(op.Kind())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(kind) + 9)
	buf.WriteString(`{"type":`)
	buf.Write(kind)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Unmarshal decodes a tagged operation produced by Marshal.
func Unmarshal(data []byte) (Op, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, errs.Wrap(errs.BadRequest, err, "malformed operation")
	}
	switch head.Type {
	case KindAddFurniture:
		return decode[AddFurniture](data)
	case KindUpdateFurniture:
		return decode[UpdateFurniture](data)
	case KindRemoveFurniture:
		return decode[RemoveFurniture](data)
	case KindAddLight:
		return decode[AddLight](data)
	case KindUpdateLight:
		return decode[UpdateLight](data)
	case KindRemoveLight:
		return decode[RemoveLight](data)
	case KindCreateLayout:
		return decode[CreateLayout](data)
	case KindUpdateLayout:
		return decode[UpdateLayout](data)
	case KindDeleteLayout:
		return decode[DeleteLayout](data)
	case KindUpdatePlanes:
		return decode[UpdatePlanes](data)
	case KindUpdateGlobalLighting:
		return decode[UpdateGlobalLighting](data)
	case "":
		return nil, errs.BadRequestf("operation without type")
	default:
		return nil, errs.BadRequestf("unknown operation type %q", head.Type)
	}
}

func decode[T Op](data []byte) (Op, error) {
	var op T
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, errs.Wrap(errs.BadRequest, err, "malformed operation")
	}
	return op, nil
}

// Batch is an ordered list of operations with tagged JSON encoding.
type Batch []Op

func (b Batch) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, op := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		data, err := Marshal(op)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (b *Batch) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return errs.Wrap(errs.BadRequest, err, "operations must be an array")
	}
	out := make(Batch, 0, len(raws))
	for i, raw := range raws {
		op, err := Unmarshal(raw)
		if err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
		out = append(out, op)
	}
	*b = out
	return nil
}

// IDs returns the operation ids of b in order.
func (b Batch) IDs() []string {
	ids := make([]string, len(b))
	for i, op := range b {
		ids[i] = op.OpID()
	}
	return ids
}
