package protocol

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// ValueKind discriminates the transportable value union.
type ValueKind uint8

const (
	KindNil ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindHandle
)

// Value is the only shape allowed to cross the context boundary: a
// primitive or an opaque handle reference. Non-primitive results never
// travel raw; the owner substitutes a handle reference for them.
type Value struct {
	Kind   ValueKind
	Bool   bool
	Int    int64
	Float  float64
	Str    string
	Handle uint64
}

// handleRefWire is the on-wire shape of a handle reference.
type handleRefWire struct {
	IsHandle bool   `cbor:"isHandle"`
	HandleID uint64 `cbor:"handleId"`
}

func Nil() Value                { return Value{Kind: KindNil} }
func Bool(v bool) Value         { return Value{Kind: KindBool, Bool: v} }
func Int(v int64) Value         { return Value{Kind: KindInt, Int: v} }
func Float(v float64) Value     { return Value{Kind: KindFloat, Float: v} }
func Str(v string) Value        { return Value{Kind: KindString, Str: v} }
func HandleRef(id uint64) Value { return Value{Kind: KindHandle, Handle: id} }

// IsHandleRef reports whether the value stands in for a non-transferable
// object owned by the other context.
func (v Value) IsHandleRef() bool {
	return v.Kind == KindHandle
}

// FromNative converts a Go primitive into a transportable Value. Anything
// outside the primitive set fails with ErrNotPrimitive.
func FromNative(in any) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Nil(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		if uint64(t) > math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: uint %d overflows int64", ErrNotPrimitive, t)
		}
		return Int(int64(t)), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		if t > math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: uint64 %d overflows int64", ErrNotPrimitive, t)
		}
		return Int(int64(t)), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case string:
		return Str(t), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrNotPrimitive, in)
	}
}

// IsPrimitiveNative reports whether a Go value belongs to the primitive
// set and may travel raw instead of by handle reference.
func IsPrimitiveNative(in any) bool {
	_, err := FromNative(in)
	return err == nil
}

// Native returns the Go-side representation. Handle references stay as
// Value so callers cannot mistake them for data.
func (v Value) Native() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString:
		return v.Str
	case KindHandle:
		return v
	default:
		return nil
	}
}

func (v Value) MarshalCBOR() ([]byte, error) {
	switch v.Kind {
	case KindNil:
		return cbor.Marshal(nil)
	case KindBool:
		return cbor.Marshal(v.Bool)
	case KindInt:
		return cbor.Marshal(v.Int)
	case KindFloat:
		return cbor.Marshal(v.Float)
	case KindString:
		return cbor.Marshal(v.Str)
	case KindHandle:
		return cbor.Marshal(handleRefWire{IsHandle: true, HandleID: v.Handle})
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrValueShape, v.Kind)
	}
}

func (v *Value) UnmarshalCBOR(data []byte) error {
	var raw any
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrValueShape, err)
	}
	switch t := raw.(type) {
	case nil:
		*v = Nil()
	case bool:
		*v = Bool(t)
	case int64:
		*v = Int(t)
	case uint64:
		*v = Int(int64(t))
	case float64:
		*v = Float(t)
	case string:
		*v = Str(t)
	case map[any]any, map[string]any:
		var ref handleRefWire
		if err := cbor.Unmarshal(data, &ref); err != nil {
			return fmt.Errorf("%w: %v", ErrValueShape, err)
		}
		if !ref.IsHandle {
			return fmt.Errorf("%w: map without isHandle marker", ErrValueShape)
		}
		*v = HandleRef(ref.HandleID)
	default:
		return fmt.Errorf("%w: %T", ErrValueShape, raw)
	}
	return nil
}

// MarshalJSON mirrors the wire shape for the admin surface: primitives
// raw, handle references as {"isHandle":true,"handleId":n}.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == KindHandle {
		return json.Marshal(map[string]any{"isHandle": true, "handleId": v.Handle})
	}
	return json.Marshal(v.Native())
}

func (v Value) String() string {
	switch v.Kind {
	case KindNil:
		return "nil"
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	case KindHandle:
		return fmt.Sprintf("handle(%d)", v.Handle)
	default:
		return fmt.Sprintf("value(kind=%d)", v.Kind)
	}
}
