// Package value implements the engine's self-describing Value type: a
// tagged recursive variant with lossless binary round-tripping (CBOR) and
// JSON conversion, exactly as consumed by the guest ABI's argument and
// emission protocol. The JSON round trip is lossy: byte strings come back
// as base64 strings, floats with an integral value come back as Int, and
// integers beyond 2^53 lose precision.
package value

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/sandboxrt/sandboxrt/pkg/sberr"
)

// Kind tags the active variant of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindBytes
	KindString
	KindSeq
	KindMap
)

// maxDecodeDepth guards against stack blowup and cyclic/adversarial
// encodings when decoding either CBOR or JSON into a Value tree.
const maxDecodeDepth = 128

// Value is a closed sum type over {null, bool, int, float, bytes, string,
// ordered sequence of Value, mapping from string to Value}.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	by   []byte
	s    string
	seq  []Value
	mp   map[string]Value
	// mpOrder preserves insertion order for deterministic re-encoding;
	// maps in Go have no iteration order guarantee.
	mpOrder []string
}

func Null() Value                { return Value{kind: KindNull} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Int(i int64) Value          { return Value{kind: KindInt, i: i} }
func Float(f float64) Value      { return Value{kind: KindFloat, f: f} }
func Bytes(b []byte) Value       { return Value{kind: KindBytes, by: append([]byte(nil), b...)} }
func String(s string) Value      { return Value{kind: KindString, s: s} }
func Seq(items []Value) Value    { return Value{kind: KindSeq, seq: items} }

// Map builds a KindMap value from an ordered list of (key, value) pairs.
// Later duplicate keys overwrite earlier ones but keep the earlier key's
// position, mirroring typical "last write wins" map construction.
func Map(pairs ...KV) Value {
	v := Value{kind: KindMap, mp: make(map[string]Value, len(pairs))}
	for _, p := range pairs {
		if _, exists := v.mp[p.Key]; !exists {
			v.mpOrder = append(v.mpOrder, p.Key)
		}
		v.mp[p.Key] = p.Val
	}
	return v
}

// KV is a single map entry used to build a KindMap Value in order.
type KV struct {
	Key string
	Val Value
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) AsBool() (bool, bool)       { return v.b, v.kind == KindBool }
func (v Value) AsInt() (int64, bool)       { return v.i, v.kind == KindInt }
func (v Value) AsFloat() (float64, bool)   { return v.f, v.kind == KindFloat }
func (v Value) AsBytes() ([]byte, bool)    { return v.by, v.kind == KindBytes }
func (v Value) AsString() (string, bool)   { return v.s, v.kind == KindString }
func (v Value) AsSeq() ([]Value, bool)     { return v.seq, v.kind == KindSeq }

// AsMap returns the map contents in insertion order as parallel key/value
// slices alongside the boolean kind check, since Go maps do not preserve
// order on their own.
func (v Value) AsMap() ([]KV, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	out := make([]KV, 0, len(v.mpOrder))
	for _, k := range v.mpOrder {
		out = append(out, KV{Key: k, Val: v.mp[k]})
	}
	return out, true
}

// --- binary (CBOR) encoding: as_encoded / from_encoded ---

// wireValue is the CBOR-serializable shadow of Value. CBOR's own type tags
// already distinguish int/float/bytes/string/array/map, so the wire form
// just needs an explicit tag for null vs. an absent field, and an ordered
// key list to preserve map insertion order across the round trip.
type wireValue struct {
	T int             `cbor:"t"`
	B bool            `cbor:"b,omitempty"`
	I int64           `cbor:"i,omitempty"`
	F float64         `cbor:"f,omitempty"`
	Y []byte          `cbor:"y,omitempty"`
	S string          `cbor:"s,omitempty"`
	Q []wireValue     `cbor:"q,omitempty"`
	K []string        `cbor:"k,omitempty"`
	V []wireValue     `cbor:"v,omitempty"`
}

func toWire(v Value, depth int) (wireValue, error) {
	if depth > maxDecodeDepth {
		return wireValue{}, sberr.New(sberr.CodeInvalidArgument, "DepthExceeded")
	}
	w := wireValue{T: int(v.kind)}
	switch v.kind {
	case KindNull:
	case KindBool:
		w.B = v.b
	case KindInt:
		w.I = v.i
	case KindFloat:
		w.F = v.f
	case KindBytes:
		w.Y = v.by
	case KindString:
		w.S = v.s
	case KindSeq:
		w.Q = make([]wireValue, len(v.seq))
		for i, item := range v.seq {
			wi, err := toWire(item, depth+1)
			if err != nil {
				return wireValue{}, err
			}
			w.Q[i] = wi
		}
	case KindMap:
		w.K = append([]string(nil), v.mpOrder...)
		w.V = make([]wireValue, len(v.mpOrder))
		for i, k := range v.mpOrder {
			wi, err := toWire(v.mp[k], depth+1)
			if err != nil {
				return wireValue{}, err
			}
			w.V[i] = wi
		}
	default:
		return wireValue{}, sberr.New(sberr.CodeInvalidArgument, "InvalidEncoding")
	}
	return w, nil
}

func fromWire(w wireValue, depth int) (Value, error) {
	if depth > maxDecodeDepth {
		return Value{}, sberr.New(sberr.CodeInvalidArgument, "DepthExceeded")
	}
	switch Kind(w.T) {
	case KindNull:
		return Null(), nil
	case KindBool:
		return Bool(w.B), nil
	case KindInt:
		return Int(w.I), nil
	case KindFloat:
		return Float(w.F), nil
	case KindBytes:
		return Bytes(w.Y), nil
	case KindString:
		return String(w.S), nil
	case KindSeq:
		items := make([]Value, len(w.Q))
		for i, wi := range w.Q {
			vi, err := fromWire(wi, depth+1)
			if err != nil {
				return Value{}, err
			}
			items[i] = vi
		}
		return Seq(items), nil
	case KindMap:
		if len(w.K) != len(w.V) {
			return Value{}, sberr.New(sberr.CodeInvalidArgument, "InvalidEncoding")
		}
		pairs := make([]KV, len(w.K))
		for i, k := range w.K {
			vi, err := fromWire(w.V[i], depth+1)
			if err != nil {
				return Value{}, err
			}
			pairs[i] = KV{Key: k, Val: vi}
		}
		return Map(pairs...), nil
	default:
		return Value{}, sberr.New(sberr.CodeInvalidArgument, "InvalidEncoding")
	}
}

// AsEncoded serializes v to the guest's binary wire format (CBOR).
func AsEncoded(v Value) ([]byte, error) {
	w, err := toWire(v, 0)
	if err != nil {
		return nil, err
	}
	b, err := cbor.Marshal(w)
	if err != nil {
		return nil, sberr.Wrap(sberr.CodeInvalidArgument, "InvalidEncoding", err)
	}
	return b, nil
}

// FromEncoded deserializes a Value from the guest's binary wire format.
func FromEncoded(b []byte) (Value, error) {
	var w wireValue
	if err := cbor.Unmarshal(b, &w); err != nil {
		return Value{}, sberr.Wrap(sberr.CodeInvalidArgument, "InvalidEncoding", err)
	}
	return fromWire(w, 0)
}

// --- JSON conversion: to_json_value / from_json_value ---

// ToJSONValue renders v as a generic JSON-compatible value. Byte strings
// become base64-encoded JSON strings; the null variant maps to JSON null.
func ToJSONValue(v Value) (any, error) {
	switch v.kind {
	case KindNull:
		return nil, nil
	case KindBool:
		return v.b, nil
	case KindInt:
		return v.i, nil
	case KindFloat:
		return v.f, nil
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.by), nil
	case KindString:
		return v.s, nil
	case KindSeq:
		out := make([]any, len(v.seq))
		for i, item := range v.seq {
			ji, err := ToJSONValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = ji
		}
		return out, nil
	case KindMap:
		out := make(map[string]any, len(v.mpOrder))
		for _, k := range v.mpOrder {
			ji, err := ToJSONValue(v.mp[k])
			if err != nil {
				return nil, err
			}
			out[k] = ji
		}
		return out, nil
	default:
		return nil, sberr.New(sberr.CodeInvalidArgument, "InvalidEncoding")
	}
}

// ToJSON marshals v to a JSON document.
func ToJSON(v Value) ([]byte, error) {
	j, err := ToJSONValue(v)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, sberr.Wrap(sberr.CodeInvalidArgument, "InvalidEncoding", err)
	}
	return b, nil
}

// FromJSONValue converts a decoded JSON value (as produced by
// encoding/json's default decode into any) into a Value. There is no way to
// distinguish an intentional byte string from an ordinary JSON string at
// this layer, so plain strings decode to KindString; callers that know a
// field is byte-typed should base64-decode it themselves before wrapping in
// Bytes.
func FromJSONValue(j any, depth int) (Value, error) {
	if depth > maxDecodeDepth {
		return Value{}, sberr.New(sberr.CodeInvalidArgument, "DepthExceeded")
	}
	switch t := j.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case float64:
		if t == float64(int64(t)) {
			return Int(int64(t)), nil
		}
		return Float(t), nil
	case string:
		return String(t), nil
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			vi, err := FromJSONValue(e, depth+1)
			if err != nil {
				return Value{}, err
			}
			items[i] = vi
		}
		return Seq(items), nil
	case map[string]any:
		pairs := make([]KV, 0, len(t))
		for k, e := range t {
			vi, err := FromJSONValue(e, depth+1)
			if err != nil {
				return Value{}, err
			}
			pairs = append(pairs, KV{Key: k, Val: vi})
		}
		return Map(pairs...), nil
	default:
		return Value{}, fmt.Errorf("value: unsupported JSON type %T", j)
	}
}

// FromJSON parses a JSON document directly into a Value.
func FromJSON(data []byte) (Value, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Value{}, sberr.Wrap(sberr.CodeInvalidArgument, "InvalidEncoding", err)
	}
	return FromJSONValue(raw, 0)
}
