package value

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Value{
		Null(),
		Bool(true),
		Int(-42),
		Float(3.5),
		Bytes([]byte{1, 2, 3}),
		String("hello"),
		Seq([]Value{Int(1), String("two"), Null()}),
		Map(KV{Key: "a", Val: Int(1)}, KV{Key: "b", Val: String("x")}),
	}
	for _, v := range cases {
		enc, err := AsEncoded(v)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		dec, err := FromEncoded(enc)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !equalValue(v, dec) {
			t.Fatalf("round trip mismatch: %#v != %#v", v, dec)
		}
	}
}

func TestJSONRoundTripLossyBytesOnly(t *testing.T) {
	v := String("hi")
	j, err := ToJSON(v)
	if err != nil {
		t.Fatalf("to json: %v", err)
	}
	back, err := FromJSON(j)
	if err != nil {
		t.Fatalf("from json: %v", err)
	}
	if !equalValue(v, back) {
		t.Fatalf("string round trip should be lossless, got %#v", back)
	}

	b := Bytes([]byte{0xde, 0xad})
	bj, err := ToJSON(b)
	if err != nil {
		t.Fatalf("to json bytes: %v", err)
	}
	bback, err := FromJSON(bj)
	if err != nil {
		t.Fatalf("from json bytes: %v", err)
	}
	// Lossy: bytes come back as a base64 string, not KindBytes.
	if bback.Kind() != KindString {
		t.Fatalf("expected bytes to decode back as a JSON string, got kind %v", bback.Kind())
	}
}

func TestDepthExceeded(t *testing.T) {
	v := Null()
	for i := 0; i < maxDecodeDepth+2; i++ {
		v = Seq([]Value{v})
	}
	if _, err := AsEncoded(v); err == nil {
		t.Fatal("expected DepthExceeded error")
	}
}

func equalValue(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f
	case KindBytes:
		if len(a.by) != len(b.by) {
			return false
		}
		for i := range a.by {
			if a.by[i] != b.by[i] {
				return false
			}
		}
		return true
	case KindString:
		return a.s == b.s
	case KindSeq:
		if len(a.seq) != len(b.seq) {
			return false
		}
		for i := range a.seq {
			if !equalValue(a.seq[i], b.seq[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.mpOrder) != len(b.mpOrder) {
			return false
		}
		for i, k := range a.mpOrder {
			if b.mpOrder[i] != k || !equalValue(a.mp[k], b.mp[k]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
