package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		{ID: 1, Type: TypeString, Value: []byte("intent-1")},
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	b := EncodeFields(in)
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestTypedFieldAccessors(t *testing.T) {
	u64 := NewU64(1, 1<<40)
	if v, err := u64.U64(); err != nil || v != 1<<40 {
		t.Fatalf("u64 accessor: v=%d err=%v", v, err)
	}
	if _, err := u64.U32(); !errors.Is(err, ErrFieldTypeMismatch) {
		t.Fatalf("expected ErrFieldTypeMismatch, got %v", err)
	}
	if v, err := NewU32(2, 7).U32(); err != nil || v != 7 {
		t.Fatalf("u32 accessor: v=%d err=%v", v, err)
	}
	if v, err := NewBool(3, true).Bool(); err != nil || !v {
		t.Fatalf("bool accessor: v=%v err=%v", v, err)
	}
	if _, err := (Field{ID: 3, Type: TypeBool, Value: []byte{2}}).Bool(); !errors.Is(err, ErrInvalidBool) {
		t.Fatalf("expected ErrInvalidBool, got %v", err)
	}
	if v, err := NewString(4, "daemon.deltas").Str(); err != nil || v != "daemon.deltas" {
		t.Fatalf("string accessor: v=%q err=%v", v, err)
	}
	src := []byte{1, 2, 3}
	f := NewBytes(5, src)
	src[0] = 9
	if v, err := f.Bytes(); err != nil || !bytes.Equal(v, []byte{1, 2, 3}) {
		t.Fatalf("bytes accessor: v=%v err=%v", v, err)
	}
	if _, err := (Field{ID: 6, Type: TypeU64, Value: []byte{1}}).U64(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}
