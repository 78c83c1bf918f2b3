package schema

import (
	"testing"

	"github.com/danmuck/buildrmi/internal/protocol/tlv"
	"github.com/danmuck/buildrmi/internal/testutil/testlog"
)

func callFields() []tlv.Field {
	return []tlv.Field{
		tlv.NewU64(FieldObjectID, 3),
		tlv.NewString(FieldInterface, "daemon.deltas"),
		tlv.NewString(FieldMethod, "Put"),
		tlv.NewBytes(FieldArgs, []byte{0x01}),
	}
}

func TestValidateCallRequiredFields(t *testing.T) {
	testlog.Start(t)
	if err := Validate(MsgCall, callFields()); err != nil {
		t.Fatalf("validate call: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := append(callFields(), tlv.Field{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}})
	if err := Validate(MsgCall, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.NewU64(FieldObjectID, 3)}
	err := Validate(MsgCall, fields)
	if err == nil {
		t.Fatalf("expected error")
	}
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldInterface || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.NewU64(FieldObjectID, 3),
		tlv.NewU32(FieldEpoch, 1),
	}
	err := Validate(MsgRelease, fields)
	if err == nil {
		t.Fatalf("expected error")
	}
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldEpoch || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateGoodbyeHasNoRequirements(t *testing.T) {
	testlog.Start(t)
	if err := Validate(MsgGoodbye, nil); err != nil {
		t.Fatalf("validate goodbye: %v", err)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(99, nil)
	ve, ok := err.(ValidationError)
	if !ok || ve.Reason != "unknown message_type" {
		t.Fatalf("unexpected error: %v", err)
	}
	if Name(99) != "unknown(99)" || Name(MsgRelease) != "release" {
		t.Fatalf("unexpected names")
	}
}
