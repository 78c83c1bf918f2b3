package schema

import (
	"fmt"

	"github.com/danmuck/buildrmi/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs carried in frame.Header.MessageType.
const (
	MsgCall          uint32 = 1
	MsgReturn        uint32 = 2
	MsgFailure       uint32 = 3
	MsgProtocolError uint32 = 4
	MsgRelease       uint32 = 5
	MsgGoodbye       uint32 = 6
)

// Field IDs used in message payloads.
const (
	FieldObjectID uint16 = 1
	FieldEpoch    uint16 = 2

	FieldInterface uint16 = 100
	FieldMethod    uint16 = 101
	FieldArgs      uint16 = 102

	FieldResult uint16 = 200

	FieldException uint16 = 300

	FieldErrorMessage uint16 = 400
	FieldErrorCode    uint16 = 401

	FieldReason uint16 = 500
)

// Error codes carried by MsgProtocolError.
const (
	CodeUnknownObject    uint32 = 1
	CodeUnknownMethod    uint32 = 2
	CodeDecodeFailed     uint32 = 3
	CodeEncodeFailed     uint32 = 4
	CodeInaccessibleType uint32 = 5
	CodeShuttingDown     uint32 = 6
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgCall: {
		{FieldObjectID, tlv.TypeU64},
		{FieldInterface, tlv.TypeString},
		{FieldMethod, tlv.TypeString},
		{FieldArgs, tlv.TypeBytes},
	},
	MsgReturn: {
		{FieldResult, tlv.TypeBytes},
	},
	MsgFailure: {
		{FieldException, tlv.TypeBytes},
	},
	MsgProtocolError: {
		{FieldErrorCode, tlv.TypeU32},
		{FieldErrorMessage, tlv.TypeString},
	},
	MsgRelease: {
		{FieldObjectID, tlv.TypeU64},
		{FieldEpoch, tlv.TypeU64},
	},
	MsgGoodbye: {},
}

// Name returns a short label for logs.
func Name(messageType uint32) string {
	switch messageType {
	case MsgCall:
		return "call"
	case MsgReturn:
		return "return"
	case MsgFailure:
		return "failure"
	case MsgProtocolError:
		return "protocol_error"
	case MsgRelease:
		return "release"
	case MsgGoodbye:
		return "goodbye"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema_unknown_message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Str("message", Name(messageType)).
				Uint16("field_id", req.ID).
				Msg("schema_missing_field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Str("message", Name(messageType)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema_type_mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	log.Trace().Str("message", Name(messageType)).Int("fields", len(fields)).Msg("schema_ok")
	return nil
}
