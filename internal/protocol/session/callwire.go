package session

import (
	"fmt"
	"strings"

	"github.com/danmuck/buildrmi/internal/protocol/frame"
	"github.com/danmuck/buildrmi/internal/protocol/schema"
	"github.com/danmuck/buildrmi/internal/protocol/tlv"
)

// Call invokes Method of Interface on the receiver's exported object ObjectID.
type Call struct {
	ObjectID  uint64
	Interface string
	Method    string
	Args      []byte
}

func (c Call) Validate() error {
	if strings.TrimSpace(c.Interface) == "" {
		return fmt.Errorf("call missing interface")
	}
	if strings.TrimSpace(c.Method) == "" {
		return fmt.Errorf("call missing method")
	}
	return nil
}

// Return carries an encoded result value.
type Return struct {
	Result []byte
}

// Failure carries an encoded application error raised by the remote method.
type Failure struct {
	Exception []byte
}

// ProtocolError reports that the peer could not process a call.
type ProtocolError struct {
	Code    uint32
	Message string
}

// Release tells the exporter that the importer dropped its proxy for ObjectID at Epoch.
type Release struct {
	ObjectID uint64
	Epoch    uint64
}

// Goodbye announces an orderly close.
type Goodbye struct {
	Reason string
}

func EncodeCallFrame(callID uint64, c Call) (frame.Frame, error) {
	if err := c.Validate(); err != nil {
		return frame.Frame{}, err
	}
	return encode(callID, schema.MsgCall, 0, []tlv.Field{
		tlv.NewU64(schema.FieldObjectID, c.ObjectID),
		tlv.NewString(schema.FieldInterface, c.Interface),
		tlv.NewString(schema.FieldMethod, c.Method),
		tlv.NewBytes(schema.FieldArgs, c.Args),
	})
}

func DecodeCallFrame(f frame.Frame) (Call, error) {
	fields, err := decode(f, schema.MsgCall)
	if err != nil {
		return Call{}, err
	}
	return Call{
		ObjectID:  getRequiredU64(fields, schema.FieldObjectID),
		Interface: getRequiredString(fields, schema.FieldInterface),
		Method:    getRequiredString(fields, schema.FieldMethod),
		Args:      getRequiredBytes(fields, schema.FieldArgs),
	}, nil
}

func EncodeReturnFrame(callID uint64, r Return) (frame.Frame, error) {
	return encode(callID, schema.MsgReturn, frame.FlagIsResponse, []tlv.Field{
		tlv.NewBytes(schema.FieldResult, r.Result),
	})
}

func DecodeReturnFrame(f frame.Frame) (Return, error) {
	fields, err := decode(f, schema.MsgReturn)
	if err != nil {
		return Return{}, err
	}
	return Return{Result: getRequiredBytes(fields, schema.FieldResult)}, nil
}

func EncodeFailureFrame(callID uint64, fl Failure) (frame.Frame, error) {
	return encode(callID, schema.MsgFailure, frame.FlagIsResponse|frame.FlagIsError, []tlv.Field{
		tlv.NewBytes(schema.FieldException, fl.Exception),
	})
}

func DecodeFailureFrame(f frame.Frame) (Failure, error) {
	fields, err := decode(f, schema.MsgFailure)
	if err != nil {
		return Failure{}, err
	}
	return Failure{Exception: getRequiredBytes(fields, schema.FieldException)}, nil
}

func EncodeProtocolErrorFrame(callID uint64, pe ProtocolError) (frame.Frame, error) {
	return encode(callID, schema.MsgProtocolError, frame.FlagIsResponse|frame.FlagIsError, []tlv.Field{
		tlv.NewU32(schema.FieldErrorCode, pe.Code),
		tlv.NewString(schema.FieldErrorMessage, pe.Message),
	})
}

func DecodeProtocolErrorFrame(f frame.Frame) (ProtocolError, error) {
	fields, err := decode(f, schema.MsgProtocolError)
	if err != nil {
		return ProtocolError{}, err
	}
	code, _ := mustField(fields, schema.FieldErrorCode).U32()
	return ProtocolError{
		Code:    code,
		Message: getRequiredString(fields, schema.FieldErrorMessage),
	}, nil
}

func EncodeReleaseFrame(r Release) (frame.Frame, error) {
	return encode(0, schema.MsgRelease, 0, []tlv.Field{
		tlv.NewU64(schema.FieldObjectID, r.ObjectID),
		tlv.NewU64(schema.FieldEpoch, r.Epoch),
	})
}

func DecodeReleaseFrame(f frame.Frame) (Release, error) {
	fields, err := decode(f, schema.MsgRelease)
	if err != nil {
		return Release{}, err
	}
	return Release{
		ObjectID: getRequiredU64(fields, schema.FieldObjectID),
		Epoch:    getRequiredU64(fields, schema.FieldEpoch),
	}, nil
}

func EncodeGoodbyeFrame(g Goodbye) (frame.Frame, error) {
	var fields []tlv.Field
	if g.Reason != "" {
		fields = append(fields, tlv.NewString(schema.FieldReason, g.Reason))
	}
	return encode(0, schema.MsgGoodbye, 0, fields)
}

func DecodeGoodbyeFrame(f frame.Frame) (Goodbye, error) {
	fields, err := decode(f, schema.MsgGoodbye)
	if err != nil {
		return Goodbye{}, err
	}
	g := Goodbye{}
	if rf, ok := tlv.GetField(fields, schema.FieldReason); ok {
		g.Reason, _ = rf.Str()
	}
	return g, nil
}

func encode(callID uint64, messageType uint32, flags uint32, fields []tlv.Field) (frame.Frame, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header: frame.Header{
			CallID:      callID,
			MessageType: messageType,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

func decode(f frame.Frame, messageType uint32) ([]tlv.Field, error) {
	if f.Header.MessageType != messageType {
		return nil, fmt.Errorf("session: expected %s frame, got %s",
			schema.Name(messageType), schema.Name(f.Header.MessageType))
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func mustField(fields []tlv.Field, id uint16) tlv.Field {
	f, _ := tlv.GetField(fields, id)
	return f
}

func getRequiredString(fields []tlv.Field, id uint16) string {
	v, _ := mustField(fields, id).Str()
	return v
}

func getRequiredBytes(fields []tlv.Field, id uint16) []byte {
	v, _ := mustField(fields, id).Bytes()
	return v
}

func getRequiredU64(fields []tlv.Field, id uint16) uint64 {
	v, _ := mustField(fields, id).U64()
	return v
}
