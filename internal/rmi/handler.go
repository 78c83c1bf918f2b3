package rmi

import (
	"fmt"
	"strings"
)

type handlerKind uint8

const (
	handlerDefault handlerKind = iota
	handlerRemote
	handlerSerialize
	handlerEnum
	handlerWrapped
	handlerArray
	handlerSkip
)

// WriteHandler selects how a value crosses the connection. It is chosen per
// parameter, result or field location, never per runtime type. The zero
// value is Default.
type WriteHandler struct {
	kind    handlerKind
	wrapper string
	elem    *WriteHandler
}

// Default recurses by value, falling back to remote export for objects that
// implement a registered interface.
var Default = WriteHandler{}

// Remote writes the value by reference.
func Remote() WriteHandler { return WriteHandler{kind: handlerRemote} }

// Serialize writes an opaque msgp copy of a registered serializable value.
func Serialize() WriteHandler { return WriteHandler{kind: handlerSerialize} }

// Enum writes a registered enum constant.
func Enum() WriteHandler { return WriteHandler{kind: handlerEnum} }

// Wrapped writes the value through the named wrapper.
func Wrapped(name string) WriteHandler { return WriteHandler{kind: handlerWrapped, wrapper: name} }

// ArrayOf applies elem to every element of a slice or array.
func ArrayOf(elem WriteHandler) WriteHandler {
	return WriteHandler{kind: handlerArray, elem: &elem}
}

func (h WriteHandler) String() string {
	switch h.kind {
	case handlerRemote:
		return "remote"
	case handlerSerialize:
		return "serialize"
	case handlerEnum:
		return "enum"
	case handlerWrapped:
		return "wrap:" + h.wrapper
	case handlerArray:
		return "array:" + h.elem.String()
	case handlerSkip:
		return "-"
	default:
		return "default"
	}
}

// ParseHandler parses an `rmi:"..."` struct tag value.
func ParseHandler(tag string) (WriteHandler, error) {
	tag = strings.TrimSpace(tag)
	switch {
	case tag == "" || tag == "default":
		return Default, nil
	case tag == "-":
		return WriteHandler{kind: handlerSkip}, nil
	case tag == "remote":
		return Remote(), nil
	case tag == "serialize":
		return Serialize(), nil
	case tag == "enum":
		return Enum(), nil
	case strings.HasPrefix(tag, "wrap:"):
		name := strings.TrimSpace(strings.TrimPrefix(tag, "wrap:"))
		if name == "" {
			return Default, fmt.Errorf("%w: empty wrapper name in tag %q", ErrInvalidConfiguration, tag)
		}
		return Wrapped(name), nil
	case strings.HasPrefix(tag, "array:"):
		elem, err := ParseHandler(strings.TrimPrefix(tag, "array:"))
		if err != nil {
			return Default, err
		}
		if elem.kind == handlerSkip {
			return Default, fmt.Errorf("%w: array of skipped elements in tag %q", ErrInvalidConfiguration, tag)
		}
		return ArrayOf(elem), nil
	default:
		return Default, fmt.Errorf("%w: unknown handler tag %q", ErrInvalidConfiguration, tag)
	}
}
