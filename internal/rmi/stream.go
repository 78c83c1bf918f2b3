package rmi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/danmuck/buildrmi/internal/exc"
	"github.com/danmuck/buildrmi/internal/protocol/schema"
	"github.com/tinylib/msgp/msgp"
)

// Value tags. Every encoded value starts with one.
const (
	tagNil byte = iota
	tagFalse
	tagTrue
	tagInt
	tagUint
	tagFloat
	tagString
	tagBytes
	tagList
	tagMap
	tagValue
	tagEnum
	tagSerial
	tagRemote
	tagBack
	tagWrapped
	tagError
)

// Concrete error forms following an error's view.
const (
	errViewOnly byte = iota
	errSentinel
	errValue
	errWrapsSentinel
)

var errTruncated = errors.New("rmi: truncated value encoding")

// decodeError is a malformed or mismatched encoding; the connection reports
// it to the caller as a protocol failure.
type decodeError struct {
	msg string
}

func (e *decodeError) Error() string { return "rmi: decode: " + e.msg }

func decodeErrorf(format string, args ...any) error {
	return &decodeError{msg: fmt.Sprintf(format, args...)}
}

// ObjectOutput encodes values for one message.
type ObjectOutput struct {
	conn     *Conn
	buf      []byte
	active   []any
	reserved []reservation
}

// reservation is an export epoch written into the buffer but not yet sent.
type reservation struct {
	id    uint64
	epoch uint64
}

// commit makes the exported epochs current once the message is on the wire.
func (o *ObjectOutput) commit() { o.settle(true) }

// discard forgets any epochs still reserved. Safe after commit.
func (o *ObjectOutput) discard() { o.settle(false) }

func (o *ObjectOutput) settle(sent bool) {
	for _, r := range o.reserved {
		o.conn.exports.settle(r.id, r.epoch, sent)
	}
	o.reserved = nil
}

func (o *ObjectOutput) Bytes() []byte { return o.buf }

// WriteObject writes v with the Default handler.
func (o *ObjectOutput) WriteObject(v any) error { return o.write(v, Default) }

func (o *ObjectOutput) WriteObjectWith(v any, h WriteHandler) error { return o.write(v, h) }

func (o *ObjectOutput) WriteString(s string) {
	o.buf = append(o.buf, tagString)
	o.appendString(s)
}

func (o *ObjectOutput) WriteInt(v int64) {
	o.buf = append(o.buf, tagInt, byte(reflect.Int64))
	o.buf = binary.AppendVarint(o.buf, v)
}

func (o *ObjectOutput) WriteBool(v bool) {
	if v {
		o.buf = append(o.buf, tagTrue)
	} else {
		o.buf = append(o.buf, tagFalse)
	}
}

func (o *ObjectOutput) appendString(s string) {
	o.buf = binary.AppendUvarint(o.buf, uint64(len(s)))
	o.buf = append(o.buf, s...)
}

func (o *ObjectOutput) appendBytes(b []byte) {
	o.buf = binary.AppendUvarint(o.buf, uint64(len(b)))
	o.buf = append(o.buf, b...)
}

func (o *ObjectOutput) appendTypeID(info *typeInfo) {
	o.buf = binary.AppendUvarint(o.buf, o.conn.reg.id(info))
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func (o *ObjectOutput) write(v any, h WriteHandler) error {
	if isNil(v) {
		o.buf = append(o.buf, tagNil)
		return nil
	}
	switch h.kind {
	case handlerRemote:
		return o.writeRemote(v)
	case handlerSerialize:
		return o.writeSerial(v)
	case handlerEnum:
		return o.writeEnum(v)
	case handlerWrapped:
		info := o.conn.reg.lookupName(h.wrapper)
		if info == nil || info.kind != kindWrapper {
			return newTransferFailure(fmt.Sprintf("%T", v), "no wrapper named %q", h.wrapper)
		}
		return o.writeWrapped(v, info)
	case handlerArray:
		return o.writeArray(v, *h.elem)
	case handlerSkip:
		o.buf = append(o.buf, tagNil)
		return nil
	default:
		return o.writeDefault(v)
	}
}

func (o *ObjectOutput) writeDefault(v any) error {
	c := o.conn
	if p := ProxyOf(v); p != nil && p.conn == c {
		o.writeBack(p)
		return nil
	}
	if e, ok := c.reexports.lookup(v); ok {
		if e.err != nil {
			return newTransferFailure(fmt.Sprintf("%T", v), "wrapped object unavailable: %v", e.err)
		}
		return o.write(e.object, e.handler)
	}
	t := reflect.TypeOf(v)
	if !o.isActive(v) {
		if info := c.reg.defaultWrapper(t); info != nil {
			return o.writeWrapped(v, info)
		}
	}
	if err, ok := v.(error); ok {
		return o.writeError(err)
	}
	if info := c.reg.typed(t); info != nil {
		switch info.kind {
		case kindEnum:
			return o.writeEnum(v)
		case kindSerializable:
			return o.writeSerial(v)
		case kindValue:
			return o.writeValue(reflect.ValueOf(v), info)
		}
	}

	rv := reflect.ValueOf(v)
	switch k := rv.Kind(); {
	case k == reflect.Bool:
		o.WriteBool(rv.Bool())
		return nil
	case isIntKind(k):
		o.buf = append(o.buf, tagInt, byte(k))
		o.buf = binary.AppendVarint(o.buf, rv.Int())
		return nil
	case isUintKind(k):
		o.buf = append(o.buf, tagUint, byte(k))
		o.buf = binary.AppendUvarint(o.buf, rv.Uint())
		return nil
	case k == reflect.Float32 || k == reflect.Float64:
		o.buf = append(o.buf, tagFloat, byte(k))
		o.buf = binary.BigEndian.AppendUint64(o.buf, math.Float64bits(rv.Float()))
		return nil
	case k == reflect.String:
		o.WriteString(rv.String())
		return nil
	case k == reflect.Slice && t.Elem().Kind() == reflect.Uint8:
		o.buf = append(o.buf, tagBytes)
		o.appendBytes(rv.Bytes())
		return nil
	case k == reflect.Slice || k == reflect.Array:
		return o.writeList(rv, Default)
	case k == reflect.Map:
		return o.writeMap(rv)
	}

	if ifaces := c.reg.implemented(t); len(ifaces) > 0 {
		return o.writeExport(v, ifaces)
	}
	return newTransferFailure(t.String(), "type is not registered and implements no registered interface")
}

func (o *ObjectOutput) writeBack(p *Proxy) {
	o.buf = append(o.buf, tagBack)
	o.buf = binary.AppendUvarint(o.buf, p.id)
}

func (o *ObjectOutput) writeRemote(v any) error {
	if p := ProxyOf(v); p != nil && p.conn == o.conn {
		o.writeBack(p)
		return nil
	}
	ifaces := o.conn.reg.implemented(reflect.TypeOf(v))
	if len(ifaces) == 0 {
		return newTransferFailure(fmt.Sprintf("%T", v), "not eligible for remote export: implements no registered interface")
	}
	return o.writeExport(v, ifaces)
}

func (o *ObjectOutput) writeExport(v any, ifaces []*ifaceInfo) error {
	id, epoch, err := o.conn.exports.export(v)
	if err != nil {
		return err
	}
	if epoch != 0 {
		o.reserved = append(o.reserved, reservation{id: id, epoch: epoch})
	}
	o.buf = append(o.buf, tagRemote)
	o.buf = binary.AppendUvarint(o.buf, id)
	o.buf = binary.AppendUvarint(o.buf, epoch)
	o.buf = binary.AppendUvarint(o.buf, uint64(len(ifaces)))
	for _, ii := range ifaces {
		o.buf = binary.AppendUvarint(o.buf, uint64(o.conn.reg.index[ii.name]))
	}
	return nil
}

func (o *ObjectOutput) writeEnum(v any) error {
	t := reflect.TypeOf(v)
	info, ok := o.conn.reg.byType[t]
	if !ok || info.kind != kindEnum {
		return newTransferFailure(t.String(), "not a registered enum")
	}
	rv := reflect.ValueOf(v)
	o.buf = append(o.buf, tagEnum)
	o.appendTypeID(info)
	if isUintKind(t.Kind()) {
		o.buf = binary.AppendVarint(o.buf, int64(rv.Uint()))
	} else {
		o.buf = binary.AppendVarint(o.buf, rv.Int())
	}
	return nil
}

func (o *ObjectOutput) writeSerial(v any) error {
	t := reflect.TypeOf(v)
	info := o.conn.reg.typed(t)
	if info == nil || info.kind != kindSerializable {
		return newTransferFailure(t.String(), "not a registered serializable type")
	}
	m, ok := v.(msgp.Marshaler)
	if !ok {
		pv := reflect.New(t)
		pv.Elem().Set(reflect.ValueOf(v))
		m = pv.Interface().(msgp.Marshaler)
	}
	b, err := m.MarshalMsg(nil)
	if err != nil {
		return newTransferFailure(t.String(), "serialize: %v", err)
	}
	o.buf = append(o.buf, tagSerial)
	o.appendTypeID(info)
	o.appendBytes(b)
	return nil
}

func (o *ObjectOutput) writeValue(rv reflect.Value, info *typeInfo) error {
	o.buf = append(o.buf, tagValue)
	o.appendTypeID(info)
	return o.writeValueBody(rv, info)
}

func (o *ObjectOutput) writeValueBody(rv reflect.Value, info *typeInfo) error {
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	o.buf = binary.AppendUvarint(o.buf, uint64(len(info.fields)))
	for _, f := range info.fields {
		o.appendString(f.name)
		if err := o.write(rv.Field(f.index).Interface(), f.handler); err != nil {
			return err
		}
	}
	return nil
}

func (o *ObjectOutput) writeArray(v any, elem WriteHandler) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return newTransferFailure(rv.Type().String(), "array handler on a non-array value")
	}
	return o.writeList(rv, elem)
}

func (o *ObjectOutput) writeList(rv reflect.Value, elem WriteHandler) error {
	o.buf = append(o.buf, tagList)
	o.buf = binary.AppendUvarint(o.buf, uint64(rv.Len()))
	for i := 0; i < rv.Len(); i++ {
		if err := o.write(rv.Index(i).Interface(), elem); err != nil {
			return err
		}
	}
	return nil
}

func (o *ObjectOutput) writeMap(rv reflect.Value) error {
	o.buf = append(o.buf, tagMap)
	o.buf = binary.AppendUvarint(o.buf, uint64(rv.Len()))
	it := rv.MapRange()
	for it.Next() {
		if err := o.write(it.Key().Interface(), Default); err != nil {
			return err
		}
		if err := o.write(it.Value().Interface(), Default); err != nil {
			return err
		}
	}
	return nil
}

func (o *ObjectOutput) writeWrapped(v any, info *typeInfo) error {
	w, err := info.wrapper.Wrap(v)
	if err != nil {
		return newTransferFailure(fmt.Sprintf("%T", v), "wrapper %s: %v", info.name, err)
	}
	o.buf = append(o.buf, tagWrapped)
	o.appendTypeID(info)
	o.active = append(o.active, v)
	defer func() { o.active = o.active[:len(o.active)-1] }()
	return w.WriteWrapped(o)
}

// isActive reports whether v is the subject of a wrapper currently writing,
// so nested writes of the subject are not wrapped again.
func (o *ObjectOutput) isActive(v any) bool {
	for _, a := range o.active {
		if sameIdentity(a, v) {
			return true
		}
	}
	return false
}

func sameIdentity(a, b any) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	switch ta.Kind() {
	case reflect.Slice:
		ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
		return ra.Pointer() == rb.Pointer() && ra.Len() == rb.Len()
	case reflect.Map:
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}
	if hashableType(ta) {
		return a == b
	}
	return false
}

func (o *ObjectOutput) writeError(err error) error {
	reg := o.conn.reg
	vb, merr := exc.Create(err).MarshalMsg(nil)
	if merr != nil {
		return newTransferFailure(exc.TypeName(err), "exception view: %v", merr)
	}
	o.buf = append(o.buf, tagError)
	o.appendBytes(vb)

	if info := reg.sentinelFor(err); info != nil {
		o.buf = append(o.buf, errSentinel)
		o.appendTypeID(info)
		return nil
	}
	if info := reg.typed(reflect.TypeOf(err)); info != nil && info.kind == kindValue {
		sub := &ObjectOutput{conn: o.conn}
		if sub.writeValueBody(reflect.ValueOf(err), info) == nil {
			o.buf = append(o.buf, errValue)
			o.appendTypeID(info)
			o.appendBytes(sub.buf)
			o.reserved = append(o.reserved, sub.reserved...)
			return nil
		}
		sub.discard()
	}
	for _, info := range reg.sentinels {
		if errors.Is(err, info.sentinel) {
			o.buf = append(o.buf, errWrapsSentinel)
			o.appendTypeID(info)
			return nil
		}
	}
	o.buf = append(o.buf, errViewOnly)
	return nil
}

// ObjectInput decodes values of one message. Decoding is directed by the
// Go type of the destination.
type ObjectInput struct {
	conn *Conn
	buf  []byte
	pos  int
}

// ReadObject decodes the next value into its natural Go form: registered
// types, proxies, []any for lists and map[any]any for maps.
func (in *ObjectInput) ReadObject() (any, error) {
	rv, err := in.read(anyType)
	if err != nil {
		return nil, err
	}
	return rv.Interface(), nil
}

// ReadInto decodes the next value into *ptr.
func (in *ObjectInput) ReadInto(ptr any) error {
	pv := reflect.ValueOf(ptr)
	if pv.Kind() != reflect.Pointer || pv.IsNil() {
		return decodeErrorf("ReadInto requires a non-nil pointer, got %T", ptr)
	}
	v, err := in.read(pv.Type().Elem())
	if err != nil {
		return err
	}
	pv.Elem().Set(v)
	return nil
}

func (in *ObjectInput) ReadString() (string, error) {
	var s string
	err := in.ReadInto(&s)
	return s, err
}

func (in *ObjectInput) ReadInt() (int64, error) {
	var v int64
	err := in.ReadInto(&v)
	return v, err
}

func (in *ObjectInput) ReadBool() (bool, error) {
	var v bool
	err := in.ReadInto(&v)
	return v, err
}

func (in *ObjectInput) Remaining() int { return len(in.buf) - in.pos }

func (in *ObjectInput) readByte() (byte, error) {
	if in.pos >= len(in.buf) {
		return 0, errTruncated
	}
	b := in.buf[in.pos]
	in.pos++
	return b, nil
}

func (in *ObjectInput) uvarint() (uint64, error) {
	v, n := binary.Uvarint(in.buf[in.pos:])
	if n <= 0 {
		return 0, errTruncated
	}
	in.pos += n
	return v, nil
}

func (in *ObjectInput) varint() (int64, error) {
	v, n := binary.Varint(in.buf[in.pos:])
	if n <= 0 {
		return 0, errTruncated
	}
	in.pos += n
	return v, nil
}

func (in *ObjectInput) blob() ([]byte, error) {
	n, err := in.uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(len(in.buf)-in.pos) < n {
		return nil, errTruncated
	}
	b := in.buf[in.pos : in.pos+int(n)]
	in.pos += int(n)
	return b, nil
}

func (in *ObjectInput) str() (string, error) {
	b, err := in.blob()
	return string(b), err
}

// typeInfo resolves the next peer type id to the local registration.
func (in *ObjectInput) typeInfo() (*typeInfo, error) {
	idx, err := in.uvarint()
	if err != nil {
		return nil, err
	}
	return in.conn.peerType(idx)
}

func (in *ObjectInput) read(t reflect.Type) (reflect.Value, error) {
	tag, err := in.readByte()
	if err != nil {
		return reflect.Value{}, err
	}
	var nat reflect.Value
	switch tag {
	case tagNil:
		return reflect.Zero(t), nil
	case tagFalse, tagTrue:
		nat = reflect.ValueOf(tag == tagTrue)
	case tagInt:
		k, err := in.readByte()
		if err != nil {
			return reflect.Value{}, err
		}
		x, err := in.varint()
		if err != nil {
			return reflect.Value{}, err
		}
		return intInto(x, reflect.Kind(k), t)
	case tagUint:
		k, err := in.readByte()
		if err != nil {
			return reflect.Value{}, err
		}
		x, err := in.uvarint()
		if err != nil {
			return reflect.Value{}, err
		}
		return uintInto(x, reflect.Kind(k), t)
	case tagFloat:
		k, err := in.readByte()
		if err != nil {
			return reflect.Value{}, err
		}
		if len(in.buf)-in.pos < 8 {
			return reflect.Value{}, errTruncated
		}
		f := math.Float64frombits(binary.BigEndian.Uint64(in.buf[in.pos:]))
		in.pos += 8
		nat = reflect.ValueOf(f)
		if reflect.Kind(k) == reflect.Float32 {
			nat = reflect.ValueOf(float32(f))
		}
	case tagString:
		s, err := in.str()
		if err != nil {
			return reflect.Value{}, err
		}
		nat = reflect.ValueOf(s)
	case tagBytes:
		b, err := in.blob()
		if err != nil {
			return reflect.Value{}, err
		}
		nat = reflect.ValueOf(append([]byte(nil), b...))
	case tagList:
		return in.readList(t)
	case tagMap:
		return in.readMap(t)
	case tagValue:
		info, err := in.typeInfo()
		if err != nil {
			return reflect.Value{}, err
		}
		if info.kind != kindValue {
			return reflect.Value{}, decodeErrorf("%s is not a value type", info.name)
		}
		pv, err := in.readValueBody(info)
		if err != nil {
			return reflect.Value{}, err
		}
		return pickValue(pv, info.ptr, t)
	case tagEnum:
		info, err := in.typeInfo()
		if err != nil {
			return reflect.Value{}, err
		}
		x, err := in.varint()
		if err != nil {
			return reflect.Value{}, err
		}
		if info.kind != kindEnum {
			return reflect.Value{}, decodeErrorf("%s is not an enum", info.name)
		}
		ev := reflect.New(info.typ).Elem()
		if isUintKind(info.typ.Kind()) {
			ev.SetUint(uint64(x))
		} else {
			ev.SetInt(x)
		}
		nat = ev
	case tagSerial:
		info, err := in.typeInfo()
		if err != nil {
			return reflect.Value{}, err
		}
		b, err := in.blob()
		if err != nil {
			return reflect.Value{}, err
		}
		if info.kind != kindSerializable {
			return reflect.Value{}, decodeErrorf("%s is not serializable", info.name)
		}
		pv := reflect.New(info.typ)
		if _, err := pv.Interface().(msgp.Unmarshaler).UnmarshalMsg(b); err != nil {
			return reflect.Value{}, decodeErrorf("%s: %v", info.name, err)
		}
		return pickValue(pv, true, t)
	case tagRemote:
		return in.readRemote(t)
	case tagBack:
		id, err := in.uvarint()
		if err != nil {
			return reflect.Value{}, err
		}
		obj, ok := in.conn.exports.lookup(id)
		if !ok {
			return reflect.Value{}, decodeErrorf("back reference to unknown object %d", id)
		}
		nat = reflect.ValueOf(obj)
	case tagWrapped:
		info, err := in.typeInfo()
		if err != nil {
			return reflect.Value{}, err
		}
		if info.kind != kindWrapper {
			return reflect.Value{}, decodeErrorf("%s is not a wrapper", info.name)
		}
		w := info.wrapper.New()
		if err := w.ReadWrapped(in); err != nil {
			return reflect.Value{}, err
		}
		res := w.ResolveWrapped()
		if res.track != nil {
			res.track(in.conn.reexports, w)
		}
		if res.value == nil {
			return reflect.Zero(t), nil
		}
		nat = reflect.ValueOf(res.value)
	case tagError:
		e, err := in.readError()
		if err != nil {
			return reflect.Value{}, err
		}
		nat = reflect.ValueOf(&e).Elem()
	default:
		return reflect.Value{}, decodeErrorf("unknown value tag %d", tag)
	}
	return assign(nat, t)
}

func (in *ObjectInput) readList(t reflect.Type) (reflect.Value, error) {
	n64, err := in.uvarint()
	if err != nil {
		return reflect.Value{}, err
	}
	if n64 > uint64(in.Remaining()) {
		return reflect.Value{}, errTruncated
	}
	n := int(n64)
	var out reflect.Value
	switch t.Kind() {
	case reflect.Slice:
		out = reflect.MakeSlice(t, n, n)
	case reflect.Array:
		if t.Len() != n {
			return reflect.Value{}, decodeErrorf("list of %d into %s", n, t)
		}
		out = reflect.New(t).Elem()
	case reflect.Interface:
		out = reflect.MakeSlice(reflect.TypeFor[[]any](), n, n)
	default:
		return reflect.Value{}, decodeErrorf("list into %s", t)
	}
	elem := out.Type().Elem()
	for i := 0; i < n; i++ {
		v, err := in.read(elem)
		if err != nil {
			return reflect.Value{}, err
		}
		out.Index(i).Set(v)
	}
	return assign(out, t)
}

func (in *ObjectInput) readMap(t reflect.Type) (reflect.Value, error) {
	n64, err := in.uvarint()
	if err != nil {
		return reflect.Value{}, err
	}
	if n64 > uint64(in.Remaining()) {
		return reflect.Value{}, errTruncated
	}
	mt := t
	switch t.Kind() {
	case reflect.Map:
	case reflect.Interface:
		mt = reflect.TypeFor[map[any]any]()
	default:
		return reflect.Value{}, decodeErrorf("map into %s", t)
	}
	out := reflect.MakeMapWithSize(mt, int(n64))
	for i := uint64(0); i < n64; i++ {
		k, err := in.read(mt.Key())
		if err != nil {
			return reflect.Value{}, err
		}
		if k.Kind() == reflect.Interface && !k.IsNil() && !k.Elem().Comparable() {
			return reflect.Value{}, decodeErrorf("map key %s is not comparable", k.Elem().Type())
		}
		v, err := in.read(mt.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		out.SetMapIndex(k, v)
	}
	return assign(out, t)
}

// readValueBody decodes the fields of a registered value into a new *T.
// Fields unknown to the local type are decoded and dropped.
func (in *ObjectInput) readValueBody(info *typeInfo) (reflect.Value, error) {
	n, err := in.uvarint()
	if err != nil {
		return reflect.Value{}, err
	}
	pv := reflect.New(info.typ)
	sv := pv.Elem()
	for i := uint64(0); i < n; i++ {
		name, err := in.str()
		if err != nil {
			return reflect.Value{}, err
		}
		var field *fieldInfo
		for j := range info.fields {
			if info.fields[j].name == name {
				field = &info.fields[j]
				break
			}
		}
		if field == nil {
			if _, err := in.read(anyType); err != nil {
				return reflect.Value{}, err
			}
			continue
		}
		fv := sv.Field(field.index)
		v, err := in.read(fv.Type())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("%s.%s: %w", info.name, name, err)
		}
		fv.Set(v)
	}
	return pv, nil
}

func (in *ObjectInput) readRemote(t reflect.Type) (reflect.Value, error) {
	id, err := in.uvarint()
	if err != nil {
		return reflect.Value{}, err
	}
	epoch, err := in.uvarint()
	if err != nil {
		return reflect.Value{}, err
	}
	n, err := in.uvarint()
	if err != nil {
		return reflect.Value{}, err
	}
	if n > uint64(in.Remaining()) {
		return reflect.Value{}, errTruncated
	}
	ifaces := make([]*ifaceInfo, 0, n)
	for i := uint64(0); i < n; i++ {
		idx, err := in.uvarint()
		if err != nil {
			return reflect.Value{}, err
		}
		info, err := in.conn.peerType(idx)
		if err != nil {
			// The object may still be usable through another interface.
			continue
		}
		if info.kind == kindInterface {
			ifaces = append(ifaces, info.iface)
		}
	}
	p := in.conn.importProxy(id, epoch, ifaces)
	stub, ok := p.stubFor(t)
	if !ok {
		return reflect.Value{}, &ProtocolFailure{
			Message: fmt.Sprintf("remote object %d implements no local interface assignable to %s", id, t),
			Code:    schema.CodeInaccessibleType,
			trace:   exc.Callers(1),
		}
	}
	return assign(reflect.ValueOf(stub), t)
}

func (in *ObjectInput) readError() (error, error) {
	vb, err := in.blob()
	if err != nil {
		return nil, err
	}
	view := &exc.View{}
	if _, err := view.UnmarshalMsg(vb); err != nil {
		return nil, decodeErrorf("exception view: %v", err)
	}
	form, err := in.readByte()
	if err != nil {
		return nil, err
	}
	switch form {
	case errViewOnly:
		return view, nil
	case errSentinel, errWrapsSentinel:
		idx, err := in.uvarint()
		if err != nil {
			return nil, err
		}
		info, terr := in.conn.peerType(idx)
		if terr != nil || info.kind != kindSentinel {
			return view, nil
		}
		if form == errSentinel {
			return info.sentinel, nil
		}
		return &remoteError{view: view, target: info.sentinel}, nil
	case errValue:
		idx, err := in.uvarint()
		if err != nil {
			return nil, err
		}
		body, err := in.blob()
		if err != nil {
			return nil, err
		}
		info, terr := in.conn.peerType(idx)
		if terr != nil || info.kind != kindValue {
			return view, nil
		}
		sub := &ObjectInput{conn: in.conn, buf: body}
		pv, err := sub.readValueBody(info)
		if err != nil {
			return view, nil
		}
		if info.ptr {
			if e, ok := pv.Interface().(error); ok {
				return e, nil
			}
		}
		if e, ok := pv.Elem().Interface().(error); ok {
			return e, nil
		}
		return view, nil
	default:
		return nil, decodeErrorf("unknown error form %d", form)
	}
}

// remoteError is an error whose concrete type stayed on the peer but whose
// chain contains a registered sentinel.
type remoteError struct {
	view   *exc.View
	target error
}

func (e *remoteError) Error() string {
	if e.view.Message != "" {
		return e.view.Message
	}
	return e.view.Error()
}

func (e *remoteError) Unwrap() []error { return []error{e.view, e.target} }

func (e *remoteError) ExceptionView() *exc.View { return e.view }

// pickValue adapts a freshly decoded *T to the destination type.
func pickValue(pv reflect.Value, preferPtr bool, t reflect.Type) (reflect.Value, error) {
	switch {
	case t == pv.Type():
		return pv, nil
	case t == pv.Type().Elem():
		return pv.Elem(), nil
	case t.Kind() == reflect.Interface:
		if preferPtr && pv.Type().Implements(t) {
			return assign(pv, t)
		}
		if pv.Type().Elem().Implements(t) {
			return assign(pv.Elem(), t)
		}
		if pv.Type().Implements(t) {
			return assign(pv, t)
		}
	}
	return reflect.Value{}, decodeErrorf("%s into %s", pv.Type().Elem(), t)
}

func intInto(x int64, k reflect.Kind, t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t).Elem()
	switch {
	case isIntKind(t.Kind()):
		if out.OverflowInt(x) {
			return reflect.Value{}, decodeErrorf("%d overflows %s", x, t)
		}
		out.SetInt(x)
	case isUintKind(t.Kind()):
		if x < 0 || out.OverflowUint(uint64(x)) {
			return reflect.Value{}, decodeErrorf("%d overflows %s", x, t)
		}
		out.SetUint(uint64(x))
	case t.Kind() == reflect.Float32 || t.Kind() == reflect.Float64:
		out.SetFloat(float64(x))
	case t.Kind() == reflect.Interface:
		bt, ok := basicTypes[k]
		if !ok || !isIntKind(k) {
			bt = basicTypes[reflect.Int64]
		}
		return assign(reflect.ValueOf(x).Convert(bt), t)
	default:
		return reflect.Value{}, decodeErrorf("integer into %s", t)
	}
	return out, nil
}

func uintInto(x uint64, k reflect.Kind, t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t).Elem()
	switch {
	case isUintKind(t.Kind()):
		if out.OverflowUint(x) {
			return reflect.Value{}, decodeErrorf("%d overflows %s", x, t)
		}
		out.SetUint(x)
	case isIntKind(t.Kind()):
		if x > math.MaxInt64 || out.OverflowInt(int64(x)) {
			return reflect.Value{}, decodeErrorf("%d overflows %s", x, t)
		}
		out.SetInt(int64(x))
	case t.Kind() == reflect.Float32 || t.Kind() == reflect.Float64:
		out.SetFloat(float64(x))
	case t.Kind() == reflect.Interface:
		bt, ok := basicTypes[k]
		if !ok || !isUintKind(k) {
			bt = basicTypes[reflect.Uint64]
		}
		return assign(reflect.ValueOf(x).Convert(bt), t)
	default:
		return reflect.Value{}, decodeErrorf("unsigned integer into %s", t)
	}
	return out, nil
}

var basicTypes = map[reflect.Kind]reflect.Type{
	reflect.Int:     reflect.TypeFor[int](),
	reflect.Int8:    reflect.TypeFor[int8](),
	reflect.Int16:   reflect.TypeFor[int16](),
	reflect.Int32:   reflect.TypeFor[int32](),
	reflect.Int64:   reflect.TypeFor[int64](),
	reflect.Uint:    reflect.TypeFor[uint](),
	reflect.Uint8:   reflect.TypeFor[uint8](),
	reflect.Uint16:  reflect.TypeFor[uint16](),
	reflect.Uint32:  reflect.TypeFor[uint32](),
	reflect.Uint64:  reflect.TypeFor[uint64](),
	reflect.Uintptr: reflect.TypeFor[uintptr](),
}

// assign converts a decoded value to the destination type.
func assign(nat reflect.Value, t reflect.Type) (reflect.Value, error) {
	if !nat.IsValid() {
		return reflect.Zero(t), nil
	}
	nt := nat.Type()
	if nt == t {
		return nat, nil
	}
	if nt.AssignableTo(t) {
		out := reflect.New(t).Elem()
		out.Set(nat)
		return out, nil
	}
	if sameClass(nt.Kind(), t.Kind()) && nt.ConvertibleTo(t) {
		return nat.Convert(t), nil
	}
	if nt.Kind() == reflect.Pointer && nt.Elem().AssignableTo(t) {
		if nat.IsNil() {
			return reflect.Zero(t), nil
		}
		return assign(nat.Elem(), t)
	}
	if t.Kind() == reflect.Pointer && nt.AssignableTo(t.Elem()) {
		p := reflect.New(t.Elem())
		p.Elem().Set(nat)
		return p, nil
	}
	return reflect.Value{}, decodeErrorf("%s into %s", nt, t)
}

func sameClass(a, b reflect.Kind) bool {
	num := func(k reflect.Kind) bool {
		return isIntKind(k) || isUintKind(k) || k == reflect.Float32 || k == reflect.Float64
	}
	switch {
	case num(a) && num(b):
		return true
	case a == reflect.String && b == reflect.String:
		return true
	case a == reflect.Bool && b == reflect.Bool:
		return true
	case a == reflect.Slice && b == reflect.Slice:
		return true
	}
	return false
}
