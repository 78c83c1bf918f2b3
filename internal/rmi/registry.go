package rmi

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/tinylib/msgp/msgp"
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
	anyType     = reflect.TypeFor[any]()
)

type typeKind uint8

const (
	kindInterface typeKind = iota + 1
	kindValue
	kindEnum
	kindSerializable
	kindWrapper
	kindSentinel
)

// InterfaceSpec registers a Go interface whose implementations can be
// exported by reference.
type InterfaceSpec struct {
	Name string
	// Type is the interface type, e.g. reflect.TypeFor[FileHandle]().
	Type reflect.Type
	// NewProxy returns the stub implementing Type on top of p.
	NewProxy func(p *Proxy) any
	Methods  []MethodSpec
}

// MethodSpec declares the policy and write handlers of one method. Methods
// without a spec use the zero Policy and Default handlers.
type MethodSpec struct {
	Name    string
	Policy  Policy
	Params  []WriteHandler
	Result  WriteHandler
	Default DefaultFunc
}

type methodInfo struct {
	name    string
	iface   *ifaceInfo
	policy  Policy
	params  []WriteHandler
	result  WriteHandler
	def     DefaultFunc
	hasCtx  bool
	numArgs int
	in      []reflect.Type
	out     reflect.Type
}

func (m *methodInfo) param(i int) WriteHandler {
	if i < len(m.params) {
		return m.params[i]
	}
	return Default
}

type ifaceInfo struct {
	name     string
	typ      reflect.Type
	newProxy func(*Proxy) any
	methods  map[string]*methodInfo
}

type fieldInfo struct {
	name    string
	index   int
	handler WriteHandler
}

type typeInfo struct {
	name     string
	kind     typeKind
	typ      reflect.Type
	ptr      bool
	isError  bool
	iface    *ifaceInfo
	fields   []fieldInfo
	wrapper  *WrapperSpec
	sentinel error
}

// Registry holds every name that may cross a connection. It is populated
// before the first handshake and frozen by it.
type Registry struct {
	mu        sync.RWMutex
	frozen    bool
	byName    map[string]*typeInfo
	byType    map[reflect.Type]*typeInfo
	ifaces    []*ifaceInfo
	wrappers  []*typeInfo
	sentinels []*typeInfo
	names     []string
	index     map[string]uint32

	implCache sync.Map
}

func NewRegistry() *Registry {
	r := &Registry{
		byName: make(map[string]*typeInfo),
		byType: make(map[reflect.Type]*typeInfo),
	}
	mustRegisterRoot(r)
	return r
}

func (r *Registry) addLocked(info *typeInfo) error {
	if r.frozen {
		return ErrRegistryFrozen
	}
	name := strings.TrimSpace(info.name)
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidConfiguration)
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	info.name = name
	r.byName[name] = info
	return nil
}

func (r *Registry) RegisterInterface(spec InterfaceSpec) error {
	if spec.Type == nil || spec.Type.Kind() != reflect.Interface {
		return fmt.Errorf("%w: %s: Type must be an interface type", ErrInvalidConfiguration, spec.Name)
	}
	if spec.NewProxy == nil {
		return fmt.Errorf("%w: %s: missing NewProxy", ErrInvalidConfiguration, spec.Name)
	}
	ii := &ifaceInfo{
		name:     spec.Name,
		typ:      spec.Type,
		newProxy: spec.NewProxy,
		methods:  make(map[string]*methodInfo, spec.Type.NumMethod()),
	}
	for i := 0; i < spec.Type.NumMethod(); i++ {
		m := spec.Type.Method(i)
		mi, err := newMethodInfo(ii, m)
		if err != nil {
			return err
		}
		ii.methods[m.Name] = mi
	}
	for _, ms := range spec.Methods {
		mi, ok := ii.methods[ms.Name]
		if !ok {
			return fmt.Errorf("%w: %s has no method %q", ErrInvalidConfiguration, spec.Name, ms.Name)
		}
		if err := ms.Policy.Validate(ms.Default != nil); err != nil {
			return fmt.Errorf("%s.%s: %w", spec.Name, ms.Name, err)
		}
		if len(ms.Params) > mi.numArgs {
			return fmt.Errorf("%w: %s.%s declares %d param handlers for %d params",
				ErrInvalidConfiguration, spec.Name, ms.Name, len(ms.Params), mi.numArgs)
		}
		mi.policy = ms.Policy
		mi.params = ms.Params
		mi.result = ms.Result
		mi.def = ms.Default
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.addLocked(&typeInfo{name: spec.Name, kind: kindInterface, typ: spec.Type, iface: ii}); err != nil {
		return err
	}
	ii.name = strings.TrimSpace(spec.Name)
	r.ifaces = append(r.ifaces, ii)
	return nil
}

func newMethodInfo(ii *ifaceInfo, m reflect.Method) (*methodInfo, error) {
	mt := m.Type
	if mt.IsVariadic() {
		return nil, fmt.Errorf("%w: %s.%s: variadic methods are not supported", ErrInvalidConfiguration, ii.name, m.Name)
	}
	mi := &methodInfo{name: m.Name, iface: ii}
	start := 0
	if mt.NumIn() > 0 && mt.In(0) == contextType {
		mi.hasCtx = true
		start = 1
	}
	for i := start; i < mt.NumIn(); i++ {
		mi.in = append(mi.in, mt.In(i))
	}
	mi.numArgs = len(mi.in)
	switch mt.NumOut() {
	case 0:
	case 1:
		if mt.Out(0) != errorType {
			mi.out = mt.Out(0)
		}
	case 2:
		if mt.Out(1) != errorType {
			return nil, fmt.Errorf("%w: %s.%s: second result must be error", ErrInvalidConfiguration, ii.name, m.Name)
		}
		mi.out = mt.Out(0)
	default:
		return nil, fmt.Errorf("%w: %s.%s: too many results", ErrInvalidConfiguration, ii.name, m.Name)
	}
	return mi, nil
}

// RegisterValue registers a struct type transferred by value. Exported
// fields are written with the handler named by their `rmi` tag.
func (r *Registry) RegisterValue(name string, sample any) error {
	return r.registerStruct(name, sample, false)
}

// RegisterErrorType registers a concrete error type reconstructed on the
// receiving side. Unregistered errors arrive as *exc.View.
func (r *Registry) RegisterErrorType(name string, sample error) error {
	return r.registerStruct(name, sample, true)
}

func (r *Registry) registerStruct(name string, sample any, isError bool) error {
	t := reflect.TypeOf(sample)
	if t == nil {
		return fmt.Errorf("%w: %s: nil sample", ErrInvalidConfiguration, name)
	}
	ptr := t.Kind() == reflect.Pointer
	if ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("%w: %s: %s is not a struct", ErrInvalidConfiguration, name, t)
	}
	info := &typeInfo{name: name, kind: kindValue, typ: t, ptr: ptr, isError: isError}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		h, err := ParseHandler(f.Tag.Get("rmi"))
		if err != nil {
			return fmt.Errorf("%s.%s: %w", name, f.Name, err)
		}
		if h.kind == handlerSkip {
			continue
		}
		info.fields = append(info.fields, fieldInfo{name: f.Name, index: i, handler: h})
	}
	return r.addTyped(info)
}

// RegisterEnum registers an integer kinded named type whose constants cross by value.
func (r *Registry) RegisterEnum(name string, sample any) error {
	t := reflect.TypeOf(sample)
	if t == nil || t.PkgPath() == "" || !(isIntKind(t.Kind()) || isUintKind(t.Kind())) {
		return fmt.Errorf("%w: %s: enum must be a named integer type", ErrInvalidConfiguration, name)
	}
	return r.addTyped(&typeInfo{name: name, kind: kindEnum, typ: t})
}

// RegisterSerializable registers a msgp type copied as opaque bytes by the
// Serialize handler. sample must be a pointer.
func (r *Registry) RegisterSerializable(name string, sample any) error {
	t := reflect.TypeOf(sample)
	if t == nil || t.Kind() != reflect.Pointer {
		return fmt.Errorf("%w: %s: serializable sample must be a pointer", ErrInvalidConfiguration, name)
	}
	if _, ok := sample.(msgp.Marshaler); !ok {
		return fmt.Errorf("%w: %s: %s does not implement msgp.Marshaler", ErrInvalidConfiguration, name, t)
	}
	if _, ok := sample.(msgp.Unmarshaler); !ok {
		return fmt.Errorf("%w: %s: %s does not implement msgp.Unmarshaler", ErrInvalidConfiguration, name, t)
	}
	return r.addTyped(&typeInfo{name: name, kind: kindSerializable, typ: t.Elem(), ptr: true})
}

// RegisterSentinel registers a sentinel error value; it is delivered as the
// same value so errors.Is holds across the connection.
func (r *Registry) RegisterSentinel(name string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s: nil sentinel", ErrInvalidConfiguration, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	info := &typeInfo{name: name, kind: kindSentinel, sentinel: err}
	if err := r.addLocked(info); err != nil {
		return err
	}
	r.sentinels = append(r.sentinels, info)
	return nil
}

func (r *Registry) RegisterWrapper(spec WrapperSpec) error {
	if spec.New == nil || spec.Wrap == nil {
		return fmt.Errorf("%w: wrapper %s: New and Wrap are required", ErrInvalidConfiguration, spec.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	info := &typeInfo{name: spec.Name, kind: kindWrapper, typ: spec.For, wrapper: &spec}
	if err := r.addLocked(info); err != nil {
		return err
	}
	if spec.For != nil {
		r.wrappers = append(r.wrappers, info)
	}
	return nil
}

func (r *Registry) addTyped(info *typeInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byType[info.typ]; ok {
		return fmt.Errorf("%w: %s already registered as %q", ErrDuplicateName, info.typ, prev.name)
	}
	if err := r.addLocked(info); err != nil {
		return err
	}
	r.byType[info.typ] = info
	return nil
}

// freeze fixes the name table exchanged at handshake.
func (r *Registry) freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return
	}
	r.frozen = true
	r.names = make([]string, 0, len(r.byName))
	for name := range r.byName {
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	r.index = make(map[string]uint32, len(r.names))
	for i, name := range r.names {
		r.index[name] = uint32(i)
	}
	sort.Slice(r.ifaces, func(i, j int) bool { return r.ifaces[i].name < r.ifaces[j].name })
}

// Names returns the frozen name table, or nil before the first handshake.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

func (r *Registry) lookupName(name string) *typeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

func (r *Registry) id(info *typeInfo) uint64 {
	return uint64(r.index[info.name])
}

func (r *Registry) interfaceByName(name string) *ifaceInfo {
	if info := r.lookupName(name); info != nil && info.kind == kindInterface {
		return info.iface
	}
	return nil
}

// typed returns the value, enum or serializable registration for t or *t.
func (r *Registry) typed(t reflect.Type) *typeInfo {
	if info, ok := r.byType[t]; ok {
		return info
	}
	if t.Kind() == reflect.Pointer {
		if info, ok := r.byType[t.Elem()]; ok && info.kind != kindEnum {
			return info
		}
	}
	return nil
}

func (r *Registry) sentinelFor(err error) *typeInfo {
	for _, info := range r.sentinels {
		if info.sentinel == err {
			return info
		}
	}
	return nil
}

// defaultWrapper returns the type-default wrapper for t.
func (r *Registry) defaultWrapper(t reflect.Type) *typeInfo {
	for _, info := range r.wrappers {
		if t == info.typ || (info.typ.Kind() == reflect.Interface && t.Implements(info.typ)) {
			return info
		}
	}
	return nil
}

// implemented returns the registered interfaces t implements, ordered by name.
func (r *Registry) implemented(t reflect.Type) []*ifaceInfo {
	if v, ok := r.implCache.Load(t); ok {
		return v.([]*ifaceInfo)
	}
	var out []*ifaceInfo
	for _, ii := range r.ifaces {
		if t.Implements(ii.typ) {
			out = append(out, ii)
		}
	}
	r.implCache.Store(t, out)
	return out
}

func isIntKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isUintKind(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return true
	}
	return false
}
