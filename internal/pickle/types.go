package pickle

import (
	"iter"
	"math/big"
	"slices"
)

// None is Python's None.
type None struct{}

// Bytes is a Python bytes object.
type Bytes []byte

// Tuple is a Python tuple.
type Tuple []any

// Global is a reference to a module-level Python name (GLOBAL, STACK_GLOBAL).
type Global struct {
	Module string
	Name   string
}

// String returns the dotted name.
func (g Global) String() string {
	return g.Module + "." + g.Name
}

// PersistentID is an unresolved persistent reference.
// The decoder produces it when no load hook is configured.
type PersistentID struct {
	Pid any
}

// List is a Python list.
type List struct {
	Items []any
}

// NewList creates a list holding items.
func NewList(items ...any) *List {
	return &List{Items: items}
}

// Set is a Python set or frozenset.
type Set struct {
	Items  []any
	Frozen bool
}

// CallKind tells which opcode constructed an Object.
type CallKind int

// Object construction kinds.
const (
	CallReduce   CallKind = iota // REDUCE, INST, OBJ
	CallNewObj                   // NEWOBJ: cls.__new__(cls, *args)
	CallNewObjEx                 // NEWOBJ_EX: cls.__new__(cls, *args, **kwargs)
)

// Object is a recorded call of a Python callable.
//
// Items holds SETITEM(S) applied to the object (dict subclasses such as
// OrderedDict), Elems holds APPEND(S) (list subclasses) and State the
// BUILD argument when Built is set.
type Object struct {
	Callable any
	Args     Tuple
	Kwargs   *Dict
	Kind     CallKind

	Items *Dict
	Elems []any

	State any
	Built bool
}

// NewObject records callable(*args).
func NewObject(callable any, args ...any) *Object {
	return &Object{Callable: callable, Args: Tuple(args)}
}

// Class returns the callable as a Global, if it is one.
func (o *Object) Class() (Global, bool) {
	g, ok := o.Callable.(Global)
	return g, ok
}

// IsA reports whether the object was built by module.name.
func (o *Object) IsA(module, name string) bool {
	g, ok := o.Class()
	return ok && g.Module == module && g.Name == name
}

// Dict is an insertion-ordered Python dict.
//
// String keys are indexed; other keys are found by a linear scan using
// Equal. Python's cross-type key equality (1 == 1.0 == True) is not
// modelled.
type Dict struct {
	keys   []any
	values []any
	index  map[string]int
}

// NewDict creates an empty dict.
func NewDict() *Dict {
	return &Dict{index: make(map[string]int)}
}

// Len returns the number of entries.
func (d *Dict) Len() int {
	return len(d.keys)
}

func (d *Dict) find(key any) int {
	if s, ok := key.(string); ok {
		if i, ok := d.index[s]; ok {
			return i
		}
		return -1
	}
	for i, k := range d.keys {
		if _, isStr := k.(string); isStr {
			continue
		}
		if Equal(k, key) {
			return i
		}
	}
	return -1
}

// Get returns the value stored under key.
func (d *Dict) Get(key any) (any, bool) {
	i := d.find(key)
	if i < 0 {
		return nil, false
	}
	return d.values[i], true
}

// Has reports whether key is present.
func (d *Dict) Has(key any) bool {
	return d.find(key) >= 0
}

// Set stores value under key. Replacing an existing key keeps its position.
func (d *Dict) Set(key, value any) {
	if i := d.find(key); i >= 0 {
		d.values[i] = value
		return
	}
	if d.index == nil {
		d.index = make(map[string]int)
	}
	if s, ok := key.(string); ok {
		d.index[s] = len(d.keys)
	}
	d.keys = append(d.keys, key)
	d.values = append(d.values, value)
}

// Delete removes key and reports whether it was present.
func (d *Dict) Delete(key any) bool {
	i := d.find(key)
	if i < 0 {
		return false
	}
	d.keys = slices.Delete(d.keys, i, i+1)
	d.values = slices.Delete(d.values, i, i+1)
	d.reindex()
	return true
}

func (d *Dict) reindex() {
	d.index = make(map[string]int, len(d.keys))
	for i, k := range d.keys {
		if s, ok := k.(string); ok {
			d.index[s] = i
		}
	}
}

// Keys returns the keys in insertion order.
func (d *Dict) Keys() []any {
	return slices.Clone(d.keys)
}

// StringKeys returns the string keys in insertion order.
func (d *Dict) StringKeys() []string {
	out := make([]string, 0, len(d.keys))
	for _, k := range d.keys {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// All iterates over entries in insertion order.
func (d *Dict) All() iter.Seq2[any, any] {
	return func(yield func(any, any) bool) {
		for i := range d.keys {
			if !yield(d.keys[i], d.values[i]) {
				return
			}
		}
	}
}

// Mapping is implemented by values that behave as a Python mapping.
type Mapping interface {
	Len() int
	Get(key any) (any, bool)
	All() iter.Seq2[any, any]
}

var _ Mapping = (*Dict)(nil)

// dictLike lists callables whose instances are dict subclasses filled by SETITEMS.
var dictLike = map[Global]bool{
	{Module: "collections", Name: "OrderedDict"}: true,
	{Module: "collections", Name: "defaultdict"}: true,
	{Module: "builtins", Name: "dict"}:           true,
	{Module: "__builtin__", Name: "dict"}:        true,

	{Module: "lightning.fabric.utilities.data", Name: "AttributeDict"}:     true,
	{Module: "pytorch_lightning.utilities.parsing", Name: "AttributeDict"}: true,
}

// AsDict returns the mapping view of v: a *Dict itself, or the items of a
// dict-like *Object (OrderedDict and friends). An empty dict-like object
// gets an Items dict allocated so callers can fill it.
func AsDict(v any) (*Dict, bool) {
	switch t := v.(type) {
	case *Dict:
		return t, true
	case *Object:
		if t.Items != nil {
			return t.Items, true
		}
		if g, ok := t.Class(); ok && dictLike[g] {
			t.Items = NewDict()
			return t.Items, true
		}
	}
	return nil, false
}

// Equal reports whether two decoded values are structurally equal.
// Pointer containers compare by content.
func Equal(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case None:
		_, ok := b.(None)
		return ok
	case bool, string, float64, Global:
		return a == b
	case int64:
		switch y := b.(type) {
		case int64:
			return x == y
		case *big.Int:
			return y.IsInt64() && y.Int64() == x
		}
		return false
	case *big.Int:
		switch y := b.(type) {
		case *big.Int:
			return x.Cmp(y) == 0
		case int64:
			return x.IsInt64() && x.Int64() == y
		}
		return false
	case Bytes:
		y, ok := b.(Bytes)
		return ok && string(x) == string(y)
	case Tuple:
		y, ok := b.(Tuple)
		return ok && equalSlices(x, y)
	case PersistentID:
		y, ok := b.(PersistentID)
		return ok && Equal(x.Pid, y.Pid)
	case *List:
		y, ok := b.(*List)
		return ok && (x == y || equalSlices(x.Items, y.Items))
	case *Set:
		y, ok := b.(*Set)
		return ok && x.Frozen == y.Frozen && equalSlices(x.Items, y.Items)
	case *Dict:
		y, ok := b.(*Dict)
		return ok && equalDicts(x, y)
	case *Object:
		y, ok := b.(*Object)
		if !ok {
			return false
		}
		if x == y {
			return true
		}
		return x.Kind == y.Kind && x.Built == y.Built &&
			Equal(x.Callable, y.Callable) &&
			equalSlices(x.Args, y.Args) &&
			equalDicts(x.Kwargs, y.Kwargs) &&
			equalDicts(x.Items, y.Items) &&
			equalSlices(x.Elems, y.Elems) &&
			Equal(x.State, y.State)
	default:
		return a == b
	}
}

func equalSlices(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func equalDicts(a, b *Dict) bool {
	if a == nil || b == nil {
		return (a == nil || a.Len() == 0) && (b == nil || b.Len() == 0)
	}
	if a == b {
		return true
	}
	if a.Len() != b.Len() {
		return false
	}
	for i := range a.keys {
		if !Equal(a.keys[i], b.keys[i]) || !Equal(a.values[i], b.values[i]) {
			return false
		}
	}
	return true
}
