package qjson

import "fmt"

// Tristate is a boolean that distinguishes "not specified" from false, used
// for QMP fields where omitting the key selects the device manager's
// default.
type Tristate int

const (
	// TristateAbsent omits the field entirely.
	TristateAbsent Tristate = iota
	// TristateYes emits true.
	TristateYes
	// TristateNo emits false.
	TristateNo
)

// FromBoolPtr maps nil to TristateAbsent, so optional booleans carried as
// pointers marshal with their default omitted.
func FromBoolPtr(v *bool) Tristate {
	if v == nil {
		return TristateAbsent
	}
	return FromBool(*v)
}

// FromBool returns TristateYes or TristateNo for v.
func FromBool(v bool) Tristate {
	if v {
		return TristateYes
	}
	return TristateNo
}

// ObjectBuilder assembles an Object through typed setters, each with its own
// omission rule. Setters return the builder for chaining; the first error
// (a duplicate key) is latched and returned by Build, so call sites don't
// check errors per field.
type ObjectBuilder struct {
	obj *Object
	err error
}

// NewObjectBuilder returns a builder over a fresh Object.
func NewObjectBuilder() *ObjectBuilder {
	return &ObjectBuilder{obj: NewObject()}
}

// BuildOn returns a builder that appends to an existing object, used when a
// later pass adds cross-cutting fields to a bag built by an earlier pass.
func BuildOn(obj *Object) *ObjectBuilder {
	if obj == nil {
		obj = NewObject()
	}
	return &ObjectBuilder{obj: obj}
}

func (b *ObjectBuilder) set(key string, v Value) *ObjectBuilder {
	if b.err != nil {
		return b
	}
	b.err = b.obj.Set(key, v)
	return b
}

// String sets a required string field; it is always emitted, even if empty.
func (b *ObjectBuilder) String(key, v string) *ObjectBuilder {
	return b.set(key, String(v))
}

// StringOpt sets a string field, omitted when v is empty.
func (b *ObjectBuilder) StringOpt(key, v string) *ObjectBuilder {
	if v == "" {
		return b
	}
	return b.set(key, String(v))
}

// Int sets a signed integer field; always emitted.
func (b *ObjectBuilder) Int(key string, v int64) *ObjectBuilder {
	return b.set(key, Int(v))
}

// IntOmitZero sets a signed integer field, omitted when v is zero.
func (b *ObjectBuilder) IntOmitZero(key string, v int64) *ObjectBuilder {
	if v == 0 {
		return b
	}
	return b.set(key, Int(v))
}

// IntOmitNeg sets a signed integer field, omitted when v is negative. Used
// for fields where -1 conventionally means "not set".
func (b *ObjectBuilder) IntOmitNeg(key string, v int64) *ObjectBuilder {
	if v < 0 {
		return b
	}
	return b.set(key, Int(v))
}

// Uint sets an unsigned integer field; always emitted.
func (b *ObjectBuilder) Uint(key string, v uint64) *ObjectBuilder {
	return b.set(key, Uint(v))
}

// UintOmitZero sets an unsigned integer field, omitted when v is zero.
func (b *ObjectBuilder) UintOmitZero(key string, v uint64) *ObjectBuilder {
	if v == 0 {
		return b
	}
	return b.set(key, Uint(v))
}

// Bool sets a boolean field; always emitted.
func (b *ObjectBuilder) Bool(key string, v bool) *ObjectBuilder {
	return b.set(key, Bool(v))
}

// BoolOmitFalse sets a boolean field, omitted when v is false.
func (b *ObjectBuilder) BoolOmitFalse(key string, v bool) *ObjectBuilder {
	if !v {
		return b
	}
	return b.set(key, Bool(v))
}

// Tristate sets a boolean field, omitted when v is TristateAbsent.
func (b *ObjectBuilder) Tristate(key string, v Tristate) *ObjectBuilder {
	switch v {
	case TristateAbsent:
		return b
	case TristateYes:
		return b.set(key, Bool(true))
	default:
		return b.set(key, Bool(false))
	}
}

// Double sets a floating-point field; always emitted.
func (b *ObjectBuilder) Double(key string, v float64) *ObjectBuilder {
	return b.set(key, Double(v))
}

// Null sets an explicit JSON null, used to state "deliberately absent"
// rather than "unspecified" (e.g. a terminated backing chain).
func (b *ObjectBuilder) Null(key string) *ObjectBuilder {
	return b.set(key, Null{})
}

// Object nests a child object, taking ownership. A nil child is an error;
// use ObjectOpt for optional children.
func (b *ObjectBuilder) Object(key string, o *Object) *ObjectBuilder {
	if b.err != nil {
		return b
	}
	if o == nil {
		b.err = fmt.Errorf("nil object for required key %q", key)
		return b
	}
	return b.set(key, o)
}

// ObjectOpt nests a child object, omitted when nil.
func (b *ObjectBuilder) ObjectOpt(key string, o *Object) *ObjectBuilder {
	if o == nil {
		return b
	}
	return b.set(key, o)
}

// Array nests a child array, taking ownership. A nil child is an error; use
// ArrayOpt for optional children.
func (b *ObjectBuilder) Array(key string, a *Array) *ObjectBuilder {
	if b.err != nil {
		return b
	}
	if a == nil {
		b.err = fmt.Errorf("nil array for required key %q", key)
		return b
	}
	return b.set(key, a)
}

// ArrayOpt nests a child array, omitted when nil.
func (b *ObjectBuilder) ArrayOpt(key string, a *Array) *ObjectBuilder {
	if a == nil {
		return b
	}
	return b.set(key, a)
}

// StringList sets an array-of-strings field, omitted when the slice is
// empty.
func (b *ObjectBuilder) StringList(key string, vs []string) *ObjectBuilder {
	if len(vs) == 0 {
		return b
	}
	arr := NewArray()
	for _, v := range vs {
		arr.Append(String(v))
	}
	return b.set(key, arr)
}

// Bitmap encodes a bitmap as the array of its set positions; always
// emitted, even when no bit is set.
func (b *ObjectBuilder) Bitmap(key string, bits []bool) *ObjectBuilder {
	return b.set(key, bitmapArray(bits))
}

// BitmapOpt encodes a bitmap as the array of its set positions, omitted
// when bits is nil.
func (b *ObjectBuilder) BitmapOpt(key string, bits []bool) *ObjectBuilder {
	if bits == nil {
		return b
	}
	return b.set(key, bitmapArray(bits))
}

func bitmapArray(bits []bool) *Array {
	arr := NewArray()
	for i, set := range bits {
		if set {
			arr.Append(Uint(uint64(i)))
		}
	}
	return arr
}

// Err returns the latched error, if any, without finishing the build.
func (b *ObjectBuilder) Err() error {
	return b.err
}

// Build returns the assembled object, or the first error hit by a setter.
func (b *ObjectBuilder) Build() (*Object, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.obj, nil
}
