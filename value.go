package flowplug

import "fmt"

// Span locates a region of engine-side source code. Spans are carried through
// the protocol untouched so errors can point back at the expression that
// produced them.
type Span struct {
	Start int `cbor:"start" json:"start"`
	End   int `cbor:"end" json:"end"`
}

// UnknownSpan is the span used when no source location is available.
func UnknownSpan() Span {
	return Span{}
}

// Spanned pairs an item with the span it originated from.
type Spanned[T any] struct {
	Item T    `cbor:"item" json:"item"`
	Span Span `cbor:"span" json:"span"`
}

// ValueType discriminates the variants of Value.
type ValueType string

const (
	NothingType ValueType = "nothing"
	BoolType    ValueType = "bool"
	IntType     ValueType = "int"
	FloatType   ValueType = "float"
	StringType  ValueType = "string"
	BinaryType  ValueType = "binary"
	ListType    ValueType = "list"
	RecordType  ValueType = "record"
	ClosureType ValueType = "closure"
	ErrorType   ValueType = "error"
	CustomType  ValueType = "custom"
)

// Value is the tagged union of pipeline values exchanged with the engine. Only
// the field selected by Type is meaningful.
//
// Custom values have two representations: the wire form (Custom, an opaque
// name + payload) and the in-memory form (an application CustomValue held in
// the unexported field, which never crosses the wire). The serialize and
// deserialize walkers in custom_value.go convert between the two at the
// protocol boundary.
type Value struct {
	Type    ValueType          `cbor:"type" json:"type"`
	Bool    bool               `cbor:"bool,omitempty" json:"bool,omitempty"`
	Int     int64              `cbor:"int,omitempty" json:"int,omitempty"`
	Float   float64            `cbor:"float,omitempty" json:"float,omitempty"`
	Str     string             `cbor:"str,omitempty" json:"str,omitempty"`
	Binary  []byte             `cbor:"binary,omitempty" json:"binary,omitempty"`
	List    []Value            `cbor:"list,omitempty" json:"list,omitempty"`
	Record  map[string]Value   `cbor:"record,omitempty" json:"record,omitempty"`
	Closure *Closure           `cbor:"closure,omitempty" json:"closure,omitempty"`
	Err     *LabeledError      `cbor:"error,omitempty" json:"error,omitempty"`
	Custom  *PluginCustomValue `cbor:"custom,omitempty" json:"custom,omitempty"`
	Span    Span               `cbor:"span" json:"span"`

	custom CustomValue
}

// Closure is a reference to an engine block plus its captured variables. The
// plugin cannot evaluate it locally; it round-trips it to EvalClosure.
type Closure struct {
	BlockID  uint64    `cbor:"block_id" json:"block_id"`
	Captures []Capture `cbor:"captures,omitempty" json:"captures,omitempty"`
}

// Capture is a single captured variable of a closure.
type Capture struct {
	VarID uint64 `cbor:"var_id" json:"var_id"`
	Value Value  `cbor:"value" json:"value"`
}

func NothingValue(span Span) Value {
	return Value{Type: NothingType, Span: span}
}

func BoolValue(b bool, span Span) Value {
	return Value{Type: BoolType, Bool: b, Span: span}
}

func IntValue(i int64, span Span) Value {
	return Value{Type: IntType, Int: i, Span: span}
}

func FloatValue(f float64, span Span) Value {
	return Value{Type: FloatType, Float: f, Span: span}
}

func StringValue(s string, span Span) Value {
	return Value{Type: StringType, Str: s, Span: span}
}

func BinaryValue(b []byte, span Span) Value {
	return Value{Type: BinaryType, Binary: b, Span: span}
}

func ListValue(items []Value, span Span) Value {
	return Value{Type: ListType, List: items, Span: span}
}

func RecordValue(fields map[string]Value, span Span) Value {
	return Value{Type: RecordType, Record: fields, Span: span}
}

func ClosureValue(c Closure, span Span) Value {
	return Value{Type: ClosureType, Closure: &c, Span: span}
}

func ErrorValue(err *LabeledError, span Span) Value {
	return Value{Type: ErrorType, Err: err, Span: span}
}

// NewCustomValue wraps an in-memory custom value. It is converted to wire form
// when the value crosses the protocol boundary.
func NewCustomValue(cv CustomValue, span Span) Value {
	return Value{Type: CustomType, custom: cv, Span: span}
}

// CustomValue returns the custom value in either representation, or nil if the
// value is not custom.
func (v Value) CustomValue() CustomValue {
	if v.custom != nil {
		return v.custom
	}
	if v.Custom != nil {
		return v.Custom
	}
	return nil
}

// IsNothing reports whether the value is the nothing value.
func (v Value) IsNothing() bool {
	return v.Type == NothingType
}

// IsError returns the contained error if the value is an error value.
func (v Value) IsError() (*LabeledError, bool) {
	if v.Type == ErrorType {
		return v.Err, true
	}
	return nil, false
}

func (v Value) typeError(want ValueType) error {
	return NewLabeledErrorf("expected %s, found %s", want, v.Type).WithCode("type_mismatch")
}

func (v Value) AsBool() (bool, error) {
	if v.Type != BoolType {
		return false, v.typeError(BoolType)
	}
	return v.Bool, nil
}

func (v Value) AsInt() (int64, error) {
	if v.Type != IntType {
		return 0, v.typeError(IntType)
	}
	return v.Int, nil
}

func (v Value) AsFloat() (float64, error) {
	if v.Type != FloatType {
		return 0, v.typeError(FloatType)
	}
	return v.Float, nil
}

func (v Value) AsString() (string, error) {
	if v.Type != StringType {
		return "", v.typeError(StringType)
	}
	return v.Str, nil
}

func (v Value) AsBinary() ([]byte, error) {
	if v.Type != BinaryType {
		return nil, v.typeError(BinaryType)
	}
	return v.Binary, nil
}

func (v Value) AsList() ([]Value, error) {
	if v.Type != ListType {
		return nil, v.typeError(ListType)
	}
	return v.List, nil
}

func (v Value) AsRecord() (map[string]Value, error) {
	if v.Type != RecordType {
		return nil, v.typeError(RecordType)
	}
	return v.Record, nil
}

func (v Value) AsClosure() (Closure, error) {
	if v.Type != ClosureType || v.Closure == nil {
		return Closure{}, v.typeError(ClosureType)
	}
	return *v.Closure, nil
}

// String renders a short human-readable form, mainly for logs and error
// messages.
func (v Value) String() string {
	switch v.Type {
	case NothingType:
		return "nothing"
	case BoolType:
		return fmt.Sprintf("%v", v.Bool)
	case IntType:
		return fmt.Sprintf("%d", v.Int)
	case FloatType:
		return fmt.Sprintf("%g", v.Float)
	case StringType:
		return v.Str
	case BinaryType:
		return fmt.Sprintf("binary(%d bytes)", len(v.Binary))
	case ListType:
		return fmt.Sprintf("list(%d items)", len(v.List))
	case RecordType:
		return fmt.Sprintf("record(%d fields)", len(v.Record))
	case ClosureType:
		return "closure"
	case ErrorType:
		if v.Err != nil {
			return "error: " + v.Err.Msg
		}
		return "error"
	case CustomType:
		if cv := v.CustomValue(); cv != nil {
			return "custom: " + cv.TypeName()
		}
		return "custom"
	default:
		return string(v.Type)
	}
}
