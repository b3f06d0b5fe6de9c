package flowplug

// EvaluatedCall is a command invocation with all arguments already evaluated
// by the engine: the span of the command head, the positional arguments in
// order, and the named flags.
type EvaluatedCall struct {
	Head       Span       `cbor:"head" json:"head"`
	Positional []Value    `cbor:"positional,omitempty" json:"positional,omitempty"`
	Named      []NamedArg `cbor:"named,omitempty" json:"named,omitempty"`
}

// NamedArg is one named flag of an EvaluatedCall. A flag without a value is a
// switch; presence alone means true.
type NamedArg struct {
	Name  Spanned[string] `cbor:"name" json:"name"`
	Value *Value          `cbor:"value,omitempty" json:"value,omitempty"`
}

// NewEvaluatedCall creates an empty call with the given head span. Mostly
// useful with CallDecl and in tests.
func NewEvaluatedCall(head Span) EvaluatedCall {
	return EvaluatedCall{Head: head}
}

// AddPositional appends a positional argument and returns the call.
func (c EvaluatedCall) AddPositional(v Value) EvaluatedCall {
	c.Positional = append(c.Positional, v)
	return c
}

// AddNamed appends a named flag with a value and returns the call.
func (c EvaluatedCall) AddNamed(name string, v Value) EvaluatedCall {
	c.Named = append(c.Named, NamedArg{
		Name:  Spanned[string]{Item: name, Span: v.Span},
		Value: &v,
	})
	return c
}

// AddFlag appends a valueless switch flag and returns the call.
func (c EvaluatedCall) AddFlag(name string) EvaluatedCall {
	c.Named = append(c.Named, NamedArg{Name: Spanned[string]{Item: name}})
	return c
}

// HasFlag reports whether the named flag is present and not explicitly set to
// false.
func (c EvaluatedCall) HasFlag(name string) bool {
	for _, arg := range c.Named {
		if arg.Name.Item != name {
			continue
		}
		if arg.Value == nil {
			return true
		}
		b, err := arg.Value.AsBool()
		return err == nil && b
	}
	return false
}

// GetFlagValue returns the value of the named flag, if present with a value.
func (c EvaluatedCall) GetFlagValue(name string) (Value, bool) {
	for _, arg := range c.Named {
		if arg.Name.Item == name && arg.Value != nil {
			return *arg.Value, true
		}
	}
	return Value{}, false
}

// Req returns the positional argument at index i, or an error pointing at the
// call head if it is missing.
func (c EvaluatedCall) Req(i int) (Value, error) {
	if i < 0 || i >= len(c.Positional) {
		return Value{}, NewLabeledErrorf("missing required positional argument %d", i).
			WithLabel("for this command", c.Head)
	}
	return c.Positional[i], nil
}

// Opt returns the positional argument at index i, if present.
func (c EvaluatedCall) Opt(i int) (Value, bool) {
	if i < 0 || i >= len(c.Positional) {
		return Value{}, false
	}
	return c.Positional[i], true
}
