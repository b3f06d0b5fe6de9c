package flowplug

import (
	"fmt"
	"sync"
)

// CustomValue is an application-defined opaque value that flows through the
// engine without the engine understanding it. Implementations must be
// serializable so the engine can hold and return them.
type CustomValue interface {
	// TypeName identifies the custom value type. It must be stable across
	// plugin versions and unique within the plugin.
	TypeName() string
	// MarshalCustomValue produces the opaque wire payload.
	MarshalCustomValue() ([]byte, error)
}

// NotifyOnDrop can be implemented by custom values that want a Dropped custom
// value op when the engine releases the last copy.
type NotifyOnDrop interface {
	CustomValue
	NotifyOnDrop() bool
}

// PluginCustomValue is the wire form of a custom value: an opaque payload
// tagged with the type name it decodes as. It implements CustomValue so that
// values whose type has no registered decoder can still pass through
// untouched.
type PluginCustomValue struct {
	Name         string `cbor:"name" json:"name"`
	Data         []byte `cbor:"data" json:"data"`
	NotifyOnDrop bool   `cbor:"notify_on_drop,omitempty" json:"notify_on_drop,omitempty"`
}

func (p *PluginCustomValue) TypeName() string {
	return p.Name
}

func (p *PluginCustomValue) MarshalCustomValue() ([]byte, error) {
	return p.Data, nil
}

// CustomValueDecoder decodes the wire payload of a named custom value type
// back into its in-memory form.
type CustomValueDecoder func(data []byte) (CustomValue, error)

var customValueRegistry = struct {
	sync.RWMutex
	decoders map[string]CustomValueDecoder
}{decoders: make(map[string]CustomValueDecoder)}

// RegisterCustomValueType registers the decoder for a custom value type name.
// Usually called from init in the package defining the type. Registering the
// same name twice panics.
func RegisterCustomValueType(name string, decoder CustomValueDecoder) {
	customValueRegistry.Lock()
	defer customValueRegistry.Unlock()
	if _, exists := customValueRegistry.decoders[name]; exists {
		panic(fmt.Sprintf("custom value type %q registered twice", name))
	}
	customValueRegistry.decoders[name] = decoder
}

func lookupCustomValueDecoder(name string) (CustomValueDecoder, bool) {
	customValueRegistry.RLock()
	defer customValueRegistry.RUnlock()
	decoder, ok := customValueRegistry.decoders[name]
	return decoder, ok
}

// SerializeCustomValuesIn recursively converts all in-memory custom values
// inside v to wire form. Called on every value before it is written to the
// engine.
func SerializeCustomValuesIn(v *Value) error {
	switch v.Type {
	case CustomType:
		if v.custom == nil {
			// already in wire form
			return nil
		}
		data, err := v.custom.MarshalCustomValue()
		if err != nil {
			return fmt.Errorf("failed to serialize custom value %q: %w", v.custom.TypeName(), err)
		}
		notify := false
		if nd, ok := v.custom.(NotifyOnDrop); ok {
			notify = nd.NotifyOnDrop()
		}
		v.Custom = &PluginCustomValue{Name: v.custom.TypeName(), Data: data, NotifyOnDrop: notify}
		v.custom = nil
	case ListType:
		for i := range v.List {
			if err := SerializeCustomValuesIn(&v.List[i]); err != nil {
				return err
			}
		}
	case RecordType:
		for key, field := range v.Record {
			if err := SerializeCustomValuesIn(&field); err != nil {
				return err
			}
			v.Record[key] = field
		}
	case ClosureType:
		if v.Closure != nil {
			for i := range v.Closure.Captures {
				if err := SerializeCustomValuesIn(&v.Closure.Captures[i].Value); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// DeserializeCustomValuesIn recursively converts all wire-form custom values
// inside v back to their in-memory form using the registered decoders. Types
// with no registered decoder are left in wire form so they can round-trip.
// Called on every value received from the engine.
func DeserializeCustomValuesIn(v *Value) error {
	switch v.Type {
	case CustomType:
		if v.Custom == nil {
			return nil
		}
		decoder, ok := lookupCustomValueDecoder(v.Custom.Name)
		if !ok {
			return nil
		}
		cv, err := decoder(v.Custom.Data)
		if err != nil {
			return fmt.Errorf("failed to deserialize custom value %q: %w", v.Custom.Name, err)
		}
		v.custom = cv
		v.Custom = nil
	case ListType:
		for i := range v.List {
			if err := DeserializeCustomValuesIn(&v.List[i]); err != nil {
				return err
			}
		}
	case RecordType:
		for key, field := range v.Record {
			if err := DeserializeCustomValuesIn(&field); err != nil {
				return err
			}
			v.Record[key] = field
		}
	case ClosureType:
		if v.Closure != nil {
			for i := range v.Closure.Captures {
				if err := DeserializeCustomValuesIn(&v.Closure.Captures[i].Value); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
