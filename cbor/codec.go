// Package cbor is the default wire codec for the plugin protocol: message
// envelopes encoded as CBOR, framed with a 4-byte big-endian length prefix.
package cbor

import (
	cbor2 "github.com/fxamacker/cbor/v2"

	flowplug "github.com/machinefabric/flowplug-go"
)

// EncodeOutput encodes a plugin-to-engine envelope.
func EncodeOutput(msg *flowplug.PluginOutput) ([]byte, error) {
	return cbor2.Marshal(msg)
}

// DecodeOutput decodes a plugin-to-engine envelope, for the engine side and
// for tests.
func DecodeOutput(data []byte) (*flowplug.PluginOutput, error) {
	var msg flowplug.PluginOutput
	if err := cbor2.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EncodeInput encodes an engine-to-plugin envelope, for the engine side and
// for tests.
func EncodeInput(msg *flowplug.PluginInput) ([]byte, error) {
	return cbor2.Marshal(msg)
}

// DecodeInput decodes an engine-to-plugin envelope.
func DecodeInput(data []byte) (*flowplug.PluginInput, error) {
	var msg flowplug.PluginInput
	if err := cbor2.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
