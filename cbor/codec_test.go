package cbor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flowplug "github.com/machinefabric/flowplug-go"
)

func TestInputEnvelopeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  flowplug.PluginInput
	}{
		{
			name: "hello",
			msg: flowplug.PluginInput{
				Type:  flowplug.InputHello,
				Hello: &flowplug.ProtocolInfo{Protocol: flowplug.ProtocolName, Version: "0.157.0"},
			},
		},
		{
			name: "run call with value input",
			msg: flowplug.PluginInput{
				Type:   flowplug.InputCall,
				CallID: 3,
				Call: &flowplug.PluginCall[flowplug.PipelineDataHeader]{
					Kind: flowplug.PluginCallRun,
					Run: &flowplug.CallInfo[flowplug.PipelineDataHeader]{
						Name: "counter",
						Call: flowplug.NewEvaluatedCall(flowplug.Span{Start: 1, End: 8}).
							AddPositional(flowplug.StringValue("column", flowplug.Span{})),
						Input: flowplug.PipelineDataHeader{
							Type:  flowplug.ValueHeader,
							Value: ptrValue(flowplug.IntValue(42, flowplug.Span{Start: 9, End: 11})),
						},
					},
				},
			},
		},
		{
			name: "stream data",
			msg: flowplug.PluginInput{
				Type: flowplug.InputStream,
				Stream: &flowplug.StreamMessage{
					Type: flowplug.StreamDataMsg,
					ID:   7,
					Data: &flowplug.StreamData{Raw: []byte("chunk")},
				},
			},
		},
		{
			name: "engine call response",
			msg: flowplug.PluginInput{
				Type:         flowplug.InputEngineCallResponse,
				EngineCallID: 12,
				EngineCallResponse: &flowplug.EngineCallResponse[flowplug.PipelineDataHeader]{
					Kind: flowplug.EngineCallResponsePipelineData,
					Data: &flowplug.PipelineDataHeader{Type: flowplug.EmptyHeader},
				},
			},
		},
		{
			name: "signal",
			msg: flowplug.PluginInput{
				Type:   flowplug.InputSignal,
				Signal: flowplug.SignalInterrupt,
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := EncodeInput(&tc.msg)
			require.NoError(t, err)
			decoded, err := DecodeInput(data)
			require.NoError(t, err)
			assert.Equal(t, &tc.msg, decoded)
		})
	}
}

func TestOutputEnvelopeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  flowplug.PluginOutput
	}{
		{
			name: "hello",
			msg: flowplug.PluginOutput{
				Type:  flowplug.OutputHello,
				Hello: &flowplug.ProtocolInfo{Protocol: flowplug.ProtocolName, Version: flowplug.ProtocolVersion},
			},
		},
		{
			name: "call response error",
			msg: flowplug.PluginOutput{
				Type:   flowplug.OutputCallResponse,
				CallID: 4,
				CallResponse: &flowplug.PluginCallResponse[flowplug.PipelineDataHeader]{
					Kind: flowplug.PluginCallResponseError,
					Err:  flowplug.NewLabeledError("it broke").WithCode("broken"),
				},
			},
		},
		{
			name: "engine call",
			msg: flowplug.PluginOutput{
				Type: flowplug.OutputEngineCall,
				EngineCall: &flowplug.EngineCallMsg{
					Context: 4,
					ID:      9,
					Call: flowplug.EngineCall[flowplug.PipelineDataHeader]{
						Kind:    flowplug.EngineCallGetEnvVar,
						EnvName: "PATH",
					},
				},
			},
		},
		{
			name: "stream end",
			msg: flowplug.PluginOutput{
				Type:   flowplug.OutputStream,
				Stream: &flowplug.StreamMessage{Type: flowplug.StreamEndMsg, ID: 2},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := EncodeOutput(&tc.msg)
			require.NoError(t, err)
			decoded, err := DecodeOutput(data)
			require.NoError(t, err)
			assert.Equal(t, &tc.msg, decoded)
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeInput([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
	_, err = DecodeOutput([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
}

func ptrValue(v flowplug.Value) *flowplug.Value {
	return &v
}
