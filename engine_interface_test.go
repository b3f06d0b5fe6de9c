package flowplug

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// respondToEngineCall waits until the engine call at index has been written
// and feeds back the response built for it.
func respondToEngineCall(t *testing.T, m *EngineInterfaceManager, w *testWriter, index int,
	build func(call *EngineCallMsg) EngineCallResponse[PipelineDataHeader]) *EngineCallMsg {
	t.Helper()
	calls := waitForEngineCalls(t, w, index+1)
	call := calls[index]
	resp := build(call)
	require.NoError(t, m.Consume(engineCallResponseInput(call.ID, resp)))
	return call
}

func TestEngineCallRequiresContext(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.GetInterface().GetConfig()
	require.ErrorIs(t, err, ErrNoCallContext)
}

func TestWriteResponseValue(t *testing.T) {
	m, writer := newTestManager(t)
	iface := m.interfaceForContext(3)

	pdw, err := iface.WriteResponse(ValuePipelineData(IntValue(42, Span{})))
	require.NoError(t, err)
	assert.Nil(t, pdw, "plain values need no stream writer")

	responses := writer.callResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, PluginCallID(3), responses[0].CallID)
	resp := responses[0].CallResponse
	assert.Equal(t, PluginCallResponsePipelineData, resp.Kind)
	require.NotNil(t, resp.Data)
	assert.Equal(t, ValueHeader, resp.Data.Type)
	assert.Equal(t, int64(42), resp.Data.Value.Int)
	assert.Zero(t, m.state.outstandingCalls.Load())
}

func TestWriteResponseListStream(t *testing.T) {
	m, writer := newTestManager(t)
	iface := m.interfaceForContext(4)

	values := []Value{IntValue(1, Span{}), IntValue(2, Span{}), IntValue(3, Span{})}
	data := PipelineData{ListStream: ListStreamFromValues(Span{}, values)}

	pdw, err := iface.WriteResponse(data)
	require.NoError(t, err)
	require.NotNil(t, pdw)
	assert.Positive(t, m.state.outstandingCalls.Load(), "call outstanding until stream is written")

	require.NoError(t, pdw.Write())
	assert.Zero(t, m.state.outstandingCalls.Load())

	msgs := writer.messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, OutputCallResponse, msgs[0].Type)
	require.NotNil(t, msgs[0].CallResponse.Data.ListStream)
	streamID := msgs[0].CallResponse.Data.ListStream.ID

	var items []Value
	sawEnd := false
	for _, msg := range msgs[1:] {
		require.Equal(t, OutputStream, msg.Type)
		require.Equal(t, streamID, msg.Stream.ID)
		switch msg.Stream.Type {
		case StreamDataMsg:
			require.NotNil(t, msg.Stream.Data.List)
			items = append(items, *msg.Stream.Data.List)
		case StreamEndMsg:
			sawEnd = true
		}
	}
	assert.Equal(t, values, items)
	assert.True(t, sawEnd)
}

func TestWriteResponseHeaderFailureSendsError(t *testing.T) {
	m, writer := newTestManager(t)
	iface := m.interfaceForContext(5)

	bad := ValuePipelineData(NewCustomValue(&unserializableValue{}, Span{}))
	pdw, err := iface.WriteResponse(bad)
	require.NoError(t, err)
	assert.Nil(t, pdw)

	responses := writer.callResponses()
	require.Len(t, responses, 1, "header failure still produces exactly one response")
	assert.Equal(t, PluginCallResponseError, responses[0].CallResponse.Kind)
	assert.Contains(t, responses[0].CallResponse.Err.Msg, "cannot serialize")
	assert.Zero(t, m.state.outstandingCalls.Load())
}

func TestWriteOrdering(t *testing.T) {
	m, writer := newTestManager(t)
	iface := m.interfaceForContext(6)

	ord := OrderingLess
	require.NoError(t, iface.WriteOrdering(&ord))
	responses := writer.callResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, PluginCallResponseOrdering, responses[0].CallResponse.Kind)
	assert.Equal(t, OrderingLess, *responses[0].CallResponse.Ordering)
}

func TestGetConfig(t *testing.T) {
	m, writer := newTestManager(t)
	iface := m.interfaceForContext(1)

	result := make(chan Config, 1)
	go func() {
		cfg, err := iface.GetConfig()
		require.NoError(t, err)
		result <- cfg
	}()

	call := respondToEngineCall(t, m, writer, 0, func(call *EngineCallMsg) EngineCallResponse[PipelineDataHeader] {
		return EngineCallResponse[PipelineDataHeader]{
			Kind:   EngineCallResponseConfig,
			Config: Config{"table_mode": StringValue("compact", Span{})},
		}
	})
	assert.Equal(t, EngineCallGetConfig, call.Call.Kind)
	assert.Equal(t, PluginCallID(1), call.Context)

	cfg := <-result
	assert.Equal(t, "compact", cfg["table_mode"].Str)
}

func TestGetEnvVarPresentAndAbsent(t *testing.T) {
	m, writer := newTestManager(t)
	iface := m.interfaceForContext(1)

	result := make(chan *Value, 2)
	go func() {
		v, err := iface.GetEnvVar("PATH")
		require.NoError(t, err)
		result <- v
	}()
	respondToEngineCall(t, m, writer, 0, func(*EngineCallMsg) EngineCallResponse[PipelineDataHeader] {
		return valueResponse(StringValue("/usr/bin", Span{}))
	})
	v := <-result
	require.NotNil(t, v)
	assert.Equal(t, "/usr/bin", v.Str)

	go func() {
		v, err := iface.GetEnvVar("MISSING")
		require.NoError(t, err)
		result <- v
	}()
	respondToEngineCall(t, m, writer, 1, func(*EngineCallMsg) EngineCallResponse[PipelineDataHeader] {
		return emptyResponse()
	})
	assert.Nil(t, <-result)
}

func TestGetEnvVars(t *testing.T) {
	m, writer := newTestManager(t)
	iface := m.interfaceForContext(1)

	result := make(chan map[string]Value, 1)
	go func() {
		vars, err := iface.GetEnvVars()
		require.NoError(t, err)
		result <- vars
	}()
	respondToEngineCall(t, m, writer, 0, func(*EngineCallMsg) EngineCallResponse[PipelineDataHeader] {
		return EngineCallResponse[PipelineDataHeader]{
			Kind:     EngineCallResponseValueMap,
			ValueMap: map[string]Value{"HOME": StringValue("/home/user", Span{})},
		}
	})
	vars := <-result
	assert.Equal(t, "/home/user", vars["HOME"].Str)
}

func TestAddEnvVar(t *testing.T) {
	m, writer := newTestManager(t)
	iface := m.interfaceForContext(1)

	done := make(chan error, 1)
	go func() {
		done <- iface.AddEnvVar("FOO", StringValue("bar", Span{}))
	}()
	call := respondToEngineCall(t, m, writer, 0, func(*EngineCallMsg) EngineCallResponse[PipelineDataHeader] {
		return emptyResponse()
	})
	assert.Equal(t, EngineCallAddEnvVar, call.Call.Kind)
	assert.Equal(t, "FOO", call.Call.EnvName)
	require.NotNil(t, call.Call.EnvValue)
	assert.Equal(t, "bar", call.Call.EnvValue.Str)
	require.NoError(t, <-done)
}

func TestGetCurrentDirAndHelp(t *testing.T) {
	m, writer := newTestManager(t)
	iface := m.interfaceForContext(1)

	dirResult := make(chan string, 1)
	go func() {
		dir, err := iface.GetCurrentDir()
		require.NoError(t, err)
		dirResult <- dir
	}()
	respondToEngineCall(t, m, writer, 0, func(*EngineCallMsg) EngineCallResponse[PipelineDataHeader] {
		return valueResponse(StringValue("/tmp/work", Span{}))
	})
	assert.Equal(t, "/tmp/work", <-dirResult)

	helpResult := make(chan string, 1)
	go func() {
		help, err := iface.GetHelp()
		require.NoError(t, err)
		helpResult <- help
	}()
	respondToEngineCall(t, m, writer, 1, func(*EngineCallMsg) EngineCallResponse[PipelineDataHeader] {
		return valueResponse(StringValue("usage: example", Span{}))
	})
	assert.Equal(t, "usage: example", <-helpResult)
}

func TestGetSpanContents(t *testing.T) {
	m, writer := newTestManager(t)
	iface := m.interfaceForContext(1)

	result := make(chan []byte, 1)
	go func() {
		contents, err := iface.GetSpanContents(Span{Start: 10, End: 20})
		require.NoError(t, err)
		result <- contents
	}()
	call := respondToEngineCall(t, m, writer, 0, func(*EngineCallMsg) EngineCallResponse[PipelineDataHeader] {
		return valueResponse(BinaryValue([]byte("some source"), Span{}))
	})
	require.NotNil(t, call.Call.Span)
	assert.Equal(t, 10, call.Call.Span.Start)
	assert.Equal(t, []byte("some source"), <-result)
}

func TestFindDecl(t *testing.T) {
	m, writer := newTestManager(t)
	iface := m.interfaceForContext(1)

	type found struct {
		id DeclID
		ok bool
	}
	result := make(chan found, 1)
	go func() {
		id, ok, err := iface.FindDecl("table")
		require.NoError(t, err)
		result <- found{id, ok}
	}()
	call := respondToEngineCall(t, m, writer, 0, func(*EngineCallMsg) EngineCallResponse[PipelineDataHeader] {
		id := DeclID(88)
		return EngineCallResponse[PipelineDataHeader]{Kind: EngineCallResponseIdentifier, Identifier: &id}
	})
	assert.Equal(t, "table", call.Call.DeclName)
	assert.Equal(t, found{88, true}, <-result)

	go func() {
		id, ok, err := iface.FindDecl("no-such-command")
		require.NoError(t, err)
		result <- found{id, ok}
	}()
	respondToEngineCall(t, m, writer, 1, func(*EngineCallMsg) EngineCallResponse[PipelineDataHeader] {
		return emptyResponse()
	})
	assert.Equal(t, found{0, false}, <-result)
}

func TestEvalClosureCollectsValue(t *testing.T) {
	m, writer := newTestManager(t)
	iface := m.interfaceForContext(1)

	closure := Spanned[Closure]{Item: Closure{BlockID: 12}, Span: Span{Start: 3, End: 9}}

	result := make(chan Value, 1)
	go func() {
		v, err := iface.EvalClosure(closure, []Value{IntValue(5, Span{})}, nil)
		require.NoError(t, err)
		result <- v
	}()
	call := respondToEngineCall(t, m, writer, 0, func(*EngineCallMsg) EngineCallResponse[PipelineDataHeader] {
		return valueResponse(IntValue(25, Span{}))
	})
	require.NotNil(t, call.Call.EvalClosure)
	assert.Equal(t, uint64(12), call.Call.EvalClosure.Closure.Item.BlockID)
	require.Len(t, call.Call.EvalClosure.Positional, 1)

	v := <-result
	assert.Equal(t, int64(25), v.Int)
}

func TestEvalClosureUnwrapsErrorValue(t *testing.T) {
	m, writer := newTestManager(t)
	iface := m.interfaceForContext(1)

	closure := Spanned[Closure]{Item: Closure{BlockID: 1}}
	errCh := make(chan error, 1)
	go func() {
		_, err := iface.EvalClosure(closure, nil, nil)
		errCh <- err
	}()
	respondToEngineCall(t, m, writer, 0, func(*EngineCallMsg) EngineCallResponse[PipelineDataHeader] {
		return valueResponse(ErrorValue(NewLabeledError("division by zero"), Span{}))
	})
	err := <-errCh
	require.Error(t, err)
	assert.Contains(t, err.Error(), "division by zero")
}

func TestEngineCallErrorResponse(t *testing.T) {
	m, writer := newTestManager(t)
	iface := m.interfaceForContext(1)

	errCh := make(chan error, 1)
	go func() {
		_, err := iface.GetConfig()
		errCh <- err
	}()
	respondToEngineCall(t, m, writer, 0, func(*EngineCallMsg) EngineCallResponse[PipelineDataHeader] {
		return EngineCallResponse[PipelineDataHeader]{
			Kind: EngineCallResponseError,
			Err:  NewLabeledError("no config for you"),
		}
	})
	err := <-errCh
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no config for you")
}

func TestCallDecl(t *testing.T) {
	m, writer := newTestManager(t)
	iface := m.interfaceForContext(1)

	result := make(chan Value, 1)
	go func() {
		out, err := iface.CallDecl(
			88,
			NewEvaluatedCall(Span{}).AddPositional(StringValue("arg", Span{})),
			EmptyPipelineData(),
			true, false,
		)
		require.NoError(t, err)
		v, err := out.IntoValue(Span{})
		require.NoError(t, err)
		result <- v
	}()
	call := respondToEngineCall(t, m, writer, 0, func(*EngineCallMsg) EngineCallResponse[PipelineDataHeader] {
		return valueResponse(StringValue("decl output", Span{}))
	})
	require.NotNil(t, call.Call.CallDecl)
	assert.Equal(t, DeclID(88), call.Call.CallDecl.DeclID)
	assert.True(t, call.Call.CallDecl.RedirectStdout)
	assert.Equal(t, "decl output", (<-result).Str)
}

func TestSetGcDisabled(t *testing.T) {
	m, writer := newTestManager(t)
	require.NoError(t, m.GetInterface().SetGcDisabled(true))

	msgs := writer.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, OutputOption, msgs[0].Type)
	require.NotNil(t, msgs[0].Option.GcDisabled)
	assert.True(t, *msgs[0].Option.GcDisabled)
}

func TestHelloWritesProtocolInfo(t *testing.T) {
	writer := &testWriter{}
	m := NewEngineInterfaceManager(writer, nil)
	require.NoError(t, m.GetInterface().Hello())

	msgs := writer.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, OutputHello, msgs[0].Type)
	assert.Equal(t, ProtocolName, msgs[0].Hello.Protocol)
	assert.Equal(t, ProtocolVersion, msgs[0].Hello.Version)
}

func TestIsUsingStdio(t *testing.T) {
	m, _ := newTestManager(t)
	assert.False(t, m.GetInterface().IsUsingStdio())
}

func TestEnterForegroundAndLeave(t *testing.T) {
	m, writer := newTestManager(t)
	iface := m.interfaceForContext(9)

	guardCh := make(chan *ForegroundGuard, 1)
	go func() {
		guard, err := iface.EnterForeground()
		require.NoError(t, err)
		guardCh <- guard
	}()
	// An empty response means no process group change is needed.
	call := respondToEngineCall(t, m, writer, 0, func(*EngineCallMsg) EngineCallResponse[PipelineDataHeader] {
		return emptyResponse()
	})
	assert.Equal(t, EngineCallEnterForeground, call.Call.Kind)

	var guard *ForegroundGuard
	select {
	case guard = <-guardCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for foreground guard")
	}
	require.NotNil(t, guard)

	leaveDone := make(chan error, 1)
	go func() {
		leaveDone <- guard.Leave()
	}()
	call = respondToEngineCall(t, m, writer, 1, func(*EngineCallMsg) EngineCallResponse[PipelineDataHeader] {
		return emptyResponse()
	})
	assert.Equal(t, EngineCallLeaveForeground, call.Call.Kind)
	require.NoError(t, <-leaveDone)

	// Leaving again, including through Close, must be a no-op.
	require.NoError(t, guard.Leave())
	require.NoError(t, guard.Close())
	assert.Len(t, writer.engineCalls(), 2, "LeaveForeground sent exactly once")
}

func TestEngineCallAfterManagerStopped(t *testing.T) {
	writer := &testWriter{}
	m := NewEngineInterfaceManager(writer, nil)
	reader := &scriptReader{msgs: []*PluginInput{helloInput()}}
	require.NoError(t, m.ConsumeAll(reader))

	iface := m.interfaceForContext(1)
	_, err := iface.GetConfig()
	require.ErrorIs(t, err, ErrManagerGone)
}

// unserializableValue fails to marshal, for error-path tests.
type unserializableValue struct{}

func (*unserializableValue) TypeName() string { return "unserializable" }

func (*unserializableValue) MarshalCustomValue() ([]byte, error) {
	return nil, errors.New("cannot serialize this value")
}
