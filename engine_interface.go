package flowplug

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Buffer for engine call registrations handed from calling goroutines to the
// reader loop. The loop drains it before resolving every response, so it only
// fills up if this many engine calls are issued with no response in between.
const subscriptionQueueSize = 128

// engineCallSubscription registers a one-shot response channel for an engine
// call id. Handed to the reader loop over a channel so the correlation map
// has a single owner and needs no lock.
type engineCallSubscription struct {
	id EngineCallID
	ch chan EngineCallResponse[PipelineData]
}

// engineInterfaceState is the state shared between the manager, every
// EngineInterface, and every call context on one connection.
type engineInterfaceState struct {
	connID           uuid.UUID
	logger           *zap.Logger
	protocolInfo     *Waitable[ProtocolInfo]
	engineCallSeq    Sequence
	streamSeq        Sequence
	subscriptionCh   chan engineCallSubscription
	managerDone      chan struct{}
	writer           OutputWriter
	signals          Signals
	handlers         Handlers
	outstandingCalls atomic.Int64
}

// callContext ties an EngineInterface to the plugin call it was delivered
// with. It holds one unit of the manager's outstanding-work count, released
// exactly once when the call's response (including any response stream) is
// fully written.
type callContext struct {
	id      PluginCallID
	state   *engineInterfaceState
	release sync.Once
}

func (c *callContext) done() {
	c.release.Do(func() {
		c.state.outstandingCalls.Add(-1)
	})
}

// EngineInterface is the plugin's handle for talking back to the engine. An
// interface delivered with a plugin call carries that call's context and can
// respond to it and make engine calls; a context-free interface (from
// EngineInterfaceManager.GetInterface) can only do connection-level work such
// as Hello and SetGcDisabled.
//
// Interfaces are cheap to copy and safe for concurrent use.
type EngineInterface struct {
	state   *engineInterfaceState
	streams *StreamManagerHandle
	context *callContext
}

func (e *EngineInterface) write(msg *PluginOutput) error {
	e.state.logger.Debug("sending message", zap.String("type", string(msg.Type)))
	return e.state.writer.WriteOutput(msg)
}

// Flush flushes the underlying output writer.
func (e *EngineInterface) Flush() error {
	return e.state.writer.Flush()
}

// WriteStreamMessage implements StreamMessageWriter over the shared output.
func (e *EngineInterface) WriteStreamMessage(msg StreamMessage) error {
	return e.write(&PluginOutput{Type: OutputStream, Stream: &msg})
}

// IsUsingStdio reports whether the connection runs over the process's stdio.
func (e *EngineInterface) IsUsingStdio() bool {
	return e.state.writer.IsStdout()
}

// Hello sends the plugin's own Hello. Must be the first message on the
// connection.
func (e *EngineInterface) Hello() error {
	info := LocalProtocolInfo()
	if err := e.write(&PluginOutput{Type: OutputHello, Hello: &info}); err != nil {
		return err
	}
	return e.Flush()
}

// Context returns the id of the plugin call this interface belongs to.
func (e *EngineInterface) Context() (PluginCallID, error) {
	if e.context == nil {
		return 0, ErrNoCallContext
	}
	return e.context.id, nil
}

// Signals returns the connection's interrupt state.
func (e *EngineInterface) Signals() *Signals {
	return &e.state.signals
}

// RegisterSignalHandler registers a handler for engine signal messages. The
// returned guard unregisters it.
func (e *EngineInterface) RegisterSignalHandler(fn SignalHandler) *HandlerGuard {
	return e.state.handlers.Register(fn)
}

// SetGcDisabled tells the engine whether it may garbage collect this plugin
// process while it is idle.
func (e *EngineInterface) SetGcDisabled(disabled bool) error {
	d := disabled
	if err := e.write(&PluginOutput{Type: OutputOption, Option: &PluginOption{GcDisabled: &d}}); err != nil {
		return err
	}
	return e.Flush()
}

// initWritePipelineData turns materialized pipeline data into the header to
// announce and, for streams, the writer that will carry the items.
func (e *EngineInterface) initWritePipelineData(data PipelineData) (PipelineDataHeader, *PipelineDataWriter, error) {
	switch {
	case data.Value != nil:
		v := *data.Value
		if err := SerializeCustomValuesIn(&v); err != nil {
			return PipelineDataHeader{}, nil, err
		}
		return valuePipelineHeader(v), nil, nil
	case data.ListStream != nil:
		id := StreamID(e.state.streamSeq.Next())
		sw, err := e.streams.WriteStream(id, e, listStreamHighPressure)
		if err != nil {
			return PipelineDataHeader{}, nil, err
		}
		header := PipelineDataHeader{
			Type:       ListStreamHeader,
			ListStream: &ListStreamInfo{ID: id, Span: data.ListStream.span},
		}
		return header, &PipelineDataWriter{stream: sw, list: data.ListStream, logger: e.state.logger}, nil
	case data.ByteStream != nil:
		id := StreamID(e.state.streamSeq.Next())
		sw, err := e.streams.WriteStream(id, e, rawStreamHighPressure)
		if err != nil {
			return PipelineDataHeader{}, nil, err
		}
		header := PipelineDataHeader{
			Type: ByteStreamHeader,
			ByteStream: &ByteStreamInfo{
				ID:       id,
				Span:     data.ByteStream.span,
				DataType: data.ByteStream.dataType,
			},
		}
		return header, &PipelineDataWriter{stream: sw, bytes: data.ByteStream, logger: e.state.logger}, nil
	default:
		return emptyPipelineHeader(), nil, nil
	}
}

func (e *EngineInterface) writeCallResponse(resp PluginCallResponse[PipelineDataHeader], release bool) error {
	if e.context == nil {
		return ErrNoCallContext
	}
	msg := &PluginOutput{Type: OutputCallResponse, CallID: e.context.id, CallResponse: &resp}
	if err := e.write(msg); err != nil {
		return err
	}
	if err := e.Flush(); err != nil {
		return err
	}
	if release {
		e.context.done()
	}
	return nil
}

// WriteOK responds to the current call with a bare success. Used for custom
// value ops with no result data.
func (e *EngineInterface) WriteOK() error {
	return e.writeCallResponse(PluginCallResponse[PipelineDataHeader]{Kind: PluginCallResponseOk}, true)
}

// WriteError responds to the current call with an error.
func (e *EngineInterface) WriteError(err error) error {
	resp := PluginCallResponse[PipelineDataHeader]{
		Kind: PluginCallResponseError,
		Err:  AsLabeledError(err),
	}
	return e.writeCallResponse(resp, true)
}

// WriteMetadata responds to a metadata call.
func (e *EngineInterface) WriteMetadata(meta PluginMetadata) error {
	resp := PluginCallResponse[PipelineDataHeader]{
		Kind:     PluginCallResponseMetadata,
		Metadata: &meta,
	}
	return e.writeCallResponse(resp, true)
}

// WriteSignature responds to a signature call.
func (e *EngineInterface) WriteSignature(sigs []PluginSignature) error {
	resp := PluginCallResponse[PipelineDataHeader]{
		Kind:      PluginCallResponseSignature,
		Signature: sigs,
	}
	return e.writeCallResponse(resp, true)
}

// WriteOrdering responds to a PartialCmp custom value op. A nil ordering
// means the values are incomparable.
func (e *EngineInterface) WriteOrdering(ord *Ordering) error {
	resp := PluginCallResponse[PipelineDataHeader]{
		Kind:     PluginCallResponseOrdering,
		Ordering: ord,
	}
	return e.writeCallResponse(resp, true)
}

// WriteResponse responds to the current call with pipeline data. If the data
// is a stream, the returned writer must be driven (Write or WriteBackground)
// to deliver the items; for plain values and empty data the writer is nil.
// If the response could not even be constructed, the error is sent to the
// engine instead so the peer is never left waiting.
func (e *EngineInterface) WriteResponse(data PipelineData) (*PipelineDataWriter, error) {
	header, writer, err := e.initWritePipelineData(data)
	if err != nil {
		if werr := e.WriteError(err); werr != nil {
			return nil, werr
		}
		return nil, nil
	}
	resp := PluginCallResponse[PipelineDataHeader]{Kind: PluginCallResponsePipelineData, Data: &header}
	if writer != nil {
		// The call stays outstanding until its response stream is done.
		if err := e.writeCallResponse(resp, false); err != nil {
			return nil, err
		}
		if e.context != nil {
			writer.onDone = e.context.done
		}
		return writer, nil
	}
	if err := e.writeCallResponse(resp, true); err != nil {
		return nil, err
	}
	return nil, nil
}

// writeEngineCall registers the response channel, announces any input stream,
// and writes the call. The returned writer (possibly nil) carries the input
// stream; the channel yields the single response.
func (e *EngineInterface) writeEngineCall(call EngineCall[PipelineData]) (*PipelineDataWriter, <-chan EngineCallResponse[PipelineData], error) {
	if e.context == nil {
		return nil, nil, ErrNoCallContext
	}
	var writer *PipelineDataWriter
	wireCall, err := mapEngineCallData(call, func(input PipelineData) (PipelineDataHeader, error) {
		header, w, err := e.initWritePipelineData(input)
		writer = w
		return header, err
	})
	if err != nil {
		return nil, nil, err
	}
	id := EngineCallID(e.state.engineCallSeq.Next())
	ch := make(chan EngineCallResponse[PipelineData], 1)
	select {
	case e.state.subscriptionCh <- engineCallSubscription{id: id, ch: ch}:
	case <-e.state.managerDone:
		return nil, nil, ErrManagerGone
	}
	msg := &PluginOutput{
		Type:       OutputEngineCall,
		EngineCall: &EngineCallMsg{Context: e.context.id, ID: id, Call: wireCall},
	}
	if err := e.write(msg); err != nil {
		return nil, nil, err
	}
	if err := e.Flush(); err != nil {
		return nil, nil, err
	}
	return writer, ch, nil
}

// engineCall performs a blocking engine call: input streams are written in
// the background while the caller waits for the correlated response.
func (e *EngineInterface) engineCall(call EngineCall[PipelineData]) (EngineCallResponse[PipelineData], error) {
	writer, ch, err := e.writeEngineCall(call)
	if err != nil {
		return EngineCallResponse[PipelineData]{}, err
	}
	writer.WriteBackground()
	select {
	case resp := <-ch:
		return resp, nil
	case <-e.state.managerDone:
		// The manager may have delivered the response just before stopping.
		select {
		case resp := <-ch:
			return resp, nil
		default:
			return EngineCallResponse[PipelineData]{}, ErrManagerGone
		}
	}
}

func unexpectedResponse(name string, kind EngineCallResponseKind) error {
	return fmt.Errorf("unexpected response to %s engine call: %s", name, kind)
}

// responsePipelineData unwraps a PipelineData response, passing engine errors
// through.
func (e *EngineInterface) responsePipelineData(name string, resp EngineCallResponse[PipelineData]) (PipelineData, error) {
	switch resp.Kind {
	case EngineCallResponseError:
		return PipelineData{}, resp.Err
	case EngineCallResponsePipelineData:
		if resp.Data == nil {
			return EmptyPipelineData(), nil
		}
		return *resp.Data, nil
	default:
		return PipelineData{}, unexpectedResponse(name, resp.Kind)
	}
}

// responseValue collects a PipelineData response into a single value.
func (e *EngineInterface) responseValue(name string, resp EngineCallResponse[PipelineData]) (*Value, error) {
	data, err := e.responsePipelineData(name, resp)
	if err != nil {
		return nil, err
	}
	if data.IsEmpty() {
		return nil, nil
	}
	v, err := data.IntoValue(UnknownSpan())
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetConfig fetches the engine's configuration snapshot.
func (e *EngineInterface) GetConfig() (Config, error) {
	resp, err := e.engineCall(EngineCall[PipelineData]{Kind: EngineCallGetConfig})
	if err != nil {
		return nil, err
	}
	switch resp.Kind {
	case EngineCallResponseError:
		return nil, resp.Err
	case EngineCallResponseConfig:
		return resp.Config, nil
	default:
		return nil, unexpectedResponse("GetConfig", resp.Kind)
	}
}

// GetPluginConfig fetches this plugin's own section of the engine config, or
// nil if none is set.
func (e *EngineInterface) GetPluginConfig() (*Value, error) {
	resp, err := e.engineCall(EngineCall[PipelineData]{Kind: EngineCallGetPluginConfig})
	if err != nil {
		return nil, err
	}
	return e.responseValue("GetPluginConfig", resp)
}

// GetEnvVar fetches one environment variable from the caller's scope, or nil
// if unset.
func (e *EngineInterface) GetEnvVar(name string) (*Value, error) {
	resp, err := e.engineCall(EngineCall[PipelineData]{Kind: EngineCallGetEnvVar, EnvName: name})
	if err != nil {
		return nil, err
	}
	return e.responseValue("GetEnvVar", resp)
}

// GetEnvVars fetches all environment variables in the caller's scope.
func (e *EngineInterface) GetEnvVars() (map[string]Value, error) {
	resp, err := e.engineCall(EngineCall[PipelineData]{Kind: EngineCallGetEnvVars})
	if err != nil {
		return nil, err
	}
	switch resp.Kind {
	case EngineCallResponseError:
		return nil, resp.Err
	case EngineCallResponseValueMap:
		return resp.ValueMap, nil
	default:
		return nil, unexpectedResponse("GetEnvVars", resp.Kind)
	}
}

// AddEnvVar sets an environment variable in the caller's scope.
func (e *EngineInterface) AddEnvVar(name string, value Value) error {
	resp, err := e.engineCall(EngineCall[PipelineData]{
		Kind:     EngineCallAddEnvVar,
		EnvName:  name,
		EnvValue: &value,
	})
	if err != nil {
		return err
	}
	_, err = e.responsePipelineData("AddEnvVar", resp)
	return err
}

// GetCurrentDir fetches the caller's current working directory.
func (e *EngineInterface) GetCurrentDir() (string, error) {
	resp, err := e.engineCall(EngineCall[PipelineData]{Kind: EngineCallGetCurrentDir})
	if err != nil {
		return "", err
	}
	v, err := e.responseValue("GetCurrentDir", resp)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", unexpectedResponse("GetCurrentDir", resp.Kind)
	}
	return v.AsString()
}

// GetHelp fetches the rendered help text for the current command.
func (e *EngineInterface) GetHelp() (string, error) {
	resp, err := e.engineCall(EngineCall[PipelineData]{Kind: EngineCallGetHelp})
	if err != nil {
		return "", err
	}
	v, err := e.responseValue("GetHelp", resp)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", unexpectedResponse("GetHelp", resp.Kind)
	}
	return v.AsString()
}

// GetSpanContents fetches the source text behind a span.
func (e *EngineInterface) GetSpanContents(span Span) ([]byte, error) {
	resp, err := e.engineCall(EngineCall[PipelineData]{Kind: EngineCallGetSpanContents, Span: &span})
	if err != nil {
		return nil, err
	}
	v, err := e.responseValue("GetSpanContents", resp)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, unexpectedResponse("GetSpanContents", resp.Kind)
	}
	return v.AsBinary()
}

// EnterForeground asks the engine to move the plugin into the terminal
// foreground. If the engine provides a process group id, the process joins it
// before the guard is returned. The guard must be left (or closed) when
// foreground access is no longer needed.
func (e *EngineInterface) EnterForeground() (*ForegroundGuard, error) {
	resp, err := e.engineCall(EngineCall[PipelineData]{Kind: EngineCallEnterForeground})
	if err != nil {
		return nil, err
	}
	data, err := e.responsePipelineData("EnterForeground", resp)
	if err != nil {
		return nil, err
	}
	if data.Value != nil {
		pgid, err := data.Value.AsInt()
		if err != nil {
			return nil, fmt.Errorf("unexpected EnterForeground response value: %w", err)
		}
		if err := enterForegroundProcessGroup(pgid); err != nil {
			return nil, err
		}
	}
	return &ForegroundGuard{iface: e}, nil
}

// leaveForeground is the protocol half of leaving the foreground; the
// ForegroundGuard restores the local process group before calling it.
func (e *EngineInterface) leaveForeground() error {
	resp, err := e.engineCall(EngineCall[PipelineData]{Kind: EngineCallLeaveForeground})
	if err != nil {
		return err
	}
	_, err = e.responsePipelineData("LeaveForeground", resp)
	return err
}

// EvalClosureWithStream evaluates an engine closure with full control over
// input and output streaming.
func (e *EngineInterface) EvalClosureWithStream(
	closure Spanned[Closure],
	positional []Value,
	input PipelineData,
	redirectStdout, redirectStderr bool,
) (PipelineData, error) {
	for i := range positional {
		if err := SerializeCustomValuesIn(&positional[i]); err != nil {
			return PipelineData{}, err
		}
	}
	call := EngineCall[PipelineData]{
		Kind: EngineCallEvalClosure,
		EvalClosure: &EvalClosureCall[PipelineData]{
			Closure:        closure,
			Positional:     positional,
			Input:          input,
			RedirectStdout: redirectStdout,
			RedirectStderr: redirectStderr,
		},
	}
	resp, err := e.engineCall(call)
	if err != nil {
		return PipelineData{}, err
	}
	return e.responsePipelineData("EvalClosure", resp)
}

// EvalClosure evaluates an engine closure with an optional single input value
// and collects the result into a single value.
func (e *EngineInterface) EvalClosure(closure Spanned[Closure], positional []Value, input *Value) (Value, error) {
	data := EmptyPipelineData()
	if input != nil {
		data = ValuePipelineData(*input)
	}
	out, err := e.EvalClosureWithStream(closure, positional, data, true, false)
	if err != nil {
		return Value{}, err
	}
	v, err := out.IntoValue(closure.Span)
	if err != nil {
		return Value{}, err
	}
	if lerr, ok := v.IsError(); ok {
		return Value{}, lerr
	}
	return v, nil
}

// FindDecl looks up an engine command by name.
func (e *EngineInterface) FindDecl(name string) (DeclID, bool, error) {
	resp, err := e.engineCall(EngineCall[PipelineData]{Kind: EngineCallFindDecl, DeclName: name})
	if err != nil {
		return 0, false, err
	}
	switch resp.Kind {
	case EngineCallResponseError:
		return 0, false, resp.Err
	case EngineCallResponseIdentifier:
		if resp.Identifier == nil {
			return 0, false, unexpectedResponse("FindDecl", resp.Kind)
		}
		return *resp.Identifier, true, nil
	case EngineCallResponsePipelineData:
		// Empty data means the decl was not found.
		if resp.Data == nil || resp.Data.IsEmpty() {
			return 0, false, nil
		}
		return 0, false, unexpectedResponse("FindDecl", resp.Kind)
	default:
		return 0, false, unexpectedResponse("FindDecl", resp.Kind)
	}
}

// CallDecl invokes an engine command found with FindDecl.
func (e *EngineInterface) CallDecl(
	decl DeclID,
	call EvaluatedCall,
	input PipelineData,
	redirectStdout, redirectStderr bool,
) (PipelineData, error) {
	for i := range call.Positional {
		if err := SerializeCustomValuesIn(&call.Positional[i]); err != nil {
			return PipelineData{}, err
		}
	}
	for i := range call.Named {
		if call.Named[i].Value != nil {
			if err := SerializeCustomValuesIn(call.Named[i].Value); err != nil {
				return PipelineData{}, err
			}
		}
	}
	resp, err := e.engineCall(EngineCall[PipelineData]{
		Kind: EngineCallCallDecl,
		CallDecl: &CallDeclCall[PipelineData]{
			DeclID:         decl,
			Call:           call,
			Input:          input,
			RedirectStdout: redirectStdout,
			RedirectStderr: redirectStderr,
		},
	})
	if err != nil {
		return PipelineData{}, err
	}
	return e.responsePipelineData("CallDecl", resp)
}
