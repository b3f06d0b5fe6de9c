package flowplug

// Wire message model. Every message is a discriminator struct: a kind (or
// type) field selects which of the optional fields is meaningful. Generic type
// parameter D abstracts over the pipeline data representation: messages on the
// wire carry PipelineDataHeader, materialized messages in memory carry
// PipelineData.

// PluginCallID correlates a plugin call with its single response and with the
// engine calls made in its context. Assigned by the engine.
type PluginCallID uint64

// EngineCallID correlates an engine call with its single response. Assigned by
// the plugin.
type EngineCallID uint64

// StreamID identifies one multiplexed stream. Each side assigns ids for the
// streams it initiates from its own sequence.
type StreamID uint64

// DeclID identifies an engine command declaration, as returned by FindDecl.
type DeclID uint64

// Config is the engine configuration snapshot returned by GetConfig, and the
// plugin's own configuration record for GetPluginConfig.
type Config map[string]Value

// Ordering is the result of a PartialCmp custom value op.
type Ordering int8

const (
	OrderingLess    Ordering = -1
	OrderingEqual   Ordering = 0
	OrderingGreater Ordering = 1
)

func (o Ordering) String() string {
	switch o {
	case OrderingLess:
		return "less"
	case OrderingGreater:
		return "greater"
	default:
		return "equal"
	}
}

// SignalAction is an out-of-band signal relayed from the engine.
type SignalAction string

const (
	// SignalInterrupt requests cooperative cancellation of in-progress work.
	SignalInterrupt SignalAction = "interrupt"
	// SignalReset clears a previous interrupt.
	SignalReset SignalAction = "reset"
)

// CallInfo describes a run invocation: the command name, the evaluated
// arguments, and the pipeline input.
type CallInfo[D any] struct {
	Name  string        `cbor:"name" json:"name"`
	Call  EvaluatedCall `cbor:"call" json:"call"`
	Input D             `cbor:"input" json:"input"`
}

func mapCallInfoData[D, T any](info CallInfo[D], f func(D) (T, error)) (CallInfo[T], error) {
	input, err := f(info.Input)
	if err != nil {
		return CallInfo[T]{}, err
	}
	return CallInfo[T]{Name: info.Name, Call: info.Call, Input: input}, nil
}

// CustomValueOpKind discriminates the operations the engine can request on a
// custom value.
type CustomValueOpKind string

const (
	// CustomValueToBaseValue asks for a plain Value rendering.
	CustomValueToBaseValue CustomValueOpKind = "to_base_value"
	// CustomValueFollowPathInt indexes the custom value with an integer.
	CustomValueFollowPathInt CustomValueOpKind = "follow_path_int"
	// CustomValueFollowPathString indexes the custom value with a string.
	CustomValueFollowPathString CustomValueOpKind = "follow_path_string"
	// CustomValuePartialCmp compares the custom value against another value.
	CustomValuePartialCmp CustomValueOpKind = "partial_cmp"
	// CustomValueOperation applies an operator with another value as operand.
	CustomValueOperation CustomValueOpKind = "operation"
	// CustomValueDropped notifies that the engine released the last copy of a
	// value that asked for drop notification. No response data is expected
	// beyond Ok/error.
	CustomValueDropped CustomValueOpKind = "dropped"
)

// CustomValueOp is the operation part of a custom value op call.
type CustomValueOp struct {
	Kind       CustomValueOpKind `cbor:"kind" json:"kind"`
	PathInt    *Spanned[int64]   `cbor:"path_int,omitempty" json:"path_int,omitempty"`
	PathString *Spanned[string]  `cbor:"path_string,omitempty" json:"path_string,omitempty"`
	CmpOther   *Value            `cbor:"cmp_other,omitempty" json:"cmp_other,omitempty"`
	Operator   *Spanned[string]  `cbor:"operator,omitempty" json:"operator,omitempty"`
	Operand    *Value            `cbor:"operand,omitempty" json:"operand,omitempty"`
}

// CustomValueOpCall pairs the wire-form custom value with the operation to
// perform on it.
type CustomValueOpCall struct {
	Value Spanned[PluginCustomValue] `cbor:"value" json:"value"`
	Op    CustomValueOp              `cbor:"op" json:"op"`
}

// PluginCallKind discriminates PluginCall.
type PluginCallKind string

const (
	PluginCallMetadata      PluginCallKind = "metadata"
	PluginCallSignature     PluginCallKind = "signature"
	PluginCallRun           PluginCallKind = "run"
	PluginCallCustomValueOp PluginCallKind = "custom_value_op"
)

// PluginCall is a request from the engine to the plugin. Exactly one response
// must be produced per call.
type PluginCall[D any] struct {
	Kind   PluginCallKind     `cbor:"kind" json:"kind"`
	Run    *CallInfo[D]       `cbor:"run,omitempty" json:"run,omitempty"`
	Custom *CustomValueOpCall `cbor:"custom,omitempty" json:"custom,omitempty"`
}

// PluginCallResponseKind discriminates PluginCallResponse.
type PluginCallResponseKind string

const (
	PluginCallResponseOk           PluginCallResponseKind = "ok"
	PluginCallResponseError        PluginCallResponseKind = "error"
	PluginCallResponseMetadata     PluginCallResponseKind = "metadata"
	PluginCallResponseSignature    PluginCallResponseKind = "signature"
	PluginCallResponseOrdering     PluginCallResponseKind = "ordering"
	PluginCallResponsePipelineData PluginCallResponseKind = "pipeline_data"
)

// PluginCallResponse is the single response to a PluginCall.
type PluginCallResponse[D any] struct {
	Kind      PluginCallResponseKind `cbor:"kind" json:"kind"`
	Err       *LabeledError          `cbor:"error,omitempty" json:"error,omitempty"`
	Metadata  *PluginMetadata        `cbor:"metadata,omitempty" json:"metadata,omitempty"`
	Signature []PluginSignature      `cbor:"signature,omitempty" json:"signature,omitempty"`
	Ordering  *Ordering              `cbor:"ordering,omitempty" json:"ordering,omitempty"`
	Data      *D                     `cbor:"data,omitempty" json:"data,omitempty"`
}

// EngineCallKind discriminates EngineCall.
type EngineCallKind string

const (
	EngineCallGetConfig       EngineCallKind = "get_config"
	EngineCallGetPluginConfig EngineCallKind = "get_plugin_config"
	EngineCallGetEnvVar       EngineCallKind = "get_env_var"
	EngineCallGetEnvVars      EngineCallKind = "get_env_vars"
	EngineCallGetCurrentDir   EngineCallKind = "get_current_dir"
	EngineCallAddEnvVar       EngineCallKind = "add_env_var"
	EngineCallGetHelp         EngineCallKind = "get_help"
	EngineCallEnterForeground EngineCallKind = "enter_foreground"
	EngineCallLeaveForeground EngineCallKind = "leave_foreground"
	EngineCallGetSpanContents EngineCallKind = "get_span_contents"
	EngineCallEvalClosure     EngineCallKind = "eval_closure"
	EngineCallFindDecl        EngineCallKind = "find_decl"
	EngineCallCallDecl        EngineCallKind = "call_decl"
)

// EvalClosureCall is the payload of an EvalClosure engine call.
type EvalClosureCall[D any] struct {
	Closure        Spanned[Closure] `cbor:"closure" json:"closure"`
	Positional     []Value          `cbor:"positional,omitempty" json:"positional,omitempty"`
	Input          D                `cbor:"input" json:"input"`
	RedirectStdout bool             `cbor:"redirect_stdout" json:"redirect_stdout"`
	RedirectStderr bool             `cbor:"redirect_stderr" json:"redirect_stderr"`
}

// CallDeclCall is the payload of a CallDecl engine call.
type CallDeclCall[D any] struct {
	DeclID         DeclID        `cbor:"decl_id" json:"decl_id"`
	Call           EvaluatedCall `cbor:"call" json:"call"`
	Input          D             `cbor:"input" json:"input"`
	RedirectStdout bool          `cbor:"redirect_stdout" json:"redirect_stdout"`
	RedirectStderr bool          `cbor:"redirect_stderr" json:"redirect_stderr"`
}

// EngineCall is a request from the plugin back to the engine, made in the
// context of a plugin call.
type EngineCall[D any] struct {
	Kind        EngineCallKind      `cbor:"kind" json:"kind"`
	EnvName     string              `cbor:"env_name,omitempty" json:"env_name,omitempty"`
	EnvValue    *Value              `cbor:"env_value,omitempty" json:"env_value,omitempty"`
	Span        *Span               `cbor:"span,omitempty" json:"span,omitempty"`
	DeclName    string              `cbor:"decl_name,omitempty" json:"decl_name,omitempty"`
	EvalClosure *EvalClosureCall[D] `cbor:"eval_closure,omitempty" json:"eval_closure,omitempty"`
	CallDecl    *CallDeclCall[D]    `cbor:"call_decl,omitempty" json:"call_decl,omitempty"`
}

// Name returns the human-readable name of the call for error messages.
func (c EngineCall[D]) Name() string {
	switch c.Kind {
	case EngineCallGetConfig:
		return "GetConfig"
	case EngineCallGetPluginConfig:
		return "GetPluginConfig"
	case EngineCallGetEnvVar:
		return "GetEnvVar"
	case EngineCallGetEnvVars:
		return "GetEnvVars"
	case EngineCallGetCurrentDir:
		return "GetCurrentDir"
	case EngineCallAddEnvVar:
		return "AddEnvVar"
	case EngineCallGetHelp:
		return "GetHelp"
	case EngineCallEnterForeground:
		return "EnterForeground"
	case EngineCallLeaveForeground:
		return "LeaveForeground"
	case EngineCallGetSpanContents:
		return "GetSpanContents"
	case EngineCallEvalClosure:
		return "EvalClosure"
	case EngineCallFindDecl:
		return "FindDecl"
	case EngineCallCallDecl:
		return "CallDecl"
	default:
		return string(c.Kind)
	}
}

func mapEngineCallData[D, T any](call EngineCall[D], f func(D) (T, error)) (EngineCall[T], error) {
	out := EngineCall[T]{
		Kind:     call.Kind,
		EnvName:  call.EnvName,
		EnvValue: call.EnvValue,
		Span:     call.Span,
		DeclName: call.DeclName,
	}
	if call.EvalClosure != nil {
		input, err := f(call.EvalClosure.Input)
		if err != nil {
			return EngineCall[T]{}, err
		}
		out.EvalClosure = &EvalClosureCall[T]{
			Closure:        call.EvalClosure.Closure,
			Positional:     call.EvalClosure.Positional,
			Input:          input,
			RedirectStdout: call.EvalClosure.RedirectStdout,
			RedirectStderr: call.EvalClosure.RedirectStderr,
		}
	}
	if call.CallDecl != nil {
		input, err := f(call.CallDecl.Input)
		if err != nil {
			return EngineCall[T]{}, err
		}
		out.CallDecl = &CallDeclCall[T]{
			DeclID:         call.CallDecl.DeclID,
			Call:           call.CallDecl.Call,
			Input:          input,
			RedirectStdout: call.CallDecl.RedirectStdout,
			RedirectStderr: call.CallDecl.RedirectStderr,
		}
	}
	return out, nil
}

// EngineCallResponseKind discriminates EngineCallResponse.
type EngineCallResponseKind string

const (
	EngineCallResponseError        EngineCallResponseKind = "error"
	EngineCallResponsePipelineData EngineCallResponseKind = "pipeline_data"
	EngineCallResponseConfig       EngineCallResponseKind = "config"
	EngineCallResponseValueMap     EngineCallResponseKind = "value_map"
	EngineCallResponseIdentifier   EngineCallResponseKind = "identifier"
)

// EngineCallResponse is the engine's single response to an EngineCall.
type EngineCallResponse[D any] struct {
	Kind       EngineCallResponseKind `cbor:"kind" json:"kind"`
	Err        *LabeledError          `cbor:"error,omitempty" json:"error,omitempty"`
	Data       *D                     `cbor:"data,omitempty" json:"data,omitempty"`
	Config     Config                 `cbor:"config,omitempty" json:"config,omitempty"`
	ValueMap   map[string]Value       `cbor:"value_map,omitempty" json:"value_map,omitempty"`
	Identifier *DeclID                `cbor:"identifier,omitempty" json:"identifier,omitempty"`
}

func mapEngineCallResponseData[D, T any](resp EngineCallResponse[D], f func(D) (T, error)) (EngineCallResponse[T], error) {
	out := EngineCallResponse[T]{
		Kind:       resp.Kind,
		Err:        resp.Err,
		Config:     resp.Config,
		ValueMap:   resp.ValueMap,
		Identifier: resp.Identifier,
	}
	if resp.Data != nil {
		data, err := f(*resp.Data)
		if err != nil {
			return EngineCallResponse[T]{}, err
		}
		out.Data = &data
	}
	return out, nil
}

func engineCallResponseError(err error) EngineCallResponse[PipelineData] {
	return EngineCallResponse[PipelineData]{Kind: EngineCallResponseError, Err: AsLabeledError(err)}
}

// PluginOption is a runtime setting pushed from the plugin to the engine.
type PluginOption struct {
	GcDisabled *bool `cbor:"gc_disabled,omitempty" json:"gc_disabled,omitempty"`
}

// EngineCallMsg is the envelope payload carrying an engine call: the id of
// the plugin call whose context it was made in, the engine call's own id, and
// the call itself.
type EngineCallMsg struct {
	Context PluginCallID                   `cbor:"context" json:"context"`
	ID      EngineCallID                   `cbor:"id" json:"id"`
	Call    EngineCall[PipelineDataHeader] `cbor:"call" json:"call"`
}

// StreamMessageType discriminates StreamMessage.
type StreamMessageType string

const (
	// StreamDataMsg carries one item of a stream.
	StreamDataMsg StreamMessageType = "data"
	// StreamEndMsg signals normal end of a stream.
	StreamEndMsg StreamMessageType = "end"
	// StreamDropMsg tells the producer the consumer is no longer interested.
	StreamDropMsg StreamMessageType = "drop"
	// StreamAckMsg acknowledges consumption of one item, for flow control.
	StreamAckMsg StreamMessageType = "ack"
)

// StreamData is one item of a stream: a list stream value, or a raw byte
// chunk which may itself be an error.
type StreamData struct {
	List   *Value        `cbor:"list,omitempty" json:"list,omitempty"`
	Raw    []byte        `cbor:"raw,omitempty" json:"raw,omitempty"`
	RawErr *LabeledError `cbor:"raw_error,omitempty" json:"raw_error,omitempty"`
}

// StreamMessage is a stream-framing message, tagged with the id of the stream
// it belongs to.
type StreamMessage struct {
	Type StreamMessageType `cbor:"type" json:"type"`
	ID   StreamID          `cbor:"id" json:"id"`
	Data *StreamData       `cbor:"data,omitempty" json:"data,omitempty"`
}

// InputMessageType discriminates PluginInput.
type InputMessageType string

const (
	InputHello              InputMessageType = "hello"
	InputCall               InputMessageType = "call"
	InputGoodbye            InputMessageType = "goodbye"
	InputEngineCallResponse InputMessageType = "engine_call_response"
	InputStream             InputMessageType = "stream"
	InputSignal             InputMessageType = "signal"
)

// PluginInput is the envelope for all messages received from the engine.
type PluginInput struct {
	Type               InputMessageType                       `cbor:"type" json:"type"`
	Hello              *ProtocolInfo                          `cbor:"hello,omitempty" json:"hello,omitempty"`
	CallID             PluginCallID                           `cbor:"call_id" json:"call_id"`
	Call               *PluginCall[PipelineDataHeader]        `cbor:"call,omitempty" json:"call,omitempty"`
	EngineCallID       EngineCallID                           `cbor:"engine_call_id" json:"engine_call_id"`
	EngineCallResponse *EngineCallResponse[PipelineDataHeader] `cbor:"engine_call_response,omitempty" json:"engine_call_response,omitempty"`
	Stream             *StreamMessage                         `cbor:"stream,omitempty" json:"stream,omitempty"`
	Signal             SignalAction                           `cbor:"signal,omitempty" json:"signal,omitempty"`
}

// OutputMessageType discriminates PluginOutput.
type OutputMessageType string

const (
	OutputHello        OutputMessageType = "hello"
	OutputOption       OutputMessageType = "option"
	OutputCallResponse OutputMessageType = "call_response"
	OutputEngineCall   OutputMessageType = "engine_call"
	OutputStream       OutputMessageType = "stream"
)

// PluginOutput is the envelope for all messages sent to the engine.
type PluginOutput struct {
	Type         OutputMessageType                         `cbor:"type" json:"type"`
	Hello        *ProtocolInfo                             `cbor:"hello,omitempty" json:"hello,omitempty"`
	Option       *PluginOption                             `cbor:"option,omitempty" json:"option,omitempty"`
	CallID       PluginCallID                              `cbor:"call_id" json:"call_id"`
	CallResponse *PluginCallResponse[PipelineDataHeader]   `cbor:"call_response,omitempty" json:"call_response,omitempty"`
	EngineCall   *EngineCallMsg                            `cbor:"engine_call,omitempty" json:"engine_call,omitempty"`
	Stream       *StreamMessage                            `cbor:"stream,omitempty" json:"stream,omitempty"`
}
