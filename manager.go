package flowplug

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Buffer for plugin calls waiting to be picked up by the handler. If the
// handler falls this far behind, the reader loop blocks, which backpressures
// the whole connection.
const pluginCallQueueSize = 128

// ReceivedPluginCall is a plugin call delivered to handler code, paired with
// the EngineInterface to respond on. Consume it with a type switch; exactly
// one response must be written per call.
type ReceivedPluginCall interface {
	receivedPluginCall()
}

// ReceivedMetadataCall asks for the plugin's metadata. Respond with
// Engine.WriteMetadata.
type ReceivedMetadataCall struct {
	Engine *EngineInterface
}

// ReceivedSignatureCall asks for the plugin's command signatures. Respond
// with Engine.WriteSignature.
type ReceivedSignatureCall struct {
	Engine *EngineInterface
}

// ReceivedRunCall invokes a command with materialized input. Respond with
// Engine.WriteResponse or Engine.WriteError.
type ReceivedRunCall struct {
	Engine *EngineInterface
	Call   CallInfo[PipelineData]
}

// ReceivedCustomValueOpCall asks for an operation on a previously produced
// custom value. Respond according to the op: WriteResponse for values,
// WriteOrdering for PartialCmp, WriteOK for Dropped.
type ReceivedCustomValueOpCall struct {
	Engine *EngineInterface
	Value  Spanned[PluginCustomValue]
	Op     CustomValueOp
}

func (*ReceivedMetadataCall) receivedPluginCall()      {}
func (*ReceivedSignatureCall) receivedPluginCall()     {}
func (*ReceivedRunCall) receivedPluginCall()           {}
func (*ReceivedCustomValueOpCall) receivedPluginCall() {}

// EngineInterfaceManager owns the plugin side of one connection: it runs the
// reader loop, enforces the handshake, routes stream messages, delivers
// plugin calls to the handler, and resolves engine call responses.
//
// All manager state is mutated only from the goroutine running ConsumeAll;
// other goroutines communicate with it through channels.
type EngineInterfaceManager struct {
	state         *engineInterfaceState
	streams       *StreamManager
	pluginCalls   chan ReceivedPluginCall
	receiverTaken bool
	goodbye       bool
	subscriptions map[EngineCallID]chan EngineCallResponse[PipelineData]
}

// NewEngineInterfaceManager creates a manager writing to writer. A nil logger
// disables logging.
func NewEngineInterfaceManager(writer OutputWriter, logger *zap.Logger) *EngineInterfaceManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	connID := uuid.New()
	logger = logger.With(zap.String("conn_id", connID.String()))
	state := &engineInterfaceState{
		connID:         connID,
		logger:         logger,
		protocolInfo:   NewWaitable[ProtocolInfo](),
		subscriptionCh: make(chan engineCallSubscription, subscriptionQueueSize),
		managerDone:    make(chan struct{}),
		writer:         writer,
	}
	return &EngineInterfaceManager{
		state:         state,
		streams:       NewStreamManager(logger),
		pluginCalls:   make(chan ReceivedPluginCall, pluginCallQueueSize),
		subscriptions: make(map[EngineCallID]chan EngineCallResponse[PipelineData]),
	}
}

// GetInterface returns a context-free interface for connection-level
// operations (Hello, SetGcDisabled, signal registration).
func (m *EngineInterfaceManager) GetInterface() *EngineInterface {
	return &EngineInterface{state: m.state, streams: m.streams.Handle()}
}

// interfaceForContext returns an interface bound to a plugin call, counting
// it as outstanding work until its response is fully written.
func (m *EngineInterfaceManager) interfaceForContext(id PluginCallID) *EngineInterface {
	m.state.outstandingCalls.Add(1)
	return &EngineInterface{
		state:   m.state,
		streams: m.streams.Handle(),
		context: &callContext{id: id, state: m.state},
	}
}

// TakePluginCallReceiver hands out the plugin call channel. It can only be
// taken once; later calls return nil. The channel is closed when the engine
// says Goodbye.
func (m *EngineInterfaceManager) TakePluginCallReceiver() <-chan ReceivedPluginCall {
	if m.receiverTaken {
		return nil
	}
	m.receiverTaken = true
	return m.pluginCalls
}

// ProtocolInfo returns the engine's negotiated protocol descriptor, once the
// handshake has happened.
func (m *EngineInterfaceManager) ProtocolInfo() (ProtocolInfo, bool) {
	return m.state.protocolInfo.TryGet()
}

// ConnID returns the connection's identity used in log fields.
func (m *EngineInterfaceManager) ConnID() uuid.UUID {
	return m.state.connID
}

// isFinished reports whether nothing more can happen on this connection: the
// engine said Goodbye and no received call is still being worked on.
func (m *EngineInterfaceManager) isFinished() bool {
	return m.goodbye && m.state.outstandingCalls.Load() <= 0
}

// ConsumeAll runs the reader loop until the connection ends. On a clean end
// (EOF, or Goodbye with all work finished) it returns nil; on any transport,
// handshake or decode error it broadcasts the error to every waiting stream
// reader and engine call, and returns it.
func (m *EngineInterfaceManager) ConsumeAll(reader InputReader) error {
	defer close(m.state.managerDone)
	defer m.streams.dropAllWriters()
	for {
		msg, err := reader.ReadInput()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return m.fail(err)
		}
		if m.isFinished() {
			break
		}
		if err := m.Consume(msg); err != nil {
			return m.fail(err)
		}
	}
	// Clean end of the connection. Anything still waiting will never be
	// served, so wake it with a terminal error.
	closed := fmt.Errorf("%w: connection closed", ErrManagerGone)
	m.closePluginCalls()
	m.streams.BroadcastReadError(closed)
	m.failPendingEngineCalls(closed)
	return nil
}

func (m *EngineInterfaceManager) fail(err error) error {
	m.state.logger.Error("connection failed", zap.Error(err))
	m.closePluginCalls()
	m.streams.BroadcastReadError(err)
	m.failPendingEngineCalls(err)
	return err
}

// closePluginCalls closes the handler channel. Only called from the reader
// goroutine, on Goodbye or teardown.
func (m *EngineInterfaceManager) closePluginCalls() {
	if !m.goodbye {
		m.goodbye = true
		close(m.pluginCalls)
	}
}

// receiveEngineCallSubscriptions moves queued registrations into the
// correlation map. The map is owned by the reader goroutine, so this is the
// only place entries are added.
func (m *EngineInterfaceManager) receiveEngineCallSubscriptions() {
	for {
		select {
		case sub := <-m.state.subscriptionCh:
			if _, exists := m.subscriptions[sub.id]; exists {
				m.state.logger.Warn("duplicate engine call id ignored",
					zap.Uint64("engine_call_id", uint64(sub.id)))
			} else {
				m.subscriptions[sub.id] = sub.ch
			}
		default:
			return
		}
	}
}

func (m *EngineInterfaceManager) sendEngineCallResponse(id EngineCallID, resp EngineCallResponse[PipelineData]) {
	m.receiveEngineCallSubscriptions()
	ch, ok := m.subscriptions[id]
	if !ok {
		// The caller may have given up; nothing to correlate with.
		m.state.logger.Warn("response for unknown engine call id ignored",
			zap.Uint64("engine_call_id", uint64(id)))
		return
	}
	delete(m.subscriptions, id)
	ch <- resp
}

func (m *EngineInterfaceManager) failPendingEngineCalls(err error) {
	m.receiveEngineCallSubscriptions()
	for id, ch := range m.subscriptions {
		ch <- engineCallResponseError(err)
		delete(m.subscriptions, id)
	}
}

// sendPluginCall delivers a call to the handler channel.
func (m *EngineInterfaceManager) sendPluginCall(call ReceivedPluginCall) error {
	if m.goodbye {
		return ErrCallAfterGoodbye
	}
	m.pluginCalls <- call
	return nil
}

func (m *EngineInterfaceManager) readPipelineData(header PipelineDataHeader) (PipelineData, error) {
	return readPipelineData(m.streams.Handle(), m.GetInterface(), header)
}

func deserializeCallArgs(call *EvaluatedCall) error {
	for i := range call.Positional {
		if err := DeserializeCustomValuesIn(&call.Positional[i]); err != nil {
			return err
		}
	}
	for i := range call.Named {
		if call.Named[i].Value != nil {
			if err := DeserializeCustomValuesIn(call.Named[i].Value); err != nil {
				return err
			}
		}
	}
	return nil
}

// Consume processes one message from the engine. Exposed for tests and
// custom read loops; normal use is through ConsumeAll.
func (m *EngineInterfaceManager) Consume(msg *PluginInput) error {
	m.state.logger.Debug("received message", zap.String("type", string(msg.Type)))

	if msg.Type == InputHello {
		if msg.Hello == nil {
			return errors.New("hello envelope without protocol info")
		}
		info := *msg.Hello
		if err := m.state.protocolInfo.Set(info); err != nil {
			return errors.New("received more than one Hello message")
		}
		local := LocalProtocolInfo()
		ok, err := local.IsCompatibleWith(info)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf(
				"engine is using %s %s, which is not compatible with %s %s",
				info.Protocol, info.Version, local.Protocol, local.Version)
		}
		return nil
	}
	if !m.state.protocolInfo.IsSet() {
		return errors.New("failed to receive initial Hello message; the engine may be too old to support this plugin")
	}

	switch msg.Type {
	case InputStream:
		if msg.Stream == nil {
			return errors.New("stream envelope without a stream message")
		}
		return m.streams.HandleMessage(*msg.Stream)

	case InputCall:
		if msg.Call == nil {
			return errors.New("call envelope without a call")
		}
		iface := m.interfaceForContext(msg.CallID)
		var received ReceivedPluginCall
		switch msg.Call.Kind {
		case PluginCallMetadata:
			received = &ReceivedMetadataCall{Engine: iface}
		case PluginCallSignature:
			received = &ReceivedSignatureCall{Engine: iface}
		case PluginCallRun:
			if msg.Call.Run == nil {
				return errors.New("run call without call info")
			}
			info, err := mapCallInfoData(*msg.Call.Run, m.readPipelineData)
			if err == nil {
				err = deserializeCallArgs(&info.Call)
			}
			if err != nil {
				// The call never reaches the handler; release its input stream
				// so the engine sees Drop instead of filling an orphaned
				// queue, and answer here so the engine still gets its one
				// response.
				info.Input.Close()
				return iface.WriteError(err)
			}
			received = &ReceivedRunCall{Engine: iface, Call: info}
		case PluginCallCustomValueOp:
			if msg.Call.Custom == nil {
				return errors.New("custom value op call without payload")
			}
			op := msg.Call.Custom.Op
			if op.CmpOther != nil {
				if err := DeserializeCustomValuesIn(op.CmpOther); err != nil {
					return iface.WriteError(err)
				}
			}
			if op.Operand != nil {
				if err := DeserializeCustomValuesIn(op.Operand); err != nil {
					return iface.WriteError(err)
				}
			}
			received = &ReceivedCustomValueOpCall{
				Engine: iface,
				Value:  msg.Call.Custom.Value,
				Op:     op,
			}
		default:
			return fmt.Errorf("unknown plugin call kind %q", msg.Call.Kind)
		}
		return m.sendPluginCall(received)

	case InputGoodbye:
		m.closePluginCalls()
		return nil

	case InputEngineCallResponse:
		if msg.EngineCallResponse == nil {
			return errors.New("engine call response envelope without a response")
		}
		resp, err := mapEngineCallResponseData(*msg.EngineCallResponse, m.readPipelineData)
		if err != nil {
			// The caller still deserves an answer even if its response data
			// could not be materialized.
			resp = engineCallResponseError(err)
		}
		m.sendEngineCallResponse(msg.EngineCallID, resp)
		return nil

	case InputSignal:
		switch msg.Signal {
		case SignalInterrupt:
			m.state.signals.Trigger()
		case SignalReset:
			m.state.signals.Reset()
		default:
			return fmt.Errorf("unknown signal action %q", msg.Signal)
		}
		m.state.handlers.Run(msg.Signal)
		return nil

	default:
		return fmt.Errorf("unknown input message type %q", msg.Type)
	}
}
