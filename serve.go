package flowplug

import (
	"sync"

	"go.uber.org/zap"
)

// Plugin is the behavior a plugin implements to be served over a connection.
type Plugin interface {
	// Metadata answers a metadata call.
	Metadata() PluginMetadata
	// Signature answers a signature call with all provided commands.
	Signature() []PluginSignature
	// Run handles one command invocation and returns its output. Streamed
	// output is supported by returning PipelineData wrapping a ListStream or
	// ByteStream.
	Run(engine *EngineInterface, call CallInfo[PipelineData]) (PipelineData, error)
}

// CustomValuePlugin extends Plugin for plugins that produce custom values and
// want to answer operations on them. Plugins without it get a generic error
// for every op except Dropped.
type CustomValuePlugin interface {
	Plugin
	// CustomValueOp handles one op and writes its own response on engine
	// (WriteResponse, WriteOrdering or WriteOK depending on the op).
	CustomValueOp(engine *EngineInterface, value Spanned[PluginCustomValue], op CustomValueOp) error
}

// Serve runs a plugin over one connection until the engine disconnects: it
// sends the initial Hello, dispatches each received call to its own
// goroutine, and consumes input until Goodbye or failure. A nil logger
// disables logging.
func Serve(plugin Plugin, reader InputReader, writer OutputWriter, logger *zap.Logger) error {
	manager := NewEngineInterfaceManager(writer, logger)
	if err := manager.GetInterface().Hello(); err != nil {
		return err
	}

	calls := manager.TakePluginCallReceiver()
	var wg sync.WaitGroup
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		for call := range calls {
			call := call
			wg.Add(1)
			go func() {
				defer wg.Done()
				handlePluginCall(plugin, call, manager.state.logger)
			}()
		}
	}()

	err := manager.ConsumeAll(reader)
	<-dispatchDone
	wg.Wait()
	return err
}

func handlePluginCall(plugin Plugin, received ReceivedPluginCall, logger *zap.Logger) {
	var err error
	switch call := received.(type) {
	case *ReceivedMetadataCall:
		err = call.Engine.WriteMetadata(plugin.Metadata())
	case *ReceivedSignatureCall:
		err = call.Engine.WriteSignature(plugin.Signature())
	case *ReceivedRunCall:
		data, runErr := plugin.Run(call.Engine, call.Call)
		if runErr != nil {
			err = call.Engine.WriteError(runErr)
		} else {
			var writer *PipelineDataWriter
			writer, err = call.Engine.WriteResponse(data)
			if err == nil {
				err = writer.Write()
			}
		}
	case *ReceivedCustomValueOpCall:
		if cvp, ok := plugin.(CustomValuePlugin); ok {
			err = cvp.CustomValueOp(call.Engine, call.Value, call.Op)
		} else if call.Op.Kind == CustomValueDropped {
			err = call.Engine.WriteOK()
		} else {
			err = call.Engine.WriteError(
				NewLabeledErrorf("plugin does not support custom value op %q", call.Op.Kind))
		}
	}
	if err != nil {
		logger.Warn("failed to handle plugin call", zap.Error(err))
	}
}
