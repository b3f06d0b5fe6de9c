package flowplug

import (
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
)

// InputReader reads decoded message envelopes from the engine. ReadInput
// returns io.EOF when the channel is cleanly closed. Implementations live in
// codec packages; see the cbor subpackage for the default.
type InputReader interface {
	ReadInput() (*PluginInput, error)
}

// OutputWriter writes message envelopes to the engine. Implementations must
// be safe for concurrent use: responses, engine calls and stream messages are
// written from multiple goroutines over the same channel.
type OutputWriter interface {
	WriteOutput(msg *PluginOutput) error
	Flush() error
	// IsStdout reports whether the writer is backed by the process's stdout,
	// so plugin code knows not to print to it directly.
	IsStdout() bool
}

// readPipelineData materializes a received pipeline data header. Stream
// headers are registered with the stream manager and wrapped in lazy streams;
// custom values are deserialized on the way in. For list streams a failed
// element becomes an in-place error value rather than killing the stream.
func readPipelineData(handle *StreamManagerHandle, writer StreamMessageWriter, header PipelineDataHeader) (PipelineData, error) {
	switch header.Type {
	case EmptyHeader, "":
		return EmptyPipelineData(), nil
	case ValueHeader:
		if header.Value == nil {
			return PipelineData{}, errors.New("value header without a value")
		}
		v := *header.Value
		if err := DeserializeCustomValuesIn(&v); err != nil {
			return PipelineData{}, err
		}
		return ValuePipelineData(v), nil
	case ListStreamHeader:
		if header.ListStream == nil {
			return PipelineData{}, errors.New("list stream header without stream info")
		}
		info := *header.ListStream
		reader, err := handle.ReadStream(info.ID, writer)
		if err != nil {
			return PipelineData{}, err
		}
		failed := false
		next := func() (Value, bool) {
			if failed {
				return Value{}, false
			}
			data, err := reader.Recv()
			if err != nil {
				failed = true
				return ErrorValue(AsLabeledError(err), info.Span), true
			}
			if data == nil {
				return Value{}, false
			}
			if data.List == nil {
				failed = true
				return ErrorValue(NewLabeledError("list stream carried non-list data"), info.Span), true
			}
			v := *data.List
			if derr := DeserializeCustomValuesIn(&v); derr != nil {
				v = ErrorValue(AsLabeledError(derr), v.Span)
			}
			return v, true
		}
		return PipelineData{ListStream: NewListStream(info.Span, next, reader.Close)}, nil
	case ByteStreamHeader:
		if header.ByteStream == nil {
			return PipelineData{}, errors.New("byte stream header without stream info")
		}
		info := *header.ByteStream
		reader, err := handle.ReadStream(info.ID, writer)
		if err != nil {
			return PipelineData{}, err
		}
		next := func() ([]byte, error) {
			data, err := reader.Recv()
			if err != nil {
				return nil, err
			}
			if data == nil {
				return nil, io.EOF
			}
			if data.RawErr != nil {
				return nil, data.RawErr
			}
			return data.Raw, nil
		}
		return PipelineData{ByteStream: NewByteStream(info.Span, info.DataType, next, reader.Close)}, nil
	default:
		return PipelineData{}, errors.New("unknown pipeline data header type " + string(header.Type))
	}
}

// PipelineDataWriter writes the stream part of pipeline data that was
// announced in a header. When the data was a plain value or empty there is
// nothing to write and the writer is nil; a nil writer is safe to use.
//
// After announcing stream data the caller must drive the writer, either
// synchronously with Write or on its own goroutine with WriteBackground,
// otherwise the peer waits forever for the stream.
type PipelineDataWriter struct {
	stream *StreamWriter
	list   *ListStream
	bytes  *ByteStream
	logger *zap.Logger
	once   sync.Once
	onDone func()
}

func (w *PipelineDataWriter) finish() {
	if w.onDone != nil {
		w.once.Do(w.onDone)
	}
}

// Write drains the source into the stream, honoring flow control, and ends
// the stream. Blocks until done or dropped by the peer.
func (w *PipelineDataWriter) Write() error {
	if w == nil {
		return nil
	}
	defer w.finish()
	if w.stream == nil {
		return nil
	}
	switch {
	case w.list != nil:
		defer w.list.Close()
		for !w.stream.IsDropped() {
			v, ok := w.list.Next()
			if !ok {
				break
			}
			if err := SerializeCustomValuesIn(&v); err != nil {
				// One bad element poisons itself, not the stream.
				v = ErrorValue(AsLabeledError(err), v.Span)
			}
			if err := w.stream.Write(StreamData{List: &v}); err != nil {
				return err
			}
		}
	case w.bytes != nil:
		defer w.bytes.Close()
		for !w.stream.IsDropped() {
			chunk, err := w.bytes.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				// Byte stream errors are in-band items.
				if werr := w.stream.Write(StreamData{RawErr: AsLabeledError(err)}); werr != nil {
					return werr
				}
				break
			}
			if err := w.stream.Write(StreamData{Raw: chunk}); err != nil {
				return err
			}
		}
	}
	return w.stream.End()
}

// WriteBackground runs Write on a new goroutine, logging any failure.
func (w *PipelineDataWriter) WriteBackground() {
	if w == nil {
		return
	}
	go func() {
		if err := w.Write(); err != nil {
			logger := w.logger
			if logger == nil {
				logger = zap.NewNop()
			}
			logger.Warn("error while writing pipeline data in background", zap.Error(err))
		}
	}()
}
