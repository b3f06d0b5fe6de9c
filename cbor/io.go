package cbor

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	flowplug "github.com/machinefabric/flowplug-go"
)

// InputReader reads length-prefixed CBOR envelopes from the engine. It
// implements flowplug.InputReader. Not safe for concurrent use; the manager's
// reader loop is the only consumer.
type InputReader struct {
	reader *bufio.Reader
	limits Limits
}

// NewInputReader creates a reader with default limits.
func NewInputReader(r io.Reader) *InputReader {
	return &InputReader{
		reader: bufio.NewReader(r),
		limits: DefaultLimits(),
	}
}

// SetLimits updates the reader's limits.
func (r *InputReader) SetLimits(limits Limits) {
	r.limits = limits
}

// ReadInput reads one envelope. Returns io.EOF at a clean end of stream.
func (r *InputReader) ReadInput() (*flowplug.PluginInput, error) {
	// 4-byte big-endian length prefix
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r.reader, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])

	if int(length) > r.limits.MaxFrame {
		return nil, fmt.Errorf("frame size %d exceeds max_frame limit %d", length, r.limits.MaxFrame)
	}
	if int(length) > MaxFrameHardLimit {
		return nil, fmt.Errorf("frame size %d exceeds hard limit %d", length, MaxFrameHardLimit)
	}

	frameBuf := make([]byte, length)
	if _, err := io.ReadFull(r.reader, frameBuf); err != nil {
		if err == io.EOF {
			// A truncated frame is an error, not a clean end.
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return DecodeInput(frameBuf)
}

// OutputWriter writes length-prefixed CBOR envelopes to the engine. It
// implements flowplug.OutputWriter and is safe for concurrent use.
type OutputWriter struct {
	mu     sync.Mutex
	writer *bufio.Writer
	limits Limits
	stdout bool
}

// NewOutputWriter creates a writer with default limits.
func NewOutputWriter(w io.Writer) *OutputWriter {
	stdout := false
	if f, ok := w.(*os.File); ok && f == os.Stdout {
		stdout = true
	}
	return &OutputWriter{
		writer: bufio.NewWriter(w),
		limits: DefaultLimits(),
		stdout: stdout,
	}
}

// SetLimits updates the writer's limits.
func (w *OutputWriter) SetLimits(limits Limits) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.limits = limits
}

// WriteOutput writes one envelope. The envelope is buffered; call Flush to
// push it to the engine.
func (w *OutputWriter) WriteOutput(msg *flowplug.PluginOutput) error {
	frameBuf, err := EncodeOutput(msg)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if len(frameBuf) > w.limits.MaxFrame {
		return fmt.Errorf("encoded frame size %d exceeds max_frame limit %d", len(frameBuf), w.limits.MaxFrame)
	}
	if len(frameBuf) > MaxFrameHardLimit {
		return fmt.Errorf("encoded frame size %d exceeds hard limit %d", len(frameBuf), MaxFrameHardLimit)
	}

	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(frameBuf)))
	if _, err := w.writer.Write(lengthBuf[:]); err != nil {
		return err
	}
	_, err = w.writer.Write(frameBuf)
	return err
}

// Flush pushes all buffered envelopes to the engine.
func (w *OutputWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writer.Flush()
}

// IsStdout reports whether the writer was constructed over os.Stdout.
func (w *OutputWriter) IsStdout() bool {
	return w.stdout
}
