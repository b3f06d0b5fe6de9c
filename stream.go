package flowplug

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// High-pressure marks: a stream writer blocks once this many items are
// unacknowledged. List streams carry individually meaningful values and get a
// deeper window than raw byte streams, whose chunks are larger.
const (
	listStreamHighPressure = 100
	rawStreamHighPressure  = 50
)

// StreamMessageWriter writes stream framing messages back to the peer. The
// EngineInterface implements it over the shared output writer.
type StreamMessageWriter interface {
	WriteStreamMessage(msg StreamMessage) error
	Flush() error
}

type popResult int

const (
	popItem popResult = iota
	popEnded
	popEmpty
)

// streamQueue is the unbounded buffer between the reader loop (producer) and
// a StreamReader (consumer). Unbounded so the reader loop never blocks on a
// slow stream consumer; backpressure is applied at the sender through acks
// instead.
type streamQueue struct {
	mu    sync.Mutex
	cond  sync.Cond
	items []StreamData
	ended bool
	err   error
}

func newStreamQueue() *streamQueue {
	q := &streamQueue{}
	q.cond.L = &q.mu
	return q
}

func (q *streamQueue) push(data StreamData) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ended {
		return
	}
	q.items = append(q.items, data)
	q.cond.Signal()
}

// end terminates the queue and reports whether this call did the terminating.
// A nil error is a normal End; a non-nil error is observed by the consumer
// after the buffered items are drained.
func (q *streamQueue) end(err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ended {
		return false
	}
	q.ended = true
	q.err = err
	q.cond.Broadcast()
	return true
}

func (q *streamQueue) popLocked() (StreamData, popResult, error) {
	if len(q.items) > 0 {
		data := q.items[0]
		q.items = q.items[1:]
		return data, popItem, nil
	}
	if q.ended {
		return StreamData{}, popEnded, q.err
	}
	return StreamData{}, popEmpty, nil
}

func (q *streamQueue) tryPop() (StreamData, popResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *streamQueue) pop() (StreamData, popResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		data, res, err := q.popLocked()
		if res != popEmpty {
			return data, res, err
		}
		q.cond.Wait()
	}
}

// StreamReader consumes one incoming stream. Every received item is
// acknowledged to keep the sender's flow-control window moving; closing a
// reader before the stream ends sends Drop so the sender can stop early. Not
// safe for concurrent use by multiple goroutines.
type StreamReader struct {
	id     StreamID
	queue  *streamQueue
	writer StreamMessageWriter
	done   bool
}

// Recv returns the next stream item, nil at normal end of stream, or an error
// if the stream failed.
func (r *StreamReader) Recv() (*StreamData, error) {
	if r.done {
		return nil, nil
	}
	data, res, err := r.queue.tryPop()
	if res == popEmpty {
		// Flush any buffered acks before blocking, or the sender may never
		// send the item we are about to wait for.
		if ferr := r.writer.Flush(); ferr != nil {
			return nil, ferr
		}
		data, res, err = r.queue.pop()
	}
	switch res {
	case popItem:
		if werr := r.writer.WriteStreamMessage(StreamMessage{Type: StreamAckMsg, ID: r.id}); werr != nil {
			return nil, werr
		}
		return &data, nil
	default:
		r.done = true
		if err != nil {
			return nil, err
		}
		return nil, nil
	}
}

// Close releases the reader. If the stream has not ended yet, Drop is sent so
// the peer stops producing; a stream the peer already ended needs no Drop.
// Safe to call more than once.
func (r *StreamReader) Close() error {
	if r.done {
		return nil
	}
	r.done = true
	if !r.queue.end(nil) {
		return nil
	}
	if err := r.writer.WriteStreamMessage(StreamMessage{Type: StreamDropMsg, ID: r.id}); err != nil {
		return err
	}
	return r.writer.Flush()
}

// streamWriterSignal tracks flow-control state for one outgoing stream.
type streamWriterSignal struct {
	mu               sync.Mutex
	cond             sync.Cond
	dropped          bool
	unacknowledged   int
	highPressureMark int
}

func newStreamWriterSignal(highPressureMark int) *streamWriterSignal {
	s := &streamWriterSignal{highPressureMark: highPressureMark}
	s.cond.L = &s.mu
	return s
}

func (s *streamWriterSignal) isDropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *streamWriterSignal) setDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = true
	s.cond.Broadcast()
}

// notifySent records one sent item and reports whether the writer may
// continue without waiting.
func (s *streamWriterSignal) notifySent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unacknowledged++
	return s.unacknowledged < s.highPressureMark
}

// waitForDrain blocks until the unacknowledged count falls below the mark or
// the stream is dropped.
func (s *streamWriterSignal) waitForDrain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.dropped && s.unacknowledged >= s.highPressureMark {
		s.cond.Wait()
	}
}

// notifyAcknowledged credits one acknowledgement. The count may go negative
// when the reader routes an ack before notifySent has run for the matching
// item; the pending send consumes the credit.
func (s *streamWriterSignal) notifyAcknowledged() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unacknowledged--
	s.cond.Broadcast()
}

// StreamWriter produces one outgoing stream, blocking when the peer falls
// behind on acknowledgements. Not safe for concurrent use by multiple
// goroutines.
type StreamWriter struct {
	id         StreamID
	signal     *streamWriterSignal
	writer     StreamMessageWriter
	unregister func()
	ended      bool
}

// IsDropped reports whether the peer sent Drop for this stream. Producers
// should stop generating items once this is true.
func (w *StreamWriter) IsDropped() bool {
	return w.signal.isDropped()
}

// Write sends one item, then waits if the flow-control window is full.
func (w *StreamWriter) Write(data StreamData) error {
	if w.ended {
		return fmt.Errorf("write to stream %d after it ended", w.id)
	}
	if err := w.writer.WriteStreamMessage(StreamMessage{Type: StreamDataMsg, ID: w.id, Data: &data}); err != nil {
		return err
	}
	// Flush before waiting: the peer can only ack what it has seen.
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if !w.signal.notifySent() {
		w.signal.waitForDrain()
	}
	return nil
}

// WriteAll drains a generator into the stream, stopping early on Drop. next
// returns false when exhausted.
func (w *StreamWriter) WriteAll(next func() (StreamData, bool)) error {
	for !w.IsDropped() {
		data, ok := next()
		if !ok {
			break
		}
		if err := w.Write(data); err != nil {
			return err
		}
	}
	return w.End()
}

// End terminates the stream normally. Safe to call more than once.
func (w *StreamWriter) End() error {
	if w.ended {
		return nil
	}
	w.ended = true
	if w.unregister != nil {
		w.unregister()
	}
	if err := w.writer.WriteStreamMessage(StreamMessage{Type: StreamEndMsg, ID: w.id}); err != nil {
		return err
	}
	return w.writer.Flush()
}

// StreamManager tracks all streams multiplexed over one connection and routes
// their framing messages.
type StreamManager struct {
	mu             sync.Mutex
	readingStreams map[StreamID]*streamQueue
	writingStreams map[StreamID]*streamWriterSignal
	logger         *zap.Logger
}

// NewStreamManager creates a stream manager. A nil logger disables logging.
func NewStreamManager(logger *zap.Logger) *StreamManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamManager{
		readingStreams: make(map[StreamID]*streamQueue),
		writingStreams: make(map[StreamID]*streamWriterSignal),
		logger:         logger,
	}
}

// Handle returns a handle for registering new streams.
func (m *StreamManager) Handle() *StreamManagerHandle {
	return &StreamManagerHandle{manager: m}
}

// HandleMessage routes one stream message received from the peer. Called from
// the connection's reader loop.
func (m *StreamManager) HandleMessage(msg StreamMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch msg.Type {
	case StreamDataMsg:
		queue, ok := m.readingStreams[msg.ID]
		if !ok {
			return fmt.Errorf("received Data for unknown stream %d", msg.ID)
		}
		if msg.Data == nil {
			return fmt.Errorf("received Data without payload for stream %d", msg.ID)
		}
		queue.push(*msg.Data)
		return nil
	case StreamEndMsg:
		queue, ok := m.readingStreams[msg.ID]
		if !ok {
			return fmt.Errorf("received End for unknown stream %d", msg.ID)
		}
		queue.end(nil)
		delete(m.readingStreams, msg.ID)
		return nil
	case StreamDropMsg:
		if signal, ok := m.writingStreams[msg.ID]; ok {
			signal.setDropped()
			delete(m.writingStreams, msg.ID)
		} else {
			// The writer may have ended concurrently with the peer's Drop.
			m.logger.Debug("drop for unknown stream", zap.Uint64("stream_id", uint64(msg.ID)))
		}
		return nil
	case StreamAckMsg:
		if signal, ok := m.writingStreams[msg.ID]; ok {
			signal.notifyAcknowledged()
		} else {
			m.logger.Debug("ack for unknown stream", zap.Uint64("stream_id", uint64(msg.ID)))
		}
		return nil
	default:
		return fmt.Errorf("unknown stream message type %q", msg.Type)
	}
}

// BroadcastReadError terminates every open reading stream with err. Used when
// the connection fails so no consumer blocks forever.
func (m *StreamManager) BroadcastReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, queue := range m.readingStreams {
		queue.end(err)
	}
}

// dropAllWriters unblocks every writer as if the peer had dropped its stream.
func (m *StreamManager) dropAllWriters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, signal := range m.writingStreams {
		signal.setDropped()
		delete(m.writingStreams, id)
	}
}

func (m *StreamManager) removeWriter(id StreamID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.writingStreams, id)
}

// StreamManagerHandle registers new streams with its manager.
type StreamManagerHandle struct {
	manager *StreamManager
}

// ReadStream registers an incoming stream and returns its reader. The id must
// come from a pipeline data header announced by the peer; each stream can be
// read exactly once.
func (h *StreamManagerHandle) ReadStream(id StreamID, writer StreamMessageWriter) (*StreamReader, error) {
	m := h.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.readingStreams[id]; exists {
		return nil, fmt.Errorf("stream %d is already being read", id)
	}
	queue := newStreamQueue()
	m.readingStreams[id] = queue
	return &StreamReader{id: id, queue: queue, writer: writer}, nil
}

// WriteStream registers an outgoing stream and returns its writer. The id
// must come from the local stream sequence and be announced to the peer in a
// pipeline data header.
func (h *StreamManagerHandle) WriteStream(id StreamID, writer StreamMessageWriter, highPressureMark int) (*StreamWriter, error) {
	m := h.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.writingStreams[id]; exists {
		return nil, fmt.Errorf("stream %d is already being written", id)
	}
	signal := newStreamWriterSignal(highPressureMark)
	m.writingStreams[id] = signal
	return &StreamWriter{
		id:         id,
		signal:     signal,
		writer:     writer,
		unregister: func() { m.removeWriter(id) },
	}, nil
}
