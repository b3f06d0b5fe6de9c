package flowplug

import (
	"errors"
	"io"
)

// PipelineData is pipeline input or output in materialized form: empty, a
// single value, a stream of values, or a stream of raw bytes. The zero value
// is empty.
type PipelineData struct {
	Value      *Value
	ListStream *ListStream
	ByteStream *ByteStream
}

// EmptyPipelineData returns the empty pipeline.
func EmptyPipelineData() PipelineData {
	return PipelineData{}
}

// ValuePipelineData wraps a single value.
func ValuePipelineData(v Value) PipelineData {
	return PipelineData{Value: &v}
}

// IsEmpty reports whether the pipeline carries no data.
func (p PipelineData) IsEmpty() bool {
	return p.Value == nil && p.ListStream == nil && p.ByteStream == nil
}

// Close releases any stream halves without draining them, telling the peer to
// stop producing. A no-op for empty and single-value data.
func (p PipelineData) Close() error {
	var first error
	if p.ListStream != nil {
		first = p.ListStream.Close()
	}
	if p.ByteStream != nil {
		if err := p.ByteStream.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Span returns the span associated with the pipeline data.
func (p PipelineData) Span() Span {
	switch {
	case p.Value != nil:
		return p.Value.Span
	case p.ListStream != nil:
		return p.ListStream.span
	case p.ByteStream != nil:
		return p.ByteStream.span
	default:
		return UnknownSpan()
	}
}

// IntoValue drains the pipeline into a single value. A list stream collects
// into a list, a byte stream into a string or binary depending on its type.
func (p PipelineData) IntoValue(span Span) (Value, error) {
	switch {
	case p.Value != nil:
		return *p.Value, nil
	case p.ListStream != nil:
		defer p.ListStream.Close()
		var items []Value
		for {
			v, ok := p.ListStream.Next()
			if !ok {
				break
			}
			items = append(items, v)
		}
		return ListValue(items, p.ListStream.span), nil
	case p.ByteStream != nil:
		defer p.ByteStream.Close()
		var buf []byte
		for {
			chunk, err := p.ByteStream.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return Value{}, err
			}
			buf = append(buf, chunk...)
		}
		if p.ByteStream.dataType == ByteStreamString {
			return StringValue(string(buf), p.ByteStream.span), nil
		}
		return BinaryValue(buf, p.ByteStream.span), nil
	default:
		return NothingValue(span), nil
	}
}

// ListStream is a pull-based stream of values. Not safe for concurrent use by
// multiple goroutines.
type ListStream struct {
	span  Span
	next  func() (Value, bool)
	close func() error
}

// NewListStream creates a stream from a generator function. next returns
// false when the stream is exhausted; close, if non-nil, releases the
// underlying source.
func NewListStream(span Span, next func() (Value, bool), close func() error) *ListStream {
	return &ListStream{span: span, next: next, close: close}
}

// ListStreamFromValues creates a stream over a fixed slice.
func ListStreamFromValues(span Span, values []Value) *ListStream {
	i := 0
	return &ListStream{span: span, next: func() (Value, bool) {
		if i >= len(values) {
			return Value{}, false
		}
		v := values[i]
		i++
		return v, true
	}}
}

// Next returns the next value, or false at end of stream.
func (s *ListStream) Next() (Value, bool) {
	if s.next == nil {
		return Value{}, false
	}
	v, ok := s.next()
	if !ok {
		s.next = nil
	}
	return v, ok
}

// Close releases the stream without draining it.
func (s *ListStream) Close() error {
	s.next = nil
	if s.close != nil {
		c := s.close
		s.close = nil
		return c()
	}
	return nil
}

// ByteStreamType hints how a byte stream's contents should be interpreted
// when collected.
type ByteStreamType string

const (
	ByteStreamBinary  ByteStreamType = "binary"
	ByteStreamString  ByteStreamType = "string"
	ByteStreamUnknown ByteStreamType = "unknown"
)

// ByteStream is a pull-based stream of byte chunks. Next returns io.EOF at
// end of stream. Not safe for concurrent use by multiple goroutines.
type ByteStream struct {
	span     Span
	dataType ByteStreamType
	next     func() ([]byte, error)
	close    func() error
}

// NewByteStream creates a stream from a chunk generator. next returns io.EOF
// when the stream is exhausted.
func NewByteStream(span Span, dataType ByteStreamType, next func() ([]byte, error), close func() error) *ByteStream {
	return &ByteStream{span: span, dataType: dataType, next: next, close: close}
}

// ByteStreamFromBytes creates a single-chunk stream over fixed data.
func ByteStreamFromBytes(span Span, dataType ByteStreamType, data []byte) *ByteStream {
	done := false
	return &ByteStream{span: span, dataType: dataType, next: func() ([]byte, error) {
		if done {
			return nil, io.EOF
		}
		done = true
		return data, nil
	}}
}

// ByteStreamFromReader creates a byte stream that reads chunks from r.
func ByteStreamFromReader(span Span, dataType ByteStreamType, r io.Reader, chunkSize int) *ByteStream {
	if chunkSize <= 0 {
		chunkSize = 8192
	}
	return &ByteStream{span: span, dataType: dataType, next: func() ([]byte, error) {
		buf := make([]byte, chunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
		return nil, io.EOF
	}}
}

// DataType returns the content type hint of the stream.
func (s *ByteStream) DataType() ByteStreamType {
	return s.dataType
}

// Next returns the next chunk, or io.EOF at end of stream.
func (s *ByteStream) Next() ([]byte, error) {
	if s.next == nil {
		return nil, io.EOF
	}
	chunk, err := s.next()
	if err != nil {
		s.next = nil
	}
	return chunk, err
}

// Close releases the stream without draining it.
func (s *ByteStream) Close() error {
	s.next = nil
	if s.close != nil {
		c := s.close
		s.close = nil
		return c()
	}
	return nil
}

// PipelineDataHeaderType discriminates PipelineDataHeader.
type PipelineDataHeaderType string

const (
	EmptyHeader      PipelineDataHeaderType = "empty"
	ValueHeader      PipelineDataHeaderType = "value"
	ListStreamHeader PipelineDataHeaderType = "list_stream"
	ByteStreamHeader PipelineDataHeaderType = "byte_stream"
)

// ListStreamInfo announces a list stream in a header.
type ListStreamInfo struct {
	ID   StreamID `cbor:"id" json:"id"`
	Span Span     `cbor:"span" json:"span"`
}

// ByteStreamInfo announces a byte stream in a header.
type ByteStreamInfo struct {
	ID       StreamID       `cbor:"id" json:"id"`
	Span     Span           `cbor:"span" json:"span"`
	DataType ByteStreamType `cbor:"data_type" json:"data_type"`
}

// PipelineDataHeader is the wire form of PipelineData: single values inline,
// streams by reference to a stream id whose items follow as stream messages.
type PipelineDataHeader struct {
	Type       PipelineDataHeaderType `cbor:"type" json:"type"`
	Value      *Value                 `cbor:"value,omitempty" json:"value,omitempty"`
	ListStream *ListStreamInfo        `cbor:"list_stream,omitempty" json:"list_stream,omitempty"`
	ByteStream *ByteStreamInfo        `cbor:"byte_stream,omitempty" json:"byte_stream,omitempty"`
}

// StreamID returns the announced stream id, if the header references one.
func (h PipelineDataHeader) StreamID() (StreamID, bool) {
	switch h.Type {
	case ListStreamHeader:
		if h.ListStream != nil {
			return h.ListStream.ID, true
		}
	case ByteStreamHeader:
		if h.ByteStream != nil {
			return h.ByteStream.ID, true
		}
	}
	return 0, false
}

func emptyPipelineHeader() PipelineDataHeader {
	return PipelineDataHeader{Type: EmptyHeader}
}

func valuePipelineHeader(v Value) PipelineDataHeader {
	return PipelineDataHeader{Type: ValueHeader, Value: &v}
}
