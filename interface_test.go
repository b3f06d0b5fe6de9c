package flowplug

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPipelineDataEmpty(t *testing.T) {
	m := NewStreamManager(nil)
	data, err := readPipelineData(m.Handle(), &testStreamWriter{}, PipelineDataHeader{Type: EmptyHeader})
	require.NoError(t, err)
	assert.True(t, data.IsEmpty())
}

func TestReadPipelineDataValueDeserializesCustom(t *testing.T) {
	m := NewStreamManager(nil)
	wire := Value{
		Type:   CustomType,
		Custom: &PluginCustomValue{Name: "test-counter", Data: []byte(`{"count":3}`)},
		Span:   Span{Start: 1, End: 2},
	}
	data, err := readPipelineData(m.Handle(), &testStreamWriter{}, PipelineDataHeader{Type: ValueHeader, Value: &wire})
	require.NoError(t, err)
	require.NotNil(t, data.Value)
	counter, ok := data.Value.CustomValue().(*testCounter)
	require.True(t, ok)
	assert.Equal(t, int64(3), counter.Count)
}

func TestReadPipelineDataListStream(t *testing.T) {
	m := NewStreamManager(nil)
	sw := &testStreamWriter{}
	header := PipelineDataHeader{
		Type:       ListStreamHeader,
		ListStream: &ListStreamInfo{ID: 11, Span: Span{Start: 4, End: 8}},
	}
	data, err := readPipelineData(m.Handle(), sw, header)
	require.NoError(t, err)
	require.NotNil(t, data.ListStream)

	for i := int64(0); i < 2; i++ {
		msg := listData(IntValue(i, Span{}))
		msg.ID = 11
		require.NoError(t, m.HandleMessage(msg))
	}
	require.NoError(t, m.HandleMessage(StreamMessage{Type: StreamEndMsg, ID: 11}))

	v, err := data.IntoValue(Span{})
	require.NoError(t, err)
	items, err := v.AsList()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, int64(0), items[0].Int)
	assert.Equal(t, int64(1), items[1].Int)
}

func TestReadPipelineDataListStreamBadElementBecomesErrorValue(t *testing.T) {
	m := NewStreamManager(nil)
	sw := &testStreamWriter{}
	header := PipelineDataHeader{
		Type:       ListStreamHeader,
		ListStream: &ListStreamInfo{ID: 12},
	}
	data, err := readPipelineData(m.Handle(), sw, header)
	require.NoError(t, err)

	good := listData(IntValue(1, Span{}))
	good.ID = 12
	require.NoError(t, m.HandleMessage(good))

	bad := listData(Value{
		Type:   CustomType,
		Custom: &PluginCustomValue{Name: "test-failing", Data: []byte("junk")},
	})
	bad.ID = 12
	require.NoError(t, m.HandleMessage(bad))

	tail := listData(IntValue(3, Span{}))
	tail.ID = 12
	require.NoError(t, m.HandleMessage(tail))
	require.NoError(t, m.HandleMessage(StreamMessage{Type: StreamEndMsg, ID: 12}))

	var items []Value
	for {
		v, ok := data.ListStream.Next()
		if !ok {
			break
		}
		items = append(items, v)
	}
	require.Len(t, items, 3, "one bad element must not kill the stream")
	assert.Equal(t, IntType, items[0].Type)
	assert.Equal(t, ErrorType, items[1].Type)
	assert.Contains(t, items[1].Err.Msg, "test-failing")
	assert.Equal(t, IntType, items[2].Type)
}

func TestReadPipelineDataByteStream(t *testing.T) {
	m := NewStreamManager(nil)
	sw := &testStreamWriter{}
	header := PipelineDataHeader{
		Type:       ByteStreamHeader,
		ByteStream: &ByteStreamInfo{ID: 13, DataType: ByteStreamString},
	}
	data, err := readPipelineData(m.Handle(), sw, header)
	require.NoError(t, err)
	require.NotNil(t, data.ByteStream)

	for _, chunk := range []string{"hello ", "world"} {
		require.NoError(t, m.HandleMessage(StreamMessage{
			Type: StreamDataMsg,
			ID:   13,
			Data: &StreamData{Raw: []byte(chunk)},
		}))
	}
	require.NoError(t, m.HandleMessage(StreamMessage{Type: StreamEndMsg, ID: 13}))

	v, err := data.IntoValue(Span{})
	require.NoError(t, err)
	assert.Equal(t, StringType, v.Type)
	assert.Equal(t, "hello world", v.Str)
}

func TestReadPipelineDataByteStreamErrorItem(t *testing.T) {
	m := NewStreamManager(nil)
	sw := &testStreamWriter{}
	header := PipelineDataHeader{
		Type:       ByteStreamHeader,
		ByteStream: &ByteStreamInfo{ID: 14, DataType: ByteStreamBinary},
	}
	data, err := readPipelineData(m.Handle(), sw, header)
	require.NoError(t, err)

	require.NoError(t, m.HandleMessage(StreamMessage{
		Type: StreamDataMsg,
		ID:   14,
		Data: &StreamData{RawErr: NewLabeledError("disk on fire")},
	}))

	_, err = data.ByteStream.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestPipelineDataWriterByteStream(t *testing.T) {
	m, writer := newTestManager(t)
	iface := m.interfaceForContext(1)

	stream := ByteStreamFromBytes(Span{}, ByteStreamBinary, []byte("payload"))
	header, pdw, err := iface.initWritePipelineData(PipelineData{ByteStream: stream})
	require.NoError(t, err)
	require.NotNil(t, pdw)
	assert.Equal(t, ByteStreamHeader, header.Type)
	assert.Equal(t, ByteStreamBinary, header.ByteStream.DataType)

	require.NoError(t, pdw.Write())

	var chunks [][]byte
	sawEnd := false
	for _, msg := range writer.messages() {
		if msg.Type != OutputStream || msg.Stream.ID != header.ByteStream.ID {
			continue
		}
		switch msg.Stream.Type {
		case StreamDataMsg:
			chunks = append(chunks, msg.Stream.Data.Raw)
		case StreamEndMsg:
			sawEnd = true
		}
	}
	require.Len(t, chunks, 1)
	assert.Equal(t, []byte("payload"), chunks[0])
	assert.True(t, sawEnd)
}

func TestPipelineDataIntoValueNothing(t *testing.T) {
	v, err := EmptyPipelineData().IntoValue(Span{Start: 2, End: 3})
	require.NoError(t, err)
	assert.True(t, v.IsNothing())
	assert.Equal(t, Span{Start: 2, End: 3}, v.Span)
}
