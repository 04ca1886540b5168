package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type msg struct {
	api     uint16
	payload []byte
}

func collect(t *testing.T, p *Parser, buf []byte) ([]msg, int) {
	t.Helper()
	var got []msg
	n, err := p.Parse(buf, func(api uint16, payload []byte) error {
		got = append(got, msg{api, append([]byte(nil), payload...)})
		return nil
	})
	require.NoError(t, err)
	return got, n
}

func TestHeaderShortAndLong(t *testing.T) {
	for _, tc := range []struct {
		length           int
		compressed, batch bool
		size             int
	}{
		{0, false, false, 2},
		{shortMaxLen, true, false, 2},
		{shortMaxLen + 1, false, false, 4},
		{longMaxLen, true, true, 4},
	} {
		b, err := AppendHeader(nil, tc.length, tc.compressed, tc.batch)
		require.NoError(t, err)
		require.Len(t, b, tc.size)
		h, err := DecodeHeader(b)
		require.NoError(t, err)
		assert.Equal(t, Header{Len: tc.length, Compressed: tc.compressed, Batched: tc.batch, Size: tc.size}, h)
	}

	b, err := AppendHeader(nil, 10, false, true)
	require.NoError(t, err)
	h, _ := DecodeHeader(b)
	assert.True(t, h.Compressed, "batched implies compressed")

	_, err = AppendHeader(nil, longMaxLen+1, false, false)
	assert.Error(t, err)
	_, err = DecodeHeader([]byte{0x20})
	assert.Error(t, err)
}

func TestSingleFrames(t *testing.T) {
	enc := NewEncoder(WithCompressThreshold(64))
	small := []byte("ping")
	big := bytes.Repeat([]byte("gionet "), 100)

	f1, err := enc.EncodeSingle(1, small)
	require.NoError(t, err)
	f2, err := enc.EncodeSingle(2, big)
	require.NoError(t, err)
	assert.Less(t, len(f2), len(big), "large payload is compressed")

	got, n := collect(t, NewParser(), append(f1, f2...))
	assert.Equal(t, len(f1)+len(f2), n)
	assert.Equal(t, []msg{{1, small}, {2, big}}, got)
}

func TestCompressionDisabled(t *testing.T) {
	enc := NewEncoder(WithCompressThreshold(0))
	payload := bytes.Repeat([]byte{7}, 4096)
	f, err := enc.EncodeSingle(9, payload)
	require.NoError(t, err)
	h, err := DecodeHeader(f)
	require.NoError(t, err)
	assert.False(t, h.Compressed)
	assert.Equal(t, len(payload), h.Len)
}

func TestBatchFrame(t *testing.T) {
	enc := NewEncoder()
	items := []BatchItem{{API: 1, Payload: []byte("a")}, {API: 2}, {API: 3, Payload: []byte("ccc")}}
	f, err := enc.EncodeBatch(items)
	require.NoError(t, err)

	got, n := collect(t, NewParser(), f)
	assert.Equal(t, len(f), n)
	require.Len(t, got, 3)
	assert.Equal(t, msg{1, []byte("a")}, got[0])
	assert.Equal(t, uint16(2), got[1].api)
	assert.Empty(t, got[1].payload)
	assert.Equal(t, msg{3, []byte("ccc")}, got[2])
}

func TestParsePartialFrames(t *testing.T) {
	enc := NewEncoder()
	f, err := enc.EncodeSingle(5, []byte("hello"))
	require.NoError(t, err)

	p := NewParser()
	for cut := 0; cut < len(f); cut++ {
		got, n := collect(t, p, f[:cut])
		assert.Zero(t, n)
		assert.Empty(t, got)
	}
	got, n := collect(t, p, f)
	assert.Equal(t, len(f), n)
	assert.Len(t, got, 1)
}

func TestFrameTooLarge(t *testing.T) {
	big := bytes.Repeat([]byte{1}, 200)
	_, err := NewEncoder(WithMaxPayload(100)).EncodeSingle(1, big)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	f, err := NewEncoder(WithCompressThreshold(0)).EncodeSingle(1, big)
	require.NoError(t, err)
	_, err = NewParser(WithMaxPayload(100)).Parse(f, func(uint16, []byte) error { return nil })
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	// 压缩后很小、解压后超限
	zipped, err := NewEncoder(WithCompressThreshold(1)).EncodeSingle(1, bytes.Repeat([]byte{0}, 1000))
	require.NoError(t, err)
	_, err = NewParser(WithMaxPayload(500)).Parse(zipped, func(uint16, []byte) error { return nil })
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestCallbackErrorStopsParsing(t *testing.T) {
	enc := NewEncoder()
	f1, _ := enc.EncodeSingle(1, []byte("x"))
	f2, _ := enc.EncodeSingle(2, []byte("y"))
	stop := errors.New("stop")
	calls := 0
	n, err := NewParser().Parse(append(f1, f2...), func(uint16, []byte) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Zero(t, n)
	assert.Equal(t, 1, calls)
}
