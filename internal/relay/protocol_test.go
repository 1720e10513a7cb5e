package relay

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestWriteReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadFrameOversized(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], MaxFrameSize+1)
	buf.Write(lenBuf[:])

	_, err := ReadFrame(&buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestWriteFrameOversized(t *testing.T) {
	big := make([]byte, MaxFrameSize+1)

	var buf bytes.Buffer
	err := WriteFrame(&buf, big)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len(), "nothing should be written for an oversized frame")
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 10)
	buf.Write(lenBuf[:])
	buf.WriteString("short")

	_, err := ReadFrame(&buf)
	require.Error(t, err)
}

func TestWriteReadResponse(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, StatusOK, []byte("pong")))

	status, payload, err := ReadResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, []byte("pong"), payload)
}

func TestWriteReadResponseError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, StatusError, []byte("bad request")))

	status, payload, err := ReadResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, StatusError, status)
	assert.Equal(t, "bad request", string(payload))
}
