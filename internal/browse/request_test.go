package browse

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFrameReadRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := &Request{Handle: uuid.New(), Type: ReqDirpath, Item: "/tmp", Flags: 0}
	require.NoError(t, writeFrame(&buf, req))

	got, err := readRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, req.Handle, got.Handle)
	assert.Equal(t, req.Type, got.Type)
	assert.Equal(t, req.Item, got.Item)
}

func TestReadRequestRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	lenBuf[0] = 0xFF // length field far exceeds maxFrameSize
	buf.Write(lenBuf[:])

	_, err := readRequest(&buf)
	require.Error(t, err)
}

func TestRequestTypeString(t *testing.T) {
	assert.Equal(t, "dirpath", ReqDirpath.String())
	assert.Equal(t, "ipscan", ReqIPScan.String())
	assert.Equal(t, "unknown", RequestType(99).String())
}
