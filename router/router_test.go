package router

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellhost/substrate/vesicle"
)

func TestEncodeForSessionMatchesFrameLayout(t *testing.T) {
	hdr := vesicle.Header{TargetID: 7, SourceID: 9, TTL: 4}
	v := vesicle.Owned(hdr, vesicle.ChanApp, []byte("payload"))

	buf := encodeForSession(v)

	length := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	assert.Equal(t, uint32(vesicle.HeaderSize+1+len("payload")), length)

	got, err := vesicle.ReadFrame(&sliceReader{b: buf}, 0)
	require.NoError(t, err)
	assert.Equal(t, hdr, got.Header)
	assert.Equal(t, uint8(vesicle.ChanApp), got.Channel)
	assert.Equal(t, []byte("payload"), got.Bytes())
}

type sliceReader struct{ b []byte }

func (r *sliceReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}
