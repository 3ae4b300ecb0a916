package vesicle

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Channel tags (1 byte)
const (
	ChanApp          uint8 = 0
	ChanConsensus    uint8 = 1
	ChanOps          uint8 = 2
	ChanCoordination uint8 = 3
	ChanRouting      uint8 = 4
)

func ChannelName(ch uint8) string {
	switch ch {
	case ChanApp:
		return "app"
	case ChanConsensus:
		return "consensus"
	case ChanOps:
		return "ops"
	case ChanCoordination:
		return "coordination"
	case ChanRouting:
		return "routing"
	default:
		return fmt.Sprintf("unknown(%d)", ch)
	}
}

// MinFrameLen is the smallest legal value of the wire `length` field:
// header (24) + channel (1).
const MinFrameLen = HeaderSize + 1

// MaxFrameLen is the default upper bound on a frame's `length` field (16 MiB).
const MaxFrameLen = 16 << 20

// FrameError is returned for any malformed frame prefix, the wire code 204
// condition. Callers compare with errors.Is against cerr.Corruption instead of
// this sentinel; it exists so the codec has no import cycle on cerr.
type FrameError struct{ Reason string }

func (e *FrameError) Error() string { return "vesicle: corrupt frame: " + e.Reason }

// WriteFrame serializes v as `u32 length ‖ header(24) ‖ channel(1) ‖ payload`
// and writes it to w in one logical call (callers on a stream socket must
// retry partial writes themselves; WriteFrame buffers so a single Write call
// suffices for in-memory and pipe destinations).
func WriteFrame(w io.Writer, v Vesicle) error {
	payload := v.Bytes()
	length := uint32(HeaderSize + 1 + len(payload))
	buf := make([]byte, 4+length)
	binary.LittleEndian.PutUint32(buf[0:4], length)
	v.Header.Encode(buf[4 : 4+HeaderSize])
	buf[4+HeaderSize] = v.Channel
	copy(buf[4+HeaderSize+1:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one complete frame from r, enforcing the length bounds:
// len < MinFrameLen or len > maxFrameLen is rejected without consuming more
// than the 4-byte length prefix.
func ReadFrame(r io.Reader, maxFrameLen uint32) (Vesicle, error) {
	var lb [4]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return Vesicle{}, err
	}
	length := binary.LittleEndian.Uint32(lb[:])
	if length < MinFrameLen {
		return Vesicle{}, &FrameError{Reason: fmt.Sprintf("length %d below minimum %d", length, MinFrameLen)}
	}
	if maxFrameLen == 0 {
		maxFrameLen = MaxFrameLen
	}
	if length > maxFrameLen {
		return Vesicle{}, &FrameError{Reason: fmt.Sprintf("length %d exceeds max %d", length, maxFrameLen)}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Vesicle{}, err
	}
	hdr, err := DecodeHeader(body[:HeaderSize])
	if err != nil {
		return Vesicle{}, &FrameError{Reason: err.Error()}
	}
	channel := body[HeaderSize]
	payload := body[HeaderSize+1:]
	return Owned(hdr, channel, payload), nil
}
