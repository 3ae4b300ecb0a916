//go:build linux

// Zero-copy upgrade: once a local-socket connection is established between
// two cells on the same host, either side may offer to replace the socket
// fast path with a pair of memory-mapped SPSC rings, one per direction,
// shared via SCM_RIGHTS file-descriptor passing. The upgrade is strictly
// additive — failure at any step simply leaves the connection on its
// socket path, so callers never need to distinguish "ring unavailable"
// from "ring failed".
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cellhost/substrate/cellsys/cerr"
	"github.com/cellhost/substrate/vesicle"
)

// ringSegmentSize is the size of each direction's shared-memory segment:
// a 24-byte header (head, tail, closed, each a uint64) plus a 1 MiB data
// area. That is below the 16 MiB default max frame; push rejects a message
// that does not fit in the free space.
const ringSegmentSize = 24 + 1<<20

const ringHeaderSize = 24

// ringBuf is one direction of a zero-copy channel: a circular byte buffer
// in memory shared with the peer process, with head/tail cursors living in
// the same mapping so both sides observe each other's progress without a
// syscall.
type ringBuf struct {
	mem  []byte
	data []byte
	head *atomic.Uint64 // consumer position
	tail *atomic.Uint64 // producer position
	done *atomic.Uint64 // nonzero once either side has closed the ring
}

func newRingBuf(mem []byte) *ringBuf {
	return &ringBuf{
		mem:  mem,
		data: mem[ringHeaderSize:],
		head: (*atomic.Uint64)(unsafe.Pointer(&mem[0])),
		tail: (*atomic.Uint64)(unsafe.Pointer(&mem[8])),
		done: (*atomic.Uint64)(unsafe.Pointer(&mem[16])),
	}
}

func (r *ringBuf) cap() uint64 { return uint64(len(r.data)) }

// push writes a length-prefixed message; it never blocks, returning an
// error instead if the ring does not have room. Message framing is
// `u32 length le || payload`, wrapped at capacity.
func (r *ringBuf) push(payload []byte) error {
	need := uint64(4 + len(payload))
	if need > r.cap() {
		return fmt.Errorf("transport: ring message (%d bytes) exceeds segment capacity", len(payload))
	}
	head := r.head.Load()
	tail := r.tail.Load()
	if tail-head+need > r.cap() {
		return fmt.Errorf("transport: ring full")
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	r.writeAt(tail, lenBuf[:])
	r.writeAt(tail+4, payload)
	r.tail.Store(tail + need)
	return nil
}

func (r *ringBuf) writeAt(pos uint64, b []byte) {
	cap := r.cap()
	off := pos % cap
	n := copy(r.data[off:], b)
	if n < len(b) {
		copy(r.data, b[n:])
	}
}

func (r *ringBuf) readAt(pos uint64, n int) []byte {
	cap := r.cap()
	off := pos % cap
	out := make([]byte, n)
	k := copy(out, r.data[off:])
	if k < n {
		copy(out[k:], r.data)
	}
	return out
}

// pop reads one message if available, polling until ctx is done. The
// returned slice is a fresh copy: the ring's backing memory is reused as
// soon as head advances, so callers never hold a borrowed view into it.
func (r *ringBuf) pop(ctx context.Context) ([]byte, error) {
	const pollInterval = 50 * time.Microsecond
	for {
		head := r.head.Load()
		tail := r.tail.Load()
		if tail != head {
			lenBuf := r.readAt(head, 4)
			n := int(binary.LittleEndian.Uint32(lenBuf))
			payload := r.readAt(head+4, n)
			r.head.Store(head + 4 + uint64(n))
			return payload, nil
		}
		if r.done.Load() != 0 {
			return nil, fmt.Errorf("transport: ring closed")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (r *ringBuf) close() { r.done.Store(1) }

// shmRing is the pair of rings backing one upgraded Connection: tx is the
// segment this side writes and the peer reads, rx the reverse.
type shmRing struct {
	tx, rx   *ringBuf
	closed   atomic.Bool
}

func (s *shmRing) usable() bool { return s != nil && !s.closed.Load() }

func (s *shmRing) send(payload []byte) error {
	if !s.usable() {
		return fmt.Errorf("transport: ring not usable")
	}
	return s.tx.push(payload)
}

func (s *shmRing) recv(ctx context.Context) ([]byte, func(), error) {
	if !s.usable() {
		return nil, nil, fmt.Errorf("transport: ring not usable")
	}
	b, err := s.rx.pop(ctx)
	if err != nil {
		return nil, nil, err
	}
	return b, nil, nil
}

func (s *shmRing) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.tx.close()
	s.rx.close()
	unix.Munmap(s.tx.mem)
	unix.Munmap(s.rx.mem)
}

// createRingSegment allocates an anonymous, shareable memory segment via
// memfd_create and maps it into this process.
func createRingSegment() (fd int, mem []byte, err error) {
	fd, err = unix.MemfdCreate("cell-ring", 0)
	if err != nil {
		return -1, nil, err
	}
	if err := unix.Ftruncate(fd, ringSegmentSize); err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	mem, err = unix.Mmap(fd, 0, ringSegmentSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	return fd, mem, nil
}

func mapRingSegment(fd int) ([]byte, error) {
	defer unix.Close(fd)
	return unix.Mmap(fd, 0, ringSegmentSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// sendFDs attaches fds as SCM_RIGHTS ancillary data on a single-byte
// message over uc.
func sendFDs(uc *net.UnixConn, fds []int) error {
	rights := unix.UnixRights(fds...)
	_, _, err := uc.WriteMsgUnix([]byte{0}, rights, nil)
	return err
}

// recvFDs reads one SCM_RIGHTS message and returns exactly want descriptors.
func recvFDs(uc *net.UnixConn, want int) ([]int, error) {
	oob := make([]byte, unix.CmsgSpace(want*4))
	buf := make([]byte, 1)
	_, oobn, _, _, err := uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, err
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		if len(fds) == want {
			return fds, nil
		}
	}
	return nil, fmt.Errorf("transport: expected %d file descriptors in upgrade handshake", want)
}

// initiateRingUpgrade offers a ring upgrade on uc: it allocates both
// segments, hands the corresponding ends to the peer, and returns the local
// view once the peer has acknowledged receipt.
func initiateRingUpgrade(uc *net.UnixConn) (*shmRing, error) {
	txFD, txMem, err := createRingSegment()
	if err != nil {
		return nil, err
	}
	rxFD, rxMem, err := createRingSegment()
	if err != nil {
		unix.Munmap(txMem)
		return nil, err
	}
	// the peer's tx is our rx and vice versa.
	if err := sendFDs(uc, []int{rxFD, txFD}); err != nil {
		unix.Munmap(txMem)
		unix.Munmap(rxMem)
		return nil, cerr.Wrap(cerr.IoError, err, "ring upgrade: sending descriptors")
	}
	unix.Close(txFD)
	unix.Close(rxFD)
	ack := make([]byte, 1)
	if _, err := uc.Read(ack); err != nil {
		unix.Munmap(txMem)
		unix.Munmap(rxMem)
		return nil, cerr.Wrap(cerr.ConnectionReset, err, "ring upgrade: awaiting ack")
	}
	ring := &shmRing{tx: newRingBuf(txMem), rx: newRingBuf(rxMem)}
	return ring, nil
}

// acceptRingUpgrade is the responder side of initiateRingUpgrade, used by
// the local listener when a peer offers an upgrade.
func acceptRingUpgrade(uc *net.UnixConn) (*shmRing, error) {
	fds, err := recvFDs(uc, 2)
	if err != nil {
		return nil, cerr.Wrap(cerr.IoError, err, "ring upgrade: receiving descriptors")
	}
	txMem, err := mapRingSegment(fds[0])
	if err != nil {
		unix.Close(fds[1])
		return nil, err
	}
	rxMem, err := mapRingSegment(fds[1])
	if err != nil {
		unix.Munmap(txMem)
		return nil, err
	}
	if _, err := uc.Write([]byte{1}); err != nil {
		unix.Munmap(txMem)
		unix.Munmap(rxMem)
		return nil, cerr.Wrap(cerr.ConnectionReset, err, "ring upgrade: sending ack")
	}
	return &shmRing{tx: newRingBuf(txMem), rx: newRingBuf(rxMem)}, nil
}

// tryUpgradeLocal offers a ring upgrade on a freshly dialed Unix-domain
// connection, before any application frame has gone out on it: it sends the
// magic request on the OPS channel and, if the peer acknowledges, completes
// the descriptor exchange. Any failure along the way — no ack, an old peer
// that doesn't recognize the magic token, a closed socket — simply yields a
// nil ring, and the caller goes on using the socket exactly as before.
func tryUpgradeLocal(uc *net.UnixConn, maxFrame uint32) *shmRing {
	req := vesicle.Owned(vesicle.Header{}, vesicle.ChanOps, []byte(MagicUpgradeReq))
	if err := vesicle.WriteFrame(uc, req); err != nil {
		return nil
	}
	reply, err := vesicle.ReadFrame(uc, maxFrame)
	if err != nil || reply.Channel != vesicle.ChanOps || string(reply.Bytes()) != MagicUpgradeAck {
		return nil
	}
	ring, err := initiateRingUpgrade(uc)
	if err != nil {
		return nil
	}
	return ring
}

// encodeRingPayload renders v as header‖channel‖payload, the form carried
// inside a single ring message; the ring's own length-prefixed framing
// replaces the 4-byte length prefix a socket frame needs.
func encodeRingPayload(v vesicle.Vesicle) []byte {
	payload := v.Bytes()
	buf := make([]byte, vesicle.HeaderSize+1+len(payload))
	v.Header.Encode(buf[:vesicle.HeaderSize])
	buf[vesicle.HeaderSize] = v.Channel
	copy(buf[vesicle.HeaderSize+1:], payload)
	return buf
}

// decodeRingPayload is the inverse of encodeRingPayload.
func decodeRingPayload(b []byte) (vesicle.Vesicle, error) {
	if len(b) < vesicle.HeaderSize+1 {
		return vesicle.Vesicle{}, &vesicle.FrameError{Reason: "ring message shorter than header"}
	}
	hdr, err := vesicle.DecodeHeader(b[:vesicle.HeaderSize])
	if err != nil {
		return vesicle.Vesicle{}, &vesicle.FrameError{Reason: err.Error()}
	}
	return vesicle.Owned(hdr, b[vesicle.HeaderSize], b[vesicle.HeaderSize+1:]), nil
}
