package handshake

import (
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/cellhost/substrate/cellsys/cerr"
	"github.com/cellhost/substrate/vesicle"
)

// Session is the transport-encryption state left over once a handshake
// completes: one AEAD key per direction, each with its own strictly
// increasing nonce counter. Frames on a single connection are observed in
// order (the transport package serializes fire calls per connection), so a
// gap or repeat in the peer's nonce counter is always a sign of
// desynchronization or a replay rather than legitimate reordering.
type Session struct {
	sendAEAD cipherAEAD
	recvAEAD cipherAEAD

	sendSeq atomic.Uint64
	recvSeq atomic.Uint64
	recvMu  sync.Mutex // serializes decrypt + sequence check

	PeerPublicKey [32]byte
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

func newSession(sendKey, recvKey [32]byte, peer [32]byte) *Session {
	sendAEAD, _ := chacha20poly1305.New(sendKey[:])
	recvAEAD, _ := chacha20poly1305.New(recvKey[:])
	return &Session{sendAEAD: sendAEAD, recvAEAD: recvAEAD, PeerPublicKey: peer}
}

func seqNonce(seq uint64) []byte {
	var n [chacha20poly1305.NonceSize]byte
	for i := 0; i < 8; i++ {
		n[4+i] = byte(seq >> (8 * (7 - i)))
	}
	return n[:]
}

// WriteEncrypted seals plaintext (a fully-framed vesicle: length prefix,
// header, channel tag, payload) under the session's send key and writes the
// resulting ciphertext, itself length-prefixed, to w.
func (s *Session) WriteEncrypted(w io.Writer, plaintext []byte) error {
	seq := s.sendSeq.Add(1) - 1
	ct := s.sendAEAD.Seal(nil, seqNonce(seq), plaintext, nil)
	var lb [4]byte
	n := uint32(len(ct))
	lb[0], lb[1], lb[2], lb[3] = byte(n), byte(n>>8), byte(n>>16), byte(n>>24)
	if _, err := w.Write(lb[:]); err != nil {
		return err
	}
	_, err := w.Write(ct)
	return err
}

// ReadEncryptedFrame reads one length-prefixed ciphertext from r, opens it
// under the session's receive key enforcing strict sequence order, and
// parses the resulting plaintext as a vesicle frame.
func (s *Session) ReadEncryptedFrame(r io.Reader, maxFrame uint32) (vesicle.Vesicle, error) {
	var lb [4]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return vesicle.Vesicle{}, err
	}
	n := uint32(lb[0]) | uint32(lb[1])<<8 | uint32(lb[2])<<16 | uint32(lb[3])<<24
	if n == 0 || n > maxFrame+uint32(chacha20poly1305.Overhead)+64 {
		return vesicle.Vesicle{}, cerr.New(cerr.Corruption, "encrypted frame length %d out of bounds", n)
	}
	ct := make([]byte, n)
	if _, err := io.ReadFull(r, ct); err != nil {
		return vesicle.Vesicle{}, err
	}

	s.recvMu.Lock()
	seq := s.recvSeq.Load()
	pt, err := s.recvAEAD.Open(nil, seqNonce(seq), ct, nil)
	if err != nil {
		s.recvMu.Unlock()
		return vesicle.Vesicle{}, cerr.Wrap(cerr.Corruption, err, "session: decrypt failed (sequence %d)", seq)
	}
	s.recvSeq.Store(seq + 1)
	s.recvMu.Unlock()

	return vesicle.ReadFrame(&byteReader{b: pt}, maxFrame)
}

// byteReader adapts an in-memory plaintext buffer to io.Reader for
// vesicle.ReadFrame without pulling in bytes.Reader's seek machinery.
type byteReader struct{ b []byte }

func (r *byteReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}
