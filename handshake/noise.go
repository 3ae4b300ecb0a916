// Package handshake implements the mutually-authenticated session
// establishment used whenever a cell talks across a host boundary: a
// three-message, XX-pattern key exchange over Curve25519, with
// ChaCha20-Poly1305 transport encryption and BLAKE2s for the symmetric
// hashing/mixing state, built on golang.org/x/crypto's primitives.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package handshake

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/cellhost/substrate/cellsys/cerr"
)

const protocolName = "cell-substrate-noise-xx-v1"

// KeyPair is a Curve25519 static or ephemeral key pair.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return kp, err
	}
	// clamp per curve25519 convention
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

func dh(priv, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], shared)
	return out, nil
}

// symmetricState is a minimal Noise-style mixing state: a running hash h
// (binds the transcript) and a chaining key ck that keys successive DH
// outputs into the running cipher key, mirroring the roles of Noise's
// SymmetricState without depending on a generic Noise library.
type symmetricState struct {
	h      [32]byte
	ck     [32]byte
	key    [32]byte
	hasKey bool
	nonce  uint64
}

func newSymmetricState() *symmetricState {
	s := &symmetricState{}
	s.h = blake2s.Sum256([]byte(protocolName))
	s.ck = s.h
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	h := append(append([]byte{}, s.h[:]...), data...)
	s.h = blake2s.Sum256(h)
}

func (s *symmetricState) mixKey(ikm [32]byte) {
	tmp := blake2s.Sum256(append(append([]byte{}, s.ck[:]...), ikm[:]...))
	s.ck = blake2s.Sum256(append(append([]byte{}, tmp[:]...), 0x01))
	s.key = blake2s.Sum256(append(append(append([]byte{}, tmp[:]...), s.ck[:]...), 0x02))
	s.hasKey = true
	s.nonce = 0
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	if !s.hasKey {
		s.mixHash(plaintext)
		return plaintext, nil
	}
	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonceBytes(s.nonce), plaintext, s.h[:])
	s.nonce++
	s.mixHash(ct)
	return ct, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if !s.hasKey {
		s.mixHash(ciphertext)
		return ciphertext, nil
	}
	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonceBytes(s.nonce), ciphertext, s.h[:])
	if err != nil {
		return nil, cerr.Wrap(cerr.Corruption, err, "handshake decrypt failed")
	}
	s.nonce++
	s.mixHash(ciphertext)
	return pt, nil
}

func nonceBytes(n uint64) []byte {
	var b [chacha20poly1305.NonceSize]byte
	for i := 0; i < 8; i++ {
		b[4+i] = byte(n >> (8 * (7 - i)))
	}
	return b[:]
}

func split(ck [32]byte) (k1, k2 [32]byte) {
	k1 = blake2s.Sum256(append(append([]byte{}, ck[:]...), 0x01))
	k2 = blake2s.Sum256(append(append([]byte{}, ck[:]...), 0x02))
	return
}

// writeMsg/readMsg abstract the length-prefixed handshake message
// transport so both Client/ServerHandshake work over any io.ReadWriter.
func writeMsg(w io.Writer, b []byte) error {
	var lb [4]byte
	n := uint32(len(b))
	lb[0], lb[1], lb[2], lb[3] = byte(n), byte(n>>8), byte(n>>16), byte(n>>24)
	if _, err := w.Write(lb[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readMsg(r io.Reader) ([]byte, error) {
	var lb [4]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return nil, err
	}
	n := uint32(lb[0]) | uint32(lb[1])<<8 | uint32(lb[2])<<16 | uint32(lb[3])<<24
	if n > 1<<20 {
		return nil, fmt.Errorf("handshake: message too large (%d)", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
