// Package vesicle provides the cell runtime's payload container and the
// fixed-layout wire header that accompanies every frame on the wire.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package vesicle

import (
	"encoding/binary"
	"fmt"

	"github.com/cellhost/substrate/cellsys/cdebug"
)

// HeaderSize is the fixed, wire-exact size of Header.
const HeaderSize = 24

// Header flag bits (byte 17 of the wire layout).
const (
	FlagFragment uint8 = 1 << 0
	FlagAck      uint8 = 1 << 1
)

// Header is the 24-byte vesicle header, bit-exact on the wire:
//
//	target_id : u64  (LE)
//	source_id : u64  (LE)
//	ttl       : u8
//	flags     : u8
//	reserved  : u8[6] (zeroed)
type Header struct {
	TargetID uint64
	SourceID uint64
	TTL      uint8
	Flags    uint8
}

func (h Header) IsFragment() bool { return h.Flags&FlagFragment != 0 }
func (h Header) IsAck() bool      { return h.Flags&FlagAck != 0 }

// Encode writes the 24-byte header into b, which must be at least HeaderSize long.
func (h Header) Encode(b []byte) {
	cdebug.Assert(len(b) >= HeaderSize)
	binary.LittleEndian.PutUint64(b[0:8], h.TargetID)
	binary.LittleEndian.PutUint64(b[8:16], h.SourceID)
	b[16] = h.TTL
	b[17] = h.Flags
	b[18], b[19], b[20], b[21], b[22], b[23] = 0, 0, 0, 0, 0, 0
}

// DecodeHeader parses the 24-byte header out of b.
func DecodeHeader(b []byte) (h Header, err error) {
	if len(b) < HeaderSize {
		return h, fmt.Errorf("vesicle: short header (%d < %d)", len(b), HeaderSize)
	}
	h.TargetID = binary.LittleEndian.Uint64(b[0:8])
	h.SourceID = binary.LittleEndian.Uint64(b[8:16])
	h.TTL = b[16]
	h.Flags = b[17]
	return h, nil
}

// kind distinguishes how a Vesicle holds its bytes.
type kind int

const (
	kindEmpty kind = iota
	kindOwned
	kindBorrowed
)

// Vesicle is the semantic container for a payload: owned, borrowed, or
// empty. A borrowed vesicle's validity is bounded by the lifetime of the
// underlying receive buffer or ring segment it points into; mutating a
// borrowed vesicle's bytes is undefined and guarded by an assertion in
// debug builds.
type Vesicle struct {
	Header  Header
	Channel uint8

	k        kind
	buf      []byte
	release  func() // for borrowed vesicles backed by a ring segment or pooled buffer
}

// Empty returns an empty vesicle addressed to target, useful for header-only
// control frames (e.g. ACKs, upgrade requests).
func Empty(hdr Header, channel uint8) Vesicle {
	return Vesicle{Header: hdr, Channel: channel, k: kindEmpty}
}

// Owned wraps buf as an owned, mutable payload.
func Owned(hdr Header, channel uint8, buf []byte) Vesicle {
	return Vesicle{Header: hdr, Channel: channel, k: kindOwned, buf: buf}
}

// Borrowed wraps buf as a payload whose backing memory is owned elsewhere;
// release, if non-nil, must be called exactly once when the caller is done
// reading it (e.g. to unlock a ring segment or return a pooled buffer).
func Borrowed(hdr Header, channel uint8, buf []byte, release func()) Vesicle {
	return Vesicle{Header: hdr, Channel: channel, k: kindBorrowed, buf: buf, release: release}
}

func (v Vesicle) IsEmpty() bool    { return v.k == kindEmpty }
func (v Vesicle) IsOwned() bool    { return v.k == kindOwned }
func (v Vesicle) IsBorrowed() bool { return v.k == kindBorrowed }

// Bytes returns the payload. Callers must not retain the slice of a borrowed
// vesicle past Release.
func (v Vesicle) Bytes() []byte { return v.buf }

func (v Vesicle) Len() int { return len(v.buf) }

// Mutate returns a mutable view onto the payload. It is only defined for
// owned vesicles; calling it on a borrowed one is a programming error.
func (v Vesicle) Mutate() []byte {
	cdebug.Assert(v.k != kindBorrowed, "vesicle: mutate of borrowed payload")
	return v.buf
}

// Release returns a borrowed vesicle's backing memory. Safe to call on any
// kind; a no-op unless the vesicle is borrowed with a release func.
func (v Vesicle) Release() {
	if v.k == kindBorrowed && v.release != nil {
		v.release()
	}
}

func (v Vesicle) String() string {
	return fmt.Sprintf("vesicle[target=%x src=%x ch=%d len=%d]", v.Header.TargetID, v.Header.SourceID, v.Channel, len(v.buf))
}
