// Package discovery implements the LAN peer-advertisement subsystem: each
// node periodically emits a UDP multicast "pheromone" packet announcing its
// cell, listen port, public key and hardware capabilities, and maintains a
// process-wide peer map built from the pheromones it receives.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package discovery

import (
	"encoding/binary"
	"fmt"
	"math"
)

// magic identifies a discovery packet on the wire: ASCII 'C','E','L','L'.
var magic = [4]byte{'C', 'E', 'L', 'L'}

const packetVersion = 1

// Caps is the 28-byte hardware-capability block piggybacked on every
// pheromone: core count, memory, instruction-set bits, load average and
// thermal headroom, used by a placement collaborator for scheduling
// decisions outside this package's concern.
type Caps struct {
	Cores    uint32
	MemMB    uint64
	ISABits  uint8
	LoadAvg  float32
	TempC_x10 int16
}

func (c Caps) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], c.Cores)
	binary.LittleEndian.PutUint64(b[4:12], c.MemMB)
	b[12] = c.ISABits
	binary.LittleEndian.PutUint32(b[13:17], math.Float32bits(c.LoadAvg))
	binary.LittleEndian.PutUint16(b[17:19], uint16(c.TempC_x10))
	// b[19:28] padding, zeroed
}

func decodeCaps(b []byte) Caps {
	return Caps{
		Cores:     binary.LittleEndian.Uint32(b[0:4]),
		MemMB:     binary.LittleEndian.Uint64(b[4:12]),
		ISABits:   b[12],
		LoadAvg:   math.Float32frombits(binary.LittleEndian.Uint32(b[13:17])),
		TempC_x10: int16(binary.LittleEndian.Uint16(b[17:19])),
	}
}

const capsSize = 28

// Pheromone is the decoded contents of one advertisement packet.
type Pheromone struct {
	Flags      uint8
	ListenPort uint16
	PublicKey  []byte
	CellName   string
	Class      string
	Caps       Caps
}

// FlagDonor marks a node advertising spare capacity willing to accept
// workloads (the is_donor bit).
const FlagDonor uint8 = 1 << 0

func (p Pheromone) IsDonor() bool { return p.Flags&FlagDonor != 0 }

// encode renders p as the little-endian wire packet:
//
//	magic(4) version(1) flags(1) listen_port(u16) public_key_len(u16) public_key
//	name_len(u16) name class_len(u16) class caps(28)
func (p Pheromone) encode() []byte {
	size := 4 + 1 + 1 + 2 + 2 + len(p.PublicKey) + 2 + len(p.CellName) + 2 + len(p.Class) + capsSize
	b := make([]byte, size)
	off := 0
	copy(b[off:off+4], magic[:])
	off += 4
	b[off] = packetVersion
	off++
	b[off] = p.Flags
	off++
	binary.LittleEndian.PutUint16(b[off:off+2], p.ListenPort)
	off += 2
	binary.LittleEndian.PutUint16(b[off:off+2], uint16(len(p.PublicKey)))
	off += 2
	off += copy(b[off:], p.PublicKey)
	binary.LittleEndian.PutUint16(b[off:off+2], uint16(len(p.CellName)))
	off += 2
	off += copy(b[off:], p.CellName)
	binary.LittleEndian.PutUint16(b[off:off+2], uint16(len(p.Class)))
	off += 2
	off += copy(b[off:], p.Class)
	p.Caps.encode(b[off : off+capsSize])
	return b
}

// decodePheromone parses a wire packet; any length or magic mismatch is
// reported as an error so the receive loop can drop it and continue.
func decodePheromone(b []byte) (Pheromone, error) {
	if len(b) < 4+1+1+2+2 {
		return Pheromone{}, fmt.Errorf("discovery: packet too short (%d bytes)", len(b))
	}
	if [4]byte{b[0], b[1], b[2], b[3]} != magic {
		return Pheromone{}, fmt.Errorf("discovery: bad magic")
	}
	off := 4
	version := b[off]
	off++
	if version != packetVersion {
		return Pheromone{}, fmt.Errorf("discovery: unsupported packet version %d", version)
	}
	var p Pheromone
	p.Flags = b[off]
	off++
	p.ListenPort = binary.LittleEndian.Uint16(b[off : off+2])
	off += 2

	keyLen, err := readLen(b, &off)
	if err != nil {
		return Pheromone{}, err
	}
	if off+keyLen > len(b) {
		return Pheromone{}, fmt.Errorf("discovery: truncated public key")
	}
	p.PublicKey = append([]byte(nil), b[off:off+keyLen]...)
	off += keyLen

	nameLen, err := readLen(b, &off)
	if err != nil {
		return Pheromone{}, err
	}
	if off+nameLen > len(b) {
		return Pheromone{}, fmt.Errorf("discovery: truncated cell name")
	}
	p.CellName = string(b[off : off+nameLen])
	off += nameLen

	classLen, err := readLen(b, &off)
	if err != nil {
		return Pheromone{}, err
	}
	if off+classLen > len(b) {
		return Pheromone{}, fmt.Errorf("discovery: truncated class")
	}
	p.Class = string(b[off : off+classLen])
	off += classLen

	if off+capsSize > len(b) {
		return Pheromone{}, fmt.Errorf("discovery: truncated capabilities block")
	}
	p.Caps = decodeCaps(b[off : off+capsSize])
	return p, nil
}

func readLen(b []byte, off *int) (int, error) {
	if *off+2 > len(b) {
		return 0, fmt.Errorf("discovery: truncated length prefix")
	}
	n := int(binary.LittleEndian.Uint16(b[*off : *off+2]))
	*off += 2
	return n, nil
}
