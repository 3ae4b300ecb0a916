// Package cid derives the wire identifiers used throughout the substrate:
// the 64-bit cell_id hashed from a cell name, and short identifiers used
// as temp-file suffixes by the Raft WAL and metadata writes, router
// descriptor writes and the handshake identity file.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cid

import (
	"encoding/binary"
	"sync"

	"github.com/teris-io/shortid"
	"golang.org/x/crypto/blake2s"
)

// uuidABC is the alphabet used for generated short IDs.
const uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var (
	sidOnce sync.Once
	sid     *shortid.Shortid
)

func shortIDGen() *shortid.Shortid {
	sidOnce.Do(func() {
		sid = shortid.MustNew(4, uuidABC, 1)
	})
	return sid
}

// Digest computes the BLAKE2s-256 digest of s and returns the first 8 bytes
// interpreted little-endian. Used both for a cell name's cell_id and for a
// cell class string's capability digest in pheromone gossip.
func Digest(s string) uint64 {
	sum := blake2s.Sum256([]byte(s))
	return binary.LittleEndian.Uint64(sum[:8])
}

// CellID hashes a cell name into its organism-wide numeric identifier.
func CellID(cellName string) uint64 { return Digest(cellName) }

// ClassDigest hashes a cell class string for pheromone capability gossip.
func ClassDigest(class string) uint64 { return Digest(class) }

// HexID renders a cell_id as the lowercase 16-hex-digit form used in
// `routers/<hex16>.router` file names.
func HexID(id uint64) string {
	const hexdigits = "0123456789abcdef"
	b := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		b[i] = hexdigits[id&0xf]
		id >>= 4
	}
	return string(b)
}

// GenUUID returns a short, collision-resistant identifier, used as the
// temp-file suffix for atomic writes of the Raft WAL and its metadata, of
// router descriptors and of the handshake identity file.
func GenUUID() string { return shortIDGen().MustGenerate() }
