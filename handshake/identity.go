/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package handshake

import (
	"encoding/base64"
	"os"
	"strings"

	"github.com/cellhost/substrate/cellsys/cerr"
	"github.com/cellhost/substrate/cellsys/cid"
)

// identityFileMode matches the private-key-bearing mode the spec requires:
// owner read/write only.
const identityFileMode = 0o600

// EncodeIdentityFile renders id as base64(pub) ":" base64(priv).
func EncodeIdentityFile(id Identity) string {
	return base64.StdEncoding.EncodeToString(id.Public[:]) + ":" + base64.StdEncoding.EncodeToString(id.Private[:])
}

// DecodeIdentityFile parses the base64(pub) ":" base64(priv) format.
func DecodeIdentityFile(s string) (Identity, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return Identity{}, cerr.New(cerr.Corruption, "handshake: malformed identity file")
	}
	pub, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(pub) != 32 {
		return Identity{}, cerr.Wrap(cerr.Corruption, err, "handshake: decoding public key")
	}
	priv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(priv) != 32 {
		return Identity{}, cerr.Wrap(cerr.Corruption, err, "handshake: decoding private key")
	}
	var id Identity
	copy(id.Public[:], pub)
	copy(id.Private[:], priv)
	return id, nil
}

// LoadOrCreateIdentity reads path, or generates and atomically persists a
// fresh Identity if it doesn't exist yet, so a cell's static key survives
// restarts.
func LoadOrCreateIdentity(path string) (Identity, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return DecodeIdentityFile(string(b))
	}
	if !os.IsNotExist(err) {
		return Identity{}, err
	}

	id, err := NewIdentity()
	if err != nil {
		return Identity{}, err
	}
	tmp := path + ".tmp." + cid.GenUUID()
	if err := os.WriteFile(tmp, []byte(EncodeIdentityFile(id)), identityFileMode); err != nil {
		return Identity{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return Identity{}, err
	}
	return id, nil
}
