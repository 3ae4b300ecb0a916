package resolver

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cellhost/substrate/cellsys/cid"
)

// TransportType enumerates the router descriptor's transport_type byte.
// Unknown values are rejected rather than passed through.
type TransportType uint8

const (
	TransportTCP  TransportType = 1
	TransportQUIC TransportType = 2
	TransportTLS  TransportType = 3
)

func (t TransportType) Valid() bool {
	switch t {
	case TransportTCP, TransportQUIC, TransportTLS:
		return true
	default:
		return false
	}
}

// DescriptorSize is the bit-exact size of a router descriptor file.
const DescriptorSize = 64

// Descriptor is the 64-byte router descriptor file layout:
//
//	pipe_name       : u8[32] (NUL-padded)
//	transport_type  : u8
//	reserved        : u8[31]
type Descriptor struct {
	PipeName      string
	TransportType TransportType
}

func (d Descriptor) Encode() ([]byte, error) {
	if len(d.PipeName) > 32 {
		return nil, fmt.Errorf("resolver: pipe name %q exceeds 32 bytes", d.PipeName)
	}
	b := make([]byte, DescriptorSize)
	copy(b[0:32], d.PipeName)
	b[32] = byte(d.TransportType)
	return b, nil
}

func DecodeDescriptor(b []byte) (Descriptor, error) {
	if len(b) != DescriptorSize {
		return Descriptor{}, fmt.Errorf("resolver: router descriptor must be %d bytes, got %d", DescriptorSize, len(b))
	}
	nul := 32
	for i, c := range b[0:32] {
		if c == 0 {
			nul = i
			break
		}
	}
	tt := TransportType(b[32])
	if !tt.Valid() {
		return Descriptor{}, fmt.Errorf("resolver: unknown transport_type %d", b[32])
	}
	return Descriptor{PipeName: string(b[0:nul]), TransportType: tt}, nil
}

// WriteDescriptor atomically (temp file + rename) publishes a router
// descriptor for cellID under the resolver directory.
func WriteDescriptor(root string, cellID uint64, d Descriptor) error {
	if err := os.MkdirAll(RoutersDir(root), 0o755); err != nil {
		return err
	}
	b, err := d.Encode()
	if err != nil {
		return err
	}
	final := RouterDescPath(root, cellID)
	tmp := final + ".tmp." + cid.GenUUID()
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// ReadDescriptor loads the router descriptor for cellID, if present.
func ReadDescriptor(root string, cellID uint64) (Descriptor, bool, error) {
	b, err := os.ReadFile(RouterDescPath(root, cellID))
	if err != nil {
		if os.IsNotExist(err) {
			return Descriptor{}, false, nil
		}
		return Descriptor{}, false, err
	}
	d, err := DecodeDescriptor(b)
	if err != nil {
		return Descriptor{}, false, err
	}
	return d, true, nil
}

// RemoveDescriptor deletes a published router descriptor, e.g. when the
// router loses its upstream connection or its owning cell exits.
func RemoveDescriptor(root string, cellID uint64) error {
	err := os.Remove(RouterDescPath(root, cellID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// RemoveDescriptorsForSocket removes every router descriptor whose pipe
// name equals pipeHint exactly. The Hypervisor's supervisor calls it with
// the exited cell's name after a child exits; router descriptors carry no
// back-reference to the cell socket (only a pipe name), and this scan is
// the only descriptor removal the supervisor performs.
func RemoveDescriptorsForSocket(root, pipeHint string) error {
	entries, err := os.ReadDir(RoutersDir(root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(RoutersDir(root), e.Name())
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		d, err := DecodeDescriptor(b)
		if err != nil {
			continue
		}
		if d.PipeName == pipeHint {
			os.Remove(p)
		}
	}
	return nil
}
