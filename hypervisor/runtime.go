package hypervisor

import (
	"fmt"
	"os"
	"os/exec"
)

// ErrUnknownBinary is the denial cause when no binary is registered for a
// cell name.
var ErrUnknownBinary = fmt.Errorf("hypervisor: unknown cell binary")

// RuntimePolicy produces the *exec.Cmd that will run cellName with the
// already-bound listener passed as its first extra file descriptor
// (FD 3 in the child). Swappable strategies: a raw executable invocation
// with environment-injected paths (Direct), or a container invocation
// (read-only root, mounted resolver directory, user mapped to caller, no
// network) — sandboxing is a pluggable concern, not part of the core
// contract.
type RuntimePolicy interface {
	Command(cellName string, config []byte, listener *os.File) (*exec.Cmd, error)
}

// Direct is the simplest RuntimePolicy: look cellName up in a static
// binary registry and exec it directly, passing config on an environment
// variable and the listener as an inherited file descriptor. The spawned
// process binds no new listener itself — the Hypervisor already bound and
// is handing off a live socket, so the first connection the child accepts
// belongs to a fully initialized cell without requiring a second exec.
type Direct struct {
	Binaries map[string]string // cell_name -> executable path
}

func (d Direct) Command(cellName string, config []byte, listener *os.File) (*exec.Cmd, error) {
	path, ok := d.Binaries[cellName]
	if !ok {
		return nil, ErrUnknownBinary
	}
	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(), "CELL_NAME="+cellName)
	if len(config) > 0 {
		cmd.Env = append(cmd.Env, "CELL_CONFIG="+string(config))
	}
	cmd.ExtraFiles = []*os.File{listener}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd, nil
}
