// Package dispatch implements the per-channel handler table a cell's
// message loop runs against: decode a vesicle payload, run the handler
// registered for its channel byte, encode the reply back, with a
// panic-recovery boundary so a faulting handler never kills the process.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package dispatch

import (
	"time"

	"github.com/cellhost/substrate/cellsys/cerr"
	"github.com/cellhost/substrate/cellsys/clog"
	"github.com/cellhost/substrate/vesicle"
)

// Handler processes one received payload on a channel and returns the reply
// payload, or an error that the caller encodes as an OPS-channel error
// frame.
type Handler func(payload []byte, deadline time.Time) ([]byte, error)

// Table is the tagged dispatch table keyed by channel byte.
type Table struct {
	handlers [256]Handler
}

func NewTable() *Table { return &Table{} }

func (t *Table) Register(channel uint8, h Handler) { t.handlers[channel] = h }

// Dispatch runs the handler registered for v.Channel, recovering from any
// panic and converting it to IoError so a faulting handler never kills the
// server process. An unknown channel is reported as CapabilityMissing.
func (t *Table) Dispatch(v vesicle.Vesicle, deadline time.Time) (reply []byte, err error) {
	h := t.handlers[v.Channel]
	if h == nil {
		return nil, cerr.New(cerr.CapabilityMissing, "no handler registered for channel %s", vesicle.ChannelName(v.Channel))
	}
	defer func() {
		if r := recover(); r != nil {
			clog.Errorf("dispatch: handler panic on channel %s: %v", vesicle.ChannelName(v.Channel), r)
			reply = nil
			err = cerr.New(cerr.IoError, "handler panic: %v", r)
		}
	}()
	return h(v.Bytes(), deadline)
}
