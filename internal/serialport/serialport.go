// Package serialport defines the transport the TU58 protocol engine speaks
// over, and a go.bug.st/serial-backed implementation of it.
package serialport

import (
	"io"
	"time"

	goserial "go.bug.st/serial"
)

// Port is the minimal transport internal/tu58proto needs: byte-stream I/O
// plus a read deadline, so tests can substitute an in-memory pipe instead
// of opening a real device.
type Port interface {
	io.Reader
	io.Writer
	io.Closer

	// SetReadTimeout bounds the next Read call; a non-positive duration
	// disables the deadline.
	SetReadTimeout(d time.Duration) error

	// Drain discards any buffered input, used when the protocol engine
	// aborts a transfer and needs a clean slate before re-entering Idle.
	Drain() error
}

// Config mirrors spec.md §6's serial CLI surface.
type Config struct {
	Device   string
	BaudRate int
	StopBits int // 1 or 2
}

// Open opens the named serial device with the given configuration.
func Open(cfg Config) (Port, error) {
	mode := &goserial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   goserial.NoParity,
		StopBits: goserial.OneStopBit,
	}
	if cfg.StopBits == 2 {
		mode.StopBits = goserial.TwoStopBits
	}
	p, err := goserial.Open(cfg.Device, mode)
	if err != nil {
		return nil, err
	}
	return &realPort{Port: p}, nil
}

type realPort struct {
	goserial.Port
}

func (p *realPort) SetReadTimeout(d time.Duration) error {
	if d <= 0 {
		return p.Port.SetReadTimeout(goserial.NoTimeout)
	}
	return p.Port.SetReadTimeout(d)
}

func (p *realPort) Drain() error {
	return p.Port.ResetInputBuffer()
}
