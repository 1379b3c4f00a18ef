// internal/reader/exchange.go
package reader

import (
	"bytes"
	"fmt"
	"log"

	"github.com/tamzrod/bluetti-bridge/internal/modbus"
)

// AT-command echoes sometimes surface on the notify channel when the
// GATT serial bridge drops into its configuration mode. They signal a
// confused link, not a protocol error.
var atEchoes = [][]byte{
	[]byte("AT+NAME?\r"),
	[]byte("AT+ADV?\r"),
}

type result struct {
	frame []byte
	err   error
}

// exchange is the single-slot request/response correlator. At most one
// command is in flight; the notification callback and the awaiting
// caller are its only two writers, both serialized by mu.
type exchange struct {
	cmd  *modbus.Command
	buf  []byte
	done chan result
}

// install claims the slot for cmd and returns the channel the response
// will be delivered on. Fails when a command is already in flight.
func (e *exchange) install(cmd modbus.Command) (<-chan result, error) {
	if e.cmd != nil {
		return nil, ErrExchangePending
	}
	c := cmd
	e.cmd = &c
	e.buf = nil
	e.done = make(chan result, 1)
	return e.done, nil
}

// clear abandons the slot. A response arriving afterwards is treated
// as unexpected and discarded.
func (e *exchange) clear() {
	e.cmd = nil
	e.buf = nil
	e.done = nil
}

// resolve delivers res and frees the slot. done has capacity 1, so
// this never blocks even if the awaiting caller already gave up.
func (e *exchange) resolve(res result) {
	e.done <- res
	e.clear()
}

// intake consumes one notification chunk. Responses may arrive split
// across several notifications; the buffer accumulates until it
// reaches the command's expected response size or matches the
// exception shape.
func (e *exchange) intake(data []byte) {
	if e.cmd == nil {
		log.Printf("reader: unexpected notification (%d bytes), discarding", len(data))
		return
	}

	for _, echo := range atEchoes {
		if bytes.Equal(data, echo) {
			e.resolve(result{err: fmt.Errorf("%w: got %q notification", ErrBadConnection, data)})
			return
		}
	}

	e.buf = append(e.buf, data...)
	cmd := *e.cmd

	switch {
	case len(e.buf) == cmd.ResponseSize():
		if cmd.IsValidResponse(e.buf) {
			e.resolve(result{frame: e.buf})
		} else {
			e.resolve(result{err: &ChecksumError{Cmd: cmd}})
		}
	case cmd.IsExceptionResponse(e.buf):
		e.resolve(result{err: &ModbusError{Cmd: cmd, Code: cmd.ExceptionCode(e.buf)}})
	}
	// Otherwise keep accumulating.
}
