// internal/reader/errors.go
package reader

import (
	"errors"
	"fmt"

	"github.com/tamzrod/bluetti-bridge/internal/modbus"
)

var (
	// ErrExchangePending means a second command was started while one
	// was still awaiting its response. The access mutex makes this a
	// programming error, not an operational condition.
	ErrExchangePending = errors.New("reader: exchange already pending")

	// ErrBadConnection means the notify channel delivered data that
	// only appears when the link is in a confused state.
	ErrBadConnection = errors.New("reader: bad connection")

	// ErrCommandTimeout bounds a single send/await exchange.
	ErrCommandTimeout = errors.New("reader: command response timed out")
)

// ConnectError reports exhausted or aborted connection attempts.
type ConnectError struct {
	Attempt int
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("reader: connect failed (attempt %d): %v", e.Attempt, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ModbusError carries a device-declared exception code.
type ModbusError struct {
	Cmd  modbus.Command
	Code uint8
}

func (e *ModbusError) Error() string {
	return fmt.Sprintf("reader: device exception for %s: code %d", e.Cmd, e.Code)
}

// ErrorCode exposes the exception code for errors.As consumers.
func (e *ModbusError) ErrorCode() uint16 { return uint16(e.Code) }

// ChecksumError marks a complete response that failed CRC validation.
type ChecksumError struct {
	Cmd modbus.Command
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("reader: checksum mismatch for %s", e.Cmd)
}
