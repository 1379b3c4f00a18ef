// internal/modbus/command.go
package modbus

import (
	"encoding/binary"
	"fmt"
)

// Function is a Modbus function code.
type Function uint8

const (
	FuncReadHoldingRegisters Function = 0x03
	FuncWriteSingleRegister  Function = 0x06
)

// deviceAddr is fixed for the BLE bridge: the power station always
// answers as unit 1 behind its GATT serial bridge.
const deviceAddr uint8 = 0x01

// exceptionFlag is OR-ed into the echoed function code of an
// exception response.
const exceptionFlag uint8 = 0x80

// exceptionSize is the total length of an exception frame:
// addr + fc + code + crc(2).
const exceptionSize = 5

// Command is one immutable request frame.
// Reads carry a register count, writes carry the register value.
type Command struct {
	Function Function
	Address  uint16
	arg      uint16
}

// NewReadHoldingRegisters builds a read of count registers starting at addr.
func NewReadHoldingRegisters(addr, count uint16) Command {
	return Command{Function: FuncReadHoldingRegisters, Address: addr, arg: count}
}

// NewWriteSingleRegister builds a single-register write of value to addr.
func NewWriteSingleRegister(addr, value uint16) Command {
	return Command{Function: FuncWriteSingleRegister, Address: addr, arg: value}
}

// Count returns the register count of a read command.
func (c Command) Count() uint16 { return c.arg }

// Value returns the register value of a write command.
func (c Command) Value() uint16 { return c.arg }

// Bytes returns the full wire frame including the trailing CRC.
func (c Command) Bytes() []byte {
	frame := make([]byte, 8)
	frame[0] = deviceAddr
	frame[1] = uint8(c.Function)
	binary.BigEndian.PutUint16(frame[2:4], c.Address)
	binary.BigEndian.PutUint16(frame[4:6], c.arg)
	crc := CRC16(frame[:6])
	frame[6] = byte(crc)
	frame[7] = byte(crc >> 8)
	return frame
}

// ResponseSize reports how many bytes a complete, non-exception
// response to this command occupies. Notifications are accumulated
// until exactly this many bytes have arrived.
func (c Command) ResponseSize() int {
	if c.Function == FuncWriteSingleRegister {
		// Write responses echo the request frame.
		return 8
	}
	// addr + fc + byte count + payload + crc(2)
	return 5 + 2*int(c.arg)
}

// IsValidResponse verifies the trailing CRC of a complete response.
func (c Command) IsValidResponse(buf []byte) bool {
	if len(buf) < 4 {
		return false
	}
	want := uint16(buf[len(buf)-2]) | uint16(buf[len(buf)-1])<<8
	return CRC16(buf[:len(buf)-2]) == want
}

// IsExceptionResponse reports whether buf is a device-signalled
// exception frame for this command. Exceptions are shorter than the
// expected response, so they are recognised by shape, not by
// ResponseSize.
func (c Command) IsExceptionResponse(buf []byte) bool {
	if len(buf) != exceptionSize {
		return false
	}
	if buf[1] != uint8(c.Function)|exceptionFlag {
		return false
	}
	return c.IsValidResponse(buf)
}

// ExceptionCode extracts the exception code from an exception frame.
func (c Command) ExceptionCode(buf []byte) uint8 {
	if len(buf) != exceptionSize {
		return 0
	}
	return buf[2]
}

// Payload strips header and CRC from a validated read response,
// returning the raw register bytes.
func (c Command) Payload(buf []byte) []byte {
	if len(buf) < 5 {
		return nil
	}
	return buf[3 : len(buf)-2]
}

func (c Command) String() string {
	if c.Function == FuncWriteSingleRegister {
		return fmt.Sprintf("WriteSingleRegister(addr=%d value=%d)", c.Address, c.arg)
	}
	return fmt.Sprintf("ReadHoldingRegisters(addr=%d count=%d)", c.Address, c.arg)
}
