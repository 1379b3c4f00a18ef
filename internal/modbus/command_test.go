// internal/modbus/command_test.go
package modbus

import (
	"bytes"
	"testing"
)

func TestReadFrame_KnownVector(t *testing.T) {
	// Reference frame from the Modbus spec examples.
	cmd := NewReadHoldingRegisters(0, 1)

	want := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A}
	if got := cmd.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("Bytes() = % x, want % x", got, want)
	}
}

func TestWriteFrame(t *testing.T) {
	cmd := NewWriteSingleRegister(3006, 2)

	got := cmd.Bytes()
	if len(got) != 8 {
		t.Fatalf("frame length = %d, want 8", len(got))
	}
	if got[1] != 0x06 {
		t.Fatalf("function = 0x%02x, want 0x06", got[1])
	}
	if !cmd.IsValidResponse(got) {
		t.Fatalf("request frame should carry a valid CRC")
	}
	if cmd.ResponseSize() != 8 {
		t.Fatalf("ResponseSize() = %d, want 8 (echoed request)", cmd.ResponseSize())
	}
}

func TestResponseSize_Read(t *testing.T) {
	cmd := NewReadHoldingRegisters(10, 40)
	if got := cmd.ResponseSize(); got != 85 {
		t.Fatalf("ResponseSize() = %d, want 85", got)
	}
}

func buildResponse(cmd Command, regs []uint16) []byte {
	buf := []byte{0x01, uint8(cmd.Function), byte(len(regs) * 2)}
	for _, r := range regs {
		buf = append(buf, byte(r>>8), byte(r))
	}
	crc := CRC16(buf)
	return append(buf, byte(crc), byte(crc>>8))
}

func TestIsValidResponse(t *testing.T) {
	cmd := NewReadHoldingRegisters(0, 2)
	resp := buildResponse(cmd, []uint16{0x1234, 0x5678})

	if len(resp) != cmd.ResponseSize() {
		t.Fatalf("test response length = %d, want %d", len(resp), cmd.ResponseSize())
	}
	if !cmd.IsValidResponse(resp) {
		t.Fatalf("expected valid CRC")
	}

	resp[4] ^= 0xFF // corrupt a payload byte
	if cmd.IsValidResponse(resp) {
		t.Fatalf("expected CRC failure on corrupted frame")
	}
}

func TestPayload(t *testing.T) {
	cmd := NewReadHoldingRegisters(0, 2)
	resp := buildResponse(cmd, []uint16{0x00AB, 0x00CD})

	want := []byte{0x00, 0xAB, 0x00, 0xCD}
	if got := cmd.Payload(resp); !bytes.Equal(got, want) {
		t.Fatalf("Payload() = % x, want % x", got, want)
	}
}

func TestExceptionResponse(t *testing.T) {
	cmd := NewReadHoldingRegisters(0, 1)

	// Reference exception frame: illegal data address.
	exc := []byte{0x01, 0x83, 0x02, 0xC0, 0xF1}

	if !cmd.IsExceptionResponse(exc) {
		t.Fatalf("expected exception response to be recognised")
	}
	if code := cmd.ExceptionCode(exc); code != 2 {
		t.Fatalf("ExceptionCode() = %d, want 2", code)
	}

	// A normal complete response must not be classed as an exception.
	resp := buildResponse(cmd, []uint16{42})
	if cmd.IsExceptionResponse(resp) {
		t.Fatalf("normal response misclassified as exception")
	}

	// Wrong function code is not our exception.
	other := []byte{0x01, 0x86, 0x02, 0x00, 0x00}
	if cmd.IsExceptionResponse(other) {
		t.Fatalf("write exception misclassified for a read command")
	}
}
