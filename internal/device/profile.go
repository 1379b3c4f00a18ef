// internal/device/profile.go
package device

import (
	"encoding/binary"

	"github.com/tamzrod/bluetti-bridge/internal/modbus"
)

// Kind classifies how a field's registers are decoded.
type Kind uint8

const (
	KindBool Kind = iota
	KindUint
	KindDecimal
	KindEnum
)

// Field maps a register span to a semantic key.
type Field struct {
	Key       string
	Address   uint16
	Registers uint16 // 1 or 2
	Kind      Kind
	Scale     float64           // KindDecimal only
	Enum      map[uint16]string // KindEnum only
}

// FieldMap is one poll cycle's decoded output. Values are bool, int,
// float64 or string depending on the field kind. Pack-scoped keys are
// suffixed with the pack index ("voltage2").
type FieldMap map[string]any

// Profile describes one device model: its read geometry, its battery
// pack layout and its register dictionary.
type Profile struct {
	Model string

	// PollingCommands is the ordered main read sequence.
	PollingCommands []modbus.Command

	// PackCommands are issued once per selected pack. Empty when the
	// model has no selectable packs.
	PackCommands []modbus.Command

	// PackNumMax is the highest pack index (packs count from 1).
	PackNumMax int

	fields  []Field
	setters map[string]uint16
}

// HasField reports whether key is part of this model's dictionary.
func (p *Profile) HasField(key string) bool {
	for _, f := range p.fields {
		if f.Key == key {
			return true
		}
	}
	return false
}

// SetterCommand builds the write command that sets key to value.
// The second return is false when key has no control register.
func (p *Profile) SetterCommand(key string, value uint16) (modbus.Command, bool) {
	addr, ok := p.setters[key]
	if !ok {
		return modbus.Command{}, false
	}
	return modbus.NewWriteSingleRegister(addr, value), true
}

// Parse decodes payload (raw register bytes starting at register
// start) into the fields that fall inside it. Decoding is best
// effort: fields outside the span, truncated fields and unknown enum
// values are skipped.
func (p *Profile) Parse(start uint16, payload []byte) FieldMap {
	out := FieldMap{}
	span := uint16(len(payload) / 2)

	for _, f := range p.fields {
		if f.Address < start || f.Address+f.Registers > start+span {
			continue
		}
		off := int(f.Address-start) * 2

		var raw uint32
		if f.Registers == 2 {
			raw = binary.BigEndian.Uint32(payload[off : off+4])
		} else {
			raw = uint32(binary.BigEndian.Uint16(payload[off : off+2]))
		}

		switch f.Kind {
		case KindBool:
			out[f.Key] = raw != 0
		case KindUint:
			out[f.Key] = int(raw)
		case KindDecimal:
			out[f.Key] = float64(raw) * f.Scale
		case KindEnum:
			name, ok := f.Enum[uint16(raw)]
			if !ok {
				continue
			}
			out[f.Key] = name
		}
	}
	return out
}
