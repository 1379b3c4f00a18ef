// internal/device/models.go
package device

import (
	"fmt"
	"strings"

	"github.com/tamzrod/bluetti-bridge/internal/modbus"
)

// Control registers shared across the model line.
const (
	regPackNum    uint16 = 3006
	regACOutputOn uint16 = 3007
	regDCOutputOn uint16 = 3008
	regEcoOn      uint16 = 3009
)

var chargingModes = map[uint16]string{
	0: "standard",
	1: "silent",
	2: "turbo",
}

var ledModes = map[uint16]string{
	0: "off",
	1: "low",
	2: "high",
	3: "sos",
}

// statusFields covers the main telemetry block at registers 10..49.
var statusFields = []Field{
	{Key: "dc_input_power", Address: 36, Registers: 1, Kind: KindUint},
	{Key: "ac_input_power", Address: 37, Registers: 1, Kind: KindUint},
	{Key: "dc_output_power", Address: 38, Registers: 1, Kind: KindUint},
	{Key: "ac_output_power", Address: 39, Registers: 1, Kind: KindUint},
	{Key: "power_generation", Address: 41, Registers: 2, Kind: KindDecimal, Scale: 0.1},
	{Key: "total_battery_percent", Address: 43, Registers: 1, Kind: KindUint},
	{Key: "total_battery_voltage", Address: 44, Registers: 1, Kind: KindDecimal, Scale: 0.1},
}

// controlFields covers the output/control block at registers 70..90.
var controlFields = []Field{
	{Key: "ac_output_on", Address: 70, Registers: 1, Kind: KindBool},
	{Key: "dc_output_on", Address: 71, Registers: 1, Kind: KindBool},
	{Key: "led_mode", Address: 72, Registers: 1, Kind: KindEnum, Enum: ledModes},
	{Key: "eco_on", Address: 73, Registers: 1, Kind: KindBool},
	{Key: "charging_mode", Address: 74, Registers: 1, Kind: KindEnum, Enum: chargingModes},
}

// packFields covers the pack-scoped block at registers 91..127. The
// block is only meaningful after a pack-select write; pack_num echoes
// which pack the device is actually reporting.
var packFields = []Field{
	{Key: "pack_voltage", Address: 92, Registers: 1, Kind: KindDecimal, Scale: 0.1},
	{Key: "pack_battery_percent", Address: 94, Registers: 1, Kind: KindUint},
	{Key: "pack_num", Address: 96, Registers: 1, Kind: KindUint},
}

var commonSetters = map[string]uint16{
	"pack_num":     regPackNum,
	"ac_output_on": regACOutputOn,
	"dc_output_on": regDCOutputOn,
	"eco_on":       regEcoOn,
}

// New returns the profile for a device model. The model string is the
// advertised name prefix, e.g. "AC300" or "EB3A".
func New(model string) (*Profile, error) {
	switch {
	case strings.HasPrefix(model, "AC300"):
		return &Profile{
			Model: model,
			PollingCommands: []modbus.Command{
				modbus.NewReadHoldingRegisters(10, 40),
				modbus.NewReadHoldingRegisters(70, 21),
			},
			PackCommands: []modbus.Command{
				modbus.NewReadHoldingRegisters(91, 37),
			},
			PackNumMax: 4,
			fields:     concatFields(statusFields, controlFields, packFields),
			setters:    commonSetters,
		}, nil

	case strings.HasPrefix(model, "EB3A"):
		// Single internal pack, no pack selection.
		return &Profile{
			Model: model,
			PollingCommands: []modbus.Command{
				modbus.NewReadHoldingRegisters(10, 40),
				modbus.NewReadHoldingRegisters(70, 21),
			},
			fields:  concatFields(statusFields, controlFields),
			setters: commonSetters,
		}, nil
	}
	return nil, fmt.Errorf("device: unknown model %q", model)
}

func concatFields(groups ...[]Field) []Field {
	var out []Field
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
