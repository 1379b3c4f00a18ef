// internal/bridge/bridge.go
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/tamzrod/bluetti-bridge/internal/device"
	"github.com/tamzrod/bluetti-bridge/internal/modbus"
)

// publisher is the exact contract the bridge uses against MQTT.
// IMPORTANT: There must be NO other version of this interface anywhere.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload string) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
}

// deviceWriter is the control path back into the device.
type deviceWriter interface {
	Write(ctx context.Context, cmd modbus.Command) error
}

// Bridge moves polled fields out to MQTT and control commands back in.
// Topic layout:
//
//	<prefix>/state/<key>      retained field values
//	<prefix>/availability     "online" / "offline", retained
//	<prefix>/command/<key>    inbound control writes
type Bridge struct {
	pub     publisher
	profile *device.Profile
	writer  deviceWriter
	prefix  string
}

func New(pub publisher, profile *device.Profile, writer deviceWriter, prefix string) *Bridge {
	return &Bridge{
		pub:     pub,
		profile: profile,
		writer:  writer,
		prefix:  prefix,
	}
}

// PublishFields publishes every field of one poll cycle. Individual
// publish failures are collected; the rest of the map still goes out.
func (b *Bridge) PublishFields(fields device.FieldMap) error {
	var errs []string

	for key, value := range fields {
		topic := b.prefix + "/state/" + key
		if err := b.pub.Publish(topic, 0, true, formatValue(value)); err != nil {
			errs = append(errs, fmt.Sprintf(
				"bridge: publish failed topic=%s err=%v",
				topic, err,
			))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, " | "))
	}
	return nil
}

// PublishAvailability publishes the retained online/offline marker.
func (b *Bridge) PublishAvailability(online bool) error {
	payload := "offline"
	if online {
		payload = "online"
	}
	return b.pub.Publish(b.prefix+"/availability", 0, true, payload)
}

// SubscribeCommands wires inbound control topics to device writes.
func (b *Bridge) SubscribeCommands() error {
	return b.pub.Subscribe(b.prefix+"/command/+", 0, b.handleCommand)
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	key := topic[strings.LastIndex(topic, "/")+1:]

	value, err := parseCommandValue(payload)
	if err != nil {
		log.Printf("bridge: bad command payload (topic=%s): %v", topic, err)
		return
	}

	cmd, ok := b.profile.SetterCommand(key, value)
	if !ok {
		log.Printf("bridge: no control register for %q, ignoring", key)
		return
	}

	log.Printf("bridge: control write %s (key=%s)", cmd, key)
	if err := b.writer.Write(context.Background(), cmd); err != nil {
		log.Printf("bridge: control write failed (key=%s): %v", key, err)
	}
}

// parseCommandValue accepts ON/OFF switches and bare register values.
func parseCommandValue(payload []byte) (uint16, error) {
	s := strings.TrimSpace(string(payload))
	switch strings.ToUpper(s) {
	case "ON", "TRUE":
		return 1, nil
	case "OFF", "FALSE":
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bridge: %q is not a register value", s)
	}
	return uint16(v), nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case bool:
		if x {
			return "ON"
		}
		return "OFF"
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}
