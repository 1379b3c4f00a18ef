// internal/transport/ble/client.go
package ble

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/tamzrod/bluetti-bridge/internal/transport"
)

// GATT layout of the power station's serial bridge.
var (
	serviceUUID = bluetooth.New16BitUUID(0xFF00)
	notifyUUID  = bluetooth.New16BitUUID(0xFF01)
	writeUUID   = bluetooth.New16BitUUID(0xFF02)
)

// Client implements transport.Transport on top of tinygo bluetooth.
// One Client owns one link to one device, addressed by MAC.
type Client struct {
	address string
	adapter *bluetooth.Adapter

	mu        sync.Mutex
	device    bluetooth.Device
	writeChar bluetooth.DeviceCharacteristic
	notifChar bluetooth.DeviceCharacteristic
	connected bool
	notifying bool
}

// Config is minimal transport config.
type Config struct {
	Address string // device MAC, e.g. "AA:BB:CC:DD:EE:FF"
}

// New creates an unconnected client and enables the default adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("ble: address required")
	}

	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	return &Client{
		address: strings.ToUpper(cfg.Address),
		adapter: adapter,
	}, nil
}

// Connect scans for the configured address, connects and resolves the
// write/notify characteristics. The scan is aborted when ctx expires.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		if err := c.adapter.StopScan(); err != nil {
			log.Printf("ble: stop scan failed (address=%s): %v", c.address, err)
		}
	})
	defer stop()

	var (
		device bluetooth.Device
		found  bool
	)
	err := c.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !strings.EqualFold(result.Address.String(), c.address) {
			return
		}
		var connErr error
		device, connErr = adapter.Connect(result.Address, bluetooth.ConnectionParams{})
		if connErr != nil {
			log.Printf("ble: connect failed (address=%s): %v", c.address, connErr)
			return
		}
		found = true
		adapter.StopScan()
	})
	if err != nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !found {
		return fmt.Errorf("ble: device %s not found: %w", c.address, ctxErr)
	}
	if !found {
		return fmt.Errorf("ble: device %s not found", c.address)
	}

	srvs, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil {
		device.Disconnect()
		return fmt.Errorf("ble: discover services: %w", err)
	}
	if len(srvs) == 0 {
		device.Disconnect()
		return fmt.Errorf("ble: device %s has no serial service", c.address)
	}

	chars, err := srvs[0].DiscoverCharacteristics([]bluetooth.UUID{notifyUUID, writeUUID})
	if err != nil {
		device.Disconnect()
		return fmt.Errorf("ble: discover characteristics: %w", err)
	}

	var haveNotify, haveWrite bool
	for _, ch := range chars {
		switch ch.UUID() {
		case notifyUUID:
			c.notifChar = ch
			haveNotify = true
		case writeUUID:
			c.writeChar = ch
			haveWrite = true
		}
	}
	if !haveNotify || !haveWrite {
		device.Disconnect()
		return fmt.Errorf("ble: device %s is missing serial characteristics", c.address)
	}

	c.device = device
	c.connected = true
	c.notifying = false
	return nil
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false
	c.notifying = false
	return c.device.Disconnect()
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) WriteCharacteristic(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return errors.New("ble: not connected")
	}
	_, err := c.writeChar.WriteWithoutResponse(data)
	if err != nil {
		// A failed write means the link is gone.
		c.connected = false
		return fmt.Errorf("ble: write: %w", err)
	}
	return nil
}

func (c *Client) StartNotify(handler transport.NotificationHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return errors.New("ble: not connected")
	}
	if err := c.notifChar.EnableNotifications(func(buf []byte) {
		// tinygo reuses the buffer between callbacks.
		data := make([]byte, len(buf))
		copy(data, buf)
		handler(data)
	}); err != nil {
		return fmt.Errorf("ble: enable notifications: %w", err)
	}
	c.notifying = true
	return nil
}

func (c *Client) StopNotify() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.notifying {
		return nil
	}
	c.notifying = false
	if err := c.notifChar.EnableNotifications(nil); err != nil {
		return fmt.Errorf("ble: disable notifications: %w", err)
	}
	return nil
}
