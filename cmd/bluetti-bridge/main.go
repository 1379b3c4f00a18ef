// cmd/bluetti-bridge/main.go
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tamzrod/bluetti-bridge/internal/bridge"
	"github.com/tamzrod/bluetti-bridge/internal/bridge/mqtt"
	"github.com/tamzrod/bluetti-bridge/internal/config"
	"github.com/tamzrod/bluetti-bridge/internal/device"
	"github.com/tamzrod/bluetti-bridge/internal/reader"
	"github.com/tamzrod/bluetti-bridge/internal/transport/ble"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("usage: bluetti-bridge <config.yaml>")
	}

	cfgPath := os.Args[1]

	// --------------------
	// Load + validate config
	// --------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("config validation failed: %v", err)
	}
	config.Normalize(cfg)

	dev := cfg.Bridge.Device

	// --------------------
	// Build device pipeline
	// --------------------

	profile, err := device.New(dev.Model)
	if err != nil {
		log.Fatalf("device profile failed: %v", err)
	}

	tr, err := ble.New(ble.Config{Address: dev.Address})
	if err != nil {
		log.Fatalf("transport build failed (address=%s): %v", dev.Address, err)
	}

	rd := reader.New(tr, profile, readerConfig(dev))
	defer rd.Close()

	mq, err := mqtt.New(mqtt.Config{
		Broker:   cfg.Bridge.MQTT.Broker,
		ClientID: cfg.Bridge.MQTT.ClientID,
		Username: cfg.Bridge.MQTT.Username,
		Password: cfg.Bridge.MQTT.Password,
	})
	if err != nil {
		log.Fatalf("mqtt connect failed: %v", err)
	}
	defer mq.Close()

	br := bridge.New(mq, profile, rd, cfg.Bridge.MQTT.TopicPrefix)
	if err := br.SubscribeCommands(); err != nil {
		log.Fatalf("command subscribe failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --------------------
	// Poll loop (1 device, ticker-driven, no overlap)
	// --------------------

	interval := time.Duration(dev.PollIntervalMs) * time.Millisecond
	log.Printf("polling %s (model=%s) every %v", dev.Address, dev.Model, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var status bridge.Status

	for {
		runCycle(ctx, rd, br, &status)

		select {
		case <-ctx.Done():
			log.Printf("shutting down")
			_ = br.PublishAvailability(false)
			return
		case <-ticker.C:
		}
	}
}

func runCycle(ctx context.Context, rd *reader.Reader, br *bridge.Bridge, status *bridge.Status) {
	fields, err := rd.Poll(ctx, nil)

	health, changed := status.Update(err)

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("poll failed (consecutive=%d): %v", status.Failures(), err)
		}
		if changed && health == bridge.HealthError {
			if perr := br.PublishAvailability(false); perr != nil {
				log.Printf("availability publish failed: %v", perr)
			}
		}
		return
	}

	if changed {
		if perr := br.PublishAvailability(true); perr != nil {
			log.Printf("availability publish failed: %v", perr)
		}
	}

	log.Printf("poll ok (%d fields)", len(fields))
	if perr := br.PublishFields(fields); perr != nil {
		log.Printf("field publish failed: %v", perr)
	}
}

func readerConfig(dev config.DeviceConfig) reader.Config {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return reader.Config{
		PersistentConn: dev.PersistentConnection,
		PollTimeout:    ms(dev.PollTimeoutMs),
		CommandTimeout: ms(dev.CommandTimeoutMs),
		WriteTimeout:   ms(dev.WriteTimeoutMs),
		MaxRetries:     dev.MaxRetries,
		RetryBackoff:   ms(dev.RetryBackoffMs),
		PackSettle:     ms(dev.PackSettleMs),
		WriteSettle:    ms(dev.WriteSettleMs),
	}
}
