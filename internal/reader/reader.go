// internal/reader/reader.go
package reader

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/tamzrod/bluetti-bridge/internal/device"
	"github.com/tamzrod/bluetti-bridge/internal/modbus"
	"github.com/tamzrod/bluetti-bridge/internal/transport"
)

// Config is the reader's runtime tuning. Zero fields are filled with
// defaults by New. The settle delays are empirical device timing
// constants, kept configurable rather than baked into control flow.
type Config struct {
	PersistentConn bool

	PollTimeout    time.Duration // whole poll cycle envelope
	CommandTimeout time.Duration // single send/await exchange
	WriteTimeout   time.Duration // whole write cycle envelope

	MaxRetries   int           // connect attempts per cycle
	RetryBackoff time.Duration // delay between intermediate attempts

	PackSettle  time.Duration // wait after a pack-select write
	WriteSettle time.Duration // wait after a control write
}

const (
	defaultPollTimeout    = 45 * time.Second
	defaultCommandTimeout = 5 * time.Second
	defaultWriteTimeout   = 15 * time.Second
	defaultMaxRetries     = 5
	defaultRetryBackoff   = 2 * time.Second
	defaultSettle         = 5 * time.Second
)

// Reader drives one power station over one BLE transport. All device
// access — poll cycles and control writes — is serialized by a single
// reader-wide mutex, because the notify channel cannot attribute
// interleaved responses.
type Reader struct {
	tr      transport.Transport
	profile *device.Profile
	cfg     Config

	// mu is the access serializer: one poll or write cycle at a time.
	mu sync.Mutex

	// exchMu guards the pending exchange only. The notification
	// callback runs while mu is held by the cycle, so it needs its
	// own lock.
	exchMu sync.Mutex
	exch   exchange

	notifying bool
}

// New creates a reader. cfg zero values become defaults.
func New(tr transport.Transport, profile *device.Profile, cfg Config) *Reader {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.PackSettle <= 0 {
		cfg.PackSettle = defaultSettle
	}
	if cfg.WriteSettle <= 0 {
		cfg.WriteSettle = defaultSettle
	}
	return &Reader{tr: tr, profile: profile, cfg: cfg}
}

// HandleNotification is the transport-facing notification intake.
// Wire it as the transport's notification handler.
func (r *Reader) HandleNotification(data []byte) {
	r.exchMu.Lock()
	defer r.exchMu.Unlock()
	r.exch.intake(data)
}

// Poll runs one full poll cycle and returns the merged field map.
//
// Individual command failures (timeout, checksum, device exception,
// confused link) are logged and their fields omitted; the map is still
// returned. Connect failures and the overall timeout are fatal: no
// map is returned at all. filter, when non-nil, replaces the main
// command list and disables pack polling.
func (r *Reader) Poll(ctx context.Context, filter []modbus.Command) (device.FieldMap, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.PollTimeout)
	defer cancel()

	defer r.teardown(false)

	if err := r.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if err := r.ensureNotifying(); err != nil {
		return nil, err
	}

	commands := r.profile.PollingCommands
	packPolling := len(r.profile.PackCommands) > 0
	if filter != nil {
		commands = filter
		packPolling = false
	}

	fields := device.FieldMap{}

	for _, cmd := range commands {
		if err := r.pollCommand(ctx, cmd, fields, 0); err != nil {
			return nil, err
		}
	}

	if packPolling {
		if err := r.pollPacks(ctx, fields); err != nil {
			return nil, err
		}
	}

	return fields, nil
}

// pollPacks iterates pack indices: select the pack, wait for the
// device to settle, then read the pack-scoped commands.
func (r *Reader) pollPacks(ctx context.Context, fields device.FieldMap) error {
	for pack := 1; pack <= r.profile.PackNumMax; pack++ {
		sel, ok := r.profile.SetterCommand("pack_num", uint16(pack))
		if !ok {
			log.Printf("reader: model %s has pack commands but no pack_num setter", r.profile.Model)
			return nil
		}
		if _, err := r.sendAndAwait(ctx, sel); err != nil {
			if fatal := pollAborted(ctx); fatal != nil {
				return fatal
			}
			log.Printf("reader: pack select failed (pack=%d): %v", pack, err)
		}

		// Pack-scoped registers lag behind the select write.
		if err := sleepCtx(ctx, r.cfg.PackSettle); err != nil {
			return fmt.Errorf("reader: poll aborted: %w", err)
		}

		for _, cmd := range r.profile.PackCommands {
			if err := r.pollCommand(ctx, cmd, fields, pack); err != nil {
				return err
			}
		}
	}
	return nil
}

// pollCommand runs one exchange and merges its decoded fields. pack 0
// means a main-device command; pack >= 1 validates the echoed pack
// number and suffixes keys with the pack index. Only cycle-fatal
// conditions return an error.
func (r *Reader) pollCommand(ctx context.Context, cmd modbus.Command, into device.FieldMap, pack int) error {
	frame, err := r.sendAndAwait(ctx, cmd)
	if err != nil {
		if fatal := pollAborted(ctx); fatal != nil {
			return fatal
		}
		log.Printf("reader: command failed (%s): %v", cmd, err)
		return nil
	}

	parsed := r.profile.Parse(cmd.Address, cmd.Payload(frame))

	if pack == 0 {
		for k, v := range parsed {
			into[k] = v
		}
		return nil
	}

	// A stale block from the previously selected pack still decodes
	// cleanly; the echoed pack number is the only tell.
	num, ok := parsed["pack_num"].(int)
	if !ok || num != pack {
		log.Printf("reader: pack_num %v does not match expected %d, dropping block", parsed["pack_num"], pack)
		return nil
	}
	suffix := strconv.Itoa(pack)
	for k, v := range parsed {
		into[k+suffix] = v
	}
	return nil
}

// sendAndAwait installs the pending exchange, writes the frame and
// waits for the correlated response, the command timeout or ctx.
func (r *Reader) sendAndAwait(ctx context.Context, cmd modbus.Command) ([]byte, error) {
	r.exchMu.Lock()
	done, err := r.exch.install(cmd)
	r.exchMu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := r.tr.WriteCharacteristic(cmd.Bytes()); err != nil {
		r.clearExchange()
		return nil, err
	}

	timer := time.NewTimer(r.cfg.CommandTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.frame, res.err
	case <-ctx.Done():
		if res, ok := r.takeResolved(done); ok {
			return res.frame, res.err
		}
		return nil, ctx.Err()
	case <-timer.C:
		if res, ok := r.takeResolved(done); ok {
			return res.frame, res.err
		}
		return nil, fmt.Errorf("%w (%s)", ErrCommandTimeout, cmd)
	}
}

// takeResolved handles the race between a timeout firing and the
// response landing: prefer the response if it is already there,
// otherwise abandon the slot.
func (r *Reader) takeResolved(done <-chan result) (result, bool) {
	r.exchMu.Lock()
	defer r.exchMu.Unlock()
	select {
	case res := <-done:
		return res, true
	default:
		r.exch.clear()
		return result{}, false
	}
}

func (r *Reader) clearExchange() {
	r.exchMu.Lock()
	r.exch.clear()
	r.exchMu.Unlock()
}

// ensureConnected brings the transport up, retrying up to MaxRetries
// times. A failure on the first attempt or on the last attempt ends
// the cycle immediately; only intermediate failures back off and
// retry (see DESIGN.md on the retry policy).
func (r *Reader) ensureConnected(ctx context.Context) error {
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		if r.tr.IsConnected() {
			return nil
		}
		err := r.tr.Connect(ctx)
		if err == nil {
			// A fresh link needs a fresh notify subscription.
			r.notifying = false
			return nil
		}
		if attempt == 1 || attempt == r.cfg.MaxRetries {
			return &ConnectError{Attempt: attempt, Err: err}
		}
		log.Printf("reader: connect unsuccessful (attempt %d): %v, retrying", attempt, err)
		if serr := sleepCtx(ctx, r.cfg.RetryBackoff); serr != nil {
			return &ConnectError{Attempt: attempt, Err: serr}
		}
	}
	return nil
}

// ensureNotifying subscribes the notification intake exactly once per
// connected session.
func (r *Reader) ensureNotifying() error {
	if r.notifying {
		return nil
	}
	if err := r.tr.StartNotify(r.HandleNotification); err != nil {
		return fmt.Errorf("reader: subscribe notifications: %w", err)
	}
	r.notifying = true
	return nil
}

// teardown runs on every exit path of a poll or write cycle. In
// persistent-connection mode the link survives unless force is set.
func (r *Reader) teardown(force bool) {
	if r.cfg.PersistentConn && !force {
		return
	}
	if r.notifying {
		if err := r.tr.StopNotify(); err != nil {
			log.Printf("reader: unsubscribe failed: %v", err)
		}
		r.notifying = false
	}
	if err := r.tr.Disconnect(); err != nil {
		log.Printf("reader: disconnect failed: %v", err)
	}
}

// Close force-tears the connection down regardless of persistence.
func (r *Reader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardown(true)
}

// Write sends one control command. Fire-and-forget: the protocol
// offers no useful acknowledgement, the next poll confirms the
// effect. The settle delay keeps an immediate readback from resetting
// the register.
func (r *Reader) Write(ctx context.Context, cmd modbus.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	defer r.teardown(false)

	if err := r.ensureConnected(ctx); err != nil {
		return err
	}
	if err := r.tr.WriteCharacteristic(cmd.Bytes()); err != nil {
		return fmt.Errorf("reader: write %s: %w", cmd, err)
	}
	if err := sleepCtx(ctx, r.cfg.WriteSettle); err != nil {
		return fmt.Errorf("reader: write aborted: %w", err)
	}
	return nil
}

// pollAborted distinguishes a cycle-fatal abort (overall timeout or
// cancellation) from a per-command failure.
func pollAborted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("reader: poll aborted: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
