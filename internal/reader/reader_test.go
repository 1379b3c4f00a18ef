// internal/reader/reader_test.go
package reader

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tamzrod/bluetti-bridge/internal/device"
	"github.com/tamzrod/bluetti-bridge/internal/modbus"
	"github.com/tamzrod/bluetti-bridge/internal/transport"
)

// fakeTransport scripts the device side of the exchange. respond is
// invoked synchronously for every written frame.
type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	connectErr func(call int) error

	connectCalls    int
	disconnectCalls int
	startCalls      int
	stopCalls       int
	writes          [][]byte

	handler transport.NotificationHandler
	respond func(f *fakeTransport, frame []byte)

	selectedPack uint16
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connectCalls++
	call := f.connectCalls
	fn := f.connectErr
	f.mu.Unlock()

	if fn != nil {
		if err := fn(call); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectCalls++
	f.connected = false
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) WriteCharacteristic(data []byte) error {
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	fn := f.respond
	f.mu.Unlock()

	if fn != nil {
		fn(f, data)
	}
	return nil
}

func (f *fakeTransport) StartNotify(handler transport.NotificationHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	f.handler = handler
	return nil
}

func (f *fakeTransport) StopNotify() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.handler = nil
	return nil
}

func (f *fakeTransport) notify(data []byte) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(data)
	}
}

// readResponse builds a complete, CRC-valid response to a read
// command, with explicit register values at selected addresses.
func readResponse(cmd modbus.Command, regs map[uint16]uint16) []byte {
	payload := make([]byte, cmd.Count()*2)
	for addr, v := range regs {
		if addr < cmd.Address || addr >= cmd.Address+cmd.Count() {
			continue
		}
		off := int(addr-cmd.Address) * 2
		payload[off] = byte(v >> 8)
		payload[off+1] = byte(v)
	}
	buf := append([]byte{0x01, 0x03, byte(len(payload))}, payload...)
	crc := modbus.CRC16(buf)
	return append(buf, byte(crc), byte(crc>>8))
}

// answerDevice is the default device script: zeroed main blocks, pack
// block echoing the last selected pack number.
func answerDevice(f *fakeTransport, frame []byte) {
	addr := binary.BigEndian.Uint16(frame[2:4])

	switch frame[1] {
	case 0x06:
		if addr == 3006 {
			f.mu.Lock()
			f.selectedPack = binary.BigEndian.Uint16(frame[4:6])
			f.mu.Unlock()
		}
		// Write responses echo the request frame.
		f.notify(frame)

	case 0x03:
		count := binary.BigEndian.Uint16(frame[4:6])
		cmd := modbus.NewReadHoldingRegisters(addr, count)
		regs := map[uint16]uint16{}
		if addr == 91 {
			f.mu.Lock()
			pack := f.selectedPack
			f.mu.Unlock()
			regs[92] = 531 // pack_voltage 53.1
			regs[94] = 80  // pack_battery_percent
			regs[96] = pack
		} else {
			regs[43] = 57 // total_battery_percent
			regs[70] = 1  // ac_output_on
		}
		f.notify(readResponse(cmd, regs))
	}
}

func testConfig() Config {
	return Config{
		PollTimeout:    5 * time.Second,
		CommandTimeout: time.Second,
		WriteTimeout:   time.Second,
		MaxRetries:     3,
		RetryBackoff:   time.Millisecond,
		PackSettle:     time.Millisecond,
		WriteSettle:    time.Millisecond,
	}
}

func mustProfile(t *testing.T, model string) *device.Profile {
	t.Helper()
	p, err := device.New(model)
	if err != nil {
		t.Fatalf("device.New(%s) err=%v", model, err)
	}
	return p
}

func TestPoll_MergesMainFields(t *testing.T) {
	tr := &fakeTransport{respond: answerDevice}
	r := New(tr, mustProfile(t, "EB3A"), testConfig())

	fields, err := r.Poll(context.Background(), nil)
	if err != nil {
		t.Fatalf("Poll err=%v", err)
	}

	if v, ok := fields["total_battery_percent"].(int); !ok || v != 57 {
		t.Fatalf("total_battery_percent = %v, want 57", fields["total_battery_percent"])
	}
	if v, ok := fields["ac_output_on"].(bool); !ok || !v {
		t.Fatalf("ac_output_on = %v, want true", fields["ac_output_on"])
	}

	// Teardown ran exactly once.
	if tr.stopCalls != 1 || tr.disconnectCalls != 1 {
		t.Fatalf("teardown: stops=%d disconnects=%d, want 1/1", tr.stopCalls, tr.disconnectCalls)
	}
}

func TestPoll_FragmentedResponse(t *testing.T) {
	tr := &fakeTransport{}
	tr.respond = func(f *fakeTransport, frame []byte) {
		addr := binary.BigEndian.Uint16(frame[2:4])
		count := binary.BigEndian.Uint16(frame[4:6])
		resp := readResponse(modbus.NewReadHoldingRegisters(addr, count), map[uint16]uint16{43: 57})
		// Two notification events for one response.
		f.notify(resp[:4])
		f.notify(resp[4:])
	}
	r := New(tr, mustProfile(t, "EB3A"), testConfig())

	filter := []modbus.Command{modbus.NewReadHoldingRegisters(43, 3)}
	fields, err := r.Poll(context.Background(), filter)
	if err != nil {
		t.Fatalf("Poll err=%v", err)
	}
	if v, ok := fields["total_battery_percent"].(int); !ok || v != 57 {
		t.Fatalf("total_battery_percent = %v, want 57", fields["total_battery_percent"])
	}
}

func TestPoll_ChecksumFailureSkipsCommand(t *testing.T) {
	tr := &fakeTransport{}
	tr.respond = func(f *fakeTransport, frame []byte) {
		addr := binary.BigEndian.Uint16(frame[2:4])
		count := binary.BigEndian.Uint16(frame[4:6])
		resp := readResponse(modbus.NewReadHoldingRegisters(addr, count), map[uint16]uint16{43: 57, 70: 1})
		if addr == 10 {
			resp[len(resp)-1] ^= 0xFF // corrupt the CRC of the first block
		}
		f.notify(resp)
	}
	r := New(tr, mustProfile(t, "EB3A"), testConfig())

	fields, err := r.Poll(context.Background(), nil)
	if err != nil {
		t.Fatalf("Poll err=%v", err)
	}

	if _, ok := fields["total_battery_percent"]; ok {
		t.Fatalf("fields from the corrupted block must be absent")
	}
	if v, ok := fields["ac_output_on"].(bool); !ok || !v {
		t.Fatalf("second block should survive the first block's failure, got %v", fields)
	}
}

func TestPoll_PackIteration(t *testing.T) {
	tr := &fakeTransport{respond: answerDevice}
	r := New(tr, mustProfile(t, "AC300"), testConfig())

	fields, err := r.Poll(context.Background(), nil)
	if err != nil {
		t.Fatalf("Poll err=%v", err)
	}

	for pack := 1; pack <= 4; pack++ {
		key := "pack_voltage" + string(rune('0'+pack))
		if v, ok := fields[key].(float64); !ok || v != 53.1 {
			t.Fatalf("%s = %v, want 53.1", key, fields[key])
		}
	}
	if _, ok := fields["pack_voltage"]; ok {
		t.Fatalf("pack fields must be suffixed, found bare pack_voltage")
	}
	if v, ok := fields["pack_num2"].(int); !ok || v != 2 {
		t.Fatalf("pack_num2 = %v, want 2", fields["pack_num2"])
	}
}

func TestPoll_PackMismatchDropped(t *testing.T) {
	tr := &fakeTransport{}
	tr.respond = func(f *fakeTransport, frame []byte) {
		// Device stuck on pack 1: never honours the select write.
		if frame[1] == 0x06 {
			f.notify(frame)
			return
		}
		addr := binary.BigEndian.Uint16(frame[2:4])
		count := binary.BigEndian.Uint16(frame[4:6])
		cmd := modbus.NewReadHoldingRegisters(addr, count)
		regs := map[uint16]uint16{}
		if addr == 91 {
			regs[92] = 531
			regs[96] = 1
		}
		f.notify(readResponse(cmd, regs))
	}
	r := New(tr, mustProfile(t, "AC300"), testConfig())

	fields, err := r.Poll(context.Background(), nil)
	if err != nil {
		t.Fatalf("Poll err=%v", err)
	}

	if _, ok := fields["pack_voltage1"]; !ok {
		t.Fatalf("pack 1 block should merge")
	}
	for pack := 2; pack <= 4; pack++ {
		if _, ok := fields["pack_voltage"+string(rune('0'+pack))]; ok {
			t.Fatalf("mismatched pack %d must be dropped", pack)
		}
	}
}

func TestPoll_FilterDisablesPackPolling(t *testing.T) {
	tr := &fakeTransport{respond: answerDevice}
	r := New(tr, mustProfile(t, "AC300"), testConfig())

	filter := []modbus.Command{modbus.NewReadHoldingRegisters(43, 2)}
	fields, err := r.Poll(context.Background(), filter)
	if err != nil {
		t.Fatalf("Poll err=%v", err)
	}
	if _, ok := fields["pack_voltage1"]; ok {
		t.Fatalf("filter must disable pack polling")
	}
	for _, w := range tr.writes {
		if w[1] == 0x06 {
			t.Fatalf("filter poll issued a pack-select write: % x", w)
		}
	}
}

func TestPoll_OverallTimeoutIsFatal(t *testing.T) {
	tr := &fakeTransport{} // never answers
	cfg := testConfig()
	cfg.PollTimeout = 50 * time.Millisecond
	cfg.CommandTimeout = 10 * time.Second
	r := New(tr, mustProfile(t, "EB3A"), cfg)

	fields, err := r.Poll(context.Background(), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want deadline exceeded", err)
	}
	if fields != nil {
		t.Fatalf("fatal timeout must not return a partial map, got %v", fields)
	}
	if tr.stopCalls != 1 || tr.disconnectCalls != 1 {
		t.Fatalf("teardown must still run: stops=%d disconnects=%d", tr.stopCalls, tr.disconnectCalls)
	}
}

func TestPoll_PerCommandTimeoutIsNotFatal(t *testing.T) {
	tr := &fakeTransport{}
	tr.respond = func(f *fakeTransport, frame []byte) {
		addr := binary.BigEndian.Uint16(frame[2:4])
		if addr == 10 {
			return // swallow the first block
		}
		count := binary.BigEndian.Uint16(frame[4:6])
		f.notify(readResponse(modbus.NewReadHoldingRegisters(addr, count), map[uint16]uint16{70: 1}))
	}
	cfg := testConfig()
	cfg.CommandTimeout = 20 * time.Millisecond
	r := New(tr, mustProfile(t, "EB3A"), cfg)

	fields, err := r.Poll(context.Background(), nil)
	if err != nil {
		t.Fatalf("Poll err=%v", err)
	}
	if _, ok := fields["ac_output_on"]; !ok {
		t.Fatalf("poll should continue past a timed-out command")
	}
}

func TestPoll_FirstConnectFailureIsImmediate(t *testing.T) {
	tr := &fakeTransport{
		connectErr: func(call int) error { return errors.New("radio off") },
	}
	r := New(tr, mustProfile(t, "EB3A"), testConfig())

	_, err := r.Poll(context.Background(), nil)

	var cerr *ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("err=%v, want ConnectError", err)
	}
	if cerr.Attempt != 1 {
		t.Fatalf("Attempt = %d, want 1", cerr.Attempt)
	}
	if tr.connectCalls != 1 {
		t.Fatalf("connectCalls = %d, want 1 (no retry after first failure)", tr.connectCalls)
	}
}

func TestPoll_BadConnectionSkipsCommand(t *testing.T) {
	tr := &fakeTransport{}
	tr.respond = func(f *fakeTransport, frame []byte) {
		addr := binary.BigEndian.Uint16(frame[2:4])
		if addr == 10 {
			f.notify([]byte("AT+ADV?\r"))
			return
		}
		count := binary.BigEndian.Uint16(frame[4:6])
		f.notify(readResponse(modbus.NewReadHoldingRegisters(addr, count), map[uint16]uint16{70: 1}))
	}
	r := New(tr, mustProfile(t, "EB3A"), testConfig())

	fields, err := r.Poll(context.Background(), nil)
	if err != nil {
		t.Fatalf("Poll err=%v", err)
	}
	if _, ok := fields["total_battery_percent"]; ok {
		t.Fatalf("confused-link block must be dropped")
	}
	if _, ok := fields["ac_output_on"]; !ok {
		t.Fatalf("later blocks should still poll")
	}
}

func TestPoll_PersistentConnectionSkipsTeardown(t *testing.T) {
	tr := &fakeTransport{respond: answerDevice}
	cfg := testConfig()
	cfg.PersistentConn = true
	r := New(tr, mustProfile(t, "EB3A"), cfg)

	if _, err := r.Poll(context.Background(), nil); err != nil {
		t.Fatalf("Poll err=%v", err)
	}
	if tr.disconnectCalls != 0 || tr.stopCalls != 0 {
		t.Fatalf("persistent mode must not tear down: stops=%d disconnects=%d", tr.stopCalls, tr.disconnectCalls)
	}

	// Second poll reuses connection and subscription.
	if _, err := r.Poll(context.Background(), nil); err != nil {
		t.Fatalf("second Poll err=%v", err)
	}
	if tr.connectCalls != 1 || tr.startCalls != 1 {
		t.Fatalf("expected one connect/subscribe across polls: connects=%d starts=%d", tr.connectCalls, tr.startCalls)
	}

	r.Close()
	if tr.disconnectCalls != 1 || tr.stopCalls != 1 {
		t.Fatalf("Close must force teardown: stops=%d disconnects=%d", tr.stopCalls, tr.disconnectCalls)
	}
}

func TestPoll_ReconnectResubscribesNotifications(t *testing.T) {
	tr := &fakeTransport{respond: answerDevice}
	cfg := testConfig()
	cfg.PersistentConn = true
	r := New(tr, mustProfile(t, "EB3A"), cfg)

	if _, err := r.Poll(context.Background(), nil); err != nil {
		t.Fatalf("Poll err=%v", err)
	}

	// Link drops between cycles; the stale subscription dies with it.
	tr.mu.Lock()
	tr.connected = false
	tr.handler = nil
	tr.mu.Unlock()

	fields, err := r.Poll(context.Background(), nil)
	if err != nil {
		t.Fatalf("second Poll err=%v", err)
	}
	if tr.connectCalls != 2 || tr.startCalls != 2 {
		t.Fatalf("reconnect must resubscribe: connects=%d starts=%d", tr.connectCalls, tr.startCalls)
	}
	if _, ok := fields["total_battery_percent"]; !ok {
		t.Fatalf("poll after reconnect should yield fields, got %v", fields)
	}
}

func TestWrite_FireAndForget(t *testing.T) {
	tr := &fakeTransport{}
	r := New(tr, mustProfile(t, "AC300"), testConfig())

	cmd := modbus.NewWriteSingleRegister(3007, 1)
	if err := r.Write(context.Background(), cmd); err != nil {
		t.Fatalf("Write err=%v", err)
	}

	if len(tr.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(tr.writes))
	}
	if tr.writes[0][1] != 0x06 {
		t.Fatalf("unexpected frame: % x", tr.writes[0])
	}
	if tr.startCalls != 0 {
		t.Fatalf("write path must not subscribe notifications")
	}
	if tr.disconnectCalls != 1 {
		t.Fatalf("teardown must run after a write, disconnects=%d", tr.disconnectCalls)
	}
}

func TestHandleNotification_IdleIsSafe(t *testing.T) {
	tr := &fakeTransport{}
	r := New(tr, mustProfile(t, "EB3A"), testConfig())
	r.HandleNotification([]byte{0x01, 0x03}) // nothing pending: discard
}

func TestPoll_ErrorMessagesNameTheCommand(t *testing.T) {
	cmd := modbus.NewReadHoldingRegisters(10, 40)
	err := &ModbusError{Cmd: cmd, Code: 3}
	if !strings.Contains(err.Error(), "addr=10") {
		t.Fatalf("error should identify the command: %v", err)
	}
}
