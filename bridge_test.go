package main

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink records every published OutboundEvent for inspection, standing
// in for the Distributor in unit tests that exercise Bridge decision logic
// without opening a real serial port.
type fakeSink struct {
	events []OutboundEvent
}

func (f *fakeSink) Publish(ev OutboundEvent) {
	f.events = append(f.events, ev)
}

// fakeLink is an in-memory stand-in for SerialLink, satisfying serialLinker
// without touching go.bug.st/serial.
type fakeLink struct {
	written bytes.Buffer
	closed  bool
}

func (f *fakeLink) Reader() io.Reader { return &f.written }

func (f *fakeLink) writeLine(text string) error {
	_, err := f.written.WriteString(text)
	return err
}

func (f *fakeLink) Close() error { f.closed = true; return nil }

func newTestBridge() (*Bridge, *fakeSink) {
	sink := &fakeSink{}
	b := &Bridge{
		sink:   sink,
		inbox:  make(chan InboundEvent, 64),
		link:   &fakeLink{},
		cancel: func() {},
	}
	return b, sink
}

func drainSends(t *testing.T, b *Bridge, n int) []string {
	t.Helper()
	var out []string
	for i := 0; i < n; i++ {
		select {
		case ev := <-b.inbox:
			require.Equal(t, EvSend, ev.Kind)
			out = append(out, ev.Text)
		default:
			t.Fatalf("expected %d queued sends, only drained %d", n, i)
		}
	}
	return out
}

// TestCapabilityProbeSequence exercises spec.md §8 scenario 2: after
// FIRMWARE_NAME:Marlin plus both capability lines, the follow-up commands
// are dispatched G90, M501, M155 S2, then the phase becomes Connected with
// the capability batch recorded.
func TestCapabilityProbeSequence(t *testing.T) {
	b, _ := newTestBridge()
	b.snapshot = StateSnapshot{Phase: PhaseConnecting}

	b.handleConnectingLine("FIRMWARE_NAME:Marlin 2.0")
	b.handleConnectingLine("Cap:AUTOREPORT_TEMP:1")
	b.handleConnectingLine("Cap:EEPROM:1")
	b.handleConnectingLine("ok") // closes capability batch, dispatches first follow-up

	got := drainSends(t, b, 1)
	require.Equal(t, "G90", got[0])

	b.handleConnectingLine("ok")
	got = drainSends(t, b, 1)
	require.Equal(t, "M501", got[0])

	b.handleConnectingLine("ok")
	got = drainSends(t, b, 1)
	require.Equal(t, "M155 S2", got[0])

	assert.Equal(t, PhaseConnecting, b.snapshot.Phase, "expected still Connecting before the final ok")

	b.handleConnectingLine("ok") // no more follow-ups, transitions to Connected
	assert.Equal(t, PhaseConnected, b.snapshot.Phase)
	assert.Equal(t, []string{"FIRMWARE_NAME:Marlin 2.0", "Cap:AUTOREPORT_TEMP:1", "Cap:EEPROM:1"}, b.snapshot.Description.Capabilities)
}

func TestNonMarlinFirmwareRetriesThenErrors(t *testing.T) {
	b, _ := newTestBridge()
	b.snapshot = StateSnapshot{Phase: PhaseConnecting}

	for i := 0; i < MaxFirmwareRetries; i++ {
		b.handleConnectingLine("FIRMWARE_NAME:Unknown")
		b.handleConnectingLine("ok")
		drainSends(t, b, 1) // each retry re-submits M115
		require.NotEqualf(t, PhaseErrored, b.snapshot.Phase, "errored too early on retry %d", i)
	}

	b.handleConnectingLine("FIRMWARE_NAME:Unknown")
	b.handleConnectingLine("ok")
	require.Equal(t, PhaseErrored, b.snapshot.Phase)
	assert.Equal(t, "Unsupported firmware", b.snapshot.Description.ErrorMessage)
}

// TestOkWithLineNumberAdvancesCursor exercises spec.md §8 scenario 3.
func TestOkWithLineNumberAdvancesCursor(t *testing.T) {
	b, _ := newTestBridge()
	b.snapshot = StateSnapshot{Phase: PhasePrinting}

	raw := make([]string, 100)
	for i := range raw {
		raw[i] = "G1 X1"
	}
	job := loadPrintJob("job.gcode", raw)
	job.setCursor(5)
	b.job = job

	ack := 6
	b.handleContinuePrinting(&ack)

	assert.Equal(t, 6, job.cursorAt())
	got := drainSends(t, b, 1)
	wantLine, ok := job.lineAt(7)
	require.True(t, ok)
	assert.Equal(t, wantLine.Wire(), got[0])
}

func TestUnsolicitedOkIgnoredMidPrint(t *testing.T) {
	b, _ := newTestBridge()
	b.snapshot = StateSnapshot{Phase: PhasePrinting}
	job := loadPrintJob("job.gcode", []string{"G1", "G1", "G1"})
	job.setCursor(6)
	b.job = job

	b.handleContinuePrinting(nil)

	select {
	case ev := <-b.inbox:
		t.Fatalf("expected no submitted send, got %+v", ev)
	default:
	}
}

// TestResendRewindsCursor exercises spec.md §8 scenario 4.
func TestResendRewindsCursor(t *testing.T) {
	b, _ := newTestBridge()
	b.snapshot = StateSnapshot{Phase: PhasePrinting}

	raw := make([]string, 19)
	for i := range raw {
		raw[i] = "G1"
	}
	job := loadPrintJob("job.gcode", raw) // 20 lines total
	job.setCursor(8)
	b.job = job

	b.handleResend(5)

	assert.Equal(t, 5, job.cursorAt())
	assert.Equal(t, 0.05, job.resendRatio())
	assert.NotEqual(t, PhaseErrored, b.snapshot.Phase, "did not expect an error at 5%% resend ratio")

	got := drainSends(t, b, 1)
	wantLine, ok := job.lineAt(5)
	require.True(t, ok)
	assert.Equal(t, wantLine.Wire(), got[0])
}

func TestResendRatioOverLimitErrors(t *testing.T) {
	b, _ := newTestBridge()
	b.snapshot = StateSnapshot{Phase: PhasePrinting}

	raw := make([]string, 9)
	for i := range raw {
		raw[i] = "G1"
	}
	job := loadPrintJob("job.gcode", raw) // 10 lines total
	b.job = job

	b.handleResend(1) // 1/10 = 10%, not over the limit
	require.NotEqual(t, PhaseErrored, b.snapshot.Phase, "did not expect error at exactly 10%%")
	drainSends(t, b, 1)

	b.handleResend(1) // 2/10 = 20%, over the limit
	assert.Equal(t, PhaseErrored, b.snapshot.Phase)
}

func TestResendUnknownLineErrors(t *testing.T) {
	b, _ := newTestBridge()
	b.snapshot = StateSnapshot{Phase: PhasePrinting}
	raw := make([]string, 19)
	for i := range raw {
		raw[i] = "G1"
	}
	job := loadPrintJob("job.gcode", raw) // 20 lines: 1/20 stays under the ratio limit
	b.job = job

	b.handleResend(999)

	require.Equal(t, PhaseErrored, b.snapshot.Phase)
	assert.Equal(t, "Cannot resend line", b.snapshot.Description.ErrorMessage)
}

// TestTemperatureWithOkClosesBatchWithoutTerminalIn exercises spec.md §8
// scenario 5: a combined ok+temperature line publishes TempUpdate only.
func TestTemperatureWithOkClosesBatchWithoutTerminalIn(t *testing.T) {
	b, sink := newTestBridge()
	b.snapshot = StateSnapshot{Phase: PhaseConnected}
	b.readyForWrite = false

	b.handleActiveLine("ok T:203.12 /210.00 B:59.8 /60.0", PhaseConnected)

	var sawTemp bool
	for _, ev := range sink.events {
		assert.NotEqual(t, OutTerminalIn, ev.Kind, "temperature line must not publish TerminalIn")
		if ev.Kind == OutTempUpdate {
			sawTemp = true
			require.Len(t, ev.Temp.Tools, 1)
			assert.Equal(t, 203.12, ev.Temp.Tools[0].Current)
		}
	}
	assert.True(t, sawTemp, "expected a TempUpdate event")
	assert.True(t, b.readyForWrite, "expected ACK gate to open once the implicit ok closes the batch")
}

// TestBusyHeartbeatDuringPrintStillAdvancesCursor covers the case where a
// long-running command (G28, G29) emits one or more busy heartbeats before
// its real "ok" in the same batch: the ack carried by that ok must still
// advance the cursor and reopen the write gate, not just back off and stall.
func TestBusyHeartbeatDuringPrintStillAdvancesCursor(t *testing.T) {
	b, _ := newTestBridge()
	b.snapshot = StateSnapshot{Phase: PhasePrinting}

	raw := make([]string, 10)
	for i := range raw {
		raw[i] = "G1 X1"
	}
	job := loadPrintJob("job.gcode", raw)
	job.setCursor(2)
	b.job = job

	b.handleActiveLine("echo:busy: processing", PhasePrinting)
	b.handleActiveLine("ok N3", PhasePrinting)

	assert.Equal(t, 3, job.cursorAt(), "ack carried on the busy-closed batch must still advance the cursor")
	got := drainSends(t, b, 1)
	wantLine, ok := job.lineAt(4)
	require.True(t, ok)
	assert.Equal(t, wantLine.Wire(), got[0])
}

func TestPendingWritePoppedOnContinueConnected(t *testing.T) {
	b, _ := newTestBridge()
	b.snapshot = StateSnapshot{Phase: PhaseConnected}
	b.pendingWrites = []pendingWrite{{text: "M105\n"}}

	b.handleContinueConnected()

	assert.False(t, b.readyForWrite, "gate should remain closed: a pending write was just sent")
	assert.Empty(t, b.pendingWrites)
}

func TestContinueConnectedOpensGateWhenQueueEmpty(t *testing.T) {
	b, _ := newTestBridge()
	b.snapshot = StateSnapshot{Phase: PhaseConnected}

	b.handleContinueConnected()

	assert.True(t, b.readyForWrite, "expected ACK gate to open with an empty pending queue")
}
