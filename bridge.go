package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// StateDescription is the phase-specific payload carried alongside a
// BridgePhase inside a StateSnapshot. At most one of Capabilities,
// ErrorMessage, Print is meaningful at a time, mirroring spec.md §3's
// None/Capability/Error/Print variant.
type StateDescription struct {
	Capabilities []string
	ErrorMessage string
	Print        *PrintDescription
}

// PrintDescription is the Print{} variant's payload.
type PrintDescription struct {
	Filename   string
	Progress   float64
	StartTime  time.Time
	EstEndTime *time.Time
}

// StateSnapshot is the single process-wide bundle of phase + description.
type StateSnapshot struct {
	Phase       BridgePhase
	Description StateDescription
}

func (s StateSnapshot) clone() StateSnapshot {
	out := s
	if len(s.Description.Capabilities) > 0 {
		out.Description.Capabilities = append([]string(nil), s.Description.Capabilities...)
	}
	if s.Description.Print != nil {
		p := *s.Description.Print
		out.Description.Print = &p
	}
	return out
}

// InboundEventKind enumerates the Bridge inbox's message shapes.
type InboundEventKind int

const (
	EvSend InboundEventKind = iota
	EvStartPrint
	EvEndPrint
	EvStateOverride
	EvKill
)

// InboundEvent is a single message accepted by a Bridge's inbox.
type InboundEvent struct {
	Kind     InboundEventKind
	Text     string
	ID       uuid.UUID
	Job      *PrintJob
	Snapshot *StateSnapshot
}

// OutboundEventKind enumerates the distributor fan-out message shapes.
type OutboundEventKind int

const (
	OutStateUpdate OutboundEventKind = iota
	OutTerminalIn
	OutTerminalOut
	OutTempUpdate
	OutConnectError
	OutKill
	// OutForwardToBridge carries an HTTP-front-end-originated InboundEvent
	// (TerminalSend, StartPrint, EndPrint) through the distributor so the
	// Supervisor — not the HTTP handler — is the one that reaches into the
	// live Bridge's inbox, per spec.md §4.5's responsibility (b).
	OutForwardToBridge
)

// OutboundEvent is a single message the Bridge (or Supervisor) publishes to
// the distributor for fan-out to the Supervisor and Broadcast Sink.
type OutboundEvent struct {
	Kind     OutboundEventKind
	BridgeID string
	Snapshot StateSnapshot
	Text     string
	ID       uuid.UUID
	Temp     TempReport
	Message  string
	Forward  *InboundEvent // valid when Kind == OutForwardToBridge
}

// EventSink is the distributor-facing publish surface a Bridge needs; kept
// as a narrow interface so bridge.go has no compile-time dependency on the
// distributor's unbounded-queue implementation.
type EventSink interface {
	Publish(OutboundEvent)
}

type pendingWrite struct {
	text string
	id   uuid.UUID
}

// serialLinker is the subset of SerialLink the Bridge depends on, narrowed
// to an interface so tests can substitute an in-memory link instead of a
// real go.bug.st/serial port.
type serialLinker interface {
	Reader() io.Reader
	writeLine(text string) error
	Close() error
}

// Bridge is the concurrent state machine owning one serial link. Three
// cooperating tasks (inbox, reader, connect watchdog) communicate through
// the inbox channel and a single mutex guarding StateSnapshot, the active
// PrintJob and the pending-write queue, grounded on spec.md §4.4's actor
// design note preferring a single owning task over per-datum mutexes where
// practical, adapted here as one mutex per Bridge instance.
type Bridge struct {
	id   string
	link serialLinker
	sink EventSink

	inbox chan InboundEvent

	mu            sync.Mutex
	snapshot      StateSnapshot
	job           *PrintJob
	pendingWrites []pendingWrite
	readyForWrite bool

	connectingBatch  []string
	awaitingFollowup bool
	followupQueue    []string
	firmwareRetries  int

	activeBatch []Classification

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// startBridge opens the serial link, installs the Connecting snapshot, and
// spawns the three cooperating tasks. Grounded on spec.md §4.4.2.
func startBridge(id, device string, baud int, sink EventSink) (*Bridge, error) {
	link, err := openSerialLink(device, baud)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		id:     id,
		link:   link,
		sink:   sink,
		inbox:  make(chan InboundEvent, 64),
		cancel: cancel,
		snapshot: StateSnapshot{
			Phase: PhaseConnecting,
		},
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { b.inboxTask(egCtx); return nil })
	eg.Go(func() error { b.readerTask(egCtx); return nil })
	eg.Go(func() error { b.watchdogTask(egCtx); return nil })

	go func() {
		_ = eg.Wait()
		link.Close()
	}()

	b.submitSend("M115")
	return b, nil
}

// Submit enqueues an inbound event. Safe for concurrent use by the
// Supervisor and the Bridge's own tasks.
func (b *Bridge) Submit(ev InboundEvent) {
	select {
	case b.inbox <- ev:
	default:
		// Inbox saturated; this only happens under pathological command
		// floods. Drop rather than block the caller indefinitely.
	}
}

// Snapshot returns a deep copy of the current StateSnapshot.
func (b *Bridge) Snapshot() StateSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot.clone()
}

func (b *Bridge) submitSend(text string) {
	b.Submit(InboundEvent{Kind: EvSend, Text: text, ID: uuid.New()})
}

func (b *Bridge) publish(ev OutboundEvent) {
	ev.BridgeID = b.id
	b.sink.Publish(ev)
}

func (b *Bridge) publishSnapshotLocked() {
	b.publish(OutboundEvent{Kind: OutStateUpdate, Snapshot: b.snapshot.clone()})
}

func (b *Bridge) setSnapshot(phase BridgePhase, desc StateDescription) {
	b.mu.Lock()
	b.snapshot = StateSnapshot{Phase: phase, Description: desc}
	b.publishSnapshotLocked()
	b.mu.Unlock()
}

func (b *Bridge) transitionErrored(message string) {
	b.setSnapshot(PhaseErrored, StateDescription{ErrorMessage: message})
	b.shutdown()
}

func (b *Bridge) shutdown() {
	b.closeOnce.Do(func() {
		if b.link != nil {
			b.link.Close()
		}
		if b.cancel != nil {
			b.cancel()
		}
	})
}

// inboxTask drains InboundEvents and is the sole writer of the serial link,
// enforcing the "one command in flight" ACK-gate discipline of spec.md §4.4.
func (b *Bridge) inboxTask(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.inbox:
			switch ev.Kind {
			case EvSend:
				b.handleSend(ev.Text, ev.ID)
			case EvStartPrint:
				b.handleStartPrint(ev.Job)
			case EvEndPrint:
				b.handleEndPrint()
			case EvStateOverride:
				b.handleStateOverride(ev.Snapshot)
			case EvKill:
				b.shutdown()
				return
			}
		}
	}
}

func (b *Bridge) handleSend(text string, id uuid.UUID) {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	b.mu.Lock()
	phase := b.snapshot.Phase
	gateOpen := b.readyForWrite
	if phase == PhaseConnected && !gateOpen {
		b.pendingWrites = append(b.pendingWrites, pendingWrite{text: text, id: id})
		b.mu.Unlock()
		return
	}
	b.readyForWrite = false
	b.mu.Unlock()

	b.doWrite(text, id)
}

func (b *Bridge) doWrite(text string, id uuid.UUID) {
	if err := b.link.writeLine(text); err != nil {
		b.transitionErrored(fmt.Sprintf("serial write: %v", err))
		return
	}
	b.publish(OutboundEvent{Kind: OutTerminalOut, Text: text, ID: id})
}

func (b *Bridge) handleStartPrint(job *PrintJob) {
	b.mu.Lock()
	if b.snapshot.Phase != PhaseConnected {
		b.mu.Unlock()
		return
	}
	b.job = job
	b.snapshot = StateSnapshot{
		Phase: PhasePrinting,
		Description: StateDescription{Print: &PrintDescription{
			Filename:  job.Filename,
			Progress:  0,
			StartTime: job.StartedAt,
		}},
	}
	b.publishSnapshotLocked()
	b.mu.Unlock()

	b.submitSend("M110 N0")
}

func (b *Bridge) handleEndPrint() {
	b.mu.Lock()
	if b.snapshot.Phase != PhasePrinting {
		b.mu.Unlock()
		return
	}
	if b.job != nil {
		b.job.finish()
	}
	b.job = nil
	b.snapshot = StateSnapshot{Phase: PhaseConnected}
	b.publishSnapshotLocked()
	b.mu.Unlock()
}

func (b *Bridge) handleStateOverride(snap *StateSnapshot) {
	if snap == nil {
		return
	}
	b.mu.Lock()
	b.snapshot = snap.clone()
	if b.snapshot.Phase == PhaseConnected {
		b.readyForWrite = true
	}
	b.publishSnapshotLocked()
	b.mu.Unlock()
}

// readerTask reads one byte at a time, accumulating lines at '\n', and
// dispatches each complete line according to the current phase.
func (b *Bridge) readerTask(ctx context.Context) {
	buf := make([]byte, 1)
	var acc strings.Builder

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := b.link.Reader().Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.transitionErrored(fmt.Sprintf("serial read: %v", err))
			return
		}
		if n == 0 {
			continue // read timeout, no byte available
		}

		c := buf[0]
		if c == '\n' {
			line := acc.String()
			acc.Reset()
			if line == "" {
				continue
			}
			b.handleLine(line)
			continue
		}
		if c != '\r' {
			acc.WriteByte(c)
		}
	}
}

func (b *Bridge) handleLine(line string) {
	b.mu.Lock()
	phase := b.snapshot.Phase
	b.mu.Unlock()

	switch phase {
	case PhaseConnecting:
		b.handleConnectingLine(line)
	case PhaseConnected, PhasePrinting:
		b.handleActiveLine(line, phase)
	default:
		// stray line outside a phase that reads; ignore.
	}
}

// handleConnectingLine implements spec.md §4.4's Connecting behaviour,
// including the capability-probe sub-state and the bounded FIRMWARE_NAME
// retry gate from the REDESIGN FLAG in §9.
func (b *Bridge) handleConnectingLine(line string) {
	lower := strings.ToLower(line)
	if strings.HasPrefix(lower, "error") {
		b.transitionErrored(line)
		return
	}

	if strings.HasPrefix(line, "ok") {
		if b.awaitingFollowup {
			if len(b.followupQueue) > 0 {
				next := b.followupQueue[0]
				b.followupQueue = b.followupQueue[1:]
				b.submitSend(next)
				return
			}
			b.awaitingFollowup = false
			caps := b.connectingBatch
			b.connectingBatch = nil
			b.setSnapshot(PhaseConnected, StateDescription{Capabilities: caps})
			b.mu.Lock()
			b.readyForWrite = true
			b.mu.Unlock()
			return
		}

		if len(b.connectingBatch) > 0 && strings.HasPrefix(b.connectingBatch[0], MarlinFirmware) {
			hasAutoTemp, hasEEPROM := false, false
			for _, l := range b.connectingBatch {
				if strings.Contains(l, CapAutoReportTemp) {
					hasAutoTemp = true
				}
				if strings.Contains(l, CapEEPROM) {
					hasEEPROM = true
				}
			}
			followups := []string{"G90"}
			if hasEEPROM {
				followups = append(followups, "M501")
			}
			if hasAutoTemp {
				followups = append(followups, "M155 S2")
			}
			b.awaitingFollowup = true
			b.followupQueue = followups[1:]
			b.submitSend(followups[0])
			return
		}

		b.connectingBatch = nil
		b.firmwareRetries++
		if b.firmwareRetries > MaxFirmwareRetries {
			b.transitionErrored("Unsupported firmware")
			return
		}
		b.submitSend("M115")
		return
	}

	b.connectingBatch = append(b.connectingBatch, line)
}

// handleActiveLine implements the Connected/Printing reader behaviour of
// spec.md §4.4 plus the combined ok+temperature edge case in §8 scenario 5.
func (b *Bridge) handleActiveLine(line string, phase BridgePhase) {
	cls := classify(line)

	if cls.Kind == ClassTemperature {
		b.publish(OutboundEvent{Kind: OutTempUpdate, Temp: cls.Temp})
		if strings.HasPrefix(line, "ok") {
			b.activeBatch = append(b.activeBatch, Classification{Kind: ClassOk})
			b.closeActiveBatch(phase)
		}
		return
	}

	b.publish(OutboundEvent{Kind: OutTerminalIn, Text: line})
	b.activeBatch = append(b.activeBatch, cls)
	if cls.Kind == ClassOk {
		b.closeActiveBatch(phase)
	}
}

func (b *Bridge) closeActiveBatch(phase BridgePhase) {
	batch := b.activeBatch
	b.activeBatch = nil
	decision := parseResponses(batch)
	b.handleDecision(decision, phase)
}

func (b *Bridge) handleDecision(d BridgeDecision, phase BridgePhase) {
	switch d.Kind {
	case DecisionBusy:
		if phase == PhasePrinting {
			time.Sleep(BusyBackoff)
			b.handleContinuePrinting(d.AckLine)
		} else if phase == PhaseConnected {
			b.handleContinueConnected()
		}
	case DecisionError:
		b.transitionErrored("Bridge encountered unknown error")
	case DecisionResend:
		if phase == PhasePrinting {
			b.handleResend(d.ResendLine)
		}
	case DecisionContinue:
		if phase == PhasePrinting {
			b.handleContinuePrinting(d.AckLine)
		} else if phase == PhaseConnected {
			b.handleContinueConnected()
		}
	}
}

func (b *Bridge) handleResend(line int) {
	b.mu.Lock()
	job := b.job
	if job == nil {
		b.mu.Unlock()
		return
	}
	job.recordResend()
	if job.resendRatio() > ResendRatioLimit {
		b.mu.Unlock()
		b.transitionErrored("Resend ratio went above 10%")
		return
	}
	wl, ok := job.lineAt(line)
	if !ok {
		b.mu.Unlock()
		b.transitionErrored("Cannot resend line")
		return
	}
	job.setCursor(line)
	b.mu.Unlock()

	b.submitSend(wl.Wire())
}

func (b *Bridge) handleContinuePrinting(ackLine *int) {
	b.mu.Lock()
	job := b.job
	if job == nil {
		b.mu.Unlock()
		return
	}

	var next int
	switch {
	case ackLine != nil:
		job.setCursor(*ackLine)
		next = *ackLine + 1
	case job.cursorAt() == 0:
		job.setCursor(1)
		next = 1
	default:
		b.mu.Unlock()
		return
	}

	wl, ok := job.lineAt(next)
	if !ok {
		b.mu.Unlock()
		b.Submit(InboundEvent{Kind: EvEndPrint})
		return
	}

	oldProgress := round1(job.progressPct())
	job.addBytesSent(len(stripSpaces(wl.Text)))
	newProgress := round1(job.progressPct())

	if newProgress != oldProgress {
		desc := StateDescription{Print: &PrintDescription{
			Filename:  job.Filename,
			Progress:  newProgress,
			StartTime: job.StartedAt,
		}}
		b.snapshot = StateSnapshot{Phase: PhasePrinting, Description: desc}
		b.publishSnapshotLocked()
	}
	b.mu.Unlock()

	b.submitSend(wl.Wire())
}

func (b *Bridge) handleContinueConnected() {
	b.mu.Lock()
	if len(b.pendingWrites) > 0 {
		pw := b.pendingWrites[0]
		b.pendingWrites = b.pendingWrites[1:]
		b.mu.Unlock()
		b.doWrite(pw.text, pw.id)
		return
	}
	b.readyForWrite = true
	b.mu.Unlock()
}

// watchdogTask transitions to Errored{"Timed out"} if the Bridge is still
// Connecting after ConnectWatchdog elapses.
func (b *Bridge) watchdogTask(ctx context.Context) {
	timer := time.NewTimer(ConnectWatchdog)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		b.mu.Lock()
		stillConnecting := b.snapshot.Phase == PhaseConnecting
		b.mu.Unlock()
		if stillConnecting {
			b.transitionErrored("Timed out")
		}
	}
}

// round1 rounds to one decimal place, matching spec.md §4.4.1's "rounded
// progress (1 decimal place) changed" threshold.
func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
