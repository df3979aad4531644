package main

import (
	"container/list"
	"fmt"
	"sync"
)

// BroadcastSink is the narrow surface the Supervisor needs from the
// WebSocket hub: fan out state, terminal and temperature frames to every
// connected client.
// Satisfied by *WebSocketHub in web.go.
type BroadcastSink interface {
	BroadcastSnapshot(snapshot StateSnapshot)
	BroadcastTerminal(kind string, text string, id *string)
	BroadcastTemperature(temp TempReport)
}

// Distributor is the multi-producer, single-consumer event bus of spec.md
// §4.5: unbounded capacity, FIFO order, one consumer (the Supervisor).
// Grounded on the teacher's WebSocketHub channel pattern, generalized from
// a fixed-size broadcast channel to a genuinely unbounded queue since the
// Bridge and front-end can both publish faster than the Supervisor drains
// in bursts (e.g. a print's temperature stream).
type Distributor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  *list.List
	closed bool
}

func NewDistributor() *Distributor {
	d := &Distributor{queue: list.New()}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Publish enqueues an event for the Supervisor. Never blocks.
func (d *Distributor) Publish(ev OutboundEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue.PushBack(ev)
	d.cond.Signal()
}

// next blocks until an event is available or the distributor is closed.
func (d *Distributor) next() (OutboundEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.queue.Len() == 0 && !d.closed {
		d.cond.Wait()
	}
	if d.queue.Len() == 0 {
		return OutboundEvent{}, false
	}
	front := d.queue.Remove(d.queue.Front())
	return front.(OutboundEvent), true
}

// Close unblocks any pending next() call; no further events are accepted.
func (d *Distributor) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cond.Broadcast()
}

// Supervisor is the distributor's sole consumer: it owns the single live
// Bridge (if any), forwards fan-out events to the Broadcast Sink, and
// enacts lifecycle transitions (spawn on CreateBridge, tear down on
// terminal StateUpdate or ConnectError).
type Supervisor struct {
	dist     *Distributor
	sink     BroadcastSink
	settings *SettingsProvider

	mu     sync.Mutex
	bridge *Bridge
}

func NewSupervisor(dist *Distributor, sink BroadcastSink, settings *SettingsProvider) *Supervisor {
	return &Supervisor{dist: dist, sink: sink, settings: settings}
}

// Run drains the distributor until it is closed. Intended to run in its own
// goroutine for the life of the process.
func (s *Supervisor) Run() {
	for {
		ev, ok := s.dist.next()
		if !ok {
			return
		}
		s.handle(ev)
	}
}

func (s *Supervisor) handle(ev OutboundEvent) {
	switch ev.Kind {
	case OutStateUpdate:
		s.sink.BroadcastSnapshot(ev.Snapshot)
		if ev.Snapshot.Phase == PhaseDisconnected || ev.Snapshot.Phase == PhaseErrored {
			s.teardown(ev.BridgeID)
		}
	case OutTerminalIn:
		s.sink.BroadcastTerminal("INPUT", ev.Text, nil)
	case OutTerminalOut:
		id := ev.ID.String()
		s.sink.BroadcastTerminal("OUTPUT", ev.Text, &id)
	case OutTempUpdate:
		s.sink.BroadcastTemperature(ev.Temp)
	case OutConnectError:
		fmt.Printf("connect error: %s\n", ev.Message)
		s.teardown(ev.BridgeID)
	case OutKill:
		s.teardown(ev.BridgeID)
	case OutForwardToBridge:
		if ev.Forward == nil {
			return
		}
		if b := s.Current(); b != nil {
			b.Submit(*ev.Forward)
		}
	}
}

// Forward publishes an HTTP-front-end-originated inbound command through
// the distributor for this Supervisor to deliver to the live Bridge's
// inbox, implementing spec.md §4.5's responsibility (b) instead of letting
// the front-end reach into a Bridge directly.
func (s *Supervisor) Forward(ev InboundEvent) {
	s.dist.Publish(OutboundEvent{Kind: OutForwardToBridge, Forward: &ev})
}

func (s *Supervisor) teardown(bridgeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bridge != nil && (bridgeID == "" || s.bridge.id == bridgeID) {
		s.bridge.Submit(InboundEvent{Kind: EvKill})
		s.bridge = nil
	}
}

// ErrAlreadyConnected is returned by CreateBridge when a Bridge is already
// live, per spec.md §4.5's "only one Bridge may exist at a time".
var ErrAlreadyConnected = fmt.Errorf("already connected")

// CreateBridge spawns a new Bridge, refusing if one is already live.
func (s *Supervisor) CreateBridge(device string, baud int) (*Bridge, error) {
	s.mu.Lock()
	if s.bridge != nil {
		s.mu.Unlock()
		s.dist.Publish(OutboundEvent{Kind: OutConnectError, Message: "already connected"})
		return nil, ErrAlreadyConnected
	}
	s.mu.Unlock()

	id := fmt.Sprintf("bridge-%d", nextBridgeSeq())
	b, err := startBridge(id, device, baud, s.dist)
	if err != nil {
		s.dist.Publish(OutboundEvent{Kind: OutConnectError, Message: err.Error()})
		return nil, err
	}

	s.mu.Lock()
	s.bridge = b
	s.mu.Unlock()
	return b, nil
}

// Disconnect tears down the live Bridge, if any.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	b := s.bridge
	s.bridge = nil
	s.mu.Unlock()
	if b != nil {
		b.Submit(InboundEvent{Kind: EvKill})
	}
}

// Current returns the live Bridge, if any.
func (s *Supervisor) Current() *Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge
}

// snapshotOrZero returns the live Bridge's snapshot, or the zero-value
// Disconnected snapshot when no Bridge exists.
func (s *Supervisor) snapshotOrZero() StateSnapshot {
	b := s.Current()
	if b == nil {
		return StateSnapshot{Phase: PhaseDisconnected}
	}
	return b.Snapshot()
}

// Boot asks the Settings Provider for auto-connect parameters and, if all
// three preconditions hold, submits CreateBridge. Grounded on spec.md
// §4.5's boot sequence.
func (s *Supervisor) Boot() error {
	params, err := s.settings.BootParameters()
	if err != nil {
		return err
	}
	if params.StartOnBoot && params.DevicePath != "" && params.DeviceBaud != 0 {
		_, err := s.CreateBridge(params.DevicePath, params.DeviceBaud)
		return err
	}
	return nil
}

var bridgeSeqMu sync.Mutex
var bridgeSeq int

func nextBridgeSeq() int {
	bridgeSeqMu.Lock()
	defer bridgeSeqMu.Unlock()
	bridgeSeq++
	return bridgeSeq
}
