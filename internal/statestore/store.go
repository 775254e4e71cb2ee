package statestore

import (
	"sync"
	"time"

	"fossibot-bridge/internal/modbus"
)

// outputStaleness is how long outputs carried by /client/04 remain
// authoritative before a /client/data response is allowed to override
// them.
const outputStaleness = 35 * time.Second

// Topic identifies which cloud response topic delivered a register read,
// since the two topics carry different reconciliation rules.
type Topic int

const (
	TopicClient04 Topic = iota
	TopicClientData
)

// outputRegisters are the register indices whose value is derived from
// the register-41 bitfield and therefore subject to topic-priority
// reconciliation. Every other known register is taken unconditionally
// from whichever topic last reported it.
var outputRegisters = map[int]bool{
	RegOutputBitfield: true,
}

// DeviceSnapshot holds the latest known register values for one device
// plus the bookkeeping needed to arbitrate between the two cloud topics.
type DeviceSnapshot struct {
	MAC   string
	Model string
	Regs  [modbus.RegisterCount]uint16
	Known [modbus.RegisterCount]bool

	LastOutputUpdate time.Time
	LastFullUpdate   time.Time
}

// Store holds one DeviceSnapshot per device MAC address.
type Store struct {
	mu        sync.Mutex
	snapshots map[string]*DeviceSnapshot
}

// New returns an empty Store.
func New() *Store {
	return &Store{snapshots: make(map[string]*DeviceSnapshot)}
}

// Snapshot returns a copy of the current snapshot for mac, or false if
// nothing has been recorded for it yet.
func (s *Store) Snapshot(mac string) (DeviceSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[mac]
	if !ok {
		return DeviceSnapshot{}, false
	}
	return *snap, true
}

// Apply merges a freshly decoded register read into the snapshot for
// mac, applying topic-priority reconciliation for the register-41
// output bits:
//
//   - registers carried by /client/04 are always accepted, and reset
//     the output staleness clock;
//   - registers carried by /client/data are accepted for everything
//     except the output bitfield, which is only accepted once more
//     than outputStaleness has passed since the last /client/04 update;
//   - registers absent from this particular response (present[i] ==
//     false) are left untouched regardless of topic.
func (s *Store) Apply(mac string, regs [modbus.RegisterCount]uint16, present [modbus.RegisterCount]bool, topic Topic, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[mac]
	if !ok {
		snap = &DeviceSnapshot{MAC: mac}
		s.snapshots[mac] = snap
	}

	for i := 0; i < modbus.RegisterCount; i++ {
		if !present[i] {
			continue
		}

		if outputRegisters[i] {
			if topic == TopicClientData && !snap.LastOutputUpdate.IsZero() && now.Sub(snap.LastOutputUpdate) <= outputStaleness {
				continue
			}
			snap.Regs[i] = regs[i]
			snap.Known[i] = true
			snap.LastOutputUpdate = now
			continue
		}

		snap.Regs[i] = regs[i]
		snap.Known[i] = true
	}

	snap.LastFullUpdate = now
}
