// Package state maintains bounded per-CAN-ID tracking state — sliding
// inter-arrival-time statistics, payload hash/byte/sequence history —
// under a strict memory ceiling (spec §4.1).
package state

import (
	"hash/maphash"
	"sort"
	"sync"

	"github.com/can-ids/detection-core/internal/alert"
	"github.com/can-ids/detection-core/internal/frame"
	"go.uber.org/zap"
)

// HashedPayload pairs a payload's 64-bit hash with the timestamp it
// was observed at, for identical-payload replay detection.
type HashedPayload struct {
	Timestamp float64
	Hash      uint64
}

// PerIdState is the sliding-window tracking record for one CAN ID.
type PerIdState struct {
	CANID uint32

	LastTimestamp float64
	HasLast       bool

	IATHistory         *ring[float64]
	PayloadHashHistory *ring[HashedPayload]
	PayloadByteHistory [frame.MaxPayloadLen]*ring[byte]
	SequenceBuffer     *ring[uint64]

	FrameCount uint64

	// LastAlertTimes backs the Alert Manager's cooldown check (spec §3
	// "last_alert_times: per-alert_type timestamp of last emission").
	LastAlertTimes map[alert.Type]float64

	mu sync.Mutex
}

// IAT returns the inter-arrival time that produced the most recent
// ring entry, or false if fewer than two frames have been seen.
func (s *PerIdState) IAT() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.IATHistory.Last()
}

// LastAlertTime returns the timestamp of the last emission of
// alertType for this ID, or false if none has been emitted.
func (s *PerIdState) LastAlertTime(t alert.Type) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.LastAlertTimes[t]
	return ts, ok
}

// SetLastAlertTime records the emission time of alertType, used by
// the Alert Manager to enforce per-(id,type) cooldown.
func (s *PerIdState) SetLastAlertTime(t alert.Type, ts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LastAlertTimes == nil {
		s.LastAlertTimes = make(map[alert.Type]float64)
	}
	s.LastAlertTimes[t] = ts
}

// Caps bundles the ring-buffer capacities used to size new PerIdState
// records (spec §3 defaults: IAT 1000, payload hash 100, byte 50,
// sequence 20).
type Caps struct {
	IATHistory    int
	PayloadHash   int
	PayloadByte   int
	SequenceBuf   int
}

// DefaultCaps returns the spec's documented default ring capacities.
func DefaultCaps() Caps {
	return Caps{IATHistory: 1000, PayloadHash: 100, PayloadByte: 50, SequenceBuf: 20}
}

func newPerIDState(canID uint32, caps Caps) *PerIdState {
	s := &PerIdState{
		CANID:              canID,
		IATHistory:         newRing[float64](caps.IATHistory),
		PayloadHashHistory: newRing[HashedPayload](caps.PayloadHash),
		SequenceBuffer:     newRing[uint64](caps.SequenceBuf),
		LastAlertTimes:     make(map[alert.Type]float64),
	}
	for i := range s.PayloadByteHistory {
		s.PayloadByteHistory[i] = newRing[byte](caps.PayloadByte)
	}
	return s
}

// Manager tracks PerIdState for every observed CAN ID, offering O(1)
// update and bounded memory via staleness eviction and pressure
// cleanup (spec §4.1).
type Manager struct {
	log  *zap.Logger
	caps Caps

	mu     sync.RWMutex
	states map[uint32]*PerIdState
	seed   maphash.Seed
}

// NewManager creates a State Manager with the given ring capacities.
func NewManager(log *zap.Logger, caps Caps) *Manager {
	return &Manager{
		log:    log,
		caps:   caps,
		states: make(map[uint32]*PerIdState),
		seed:   maphash.MakeSeed(),
	}
}

// Update appends the frame's contribution to its ID's PerIdState and
// returns the updated record. It never fails on or rejects the current
// frame; eviction (EvictStale, CleanupIfPressure) runs separately and
// only removes other records (spec §4.1 "Failure semantics").
//
// treatDLCZeroAsSpecial mirrors drop.treat_dlc_zero_as_special (spec
// §4.3.a): when set, a dlc==0 frame is a heartbeat and must not reset
// the IAT tracker, so the next real frame's IAT is still measured
// against the last real frame rather than the heartbeat.
func (m *Manager) Update(f frame.Frame, treatDLCZeroAsSpecial bool) *PerIdState {
	m.mu.Lock()
	s, ok := m.states[f.CANID]
	if !ok {
		s = newPerIDState(f.CANID, m.caps)
		m.states[f.CANID] = s
	}
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !(treatDLCZeroAsSpecial && f.DLC == 0) {
		if s.HasLast {
			iat := f.Timestamp - s.LastTimestamp
			s.IATHistory.Push(iat)
		}
		s.LastTimestamp = f.Timestamp
		s.HasLast = true
	}

	h := payloadHash(m.seed, f.DLC, f.Payload)
	s.PayloadHashHistory.Push(HashedPayload{Timestamp: f.Timestamp, Hash: h})
	s.SequenceBuffer.Push(h)

	for i := 0; i < len(f.Payload) && i < frame.MaxPayloadLen; i++ {
		s.PayloadByteHistory[i].Push(f.Payload[i])
	}

	s.FrameCount++

	return s
}

// Get performs a read-only lookup of a CAN ID's state.
func (m *Manager) Get(canID uint32) (*PerIdState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[canID]
	return s, ok
}

// TrackedCount returns the number of CAN IDs currently tracked.
func (m *Manager) TrackedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

// EvictStale removes records whose last-seen timestamp is older than
// maxAge relative to now, returning the number evicted (spec §4.1
// "evict_stale").
func (m *Manager) EvictStale(now, maxAge float64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, s := range m.states {
		s.mu.Lock()
		stale := s.HasLast && now-s.LastTimestamp > maxAge
		s.mu.Unlock()
		if stale {
			delete(m.states, id)
			evicted++
		}
	}
	if evicted > 0 && m.log != nil {
		m.log.Debug("evicted stale ids", zap.Int("count", evicted), zap.Float64("max_age_sec", maxAge))
	}
	return evicted
}

// CleanupIfPressure evicts the oldest 25% of tracked IDs by
// last-seen timestamp when the tracked set exceeds softLimit, always
// preserving IDs observed within the last second of `now` (spec §4.1
// "cleanup_if_pressure"). Returns the number evicted.
func (m *Manager) CleanupIfPressure(now float64, softLimit int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.states) <= softLimit {
		return 0
	}

	type entry struct {
		id       uint32
		lastSeen float64
		fresh    bool
	}
	entries := make([]entry, 0, len(m.states))
	for id, s := range m.states {
		s.mu.Lock()
		lastSeen := s.LastTimestamp
		fresh := s.HasLast && now-lastSeen < 1.0
		s.mu.Unlock()
		entries = append(entries, entry{id: id, lastSeen: lastSeen, fresh: fresh})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].lastSeen < entries[j].lastSeen })

	target := len(entries) / 4
	evicted := 0
	for _, e := range entries {
		if evicted >= target {
			break
		}
		if e.fresh {
			continue
		}
		delete(m.states, e.id)
		evicted++
	}

	if evicted > 0 && m.log != nil {
		m.log.Info("evicted ids under memory pressure",
			zap.Int("count", evicted),
			zap.Int("tracked_before", len(entries)),
			zap.Int("soft_limit", softLimit),
		)
	}
	return evicted
}

// payloadHash computes a 64-bit hash over (dlc, payload bytes). It is
// only used as an equality key within short time windows, so
// collision probability is tolerable (spec §4.1 "Algorithmic notes").
func payloadHash(seed maphash.Seed, dlc uint8, payload []byte) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)
	h.WriteByte(dlc)
	h.Write(payload)
	return h.Sum64()
}
