package booking

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vango-go/vai-host/pkg/core"
	"github.com/vango-go/vai-host/pkg/core/venue"
)

const maxAlternatives = 3

// MemorySystem is an in-process booking backend that enforces the venue's
// opening hours and a fixed number of tables per slot.
type MemorySystem struct {
	profile venue.Profile

	mu      sync.Mutex
	next    int
	byKey   map[string]Confirmation
	booked  map[string]memoryBooking
	perSlot map[int64]int
}

type memoryBooking struct {
	slot      int64
	cancelled bool
}

func NewMemorySystem(profile venue.Profile) *MemorySystem {
	return &MemorySystem{
		profile: profile,
		next:    10000,
		byKey:   make(map[string]Confirmation),
		booked:  make(map[string]memoryBooking),
		perSlot: make(map[int64]int),
	}
}

func (m *MemorySystem) slotOf(t time.Time) int64 {
	return t.Truncate(time.Duration(m.profile.SlotMinutes) * time.Minute).Unix()
}

func (m *MemorySystem) available(t time.Time) bool {
	return m.profile.OpenAt(t) && m.perSlot[m.slotOf(t)] < m.profile.TablesPerSlot
}

func (m *MemorySystem) Create(ctx context.Context, req Request) (Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return Confirmation{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return c, nil
	}
	if req.PartySize > m.profile.MaxPartySize {
		return Confirmation{}, core.NewUpstreamError("booking", fmt.Errorf("party of %d exceeds the largest table", req.PartySize), false)
	}
	if !m.available(req.Time) {
		return Confirmation{}, &core.SlotUnavailableError{
			Requested:    req.Time,
			Alternatives: m.alternatives(req.Time),
		}
	}

	m.next++
	c := Confirmation{ReservationID: fmt.Sprintf("BV%05d", m.next), Status: StatusConfirmed}
	slot := m.slotOf(req.Time)
	m.perSlot[slot]++
	m.booked[c.ReservationID] = memoryBooking{slot: slot}
	if req.IdempotencyKey != "" {
		m.byKey[req.IdempotencyKey] = c
	}
	return c, nil
}

// alternatives searches outward from t in slot steps, nearest first.
func (m *MemorySystem) alternatives(t time.Time) []time.Time {
	step := time.Duration(m.profile.SlotMinutes) * time.Minute
	var out []time.Time
	for i := 1; i <= maxAlternatives && len(out) < maxAlternatives; i++ {
		for _, cand := range []time.Time{t.Add(-time.Duration(i) * step), t.Add(time.Duration(i) * step)} {
			if len(out) < maxAlternatives && m.available(cand) {
				out = append(out, cand)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (m *MemorySystem) Cancel(ctx context.Context, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.booked[externalID]
	if !ok {
		return core.NewNotFoundError("reservation " + externalID + " not found")
	}
	if b.cancelled {
		return nil
	}
	b.cancelled = true
	m.booked[externalID] = b
	m.perSlot[b.slot]--
	return nil
}

// Booked returns how many live reservations hold the slot containing t.
func (m *MemorySystem) Booked(t time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perSlot[m.slotOf(t)]
}
