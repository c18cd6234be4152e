// Package keyset manages the mint's per-unit signing keysets: which one is
// active, how to rotate it, and how to look any of them up by id.
package keyset

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/satoshinuts/mint/crypto"
)

// Manager holds every keyset the mint has ever generated and keeps an
// atomic snapshot of which one is active per unit, so readers building a
// GetKeys response never observe a torn state mid-rotation.
type Manager struct {
	master *hdkeychain.ExtendedKey

	mu       sync.Mutex // guards nextIdx and all; Rotate holds it end to end
	nextIdx  map[string]uint32
	all      map[string]*crypto.MintKeyset // by id
	activeId atomic.Pointer[map[string]string]
}

func NewManager(master *hdkeychain.ExtendedKey) *Manager {
	active := make(map[string]string)
	m := &Manager{
		master:  master,
		nextIdx: make(map[string]uint32),
		all:     make(map[string]*crypto.MintKeyset),
	}
	m.activeId.Store(&active)
	return m
}

// Load seeds the manager from persisted keysets, e.g. on mint startup.
// The caller is responsible for ordering by DerivationPathIdx ascending per
// unit if it wants a deterministic "most recent wins" active pick among
// several keysets marked active (storage should only ever have one active
// per unit, but Load tolerates more and keeps the last one it is given).
func (m *Manager) Load(keysets []*crypto.MintKeyset) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make(map[string]string, len(m.all))
	if cur := m.activeId.Load(); cur != nil {
		for k, v := range *cur {
			active[k] = v
		}
	}

	for _, ks := range keysets {
		if !crypto.RecognizedKeysetIdVersion(ks.Id) {
			slog.Warn("skipping keyset with unrecognized id version", "id", ks.Id, "unit", ks.Unit)
			continue
		}
		m.all[ks.Id] = ks
		if ks.DerivationPathIdx+1 > m.nextIdx[ks.Unit] {
			m.nextIdx[ks.Unit] = ks.DerivationPathIdx + 1
		}
		if ks.Active {
			active[ks.Unit] = ks.Id
		}
	}
	m.activeId.Store(&active)
}

// Rotate generates a fresh keyset for unit, deactivates whatever was active
// for that unit, and makes the new one active. Returns the new keyset and
// the deactivated previous one (nil if the unit had none); the caller
// persists both the new keyset and the old one's deactivation.
func (m *Manager) Rotate(unit string, inputFeePpk uint) (*crypto.MintKeyset, *crypto.MintKeyset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.nextIdx[unit]
	ks, err := crypto.GenerateKeyset(m.master, unit, idx, inputFeePpk)
	if err != nil {
		return nil, nil, fmt.Errorf("generating keyset for unit %s: %w", unit, err)
	}
	m.nextIdx[unit] = idx + 1
	m.all[ks.Id] = ks

	active := make(map[string]string, len(*m.activeId.Load()))
	for k, v := range *m.activeId.Load() {
		active[k] = v
	}

	var deactivated *crypto.MintKeyset
	if prevId, ok := active[unit]; ok {
		if prev, ok := m.all[prevId]; ok {
			prevCopy := *prev
			prevCopy.Active = false
			m.all[prevId] = &prevCopy
			deactivated = &prevCopy
		}
	}
	active[unit] = ks.Id
	m.activeId.Store(&active)

	return ks, deactivated, nil
}

// Active returns the currently active keyset for a unit.
func (m *Manager) Active(unit string) (*crypto.MintKeyset, bool) {
	active := *m.activeId.Load()
	id, ok := active[unit]
	if !ok {
		return nil, false
	}
	return m.ById(id)
}

// ById looks up any known keyset, active or retired, by id.
func (m *Manager) ById(id string) (*crypto.MintKeyset, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ks, ok := m.all[id]
	return ks, ok
}

// All returns every keyset the mint knows about, active and retired.
func (m *Manager) All() []*crypto.MintKeyset {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*crypto.MintKeyset, 0, len(m.all))
	for _, ks := range m.all {
		out = append(out, ks)
	}
	return out
}

// ActiveUnits returns the list of units that currently have an active
// keyset.
func (m *Manager) ActiveUnits() []string {
	active := *m.activeId.Load()
	units := make([]string, 0, len(active))
	for unit := range active {
		units = append(units, unit)
	}
	return units
}
