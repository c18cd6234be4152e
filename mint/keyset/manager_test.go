package keyset

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
)

func testMaster(t *testing.T) *hdkeychain.ExtendedKey {
	t.Helper()
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		t.Fatal(err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		t.Fatal(err)
	}
	seed := bip39.NewSeed(mnemonic, "")
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatal(err)
	}
	return master
}

func TestRotateActivatesNewKeyset(t *testing.T) {
	m := NewManager(testMaster(t))

	first, deactivated, err := m.Rotate("sat", 0)
	if err != nil {
		t.Fatal(err)
	}
	if deactivated != nil {
		t.Fatalf("expected no deactivated keyset on first rotation, got %v", deactivated)
	}
	if active, ok := m.Active("sat"); !ok || active.Id != first.Id {
		t.Fatalf("expected %s to be active, got %v", first.Id, active)
	}

	second, deactivated, err := m.Rotate("sat", 0)
	if err != nil {
		t.Fatal(err)
	}
	if deactivated == nil || deactivated.Id != first.Id {
		t.Fatalf("expected first keyset %s to be deactivated, got %v", first.Id, deactivated)
	}
	if active, ok := m.Active("sat"); !ok || active.Id != second.Id {
		t.Fatalf("expected %s to be active, got %v", second.Id, active)
	}

	if _, ok := m.ById(first.Id); !ok {
		t.Fatal("expected retired keyset to still be retrievable by id")
	}
}

func TestRotateIsolatesUnits(t *testing.T) {
	m := NewManager(testMaster(t))

	sat, _, err := m.Rotate("sat", 0)
	if err != nil {
		t.Fatal(err)
	}
	usd, _, err := m.Rotate("usd", 0)
	if err != nil {
		t.Fatal(err)
	}

	if sat.Id == usd.Id {
		t.Fatalf("expected distinct ids per unit, got %s for both", sat.Id)
	}

	if activeSat, ok := m.Active("sat"); !ok || activeSat.Id != sat.Id {
		t.Fatal("rotating usd should not disturb sat's active keyset")
	}
}

func TestLoadRestoresActiveState(t *testing.T) {
	m := NewManager(testMaster(t))
	ks, _, err := m.Rotate("sat", 0)
	if err != nil {
		t.Fatal(err)
	}

	restored := NewManager(testMaster(t))
	restored.Load(m.All())

	active, ok := restored.Active("sat")
	if !ok || active.Id != ks.Id {
		t.Fatalf("expected restored manager to have %s active, got %v", ks.Id, active)
	}

	if len(active.Id) != 16 {
		t.Fatalf("expected 16 hex char keyset id (version byte + 14 hash chars), got %q", active.Id)
	}
}
