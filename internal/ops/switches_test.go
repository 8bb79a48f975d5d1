package ops

import (
	"path/filepath"
	"testing"
)

func TestSwitchManager_DefaultsAllVenuesEnabled(t *testing.T) {
	m := NewSwitchManager([]string{"kraken", "binance"})
	if !m.IsVenueEnabled("kraken") || !m.IsVenueEnabled("binance") {
		t.Fatal("expected all configured venues enabled by default")
	}
	if m.IsVenueEnabled("unknown") {
		t.Fatal("expected unknown venue to report disabled")
	}
}

func TestSwitchManager_ToggleReadOnlyAndLiveData(t *testing.T) {
	m := NewSwitchManager([]string{"kraken"})
	m.SetReadOnlyMode(true)
	m.SetLiveDataDisabled(true)
	if !m.IsReadOnlyMode() || m.IsLiveDataEnabled() {
		t.Fatal("expected read-only mode on and live data disabled")
	}
	status := m.Status()
	if !status.ReadOnlyMode || !status.DisableLiveData {
		t.Fatalf("status snapshot did not reflect toggles: %+v", status)
	}
}

func TestCheckKillSwitchFile_MissingFileIsNotArmed(t *testing.T) {
	armed, err := CheckKillSwitchFile(filepath.Join(t.TempDir(), "nope.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if armed {
		t.Fatal("expected a missing kill switch file to be not armed")
	}
}

func TestCheckKillSwitchFile_KillContentArms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kill.txt")
	if err := WriteKillSwitchFile(path, "test"); err != nil {
		t.Fatal(err)
	}
	armed, err := CheckKillSwitchFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !armed {
		t.Fatal("expected kill switch file to be armed")
	}
}
