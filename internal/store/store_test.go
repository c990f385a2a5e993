package store_test

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/veilnet/overlayd/internal/peer"
	"github.com/veilnet/overlayd/internal/store"
	"github.com/veilnet/overlayd/internal/wire"
)

func testPeerID(t *testing.T, seed byte) peer.Identity {
	t.Helper()
	var b [peer.Size]byte
	b[0] = seed
	id, err := peer.FromBytes(b[:])
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	return id
}

func TestNewCreatesLayout(t *testing.T) {
	t.Parallel()

	home := filepath.Join(t.TempDir(), "nested", "home")
	if _, err := store.New(home); err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, dir := range []string{home, filepath.Join(home, "knownhosts"), filepath.Join(home, "trust")} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("expected directory %s to exist: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s exists but is not a directory", dir)
		}
	}
}

func TestLoadOrCreateHostkeyPersists(t *testing.T) {
	t.Parallel()

	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	priv1, err := s.LoadOrCreateHostkey()
	if err != nil {
		t.Fatalf("LoadOrCreateHostkey: %v", err)
	}
	if len(priv1) != ed25519.PrivateKeySize {
		t.Fatalf("len(priv1) = %d, want %d", len(priv1), ed25519.PrivateKeySize)
	}

	priv2, err := s.LoadOrCreateHostkey()
	if err != nil {
		t.Fatalf("LoadOrCreateHostkey (reload): %v", err)
	}
	if !priv1.Equal(priv2) {
		t.Error("reloaded hostkey does not match the persisted one")
	}
}

func TestSaveLoadKnownHosts(t *testing.T) {
	t.Parallel()

	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	h := wire.Hello{
		PublicKey:  pub,
		Originator: peer.FromPublicKey(pub),
		Expiration: time.Now().Add(time.Hour).Truncate(time.Second),
		Transport:  "udp",
		MTU:        1400,
		Address:    []byte{1, 2, 3, 4},
	}
	h.Sign(priv)

	if err := s.SaveHello("udp", h); err != nil {
		t.Fatalf("SaveHello: %v", err)
	}

	loaded, err := s.LoadKnownHosts()
	if err != nil {
		t.Fatalf("LoadKnownHosts: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("len(loaded) = %d, want 1", len(loaded))
	}
	if loaded[0].Originator != h.Originator {
		t.Errorf("Originator = %x, want %x", loaded[0].Originator, h.Originator)
	}
	if loaded[0].Transport != "udp" {
		t.Errorf("Transport = %q, want udp", loaded[0].Transport)
	}
}

func TestLoadKnownHostsSkipsCorruptFiles(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	s, err := store.New(home)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "knownhosts", "garbage.udp"), []byte("not a hello"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	loaded, err := s.LoadKnownHosts()
	if err != nil {
		t.Fatalf("LoadKnownHosts: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("len(loaded) = %d, want 0", len(loaded))
	}
}

func TestSaveLoadTrust(t *testing.T) {
	t.Parallel()

	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := testPeerID(t, 7)

	got, err := s.LoadTrust(id)
	if err != nil {
		t.Fatalf("LoadTrust (unset): %v", err)
	}
	if got != 0 {
		t.Fatalf("LoadTrust (unset) = %d, want 0", got)
	}

	if err := s.SaveTrust(id, 42); err != nil {
		t.Fatalf("SaveTrust: %v", err)
	}
	got, err = s.LoadTrust(id)
	if err != nil {
		t.Fatalf("LoadTrust: %v", err)
	}
	if got != 42 {
		t.Fatalf("LoadTrust = %d, want 42", got)
	}
}

func TestLoadAllTrust(t *testing.T) {
	t.Parallel()

	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	idA := testPeerID(t, 1)
	idB := testPeerID(t, 2)
	if err := s.SaveTrust(idA, 10); err != nil {
		t.Fatalf("SaveTrust A: %v", err)
	}
	if err := s.SaveTrust(idB, 20); err != nil {
		t.Fatalf("SaveTrust B: %v", err)
	}

	all, err := s.LoadAllTrust()
	if err != nil {
		t.Fatalf("LoadAllTrust: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
	if all[idA] != 10 || all[idB] != 20 {
		t.Errorf("all = %v, want {idA:10, idB:20}", all)
	}
}

func TestNewRejectsEmptyHome(t *testing.T) {
	t.Parallel()

	if _, err := store.New(""); err == nil {
		t.Error("New(\"\") should fail")
	}
}
