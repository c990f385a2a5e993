// Package store persists the node's long-lived identity state under a
// configured home directory: the Ed25519 hostkey, the per-transport
// known-hosts cache, and per-peer trust counters (spec.md §6.5
// "Persisted under the configured home").
//
// No database driver appears anywhere in the example pack (no SQLite,
// BoltDB, or Badger import in the teacher or any other repo), so this
// package is deliberately stdlib-only: plain files under a directory
// tree, named the way the teacher names its on-disk artifacts.
package store

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/veilnet/overlayd/internal/peer"
	"github.com/veilnet/overlayd/internal/wire"
)

// hostkeyFile, knownHostsDir, and trustDir are the on-disk layout under
// a Store's home directory.
const (
	hostkeyFile   = ".hostkey"
	knownHostsDir = "knownhosts"
	trustDir      = "trust"
)

// Store manages the on-disk persistence layout under home.
type Store struct {
	home string
}

// New returns a Store rooted at home, creating the directory tree if
// it does not already exist.
func New(home string) (*Store, error) {
	if home == "" {
		return nil, errors.New("store: home directory must not be empty")
	}
	for _, dir := range []string{home, filepath.Join(home, knownHostsDir), filepath.Join(home, trustDir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", dir, err)
		}
	}
	return &Store{home: home}, nil
}

// -------------------------------------------------------------------------
// Hostkey
// -------------------------------------------------------------------------

// LoadOrCreateHostkey reads the persisted Ed25519 private key, generating
// and persisting a fresh one on first run.
func (s *Store) LoadOrCreateHostkey() (ed25519.PrivateKey, error) {
	path := filepath.Join(s.home, hostkeyFile)

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("store: hostkey file %s has wrong size %d", path, len(raw))
		}
		return ed25519.PrivateKey(raw), nil
	case os.IsNotExist(err):
		_, priv, genErr := ed25519.GenerateKey(nil)
		if genErr != nil {
			return nil, fmt.Errorf("store: generate hostkey: %w", genErr)
		}
		if writeErr := os.WriteFile(path, priv, 0o600); writeErr != nil {
			return nil, fmt.Errorf("store: write hostkey: %w", writeErr)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("store: read hostkey: %w", err)
	}
}

// -------------------------------------------------------------------------
// Known hosts
// -------------------------------------------------------------------------

// knownHostPath names the on-disk file for one (identity, transport) pair
// (spec.md §6.5: "one file per peer×transport named by identity hex").
func (s *Store) knownHostPath(id peer.Identity, transport string) string {
	return filepath.Join(s.home, knownHostsDir, id.Hex()+"."+transport)
}

// SaveHello persists h under its originator and transport name.
func (s *Store) SaveHello(transport string, h wire.Hello) error {
	path := s.knownHostPath(h.Originator, transport)
	if err := os.WriteFile(path, h.Encode(), 0o600); err != nil {
		return fmt.Errorf("store: save hello %s: %w", path, err)
	}
	return nil
}

// LoadKnownHosts reads every persisted HELLO back into memory, keyed by
// (identity, transport). Malformed entries are skipped rather than
// failing the whole load, since a single corrupt file should not block
// startup.
func (s *Store) LoadKnownHosts() ([]wire.Hello, error) {
	dir := filepath.Join(s.home, knownHostsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("store: read known-hosts dir: %w", err)
	}

	var hellos []wire.Hello
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		h, err := wire.Decode(raw)
		if err != nil {
			continue
		}
		hellos = append(hellos, h)
	}
	return hellos, nil
}

// -------------------------------------------------------------------------
// Trust counters
// -------------------------------------------------------------------------

// trustRecord is the on-disk JSON shape of one peer's trust counter.
type trustRecord struct {
	Trust int `json:"trust"`
}

func (s *Store) trustPath(id peer.Identity) string {
	return filepath.Join(s.home, trustDir, id.Hex())
}

// LoadTrust reads the persisted trust counter for id, returning 0 if
// none has been recorded yet.
func (s *Store) LoadTrust(id peer.Identity) (int, error) {
	raw, err := os.ReadFile(s.trustPath(id))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: read trust for %s: %w", id.Hex(), err)
	}
	var rec trustRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return 0, fmt.Errorf("store: decode trust for %s: %w", id.Hex(), err)
	}
	return rec.Trust, nil
}

// SaveTrust persists trust as id's current trust counter.
func (s *Store) SaveTrust(id peer.Identity, trust int) error {
	raw, err := json.Marshal(trustRecord{Trust: trust})
	if err != nil {
		return fmt.Errorf("store: encode trust for %s: %w", id.Hex(), err)
	}
	if err := os.WriteFile(s.trustPath(id), raw, 0o600); err != nil {
		return fmt.Errorf("store: write trust for %s: %w", id.Hex(), err)
	}
	return nil
}

// LoadAllTrust reads every persisted trust counter, keyed by identity.
// Filenames that do not decode as a full identity hex string are
// skipped.
func (s *Store) LoadAllTrust() (map[peer.Identity]int, error) {
	dir := filepath.Join(s.home, trustDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("store: read trust dir: %w", err)
	}

	out := make(map[peer.Identity]int, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idBytes, err := hex.DecodeString(strings.ToLower(e.Name()))
		if err != nil {
			continue
		}
		id, err := peer.FromBytes(idBytes)
		if err != nil {
			continue
		}
		trust, err := s.LoadTrust(id)
		if err != nil {
			continue
		}
		out[id] = trust
	}
	return out, nil
}
