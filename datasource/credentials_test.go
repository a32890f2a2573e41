package datasource

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
)

func TestSealerRoundTrip(t *testing.T) {
	sealer := newTestSealer(t)
	secrets := map[string]string{
		"password":  "hunter2",
		"sas_token": "sv=2024-01-01&sig=abc%3D",
	}

	blob, err := sealer.Seal(secrets)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(blob, []byte("hunter2")) {
		t.Fatal("sealed blob contains plaintext secret")
	}

	got, err := sealer.Open(blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(got) != 2 || got["password"] != "hunter2" || got["sas_token"] != secrets["sas_token"] {
		t.Errorf("Open = %v", got)
	}
}

func TestSealerEmptySecrets(t *testing.T) {
	sealer := newTestSealer(t)

	blob, err := sealer.Seal(nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if blob != nil {
		t.Errorf("Seal(nil) = %v, want nil", blob)
	}

	got, err := sealer.Open(nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Open(nil) = %v, want empty map", got)
	}
}

func TestSealerDetectsTampering(t *testing.T) {
	sealer := newTestSealer(t)
	blob, err := sealer.Seal(map[string]string{"password": "hunter2"})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	blob[len(blob)-1] ^= 0xff
	if _, err := sealer.Open(blob); err == nil {
		t.Fatal("Open accepted a tampered blob")
	}
}

func TestSealerRejectsWrongKey(t *testing.T) {
	sealer := newTestSealer(t)
	blob, err := sealer.Seal(map[string]string{"password": "hunter2"})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	otherKey := make([]byte, chacha20poly1305.KeySize)
	otherKey[0] = 1
	other, err := NewSealer(otherKey)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	if _, err := other.Open(blob); err == nil {
		t.Fatal("Open with the wrong key succeeded")
	}
}

func TestSealerRejectsShortBlob(t *testing.T) {
	sealer := newTestSealer(t)
	if _, err := sealer.Open([]byte{1, 2, 3}); err == nil {
		t.Fatal("Open accepted a truncated blob")
	}
}

func TestNewSealerRejectsBadKeySize(t *testing.T) {
	if _, err := NewSealer([]byte("short")); err == nil {
		t.Fatal("NewSealer accepted a short key")
	}
}

func TestLoadKeyFromEnv(t *testing.T) {
	key := strings.Repeat("ab", 32)
	t.Setenv(keyEnv, key)

	got, err := LoadKey(t.TempDir())
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if hex.EncodeToString(got) != key {
		t.Errorf("LoadKey = %x", got)
	}
}

func TestLoadKeyRejectsBadEnv(t *testing.T) {
	t.Setenv(keyEnv, "not-hex")
	if _, err := LoadKey(t.TempDir()); err == nil {
		t.Fatal("LoadKey accepted invalid hex")
	}

	t.Setenv(keyEnv, "abcd")
	if _, err := LoadKey(t.TempDir()); err == nil {
		t.Fatal("LoadKey accepted a short key")
	}
}

func TestLoadKeyGeneratesAndPersists(t *testing.T) {
	t.Setenv(keyEnv, "")
	dir := t.TempDir()

	first, err := LoadKey(dir)
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if len(first) != chacha20poly1305.KeySize {
		t.Fatalf("generated key is %d bytes", len(first))
	}
	if _, err := os.Stat(filepath.Join(dir, ".datasource-key")); err != nil {
		t.Fatalf("key file not persisted: %v", err)
	}

	second, err := LoadKey(dir)
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("reloaded key differs from generated key")
	}
}
