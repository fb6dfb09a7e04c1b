package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestLoadSigners(t *testing.T) {
	t.Parallel()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	junkPath := filepath.Join(dir, "junk")
	if err := os.WriteFile(junkPath, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		want    int
		wantErr string
	}{
		{name: "disabled", path: "", want: 0},
		{name: "key file", path: keyPath, want: 1},
		{name: "missing file", path: filepath.Join(dir, "nope"), wantErr: "reading key file"},
		{name: "bad key", path: junkPath, wantErr: "parsing key file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			signers, err := LoadSigners(tt.path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("got %v, want error containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(signers) != tt.want {
				t.Fatalf("got %d signers, want %d", len(signers), tt.want)
			}
		})
	}
}

func TestClientConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     ClientConfig
		wantErr string
	}{
		{name: "password", cfg: ClientConfig{Username: "u", Password: "p"}},
		{name: "key", cfg: ClientConfig{Username: "u", Signers: []ssh.Signer{mustGenerateKey(t)}}},
		{name: "missing username", cfg: ClientConfig{Password: "p"}, wantErr: "missing username"},
		{name: "missing credentials", cfg: ClientConfig{Username: "u"}, wantErr: "missing password or key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatal(err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("got %v, want %q", err, tt.wantErr)
			}
		})
	}
}
