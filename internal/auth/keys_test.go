package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xiaopang/unlimited2api/internal/model"
)

func writeKeyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".KEY")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return path
}

func TestParseKeyLine(t *testing.T) {
	tests := []struct {
		line    string
		key     string
		name    string
		rate    model.RateMode
		custom  int
		permann bool
		wantErr bool
	}{
		{line: "alice=sk-abc", key: "sk-abc", name: "alice", permann: true},
		{line: "bob=sk-def=permanent", key: "sk-def", name: "bob", permann: true},
		{line: "carol=sk-ghi=2099-12-31", key: "sk-ghi", name: "carol"},
		{line: "dave=sk-jkl=permanent=no_limit", key: "sk-jkl", name: "dave", rate: model.RateModeNoLimit, permann: true},
		{line: "erin=sk-mno=permanent=rate_limit", key: "sk-mno", name: "erin", rate: model.RateModeLimit, permann: true},
		{line: "frank=sk-pqr=permanent=rate_limit:20", key: "sk-pqr", name: "frank", rate: model.RateModeLimit, custom: 20, permann: true},
		{line: "broken", wantErr: true},
		{line: "x=sk-1=not-a-date", wantErr: true},
		{line: "x=sk-1=permanent=rate_limit:zero", wantErr: true},
	}

	for _, tc := range tests {
		key, policy, err := parseKeyLine(tc.line)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseKeyLine(%q): want error, got key=%q", tc.line, key)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseKeyLine(%q): %v", tc.line, err)
			continue
		}
		if key != tc.key || policy.Name != tc.name {
			t.Errorf("parseKeyLine(%q) = (%q, name %q), want (%q, %q)", tc.line, key, policy.Name, tc.key, tc.name)
		}
		if policy.RateMode != tc.rate || policy.CustomRate != tc.custom {
			t.Errorf("parseKeyLine(%q) rate = (%q, %d), want (%q, %d)", tc.line, policy.RateMode, policy.CustomRate, tc.rate, tc.custom)
		}
		if tc.permann != (policy.Expiry == nil) {
			t.Errorf("parseKeyLine(%q) expiry = %v, want permanent=%v", tc.line, policy.Expiry, tc.permann)
		}
	}
}

func TestRegistryValidate(t *testing.T) {
	path := writeKeyFile(t, `
# 测试密钥
alice=sk-good=permanent
old=sk-old=2020-01-01
`)
	reg, err := NewRegistry(path)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if reg.Count() != 2 {
		t.Fatalf("Count = %d, want 2", reg.Count())
	}

	policy, err := reg.Validate("sk-good")
	if err != nil {
		t.Fatalf("Validate(sk-good): %v", err)
	}
	if policy.Name != "alice" {
		t.Errorf("policy.Name = %q, want alice", policy.Name)
	}

	if _, err := reg.Validate(""); !errors.Is(err, ErrKeyMissing) {
		t.Errorf("Validate(empty) = %v, want ErrKeyMissing", err)
	}
	if _, err := reg.Validate("sk-nope"); !errors.Is(err, ErrKeyUnknown) {
		t.Errorf("Validate(unknown) = %v, want ErrKeyUnknown", err)
	}
	if _, err := reg.Validate("sk-old"); !errors.Is(err, ErrKeyExpired) {
		t.Errorf("Validate(expired) = %v, want ErrKeyExpired", err)
	}
}

func TestRegistryReload(t *testing.T) {
	path := writeKeyFile(t, "alice=sk-one=permanent\n")
	reg, err := NewRegistry(path)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := reg.Validate("sk-two"); !errors.Is(err, ErrKeyUnknown) {
		t.Fatalf("Validate(sk-two) before reload = %v, want ErrKeyUnknown", err)
	}

	if err := os.WriteFile(path, []byte("bob=sk-two=permanent\n"), 0644); err != nil {
		t.Fatalf("rewrite key file: %v", err)
	}
	if err := reg.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if _, err := reg.Validate("sk-two"); err != nil {
		t.Errorf("Validate(sk-two) after reload: %v", err)
	}
	if _, err := reg.Validate("sk-one"); !errors.Is(err, ErrKeyUnknown) {
		t.Errorf("Validate(sk-one) after reload = %v, want ErrKeyUnknown", err)
	}
}

func TestRegistryWatch(t *testing.T) {
	path := writeKeyFile(t, "alice=sk-one=permanent\n")
	reg, err := NewRegistry(path)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := reg.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer reg.Stop()

	if err := os.WriteFile(path, []byte("alice=sk-one=permanent\nbob=sk-two=permanent\n"), 0644); err != nil {
		t.Fatalf("rewrite key file: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := reg.Validate("sk-two"); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("watcher did not pick up key file change")
}

func TestRegistryMissingFile(t *testing.T) {
	reg, err := NewRegistry(filepath.Join(t.TempDir(), "nope.KEY"))
	if err != nil {
		t.Fatalf("NewRegistry on missing file: %v", err)
	}
	if reg.Count() != 0 {
		t.Errorf("Count = %d, want 0", reg.Count())
	}
	if _, err := reg.Validate("anything"); !errors.Is(err, ErrKeyUnknown) {
		t.Errorf("Validate = %v, want ErrKeyUnknown", err)
	}
}
