package detector

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xela07ax/saferun-engine/internal/domain"
)

func TestSignatureWeight(t *testing.T) {
	tests := []struct {
		name string
		sig  domain.Signature
		want float64
	}{
		{"explicit weight wins", domain.Signature{Severity: "high", Weight: 0.75}, 0.75},
		{"critical severity", domain.Signature{Severity: "critical"}, 1.0},
		{"high severity", domain.Signature{Severity: "high"}, 0.4},
		{"medium severity", domain.Signature{Severity: "medium"}, 0.2},
		{"low severity", domain.Signature{Severity: "low"}, 0.1},
		{"unknown severity defaults low", domain.Signature{Severity: "whatever"}, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SignatureWeight(tt.sig); got != tt.want {
				t.Errorf("SignatureWeight = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadSignatureFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signatures.yaml")
	data := `signatures:
  - id: SIG-100
    name: Mimikatz strings
    indicators: ["sekurlsa", "logonpasswords"]
    severity: critical
    conclusive: true
    platforms: [windows]
  - id: SIG-101
    name: Reverse shell port
    indicators: [":9001"]
    severity: high
    weight: 0.45
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	sigs, err := LoadSignatureFile(path)
	if err != nil {
		t.Fatalf("LoadSignatureFile: %v", err)
	}
	if len(sigs) != 2 {
		t.Fatalf("loaded %d signatures, want 2", len(sigs))
	}

	first := sigs[0]
	if first.ID != "SIG-100" || !first.Conclusive || len(first.Indicators) != 2 {
		t.Errorf("first signature parsed wrong: %+v", first)
	}
	if SignatureWeight(sigs[1]) != 0.45 {
		t.Errorf("explicit weight lost: %v", SignatureWeight(sigs[1]))
	}
}

func TestLoadSignatureFileErrors(t *testing.T) {
	if _, err := LoadSignatureFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file must error")
	}

	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("signatures: [not-a-map"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSignatureFile(path); err == nil {
		t.Error("broken yaml must error")
	}
}

func TestBuiltinSignaturesSane(t *testing.T) {
	seen := make(map[string]bool)
	for _, sig := range BuiltinSignatures() {
		if sig.ID == "" || len(sig.Indicators) == 0 {
			t.Errorf("incomplete builtin signature: %+v", sig)
		}
		if seen[sig.ID] {
			t.Errorf("duplicate builtin signature id %s", sig.ID)
		}
		seen[sig.ID] = true
		if SignatureWeight(sig) <= 0 {
			t.Errorf("signature %s has non-positive weight", sig.ID)
		}
	}
}
