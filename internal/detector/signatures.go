package detector

import (
	"fmt"
	"os"

	"github.com/xela07ax/saferun-engine/internal/domain"
	"gopkg.in/yaml.v3"
)

// severityWeights — вклад сигнатуры по ее тяжести, когда явный
// weight не задан.
var severityWeights = map[string]float64{
	"critical": 1.0,
	"high":     0.4,
	"medium":   0.2,
	"low":      0.1,
}

// SignatureWeight возвращает эффективный вес сигнатуры
func SignatureWeight(sig domain.Signature) float64 {
	if sig.Weight > 0 {
		return sig.Weight
	}
	if w, ok := severityWeights[sig.Severity]; ok {
		return w
	}
	return 0.1
}

// BuiltinSignatures — минимальная встроенная база. Боевая база
// подкладывается YAML-файлом и добавляется к встроенной.
func BuiltinSignatures() []domain.Signature {
	return []domain.Signature{
		{
			ID:          "SIG-001",
			Name:        "System File Access",
			Description: "Accesses sensitive system files",
			Indicators:  []string{"/etc/passwd", `c:\windows\system32\config`},
			Severity:    "high",
			Category:    "File Access",
			Platforms:   []string{"linux", "windows", "macos"},
		},
		{
			ID:          "SIG-002",
			Name:        "Registry Modification",
			Description: "Modifies autorun registry keys",
			Indicators:  []string{`hkey_local_machine\software\microsoft\windows\currentversion\run`},
			Severity:    "medium",
			Category:    "Registry Modification",
			Platforms:   []string{"windows"},
		},
		{
			ID:          "SIG-003",
			Name:        "Suspicious Network Connection",
			Description: "Connects to common malicious ports or domains",
			Indicators:  []string{":4444", ":1337", ":31337", "malicious.example.com"},
			Severity:    "high",
			Category:    "Network Activity",
			Platforms:   []string{"all"},
		},
	}
}

type signatureFile struct {
	Signatures []domain.Signature `yaml:"signatures"`
}

// LoadSignatureFile читает YAML-базу сигнатур. Формат:
//
//	signatures:
//	  - id: SIG-100
//	    name: ...
//	    indicators: [...]
//	    severity: high
//	    conclusive: true
func LoadSignatureFile(path string) ([]domain.Signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signature file: %w", err)
	}

	var f signatureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse signature file %s: %w", path, err)
	}
	return f.Signatures, nil
}
