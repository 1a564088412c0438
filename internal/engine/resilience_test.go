package engine

import "testing"

func TestParseSignal(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Signal
		ok      bool
	}{
		{"blacklist add", "mimikatz.exe:on", Signal{ID: "mimikatz.exe", On: true}, true},
		{"blacklist remove", "mimikatz.exe:off", Signal{ID: "mimikatz.exe", On: false}, true},
		{"session cancel", "sess-42:on", Signal{ID: "sess-42", On: true}, true},
		{"boolean form", "sess-42:true", Signal{ID: "sess-42", On: true}, true},
		{"no separator", "mimikatz.exe", Signal{}, false},
		{"empty id", ":on", Signal{}, false},
		{"empty payload", "", Signal{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseSignal(tt.payload)
			if ok != tt.ok {
				t.Fatalf("parseSignal(%q) ok = %v, want %v", tt.payload, ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("parseSignal(%q) = %+v, want %+v", tt.payload, got, tt.want)
			}
		})
	}
}
