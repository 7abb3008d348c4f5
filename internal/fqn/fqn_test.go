package fqn

import "testing"

func TestFormatParse(t *testing.T) {
	tests := []struct {
		name     string
		location string
		nodeID   string
		want     string
	}{
		{"nas", "office", "", "nas@office"},
		{"nas", "home lab", "", "nas@home+lab"},
		{"desktop", "office", "node1", "desktop@office-node1"},
		{"tv", "living room", "pi4", "tv@living+room-pi4"},
	}
	for _, tt := range tests {
		got := Format(tt.name, tt.location, tt.nodeID)
		if got != tt.want {
			t.Errorf("Format(%q, %q, %q) = %q, want %q",
				tt.name, tt.location, tt.nodeID, got, tt.want)
		}

		parsed, err := Parse(got)
		if err != nil {
			t.Errorf("Parse(%q): %v", got, err)
			continue
		}
		if parsed.Name != tt.name || parsed.Location != tt.location || parsed.NodeID != tt.nodeID {
			t.Errorf("Parse(%q) = %+v, want {%s %s %s}",
				got, parsed, tt.name, tt.location, tt.nodeID)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, s := range []string{"", "noat", "@office", "nas@", "nas@%zz"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) accepted an invalid fqn", s)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	f := FQN{Name: "nas", Location: "home lab", NodeID: "node1"}
	parsed, err := Parse(f.String())
	if err != nil {
		t.Fatalf("Parse(%q): %v", f.String(), err)
	}
	if parsed != f {
		t.Errorf("round trip = %+v, want %+v", parsed, f)
	}
}
