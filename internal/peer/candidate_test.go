package peer_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/parley-ai/parley/internal/peer"
)

func TestParseCandidate_Host(t *testing.T) {
	t.Parallel()

	line := "candidate:842163049 1 udp 1677729535 192.168.1.10 54321 typ host generation 0 network-cost 999"
	cand, err := peer.ParseCandidate(line, "0", 0)
	if err != nil {
		t.Fatalf("ParseCandidate returned error: %v", err)
	}
	if cand.Foundation != "842163049" {
		t.Errorf("Foundation = %q, want %q", cand.Foundation, "842163049")
	}
	if cand.Component != 1 {
		t.Errorf("Component = %d, want 1", cand.Component)
	}
	if cand.Protocol != "udp" {
		t.Errorf("Protocol = %q, want %q", cand.Protocol, "udp")
	}
	if cand.Priority != 1677729535 {
		t.Errorf("Priority = %d, want 1677729535", cand.Priority)
	}
	if cand.IP != "192.168.1.10" {
		t.Errorf("IP = %q, want %q", cand.IP, "192.168.1.10")
	}
	if cand.Port != 54321 {
		t.Errorf("Port = %d, want 54321", cand.Port)
	}
	if cand.Typ != "host" {
		t.Errorf("Typ = %q, want %q", cand.Typ, "host")
	}
	if got := cand.String(); got != line {
		t.Errorf("String() = %q, want the original line back", got)
	}
}

func TestParseCandidate_UppercaseProtocol(t *testing.T) {
	t.Parallel()

	cand, err := peer.ParseCandidate("candidate:1 1 UDP 2130706431 10.0.0.1 5000 typ host", "audio", 1)
	if err != nil {
		t.Fatalf("ParseCandidate returned error: %v", err)
	}
	if cand.Protocol != "udp" {
		t.Errorf("Protocol = %q, want lowercased %q", cand.Protocol, "udp")
	}
	if cand.SDPMid != "audio" || cand.SDPMLineIndex != 1 {
		t.Errorf("SDPMid/SDPMLineIndex = %q/%d, want audio/1", cand.SDPMid, cand.SDPMLineIndex)
	}
}

func TestParseCandidate_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		line string
	}{
		{"missing prefix", "1 1 udp 2130706431 10.0.0.1 5000 typ host"},
		{"too few fields", "candidate:1 1 udp 2130706431 10.0.0.1"},
		{"bad component", "candidate:1 x udp 2130706431 10.0.0.1 5000 typ host"},
		{"bad priority", "candidate:1 1 udp banana 10.0.0.1 5000 typ host"},
		{"bad port", "candidate:1 1 udp 2130706431 10.0.0.1 99999 typ host"},
		{"missing typ marker", "candidate:1 1 udp 2130706431 10.0.0.1 5000 kind host"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := peer.ParseCandidate(tc.line, "0", 0); err == nil {
				t.Errorf("ParseCandidate(%q) succeeded, want error", tc.line)
			}
		})
	}
}

func TestCandidate_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	line := "candidate:3098175849 1 tcp 1518280447 203.0.113.9 443 typ relay raddr 10.0.0.2 rport 61000"
	cand, err := peer.ParseCandidate(line, "0", 0)
	if err != nil {
		t.Fatalf("ParseCandidate returned error: %v", err)
	}

	data, err := json.Marshal(cand)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	for _, want := range []string{`"candidate":`, `"sdpMid":"0"`, `"sdpMLineIndex":0`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("marshaled candidate %s missing %s", data, want)
		}
	}

	var back peer.Candidate
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if back.String() != line {
		t.Errorf("round-tripped line = %q, want %q", back.String(), line)
	}
	if back.Typ != "relay" || back.Port != 443 {
		t.Errorf("round-tripped fields = %q/%d, want relay/443", back.Typ, back.Port)
	}
}

func TestCandidate_UnmarshalEmptyIsEndOfCandidates(t *testing.T) {
	t.Parallel()

	var cand peer.Candidate
	if err := json.Unmarshal([]byte(`{"candidate":"","sdpMid":"0","sdpMLineIndex":0}`), &cand); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if cand.String() != "" {
		t.Errorf("String() = %q, want empty for end-of-candidates", cand.String())
	}
	if init := cand.Init(); init.Candidate != "" {
		t.Errorf("Init().Candidate = %q, want empty", init.Candidate)
	}
}

func TestCandidate_UnmarshalNullMidAndIndex(t *testing.T) {
	t.Parallel()

	var cand peer.Candidate
	raw := `{"candidate":"candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host","sdpMid":null,"sdpMLineIndex":null}`
	if err := json.Unmarshal([]byte(raw), &cand); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if cand.SDPMid != "" || cand.SDPMLineIndex != 0 {
		t.Errorf("SDPMid/SDPMLineIndex = %q/%d, want zero values", cand.SDPMid, cand.SDPMLineIndex)
	}
	if cand.IP != "10.0.0.1" {
		t.Errorf("IP = %q, want 10.0.0.1", cand.IP)
	}
}

func TestCandidate_StringFromFields(t *testing.T) {
	t.Parallel()

	cand := peer.Candidate{
		Foundation: "foo",
		Component:  1,
		Protocol:   "udp",
		Priority:   2130706431,
		IP:         "10.0.0.1",
		Port:       5000,
		Typ:        "host",
	}
	want := "candidate:foo 1 udp 2130706431 10.0.0.1 5000 typ host"
	if got := cand.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
