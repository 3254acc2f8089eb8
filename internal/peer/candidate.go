package peer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Candidate is one ICE candidate in parsed form. Candidates travel the
// signaling channel as the browser-style JSON object
// {"candidate": "candidate:…", "sdpMid": "0", "sdpMLineIndex": 0}; the
// textual attribute line is validated and split into fields on unmarshal.
//
// The zero Candidate marks the end of a remote's candidates, mirroring the
// empty candidate string browsers emit when gathering completes.
type Candidate struct {
	Foundation string
	Component  uint16
	Protocol   string
	Priority   uint32
	IP         string
	Port       uint16
	Typ        string

	SDPMid        string
	SDPMLineIndex uint16

	// raw preserves the original attribute line so relayed candidates keep
	// extension attributes (raddr, generation, …) the parsed fields drop.
	raw string
}

// ParseCandidate splits the textual "candidate:…" attribute line into its
// fields. The line is whitespace-separated:
//
//	candidate:<foundation> <component> <protocol> <priority> <ip> <port> typ <type> …
//
// Trailing attributes after the type are preserved but not interpreted.
func ParseCandidate(text string, sdpMid string, sdpMLineIndex uint16) (*Candidate, error) {
	fields := strings.Fields(text)
	if len(fields) < 8 {
		return nil, fmt.Errorf("peer: parse candidate %q: want at least 8 fields, got %d", text, len(fields))
	}
	foundation, ok := strings.CutPrefix(fields[0], "candidate:")
	if !ok || foundation == "" {
		return nil, fmt.Errorf("peer: parse candidate %q: missing candidate: prefix", text)
	}
	component, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("peer: parse candidate %q: component: %w", text, err)
	}
	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("peer: parse candidate %q: priority: %w", text, err)
	}
	port, err := strconv.ParseUint(fields[5], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("peer: parse candidate %q: port: %w", text, err)
	}
	if fields[6] != "typ" {
		return nil, fmt.Errorf("peer: parse candidate %q: missing typ marker", text)
	}
	return &Candidate{
		Foundation:    foundation,
		Component:     uint16(component),
		Protocol:      strings.ToLower(fields[2]),
		Priority:      uint32(priority),
		IP:            fields[4],
		Port:          uint16(port),
		Typ:           fields[7],
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
		raw:           text,
	}, nil
}

// String returns the textual attribute line. Parsed candidates return the
// original line verbatim; hand-built values are rendered from their fields.
// The zero Candidate renders as the empty string.
func (c *Candidate) String() string {
	if c.raw != "" {
		return c.raw
	}
	if c.Foundation == "" {
		return ""
	}
	return fmt.Sprintf("candidate:%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, c.Protocol, c.Priority, c.IP, c.Port, c.Typ)
}

// Init converts the candidate into Pion's wire representation.
func (c *Candidate) Init() webrtc.ICECandidateInit {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return webrtc.ICECandidateInit{Candidate: c.String(), SDPMid: &mid, SDPMLineIndex: &idx}
}

// candidateJSON is the browser-compatible JSON shape of a candidate.
type candidateJSON struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

// MarshalJSON renders the browser-compatible candidate object.
func (c *Candidate) MarshalJSON() ([]byte, error) {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return json.Marshal(candidateJSON{Candidate: c.String(), SDPMid: &mid, SDPMLineIndex: &idx})
}

// UnmarshalJSON parses the browser-compatible candidate object. An empty
// candidate string yields the zero Candidate (end of candidates).
func (c *Candidate) UnmarshalJSON(data []byte) error {
	var wire candidateJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("peer: unmarshal candidate: %w", err)
	}
	if strings.TrimSpace(wire.Candidate) == "" {
		*c = Candidate{}
		return nil
	}
	var mid string
	if wire.SDPMid != nil {
		mid = *wire.SDPMid
	}
	var idx uint16
	if wire.SDPMLineIndex != nil {
		idx = *wire.SDPMLineIndex
	}
	parsed, err := ParseCandidate(wire.Candidate, mid, idx)
	if err != nil {
		return err
	}
	*c = *parsed
	return nil
}
