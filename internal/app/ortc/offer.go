package ortc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

var (
	ErrEmptyOffer         = errors.New("ortc: empty offer")
	ErrMalformedCandidate = errors.New("ortc: malformed candidate")
)

type Direction string

const (
	SendRecv Direction = "sendrecv"
	SendOnly Direction = "sendonly"
	RecvOnly Direction = "recvonly"
	Inactive Direction = "inactive"
)

// Reverse returns the direction seen from the answering peer.
func (d Direction) Reverse() Direction {
	switch d {
	case SendOnly:
		return RecvOnly
	case RecvOnly:
		return SendOnly
	case "":
		return SendRecv
	}
	return d
}

type Fingerprint struct {
	Hash  string
	Value string
}

// Transport groups attributes that may appear either at session level or in
// a media section.
type Transport struct {
	ICEUfrag     string
	ICEPwd       string
	ICEOptions   string
	Setup        string
	Fingerprints []Fingerprint
}

type RTPMapLine struct {
	PayloadType int
	Encoding    string
	ClockRate   int
	Parameters  string
}

type FMTPLine struct {
	PayloadType int
	Config      string
}

type FeedbackLine struct {
	PayloadType int
	Type        string
	Parameter   string
}

type Group struct {
	Semantics string
	Mids      []string
}

type MediaSection struct {
	Transport
	Type       string
	Port       int
	Protos     string
	Payloads   []string
	Mid        string
	Direction  Direction
	RTPMaps    []RTPMapLine
	FMTPs      []FMTPLine
	Feedbacks  []FeedbackLine
	Extensions []Extension
}

// EffectiveDirection applies the sendrecv default for sections without one.
func (m MediaSection) EffectiveDirection() Direction {
	if m.Direction == "" {
		return SendRecv
	}
	return m.Direction
}

// Offer is a parsed browser offer. Only the attributes used by the join
// handshake and the answer are kept.
type Offer struct {
	Version          int
	Origin           sdp.Origin
	SessionName      string
	Session          Transport
	Media            []MediaSection
	Groups           []Group
	MsidSemantic     string
	ExtmapAllowMixed bool
}

// Parse reads a browser SDP offer.
func Parse(text string) (*Offer, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyOffer
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(normalizeLineEndings(text))); err != nil {
		return nil, fmt.Errorf("ortc: parse offer: %w", err)
	}

	offer := &Offer{
		Version:     int(desc.Version),
		Origin:      desc.Origin,
		SessionName: string(desc.SessionName),
	}
	for _, attr := range desc.Attributes {
		switch attr.Key {
		case "group":
			if g, ok := parseGroup(attr.Value); ok {
				offer.Groups = append(offer.Groups, g)
			}
		case "msid-semantic":
			offer.MsidSemantic = strings.TrimSpace(attr.Value)
		case "extmap-allow-mixed":
			offer.ExtmapAllowMixed = true
		default:
			offer.Session.apply(attr)
		}
	}

	for _, md := range desc.MediaDescriptions {
		section := MediaSection{
			Type:     md.MediaName.Media,
			Port:     md.MediaName.Port.Value,
			Protos:   strings.Join(md.MediaName.Protos, "/"),
			Payloads: append([]string(nil), md.MediaName.Formats...),
		}
		for _, attr := range md.Attributes {
			section.apply(attr)
		}
		offer.Media = append(offer.Media, section)
	}
	return offer, nil
}

// Offers pasted through the viewer arrive with mixed line endings and
// stray blank lines.
func normalizeLineEndings(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\r\n") + "\r\n"
}

func (t *Transport) apply(attr sdp.Attribute) bool {
	switch attr.Key {
	case "ice-ufrag":
		t.ICEUfrag = strings.TrimSpace(attr.Value)
	case "ice-pwd":
		t.ICEPwd = strings.TrimSpace(attr.Value)
	case "ice-options":
		t.ICEOptions = strings.TrimSpace(attr.Value)
	case "setup":
		t.Setup = strings.TrimSpace(attr.Value)
	case "fingerprint":
		fields := strings.Fields(attr.Value)
		if len(fields) >= 2 {
			t.Fingerprints = append(t.Fingerprints, Fingerprint{Hash: fields[0], Value: fields[1]})
		}
	default:
		return false
	}
	return true
}

func (m *MediaSection) apply(attr sdp.Attribute) {
	if m.Transport.apply(attr) {
		return
	}
	switch attr.Key {
	case "mid":
		m.Mid = strings.TrimSpace(attr.Value)
	case string(SendRecv), string(SendOnly), string(RecvOnly), string(Inactive):
		m.Direction = Direction(attr.Key)
	case "rtpmap":
		if r, ok := parseRTPMap(attr.Value); ok {
			m.RTPMaps = append(m.RTPMaps, r)
		}
	case "fmtp":
		pt, rest, ok := splitPayloadType(attr.Value)
		if ok {
			m.FMTPs = append(m.FMTPs, FMTPLine{PayloadType: pt, Config: rest})
		}
	case "rtcp-fb":
		pt, rest, ok := splitPayloadType(attr.Value)
		if !ok {
			return
		}
		fields := strings.Fields(rest)
		fb := FeedbackLine{PayloadType: pt}
		if len(fields) > 0 {
			fb.Type = fields[0]
		}
		if len(fields) > 1 {
			fb.Parameter = strings.Join(fields[1:], " ")
		}
		m.Feedbacks = append(m.Feedbacks, fb)
	case "extmap":
		if e, ok := parseExtmap(attr.Value); ok {
			m.Extensions = append(m.Extensions, e)
		}
	}
}

func splitPayloadType(value string) (int, string, bool) {
	head, rest, _ := strings.Cut(strings.TrimSpace(value), " ")
	pt, err := strconv.Atoi(head)
	if err != nil {
		return 0, "", false
	}
	return pt, strings.TrimSpace(rest), true
}

// "111 opus/48000/2"
func parseRTPMap(value string) (RTPMapLine, bool) {
	pt, rest, ok := splitPayloadType(value)
	if !ok || rest == "" {
		return RTPMapLine{}, false
	}
	parts := strings.Split(rest, "/")
	r := RTPMapLine{PayloadType: pt, Encoding: parts[0], ClockRate: 90000}
	if len(parts) > 1 {
		rate, err := strconv.Atoi(parts[1])
		if err != nil {
			return RTPMapLine{}, false
		}
		r.ClockRate = rate
	}
	if len(parts) > 2 {
		r.Parameters = parts[2]
	}
	return r, true
}

// "3 urn:ietf:params:rtp-hdrext:sdes:mid" or "3/sendonly urn:..."
func parseExtmap(value string) (Extension, bool) {
	fields := strings.Fields(value)
	if len(fields) < 2 {
		return Extension{}, false
	}
	id, _, _ := strings.Cut(fields[0], "/")
	entry, err := strconv.Atoi(id)
	if err != nil {
		return Extension{}, false
	}
	return Extension{Entry: entry, ExtensionName: fields[1]}, true
}

func parseGroup(value string) (Group, bool) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return Group{}, false
	}
	return Group{Semantics: fields[0], Mids: fields[1:]}, true
}

// ICE returns session level credentials, falling back to the first media
// section that carries them.
func (o *Offer) ICE() (ufrag, pwd string) {
	if o.Session.ICEUfrag != "" {
		return o.Session.ICEUfrag, o.Session.ICEPwd
	}
	for _, m := range o.Media {
		if m.ICEUfrag != "" {
			return m.ICEUfrag, m.ICEPwd
		}
	}
	return "", ""
}

func (o *Offer) Fingerprints() []Fingerprint {
	if len(o.Session.Fingerprints) > 0 {
		return o.Session.Fingerprints
	}
	for _, m := range o.Media {
		if len(m.Fingerprints) > 0 {
			return m.Fingerprints
		}
	}
	return nil
}

// SetupRole defaults to actpass, which is what browsers offer.
func (o *Offer) SetupRole() string {
	if o.Session.Setup != "" {
		return o.Session.Setup
	}
	for _, m := range o.Media {
		if m.Setup != "" {
			return m.Setup
		}
	}
	return "actpass"
}

// Bundle returns the mids of the first BUNDLE group, or every mid in order
// when the offer has none.
func (o *Offer) Bundle() []string {
	for _, g := range o.Groups {
		if strings.EqualFold(g.Semantics, "BUNDLE") && len(g.Mids) > 0 {
			return g.Mids
		}
	}
	mids := make([]string, 0, len(o.Media))
	for i, m := range o.Media {
		mids = append(mids, m.midOr(i))
	}
	return mids
}

func (m MediaSection) midOr(index int) string {
	if m.Mid != "" {
		return m.Mid
	}
	return strconv.Itoa(index)
}

func (m MediaSection) extensionEntry(name string) (int, bool) {
	for _, e := range m.Extensions {
		if e.ExtensionName == name {
			return e.Entry, true
		}
	}
	return 0, false
}

// ParseCandidate converts a browser candidate line
// ("candidate:842163049 1 udp 1677729535 203.0.113.7 50123 typ srflx ...")
// into the edge's candidate record.
func ParseCandidate(line string) (Candidate, error) {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "a=")
	line = strings.TrimPrefix(line, "candidate:")
	parts := strings.Fields(line)
	if len(parts) < 8 || parts[6] != "typ" {
		return Candidate{}, fmt.Errorf("%w: %q", ErrMalformedCandidate, line)
	}
	priority, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: priority %q", ErrMalformedCandidate, parts[3])
	}
	port, err := strconv.Atoi(parts[5])
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: port %q", ErrMalformedCandidate, parts[5])
	}
	c := Candidate{
		Foundation: parts[0],
		Protocol:   strings.ToLower(parts[2]),
		Priority:   priority,
		IP:         parts[4],
		Port:       port,
		Type:       parts[7],
	}
	for i := 8; i+1 < len(parts); i += 2 {
		if parts[i] == "generation" {
			if g, err := strconv.Atoi(parts[i+1]); err == nil {
				c.Generation = &g
			}
		}
	}
	return c, nil
}
