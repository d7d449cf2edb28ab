// Package ortc converts between browser SDP and the edge's capability
// description ("ORTC") used by the join handshake. It performs no I/O.
package ortc

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Capabilities is the capability description exchanged with the edge.
type Capabilities struct {
	ICEParameters   ICEParameters   `json:"iceParameters"`
	DTLSParameters  DTLSParameters  `json:"dtlsParameters"`
	RTPCapabilities RTPCapabilities `json:"rtpCapabilities"`
	Version         string          `json:"version,omitempty"`
}

type ICEParameters struct {
	ICEUfrag   string      `json:"iceUfrag,omitempty"`
	ICEPwd     string      `json:"icePwd,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

type Candidate struct {
	Foundation string `json:"foundation"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	Priority   int64  `json:"priority"`
	Protocol   string `json:"protocol"`
	Type       string `json:"type"`
	Generation *int   `json:"generation,omitempty"`
}

type DTLSParameters struct {
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
	Role         string            `json:"role,omitempty"`
}

type DTLSFingerprint struct {
	HashFunction string `json:"hashFunction,omitempty"`
	Algorithm    string `json:"algorithm,omitempty"`
	Fingerprint  string `json:"fingerprint"`
}

// Hash returns the declared hash function, defaulting to sha-256.
func (f DTLSFingerprint) Hash() string {
	switch {
	case f.HashFunction != "":
		return f.HashFunction
	case f.Algorithm != "":
		return f.Algorithm
	default:
		return "sha-256"
	}
}

// RTPCapabilities holds directional capability sets. Some edges answer with the
// lists directly at this level; those land in the embedded set.
type RTPCapabilities struct {
	Send     *CapabilitySet `json:"send,omitempty"`
	Recv     *CapabilitySet `json:"recv,omitempty"`
	SendRecv *CapabilitySet `json:"sendrecv,omitempty"`
	*CapabilitySet
}

// Effective picks the set an answer is built from: sendrecv, recv, send, then
// the top-level lists.
func (r RTPCapabilities) Effective() CapabilitySet {
	for _, set := range []*CapabilitySet{r.SendRecv, r.Recv, r.Send, r.CapabilitySet} {
		if set != nil && !set.empty() {
			return *set
		}
	}
	return CapabilitySet{}
}

type CapabilitySet struct {
	AudioCodecs     []Codec     `json:"audioCodecs"`
	AudioExtensions []Extension `json:"audioExtensions"`
	VideoCodecs     []Codec     `json:"videoCodecs"`
	VideoExtensions []Extension `json:"videoExtensions"`
}

func newCapabilitySet() *CapabilitySet {
	return &CapabilitySet{
		AudioCodecs:     []Codec{},
		AudioExtensions: []Extension{},
		VideoCodecs:     []Codec{},
		VideoExtensions: []Extension{},
	}
}

func (s *CapabilitySet) empty() bool {
	return len(s.AudioCodecs) == 0 && len(s.VideoCodecs) == 0 &&
		len(s.AudioExtensions) == 0 && len(s.VideoExtensions) == 0
}

func (s *CapabilitySet) add(mediaType string, codecs []Codec, exts []Extension) {
	switch mediaType {
	case "audio":
		s.AudioCodecs = append(s.AudioCodecs, codecs...)
		s.AudioExtensions = append(s.AudioExtensions, exts...)
	case "video":
		s.VideoCodecs = append(s.VideoCodecs, codecs...)
		s.VideoExtensions = append(s.VideoExtensions, exts...)
	}
}

func (s CapabilitySet) codecsFor(mediaType string) []Codec {
	switch mediaType {
	case "audio":
		return s.AudioCodecs
	case "video":
		return s.VideoCodecs
	}
	return nil
}

func (s CapabilitySet) extensionsFor(mediaType string) []Extension {
	switch mediaType {
	case "audio":
		return s.AudioExtensions
	case "video":
		return s.VideoExtensions
	}
	return nil
}

type Codec struct {
	PayloadType   int            `json:"payloadType"`
	RTPMap        RTPMap         `json:"rtpMap"`
	RTCPFeedbacks []RTCPFeedback `json:"rtcpFeedbacks"`
	FMTP          FMTP           `json:"fmtp"`
}

type RTPMap struct {
	EncodingName       string     `json:"encodingName"`
	ClockRate          int        `json:"clockRate"`
	EncodingParameters FlexString `json:"encodingParameters,omitempty"`
}

type RTCPFeedback struct {
	Type      string     `json:"type"`
	Parameter FlexString `json:"parameter,omitempty"`
}

type FMTP struct {
	Parameters map[string]FlexString `json:"parameters"`
}

type Extension struct {
	Entry         int    `json:"entry"`
	ExtensionName string `json:"extensionName"`
}

// FlexString accepts JSON strings, numbers and null. Edges are not consistent
// about quoting numeric codec parameters.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*f = FlexString(strconv.FormatInt(i, 10))
		return nil
	}
	*f = FlexString(n.String())
	return nil
}
