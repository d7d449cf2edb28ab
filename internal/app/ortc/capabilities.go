package ortc

import "strings"

const capabilitiesVersion = "2"

// ToCapabilities derives the capability description sent in the join request.
// Directions are taken from the offering peer's viewpoint: a sendonly section
// only tells the edge what we can receive.
func ToCapabilities(offer *Offer, candidates []Candidate) Capabilities {
	ufrag, pwd := offer.ICE()
	caps := Capabilities{
		ICEParameters: ICEParameters{
			ICEUfrag:   ufrag,
			ICEPwd:     pwd,
			Candidates: append([]Candidate(nil), candidates...),
		},
		DTLSParameters: DTLSParameters{
			Fingerprints: []DTLSFingerprint{},
			Role:         "client",
		},
		Version: capabilitiesVersion,
	}
	for _, fp := range offer.Fingerprints() {
		caps.DTLSParameters.Fingerprints = append(caps.DTLSParameters.Fingerprints,
			DTLSFingerprint{HashFunction: fp.Hash, Fingerprint: fp.Value})
	}

	send, recv := newCapabilitySet(), newCapabilitySet()
	for _, m := range offer.Media {
		codecs := m.codecs()
		exts := append([]Extension(nil), m.Extensions...)
		switch m.EffectiveDirection() {
		case SendOnly:
			recv.add(m.Type, codecs, exts)
		case RecvOnly:
			send.add(m.Type, codecs, exts)
		default:
			send.add(m.Type, codecs, exts)
			recv.add(m.Type, codecs, exts)
		}
	}
	caps.RTPCapabilities = RTPCapabilities{Send: send, Recv: recv}
	return caps
}

func (m MediaSection) codecs() []Codec {
	codecs := make([]Codec, 0, len(m.RTPMaps))
	for _, r := range m.RTPMaps {
		c := Codec{
			PayloadType: r.PayloadType,
			RTPMap: RTPMap{
				EncodingName:       r.Encoding,
				ClockRate:          r.ClockRate,
				EncodingParameters: FlexString(r.Parameters),
			},
			RTCPFeedbacks: []RTCPFeedback{},
			FMTP:          FMTP{Parameters: map[string]FlexString{}},
		}
		for _, fb := range m.Feedbacks {
			if fb.PayloadType == r.PayloadType {
				c.RTCPFeedbacks = append(c.RTCPFeedbacks, RTCPFeedback{Type: fb.Type, Parameter: FlexString(fb.Parameter)})
			}
		}
		for _, f := range m.FMTPs {
			if f.PayloadType != r.PayloadType {
				continue
			}
			for _, part := range strings.Split(f.Config, ";") {
				key, value, ok := strings.Cut(part, "=")
				if !ok {
					continue
				}
				c.FMTP.Parameters[strings.TrimSpace(key)] = FlexString(strings.TrimSpace(value))
			}
		}
		codecs = append(codecs, c)
	}
	return codecs
}
