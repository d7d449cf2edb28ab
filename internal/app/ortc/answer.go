package ortc

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

var (
	ErrMissingFingerprint = errors.New("ortc: no DTLS fingerprint in edge capabilities")
	ErrNoMedia            = errors.New("ortc: offer has no media sections")
	ErrInvalidAnswer      = errors.New("ortc: generated answer failed validation")
)

const (
	answerSessionName = "AgoraGateway"
	loopback          = "127.0.0.1"
	defaultPriority   = 2103266323
)

var answerProtos = []string{"UDP", "TLS", "RTP", "SAVPF"}

// ToAnswerSDP synthesizes the answer the browser applies as remote
// description. The edge is ice-lite and always takes the DTLS client role.
func ToAnswerSDP(caps Capabilities, offer *Offer) (string, error) {
	fingerprint := answerFingerprint(caps.DTLSParameters.Fingerprints)
	if fingerprint == "" {
		return "", ErrMissingFingerprint
	}
	if offer == nil || len(offer.Media) == 0 {
		return "", ErrNoMedia
	}

	ufrag := caps.ICEParameters.ICEUfrag
	if ufrag == "" {
		ufrag = randomHex(4)
	}
	pwd := caps.ICEParameters.ICEPwd
	if pwd == "" {
		pwd = randomHex(16)
	}
	candidates := candidateAttributes(caps.ICEParameters.Candidates)
	set := caps.RTPCapabilities.Effective()

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: loopback,
		},
		SessionName:      sdp.SessionName(answerSessionName),
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}
	desc.Attributes = append(desc.Attributes,
		sdp.NewAttribute("group", "BUNDLE "+strings.Join(offer.Bundle(), " ")),
		sdp.NewPropertyAttribute("ice-lite"),
	)
	if offer.ExtmapAllowMixed {
		desc.Attributes = append(desc.Attributes, sdp.NewPropertyAttribute("extmap-allow-mixed"))
	}
	desc.Attributes = append(desc.Attributes, sdp.NewAttribute("msid-semantic", " WMS"))

	for i, m := range offer.Media {
		codecs := set.codecsFor(m.Type)
		formats := make([]string, 0, len(codecs))
		for _, c := range codecs {
			formats = append(formats, strconv.Itoa(c.PayloadType))
		}
		if len(formats) == 0 {
			formats = append(formats, m.Payloads...)
		}

		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   m.Type,
				Port:    sdp.RangedPort{Value: 9},
				Protos:  answerProtos,
				Formats: formats,
			},
			ConnectionInformation: &sdp.ConnectionInformation{
				NetworkType: "IN",
				AddressType: "IP4",
				Address:     &sdp.Address{Address: loopback},
			},
		}
		md.WithValueAttribute("rtcp", "9 IN IP4 0.0.0.0")
		md.WithValueAttribute("ice-ufrag", ufrag)
		md.WithValueAttribute("ice-pwd", pwd)
		md.WithValueAttribute("ice-options", "trickle")
		md.WithValueAttribute("fingerprint", fingerprint)
		md.WithValueAttribute("setup", "active")
		md.WithValueAttribute("mid", m.midOr(i))
		md.Attributes = append(md.Attributes, candidates...)

		for _, ext := range set.extensionsFor(m.Type) {
			if entry, ok := m.extensionEntry(ext.ExtensionName); ok {
				md.WithValueAttribute("extmap", fmt.Sprintf("%d %s", entry, ext.ExtensionName))
			}
		}
		md.WithPropertyAttribute(string(m.EffectiveDirection().Reverse()))
		md.WithPropertyAttribute("rtcp-mux")
		md.WithPropertyAttribute("rtcp-rsize")

		for _, c := range codecs {
			md.Attributes = append(md.Attributes, codecAttributes(c)...)
		}
		desc.MediaDescriptions = append(desc.MediaDescriptions, md)
	}

	raw, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
	}
	answer := string(raw)
	if !validAnswer(answer) {
		return "", ErrInvalidAnswer
	}
	return answer, nil
}

func answerFingerprint(fps []DTLSFingerprint) string {
	for _, fp := range fps {
		if fp.Fingerprint != "" {
			return fp.Hash() + " " + fp.Fingerprint
		}
	}
	return ""
}

func candidateAttributes(candidates []Candidate) []sdp.Attribute {
	attrs := make([]sdp.Attribute, 0, len(candidates))
	for i, c := range candidates {
		foundation := c.Foundation
		if foundation == "" {
			foundation = "candidate" + strconv.Itoa(i)
		}
		protocol := c.Protocol
		if protocol == "" {
			protocol = "udp"
		}
		priority := c.Priority
		if priority == 0 {
			priority = defaultPriority
		}
		typ := c.Type
		if typ == "" {
			typ = "host"
		}
		line := fmt.Sprintf("%s 1 %s %d %s %d typ %s", foundation, protocol, priority, c.IP, c.Port, typ)
		if c.Generation != nil {
			line += " generation " + strconv.Itoa(*c.Generation)
		}
		attrs = append(attrs, sdp.NewAttribute("candidate", line))
	}
	return attrs
}

func codecAttributes(c Codec) []sdp.Attribute {
	pt := strconv.Itoa(c.PayloadType)
	clock := c.RTPMap.ClockRate
	if clock == 0 {
		clock = 90000
	}
	rtpmap := fmt.Sprintf("%s %s/%d", pt, c.RTPMap.EncodingName, clock)
	if c.RTPMap.EncodingParameters != "" {
		rtpmap += "/" + string(c.RTPMap.EncodingParameters)
	}
	attrs := []sdp.Attribute{sdp.NewAttribute("rtpmap", rtpmap)}

	for _, fb := range c.RTCPFeedbacks {
		value := pt + " " + fb.Type
		if fb.Parameter != "" {
			value += " " + string(fb.Parameter)
		}
		attrs = append(attrs, sdp.NewAttribute("rtcp-fb", value))
	}

	if len(c.FMTP.Parameters) > 0 {
		keys := make([]string, 0, len(c.FMTP.Parameters))
		for k := range c.FMTP.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		params := make([]string, 0, len(keys))
		for _, k := range keys {
			params = append(params, k+"="+string(c.FMTP.Parameters[k]))
		}
		attrs = append(attrs, sdp.NewAttribute("fmtp", pt+" "+strings.Join(params, ";")))
	}
	return attrs
}

func validAnswer(text string) bool {
	var v, o, s, t bool
	media := 0
	for _, line := range strings.Split(text, "\r\n") {
		switch {
		case strings.HasPrefix(line, "v="):
			v = true
		case strings.HasPrefix(line, "o="):
			o = true
		case strings.HasPrefix(line, "s="):
			s = true
		case strings.HasPrefix(line, "t="):
			t = true
		case strings.HasPrefix(line, "m="):
			media++
		}
	}
	return v && o && s && t && media > 0
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
