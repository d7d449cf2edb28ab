package edge

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dkeye/livecam/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHostSuffix = "edge.agora.io"

	fallbackUsername   = "test"
	fallbackCredential = "111111"

	detailUsername     = "8"
	detailCredential   = "4"
	detailFingerprints = "19"
)

// Buffer is one successful response block, keyed by its relay flag.
type Buffer struct {
	Code      int
	Flag      int
	UID       int64
	CID       int64
	CName     string
	Ticket    string
	Detail    map[string]any
	Addresses []domain.EdgeAddress
}

type Selection struct {
	primary    *Buffer
	byFlag     map[int]*Buffer
	serverTS   int64
	opID       int64
	hostSuffix string
}

type wireResponse struct {
	ResponseBody []struct {
		Buffer json.RawMessage `json:"buffer"`
	} `json:"response_body"`
	Detail  map[string]any `json:"detail"`
	EnterTS json.Number    `json:"enter_ts"`
	OpID    json.Number    `json:"opid"`
}

type wireBuffer struct {
	Code          *int           `json:"code"`
	Flag          int            `json:"flag"`
	UID           *int64         `json:"uid"`
	Cert          string         `json:"cert"`
	CID           int64          `json:"cid"`
	CName         string         `json:"cname"`
	Detail        map[string]any `json:"detail"`
	EdgesServices []struct {
		IP   string `json:"ip"`
		Port int    `json:"port"`
	} `json:"edges_services"`
}

func decode(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func parseSelection(raw []byte, hostSuffix string) (*Selection, error) {
	var resp wireResponse
	if err := decode(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoUsableBuffer, err)
	}

	var buffers []*Buffer
	for i, item := range resp.ResponseBody {
		var wb wireBuffer
		if err := decode(item.Buffer, &wb); err != nil {
			log.Warn().Str("module", "edge").Int("index", i).Err(err).Msg("skipping malformed buffer")
			continue
		}
		if wb.Code == nil || *wb.Code != 0 {
			log.Debug().Str("module", "edge").Int("flag", wb.Flag).Msg("skipping buffer with non-zero code")
			continue
		}
		buffers = append(buffers, newBuffer(wb, resp.Detail))
	}
	if len(buffers) == 0 {
		return nil, ErrNoUsableBuffer
	}

	sel := NewSelection(hostSuffix, buffers...)
	if ts, err := resp.EnterTS.Int64(); err == nil && ts != 0 {
		sel.serverTS = ts
	}
	sel.opID, _ = resp.OpID.Int64()
	return sel, nil
}

func newBuffer(wb wireBuffer, base map[string]any) *Buffer {
	detail := make(map[string]any, len(base)+len(wb.Detail))
	for k, v := range base {
		detail[k] = v
	}
	for k, v := range wb.Detail {
		if v != nil {
			detail[k] = v
		}
	}

	b := &Buffer{
		Code:   *wb.Code,
		Flag:   wb.Flag,
		CID:    wb.CID,
		CName:  wb.CName,
		Ticket: wb.Cert,
		Detail: detail,
	}
	if wb.UID != nil {
		b.UID = *wb.UID
	}
	username, credential := credentialsFor(detail, wb.UID)

	var fingerprints []string
	for _, fp := range strings.Split(detailString(detail[detailFingerprints]), ";") {
		if fp = strings.TrimSpace(fp); fp != "" {
			fingerprints = append(fingerprints, fp)
		}
	}

	for i, e := range wb.EdgesServices {
		if e.IP == "" || e.Port == 0 {
			continue
		}
		addr := domain.EdgeAddress{
			IP:         e.IP,
			Port:       e.Port,
			Username:   username,
			Credential: credential,
			Ticket:     wb.Cert,
		}
		if i < len(fingerprints) {
			addr.Fingerprint = fingerprints[i]
		}
		b.Addresses = append(b.Addresses, addr)
	}
	return b
}

// credentialsFor resolves TURN auth: explicit detail fields, then the uid,
// then fixed values the edge accepts for anonymous relays.
func credentialsFor(detail map[string]any, uid *int64) (string, string) {
	username := detailString(detail[detailUsername])
	credential := detailString(detail[detailCredential])
	if uid != nil {
		u := strconv.FormatInt(*uid, 10)
		if username == "" {
			username = u
		}
		if credential == "" {
			sum := sha256.Sum256([]byte(u))
			credential = hex.EncodeToString(sum[:])
		}
	}
	if username == "" {
		username = fallbackUsername
	}
	if credential == "" {
		credential = fallbackCredential
	}
	return username, credential
}

func detailString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// Primary is the gateway buffer when present, else the first surviving one.
func (s *Selection) Primary() *Buffer { return s.primary }

func (s *Selection) Buffer(flag int) (*Buffer, bool) {
	b, ok := s.byFlag[flag]
	return b, ok
}

// Addresses returns the primary buffer's addresses.
func (s *Selection) Addresses() []domain.EdgeAddress { return s.primary.Addresses }

func (s *Selection) GatewayAddresses() []domain.EdgeAddress {
	return s.addressesFor(domain.RoleGateway)
}

func (s *Selection) TurnAddresses() []domain.EdgeAddress {
	return s.addressesFor(domain.RoleCloudProxyFallback)
}

func (s *Selection) addressesFor(role domain.RelayRole) []domain.EdgeAddress {
	if b, ok := s.byFlag[role.Flag()]; ok {
		return b.Addresses
	}
	return nil
}

// Hostname returns the TLS name an edge serves for ip.
func (s *Selection) Hostname(ip string) string { return Hostname(ip, s.hostSuffix) }

func Hostname(ip, suffix string) string {
	if suffix == "" {
		suffix = DefaultHostSuffix
	}
	return strings.ReplaceAll(ip, ".", "-") + "." + suffix
}

type TurnMode int

const (
	TurnUDP TurnMode = 1 + iota
	TurnTCP
	TurnTLS
	TurnAll
)

func (m TurnMode) has(t TurnMode) bool { return m == t || m == TurnAll }

// ICEServers expands TURN addresses into ICE server descriptors. Only the
// first address is used unless all is set.
func (s *Selection) ICEServers(mode TurnMode, all bool) []webrtc.ICEServer {
	addrs := s.TurnAddresses()
	if len(addrs) == 0 {
		addrs = s.primary.Addresses
	}
	if len(addrs) == 0 {
		return nil
	}
	if !all {
		addrs = addrs[:1]
	}

	var servers []webrtc.ICEServer
	for _, a := range addrs {
		add := func(url string) {
			servers = append(servers, webrtc.ICEServer{
				URLs:           []string{url},
				Username:       a.Username,
				Credential:     a.Credential,
				CredentialType: webrtc.ICECredentialTypePassword,
			})
		}
		if mode.has(TurnUDP) {
			add(fmt.Sprintf("turn:%s:3478?transport=udp", a.IP))
		}
		if mode.has(TurnTCP) {
			add(fmt.Sprintf("turn:%s:3478?transport=tcp", a.IP))
		}
		if mode.has(TurnTLS) {
			add(fmt.Sprintf("turns:%s:443?transport=tcp", s.Hostname(a.IP)))
		}
	}
	return servers
}

// APResponse is the allocation echo carried in the join request.
type APResponse struct {
	Code     int            `json:"code"`
	ServerTS int64          `json:"server_ts"`
	UID      int64          `json:"uid"`
	CID      int64          `json:"cid"`
	CName    string         `json:"cname"`
	Detail   map[string]any `json:"detail"`
	Flag     int            `json:"flag"`
	OpID     int64          `json:"opid"`
	Cert     string         `json:"cert"`
	Ticket   string         `json:"ticket"`
}

// APResponse renders the buffer for flag, or the primary buffer when absent.
func (s *Selection) APResponse(flag int) APResponse {
	b, ok := s.byFlag[flag]
	if !ok {
		b = s.primary
	}
	return APResponse{
		Code:     b.Code,
		ServerTS: s.serverTS,
		UID:      b.UID,
		CID:      b.CID,
		CName:    b.CName,
		Detail:   b.Detail,
		Flag:     b.Flag,
		OpID:     s.opID,
		Cert:     b.Ticket,
		Ticket:   b.Ticket,
	}
}

// Fingerprints lists address fingerprints, gateways first then TURN relays,
// falling back to the primary addresses when there are no gateways.
func (s *Selection) Fingerprints() []string {
	gw := s.GatewayAddresses()
	if len(gw) == 0 {
		gw = s.primary.Addresses
	}
	var out []string
	for _, list := range [][]domain.EdgeAddress{gw, s.TurnAddresses()} {
		for _, a := range list {
			if a.Fingerprint != "" {
				out = append(out, a.Fingerprint)
			}
		}
	}
	return out
}

// NewSelection builds a selection from already decoded buffers. The first
// buffer is primary unless a gateway buffer is present.
func NewSelection(hostSuffix string, buffers ...*Buffer) *Selection {
	sel := &Selection{byFlag: map[int]*Buffer{}, hostSuffix: hostSuffix, serverTS: time.Now().UnixMilli()}
	for _, b := range buffers {
		if _, ok := sel.byFlag[b.Flag]; !ok {
			sel.byFlag[b.Flag] = b
		}
		if sel.primary == nil {
			sel.primary = b
		}
	}
	if gw, ok := sel.byFlag[domain.RoleGateway.Flag()]; ok {
		sel.primary = gw
	}
	if sel.primary == nil {
		sel.primary = &Buffer{}
	}
	return sel
}
