// Package signal keeps the WebSocket session with a vendor edge: the join
// handshake, post-join control messages, pings and token renewal.
package signal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/livecam/internal/adapters/edge"
	"github.com/dkeye/livecam/internal/app/ortc"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrNegotiationFailed = errors.New("signal: no edge returned an answer")
	ErrJoinRejected      = errors.New("signal: join rejected")
	ErrNoCapabilities    = errors.New("signal: join result carries no ortc")
	ErrP2PLost           = errors.New("signal: edge reported p2p lost")
	ErrNoEdges           = errors.New("signal: selection has no edge addresses")
	errEmptyToken        = errors.New("signal: empty rtc token")
)

var gatewayFlag = domain.RoleGateway.Flag()

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Joining
	Joined
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	}
	return "disconnected"
}

// TokenProvider returns a fresh RTC token when the edge warns about expiry.
type TokenProvider func(ctx context.Context) (string, error)

type Options struct {
	ConnectTimeout time.Duration
	JoinTimeout    time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	SDKVersion     string
	UserAgent      string
	// AutoSubscribe subscribes to announced video streams right away. The
	// camera publishes a single stream so there is nothing to choose from.
	AutoSubscribe bool
	HostSuffix    string
	InsecureTLS   bool
	TokenProvider TokenProvider

	Dial    DialFunc
	EdgeURL func(domain.EdgeAddress) string
}

func (o *Options) withDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 15 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 3 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.SDKVersion == "" {
		o.SDKVersion = "4.24.0"
	}
	if o.UserAgent == "" {
		o.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/142.0.0.0 Safari/537.36"
	}
	if o.Dial == nil {
		o.Dial = GorillaDialer(o.InsecureTLS, o.ConnectTimeout)
	}
	if o.EdgeURL == nil {
		suffix := o.HostSuffix
		o.EdgeURL = func(a domain.EdgeAddress) string {
			return "wss://" + edge.Hostname(a.IP, suffix) + ":" + strconv.Itoa(a.Port)
		}
	}
}

type JoinRequest struct {
	Credentials domain.Credentials
	OfferSDP    string
	SessionID   string
	AppID       string
	Selection   *edge.Selection
}

// Session is the edge connection of one negotiation attempt.
type Session struct {
	opts Options

	// serializes ConnectAndJoin and teardown
	lifeMu sync.Mutex
	// one writer on the socket at a time
	sendMu sync.Mutex
	// one token renewal at a time
	renewMu sync.Mutex

	mu         sync.Mutex
	state      State
	conn       WSConn
	gen        uint64
	cancel     context.CancelFunc
	joinCancel context.CancelFunc
	loops      *sync.WaitGroup
	answer     string
	rtcToken   string
	candidates []webrtc.ICECandidateInit
	online     map[int64]struct{}
	streams    map[int64]StreamInfo
}

func NewSession(opts Options) *Session {
	opts.withDefaults()
	return &Session{
		opts:    opts,
		online:  map[int64]struct{}{},
		streams: map[int64]StreamInfo{},
	}
}

// AddICECandidate collects a browser candidate for the next join.
func (s *Session) AddICECandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, c)
}

func (s *Session) ResetCandidates() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = nil
}

// FilterCandidates replaces the collected candidates with keep(current).
func (s *Session) FilterCandidates(keep func([]webrtc.ICECandidateInit) []webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = keep(append([]webrtc.ICECandidateInit(nil), s.candidates...))
}

func (s *Session) Candidates() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), s.candidates...)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Answer returns the last answer SDP produced or received.
func (s *Session) Answer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answer
}

func (s *Session) Streams() map[int64]StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]StreamInfo, len(s.streams))
	for k, v := range s.streams {
		out[k] = v
	}
	return out
}

func (s *Session) OnlineUsers() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.online))
	for uid := range s.online {
		out = append(out, uid)
	}
	return out
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// ConnectAndJoin walks the gateway addresses until one edge admits the
// channel and returns the answer SDP for the browser.
func (s *Session) ConnectAndJoin(ctx context.Context, req JoinRequest) (string, error) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.joinCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.joinCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	s.teardown()

	if req.Selection == nil {
		return "", ErrNoEdges
	}
	offer, err := ortc.Parse(req.OfferSDP)
	if err != nil {
		return "", err
	}
	caps := ortc.ToCapabilities(offer, s.ortcCandidates())

	addrs := req.Selection.GatewayAddresses()
	if len(addrs) == 0 {
		log.Warn().Str("module", "signal").Msg("no gateway addresses, using primary buffer")
		addrs = req.Selection.Addresses()
	}
	if len(addrs) == 0 {
		return "", ErrNoEdges
	}

	s.mu.Lock()
	s.rtcToken = req.Credentials.RTCToken
	s.mu.Unlock()

	var lastErr error
	for _, addr := range addrs {
		answer, err := s.tryEdge(ctx, addr, req, offer, caps)
		if err == nil {
			return answer, nil
		}
		lastErr = err
		log.Warn().Str("module", "signal").Str("edge", addr.IP).Err(err).Msg("edge negotiation failed")
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("%w: %v", ErrNegotiationFailed, lastErr)
}

func (s *Session) ortcCandidates() []ortc.Candidate {
	var out []ortc.Candidate
	for _, c := range s.Candidates() {
		if c.Candidate == "" {
			continue
		}
		oc, err := ortc.ParseCandidate(c.Candidate)
		if err != nil {
			log.Debug().Str("module", "signal").Err(err).Msg("skipping candidate")
			continue
		}
		out = append(out, oc)
	}
	return out
}

func (s *Session) tryEdge(ctx context.Context, addr domain.EdgeAddress, req JoinRequest, offer *ortc.Offer, caps ortc.Capabilities) (string, error) {
	url := s.opts.EdgeURL(addr)
	s.setState(Connecting)

	dctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	conn, err := s.opts.Dial(dctx, url)
	cancel()
	if err != nil {
		s.setState(Disconnected)
		return "", fmt.Errorf("dial %s: %w", url, err)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.conn = conn
	s.state = Connected
	s.mu.Unlock()
	log.Info().Str("module", "signal").Str("edge", url).Msg("connected")

	if err := s.writeJSON(conn, s.joinMessage(req, caps, time.Now())); err != nil {
		s.teardown()
		return "", err
	}
	s.setState(Joining)

	answer, err := s.awaitJoin(ctx, conn, gen, offer, req.Selection)
	if err != nil {
		s.teardown()
		return "", err
	}
	_ = conn.SetReadDeadline(time.Time{})

	loopCtx, loopCancel := context.WithCancel(context.Background())
	loops := &sync.WaitGroup{}
	s.mu.Lock()
	s.state = Joined
	s.answer = answer
	s.cancel = loopCancel
	s.loops = loops
	s.mu.Unlock()

	loops.Add(2)
	go s.messageLoop(loopCtx, conn, gen, loops)
	go s.pingLoop(loopCtx, conn, loops)

	log.Info().Str("module", "signal").Str("edge", url).Msg("joined")
	return answer, nil
}

func (s *Session) awaitJoin(ctx context.Context, conn WSConn, gen uint64, offer *ortc.Offer, sel *edge.Selection) (string, error) {
	deadline := time.Now().Add(s.opts.JoinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("waiting for join: %w", err)
		}
		msg, err := decodeMessage(data)
		if err != nil {
			log.Debug().Str("module", "signal").Err(err).Msg("dropped non-json payload")
			continue
		}

		switch msg.Kind {
		case KindAnswer:
			var body answerBody
			if err := msg.decodeBody(&body); err == nil && body.SDP != "" {
				return body.SDP, nil
			}
		case KindP2PLost:
			return "", ErrP2PLost
		default:
			s.handle(ctx, conn, gen, msg)
		}

		if msg.Result == "" {
			continue
		}
		if !strings.EqualFold(msg.Result, "success") {
			return "", fmt.Errorf("%w: %s", ErrJoinRejected, msg.Result)
		}
		return s.joinSuccess(conn, msg, offer, sel)
	}
}

func (s *Session) joinSuccess(conn WSConn, msg inbound, offer *ortc.Offer, sel *edge.Selection) (string, error) {
	var res joinResult
	if err := msg.decodeBody(&res); err != nil || res.Ortc == nil {
		return "", ErrNoCapabilities
	}
	role := newMessage("set_client_role", setClientRoleMessage{Role: "host", Level: 0, ClientTS: time.Now().UnixMilli()})
	if err := s.writeJSON(conn, role); err != nil {
		return "", err
	}

	caps := *res.Ortc
	caps.DTLSParameters.Fingerprints = mergeFingerprints(caps.DTLSParameters.Fingerprints, sel.Fingerprints())
	return ortc.ToAnswerSDP(caps, offer)
}

// mergeFingerprints appends relay fingerprints the edge did not list itself.
// Values may carry an algorithm prefix ("sha-256 AB:CD").
func mergeFingerprints(have []ortc.DTLSFingerprint, extra []string) []ortc.DTLSFingerprint {
	seen := map[string]bool{}
	for _, fp := range have {
		if fp.Fingerprint != "" {
			seen[strings.ToLower(fp.Fingerprint)] = true
		}
	}
	out := append([]ortc.DTLSFingerprint(nil), have...)
	for _, raw := range extra {
		algo, value := "sha-256", strings.TrimSpace(raw)
		if parts := strings.Fields(value); len(parts) == 2 {
			algo, value = parts[0], parts[1]
		}
		if value == "" || seen[strings.ToLower(value)] {
			continue
		}
		seen[strings.ToLower(value)] = true
		out = append(out, ortc.DTLSFingerprint{HashFunction: algo, Fingerprint: value})
	}
	return out
}

// Disconnect aborts a join in flight, stops both loops, closes the socket
// and resets the session. Safe to call repeatedly, concurrently and from the
// token provider.
func (s *Session) Disconnect() {
	s.mu.Lock()
	abort := s.joinCancel
	s.mu.Unlock()
	if abort != nil {
		abort()
	}

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.teardown()
}

// disconnectGeneration is used by the loops themselves; it only tears down
// the connection it was started for.
func (s *Session) disconnectGeneration(gen uint64) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	current := s.gen == gen && s.conn != nil
	s.mu.Unlock()
	if current {
		s.teardown()
	}
}

func (s *Session) teardown() {
	s.mu.Lock()
	conn, cancel, loops := s.conn, s.cancel, s.loops
	s.conn, s.cancel, s.loops = nil, nil, nil
	s.state = Disconnected
	s.mu.Unlock()

	if conn == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	_ = conn.SetReadDeadline(time.Now())
	if loops != nil {
		loops.Wait()
	}

	s.sendMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.sendMu.Unlock()
	_ = conn.Close()
	log.Info().Str("module", "signal").Msg("disconnected")
}
