package orch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/livecam/internal/adapters/edge"
	"github.com/dkeye/livecam/internal/adapters/signal"
	"github.com/dkeye/livecam/internal/app"
	"github.com/dkeye/livecam/internal/app/ortc"
	"github.com/dkeye/livecam/internal/core"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	devices   []domain.Device
	creds     map[domain.DeviceID]domain.Credentials
	refreshed map[domain.DeviceID]domain.Credentials
	refreshes int
}

func (f *fakeSource) Devices(context.Context) ([]domain.Device, error) {
	return f.devices, nil
}

func (f *fakeSource) Credentials(_ context.Context, id domain.DeviceID, refresh bool) (domain.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if refresh {
		f.refreshes++
		if c, ok := f.refreshed[id]; ok {
			f.creds[id] = c
		}
	}
	c, ok := f.creds[id]
	if !ok {
		return domain.Credentials{}, errors.New("no live feed")
	}
	return c, nil
}

type fakeSelector struct {
	mu    sync.Mutex
	calls []edge.Request
	err   error
	sel   *edge.Selection
}

func (f *fakeSelector) ChooseServer(_ context.Context, req edge.Request) (*edge.Selection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.sel, nil
}

type fakeLive struct {
	mu       sync.Mutex
	started  []domain.Credentials
	stops    []bool
	updated  []domain.Credentials
	startErr error
}

func (f *fakeLive) StartLive(_ context.Context, c domain.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, c)
	return f.startErr
}

func (f *fakeLive) StopLive(_ context.Context, sendStop bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, sendStop)
}

func (f *fakeLive) UpdateTokens(c domain.Credentials) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, c)
}

func (f *fakeLive) Streaming() bool { return false }

type fakeEdge struct {
	mu          sync.Mutex
	candidates  []webrtc.ICECandidateInit
	joined      []signal.JoinRequest
	joinedCands [][]webrtc.ICECandidateInit
	disconnects int
	answer      string
	err         error
	delay       time.Duration

	active, maxActive atomic.Int32
	tokens            signal.TokenProvider
}

func (f *fakeEdge) ConnectAndJoin(_ context.Context, req signal.JoinRequest) (string, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(f.delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, req)
	f.joinedCands = append(f.joinedCands, append([]webrtc.ICECandidateInit(nil), f.candidates...))
	return f.answer, f.err
}

func (f *fakeEdge) AddICECandidate(c webrtc.ICECandidateInit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
}

func (f *fakeEdge) FilterCandidates(keep func([]webrtc.ICECandidateInit) []webrtc.ICECandidateInit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = keep(f.candidates)
}

func (f *fakeEdge) ResetCandidates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = nil
}

func (f *fakeEdge) Candidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), f.candidates...)
}

func (f *fakeEdge) State() signal.State { return signal.Disconnected }

func (f *fakeEdge) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

const cam = domain.DeviceID("cam-1")

var validCreds = domain.Credentials{
	ChannelID: "chan", RTCToken: "rtc", RTMToken: "rtm", AppUserID: "app", DeviceUserID: "dev",
}

type harness struct {
	orch   *Orchestrator
	source *fakeSource
	sel    *fakeSelector
	live   *fakeLive
	edge   *fakeEdge
}

func newHarness(t *testing.T, caps domain.CapabilityFlags) *harness {
	t.Helper()
	h := &harness{
		source: &fakeSource{
			devices:   []domain.Device{{ID: cam, Name: "Feeder", Capabilities: caps}},
			creds:     map[domain.DeviceID]domain.Credentials{cam: validCreds},
			refreshed: map[domain.DeviceID]domain.Credentials{},
		},
		sel: &fakeSelector{sel: edge.NewSelection("edge.test",
			&edge.Buffer{Flag: domain.RoleGateway.Flag(), Addresses: []domain.EdgeAddress{{IP: "10.0.0.1", Port: 4701}}},
			&edge.Buffer{Flag: domain.RoleCloudProxyFallback.Flag(), Addresses: []domain.EdgeAddress{{IP: "10.0.9.9", Port: 3478, Username: "u", Credential: "c"}}},
		)},
		live: &fakeLive{},
		edge: &fakeEdge{answer: "v=0 answer"},
	}
	h.orch = &Orchestrator{
		Registry: app.NewRegistry(),
		Source:   h.source,
		Edges:    h.sel,
		Policy:   app.Policy{Control: app.ControlShared, TurnMode: edge.TurnUDP},
		AppID:    "app-id",
		AreaCode: "GLOBAL",
		NewLive:  func(domain.Device, app.RelayProfile) core.LiveControl { return h.live },
		NewEdge: func(_ domain.Device, tokens signal.TokenProvider) core.EdgeSession {
			h.edge.tokens = tokens
			return h.edge
		},
	}
	return h
}

func reasonOf(t *testing.T, err error) domain.Reason {
	t.Helper()
	var se *domain.StreamError
	require.ErrorAs(t, err, &se)
	return se.Reason
}

func TestHandleOfferReturnsAnswer(t *testing.T) {
	h := newHarness(t, domain.CapCamera)
	h.edge.AddICECandidate(webrtc.ICECandidateInit{Candidate: "stale"})

	answer, err := h.orch.HandleOffer(context.Background(), cam, "offer-sdp", "sess-1",
		webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 192.168.1.2 5000 typ host"},
		webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 1 203.0.113.5 5001 typ srflx raddr 0.0.0.0 rport 0"},
		webrtc.ICECandidateInit{Candidate: "candidate:3 1 udp 1 10.0.9.9 5002 typ relay raddr 0.0.0.0 rport 0"},
		webrtc.ICECandidateInit{Candidate: "candidate:4 1 udp 1 198.51.100.1 5003 typ relay raddr 0.0.0.0 rport 0"},
	)
	require.NoError(t, err)
	assert.Equal(t, "v=0 answer", answer)

	assert.Equal(t, 1, h.edge.disconnects)
	require.Len(t, h.edge.joined, 1)
	req := h.edge.joined[0]
	assert.Equal(t, validCreds, req.Credentials)
	assert.Equal(t, "offer-sdp", req.OfferSDP)
	assert.Equal(t, "sess-1", req.SessionID)
	assert.Equal(t, "app-id", req.AppID)
	assert.Same(t, h.sel.sel, req.Selection)

	var kept []string
	for _, c := range h.edge.joinedCands[0] {
		kept = append(kept, c.Candidate)
	}
	assert.Equal(t, []string{
		"candidate:2 1 udp 1 203.0.113.5 5001 typ srflx raddr 0.0.0.0 rport 0",
		"candidate:3 1 udp 1 10.0.9.9 5002 typ relay raddr 0.0.0.0 rport 0",
	}, kept)

	require.Len(t, h.sel.calls, 1)
	assert.Equal(t, edge.Request{
		AppID: "app-id", Token: "rtc", ChannelName: "chan",
		Roles: domain.DefaultRelayRoles(), AreaCode: "GLOBAL",
	}, h.sel.calls[0])

	assert.Equal(t, []domain.Credentials{validCreds}, h.live.started)
	assert.Empty(t, h.live.stops)

	servers := h.orch.ICEServers(cam)
	require.Len(t, servers, 1)
	assert.Equal(t, []string{"turn:10.0.9.9:3478?transport=udp"}, servers[0].URLs)
}

func TestHandleOfferStartFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, 0)
	h.live.startErr = errors.New("not acknowledged")

	answer, err := h.orch.HandleOffer(context.Background(), cam, "offer", "s")
	require.NoError(t, err)
	assert.NotEmpty(t, answer)
}

func TestHandleOfferFailureReasons(t *testing.T) {
	t.Run("unknown device", func(t *testing.T) {
		h := newHarness(t, 0)
		_, err := h.orch.HandleOffer(context.Background(), "nope", "offer", "s")
		assert.Equal(t, domain.ReasonLiveFeedUnavailable, reasonOf(t, err))
		assert.ErrorIs(t, err, ErrUnknownDevice)
	})
	t.Run("no credentials after refresh", func(t *testing.T) {
		h := newHarness(t, 0)
		h.source.creds[cam] = domain.Credentials{ChannelID: "chan"}
		_, err := h.orch.HandleOffer(context.Background(), cam, "offer", "s")
		assert.Equal(t, domain.ReasonLiveFeedUnavailable, reasonOf(t, err))
		assert.Equal(t, 1, h.source.refreshes)
		assert.Empty(t, h.sel.calls)
	})
	t.Run("refresh recovers", func(t *testing.T) {
		h := newHarness(t, 0)
		h.source.creds[cam] = domain.Credentials{ChannelID: "chan"}
		h.source.refreshed[cam] = validCreds
		_, err := h.orch.HandleOffer(context.Background(), cam, "offer", "s")
		require.NoError(t, err)
	})
	t.Run("edge allocation", func(t *testing.T) {
		h := newHarness(t, 0)
		h.sel.err = edge.ErrAllEndpointsFailed
		_, err := h.orch.HandleOffer(context.Background(), cam, "offer", "s")
		assert.Equal(t, domain.ReasonEdgeContextFailed, reasonOf(t, err))
		assert.Nil(t, h.orch.ICEServers(cam))
		assert.Empty(t, h.live.started)
	})
	t.Run("negotiation", func(t *testing.T) {
		h := newHarness(t, 0)
		h.edge.err = signal.ErrNegotiationFailed
		_, err := h.orch.HandleOffer(context.Background(), cam, "offer", "s")
		assert.Equal(t, domain.ReasonNegotiationFailed, reasonOf(t, err))
		assert.Equal(t, []bool{false}, h.live.stops)
		assert.Equal(t, 2, h.edge.disconnects)
	})
	t.Run("bad offer", func(t *testing.T) {
		h := newHarness(t, 0)
		h.edge.err = ortc.ErrEmptyOffer
		_, err := h.orch.HandleOffer(context.Background(), cam, "", "s")
		assert.Equal(t, domain.ReasonOfferError, reasonOf(t, err))

		var se *domain.StreamError
		require.ErrorAs(t, err, &se)
		assert.NotContains(t, se.Message, "empty")
	})
}

func TestHandleOfferSerializesPerDevice(t *testing.T) {
	h := newHarness(t, 0)
	h.edge.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.orch.HandleOffer(context.Background(), cam, "offer", "s")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.edge.maxActive.Load())
	assert.Len(t, h.edge.joined, 4)
}

func TestCloseSession(t *testing.T) {
	for _, tc := range []struct {
		name     string
		policy   app.StreamControlMode
		caps     domain.CapabilityFlags
		sendStop bool
	}{
		{"shared", app.ControlShared, 0, false},
		{"exclusive", app.ControlExclusive, 0, true},
		{"exclusive device", app.ControlShared, domain.CapExclusive, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.caps)
			h.orch.Policy.Control = tc.policy
			_, err := h.orch.HandleOffer(context.Background(), cam, "offer", "s")
			require.NoError(t, err)

			h.orch.CloseSession(context.Background(), cam)
			assert.Equal(t, []bool{tc.sendStop}, h.live.stops)
			assert.Equal(t, 2, h.edge.disconnects)
		})
	}

	h := newHarness(t, 0)
	h.orch.CloseSession(context.Background(), "unknown")
	assert.Empty(t, h.live.stops)
}

func TestTokenProviderRefreshesRTM(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.orch.AddCandidate(context.Background(), cam, webrtc.ICECandidateInit{Candidate: "c"}))
	require.NotNil(t, h.edge.tokens)

	fresh := validCreds
	fresh.RTCToken, fresh.RTMToken = "rtc-2", "rtm-2"
	h.source.refreshed[cam] = fresh

	token, err := h.edge.tokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rtc-2", token)
	assert.Equal(t, []domain.Credentials{fresh}, h.live.updated)

	h.source.refreshed[cam] = domain.Credentials{ChannelID: "chan"}
	_, err = h.edge.tokens(context.Background())
	assert.ErrorIs(t, err, domain.ErrRTCTokenMissing)
}

func TestPrepare(t *testing.T) {
	h := newHarness(t, 0)
	h.source.devices = append(h.source.devices, domain.Device{ID: "cam-2"})

	require.NoError(t, h.orch.PrepareAll(context.Background()))
	assert.Len(t, h.sel.calls, 1)
	assert.NotEmpty(t, h.orch.ICEServers(cam))
	assert.Nil(t, h.orch.ICEServers("cam-2"))

	assert.ErrorIs(t, h.orch.Prepare(context.Background(), "missing"), ErrUnknownDevice)
}

func TestAddCandidateUnknownDevice(t *testing.T) {
	h := newHarness(t, 0)
	err := h.orch.AddCandidate(context.Background(), "missing", webrtc.ICECandidateInit{})
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestShutdownClosesEveryDevice(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.orch.Prepare(context.Background(), cam))
	h.orch.Shutdown(context.Background())
	assert.Equal(t, []bool{false}, h.live.stops)
	assert.Equal(t, 1, h.edge.disconnects)
}

func TestFilterCandidates(t *testing.T) {
	turn := []domain.EdgeAddress{{IP: "10.0.9.9"}}
	host := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 192.168.1.2 5000 typ host"}
	srflx := webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 1 203.0.113.5 5001 typ srflx"}
	prflx := webrtc.ICECandidateInit{Candidate: "candidate:5 1 udp 1 203.0.113.6 5001 typ prflx"}
	relayOK := webrtc.ICECandidateInit{Candidate: "candidate:3 1 udp 1 10.0.9.9 5002 typ relay"}
	relayOther := webrtc.ICECandidateInit{Candidate: "candidate:4 1 udp 1 198.51.100.1 5003 typ relay"}
	relayPrefix := webrtc.ICECandidateInit{Candidate: "candidate:6 1 udp 1 10.0.9.99 5004 typ relay raddr 10.0.9.9 rport 5002"}

	tests := []struct {
		name string
		in   []webrtc.ICECandidateInit
		turn []domain.EdgeAddress
		want []webrtc.ICECandidateInit
	}{
		{"drops host", []webrtc.ICECandidateInit{host, srflx, prflx}, turn, []webrtc.ICECandidateInit{srflx, prflx}},
		{"relay must match turn", []webrtc.ICECandidateInit{relayOK, relayOther}, turn, []webrtc.ICECandidateInit{relayOK}},
		{"relay ip must match exactly", []webrtc.ICECandidateInit{relayPrefix, srflx}, turn, []webrtc.ICECandidateInit{srflx}},
		{"any relay without turn", []webrtc.ICECandidateInit{relayOK, relayOther}, nil, []webrtc.ICECandidateInit{relayOK, relayOther}},
		{"falls back to input", []webrtc.ICECandidateInit{host, relayOther}, turn, []webrtc.ICECandidateInit{host, relayOther}},
		{"empty", nil, turn, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FilterCandidates(tc.in, tc.turn))
		})
	}
}
