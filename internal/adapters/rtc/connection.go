// Package rtc is a headless viewer: a pion PeerConnection that plays the
// browser's part against the edge and counts what it receives.
package rtc

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrNoOffer = errors.New("rtc: no local offer")

// Viewer receives audio and video from the edge.
type Viewer struct {
	pc  *webrtc.PeerConnection
	sid string

	mu         sync.Mutex
	candidates []webrtc.ICECandidateInit
	stats      map[string]*TrackStats

	onState func(webrtc.PeerConnectionState)
	cancel  context.CancelFunc
	readers sync.WaitGroup
}

func NewViewer(iceServers []webrtc.ICEServer, sid string) (*Viewer, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}
	return &Viewer{pc: pc, sid: sid, stats: map[string]*TrackStats{}}, nil
}

// OnStateChange sets a callback for peer connection state changes. Call
// before Start.
func (v *Viewer) OnStateChange(fn func(webrtc.PeerConnectionState)) { v.onState = fn }

func (v *Viewer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	v.cancel = cancel

	v.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", v.sid).Str("ice_state", s.String()).Msg("ICE state")
	})

	v.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", v.sid).Str("peer_connection_state", s.String()).Msg("Peer state")
		if v.onState != nil {
			v.onState(s)
		}
	})

	v.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		v.mu.Lock()
		v.candidates = append(v.candidates, cand.ToJSON())
		v.mu.Unlock()
	})

	v.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := track.Kind().String()
		log.Info().
			Str("module", "rtc").
			Str("sid", v.sid).
			Str("kind", kind).
			Str("codec", track.Codec().MimeType).
			Uint32("ssrc", uint32(track.SSRC())).
			Msg("OnTrack received")

		st := v.trackStats(kind)
		v.readers.Add(1)
		go func() {
			defer v.readers.Done()
			readTrack(ctx, trackReader{track}, st)
		}()
	})
}

func (v *Viewer) trackStats(kind string) *TrackStats {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.stats[kind]
	if !ok {
		st = &TrackStats{}
		v.stats[kind] = st
	}
	return st
}

// trackReader adapts a remote track to io.Reader, discarding interceptor attributes.
type trackReader struct{ t *webrtc.TrackRemote }

func (r trackReader) Read(b []byte) (int, error) {
	n, _, err := r.t.Read(b)
	return n, err
}

func readTrack(ctx context.Context, r io.Reader, st *TrackStats) {
	buf := make([]byte, 1500)
	var pkt rtp.Packet
	for ctx.Err() == nil {
		n, err := r.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			st.Malformed()
			continue
		}
		st.Observe(&pkt, n)
	}
}

// CreateOffer builds the local offer and waits for ICE gathering. The
// gathered candidates are returned alongside for the edge join.
func (v *Viewer) CreateOffer(ctx context.Context) (string, []webrtc.ICECandidateInit, error) {
	offer, err := v.pc.CreateOffer(nil)
	if err != nil {
		return "", nil, err
	}
	gathered := webrtc.GatheringCompletePromise(v.pc)
	if err := v.pc.SetLocalDescription(offer); err != nil {
		return "", nil, err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}

	local := v.pc.LocalDescription()
	if local == nil {
		return "", nil, ErrNoOffer
	}
	v.mu.Lock()
	cands := append([]webrtc.ICECandidateInit(nil), v.candidates...)
	v.mu.Unlock()
	return local.SDP, cands, nil
}

func (v *Viewer) SetAnswer(sdp string) error {
	return v.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

// Stats returns a snapshot per track kind.
func (v *Viewer) Stats() map[string]Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]Snapshot, len(v.stats))
	for kind, st := range v.stats {
		out[kind] = st.Snapshot()
	}
	return out
}

func (v *Viewer) Close() {
	if v.cancel != nil {
		v.cancel()
	}
	if err := v.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("sid", v.sid).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("sid", v.sid).Msg("closed")
	}
	v.readers.Wait()
}
