package orch

import (
	"context"
	"errors"

	"github.com/dkeye/livecam/internal/adapters/edge"
	"github.com/dkeye/livecam/internal/adapters/signal"
	"github.com/dkeye/livecam/internal/app"
	"github.com/dkeye/livecam/internal/app/ortc"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// HandleOffer negotiates a browser offer against the device's edge and
// returns the answer SDP. Failures are *domain.StreamError. Candidates
// gathered before the offer may be passed along.
func (o *Orchestrator) HandleOffer(ctx context.Context, id domain.DeviceID, offer, sessionID string, candidates ...webrtc.ICECandidateInit) (string, error) {
	dc, err := o.deviceContext(ctx, id)
	if err != nil {
		return "", domain.NewStreamError(domain.ReasonLiveFeedUnavailable, err)
	}
	end := dc.Begin()
	defer end()

	dc.Edge.Disconnect()
	dc.Edge.ResetCandidates()
	for _, c := range candidates {
		dc.Edge.AddICECandidate(c)
	}
	dc.SetSessionID(sessionID)

	creds, err := o.credentials(ctx, id)
	if err != nil {
		log.Warn().Str("module", "orch").Str("device", string(id)).Err(err).Msg("no live feed credentials")
		return "", domain.NewStreamError(domain.ReasonLiveFeedUnavailable, err)
	}

	sel, err := o.refreshContext(ctx, dc, creds)
	if err != nil {
		log.Error().Str("module", "orch").Str("device", string(id)).Err(err).Msg("edge allocation failed")
		return "", domain.NewStreamError(domain.ReasonEdgeContextFailed, err)
	}

	turn := sel.TurnAddresses()
	dc.Edge.FilterCandidates(func(in []webrtc.ICECandidateInit) []webrtc.ICECandidateInit {
		return FilterCandidates(in, turn)
	})

	if err := dc.Live.StartLive(ctx, creds); err != nil {
		log.Warn().Str("module", "orch").Str("device", string(id)).Err(err).Msg("start_live/heartbeat not active")
	}

	answer, err := dc.Edge.ConnectAndJoin(ctx, signal.JoinRequest{
		Credentials: creds,
		OfferSDP:    offer,
		SessionID:   sessionID,
		AppID:       o.AppID,
		Selection:   sel,
	})
	if err != nil {
		o.closeStream(ctx, dc)
		reason := domain.ReasonOfferError
		if errors.Is(err, signal.ErrNegotiationFailed) || errors.Is(err, signal.ErrNoEdges) {
			reason = domain.ReasonNegotiationFailed
		}
		log.Error().Str("module", "orch").Str("device", string(id)).Str("reason", string(reason)).Err(err).Msg("offer handling failed")
		return "", domain.NewStreamError(reason, err)
	}
	log.Info().Str("module", "orch").Str("device", string(id)).Int("bytes", len(answer)).Msg("answer ready")
	return answer, nil
}

// AddCandidate collects a trickled browser candidate for the next join.
func (o *Orchestrator) AddCandidate(ctx context.Context, id domain.DeviceID, c webrtc.ICECandidateInit) error {
	dc, err := o.deviceContext(ctx, id)
	if err != nil {
		return err
	}
	dc.Edge.AddICECandidate(c)
	return nil
}

// FilterCandidates keeps reflexive candidates and relay candidates on one of
// the allocated TURN addresses, and drops host candidates. When nothing
// survives the input is returned unchanged.
func FilterCandidates(in []webrtc.ICECandidateInit, turn []domain.EdgeAddress) []webrtc.ICECandidateInit {
	var out []webrtc.ICECandidateInit
	for _, c := range in {
		parsed, err := ortc.ParseCandidate(c.Candidate)
		if err != nil {
			continue
		}
		switch parsed.Type {
		case "srflx", "prflx":
			out = append(out, c)
		case "relay":
			if len(turn) == 0 || onAny(parsed.IP, turn) {
				out = append(out, c)
			}
		}
	}
	if len(out) == 0 {
		return in
	}
	return out
}

func onAny(ip string, addrs []domain.EdgeAddress) bool {
	for _, a := range addrs {
		if a.IP != "" && a.IP == ip {
			return true
		}
	}
	return false
}

func (o *Orchestrator) refreshContext(ctx context.Context, dc *app.DeviceContext, creds domain.Credentials) (*edge.Selection, error) {
	dc.SetSelection(nil, nil)
	sel, err := o.Edges.ChooseServer(ctx, edge.Request{
		AppID:       o.AppID,
		Token:       creds.RTCToken,
		ChannelName: creds.ChannelID,
		UserID:      0,
		Roles:       dc.Profile.Roles,
		AreaCode:    o.AreaCode,
	})
	if err != nil {
		return nil, err
	}
	servers := sel.ICEServers(dc.Profile.TurnMode, dc.Profile.AllTurnServers)
	dc.SetSelection(sel, servers)
	log.Debug().Str("module", "orch").Str("device", string(dc.Device.ID)).Int("ice_servers", len(servers)).Msg("cached ice servers")
	return sel, nil
}
