// Package core holds the contracts between the orchestrator and the
// adapters that talk to the vendor and to the host.
package core

import (
	"context"

	"github.com/dkeye/livecam/internal/adapters/edge"
	"github.com/dkeye/livecam/internal/adapters/signal"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/pion/webrtc/v4"
)

// CredentialSource is implemented by the host that owns device accounts.
// Credentials are short lived; refresh asks the host to fetch new ones.
type CredentialSource interface {
	Devices(ctx context.Context) ([]domain.Device, error)
	Credentials(ctx context.Context, id domain.DeviceID, refresh bool) (domain.Credentials, error)
}

// EdgeSelector allocates gateway and TURN edges for a channel.
type EdgeSelector interface {
	ChooseServer(ctx context.Context, req edge.Request) (*edge.Selection, error)
}

// LiveControl starts and keeps alive the remote broadcast of one device.
type LiveControl interface {
	StartLive(ctx context.Context, creds domain.Credentials) error
	StopLive(ctx context.Context, sendStop bool)
	UpdateTokens(creds domain.Credentials)
	Streaming() bool
}

// EdgeSession is the WebSocket negotiation with one edge.
type EdgeSession interface {
	ConnectAndJoin(ctx context.Context, req signal.JoinRequest) (string, error)
	AddICECandidate(c webrtc.ICECandidateInit)
	FilterCandidates(keep func([]webrtc.ICECandidateInit) []webrtc.ICECandidateInit)
	ResetCandidates()
	Candidates() []webrtc.ICECandidateInit
	State() signal.State
	Disconnect()
}
