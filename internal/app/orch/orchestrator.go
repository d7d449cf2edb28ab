// Package orch runs the per-device live flow: credentials, edge allocation,
// broadcast control and the edge negotiation that yields the answer SDP.
package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/livecam/internal/adapters/signal"
	"github.com/dkeye/livecam/internal/app"
	"github.com/dkeye/livecam/internal/core"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrUnknownDevice = errors.New("orch: unknown device")

type Orchestrator struct {
	Registry *app.Registry
	Source   core.CredentialSource
	Edges    core.EdgeSelector
	Policy   app.Policy
	AppID    string
	AreaCode string

	// NewLive and NewEdge build the per-device adapters on first use.
	NewLive func(d domain.Device, p app.RelayProfile) core.LiveControl
	NewEdge func(d domain.Device, tokens signal.TokenProvider) core.EdgeSession
}

// Devices lists the devices of the credential source.
func (o *Orchestrator) Devices(ctx context.Context) ([]domain.Device, error) {
	return o.Source.Devices(ctx)
}

func (o *Orchestrator) deviceContext(ctx context.Context, id domain.DeviceID) (*app.DeviceContext, error) {
	if dc, ok := o.Registry.Get(id); ok {
		return dc, nil
	}
	devices, err := o.Source.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devices {
		if d.ID == id {
			return o.Registry.GetOrCreate(d, o.build), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
}

func (o *Orchestrator) build(d domain.Device) *app.DeviceContext {
	prof := o.Policy.RelayProfileFor(d.Capabilities)
	return &app.DeviceContext{
		Device:  d,
		Profile: prof,
		Live:    o.NewLive(d, prof),
		Edge:    o.NewEdge(d, o.tokenProvider(d.ID)),
	}
}

// tokenProvider fetches fresh credentials when the edge warns about token
// expiry. The RTM tokens are swapped along with the RTC one.
func (o *Orchestrator) tokenProvider(id domain.DeviceID) signal.TokenProvider {
	return func(ctx context.Context) (string, error) {
		creds, err := o.Source.Credentials(ctx, id, true)
		if err != nil {
			return "", err
		}
		if err := creds.Validate(); err != nil {
			return "", err
		}
		if dc, ok := o.Registry.Get(id); ok {
			dc.Live.UpdateTokens(creds)
		}
		log.Info().Str("module", "orch").Str("device", string(id)).Msg("rtc token refreshed")
		return creds.RTCToken, nil
	}
}

// credentials returns usable credentials, asking the host for a refresh
// when the cached ones are missing or incomplete.
func (o *Orchestrator) credentials(ctx context.Context, id domain.DeviceID) (domain.Credentials, error) {
	creds, err := o.Source.Credentials(ctx, id, false)
	if err == nil && creds.Validate() == nil {
		return creds, nil
	}
	creds, err = o.Source.Credentials(ctx, id, true)
	if err != nil {
		return domain.Credentials{}, err
	}
	if err := creds.Validate(); err != nil {
		return domain.Credentials{}, err
	}
	return creds, nil
}
