package app

import (
	"github.com/dkeye/livecam/internal/adapters/edge"
	"github.com/dkeye/livecam/internal/domain"
)

// StreamControlMode decides who owns the remote broadcast.
type StreamControlMode string

const (
	// ControlShared leaves the camera streaming on close; other viewers
	// such as the vendor app may still be watching.
	ControlShared StreamControlMode = "shared"
	// ControlExclusive sends stop_live when the session closes.
	ControlExclusive StreamControlMode = "exclusive"
)

// ParseStreamControlMode falls back to shared for unknown values.
func ParseStreamControlMode(s string) StreamControlMode {
	switch m := StreamControlMode(s); m {
	case ControlShared, ControlExclusive:
		return m
	}
	return ControlShared
}

func (m StreamControlMode) SendStop() bool { return m == ControlExclusive }

// Policy holds the operator defaults every device profile starts from.
type Policy struct {
	Control        StreamControlMode
	TurnMode       edge.TurnMode
	AllTurnServers bool
	IsSD           int
}

// RelayProfile is the resolved per-device behaviour of a live session.
type RelayProfile struct {
	Roles          []domain.RelayRole
	Control        StreamControlMode
	TurnMode       edge.TurnMode
	AllTurnServers bool
	IsSD           int
}

type profileRule struct {
	when  domain.CapabilityFlags
	apply func(*RelayProfile)
}

// Rules run in order; later rules win.
var profileRules = []profileRule{
	{when: domain.CapTurnTCP, apply: func(p *RelayProfile) {
		if p.TurnMode == edge.TurnUDP || p.TurnMode == edge.TurnAll {
			p.TurnMode = edge.TurnTLS
		}
		p.AllTurnServers = true
	}},
	{when: domain.CapSDOnly, apply: func(p *RelayProfile) { p.IsSD = 1 }},
	{when: domain.CapExclusive, apply: func(p *RelayProfile) { p.Control = ControlExclusive }},
}

// RelayProfileFor resolves the profile of a device with the given flags.
func (p Policy) RelayProfileFor(flags domain.CapabilityFlags) RelayProfile {
	prof := RelayProfile{
		Roles:          domain.DefaultRelayRoles(),
		Control:        p.Control,
		TurnMode:       p.TurnMode,
		AllTurnServers: p.AllTurnServers,
		IsSD:           p.IsSD,
	}
	if prof.Control == "" {
		prof.Control = ControlShared
	}
	if prof.TurnMode == 0 {
		prof.TurnMode = edge.TurnAll
	}
	for _, r := range profileRules {
		if flags.Has(r.when) {
			r.apply(&prof)
		}
	}
	return prof
}
