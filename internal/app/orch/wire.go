package orch

import (
	"github.com/dkeye/livecam/internal/adapters/edge"
	"github.com/dkeye/livecam/internal/adapters/rtm"
	"github.com/dkeye/livecam/internal/adapters/signal"
	"github.com/dkeye/livecam/internal/app"
	"github.com/dkeye/livecam/internal/config"
	"github.com/dkeye/livecam/internal/core"
	"github.com/dkeye/livecam/internal/domain"
)

// New wires the vendor adapters from configuration.
func New(cfg *config.Config, source core.CredentialSource) *Orchestrator {
	edges := edge.NewClient(edge.Options{
		Domains:       cfg.Edge.Domains,
		BackupDomains: cfg.Edge.BackupDomains,
		ProxyServer:   cfg.Edge.ProxyServer,
		Timeout:       cfg.Edge.Timeout,
		InsecureTLS:   cfg.Edge.InsecureTLS,
		HostSuffix:    cfg.Edge.HostSuffix,
	})

	return &Orchestrator{
		Registry: app.NewRegistry(),
		Source:   source,
		Edges:    edges,
		Policy: app.Policy{
			Control:        app.ParseStreamControlMode(cfg.Stream.ControlMode),
			TurnMode:       edge.TurnMode(cfg.Stream.TurnMode),
			AllTurnServers: cfg.Stream.AllTurnServers,
			IsSD:           cfg.RTM.IsSD,
		},
		AppID:    cfg.Vendor.AppID,
		AreaCode: cfg.Edge.AreaCode,
		NewLive: func(_ domain.Device, p app.RelayProfile) core.LiveControl {
			return rtm.New(cfg.Vendor.AppID, rtm.Options{
				Domains:              cfg.RTM.Domains,
				Paths:                cfg.RTM.Paths,
				Scheme:               cfg.RTM.Scheme,
				InsecureTLS:          cfg.RTM.InsecureTLS,
				HeartbeatInterval:    cfg.RTM.HeartbeatInterval,
				HeartbeatMaxFailures: cfg.RTM.HeartbeatMaxFailures,
				StartAttempts:        cfg.RTM.StartAttempts,
				StartRetryDelay:      cfg.RTM.StartRetryDelay,
				RequestTimeout:       cfg.RTM.RequestTimeout,
				IsSD:                 p.IsSD,
			})
		},
		NewEdge: func(_ domain.Device, tokens signal.TokenProvider) core.EdgeSession {
			return signal.NewSession(signal.Options{
				ConnectTimeout: cfg.Session.ConnectTimeout,
				JoinTimeout:    cfg.Session.JoinTimeout,
				PingInterval:   cfg.Session.PingInterval,
				SDKVersion:     cfg.Session.SDKVersion,
				UserAgent:      cfg.Session.UserAgent,
				AutoSubscribe:  cfg.Session.AutoSubscribe,
				HostSuffix:     cfg.Edge.HostSuffix,
				InsecureTLS:    cfg.Edge.InsecureTLS,
				TokenProvider:  tokens,
			})
		},
	}
}
