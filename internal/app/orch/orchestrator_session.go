package orch

import (
	"context"

	"github.com/dkeye/livecam/internal/app"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const prepareParallelism = 4

// CloseSession stops the broadcast (exclusive mode only) and disconnects the
// edge. Unknown devices are a no-op.
func (o *Orchestrator) CloseSession(ctx context.Context, id domain.DeviceID) {
	dc, ok := o.Registry.Get(id)
	if !ok {
		return
	}
	o.closeStream(ctx, dc)
	dc.SetSessionID("")
}

func (o *Orchestrator) closeStream(ctx context.Context, dc *app.DeviceContext) {
	var g errgroup.Group
	g.Go(func() error {
		dc.Live.StopLive(ctx, dc.Profile.Control.SendStop())
		return nil
	})
	g.Go(func() error {
		dc.Edge.Disconnect()
		return nil
	})
	_ = g.Wait()
	log.Info().Str("module", "orch").Str("device", string(dc.Device.ID)).Bool("stop_sent", dc.Profile.Control.SendStop()).Msg("stream closed")
}

// Prepare prefetches the edge allocation so ICE servers are known before the
// first offer. A device without credentials is skipped.
func (o *Orchestrator) Prepare(ctx context.Context, id domain.DeviceID) error {
	dc, err := o.deviceContext(ctx, id)
	if err != nil {
		return err
	}
	creds, err := o.Source.Credentials(ctx, id, false)
	if err != nil || creds.Validate() != nil {
		log.Debug().Str("module", "orch").Str("device", string(id)).Msg("no credentials yet, skipping prepare")
		return nil
	}
	_, err = o.refreshContext(ctx, dc, creds)
	return err
}

// PrepareAll runs Prepare for every device. Individual failures are logged.
func (o *Orchestrator) PrepareAll(ctx context.Context) error {
	devices, err := o.Source.Devices(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prepareParallelism)
	for _, d := range devices {
		g.Go(func() error {
			if err := o.Prepare(gctx, d.ID); err != nil {
				log.Debug().Str("module", "orch").Str("device", string(d.ID)).Err(err).Msg("prefetch failed")
			}
			return nil
		})
	}
	return g.Wait()
}

// ICEServers returns the cached ICE servers of a device, nil before the
// first allocation.
func (o *Orchestrator) ICEServers(id domain.DeviceID) []webrtc.ICEServer {
	dc, ok := o.Registry.Get(id)
	if !ok {
		return nil
	}
	return dc.ICEServers()
}

// Shutdown closes every device stream.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	var g errgroup.Group
	for _, dc := range o.Registry.Snapshot() {
		g.Go(func() error {
			o.closeStream(ctx, dc)
			return nil
		})
	}
	_ = g.Wait()
}
