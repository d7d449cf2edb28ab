// Command probe negotiates one camera stream headlessly and reports the RTP
// it receives. Useful to check credentials and edge reachability.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/livecam/internal/adapters/rtc"
	"github.com/dkeye/livecam/internal/app"
	"github.com/dkeye/livecam/internal/app/orch"
	"github.com/dkeye/livecam/internal/config"
	"github.com/dkeye/livecam/internal/domain"
)

const probeDevice = domain.DeviceID("probe")

func main() {
	flags := pflag.NewFlagSet("probe", pflag.ExitOnError)
	flags.String("app-id", "", "vendor app id")
	flags.String("channel", "", "channel id")
	flags.String("rtc-token", "", "rtc token")
	flags.String("rtm-token", "", "rtm token")
	flags.String("app-user", "", "app rtm user id")
	flags.String("device-user", "", "device rtm user id")
	flags.StringSlice("capabilities", []string{"camera"}, "device capabilities")
	flags.String("control-mode", "shared", "shared or exclusive; exclusive stops the camera on exit")
	flags.Duration("duration", 20*time.Second, "how long to receive")
	flags.String("log-level", "info", "log level")
	_ = flags.Parse(os.Args[1:])

	v := viper.New()
	must(v.BindPFlag("vendor.app_id", flags.Lookup("app-id")))
	must(v.BindPFlag("stream.control_mode", flags.Lookup("control-mode")))
	must(v.BindPFlag("log.level", flags.Lookup("log-level")))
	must(v.BindPFlags(flags))

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.LoadWith(v)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	caps, err := domain.ParseCapabilities(v.GetStringSlice("capabilities"))
	if err != nil {
		log.Fatal().Err(err).Msg("bad capabilities")
	}
	creds := domain.Credentials{
		ChannelID:    v.GetString("channel"),
		RTCToken:     v.GetString("rtc-token"),
		RTMToken:     v.GetString("rtm-token"),
		AppUserID:    v.GetString("app-user"),
		DeviceUserID: v.GetString("device-user"),
	}
	if err := creds.Validate(); err != nil {
		log.Fatal().Err(err).Msg("--channel and --rtc-token are required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store := app.NewCredentialStore([]domain.Device{{ID: probeDevice, Name: "probe", Capabilities: caps}}, nil)
	must(store.Put(probeDevice, creds))
	o := orch.New(cfg, store)

	if err := run(ctx, o, v.GetDuration("duration")); err != nil {
		log.Error().Err(err).Msg("probe failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, o *orch.Orchestrator, d time.Duration) error {
	if err := o.Prepare(ctx, probeDevice); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer o.CloseSession(context.Background(), probeDevice)

	sid := uuid.NewString()
	viewer, err := rtc.NewViewer(o.ICEServers(probeDevice), sid)
	if err != nil {
		return err
	}
	defer viewer.Close()
	viewer.Start(ctx)

	offer, cands, err := viewer.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	answer, err := o.HandleOffer(ctx, probeDevice, offer, sid, cands...)
	if err != nil {
		return err
	}
	if err := viewer.SetAnswer(answer); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	deadline := time.After(d)
	for {
		select {
		case <-ctx.Done():
			report(viewer)
			return nil
		case <-deadline:
			report(viewer)
			return nil
		case <-ticker.C:
			report(viewer)
		}
	}
}

func report(v *rtc.Viewer) {
	for kind, s := range v.Stats() {
		fmt.Printf("📡 %-5s ssrc=%d packets=%d bytes=%d lost=%d\n", kind, s.SSRC, s.Packets, s.Bytes, s.Lost)
	}
}

func must(err error) {
	if err != nil {
		log.Fatal().Err(err).Msg("probe setup")
	}
}
