// Package rtm drives the device broadcast over the vendor's peer-messaging
// REST API: start_live, a live_heartbeat loop and stop_live.
package rtm

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/livecam/internal/domain"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

var (
	ErrStartFailed        = errors.New("rtm: start_live not acknowledged")
	ErrMissingCredentials = errors.New("rtm: credentials missing rtm fields")
	ErrCommandRejected    = errors.New("rtm: command rejected")
	ErrNoEndpoint         = errors.New("rtm: no endpoint accepted the command")
	ErrNoSession          = errors.New("rtm: no session")
)

const (
	cmdStartLive = "start_live"
	cmdHeartbeat = "live_heartbeat"
	cmdStopLive  = "stop_live"
)

var (
	successCodes     = []string{"message_sent", "message_delivered"}
	stopSuccessCodes = []string{"message_sent", "message_delivered", "message_offline"}
)

type Options struct {
	Domains              []string
	Paths                []string
	Scheme               string
	HeartbeatInterval    time.Duration
	HeartbeatMaxFailures int
	StartAttempts        int
	StartRetryDelay      time.Duration
	RequestTimeout       time.Duration
	IsSD                 int
	InsecureTLS          bool
}

func (o *Options) withDefaults() {
	if len(o.Domains) == 0 {
		o.Domains = []string{"api.agora.io", "api.sd-rtn.com"}
	}
	if len(o.Paths) == 0 {
		o.Paths = []string{"/dev/v2/project/{app_id}/rtm/users/{user_id}/peer_messages"}
	}
	if o.Scheme == "" {
		o.Scheme = "https"
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 500 * time.Millisecond
	}
	if o.HeartbeatMaxFailures <= 0 {
		o.HeartbeatMaxFailures = 10
	}
	if o.StartAttempts <= 0 {
		o.StartAttempts = 5
	}
	if o.StartRetryDelay <= 0 {
		o.StartRetryDelay = time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
}

// Signaling holds the peer-messaging session of one device.
// Public methods are serialized; the heartbeat goroutine only reads state
// under stateMu.
type Signaling struct {
	appID string
	opts  Options

	mu sync.Mutex

	stateMu   sync.RWMutex
	identity  domain.RTMIdentity
	http      *resty.Client
	preferred endpoint

	// one request in flight at a time
	sendMu sync.Mutex

	hbCancel context.CancelFunc
	hbDone   chan struct{}
}

func New(appID string, opts Options) *Signaling {
	opts.withDefaults()
	return &Signaling{appID: appID, opts: opts}
}

// StartLive asks the device to start broadcasting and keeps it alive with a
// heartbeat. An identity change tears the previous session down first
// without sending stop_live to the old device.
func (s *Signaling) StartLive(ctx context.Context, creds domain.Credentials) error {
	id, err := creds.RTM()
	if err != nil {
		log.Debug().Str("module", "rtm").Msg("credentials lack rtm fields, skipping")
		return ErrMissingCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.reconcile(ctx, id)

	if err := s.startWithRetry(ctx); err != nil {
		return err
	}
	s.ensureHeartbeat()
	return nil
}

// StopLive cancels the heartbeat, optionally tells the device to stop and
// releases the session. It is a no-op without a session.
func (s *Signaling) StopLive(ctx context.Context, sendStop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown(ctx, sendStop)
}

// UpdateTokens swaps the token in place when the identity is unchanged.
func (s *Signaling) UpdateTokens(creds domain.Credentials) {
	id, err := creds.RTM()
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.identity.SameDevice(id) {
		s.identity.Token = id.Token
	}
}

// Streaming reports whether a heartbeat goroutine is alive.
func (s *Signaling) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeatRunning()
}

func (s *Signaling) reconcile(ctx context.Context, id domain.RTMIdentity) {
	s.stateMu.RLock()
	current := s.identity
	s.stateMu.RUnlock()

	if current.AppUserID != "" && !current.SameDevice(id) {
		log.Info().Str("module", "rtm").Str("device", id.DeviceUserID).Msg("identity changed, resetting session")
		s.teardown(ctx, false)
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.identity = id
	if s.http == nil {
		s.http = resty.New().SetTimeout(s.opts.RequestTimeout)
		if s.opts.InsecureTLS {
			s.http.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
		}
	}
}

func (s *Signaling) startWithRetry(ctx context.Context) error {
	for attempt := 1; attempt <= s.opts.StartAttempts; attempt++ {
		err := s.send(ctx, cmdStartLive, s.isSDPayload(), true, successCodes)
		if err == nil {
			log.Info().Str("module", "rtm").Int("attempt", attempt).Msg("start_live acknowledged")
			return nil
		}
		log.Debug().Str("module", "rtm").Int("attempt", attempt).Err(err).Msg("start_live failed")
		if attempt == s.opts.StartAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.StartRetryDelay):
		}
	}
	log.Warn().Str("module", "rtm").Int("attempts", s.opts.StartAttempts).Msg("start_live failed on every attempt")
	return ErrStartFailed
}

func (s *Signaling) isSDPayload() map[string]any {
	return map[string]any{"isSD": s.opts.IsSD}
}

func (s *Signaling) heartbeatRunning() bool {
	if s.hbDone == nil {
		return false
	}
	select {
	case <-s.hbDone:
		return false
	default:
		return true
	}
}

func (s *Signaling) ensureHeartbeat() {
	if s.heartbeatRunning() {
		return
	}
	// a heartbeat that gave up still holds its context
	if s.hbCancel != nil {
		s.hbCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.hbCancel = cancel
	s.hbDone = done
	go s.heartbeat(ctx, done)
}

func (s *Signaling) heartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "rtm").Msg("heartbeat cancelled")
			return
		case <-ticker.C:
		}
		if err := s.send(ctx, cmdHeartbeat, s.isSDPayload(), false, successCodes); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			log.Debug().Str("module", "rtm").Err(err).Int("failures", failures).Msg("heartbeat failed")
			if failures >= s.opts.HeartbeatMaxFailures {
				log.Warn().Str("module", "rtm").Int("failures", failures).Msg("heartbeat failing, stopping")
				return
			}
			continue
		}
		failures = 0
	}
}

func (s *Signaling) teardown(ctx context.Context, sendStop bool) {
	if s.hbCancel != nil {
		s.hbCancel()
		<-s.hbDone
		s.hbCancel, s.hbDone = nil, nil
	}

	if sendStop && s.hasSession() {
		if err := s.send(ctx, cmdStopLive, nil, false, stopSuccessCodes); err != nil {
			log.Debug().Str("module", "rtm").Err(err).Msg("stop_live not acknowledged")
		}
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.http != nil {
		s.http.GetClient().CloseIdleConnections()
	}
	s.http = nil
	s.identity = domain.RTMIdentity{}
	s.preferred = endpoint{}
}

func (s *Signaling) hasSession() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.http != nil && s.identity.Token != ""
}
