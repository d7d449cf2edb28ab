package rtm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
)

type endpoint struct {
	domain string
	path   string
}

type peerMessage struct {
	Destination               string `json:"destination"`
	EnableOfflineMessaging    bool   `json:"enable_offline_messaging"`
	EnableHistoricalMessaging bool   `json:"enable_historical_messaging"`
	Payload                   string `json:"payload"`
}

type command struct {
	Cmd     string         `json:"cmd"`
	Payload map[string]any `json:"payload,omitempty"`
}

type ackBody struct {
	Result string `json:"result"`
	Code   string `json:"code"`
}

// endpoints lists (domain, path) pairs with the last successful one first.
func (s *Signaling) endpoints(preferred endpoint) []endpoint {
	domains := moveFront(s.opts.Domains, preferred.domain)
	paths := moveFront(s.opts.Paths, preferred.path)
	out := make([]endpoint, 0, len(domains)*len(paths))
	for _, d := range domains {
		for _, p := range paths {
			out = append(out, endpoint{domain: d, path: p})
		}
	}
	return out
}

func moveFront(list []string, first string) []string {
	out := slices.Clone(list)
	if i := slices.Index(out, first); i > 0 {
		out = append([]string{first}, slices.Delete(out, i, i+1)...)
	}
	return out
}

// send delivers one command to the device peer. Transient failures move on to
// the next endpoint; anything else ends the attempt.
func (s *Signaling) send(ctx context.Context, cmd string, payload map[string]any, waitForAck bool, accepted []string) error {
	s.stateMu.RLock()
	id, hc, preferred := s.identity, s.http, s.preferred
	s.stateMu.RUnlock()
	if hc == nil || id.Token == "" {
		return ErrNoSession
	}

	msg, err := json.Marshal(command{Cmd: cmd, Payload: payload})
	if err != nil {
		return err
	}
	body := peerMessage{Destination: id.DeviceUserID, Payload: string(msg)}

	for _, ep := range s.endpoints(preferred) {
		path := strings.NewReplacer(
			"{app_id}", s.appID,
			"{user_id}", url.PathEscape(id.AppUserID),
		).Replace(ep.path)
		target := fmt.Sprintf("%s://%s%s", s.opts.Scheme, ep.domain, path)

		req := hc.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetHeader("x-agora-token", id.Token).
			SetHeader("x-agora-uid", id.AppUserID).
			SetHeader("Authorization", "agora token="+id.Token).
			SetBody(body)
		if waitForAck {
			req.SetQueryParam("wait_for_ack", "true")
		}

		s.sendMu.Lock()
		resp, err := req.Post(target)
		s.sendMu.Unlock()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Debug().Str("module", "rtm").Str("cmd", cmd).Str("domain", ep.domain).Err(err).Msg("request failed")
			continue
		}

		status := resp.StatusCode()
		switch {
		case status == http.StatusNotFound:
			continue
		case status >= 500 || status == http.StatusTooManyRequests:
			log.Debug().Str("module", "rtm").Str("cmd", cmd).Int("status", status).Msg("transient error")
			continue
		case status != http.StatusOK:
			log.Debug().Str("module", "rtm").Str("cmd", cmd).Str("domain", ep.domain).Int("status", status).Msg("command rejected")
			return fmt.Errorf("%w: %s status %d", ErrCommandRejected, cmd, status)
		}

		var ack ackBody
		_ = json.Unmarshal(resp.Body(), &ack)
		result, code := strings.ToLower(ack.Result), strings.ToLower(ack.Code)
		if result == "success" && slices.Contains(accepted, code) {
			s.stateMu.Lock()
			if s.http == hc {
				s.preferred = ep
			}
			s.stateMu.Unlock()
			return nil
		}
		log.Debug().Str("module", "rtm").Str("cmd", cmd).Str("result", result).Str("code", code).Msg("command rejected")
		return fmt.Errorf("%w: %s result=%q code=%q", ErrCommandRejected, cmd, result, code)
	}
	return fmt.Errorf("%w: %s", ErrNoEndpoint, cmd)
}
