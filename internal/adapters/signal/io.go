package signal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (s *Session) writeJSON(conn WSConn, v outbound) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Session) messageLoop(ctx context.Context, conn WSConn, gen uint64, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				log.Debug().Str("module", "signal").Msg("message loop cancelled")
				return
			}
			log.Warn().Err(err).Str("module", "signal").Msg("edge connection closed")
			go s.disconnectGeneration(gen)
			return
		}
		msg, err := decodeMessage(data)
		if err != nil {
			log.Debug().Str("module", "signal").Err(err).Msg("dropped non-json payload")
			continue
		}
		s.handle(ctx, conn, gen, msg)
	}
}

func (s *Session) pingLoop(ctx context.Context, conn WSConn, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if st := s.State(); st != Joined && st != Connected {
			return
		}
		if err := s.writeJSON(conn, outbound{ID: randomHex(3), Type: "ping"}); err != nil {
			log.Debug().Err(err).Str("module", "signal").Msg("ping loop ended")
			return
		}
	}
}

func (s *Session) handle(ctx context.Context, conn WSConn, gen uint64, msg inbound) {
	switch msg.Kind {
	case KindAnswer:
		var body answerBody
		if err := msg.decodeBody(&body); err == nil && body.SDP != "" {
			s.mu.Lock()
			s.answer = body.SDP
			s.mu.Unlock()
		}
	case KindP2PLost:
		log.Warn().Str("module", "signal").Interface("code", msg.ErrorCode).Str("error", msg.ErrorStr).Msg("p2p lost")
		go s.disconnectGeneration(gen)
	case KindError:
		var body errorBody
		_ = msg.decodeBody(&body)
		log.Error().Str("module", "signal").Interface("error", body.Error).Msg("edge error")
	case KindCapabilityChange:
		log.Debug().Str("module", "signal").RawJSON("message", rawOrNull(msg.Message)).Msg("rtp capability change")
	case KindUserOnline:
		var body userOnlineBody
		if err := msg.decodeBody(&body); err == nil && body.UID != nil {
			s.mu.Lock()
			s.online[*body.UID] = struct{}{}
			s.mu.Unlock()
		}
	case KindAddVideoStream:
		s.handleAddVideoStream(conn, msg)
	case KindTokenWillExpire:
		log.Warn().Str("module", "signal").Msg("token expiring, renewing")
		s.renewAsync(ctx, conn)
	case KindTokenDidExpire:
		log.Error().Str("module", "signal").Msg("token expired")
	case KindPong, KindJoinResult:
	default:
		log.Debug().Str("module", "signal").Str("type", msg.Type).Msg("unhandled message")
	}
}

func (s *Session) handleAddVideoStream(conn WSConn, msg inbound) {
	var body addVideoStreamBody
	if err := msg.decodeBody(&body); err != nil || body.UID == nil || !body.Video {
		return
	}
	info := StreamInfo{UID: *body.UID, CName: body.CName}
	if body.SSRCID != nil {
		info.SSRCID = *body.SSRCID
	}
	if body.RTXSSRCID != nil {
		info.RTXSSRCID = *body.RTXSSRCID
	}
	s.mu.Lock()
	s.streams[info.UID] = info
	s.mu.Unlock()

	if !s.opts.AutoSubscribe || body.SSRCID == nil {
		return
	}
	sub := newMessage("subscribe", subscribeMessage{
		StreamID:   info.UID,
		StreamType: "video",
		Mode:       "live",
		Codec:      "h264",
		P2PID:      1,
		TWCC:       true,
		RTX:        true,
		SSRCID:     info.SSRCID,
	})
	if err := s.writeJSON(conn, sub); err != nil {
		log.Warn().Err(err).Str("module", "signal").Int64("uid", info.UID).Msg("subscribe failed")
		return
	}
	log.Info().Str("module", "signal").Int64("uid", info.UID).Int64("ssrc", info.SSRCID).Msg("subscribed to video stream")
}

// renewAsync runs the token provider off the loop goroutine. Teardown waits
// for the loops, so a provider that disconnects the session must not run on
// one of them.
func (s *Session) renewAsync(ctx context.Context, conn WSConn) {
	go func() {
		s.renewMu.Lock()
		defer s.renewMu.Unlock()
		if err := s.renewToken(ctx, conn); err != nil {
			log.Debug().Err(err).Str("module", "signal").Msg("renew_token skipped")
		}
	}()
}

func (s *Session) renewToken(ctx context.Context, conn WSConn) error {
	if p := s.opts.TokenProvider; p != nil {
		token, err := p(ctx)
		if err != nil {
			return err
		}
		if token == "" {
			return errEmptyToken
		}
		s.mu.Lock()
		s.rtcToken = token
		s.mu.Unlock()
	}
	s.mu.Lock()
	token := s.rtcToken
	s.mu.Unlock()
	if token == "" {
		return errEmptyToken
	}
	return s.writeJSON(conn, newMessage("renew_token", renewTokenMessage{Token: token}))
}

func rawOrNull(b json.RawMessage) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
