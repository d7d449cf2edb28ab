// Package http is the viewer API: a browser picks a camera, posts its offer
// and trickles candidates; the orchestrator does the rest.
package http

import (
	"context"

	"github.com/dkeye/livecam/internal/config"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	clientTokenCookie = "ct"
	sessionName       = "LivecamSessions"
	sessionDeviceKey  = "device"
)

// LiveService is the orchestrator as seen by the handlers.
type LiveService interface {
	Devices(ctx context.Context) ([]domain.Device, error)
	Prepare(ctx context.Context, id domain.DeviceID) error
	HandleOffer(ctx context.Context, id domain.DeviceID, offer, sessionID string, candidates ...webrtc.ICECandidateInit) (string, error)
	AddCandidate(ctx context.Context, id domain.DeviceID, c webrtc.ICECandidateInit) error
	CloseSession(ctx context.Context, id domain.DeviceID)
	ICEServers(id domain.DeviceID) []webrtc.ICEServer
}

// CredentialSink accepts credentials pushed by the viewer. May be nil.
type CredentialSink interface {
	Put(id domain.DeviceID, creds domain.Credentials) error
}

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(clientTokenCookie)
		if token == "" {
			token = genClientToken()
			c.SetCookie(clientTokenCookie, token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(cfg config.ServerConfig, live LiveService, sink CredentialSink) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	h := &handlers{live: live, sink: sink}
	r.GET("/healthz", h.health)

	limited := NewRateLimiter(cfg.OfferRateLimit, cfg.OfferRateWindow).Middleware()

	api := r.Group("/api")
	api.GET("/devices", h.devices)
	api.POST("/start", limited, h.start)
	api.POST("/offer", limited, h.offer)
	api.POST("/candidate", h.candidate)
	api.POST("/stop", h.stop)
	api.GET("/ice-servers", h.iceServers)

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}
