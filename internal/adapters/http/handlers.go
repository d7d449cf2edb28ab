package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/livecam/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	live LiveService
	sink CredentialSink
}

type startRequest struct {
	DeviceID    string              `json:"deviceId" binding:"required"`
	Credentials *domain.Credentials `json:"credentials"`
}

type candidateBody struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

func (b candidateBody) init() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: b.Candidate, SDPMid: b.SDPMid, SDPMLineIndex: b.SDPMLineIndex}
}

type offerRequest struct {
	Offer      string          `json:"offer" binding:"required"`
	SessionID  string          `json:"sessionId"`
	Candidates []candidateBody `json:"candidates"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) devices(c *gin.Context) {
	devices, err := h.live.Devices(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

// start selects the viewer's device, stores pushed credentials and
// prefetches its edge allocation.
func (h *handlers) start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "deviceId is required"})
		return
	}
	id := domain.DeviceID(req.DeviceID)

	if req.Credentials != nil {
		if h.sink == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "credentials cannot be pushed to this server"})
			return
		}
		if err := h.sink.Put(id, *req.Credentials); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
	}

	if err := h.live.Prepare(c.Request.Context(), id); err != nil {
		log.Warn().Str("module", "adapters.http").Str("device", req.DeviceID).Err(err).Msg("prepare failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to retrieve relay edge servers"})
		return
	}

	sess := sessions.Default(c)
	sess.Set(sessionDeviceKey, req.DeviceID)
	if err := sess.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device":     req.DeviceID,
		"iceServers": h.live.ICEServers(id),
	})
}

func (h *handlers) offer(c *gin.Context) {
	id, ok := selectedDevice(c)
	if !ok {
		return
	}
	var req offerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offer is required"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = c.GetString("client_token")
	}
	cands := make([]webrtc.ICECandidateInit, 0, len(req.Candidates))
	for _, cb := range req.Candidates {
		cands = append(cands, cb.init())
	}

	answer, err := h.live.HandleOffer(c.Request.Context(), id, req.Offer, req.SessionID, cands...)
	if err != nil {
		var se *domain.StreamError
		if errors.As(err, &se) {
			c.JSON(statusFor(se.Reason), gin.H{"code": se.Reason, "message": se.Message})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "offer failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"answer": answer})
}

func statusFor(r domain.Reason) int {
	switch r {
	case domain.ReasonLiveFeedUnavailable:
		return http.StatusServiceUnavailable
	case domain.ReasonOfferError:
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func (h *handlers) candidate(c *gin.Context) {
	id, ok := selectedDevice(c)
	if !ok {
		return
	}
	var body candidateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid candidate"})
		return
	}
	if err := h.live.AddCandidate(c.Request.Context(), id, body.init()); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *handlers) stop(c *gin.Context) {
	id, ok := selectedDevice(c)
	if !ok {
		return
	}
	h.live.CloseSession(c.Request.Context(), id)

	sess := sessions.Default(c)
	sess.Delete(sessionDeviceKey)
	_ = sess.Save()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *handlers) iceServers(c *gin.Context) {
	id, ok := selectedDevice(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"iceServers": h.live.ICEServers(id)})
}

// selectedDevice reads the device chosen by /api/start. It writes the error
// response itself.
func selectedDevice(c *gin.Context) (domain.DeviceID, bool) {
	v, _ := sessions.Default(c).Get(sessionDeviceKey).(string)
	if v == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stream not started"})
		return "", false
	}
	return domain.DeviceID(v), true
}
