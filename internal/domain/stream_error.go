package domain

import "fmt"

// Reason is the structured failure code surfaced to the host platform.
type Reason string

const (
	ReasonLiveFeedUnavailable Reason = "live_feed_unavailable"
	ReasonEdgeContextFailed   Reason = "edge_context_failed"
	ReasonNegotiationFailed   Reason = "webrtc_negotiation_failed"
	ReasonOfferError          Reason = "webrtc_offer_error"
)

var reasonMessages = map[Reason]string{
	ReasonLiveFeedUnavailable: "no live feed credentials available for this device",
	ReasonEdgeContextFailed:   "failed to retrieve relay edge servers",
	ReasonNegotiationFailed:   "edge negotiation did not return an SDP answer",
	ReasonOfferError:          "failed to handle the WebRTC offer",
}

// StreamError carries a reason code and a fixed message. Internal detail
// stays in Cause and is only logged.
type StreamError struct {
	Reason  Reason `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func NewStreamError(reason Reason, cause error) *StreamError {
	return &StreamError{Reason: reason, Message: reasonMessages[reason], Cause: cause}
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Cause)
	}
	return string(e.Reason)
}

func (e *StreamError) Unwrap() error { return e.Cause }
