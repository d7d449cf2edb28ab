package signal

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/livecam/internal/adapters/edge"
	"github.com/dkeye/livecam/internal/app/ortc"
)

// MessageKind is the closed set of inbound message types the session reacts
// to. Anything else is KindUnknown and only logged.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindJoinResult
	KindAnswer
	KindP2PLost
	KindError
	KindCapabilityChange
	KindUserOnline
	KindAddVideoStream
	KindTokenWillExpire
	KindTokenDidExpire
	KindPong
)

var kindByType = map[string]MessageKind{
	"answer":                         KindAnswer,
	"on_p2p_lost":                    KindP2PLost,
	"error":                          KindError,
	"on_rtp_capability_change":       KindCapabilityChange,
	"on_user_online":                 KindUserOnline,
	"on_add_video_stream":            KindAddVideoStream,
	"on_token_privilege_will_expire": KindTokenWillExpire,
	"on_token_privilege_did_expire":  KindTokenDidExpire,
	"ping":                           KindPong,
	"pong":                           KindPong,
}

func (k MessageKind) String() string {
	for t, kind := range kindByType {
		if kind == k && t != "ping" {
			return t
		}
	}
	if k == KindJoinResult {
		return "join_result"
	}
	return "unknown"
}

type outbound struct {
	ID      string `json:"_id"`
	Type    string `json:"_type"`
	Message any    `json:"_message,omitempty"`
}

type inbound struct {
	ID        string          `json:"_id"`
	Type      string          `json:"_type"`
	Result    string          `json:"_result"`
	Message   json.RawMessage `json:"_message"`
	ErrorCode any             `json:"error_code"`
	ErrorStr  string          `json:"error_str"`

	Kind MessageKind `json:"-"`
}

func decodeMessage(data []byte) (inbound, error) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return inbound{}, err
	}
	msg.Kind = kindByType[msg.Type]
	if msg.Kind == KindUnknown && msg.Result != "" {
		msg.Kind = KindJoinResult
	}
	return msg, nil
}

func (m inbound) decodeBody(v any) error {
	if len(m.Message) == 0 {
		return fmt.Errorf("%s: empty _message", m.Type)
	}
	return json.Unmarshal(m.Message, v)
}

type joinResult struct {
	Ortc *ortc.Capabilities `json:"ortc"`
}

type answerBody struct {
	SDP string `json:"sdp"`
}

type userOnlineBody struct {
	UID *int64 `json:"uid"`
}

type addVideoStreamBody struct {
	UID       *int64 `json:"uid"`
	SSRCID    *int64 `json:"ssrcId"`
	RTXSSRCID *int64 `json:"rtxSsrcId"`
	CName     string `json:"cname"`
	Video     bool   `json:"video"`
}

type errorBody struct {
	Error any `json:"error"`
}

// StreamInfo describes a remote video stream announced by the edge.
type StreamInfo struct {
	UID       int64
	SSRCID    int64
	RTXSSRCID int64
	CName     string
}

type joinMessage struct {
	P2PID             int               `json:"p2p_id"`
	SessionID         string            `json:"session_id"`
	AppID             string            `json:"app_id"`
	ChannelKey        string            `json:"channel_key"`
	ChannelName       string            `json:"channel_name"`
	SDKVersion        string            `json:"sdk_version"`
	Browser           string            `json:"browser"`
	ProcessID         string            `json:"process_id"`
	Mode              string            `json:"mode"`
	Codec             string            `json:"codec"`
	Role              string            `json:"role"`
	HasChangedGateway bool              `json:"has_changed_gateway"`
	APResponse        edge.APResponse   `json:"ap_response"`
	Extend            string            `json:"extend"`
	Details           map[string]any    `json:"details"`
	Features          map[string]bool   `json:"features"`
	Attributes        joinAttributes    `json:"attributes"`
	JoinTS            int64             `json:"join_ts"`
	Ortc              ortc.Capabilities `json:"ortc"`
}

type joinAttributes struct {
	UserAttributes map[string]any `json:"userAttributes"`
}

func userAttributes() map[string]any {
	return map[string]any{
		"enableAudioMetadata":          false,
		"enableAudioPts":               false,
		"enablePublishedUserList":      true,
		"maxSubscription":              50,
		"enableUserLicenseCheck":       true,
		"enableRTX":                    true,
		"enableInstantVideo":           false,
		"enableDataStream2":            false,
		"enableAutFeedback":            true,
		"enableUserAutoRebalanceCheck": true,
		"enableXR":                     true,
		"enableLossbasedBwe":           true,
		"enableAutCC":                  true,
		"enablePreallocPC":             false,
		"enablePubTWCC":                false,
		"enableSubTWCC":                true,
		"enablePubRTX":                 true,
		"enableSubRTX":                 true,
	}
}

type setClientRoleMessage struct {
	Role     string `json:"role"`
	Level    int    `json:"level"`
	ClientTS int64  `json:"client_ts"`
}

type subscribeMessage struct {
	StreamID   int64  `json:"stream_id"`
	StreamType string `json:"stream_type"`
	Mode       string `json:"mode"`
	Codec      string `json:"codec"`
	P2PID      int    `json:"p2p_id"`
	TWCC       bool   `json:"twcc"`
	RTX        bool   `json:"rtx"`
	Extend     string `json:"extend"`
	SSRCID     int64  `json:"ssrcId"`
}

type renewTokenMessage struct {
	Token string `json:"token"`
}

func newMessage(typ string, body any) outbound {
	return outbound{ID: randomHex(3), Type: typ, Message: body}
}

func (s *Session) joinMessage(req JoinRequest, caps ortc.Capabilities, now time.Time) outbound {
	return newMessage("join_v3", joinMessage{
		P2PID:       1,
		SessionID:   req.SessionID,
		AppID:       req.AppID,
		ChannelKey:  req.Credentials.RTCToken,
		ChannelName: req.Credentials.ChannelID,
		SDKVersion:  s.opts.SDKVersion,
		Browser:     s.opts.UserAgent,
		ProcessID:   processID(),
		Mode:        "live",
		Codec:       "h264",
		Role:        "host",
		APResponse:  req.Selection.APResponse(gatewayFlag),
		Details:     map[string]any{},
		Features:    map[string]bool{"rejoin": true},
		Attributes:  joinAttributes{UserAttributes: userAttributes()},
		JoinTS:      now.UnixMilli(),
		Ortc:        caps,
	})
}

func processID() string {
	return fmt.Sprintf("process-%s-%s-%s-%s-%s", randomHex(4), randomHex(2), randomHex(2), randomHex(2), randomHex(6))
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
