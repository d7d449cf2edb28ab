// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

var (
	ErrChannelMissing   = errors.New("channel id missing")
	ErrRTCTokenMissing  = errors.New("rtc token missing")
	ErrRTMFieldsMissing = errors.New("rtm user ids or token missing")
)

type DeviceID string

// Credentials are the short-lived streaming credentials issued for one device.
// They are refreshed by the host and never persisted beyond one session.
type Credentials struct {
	ChannelID    string `json:"channel_id"`
	RTCToken     string `json:"rtc_token"`
	RTMToken     string `json:"rtm_token"`
	AppUserID    string `json:"app_rtm_user_id"`
	DeviceUserID string `json:"dev_rtm_user_id"`
}

// Validate reports whether the credentials can drive an edge negotiation.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.ChannelID) == "" {
		return ErrChannelMissing
	}
	if strings.TrimSpace(c.RTCToken) == "" {
		return ErrRTCTokenMissing
	}
	return nil
}

// RTMIdentity is the peer-messaging part of the credentials.
type RTMIdentity struct {
	AppUserID    string
	DeviceUserID string
	Token        string
}

// SameDevice reports whether both identities address the same app/device pair.
func (id RTMIdentity) SameDevice(other RTMIdentity) bool {
	return id.AppUserID == other.AppUserID && id.DeviceUserID == other.DeviceUserID
}

// RTM extracts the peer-messaging identity. All three fields are required.
func (c Credentials) RTM() (RTMIdentity, error) {
	id := RTMIdentity{
		AppUserID:    strings.TrimSpace(c.AppUserID),
		DeviceUserID: strings.TrimSpace(c.DeviceUserID),
		Token:        strings.TrimSpace(c.RTMToken),
	}
	if id.AppUserID == "" || id.DeviceUserID == "" || id.Token == "" {
		return RTMIdentity{}, ErrRTMFieldsMissing
	}
	return id, nil
}
