// Package edge asks the vendor allocation service for a gateway and TURN
// relays for one channel.
package edge

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/dkeye/livecam/internal/domain"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

var (
	ErrAllEndpointsFailed = errors.New("edge: all allocation endpoints failed")
	ErrNoUsableBuffer     = errors.New("edge: response has no successful buffer")
)

const (
	chooseServerPath = "/api/v2/transpond/webrtc?v=2"
	chooseServerURI  = 22
	defaultAreaCode  = "CN,GLOBAL"
)

type Options struct {
	Domains       []string
	BackupDomains []string
	// ProxyServer routes requests through "<proxy>/ap/?url=<domain>...".
	ProxyServer string
	Scheme      string
	Timeout     time.Duration
	InsecureTLS bool
	HostSuffix  string
}

type Client struct {
	http *resty.Client
	opts Options
}

func NewClient(opts Options) *Client {
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HostSuffix == "" {
		opts.HostSuffix = DefaultHostSuffix
	}
	hc := resty.New().SetTimeout(opts.Timeout)
	if opts.InsecureTLS {
		// edges present certificates for their dashed hostnames, not the pool names
		hc.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	return &Client{http: hc, opts: opts}
}

// Request describes one allocation. UserID is the numeric uid the token was
// issued for; StringUID defaults to its decimal form.
type Request struct {
	AppID       string
	Token       string
	ChannelName string
	UserID      int64
	StringUID   string
	Roles       []domain.RelayRole
	AreaCode    string
	ClientRole  int
	SID         string
}

type envelope struct {
	AppID         string        `json:"appid"`
	ClientTS      int64         `json:"client_ts"`
	OpID          int64         `json:"opid"`
	SID           string        `json:"sid"`
	RequestBodies []requestBody `json:"request_bodies"`
}

type requestBody struct {
	URI    int           `json:"uri"`
	Buffer requestBuffer `json:"buffer"`
}

type requestBuffer struct {
	CName      string            `json:"cname"`
	Detail     map[string]string `json:"detail"`
	Key        string            `json:"key"`
	ServiceIDs []int             `json:"service_ids"`
	UID        int64             `json:"uid"`
}

func buildEnvelope(req Request, now time.Time) envelope {
	if req.StringUID == "" {
		req.StringUID = strconv.FormatInt(req.UserID, 10)
	}
	if len(req.Roles) == 0 {
		req.Roles = domain.DefaultRelayRoles()
	}
	if req.AreaCode == "" {
		req.AreaCode = defaultAreaCode
	}
	if req.ClientRole == 0 {
		req.ClientRole = 1
	}
	if req.SID == "" {
		req.SID = strconv.FormatInt(rand.Int64N(1<<31), 10)
	}

	serviceIDs := make([]int, 0, len(req.Roles))
	for _, r := range req.Roles {
		serviceIDs = append(serviceIDs, r.ServiceID())
	}
	detail := map[string]string{
		"11": req.AreaCode,
		"17": strconv.Itoa(req.ClientRole),
		"22": req.AreaCode,
		"6":  req.StringUID,
	}
	return envelope{
		AppID:    req.AppID,
		ClientTS: now.UnixMilli(),
		OpID:     rand.Int64N(1_000_000_000_000),
		SID:      req.SID,
		RequestBodies: []requestBody{{
			URI: chooseServerURI,
			Buffer: requestBuffer{
				CName:      req.ChannelName,
				Detail:     detail,
				Key:        req.Token,
				ServiceIDs: serviceIDs,
				UID:        req.UserID,
			},
		}},
	}
}

// ChooseServer posts the allocation request to each configured domain in turn
// until one answers with 200.
func (c *Client) ChooseServer(ctx context.Context, req Request) (*Selection, error) {
	body, err := json.Marshal(buildEnvelope(req, time.Now()))
	if err != nil {
		return nil, fmt.Errorf("edge: encode request: %w", err)
	}

	domains := append(append([]string{}, c.opts.Domains...), c.opts.BackupDomains...)
	for _, d := range domains {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := c.post(ctx, d, body)
		if err != nil {
			log.Debug().Str("module", "edge").Str("domain", d).Err(err).Msg("allocation endpoint failed")
			continue
		}
		sel, err := parseSelection(raw, c.opts.HostSuffix)
		if err != nil {
			return nil, err
		}
		log.Info().Str("module", "edge").Str("domain", d).Str("channel", req.ChannelName).
			Int("gateways", len(sel.GatewayAddresses())).Int("turn", len(sel.TurnAddresses())).
			Msg("edge selected")
		return sel, nil
	}
	return nil, ErrAllEndpointsFailed
}

func (c *Client) endpoint(domain string) string {
	if c.opts.ProxyServer != "" {
		return fmt.Sprintf("%s://%s/ap/?url=%s%s", c.opts.Scheme, c.opts.ProxyServer, domain, chooseServerPath)
	}
	return fmt.Sprintf("%s://%s%s", c.opts.Scheme, domain, chooseServerPath)
}

func (c *Client) post(ctx context.Context, domain string, body []byte) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetMultipartField("request", "", "application/json", bytes.NewReader(body)).
		Post(c.endpoint(domain))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
	}
	raw := resp.Body()
	if !json.Valid(raw) {
		return nil, fmt.Errorf("invalid json body")
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
