package app

import (
	"sort"
	"sync"

	"github.com/dkeye/livecam/internal/adapters/edge"
	"github.com/dkeye/livecam/internal/core"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// DeviceContext is everything one camera needs across offers: its control
// channel, its edge session and the last edge allocation.
type DeviceContext struct {
	Device  domain.Device
	Profile RelayProfile
	Live    core.LiveControl
	Edge    core.EdgeSession

	// offers on one device never overlap
	negotiation sync.Mutex

	mu         sync.RWMutex
	selection  *edge.Selection
	iceServers []webrtc.ICEServer
	sessionID  string
}

// Begin blocks until no other negotiation runs on the device. The returned
// func ends it.
func (c *DeviceContext) Begin() (end func()) {
	c.negotiation.Lock()
	return c.negotiation.Unlock
}

func (c *DeviceContext) SetSelection(sel *edge.Selection, servers []webrtc.ICEServer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selection = sel
	c.iceServers = servers
}

func (c *DeviceContext) Selection() *edge.Selection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selection
}

func (c *DeviceContext) ICEServers() []webrtc.ICEServer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]webrtc.ICEServer(nil), c.iceServers...)
}

func (c *DeviceContext) SetSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *DeviceContext) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Registry owns the device contexts. The caller creates it and passes it
// to the orchestrator; there is no package level state.
type Registry struct {
	mu      sync.RWMutex
	devices map[domain.DeviceID]*DeviceContext
}

func NewRegistry() *Registry {
	return &Registry{devices: make(map[domain.DeviceID]*DeviceContext)}
}

// GetOrCreate returns the context of d, building it on first use.
func (r *Registry) GetOrCreate(d domain.Device, build func(domain.Device) *DeviceContext) *DeviceContext {
	r.mu.RLock()
	c, ok := r.devices[d.ID]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.devices[d.ID]; ok {
		return c
	}
	c = build(d)
	r.devices[d.ID] = c
	log.Info().Str("module", "app.registry").Str("device", string(d.ID)).Str("caps", d.Capabilities.String()).Msg("created device context")
	return c
}

func (r *Registry) Get(id domain.DeviceID) (*DeviceContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.devices[id]
	return c, ok
}

func (r *Registry) Remove(id domain.DeviceID) (*DeviceContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.devices[id]
	if ok {
		delete(r.devices, id)
		log.Info().Str("module", "app.registry").Str("device", string(id)).Msg("removed device context")
	}
	return c, ok
}

// Snapshot lists the contexts ordered by device id.
func (r *Registry) Snapshot() []*DeviceContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*DeviceContext, 0, len(r.devices))
	for _, c := range r.devices {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device.ID < out[j].Device.ID })
	return out
}
