package app

import (
	"sync"
	"testing"

	"github.com/dkeye/livecam/internal/adapters/edge"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGetOrCreateBuildsOnce(t *testing.T) {
	r := NewRegistry()
	var builds int
	var mu sync.Mutex
	build := func(d domain.Device) *DeviceContext {
		mu.Lock()
		builds++
		mu.Unlock()
		return &DeviceContext{Device: d}
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.GetOrCreate(domain.Device{ID: "a"}, build)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, builds)

	r.GetOrCreate(domain.Device{ID: "c"}, build)
	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, domain.DeviceID("a"), snap[0].Device.ID)

	_, ok := r.Remove("a")
	assert.True(t, ok)
	_, ok = r.Get("a")
	assert.False(t, ok)
	_, ok = r.Remove("a")
	assert.False(t, ok)
}

func TestDeviceContextState(t *testing.T) {
	dc := &DeviceContext{}
	assert.Nil(t, dc.Selection())
	assert.Nil(t, dc.ICEServers())

	sel := edge.NewSelection("", &edge.Buffer{Flag: domain.RoleGateway.Flag()})
	servers := []webrtc.ICEServer{{URLs: []string{"turn:x"}}}
	dc.SetSelection(sel, servers)
	assert.Same(t, sel, dc.Selection())
	got := dc.ICEServers()
	got[0].Username = "changed"
	assert.Empty(t, dc.ICEServers()[0].Username)

	dc.SetSessionID("s1")
	assert.Equal(t, "s1", dc.SessionID())

	end := dc.Begin()
	locked := make(chan struct{})
	go func() {
		defer close(locked)
		dc.Begin()()
	}()
	select {
	case <-locked:
		t.Fatal("second negotiation started while the first was running")
	default:
	}
	end()
	<-locked
}
