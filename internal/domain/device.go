package domain

import (
	"fmt"
	"sort"
	"strings"
)

// CapabilityFlags describe what a device model supports on the live path.
type CapabilityFlags uint32

const (
	CapCamera CapabilityFlags = 1 << iota
	// CapSDOnly models publish no HD stream, so start_live asks for SD.
	CapSDOnly
	// CapTurnTCP marks firmware that only reaches relays over TCP or TLS.
	CapTurnTCP
	// CapExclusive stops the broadcast on close whatever the global control mode.
	CapExclusive
)

var capabilityNames = map[string]CapabilityFlags{
	"camera":    CapCamera,
	"sd_only":   CapSDOnly,
	"turn_tcp":  CapTurnTCP,
	"exclusive": CapExclusive,
}

func ParseCapabilities(names []string) (CapabilityFlags, error) {
	var flags CapabilityFlags
	for _, n := range names {
		f, ok := capabilityNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, fmt.Errorf("unknown device capability %q", n)
		}
		flags |= f
	}
	return flags, nil
}

func (f CapabilityFlags) Has(c CapabilityFlags) bool { return f&c == c }

func (f CapabilityFlags) String() string {
	var out []string
	for name, c := range capabilityNames {
		if f.Has(c) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// Device is a camera the host knows about.
type Device struct {
	ID           DeviceID        `json:"id"`
	Name         string          `json:"name"`
	Model        string          `json:"model"`
	Capabilities CapabilityFlags `json:"-"`
}
