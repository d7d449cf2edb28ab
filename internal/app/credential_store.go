package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/livecam/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrNoCredentials  = errors.New("no credentials for device")
)

// Refresher fetches new credentials from the vendor account behind a device.
type Refresher func(ctx context.Context, id domain.DeviceID) (domain.Credentials, error)

// CredentialStore keeps the latest credentials handed in by the host. It is
// the in-memory core.CredentialSource of the viewer and the probe.
type CredentialStore struct {
	mu      sync.RWMutex
	order   []domain.DeviceID
	devices map[domain.DeviceID]domain.Device
	creds   map[domain.DeviceID]domain.Credentials
	refresh Refresher
}

func NewCredentialStore(devices []domain.Device, refresh Refresher) *CredentialStore {
	s := &CredentialStore{
		devices: make(map[domain.DeviceID]domain.Device),
		creds:   make(map[domain.DeviceID]domain.Credentials),
		refresh: refresh,
	}
	for _, d := range devices {
		s.AddDevice(d)
	}
	return s
}

func (s *CredentialStore) AddDevice(d domain.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[d.ID]; !ok {
		s.order = append(s.order, d.ID)
	}
	s.devices[d.ID] = d
}

// Put replaces the credentials of a known device.
func (s *CredentialStore) Put(id domain.DeviceID, creds domain.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[id]; !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	s.creds[id] = creds
	log.Info().Str("module", "app.credentials").Str("device", string(id)).Str("channel", creds.ChannelID).Msg("credentials updated")
	return nil
}

func (s *CredentialStore) Devices(context.Context) ([]domain.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Device, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.devices[id])
	}
	return out, nil
}

// Credentials returns the stored credentials. With refresh set and a
// Refresher configured, new ones are fetched and stored first.
func (s *CredentialStore) Credentials(ctx context.Context, id domain.DeviceID, refresh bool) (domain.Credentials, error) {
	s.mu.RLock()
	_, known := s.devices[id]
	s.mu.RUnlock()
	if !known {
		return domain.Credentials{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	if refresh && s.refresh != nil {
		creds, err := s.refresh(ctx, id)
		if err != nil {
			log.Warn().Str("module", "app.credentials").Str("device", string(id)).Err(err).Msg("credential refresh failed")
		} else if err := s.Put(id, creds); err != nil {
			return domain.Credentials{}, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	creds, ok := s.creds[id]
	if !ok {
		return domain.Credentials{}, fmt.Errorf("%w: %s", ErrNoCredentials, id)
	}
	return creds, nil
}
