package profiles

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawinfra/parlo/internal/store"
)

const profileDoc = "profili"

type deviceProfile struct {
	Profile   string    `json:"profile"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceProfiles persists each device's active profile.
type DeviceProfiles struct {
	store   *store.Store
	catalog *Catalog
	logger  *slog.Logger
}

// NewDeviceProfiles creates a device profile store.
func NewDeviceProfiles(s *store.Store, catalog *Catalog, logger *slog.Logger) *DeviceProfiles {
	return &DeviceProfiles{store: s, catalog: catalog, logger: logger.With("component", "device-profiles")}
}

// Catalog returns the profile catalog.
func (d *DeviceProfiles) Catalog() *Catalog { return d.catalog }

// Get returns the active profile of device, or the default profile.
func (d *DeviceProfiles) Get(device string) string {
	dp, err := store.Get[deviceProfile](d.store, profileDoc, device)
	if err != nil {
		d.logger.Warn("failed to read device profile", "device", device, "error", err)
		return d.catalog.Default()
	}
	return d.catalog.Normalize(dp.Profile)
}

// Set stores name as device's active profile. Unknown names are rejected.
func (d *DeviceProfiles) Set(ctx context.Context, device, name string) error {
	if _, ok := d.catalog.Get(name); !ok {
		return fmt.Errorf("unknown profile %q", name)
	}
	err := d.store.Save(ctx, profileDoc, device, deviceProfile{Profile: name, UpdatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	d.logger.Info("device profile changed", "device", device, "profile", name)
	return nil
}
