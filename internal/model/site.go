// Package model defines the core domain types shared across the
// measurement pipeline: sites, jobs, metric samples, and anomalies.
package model

import "time"

// DeviceProfile names a measurement configuration affecting emulated
// network and CPU conditions.
type DeviceProfile string

const (
	DeviceMobile  DeviceProfile = "mobile"
	DeviceDesktop DeviceProfile = "desktop"
)

// DefaultDeviceProfiles is the set of profiles every monitored site is
// measured under.
var DefaultDeviceProfiles = []DeviceProfile{DeviceMobile, DeviceDesktop}

// Valid reports whether the profile is one of the known profiles.
func (d DeviceProfile) Valid() bool {
	return d == DeviceMobile || d == DeviceDesktop
}

// Site is one monitored web property.
type Site struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	URL               string    `json:"url"`
	PageType          string    `json:"page_type"`
	MonitoringEnabled bool      `json:"monitoring_enabled"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
