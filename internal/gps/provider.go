package gps

import (
	"context"

	"github.com/shaunagostinho/gpsdash/internal/gpsd"
)

// Provider is the interface for GPS data sources.
type Provider interface {
	Name() string
	Connect() error
	Close() error
	// Read returns the latest GPS fix. May block briefly.
	Read() (*Data, error)
}

// DeviceController is implemented by providers that can report and change
// receiver settings.
type DeviceController interface {
	Devices() []gpsd.Device
	SetDevice(ctx context.Context, set gpsd.DeviceSettings) (gpsd.Device, error)
}

// Data holds a single GPS fix.
type Data struct {
	Valid      bool    `json:"valid"`      // Fix is valid
	Latitude   float64 `json:"latitude"`   // Decimal degrees
	Longitude  float64 `json:"longitude"`  // Decimal degrees
	Speed      float64 `json:"speed"`      // km/h
	Heading    float64 `json:"heading"`    // Degrees true
	Altitude   float64 `json:"altitude"`   // Meters
	Climb      float64 `json:"climb"`      // m/s
	Satellites int     `json:"satellites"` // Sats in use
	Visible    int     `json:"visible"`    // Sats in view
	FixQuality int     `json:"fixQuality"` // 0=none, 1=GPS, 2=DGPS
	Mode       int     `json:"mode"`       // 0=unknown, 1=none, 2=2D, 3=3D
	HDOP       float64 `json:"hdop"`       // Horizontal dilution
	Device     string  `json:"device"`     // Reporting receiver
	Timestamp  string  `json:"timestamp"`  // UTC time string
}
