package gps

import (
	"sort"
	"sync"

	"github.com/shaunagostinho/gpsdash/internal/gpsd"
)

const msToKph = 3.6

// Tracker folds TPV, SKY and DEVICE reports into the latest fix and the
// set of known receivers. It is a gpsd.Listener, and the serial and demo
// providers feed it the same objects.
type Tracker struct {
	mu      sync.Mutex
	last    Data
	devices map[string]gpsd.Device
}

func NewTracker() *Tracker {
	return &Tracker{devices: make(map[string]gpsd.Device)}
}

func (t *Tracker) OnObject(obj gpsd.Object) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch o := obj.(type) {
	case gpsd.TPV:
		t.applyTPV(o)
	case gpsd.SKY:
		t.applySKY(o)
	case gpsd.Device:
		if o.Path == "" {
			return
		}
		if !o.IsActive() {
			delete(t.devices, o.Path)
			return
		}
		t.devices[o.Path] = o
	case gpsd.Devices:
		t.devices = make(map[string]gpsd.Device, len(o.Devices))
		for _, d := range o.Devices {
			if d.Path != "" {
				t.devices[d.Path] = d
			}
		}
	case gpsd.Poll:
		for _, tpv := range o.TPV {
			t.applyTPV(tpv)
		}
		for _, sky := range o.SKY {
			t.applySKY(sky)
		}
	}
}

func (t *Tracker) OnError(error) {}

func (t *Tracker) applyTPV(o gpsd.TPV) {
	t.last.Mode = o.Mode
	t.last.Valid = o.HasFix()
	t.last.Device = o.Device
	if !o.Time.IsZero() {
		t.last.Timestamp = o.Time.UTC().Format("150405.00")
	}
	switch {
	case !o.HasFix():
		t.last.FixQuality = 0
		return
	case o.Status == gpsd.StatusDGPS:
		t.last.FixQuality = 2
	default:
		t.last.FixQuality = 1
	}
	t.last.Latitude = o.Lat
	t.last.Longitude = o.Lon
	t.last.Speed = o.Speed * msToKph
	t.last.Heading = o.Track
	t.last.Climb = o.Climb
	if o.Mode == gpsd.Mode3D {
		t.last.Altitude = o.Alt
	}
}

func (t *Tracker) applySKY(o gpsd.SKY) {
	t.last.Satellites = o.Used()
	t.last.Visible = len(o.Satellites)
	if o.HDOP != 0 {
		t.last.HDOP = o.HDOP
	}
}

// Snapshot returns a copy of the latest fix.
func (t *Tracker) Snapshot() *Data {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.last
	return &d
}

// Devices returns the known receivers ordered by path.
func (t *Tracker) Devices() []gpsd.Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]gpsd.Device, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
