package gps

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/gpsdash/internal/gpsd"
)

const demoPath = "demo"

// DemoGPS generates simulated GPS data for testing. Each Read advances a
// lap around a fixed point and feeds the result through a Tracker as
// gpsd-shaped reports.
type DemoGPS struct {
	mu      sync.Mutex
	t       float64
	now     func() time.Time
	tracker *Tracker
}

func NewDemoGPS() *DemoGPS {
	d := &DemoGPS{now: time.Now, tracker: NewTracker()}
	d.tracker.OnObject(gpsd.Device{
		Path:      demoPath,
		Activated: float64(d.now().Unix()),
		Driver:    "Simulated",
		BPS:       9600,
		Parity:    gpsd.ParityNone,
		StopBits:  1,
		Cycle:     0.1,
	})
	return d
}

func (d *DemoGPS) Name() string   { return "Demo GPS (Simulated)" }
func (d *DemoGPS) Connect() error { return nil }
func (d *DemoGPS) Close() error   { return nil }

func (d *DemoGPS) Read() (*Data, error) {
	d.mu.Lock()
	d.t += 0.1
	t := d.t
	now := d.now().UTC()
	d.mu.Unlock()

	// Drive a ~500m circle around Toronto.
	const (
		centerLat = 43.6532
		centerLon = -79.3832
		radius    = 0.005
	)
	kph := 50 + 30*math.Sin(t*0.3) + rand.Float64()*5
	d.tracker.OnObject(gpsd.TPV{
		Device: demoPath,
		Mode:   gpsd.Mode3D,
		Status: 1,
		Time:   now,
		Lat:    centerLat + radius*math.Sin(t*0.1),
		Lon:    centerLon + radius*math.Cos(t*0.1),
		Alt:    76,
		Track:  math.Mod(t*10, 360),
		Speed:  kph / msToKph,
	})
	sats := make([]gpsd.Satellite, 14)
	for i := range sats {
		sats[i] = gpsd.Satellite{PRN: i + 1, Used: i < 12, SS: 30 + float64(i)}
	}
	d.tracker.OnObject(gpsd.SKY{Device: demoPath, Time: now, HDOP: 0.8, Satellites: sats})
	return d.tracker.Snapshot(), nil
}

func (d *DemoGPS) Devices() []gpsd.Device { return d.tracker.Devices() }

func (d *DemoGPS) SetDevice(_ context.Context, set gpsd.DeviceSettings) (gpsd.Device, error) {
	if set.Path != "" && set.Path != demoPath {
		return gpsd.Device{}, errors.New("gps: unknown device " + set.Path)
	}
	devs := d.tracker.Devices()
	if len(devs) == 0 {
		return gpsd.Device{}, gpsd.ErrNotConnected
	}
	dev := devs[0]
	if set.BPS != 0 {
		dev.BPS = set.BPS
	}
	if set.Parity != "" {
		dev.Parity = set.Parity
	}
	if set.StopBits != 0 {
		dev.StopBits = set.StopBits
	}
	if set.Native != nil {
		dev.Native = *set.Native
	}
	if set.Cycle != 0 {
		dev.Cycle = set.Cycle
	}
	d.tracker.OnObject(dev)
	return dev, nil
}
