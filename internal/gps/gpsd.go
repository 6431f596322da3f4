package gps

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/gpsdash/internal/gpsd"
)

// GpsdConfig holds configuration for the gpsd provider.
type GpsdConfig struct {
	Session gpsd.Config `yaml:",inline" json:"session"`
	// Device limits streaming to one receiver; empty watches all.
	Device string `yaml:"device" json:"device"`
}

// GpsdProvider reads fixes from a gpsd daemon. Connect opens the session
// and enables JSON streaming; a Tracker listening on the session keeps
// the latest fix and device table.
type GpsdProvider struct {
	cfg     GpsdConfig
	session *gpsd.Session
	tracker *Tracker
	log     *logrus.Entry
}

func NewGpsd(cfg GpsdConfig, log *logrus.Entry, opts ...gpsd.Option) *GpsdProvider {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	opts = append([]gpsd.Option{gpsd.WithLogger(log)}, opts...)
	p := &GpsdProvider{
		cfg:     cfg,
		session: gpsd.New(cfg.Session, opts...),
		tracker: NewTracker(),
		log:     log.WithField("provider", "gpsd"),
	}
	p.session.Subscribe(p.tracker)
	return p
}

func (p *GpsdProvider) Name() string { return "gpsd" }

// Session exposes the underlying session so other listeners can subscribe.
func (p *GpsdProvider) Session() *gpsd.Session { return p.session }

func (p *GpsdProvider) Connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout())
	defer cancel()

	if err := p.session.Connect(ctx, p.cfg.Session.Address); err != nil {
		return fmt.Errorf("gps: %w", err)
	}
	w, err := p.session.Watch(ctx, gpsd.Watch{Enable: true, JSON: true, Device: p.cfg.Device})
	if err != nil {
		p.session.Close()
		return fmt.Errorf("gps: enable watch: %w", err)
	}
	p.log.Infof("watching %s (json=%t device=%q)", p.cfg.Session.Address, w.JSON, w.Device)
	return nil
}

func (p *GpsdProvider) Close() error {
	return p.session.Close()
}

// Disconnected is closed when the daemon connection drops.
func (p *GpsdProvider) Disconnected() <-chan struct{} {
	return p.session.Done()
}

// Read returns the latest fix. The last known fix is still returned along
// with the error when the session is down.
func (p *GpsdProvider) Read() (*Data, error) {
	snap := p.tracker.Snapshot()
	if p.session.State() != gpsd.Connected {
		return snap, fmt.Errorf("gps: %w", gpsd.ErrNotConnected)
	}
	return snap, nil
}

func (p *GpsdProvider) Devices() []gpsd.Device {
	return p.tracker.Devices()
}

func (p *GpsdProvider) SetDevice(ctx context.Context, set gpsd.DeviceSettings) (gpsd.Device, error) {
	dev, err := p.session.SetDevice(ctx, set)
	if err != nil {
		return gpsd.Device{}, fmt.Errorf("gps: set %s: %w", set.Path, err)
	}
	p.log.Infof("device %s now %d bps %s%d native=%t", dev.Path, dev.BPS, dev.Parity, dev.StopBits, dev.Native)
	return dev, nil
}

func (p *GpsdProvider) timeout() time.Duration {
	def := gpsd.DefaultConfig()
	connect, command := p.cfg.Session.ConnectTimeout, p.cfg.Session.CommandTimeout
	if connect <= 0 {
		connect = def.ConnectTimeout
	}
	if command <= 0 {
		command = def.CommandTimeout
	}
	return connect + command
}
