package gps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/shaunagostinho/gpsdash/internal/gpsd"
)

const (
	knotsToMs   = 0.514444
	nmeaMaxLine = 256
)

// NMEAConfig holds configuration for the NMEA GPS provider.
type NMEAConfig struct {
	PortPath string      `yaml:"port_path" json:"portPath"`
	BaudRate int         `yaml:"baud_rate" json:"baudRate"`
	Parity   gpsd.Parity `yaml:"parity" json:"parity"`
	StopBits int         `yaml:"stop_bits" json:"stopBits"`
}

// NMEAProvider reads NMEA 0183 sentences straight from a UART receiver,
// for hosts without gpsd. RMC and GGA are folded into the same TPV and
// SKY objects the daemon would send and handed to a Tracker.
type NMEAProvider struct {
	cfg     NMEAConfig
	tracker *Tracker
	log     *logrus.Entry

	mu        sync.Mutex
	port      serial.Port
	activated time.Time
	done      chan struct{}
}

func NewNMEA(cfg NMEAConfig, log *logrus.Entry) *NMEAProvider {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.Parity == "" {
		cfg.Parity = gpsd.ParityNone
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = 1
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &NMEAProvider{
		cfg:     cfg,
		tracker: NewTracker(),
		log:     log.WithField("provider", "nmea"),
	}
}

func (n *NMEAProvider) Name() string { return "NMEA GPS" }

func (n *NMEAProvider) device() gpsd.Device {
	var activated float64
	if !n.activated.IsZero() {
		activated = float64(n.activated.UnixNano()) / 1e9
	}
	return gpsd.Device{
		Path:      n.cfg.PortPath,
		Activated: activated,
		Driver:    "NMEA0183",
		BPS:       n.cfg.BaudRate,
		Parity:    n.cfg.Parity,
		StopBits:  n.cfg.StopBits,
	}
}

func (n *NMEAProvider) Connect() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.port != nil {
		return gpsd.ErrAlreadyConnected
	}

	dev := n.device()
	port, err := serial.Open(n.cfg.PortPath, dev.SerialMode())
	if err != nil {
		return fmt.Errorf("gps: failed to open %s: %w", n.cfg.PortPath, err)
	}
	n.port = port
	n.activated = time.Now()
	n.done = make(chan struct{})
	n.tracker.OnObject(n.device())
	go n.readLoop(port, n.done)

	n.log.Infof("connected to %s at %d baud", n.cfg.PortPath, n.cfg.BaudRate)
	return nil
}

func (n *NMEAProvider) Close() error {
	n.mu.Lock()
	port := n.port
	n.port = nil
	n.activated = time.Time{}
	dev := n.device()
	n.mu.Unlock()
	if port == nil {
		return nil
	}
	n.tracker.OnObject(dev)
	return port.Close()
}

// Disconnected is closed when the read loop stops.
func (n *NMEAProvider) Disconnected() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return n.done
}

func (n *NMEAProvider) readLoop(r io.Reader, done chan struct{}) {
	defer close(done)
	n.consume(r)
}

// consume feeds every valid sentence on r to the tracker until the stream
// ends.
func (n *NMEAProvider) consume(r io.Reader) {
	lines := gpsd.NewLineReader(r, nmeaMaxLine)
	var fix nmeaFix
	for {
		line, err := lines.Next()
		if errors.Is(err, gpsd.ErrLineTooLong) {
			continue
		}
		if err != nil {
			n.log.WithError(err).Debug("serial stream ended")
			return
		}
		if obj, ok := fix.apply(string(line)); ok {
			n.tracker.OnObject(obj)
		}
	}
}

// Read returns the latest fix assembled from the serial stream.
func (n *NMEAProvider) Read() (*Data, error) {
	snap := n.tracker.Snapshot()
	n.mu.Lock()
	connected := n.port != nil
	done := n.done
	n.mu.Unlock()
	if connected {
		select {
		case <-done:
			connected = false
		default:
		}
	}
	if !connected {
		return snap, fmt.Errorf("gps: %w", gpsd.ErrNotConnected)
	}
	return snap, nil
}

func (n *NMEAProvider) Devices() []gpsd.Device {
	return n.tracker.Devices()
}

// SetDevice changes the line settings of the open port. Binary mode is a
// gpsd driver feature and is refused here.
func (n *NMEAProvider) SetDevice(_ context.Context, set gpsd.DeviceSettings) (gpsd.Device, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if set.Path != "" && set.Path != n.cfg.PortPath {
		return gpsd.Device{}, fmt.Errorf("gps: unknown device %s", set.Path)
	}
	if set.Native != nil && *set.Native {
		return gpsd.Device{}, errors.New("gps: native mode needs gpsd")
	}
	if n.port == nil {
		return gpsd.Device{}, fmt.Errorf("gps: %w", gpsd.ErrNotConnected)
	}

	next := n.cfg
	if set.BPS != 0 {
		next.BaudRate = set.BPS
	}
	if set.Parity != "" {
		next.Parity = set.Parity
	}
	if set.StopBits != 0 {
		next.StopBits = set.StopBits
	}
	prev := n.cfg
	n.cfg = next
	if err := n.port.SetMode(n.device().SerialMode()); err != nil {
		n.cfg = prev
		return gpsd.Device{}, fmt.Errorf("gps: set %s: %w", n.cfg.PortPath, err)
	}
	dev := n.device()
	n.tracker.OnObject(dev)
	n.log.Infof("device %s now %d bps %s%d", dev.Path, dev.BPS, dev.Parity, dev.StopBits)
	return dev, nil
}

// nmeaFix carries the position state that RMC and GGA each only partly
// describe.
type nmeaFix struct {
	tpv     gpsd.TPV
	hasAlt  bool
	quality int
}

// apply parses one sentence. RMC yields a TPV, GGA a SKY; anything else,
// or a sentence failing its checksum, yields nothing.
func (f *nmeaFix) apply(line string) (gpsd.Object, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") || !validChecksum(line) {
		return nil, false
	}
	parts := splitNMEA(line)
	if len(parts[0]) != 5 {
		return nil, false
	}
	switch parts[0][2:] {
	case "RMC":
		return f.rmc(parts)
	case "GGA":
		return f.gga(parts)
	}
	return nil, false
}

// $GPRMC,hhmmss.ss,A,llll.ll,a,yyyyy.yy,a,x.x,x.x,ddmmyy,x.x,a*hh
func (f *nmeaFix) rmc(parts []string) (gpsd.Object, bool) {
	if len(parts) < 10 {
		return nil, false
	}
	if ts, err := time.Parse("020106150405", parts[9]+parts[1]); err == nil {
		f.tpv.Time = ts.UTC()
	}
	if parts[2] != "A" {
		f.tpv.Mode = gpsd.ModeNoFix
		return f.tpv, true
	}

	f.tpv.Mode = gpsd.Mode2D
	if f.hasAlt {
		f.tpv.Mode = gpsd.Mode3D
	}
	f.tpv.Lat = parseNMEACoord(parts[3], parts[4])
	f.tpv.Lon = parseNMEACoord(parts[5], parts[6])
	if spd, err := strconv.ParseFloat(parts[7], 64); err == nil {
		f.tpv.Speed = spd * knotsToMs
	}
	if hdg, err := strconv.ParseFloat(parts[8], 64); err == nil {
		f.tpv.Track = hdg
	}
	return f.tpv, true
}

// $GPGGA,hhmmss.ss,llll.ll,a,yyyyy.yy,a,x,xx,x.x,x.x,M,x.x,M,x.x,xxxx*hh
//
// GGA carries only a count of satellites in use, so the SKY it yields has
// that many placeholder entries.
func (f *nmeaFix) gga(parts []string) (gpsd.Object, bool) {
	if len(parts) < 10 {
		return nil, false
	}
	f.quality, _ = strconv.Atoi(parts[6])
	f.tpv.Status = 0
	if f.quality == 2 {
		f.tpv.Status = gpsd.StatusDGPS
	}
	alt, err := strconv.ParseFloat(parts[9], 64)
	f.hasAlt = err == nil && f.quality > 0
	if f.hasAlt {
		f.tpv.Alt = alt
	}

	var sky gpsd.SKY
	sky.Time = f.tpv.Time
	if hdop, err := strconv.ParseFloat(parts[8], 64); err == nil {
		sky.HDOP = hdop
	}
	used, _ := strconv.Atoi(parts[7])
	for i := 0; i < used; i++ {
		sky.Satellites = append(sky.Satellites, gpsd.Satellite{Used: true})
	}
	return sky, true
}

// splitNMEA splits a sentence and strips the checksum suffix.
func splitNMEA(line string) []string {
	if idx := strings.Index(line, "*"); idx >= 0 {
		line = line[:idx]
	}
	return strings.Split(strings.TrimPrefix(line, "$"), ",")
}

// parseNMEACoord converts NMEA ddmm.mmmm format to decimal degrees.
func parseNMEACoord(raw, dir string) float64 {
	if raw == "" || dir == "" {
		return 0
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	deg := math.Floor(val / 100)
	result := deg + (val-deg*100)/60
	if dir == "S" || dir == "W" {
		result = -result
	}
	return result
}

// validChecksum checks the XOR of everything between $ and * against the
// two hex digits after *.
func validChecksum(line string) bool {
	idx := strings.Index(line, "*")
	if idx < 1 || idx+3 > len(line) {
		return false
	}
	var calc byte
	for i := 1; i < idx; i++ {
		calc ^= line[i]
	}
	expected, err := strconv.ParseUint(line[idx+1:idx+3], 16, 8)
	return err == nil && byte(expected) == calc
}
