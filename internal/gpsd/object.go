// Package gpsd is a client for the gpsd JSON protocol: typed report
// objects, a tolerant line decoder, and a Session that owns the daemon
// connection, dispatches what it reads and correlates command replies.
package gpsd

import (
	"math"
	"time"

	"go.bug.st/serial"
)

// Protocol class names.
const (
	ClassDevice  = "DEVICE"
	ClassDevices = "DEVICES"
	ClassTPV     = "TPV"
	ClassSKY     = "SKY"
	ClassWatch   = "WATCH"
	ClassVersion = "VERSION"
	ClassPoll    = "POLL"
	ClassError   = "ERROR"
)

// Object is one decoded report from the daemon, tagged by its class.
type Object interface {
	Class() string
}

// Parity is the serial parity reported in a DEVICE object.
type Parity string

const (
	ParityNone Parity = "N"
	ParityOdd  Parity = "O"
	ParityEven Parity = "E"
)

// Device reports the control settings of one receiver. The daemon owns
// validity; nothing here is checked.
type Device struct {
	Path      string  `json:"path,omitempty"`
	Activated float64 `json:"activated"` // Seconds since epoch, 0 if closed
	Driver    string  `json:"driver,omitempty"`
	Subtype   string  `json:"subtype,omitempty"`
	BPS       int     `json:"bps,omitempty"`
	Parity    Parity  `json:"parity,omitempty"`
	StopBits  int     `json:"stopbits,omitempty"` // 1 or 2
	Native    bool    `json:"-"`                  // false = NMEA, true = vendor binary
	Cycle     float64 `json:"cycle,omitempty"`    // Seconds
	MinCycle  float64 `json:"mincycle,omitempty"` // Seconds
	Flags     int     `json:"flags,omitempty"`
}

func (Device) Class() string { return ClassDevice }

// Equal compares every field, floats by their bit patterns.
func (d Device) Equal(o Device) bool {
	return d.Path == o.Path &&
		sameBits(d.Activated, o.Activated) &&
		d.Driver == o.Driver &&
		d.Subtype == o.Subtype &&
		d.BPS == o.BPS &&
		d.Parity == o.Parity &&
		d.StopBits == o.StopBits &&
		d.Native == o.Native &&
		sameBits(d.Cycle, o.Cycle) &&
		sameBits(d.MinCycle, o.MinCycle) &&
		d.Flags == o.Flags
}

// IsActive reports whether the daemon has the device open.
func (d Device) IsActive() bool { return d.Activated != 0 }

// ActivatedTime converts Activated to a time, zero when closed.
func (d Device) ActivatedTime() time.Time {
	if d.Activated == 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(d.Activated)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// SerialMode maps the device's line settings onto a serial port mode.
// Unknown parity means none, unknown stop bits means one.
func (d Device) SerialMode() *serial.Mode {
	mode := &serial.Mode{
		BaudRate: d.BPS,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch d.Parity {
	case ParityOdd:
		mode.Parity = serial.OddParity
	case ParityEven:
		mode.Parity = serial.EvenParity
	}
	if d.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return mode
}

// Devices lists every receiver the daemon knows about.
type Devices struct {
	Devices []Device `json:"devices"`
	Remote  string   `json:"remote,omitempty"`
}

func (Devices) Class() string { return ClassDevices }

// Fix modes reported in TPV.
const (
	ModeUnknown = 0
	ModeNoFix   = 1
	Mode2D      = 2
	Mode3D      = 3
)

// StatusDGPS marks a differentially corrected TPV fix.
const StatusDGPS = 2

// TPV is a time-position-velocity report.
type TPV struct {
	Device string    `json:"device,omitempty"`
	Mode   int       `json:"mode"`
	Status int       `json:"status,omitempty"` // 2 = DGPS
	Time   time.Time `json:"time,omitempty"`
	Lat    float64   `json:"lat,omitempty"`   // Decimal degrees
	Lon    float64   `json:"lon,omitempty"`   // Decimal degrees
	Alt    float64   `json:"alt,omitempty"`   // Meters
	Track  float64   `json:"track,omitempty"` // Degrees true
	Speed  float64   `json:"speed,omitempty"` // m/s
	Climb  float64   `json:"climb,omitempty"` // m/s
	EPT    float64   `json:"ept,omitempty"`
	EPX    float64   `json:"epx,omitempty"`
	EPY    float64   `json:"epy,omitempty"`
	EPV    float64   `json:"epv,omitempty"`
	EPS    float64   `json:"eps,omitempty"`
}

func (TPV) Class() string { return ClassTPV }

// HasFix reports a 2D or 3D fix.
func (t TPV) HasFix() bool { return t.Mode >= Mode2D }

// Satellite is one entry in a SKY report.
type Satellite struct {
	PRN    int     `json:"PRN"`
	El     float64 `json:"el,omitempty"` // Degrees
	Az     float64 `json:"az,omitempty"` // Degrees
	SS     float64 `json:"ss,omitempty"` // dBHz
	Used   bool    `json:"used"`
	GNSSID int     `json:"gnssid,omitempty"`
	SVID   int     `json:"svid,omitempty"`
}

// SKY is a satellite view report.
type SKY struct {
	Device     string      `json:"device,omitempty"`
	Time       time.Time   `json:"time,omitempty"`
	HDOP       float64     `json:"hdop,omitempty"`
	VDOP       float64     `json:"vdop,omitempty"`
	PDOP       float64     `json:"pdop,omitempty"`
	Satellites []Satellite `json:"satellites,omitempty"`
}

func (SKY) Class() string { return ClassSKY }

// Used counts satellites in the solution.
func (s SKY) Used() int {
	n := 0
	for _, sat := range s.Satellites {
		if sat.Used {
			n++
		}
	}
	return n
}

// Watch is the daemon's streaming policy, both as request and reply.
type Watch struct {
	Enable bool   `json:"enable"`
	JSON   bool   `json:"json"`
	NMEA   bool   `json:"nmea,omitempty"`
	Raw    int    `json:"raw,omitempty"`
	Scaled bool   `json:"scaled,omitempty"`
	PPS    bool   `json:"pps,omitempty"`
	Device string `json:"device,omitempty"`
}

func (Watch) Class() string { return ClassWatch }

// Version is the daemon's greeting and ?VERSION reply.
type Version struct {
	Release    string `json:"release"`
	Rev        string `json:"rev,omitempty"`
	ProtoMajor int    `json:"proto_major"`
	ProtoMinor int    `json:"proto_minor"`
	Remote     string `json:"remote,omitempty"`
}

func (Version) Class() string { return ClassVersion }

// Poll is the reply to ?POLL: the latest TPV and SKY per active device.
type Poll struct {
	Time   time.Time `json:"time,omitempty"`
	Active int       `json:"active"`
	TPV    []TPV     `json:"tpv"`
	SKY    []SKY     `json:"sky"`
}

func (Poll) Class() string { return ClassPoll }

// Error is the daemon's complaint about a command it could not parse.
type Error struct {
	Message string `json:"message"`
}

func (Error) Class() string { return ClassError }

func sameBits(a, b float64) bool {
	return math.Float64bits(a) == math.Float64bits(b)
}
