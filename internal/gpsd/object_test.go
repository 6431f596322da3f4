package gpsd

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestDeviceEqualIsBitwise(t *testing.T) {
	a := Device{Path: "/dev/ttyUSB0", Cycle: 1.0}
	b := a
	assert.True(t, a.Equal(b))

	b.Cycle = math.Nextafter(1.0, 2) // 1.0000000000000002
	assert.False(t, a.Equal(b))

	a.Activated, b.Activated = 0, math.Copysign(0, -1)
	b.Cycle = a.Cycle
	assert.False(t, a.Equal(b), "+0 and -0 differ in bits")

	nan := math.NaN()
	a.Activated, b.Activated = nan, nan
	assert.True(t, a.Equal(b), "identical NaN bits compare equal")
}

func TestDeviceEqualEveryField(t *testing.T) {
	base := Device{
		Path: "/dev/gps0", Activated: 1.5, Driver: "NMEA0183", Subtype: "x",
		BPS: 4800, Parity: ParityNone, StopBits: 1, Native: false,
		Cycle: 1, MinCycle: 0.5, Flags: 1,
	}
	mutations := []func(*Device){
		func(d *Device) { d.Path = "/dev/gps1" },
		func(d *Device) { d.Activated = 2 },
		func(d *Device) { d.Driver = "SiRF" },
		func(d *Device) { d.Subtype = "y" },
		func(d *Device) { d.BPS = 9600 },
		func(d *Device) { d.Parity = ParityOdd },
		func(d *Device) { d.StopBits = 2 },
		func(d *Device) { d.Native = true },
		func(d *Device) { d.Cycle = 2 },
		func(d *Device) { d.MinCycle = 1 },
		func(d *Device) { d.Flags = 4 },
	}
	for i, mutate := range mutations {
		other := base
		mutate(&other)
		assert.False(t, base.Equal(other), "mutation %d", i)
	}
}

func TestDeviceEncodeRoundTrip(t *testing.T) {
	devices := []Device{
		{Path: "/dev/ttyUSB0", Activated: 1316660975.281, Driver: "SiRF", BPS: 4800},
		{Path: "/dev/ttyS1", Activated: 0, BPS: 115200, Parity: ParityOdd, StopBits: 2, Native: true, Cycle: 0.1, MinCycle: 0.05, Flags: 9},
		{},
	}
	for _, in := range devices {
		line, err := Encode(in)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(line), `{"class":"DEVICE",`), string(line))

		out, err := Decode(line)
		require.NoError(t, err)
		assert.True(t, in.Equal(out.(Device)), "in=%+v out=%+v line=%s", in, out, line)
	}
}

func TestEncodeKeepsZeroActivated(t *testing.T) {
	line, err := Encode(Device{Path: "/dev/gps0"})
	require.NoError(t, err)
	assert.Contains(t, string(line), `"activated":0`)
	assert.Contains(t, string(line), `"native":0`)
}

func TestEncodeOtherClasses(t *testing.T) {
	line, err := Encode(Watch{Enable: true, JSON: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"class":"WATCH","enable":true,"json":true}`, string(line))

	line, err = Encode(Error{})
	require.NoError(t, err)
	out, err := Decode(line)
	require.NoError(t, err)
	assert.Equal(t, Error{}, out)
}

func TestDeviceSerialMode(t *testing.T) {
	mode := Device{BPS: 9600, Parity: ParityEven, StopBits: 2}.SerialMode()
	assert.Equal(t, &serial.Mode{BaudRate: 9600, DataBits: 8, Parity: serial.EvenParity, StopBits: serial.TwoStopBits}, mode)

	mode = Device{BPS: 4800}.SerialMode()
	assert.Equal(t, serial.NoParity, mode.Parity)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)

	assert.Equal(t, serial.OddParity, Device{Parity: ParityOdd}.SerialMode().Parity)
}
