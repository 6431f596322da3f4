package gpsd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Command is one outbound request. Reply names the class of the
// correlated answer; empty means fire-and-forget. Match narrows
// correlation beyond the class when several replies share it.
type Command struct {
	Text    string
	Reply   string
	Match   func(Object) bool
	Timeout time.Duration // Zero uses the session default
}

func (c Command) matches(obj Object) bool {
	if c.Reply == "" || obj.Class() != c.Reply {
		return false
	}
	return c.Match == nil || c.Match(obj)
}

// WatchCommand sets the streaming policy. The daemon answers with DEVICES
// followed by WATCH; the WATCH is the correlated reply.
func WatchCommand(w Watch) Command {
	body, _ := json.Marshal(w)
	return Command{Text: "?WATCH=" + string(body) + ";", Reply: ClassWatch}
}

func VersionCommand() Command { return Command{Text: "?VERSION;", Reply: ClassVersion} }

func DevicesCommand() Command { return Command{Text: "?DEVICES;", Reply: ClassDevices} }

func PollCommand() Command { return Command{Text: "?POLL;", Reply: ClassPoll} }

// DeviceQueryCommand asks for one device's settings, or the first
// device's when path is empty.
func DeviceQueryCommand(path string) Command {
	if path == "" {
		return Command{Text: "?DEVICE;", Reply: ClassDevice}
	}
	body, _ := json.Marshal(struct {
		Path string `json:"path"`
	}{path})
	return Command{
		Text:  "?DEVICE=" + string(body) + ";",
		Reply: ClassDevice,
		Match: matchPath(path),
	}
}

// DeviceSettings are the control bits a client may change. Zero values
// and nil Native are left as the daemon has them.
type DeviceSettings struct {
	Path     string  `json:"path"`
	BPS      int     `json:"bps,omitempty"`
	Parity   Parity  `json:"parity,omitempty"`
	StopBits int     `json:"stopbits,omitempty"`
	Native   *bool   `json:"-"`
	Cycle    float64 `json:"cycle,omitempty"`
}

func DeviceSetCommand(set DeviceSettings) Command {
	type plain DeviceSettings
	wire := struct {
		plain
		Native *int `json:"native,omitempty"`
	}{plain: plain(set)}
	if set.Native != nil {
		n := 0
		if *set.Native {
			n = 1
		}
		wire.Native = &n
	}
	body, _ := json.Marshal(wire)
	return Command{
		Text:  "?DEVICE=" + string(body) + ";",
		Reply: ClassDevice,
		Match: matchPath(set.Path),
	}
}

func matchPath(path string) func(Object) bool {
	return func(obj Object) bool {
		d, ok := obj.(Device)
		return ok && (path == "" || d.Path == path)
	}
}

// Watch enables or disables streaming and returns the daemon's policy.
func (s *Session) Watch(ctx context.Context, w Watch) (Watch, error) {
	obj, err := s.Send(ctx, WatchCommand(w))
	if err != nil {
		return Watch{}, err
	}
	return expect[Watch](obj)
}

func (s *Session) Version(ctx context.Context) (Version, error) {
	obj, err := s.Send(ctx, VersionCommand())
	if err != nil {
		return Version{}, err
	}
	return expect[Version](obj)
}

func (s *Session) Devices(ctx context.Context) (Devices, error) {
	obj, err := s.Send(ctx, DevicesCommand())
	if err != nil {
		return Devices{}, err
	}
	return expect[Devices](obj)
}

func (s *Session) Poll(ctx context.Context) (Poll, error) {
	obj, err := s.Send(ctx, PollCommand())
	if err != nil {
		return Poll{}, err
	}
	return expect[Poll](obj)
}

func (s *Session) Device(ctx context.Context, path string) (Device, error) {
	obj, err := s.Send(ctx, DeviceQueryCommand(path))
	if err != nil {
		return Device{}, err
	}
	return expect[Device](obj)
}

// SetDevice changes a device's control bits and returns the settings the
// daemon reports back.
func (s *Session) SetDevice(ctx context.Context, set DeviceSettings) (Device, error) {
	if set.Path == "" {
		return Device{}, fmt.Errorf("gpsd: set device: missing path")
	}
	obj, err := s.Send(ctx, DeviceSetCommand(set))
	if err != nil {
		return Device{}, err
	}
	return expect[Device](obj)
}

func expect[T Object](obj Object) (T, error) {
	v, ok := obj.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: unexpected reply %s", ErrMalformedObject, obj.Class())
	}
	return v, nil
}
