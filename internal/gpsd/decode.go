package gpsd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

type decodeFunc func(f *fields) Object

// decoders maps each class to its schema. New object kinds are added here
// and nowhere else.
var decoders = map[string]decodeFunc{
	ClassDevice:  func(f *fields) Object { return decodeDevice(f) },
	ClassDevices: decodeDevices,
	ClassTPV:     func(f *fields) Object { return decodeTPV(f) },
	ClassSKY:     func(f *fields) Object { return decodeSKY(f) },
	ClassWatch:   decodeWatch,
	ClassVersion: decodeVersion,
	ClassPoll:    decodePoll,
	ClassError:   decodeError,
}

// Decode parses one protocol line. Unknown fields are ignored, and missing,
// null or wrong-typed scalar fields take their zero value. A missing or
// unknown class, a line that is not an object, or a nested array of the
// wrong shape yields a *DecodeError wrapping ErrMalformedObject.
func Decode(line []byte) (Object, error) {
	line = bytes.TrimSpace(line)
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, &DecodeError{Line: line, Err: malformed("not a JSON object: %v", err)}
	}
	f := &fields{raw: raw}
	class, ok := f.class()
	if !ok {
		return nil, &DecodeError{Line: line, Err: malformed("field %q: want string", "class")}
	}
	if class == "" {
		return nil, &DecodeError{Line: line, Err: malformed("missing class")}
	}
	dec, ok := decoders[class]
	if !ok {
		return nil, &DecodeError{Line: line, Err: malformed("unknown class %q", class)}
	}
	obj := dec(f)
	if f.err != nil {
		return nil, &DecodeError{Line: line, Err: f.err}
	}
	return obj, nil
}

func decodeDevice(f *fields) Device {
	return Device{
		Path:      f.str("path"),
		Activated: f.epoch("activated"),
		Driver:    f.str("driver"),
		Subtype:   f.str("subtype"),
		BPS:       f.int("bps"),
		Parity:    parity(f.str("parity")),
		StopBits:  f.int("stopbits"),
		Native:    f.bool("native"),
		Cycle:     f.float("cycle"),
		MinCycle:  f.float("mincycle"),
		Flags:     f.int("flags"),
	}
}

func parity(s string) Parity {
	switch p := Parity(s); p {
	case ParityNone, ParityOdd, ParityEven:
		return p
	}
	return ""
}

func decodeDevices(f *fields) Object {
	var out Devices
	f.each("devices", func(sub *fields) {
		out.Devices = append(out.Devices, decodeDevice(sub))
	})
	out.Remote = f.str("remote")
	return out
}

func decodeTPV(f *fields) TPV {
	alt := f.float("alt")
	if alt == 0 {
		alt = f.float("altHAE")
	}
	return TPV{
		Device: f.str("device"),
		Mode:   f.int("mode"),
		Status: f.int("status"),
		Time:   f.timestamp("time"),
		Lat:    f.float("lat"),
		Lon:    f.float("lon"),
		Alt:    alt,
		Track:  f.float("track"),
		Speed:  f.float("speed"),
		Climb:  f.float("climb"),
		EPT:    f.float("ept"),
		EPX:    f.float("epx"),
		EPY:    f.float("epy"),
		EPV:    f.float("epv"),
		EPS:    f.float("eps"),
	}
}

func decodeSKY(f *fields) SKY {
	out := SKY{
		Device: f.str("device"),
		Time:   f.timestamp("time"),
		HDOP:   f.float("hdop"),
		VDOP:   f.float("vdop"),
		PDOP:   f.float("pdop"),
	}
	f.each("satellites", func(sub *fields) {
		out.Satellites = append(out.Satellites, Satellite{
			PRN:    sub.int("PRN"),
			El:     sub.float("el"),
			Az:     sub.float("az"),
			SS:     sub.float("ss"),
			Used:   sub.bool("used"),
			GNSSID: sub.int("gnssid"),
			SVID:   sub.int("svid"),
		})
	})
	return out
}

func decodeWatch(f *fields) Object {
	return Watch{
		Enable: f.bool("enable"),
		JSON:   f.bool("json"),
		NMEA:   f.bool("nmea"),
		Raw:    f.int("raw"),
		Scaled: f.bool("scaled"),
		PPS:    f.bool("pps"),
		Device: f.str("device"),
	}
}

func decodeVersion(f *fields) Object {
	return Version{
		Release:    f.str("release"),
		Rev:        f.str("rev"),
		ProtoMajor: f.int("proto_major"),
		ProtoMinor: f.int("proto_minor"),
		Remote:     f.str("remote"),
	}
}

func decodePoll(f *fields) Object {
	out := Poll{
		Time:   f.timestamp("time"),
		Active: f.int("active"),
	}
	f.each("tpv", func(sub *fields) { out.TPV = append(out.TPV, decodeTPV(sub)) })
	f.each("sky", func(sub *fields) { out.SKY = append(out.SKY, decodeSKY(sub)) })
	return out
}

func decodeError(f *fields) Object {
	return Error{Message: f.str("message")}
}

// fields reads typed values out of one JSON object. A scalar of the wrong
// type reads as zero. The first structural mismatch is kept in err and later
// reads keep returning zero values.
type fields struct {
	raw map[string]json.RawMessage
	err error
}

func (f *fields) class() (string, bool) {
	v, ok := f.lookup("class")
	if !ok {
		return "", true
	}
	var s string
	if v[0] != '"' || json.Unmarshal(v, &s) != nil {
		return "", false
	}
	return s, true
}

func (f *fields) lookup(key string) (json.RawMessage, bool) {
	if f.err != nil {
		return nil, false
	}
	v, ok := f.raw[key]
	if !ok || len(v) == 0 || string(v) == "null" {
		return nil, false
	}
	return v, true
}

func (f *fields) fail(key, want string) {
	if f.err == nil {
		f.err = malformed("field %q: want %s", key, want)
	}
}

func (f *fields) str(key string) string {
	v, ok := f.lookup(key)
	if !ok {
		return ""
	}
	var s string
	if v[0] != '"' || json.Unmarshal(v, &s) != nil {
		return ""
	}
	return s
}

func (f *fields) float(key string) float64 {
	v, ok := f.lookup(key)
	if !ok {
		return 0
	}
	var n float64
	if err := json.Unmarshal(v, &n); err != nil {
		return 0
	}
	return n
}

// int accepts integral and fractional text; fractions are truncated.
func (f *fields) int(key string) int {
	return int(math.Trunc(f.float(key)))
}

// bool accepts JSON booleans and the 0/1 integers older daemons send.
func (f *fields) bool(key string) bool {
	v, ok := f.lookup(key)
	if !ok {
		return false
	}
	switch string(v) {
	case "true":
		return true
	case "false":
		return false
	}
	var n float64
	if err := json.Unmarshal(v, &n); err != nil {
		return false
	}
	return n != 0
}

// timestamp accepts an RFC 3339 string or seconds since epoch.
func (f *fields) timestamp(key string) time.Time {
	v, ok := f.lookup(key)
	if !ok {
		return time.Time{}
	}
	if v[0] == '"' {
		var s string
		_ = json.Unmarshal(v, &s)
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}
		}
		return t
	}
	secs := f.float(key)
	if secs == 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(secs)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// epoch is the inverse of timestamp: seconds since epoch from either form.
func (f *fields) epoch(key string) float64 {
	v, ok := f.lookup(key)
	if !ok {
		return 0
	}
	if v[0] != '"' {
		return f.float(key)
	}
	t := f.timestamp(key)
	if t.IsZero() {
		return 0
	}
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// each decodes an array of objects, handing every element to fn.
func (f *fields) each(key string, fn func(sub *fields)) {
	v, ok := f.lookup(key)
	if !ok {
		return
	}
	var items []json.RawMessage
	if v[0] != '[' || json.Unmarshal(v, &items) != nil {
		f.fail(key, "array")
		return
	}
	for i, item := range items {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(item, &raw); err != nil || raw == nil {
			f.fail(key, "array of objects")
			return
		}
		sub := &fields{raw: raw}
		fn(sub)
		if sub.err != nil {
			f.err = fmt.Errorf("%s[%d]: %w", key, i, sub.err)
			return
		}
	}
}
