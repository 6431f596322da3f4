package gpsd

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Encode renders obj as one protocol line without the terminator,
// with "class" as the first key.
func Encode(obj Object) ([]byte, error) {
	body, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("gpsd: encode %s: %w", obj.Class(), err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("gpsd: encode %s: not an object", obj.Class())
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + 16 + len(obj.Class()))
	buf.WriteString(`{"class":`)
	class, _ := json.Marshal(obj.Class())
	buf.Write(class)
	if rest := body[1:]; len(rest) > 1 {
		buf.WriteByte(',')
		buf.Write(rest)
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// MarshalJSON writes native as the 0/1 integer the daemon uses.
func (d Device) MarshalJSON() ([]byte, error) {
	type plain Device
	native := 0
	if d.Native {
		native = 1
	}
	return json.Marshal(struct {
		plain
		Native int `json:"native"`
	}{plain(d), native})
}
