package wire

import (
	"encoding/json"
	"fmt"

	"github.com/256dpi/gomqtt/packet"
)

func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%x", m.Topic, m.QOS, m.Retain, m.Payload)
}

// EnvelopeString renders decoded envelope map as compact JSON for humans.
func EnvelopeString(m map[string]interface{}) string {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%#v", m)
	}
	return string(b)
}
