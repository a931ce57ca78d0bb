package wire

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

type Direction string

const (
	DirectionUp      Direction = "up"
	DirectionRequest Direction = "req"
	DirectionDown    Direction = "down"
)

type MessageType string

const (
	TypeSync     MessageType = "sync"
	TypeConfig   MessageType = "config"
	TypeFirmware MessageType = "firmware"
	TypeInfo     MessageType = "info"
	TypeStatus   MessageType = "status"
	TypeTelegram MessageType = "telegram"
)

var ErrUnroutable = fmt.Errorf("unroutable topic")

// Topic is parsed `<ns>/<eui>/<direction>/<type>`.
type Topic struct {
	Namespace  string
	GatewayEUI string
	Direction  Direction
	Type       MessageType
}

func (self Topic) String() string {
	return strings.Join([]string{self.Namespace, self.GatewayEUI, string(self.Direction), string(self.Type)}, "/")
}

// ParseTopic accepts only inbound directions (up, req).
// Any other shape returns error with cause ErrUnroutable.
func ParseTopic(s string) (Topic, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return Topic{}, errors.Annotatef(ErrUnroutable, "topic=%q segments=%d", s, len(parts))
	}
	for i, p := range parts {
		if p == "" {
			return Topic{}, errors.Annotatef(ErrUnroutable, "topic=%q empty segment=%d", s, i)
		}
	}
	t := Topic{
		Namespace:  parts[0],
		GatewayEUI: parts[1],
		Direction:  Direction(parts[2]),
		Type:       MessageType(parts[3]),
	}
	switch t.Direction {
	case DirectionUp, DirectionRequest:
	default:
		return Topic{}, errors.Annotatef(ErrUnroutable, "topic=%q direction=%s", s, t.Direction)
	}
	return t, nil
}

func IsUnroutable(err error) bool { return errors.Cause(err) == ErrUnroutable }

func ResponseTopic(ns, eui string, typ MessageType) string {
	return Topic{Namespace: ns, GatewayEUI: eui, Direction: DirectionDown, Type: typ}.String()
}

func SubscribePatterns(ns string) []string {
	return []string{
		ns + "/+/" + string(DirectionUp) + "/+",
		ns + "/+/" + string(DirectionRequest) + "/+",
	}
}

// ServiceTopic carries online flag of server instance (last will).
func ServiceTopic(ns, clientID string) string { return ns + "/$svc/" + clientID }
