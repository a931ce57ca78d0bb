// Package handler implements per message type processing of gateway uplinks.
package handler

import (
	"context"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/meterhub/internal/datastore"
	"github.com/temoto/meterhub/wire"
)

type Request struct {
	Topic    wire.Topic
	Uplink   *wire.Uplink
	Received time.Time
}

// EUI from topic is authoritative, envelope `i` is informational.
func (self *Request) EUI() string { return self.Topic.GatewayEUI }

type Handler interface {
	// Urgent handlers answer within device timeout and implement Fallbacker.
	Urgent() bool
	Handle(ctx context.Context, r *Request) (interface{}, error)
}

// Fallbacker builds degraded but valid response after Handle error or timeout.
// Must not block and never return nil.
type Fallbacker interface {
	Fallback(r *Request, err error) interface{}
}

type StatusExporter interface {
	ExportStatus(ctx context.Context, s *datastore.StatusSnapshot) error
}

type ReadingExporter interface {
	ExportReading(ctx context.Context, r *datastore.Reading) error
}

type Route struct {
	Type      wire.MessageType
	Direction wire.Direction
}

type Set struct {
	Sync       *Sync
	Config     *Config
	Firmware   *Firmware
	DeviceInfo *DeviceInfo
	Status     *Status
	Telegram   *Telegram
}

// Routes is static dispatch table. Nil members of set are left unrouted.
func Routes(s *Set) map[Route]Handler {
	rs := make(map[Route]Handler, 6)
	add := func(typ wire.MessageType, dir wire.Direction, h Handler, ok bool) {
		if ok {
			rs[Route{Type: typ, Direction: dir}] = h
		}
	}
	add(wire.TypeSync, wire.DirectionRequest, s.Sync, s.Sync != nil)
	add(wire.TypeConfig, wire.DirectionRequest, s.Config, s.Config != nil)
	add(wire.TypeFirmware, wire.DirectionRequest, s.Firmware, s.Firmware != nil)
	add(wire.TypeInfo, wire.DirectionUp, s.DeviceInfo, s.DeviceInfo != nil)
	add(wire.TypeStatus, wire.DirectionUp, s.Status, s.Status != nil)
	add(wire.TypeTelegram, wire.DirectionUp, s.Telegram, s.Telegram != nil)
	return rs
}

func payloadMap(r *Request) (map[string]interface{}, error) {
	if m, ok := r.Uplink.Payload.(map[string]interface{}); ok {
		return m, nil
	}
	return nil, errors.NotValidf("payload type=%T, expected map", r.Uplink.Payload)
}

func mapString(m map[string]interface{}, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

func mapInt(m map[string]interface{}, key string) (int64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	return wire.AsInt64(v)
}

func mapFloat(m map[string]interface{}, key string) (float64, bool) {
	switch x := m[key].(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	if i, ok := mapInt(m, key); ok {
		return float64(i), true
	}
	return 0, false
}

func mapBool(m map[string]interface{}, key string) (bool, bool) {
	switch x := m[key].(type) {
	case bool:
		return x, true
	case nil:
		return false, false
	}
	if i, ok := mapInt(m, key); ok {
		return i != 0, true
	}
	return false, false
}

// mapText accepts strings and integers, e.g. cell id sent either way.
func mapText(m map[string]interface{}, key string) (string, bool) {
	if s, ok := mapString(m, key); ok {
		return s, true
	}
	if i, ok := mapInt(m, key); ok {
		return strconv.FormatInt(i, 10), true
	}
	return "", false
}
