package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/temoto/meterhub/internal/cache"
	"github.com/temoto/meterhub/internal/datastore"
	"github.com/temoto/meterhub/internal/metrics"
	"github.com/temoto/meterhub/log2"
)

const DefaultStatusInterval = 30 * time.Second

const (
	batteryEmptyMV = 3000
	batteryFullMV  = 4200
	maxSyncOffset  = 60 // seconds
)

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Status converts flat gateway telemetry into sections, raises alerts.
// Alerts are evaluated and stored on every uplink, snapshot at most once per interval.
type Status struct {
	store    datastore.StatusStore
	recent   cache.Cache // eui -> true, TTL is snapshot interval
	exporter StatusExporter
	metrics  *metrics.Metrics
	log      *log2.Log
}

// NewStatus exporter may be nil.
func NewStatus(store datastore.StatusStore, recent cache.Cache, exporter StatusExporter, m *metrics.Metrics, log *log2.Log) *Status {
	return &Status{store: store, recent: recent, exporter: exporter, metrics: m, log: log}
}

func (*Status) Urgent() bool { return false }

// Handle persistence failures are logged, not returned.
func (self *Status) Handle(ctx context.Context, r *Request) (interface{}, error) {
	m, err := payloadMap(r)
	if err != nil {
		return nil, err
	}
	eui := r.EUI()
	snap := ConvertStatus(eui, m, r.Received)
	alerts := EvaluateAlerts(snap, m)
	if len(alerts) != 0 {
		for _, a := range alerts {
			self.metrics.Alert(a.Kind)
		}
		if err = self.store.AppendAlerts(ctx, alerts); err != nil {
			self.log.Errorf("status eui=%s alerts=%d err=%v", eui, len(alerts), err)
		}
	}

	if _, ok := self.recent.Get(eui); ok {
		self.log.Debugf("status eui=%s snapshot rate limited", eui)
		return snap, nil
	}
	if err = self.store.AppendStatus(ctx, snap); err != nil {
		self.log.Errorf("status eui=%s err=%v", eui, err)
		return snap, nil
	}
	self.recent.Set(eui, true)
	if self.exporter != nil {
		if err = self.exporter.ExportStatus(ctx, snap); err != nil {
			self.log.Errorf("status eui=%s export err=%v", eui, err)
		}
	}
	return snap, nil
}

// ConvertStatus payload keys:
// bat(mV) temp(0.1C) rsrp rsrq(raw modem units) rssi conn op tech cell tg mc lc(unix) ts(unix) up(sec).
func ConvertStatus(eui string, m map[string]interface{}, received time.Time) *datastore.StatusSnapshot {
	s := &datastore.StatusSnapshot{ID: uuid.New(), GatewayEUI: eui, At: received}
	s.UptimeSec, _ = mapInt(m, "up")

	if mv, ok := mapInt(m, "bat"); ok {
		s.Battery = datastore.Battery{MilliVolts: mv, Percent: BatteryPercent(mv), Level: BatteryLevel(mv)}
	}
	if t, ok := mapFloat(m, "temp"); ok {
		c := t / 10
		s.Temperature = datastore.Temperature{Celsius: c, Fahrenheit: c*9/5 + 32}
	}
	if raw, ok := mapFloat(m, "rsrp"); ok {
		s.Signal.RSRP = raw - 140
		s.Signal.Strength = SignalStrength(s.Signal.RSRP)
	}
	if raw, ok := mapFloat(m, "rsrq"); ok {
		s.Signal.RSRQ = raw/2 - 19.5
		s.Signal.Quality = SignalQuality(s.Signal.RSRQ)
	}
	s.Signal.RSSI, _ = mapInt(m, "rssi")

	s.Network.Connected, _ = mapBool(m, "conn")
	s.Network.Operator, _ = mapText(m, "op")
	s.Network.Technology, _ = mapText(m, "tech")
	s.Network.CellID, _ = mapText(m, "cell")

	s.Collection.Telegrams, _ = mapInt(m, "tg")
	s.Collection.Meters, _ = mapInt(m, "mc")
	if lc, ok := mapInt(m, "lc"); ok && lc > 0 {
		s.Collection.LastCollection = time.Unix(lc, 0).UTC()
	}

	if ts, ok := mapInt(m, "ts"); ok {
		s.TimeSync.GatewayTime = time.Unix(ts, 0).UTC()
		s.TimeSync.OffsetSec = ts - received.Unix()
		s.TimeSync.Synced = abs64(s.TimeSync.OffsetSec) <= maxSyncOffset
	}
	return s
}

func BatteryPercent(mv int64) int {
	p := (mv - batteryEmptyMV) * 100 / (batteryFullMV - batteryEmptyMV)
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return int(p)
}

func BatteryLevel(mv int64) string {
	switch {
	case mv >= 3700:
		return "high"
	case mv >= 3400:
		return "medium"
	case mv >= 3200:
		return "low"
	}
	return "critical"
}

func SignalStrength(rsrp float64) string {
	switch {
	case rsrp >= -80:
		return "excellent"
	case rsrp >= -90:
		return "good"
	case rsrp >= -100:
		return "fair"
	case rsrp >= -110:
		return "poor"
	}
	return "very_poor"
}

func SignalQuality(rsrq float64) string {
	switch {
	case rsrq >= -10:
		return "excellent"
	case rsrq >= -15:
		return "good"
	case rsrq >= -20:
		return "fair"
	}
	return "poor"
}

var alertRules = []struct {
	kind     string
	severity string
	field    string
	check    func(s *datastore.StatusSnapshot) (float64, bool)
	message  string
}{
	{"battery_critical", SeverityCritical, "bat",
		func(s *datastore.StatusSnapshot) (float64, bool) {
			return float64(s.Battery.MilliVolts), s.Battery.MilliVolts < 3200
		}, "battery critical %.0f mV"},
	{"battery_low", SeverityWarning, "bat",
		func(s *datastore.StatusSnapshot) (float64, bool) {
			mv := s.Battery.MilliVolts
			return float64(mv), mv >= 3200 && mv < 3400
		}, "battery low %.0f mV"},
	{"temperature_high", SeverityWarning, "temp",
		func(s *datastore.StatusSnapshot) (float64, bool) {
			return s.Temperature.Celsius, s.Temperature.Celsius > 60
		}, "temperature high %.1f C"},
	{"temperature_low", SeverityWarning, "temp",
		func(s *datastore.StatusSnapshot) (float64, bool) {
			return s.Temperature.Celsius, s.Temperature.Celsius < -20
		}, "temperature low %.1f C"},
	{"poor_signal", SeverityWarning, "rsrp",
		func(s *datastore.StatusSnapshot) (float64, bool) {
			return s.Signal.RSRP, s.Signal.RSRP < -110
		}, "poor signal RSRP %.0f dBm"},
	{"disconnected", SeverityCritical, "conn",
		func(s *datastore.StatusSnapshot) (float64, bool) {
			return 0, !s.Network.Connected
		}, "network disconnected"},
	{"poor_time_sync", SeverityWarning, "ts",
		func(s *datastore.StatusSnapshot) (float64, bool) {
			return float64(s.TimeSync.OffsetSec), !s.TimeSync.Synced
		}, "clock offset %.0f s"},
}

// EvaluateAlerts checks only fields present in payload m.
func EvaluateAlerts(s *datastore.StatusSnapshot, m map[string]interface{}) []datastore.GatewayAlert {
	var alerts []datastore.GatewayAlert
	for _, rule := range alertRules {
		if _, ok := m[rule.field]; !ok {
			continue
		}
		value, fire := rule.check(s)
		if !fire {
			continue
		}
		msg := rule.message
		if strings.Contains(msg, "%") {
			msg = fmt.Sprintf(rule.message, value)
		}
		alerts = append(alerts, datastore.GatewayAlert{
			ID:         uuid.New(),
			GatewayEUI: s.GatewayEUI,
			Kind:       rule.kind,
			Severity:   rule.severity,
			Message:    msg,
			Value:      value,
			At:         s.At,
		})
	}
	return alerts
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
