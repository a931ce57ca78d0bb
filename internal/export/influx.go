package export

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/juju/errors"
	"github.com/temoto/meterhub/helpers"
	"github.com/temoto/meterhub/internal/datastore"
	"github.com/temoto/meterhub/internal/metrics"
	"github.com/temoto/meterhub/log2"
)

const StatusMeasurement = "gateway_status"

type InfluxOptions struct {
	URL          string
	Token        string
	Org          string
	Bucket       string
	WriteTimeout time.Duration
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type Influx struct {
	client  influxdb2.Client
	w       pointWriter
	timeout time.Duration
	metrics *metrics.Metrics
	log     *log2.Log
}

func NewInflux(opt InfluxOptions, m *metrics.Metrics, log *log2.Log) (*Influx, error) {
	if opt.URL == "" || opt.Bucket == "" {
		return nil, errors.NotValidf("influx url=%q bucket=%q", opt.URL, opt.Bucket)
	}
	client := influxdb2.NewClient(opt.URL, opt.Token)
	x := &Influx{
		client:  client,
		w:       client.WriteAPIBlocking(opt.Org, opt.Bucket),
		timeout: helpers.DurationDefault(opt.WriteTimeout, DefaultWriteTimeout),
		metrics: m,
		log:     log,
	}
	return x, nil
}

// StatusPoint: bucket names are tags, measurements are fields. Empty tags are omitted.
func StatusPoint(s *datastore.StatusSnapshot) *write.Point {
	tags := map[string]string{"eui": s.GatewayEUI}
	for k, v := range map[string]string{
		"battery_level":   s.Battery.Level,
		"signal_strength": s.Signal.Strength,
		"signal_quality":  s.Signal.Quality,
		"operator":        s.Network.Operator,
		"technology":      s.Network.Technology,
	} {
		if v != "" {
			tags[k] = v
		}
	}
	fields := map[string]interface{}{
		"battery_mv":      s.Battery.MilliVolts,
		"battery_percent": int64(s.Battery.Percent),
		"temperature_c":   s.Temperature.Celsius,
		"rsrp":            s.Signal.RSRP,
		"rsrq":            s.Signal.RSRQ,
		"rssi":            s.Signal.RSSI,
		"connected":       s.Network.Connected,
		"telegrams":       s.Collection.Telegrams,
		"meters":          s.Collection.Meters,
		"time_offset_sec": s.TimeSync.OffsetSec,
		"time_synced":     s.TimeSync.Synced,
		"uptime_sec":      s.UptimeSec,
	}
	return write.NewPoint(StatusMeasurement, tags, fields, s.At)
}

func (self *Influx) ExportStatus(ctx context.Context, s *datastore.StatusSnapshot) error {
	wctx, cancel := context.WithTimeout(ctx, self.timeout)
	err := self.w.WritePoint(wctx, StatusPoint(s))
	cancel()
	self.metrics.Export("influx", err)
	return errors.Annotatef(err, "influx eui=%s", s.GatewayEUI)
}

func (self *Influx) Close() error {
	if self.client != nil {
		self.client.Close()
	}
	return nil
}
