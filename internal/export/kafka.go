// Package export pushes stored records to downstream systems:
// meter readings into kafka, gateway status snapshots into influxdb.
// Export is best effort, errors are counted and returned to caller for logging.
package export

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/segmentio/kafka-go"
	"github.com/temoto/meterhub/helpers"
	"github.com/temoto/meterhub/internal/datastore"
	"github.com/temoto/meterhub/internal/metrics"
	"github.com/temoto/meterhub/log2"
)

const (
	DefaultKafkaBatchTimeout = 20 * time.Millisecond
	DefaultWriteTimeout      = 5 * time.Second
)

type KafkaOptions struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes readings as JSON, keyed by meter id so one meter stays in one partition.
type Kafka struct {
	w       messageWriter
	timeout time.Duration
	metrics *metrics.Metrics
	log     *log2.Log
}

func NewKafka(opt KafkaOptions, m *metrics.Metrics, log *log2.Log) (*Kafka, error) {
	if len(opt.Brokers) == 0 {
		return nil, errors.NotValidf("kafka brokers empty")
	}
	if opt.Topic == "" {
		return nil, errors.NotValidf("kafka topic empty")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(opt.Brokers...),
		Topic:        opt.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: helpers.DurationDefault(opt.BatchTimeout, DefaultKafkaBatchTimeout),
		RequiredAcks: kafka.RequireAll,
	}
	return newKafka(w, helpers.DurationDefault(opt.WriteTimeout, DefaultWriteTimeout), m, log), nil
}

func newKafka(w messageWriter, timeout time.Duration, m *metrics.Metrics, log *log2.Log) *Kafka {
	return &Kafka{w: w, timeout: timeout, metrics: m, log: log}
}

func ReadingMessage(r *datastore.Reading) (kafka.Message, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return kafka.Message{}, errors.Annotate(err, "reading encode")
	}
	return kafka.Message{
		Key:   []byte(r.MeterID),
		Value: b,
		Time:  r.Timestamp,
		Headers: []kafka.Header{
			{Key: "eui", Value: []byte(r.GatewayEUI)},
			{Key: "medium", Value: []byte(r.Medium)},
		},
	}, nil
}

func (self *Kafka) ExportReading(ctx context.Context, r *datastore.Reading) error {
	msg, err := ReadingMessage(r)
	if err == nil {
		wctx, cancel := context.WithTimeout(ctx, self.timeout)
		err = self.w.WriteMessages(wctx, msg)
		cancel()
	}
	self.metrics.Export("kafka", err)
	return errors.Annotatef(err, "kafka meter=%s", r.MeterID)
}

func (self *Kafka) Close() error {
	return errors.Annotate(self.w.Close(), "kafka close")
}
