package handler

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/meterhub/helpers"
	"github.com/temoto/meterhub/internal/datastore"
	"github.com/temoto/meterhub/internal/meter"
	"github.com/temoto/meterhub/internal/metrics"
	"github.com/temoto/meterhub/log2"
)

const (
	TelegramStored    = "stored"
	TelegramDuplicate = "duplicate"
	TelegramRejected  = "rejected"
	TelegramFailed    = "failed"
)

type TelegramResult struct {
	Stored     int
	Duplicates int
	Rejected   int
	Failed     int
}

type telegramItem struct {
	hex  string
	rssi int64
	ts   time.Time
}

// Telegram decodes and stores meter readings. Every failure is per telegram,
// logged and counted, batch goes on.
type Telegram struct {
	store      datastore.MeterStore
	decoder    meter.Decoder
	defaultKey []byte
	exporter   ReadingExporter
	metrics    *metrics.Metrics
	log        *log2.Log
}

// NewTelegram exporter may be nil. defaultKey is used for catalog meters without key.
func NewTelegram(store datastore.MeterStore, decoder meter.Decoder, defaultKey []byte, exporter ReadingExporter, m *metrics.Metrics, log *log2.Log) *Telegram {
	if decoder == nil {
		decoder = meter.Unconfigured{}
	}
	return &Telegram{store: store, decoder: decoder, defaultKey: defaultKey, exporter: exporter, metrics: m, log: log}
}

func (*Telegram) Urgent() bool { return false }

func (self *Telegram) Handle(ctx context.Context, r *Request) (interface{}, error) {
	items, err := telegramItems(r.Uplink.Payload)
	if err != nil {
		return nil, errors.Annotatef(err, "telegram eui=%s", r.EUI())
	}
	result := &TelegramResult{}
	for i, item := range items {
		outcome, err := self.process(ctx, r, item)
		switch outcome {
		case TelegramStored:
			result.Stored++
		case TelegramDuplicate:
			result.Duplicates++
		case TelegramRejected:
			result.Rejected++
		default:
			result.Failed++
		}
		self.metrics.Telegram(outcome)
		if err != nil {
			self.log.Errorf("telegram eui=%s item=%d %s err=%v", r.EUI(), i, outcome, err)
		}
	}
	self.log.Debugf("telegram eui=%s result=%+v", r.EUI(), *result)
	return result, nil
}

func (self *Telegram) process(ctx context.Context, r *Request, item telegramItem) (string, error) {
	frame, err := hex.DecodeString(strings.TrimSpace(item.hex))
	if err != nil {
		return TelegramRejected, errors.NewNotValid(err, "hex")
	}
	if err = meter.CheckFraming(frame); err != nil {
		return TelegramRejected, err
	}
	hdr, err := meter.ParseHeader(frame)
	if err != nil {
		return TelegramRejected, err
	}
	mt, err := self.knownMeter(ctx, hdr.ID)
	if err != nil {
		if datastore.IsNotFound(err) {
			return TelegramRejected, err
		}
		return TelegramFailed, err
	}
	key := self.defaultKey
	if mt.Key != "" {
		if key, err = hex.DecodeString(mt.Key); err != nil {
			return TelegramFailed, errors.Annotatef(err, "meter=%s key", mt.ID)
		}
	}

	reading, err := self.decoder.Decode(ctx, frame, key, meter.Options{})
	if meter.IsShortFrame(err) {
		reading, err = self.decoder.Decode(ctx, meter.Pad(frame), key, meter.Options{NoCRC: true})
	}
	if err != nil {
		return TelegramRejected, errors.Annotatef(err, "meter=%s decode", hdr.ID)
	}
	if reading == nil {
		return TelegramRejected, errors.NotValidf("meter=%s decoder returned no reading", hdr.ID)
	}

	if reading.MeterID == "" {
		return TelegramRejected, errors.NotValidf("meter=%s decoded empty meter id", hdr.ID)
	}
	if reading.MeterID != mt.ID {
		if mt, err = self.knownMeter(ctx, reading.MeterID); err != nil {
			return TelegramRejected, err
		}
	}
	if len(reading.Values) == 0 {
		return TelegramRejected, errors.NotValidf("meter=%s no values", reading.MeterID)
	}
	ts := reading.Timestamp
	if ts.IsZero() {
		ts = item.ts
	}
	if ts.IsZero() {
		return TelegramRejected, errors.NotValidf("meter=%s timestamp", reading.MeterID)
	}

	exists, err := self.store.ReadingExists(ctx, reading.MeterID, ts)
	if err != nil {
		return TelegramFailed, err
	}
	if exists {
		return TelegramDuplicate, nil
	}
	row := &datastore.Reading{
		MeterID:      reading.MeterID,
		GatewayEUI:   r.EUI(),
		Timestamp:    ts,
		Manufacturer: firstNonEmpty(reading.Manufacturer, mt.Manufacturer, hdr.Manufacturer),
		Medium:       firstNonEmpty(reading.Medium, mt.Medium, hdr.Medium()),
		Values:       make([]datastore.Value, len(reading.Values)),
	}
	for i, v := range reading.Values {
		row.Values[i] = datastore.Value{Name: v.Name, Value: v.Value, Unit: v.Unit}
	}
	raw := &datastore.RawTelegram{
		ID:         uuid.New(),
		GatewayEUI: r.EUI(),
		MeterID:    reading.MeterID,
		Hex:        helpers.HexUpper(frame),
		RSSI:       item.rssi,
		ReceivedAt: r.Received,
	}
	stored, err := self.store.SaveReading(ctx, raw, row)
	if err != nil {
		return TelegramFailed, err
	}
	if !stored {
		return TelegramDuplicate, nil
	}
	if self.exporter != nil {
		if err = self.exporter.ExportReading(ctx, row); err != nil {
			self.log.Errorf("telegram meter=%s export err=%v", row.MeterID, err)
		}
	}
	return TelegramStored, nil
}

func (self *Telegram) knownMeter(ctx context.Context, id string) (*datastore.Meter, error) {
	mt, err := self.store.Meter(ctx, id)
	if err != nil {
		return nil, errors.Annotatef(err, "meter=%s", id)
	}
	return mt, nil
}

// telegramItems accepts: "HEX", {t, rssi, ts}, [item...], {telegrams: [item...]}.
func telegramItems(payload interface{}) ([]telegramItem, error) {
	switch x := payload.(type) {
	case string:
		return []telegramItem{{hex: x}}, nil

	case []interface{}:
		items := make([]telegramItem, 0, len(x))
		for i, v := range x {
			sub, err := telegramItems(v)
			if err != nil {
				return nil, errors.Annotatef(err, "batch item=%d", i)
			}
			if len(sub) != 1 {
				return nil, errors.NotValidf("batch item=%d nested batch", i)
			}
			items = append(items, sub[0])
		}
		return items, nil

	case map[string]interface{}:
		if batch, ok := x["telegrams"]; ok {
			list, ok := batch.([]interface{})
			if !ok {
				return nil, errors.NotValidf("telegrams type=%T", batch)
			}
			return telegramItems(list)
		}
		s, ok := mapString(x, "t")
		if !ok {
			return nil, errors.NotValidf("telegram object without t")
		}
		item := telegramItem{hex: s}
		item.rssi, _ = mapInt(x, "rssi")
		if ts, ok := mapInt(x, "ts"); ok && ts > 0 {
			item.ts = time.Unix(ts, 0).UTC()
		}
		return []telegramItem{item}, nil
	}
	return nil, errors.NotValidf("telegram payload type=%T", payload)
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}
