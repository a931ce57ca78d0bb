// Package config reads meterhub HCL configuration.
// Several files may be combined with `include "name" { optional = true }`,
// later sources overwrite values of earlier ones.
package config

import (
	"encoding/hex"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/meterhub/helpers"
	"github.com/temoto/meterhub/internal/dispatch"
	"github.com/temoto/meterhub/internal/export"
	"github.com/temoto/meterhub/internal/firmware"
	"github.com/temoto/meterhub/internal/handler"
	"github.com/temoto/meterhub/internal/transport"
	"github.com/temoto/meterhub/log2"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"

	DefaultNamespace     = "mh"
	DefaultSweepInterval = time.Minute
	telegramKeyLength    = 16
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	LogDebug bool `hcl:"log_debug"`

	Mqtt struct {
		Broker            string `hcl:"broker"`
		ClientID          string `hcl:"client_id"`
		Username          string `hcl:"username"`
		Password          string `hcl:"password"`
		Namespace         string `hcl:"namespace"`
		TLSCAFile         string `hcl:"tls_ca_file"`
		KeepaliveSec      int    `hcl:"keepalive_sec"`
		PingTimeoutSec    int    `hcl:"ping_timeout_sec"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
		StorePath         string `hcl:"store_path"`
		LogDebug          bool   `hcl:"log_debug"`
	} `hcl:"mqtt"`

	Dispatch struct {
		UrgentDeadlineMs  int `hcl:"urgent_deadline_ms"`
		PublishTimeoutSec int `hcl:"publish_timeout_sec"`
	} `hcl:"dispatch"`

	Firmware struct {
		Root              string               `hcl:"root"`
		AllowUnregistered *bool                `hcl:"allow_unregistered"`
		ChecksumMaxBytes  int64                `hcl:"checksum_max_bytes"`
		HandleIdleSec     int                  `hcl:"handle_idle_sec"`
		ProgressIdleSec   int                  `hcl:"progress_idle_sec"`
		AuditPath         string               `hcl:"audit_path"`
		Minio             firmware.MinioConfig `hcl:"minio"`
	} `hcl:"firmware"`

	Cache struct {
		ConfigTTLSec       int `hcl:"config_ttl_sec"`
		FirmwareMetaTTLSec int `hcl:"firmware_meta_ttl_sec"`
		DeviceSeenTTLSec   int `hcl:"device_seen_ttl_sec"`
		StatusIntervalSec  int `hcl:"status_interval_sec"`
		SweepIntervalSec   int `hcl:"sweep_interval_sec"`
	} `hcl:"cache"`

	Datastore struct {
		Driver string `hcl:"driver"`
		DSN    string `hcl:"dsn"`
	} `hcl:"datastore"`

	Telegram struct {
		DefaultKey string `hcl:"default_key"`
	} `hcl:"telegram"`

	Export struct {
		Kafka struct {
			Enable          bool     `hcl:"enable"`
			Brokers         []string `hcl:"brokers"`
			Topic           string   `hcl:"topic"`
			BatchTimeoutMs  int      `hcl:"batch_timeout_ms"`
			WriteTimeoutSec int      `hcl:"write_timeout_sec"`
		} `hcl:"kafka"`
		Influx struct {
			Enable          bool   `hcl:"enable"`
			URL             string `hcl:"url"`
			Token           string `hcl:"token"`
			Org             string `hcl:"org"`
			Bucket          string `hcl:"bucket"`
			WriteTimeoutSec int    `hcl:"write_timeout_sec"`
		} `hcl:"influx"`
	} `hcl:"export"`

	HTTP struct {
		Listen string `hcl:"listen"`
	} `hcl:"http"`

	FallbackConfig FallbackConfig `hcl:"fallback_config"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// FallbackConfig is sent to gateways when config can not be resolved.
// Zero values keep built-in defaults.
type FallbackConfig struct {
	Host         string `hcl:"host"`
	UseLtem      *bool  `hcl:"use_ltem"`
	ListenCron   string `hcl:"listen_cron"`
	MaxTelegrams int    `hcl:"max_telegrams"`
	RndDelay     *int   `hcl:"rnd_delay"`
}

func (self FallbackConfig) Map() map[string]interface{} {
	m := make(map[string]interface{}, 5)
	if self.Host != "" {
		m[handler.ConfigHost] = self.Host
	}
	if self.UseLtem != nil {
		m[handler.ConfigUseLtem] = *self.UseLtem
	}
	if self.ListenCron != "" {
		m[handler.ConfigListenCron] = self.ListenCron
	}
	if self.MaxTelegrams != 0 {
		m[handler.ConfigMaxTelegrams] = int64(self.MaxTelegrams)
	}
	if self.RndDelay != nil {
		m[handler.ConfigRndDelay] = int64(*self.RndDelay)
	}
	return m
}

func (self *Config) MqttOptions() transport.Options {
	ns := self.Mqtt.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return transport.Options{
		BrokerURL:      self.Mqtt.Broker,
		ClientID:       self.Mqtt.ClientID,
		Username:       self.Mqtt.Username,
		Password:       self.Mqtt.Password,
		Namespace:      ns,
		TLSCAFile:      self.Mqtt.TLSCAFile,
		Keepalive:      helpers.IntSecondDefault(self.Mqtt.KeepaliveSec, transport.DefaultKeepalive),
		PingTimeout:    helpers.IntSecondDefault(self.Mqtt.PingTimeoutSec, transport.DefaultPingTimeout),
		NetworkTimeout: helpers.IntSecondDefault(self.Mqtt.NetworkTimeoutSec, transport.DefaultNetworkTimeout),
		StorePath:      self.Mqtt.StorePath,
	}
}

func (self *Config) DispatchOptions() dispatch.Options {
	return dispatch.Options{
		UrgentDeadline: helpers.IntMillisecondDefault(self.Dispatch.UrgentDeadlineMs, dispatch.DefaultUrgentDeadline),
		PublishTimeout: helpers.IntSecondDefault(self.Dispatch.PublishTimeoutSec, dispatch.DefaultPublishTimeout),
	}
}

func (self *Config) FirmwareOptions() handler.FirmwareOptions {
	allow := true
	if self.Firmware.AllowUnregistered != nil {
		allow = *self.Firmware.AllowUnregistered
	}
	return handler.FirmwareOptions{AllowUnregistered: allow}
}

func (self *Config) FirmwareHandleIdle() time.Duration {
	return helpers.IntSecondDefault(self.Firmware.HandleIdleSec, firmware.DefaultIdleClose)
}

func (self *Config) FirmwareProgressIdle() time.Duration {
	return helpers.IntSecondDefault(self.Firmware.ProgressIdleSec, firmware.DefaultProgressIdle)
}

func (self *Config) ConfigTTL() time.Duration {
	return helpers.IntSecondDefault(self.Cache.ConfigTTLSec, handler.DefaultConfigTTL)
}

func (self *Config) FirmwareMetaTTL() time.Duration {
	return helpers.IntSecondDefault(self.Cache.FirmwareMetaTTLSec, handler.DefaultFirmwareMetaTTL)
}

func (self *Config) DeviceSeenTTL() time.Duration {
	return helpers.IntSecondDefault(self.Cache.DeviceSeenTTLSec, handler.DefaultDeviceSeenTTL)
}

func (self *Config) StatusInterval() time.Duration {
	return helpers.IntSecondDefault(self.Cache.StatusIntervalSec, handler.DefaultStatusInterval)
}

func (self *Config) SweepInterval() time.Duration {
	return helpers.IntSecondDefault(self.Cache.SweepIntervalSec, DefaultSweepInterval)
}

func (self *Config) DatastoreDriver() string {
	if self.Datastore.Driver == "" {
		return DriverMemory
	}
	return self.Datastore.Driver
}

// TelegramKey returns nil when default key is not configured.
func (self *Config) TelegramKey() ([]byte, error) {
	if self.Telegram.DefaultKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(self.Telegram.DefaultKey)
	if err != nil {
		return nil, errors.NotValidf("telegram default_key %v", err)
	}
	if len(key) != telegramKeyLength {
		return nil, errors.NotValidf("telegram default_key length=%d expected=%d", len(key), telegramKeyLength)
	}
	return key, nil
}

func (self *Config) KafkaOptions() export.KafkaOptions {
	k := self.Export.Kafka
	return export.KafkaOptions{
		Brokers:      k.Brokers,
		Topic:        k.Topic,
		BatchTimeout: helpers.IntMillisecondDefault(k.BatchTimeoutMs, export.DefaultKafkaBatchTimeout),
		WriteTimeout: helpers.IntSecondDefault(k.WriteTimeoutSec, export.DefaultWriteTimeout),
	}
}

func (self *Config) InfluxOptions() export.InfluxOptions {
	x := self.Export.Influx
	return export.InfluxOptions{
		URL:          x.URL,
		Token:        x.Token,
		Org:          x.Org,
		Bucket:       x.Bucket,
		WriteTimeout: helpers.IntSecondDefault(x.WriteTimeoutSec, export.DefaultWriteTimeout),
	}
}

// Validate reports every problem needed to start serve.
func (self *Config) Validate() error {
	var errs []error
	if self.Mqtt.Broker == "" {
		errs = append(errs, errors.NotValidf("mqtt broker empty"))
	}
	switch self.DatastoreDriver() {
	case DriverMemory:
	case DriverPostgres:
		if self.Datastore.DSN == "" {
			errs = append(errs, errors.NotValidf("datastore dsn empty"))
		}
	default:
		errs = append(errs, errors.NotValidf("datastore driver=%s", self.Datastore.Driver))
	}
	if self.Firmware.Root == "" && self.Firmware.Minio.Endpoint == "" {
		errs = append(errs, errors.NotValidf("firmware root or minio endpoint required"))
	}
	if self.Firmware.Minio.Endpoint != "" && self.Firmware.Minio.Bucket == "" {
		errs = append(errs, errors.NotValidf("firmware minio bucket empty"))
	}
	if _, err := self.TelegramKey(); err != nil {
		errs = append(errs, err)
	}
	if err := handler.ValidateConfig(self.fallbackMerged()); err != nil {
		errs = append(errs, errors.Annotate(err, "fallback_config"))
	}
	if self.Export.Kafka.Enable && (len(self.Export.Kafka.Brokers) == 0 || self.Export.Kafka.Topic == "") {
		errs = append(errs, errors.NotValidf("export kafka brokers and topic required"))
	}
	if self.Export.Influx.Enable && (self.Export.Influx.URL == "" || self.Export.Influx.Bucket == "") {
		errs = append(errs, errors.NotValidf("export influx url and bucket required"))
	}
	return helpers.FoldErrors(errs)
}

func (self *Config) fallbackMerged() map[string]interface{} {
	return handler.Merge(handler.DefaultFallbackConfig(), self.FallbackConfig.Map())
}

func (self *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := self.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	self.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			*errs = append(*errs, errors.NotFoundf("config required name=%s path=%s", source.Name, norm))
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, self); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []Source
	includes, self.XXX_Include = self.XXX_Include, nil
	for _, include := range includes {
		if _, ok := self.includeSeen[fs.Normalize(include.Name)]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		self.read(log, fs, include, errs)
	}
}

func Read(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		panic("code error config.Read() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names[0] = name
	}
	c := &Config{includeSeen: make(map[string]struct{})}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustRead(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := Read(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
