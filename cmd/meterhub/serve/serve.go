// Main, long running mode of operation.
package serve

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/meterhub/cmd/meterhub/subcmd"
	"github.com/temoto/meterhub/helpers"
	"github.com/temoto/meterhub/internal/cache"
	"github.com/temoto/meterhub/internal/config"
	"github.com/temoto/meterhub/internal/datastore"
	"github.com/temoto/meterhub/internal/dispatch"
	"github.com/temoto/meterhub/internal/export"
	"github.com/temoto/meterhub/internal/firmware"
	"github.com/temoto/meterhub/internal/handler"
	"github.com/temoto/meterhub/internal/httpapi"
	"github.com/temoto/meterhub/internal/meter"
	"github.com/temoto/meterhub/internal/metrics"
	"github.com/temoto/meterhub/internal/transport"
	"github.com/temoto/meterhub/log2"
	"github.com/temoto/spq"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

var Mod = subcmd.Mod{Name: "serve", Main: Main}

// Server holds every long lived component, closers run in reverse order.
type Server struct {
	Log        *log2.Log
	Metrics    *metrics.Metrics
	Store      datastore.Datastore
	Handlers   *handler.Set
	Dispatcher *dispatch.Dispatcher
	Transport  *transport.MQTT
	HTTP       *http.Server

	alive   *alive.Alive
	closers []func() error
}

func Main(ctx context.Context, cfg *config.Config, args []string) error {
	log := log2.ContextValueLogger(ctx)
	if err := cfg.Validate(); err != nil {
		return errors.Annotate(err, "config")
	}
	s, err := Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Build wires components from config. Network peers may be unreachable at this point.
func Build(ctx context.Context, cfg *config.Config, log *log2.Log) (*Server, error) {
	s := &Server{
		Log:     log,
		Metrics: metrics.New(),
		alive:   alive.NewAlive(),
	}
	log.SetErrorFunc(s.Metrics.LogError)
	transport.SetLogger(log.Clone(log2.LInfo), cfg.Mqtt.LogDebug)

	if err := s.build(ctx, cfg); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (self *Server) build(ctx context.Context, cfg *config.Config) error {
	log := self.Log
	m := self.Metrics

	store, err := openDatastore(cfg, log)
	if err != nil {
		return err
	}
	self.Store = store
	self.onClose(store.Close)

	src, err := firmwareSource(cfg)
	if err != nil {
		return err
	}
	log.Infof("firmware source=%s", src)
	pool := firmware.NewPool(src, cfg.FirmwareHandleIdle(), log)
	self.onClose(pool.Close)
	m.RegisterGauge("firmware", "open_files", "Firmware files held open by pool.", func() float64 { return float64(pool.Len()) })
	fwStore := firmware.NewStore(pool, cfg.Firmware.ChecksumMaxBytes)

	progress := firmware.NewProgress(cfg.FirmwareProgressIdle())
	m.RegisterGauge("firmware", "downloads", "Tracked firmware downloads.", func() float64 { return float64(progress.Len()) })
	self.alive.Add(1)
	go progress.RunPurge(self.alive, cfg.SweepInterval())

	auditPath := cfg.Firmware.AuditPath
	if auditPath == "" {
		log.Infof("firmware audit_path empty, download log queue is in memory")
		auditPath = spq.OnlyForTesting
	}
	audit, err := firmware.OpenAudit(auditPath, store, log)
	if err != nil {
		return err
	}
	self.onClose(audit.Close)

	caches := map[string]*cache.TTL{
		"config":        cache.NewTTL("config", cfg.ConfigTTL()),
		"firmware_meta": cache.NewTTL("firmware_meta", cfg.FirmwareMetaTTL()),
		"device_seen":   cache.NewTTL("device_seen", cfg.DeviceSeenTTL()),
		"status_recent": cache.NewTTL("status_recent", cfg.StatusInterval()),
	}
	for _, c := range caches {
		m.RegisterCache(c)
		self.alive.Add(1)
		go c.RunSweep(self.alive, cfg.SweepInterval())
	}

	var readingExporter handler.ReadingExporter
	if cfg.Export.Kafka.Enable {
		k, err := export.NewKafka(cfg.KafkaOptions(), m, log)
		if err != nil {
			return err
		}
		self.onClose(k.Close)
		readingExporter = k
	}
	var statusExporter handler.StatusExporter
	if cfg.Export.Influx.Enable {
		x, err := export.NewInflux(cfg.InfluxOptions(), m, log)
		if err != nil {
			return err
		}
		self.onClose(x.Close)
		statusExporter = x
	}

	telegramKey, err := cfg.TelegramKey()
	if err != nil {
		return err
	}
	configHandler, err := handler.NewConfig(store, caches["config"], cfg.FallbackConfig.Map(), log)
	if err != nil {
		return err
	}
	self.Handlers = &handler.Set{
		Sync:       handler.NewSync(store, log),
		Config:     configHandler,
		Firmware:   handler.NewFirmware(fwStore, store, caches["firmware_meta"], progress, audit, m, cfg.FirmwareOptions(), log),
		DeviceInfo: handler.NewDeviceInfo(store, caches["device_seen"], log),
		Status:     handler.NewStatus(store, caches["status_recent"], statusExporter, m, log),
		Telegram:   handler.NewTelegram(store, meter.Unconfigured{}, telegramKey, readingExporter, m, log),
	}

	// dispatcher publishes through transport, transport delivers into dispatcher
	var d *dispatch.Dispatcher
	onMessage := func(ctx context.Context, msg *packet.Message) bool { return d.OnMessage(ctx, msg) }
	if self.Transport, err = transport.New(ctx, cfg.MqttOptions(), onMessage, log); err != nil {
		return err
	}
	d = dispatch.New(handler.Routes(self.Handlers), self.Transport, cfg.DispatchOptions(), m, log)
	self.Dispatcher = d
	m.RegisterGauge("mqtt", "connected", "1 when broker connection is open.", func() float64 {
		if self.Transport.IsConnected() {
			return 1
		}
		return 0
	})

	if cfg.HTTP.Listen != "" {
		api := &httpapi.API{
			Store:    store,
			Config:   configHandler,
			Progress: progress,
			Metrics:  m,
			Log:      log,
		}
		self.HTTP = &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return nil
}

// Run connects to broker, serves HTTP until ctx is done, then drains in-flight messages.
func (self *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if err := self.Transport.Connect(); err != nil {
		return err
	}
	if self.HTTP != nil {
		g.Go(func() error {
			self.Log.Infof("http listen=%s", self.HTTP.Addr)
			if err := self.HTTP.ListenAndServe(); err != http.ErrServerClosed {
				return errors.Annotate(err, "http")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		subcmd.SdNotify(daemon.SdNotifyStopping)
		self.Log.Infof("shutdown")
		return self.shutdown()
	})
	subcmd.SdNotify(daemon.SdNotifyReady)
	self.Log.Infof("serve init complete, running")
	return g.Wait()
}

func (self *Server) shutdown() error {
	var errs []error
	if self.HTTP != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := self.HTTP.Shutdown(ctx); err != nil {
			errs = append(errs, errors.Annotate(err, "http shutdown"))
		}
	}
	// order matters: responses of in-flight urgent messages need transport
	if err := self.Dispatcher.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := self.Transport.Close(); err != nil {
		errs = append(errs, err)
	}
	return helpers.FoldErrors(errs)
}

func (self *Server) onClose(f func() error) { self.closers = append(self.closers, f) }

// Close stops background workers and releases resources. Call after Run returned.
func (self *Server) Close() {
	self.alive.Stop()
	self.alive.Wait()
	for i := len(self.closers) - 1; i >= 0; i-- {
		if err := self.closers[i](); err != nil {
			self.Log.Errorf("close err=%v", err)
		}
	}
	self.closers = nil
}

func openDatastore(cfg *config.Config, log *log2.Log) (datastore.Datastore, error) {
	switch driver := cfg.DatastoreDriver(); driver {
	case config.DriverMemory:
		log.Infof("datastore memory, state is lost on restart")
		return datastore.NewMemStore(), nil
	case config.DriverPostgres:
		gs, err := datastore.OpenGorm(cfg.Datastore.DSN, log)
		if err != nil {
			return nil, err
		}
		if err = gs.Migrate(); err != nil {
			gs.Close()
			return nil, err
		}
		return gs, nil
	default:
		return nil, errors.NotValidf("datastore driver=%s", driver)
	}
}

func firmwareSource(cfg *config.Config) (firmware.Source, error) {
	if cfg.Firmware.Minio.Endpoint != "" {
		return firmware.NewMinioSource(cfg.Firmware.Minio)
	}
	return firmware.NewDirSource(cfg.Firmware.Root)
}
