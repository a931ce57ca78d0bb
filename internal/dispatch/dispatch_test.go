package dispatch_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/meterhub/internal/cache"
	"github.com/temoto/meterhub/internal/datastore"
	"github.com/temoto/meterhub/internal/dispatch"
	"github.com/temoto/meterhub/internal/handler"
	"github.com/temoto/meterhub/internal/metrics"
	"github.com/temoto/meterhub/log2"
	"github.com/temoto/meterhub/wire"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*packet.Message
	err  error
}

func (p *fakePublisher) Publish(ctx context.Context, msg *packet.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return p.err
}

func (p *fakePublisher) Messages() []*packet.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*packet.Message(nil), p.msgs...)
}

// slowSync blocks until context is done.
type slowSync struct{ calls chan struct{} }

func (slowSync) Urgent() bool { return true }
func (h slowSync) Handle(ctx context.Context, r *handler.Request) (interface{}, error) {
	h.calls <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}
func (slowSync) Fallback(r *handler.Request, err error) interface{} {
	return wire.SyncResponse{}
}

type failingInfo struct{ calls int }

func (*failingInfo) Urgent() bool { return false }
func (h *failingInfo) Handle(ctx context.Context, r *handler.Request) (interface{}, error) {
	h.calls++
	return nil, errors.New("boom")
}

type tenv struct {
	ds  *datastore.MemStore
	pub *fakePublisher
	m   *metrics.Metrics
	d   *dispatch.Dispatcher
}

func newEnv(t testing.TB, opt dispatch.Options) *tenv {
	log := log2.NewTest(t, log2.LDebug)
	ds := datastore.NewMemStore()
	cfg, err := handler.NewConfig(ds, cache.NewTTL("config", time.Minute), nil, log)
	require.NoError(t, err)
	set := &handler.Set{
		Sync:       handler.NewSync(ds, log),
		Config:     cfg,
		DeviceInfo: handler.NewDeviceInfo(ds, cache.NewTTL("device", time.Hour), log),
		Status:     handler.NewStatus(ds, cache.NewTTL("status", time.Minute), nil, nil, log),
	}
	env := &tenv{ds: ds, pub: &fakePublisher{}, m: metrics.New()}
	env.d = dispatch.New(handler.Routes(set), env.pub, opt, env.m, log)
	return env
}

func uplink(t testing.TB, eui string, n int64, q string, d interface{}) []byte {
	b, err := wire.EncodeUplink(&wire.Uplink{GatewayEUI: eui, Number: n, Query: q, Payload: d})
	require.NoError(t, err)
	return b
}

func (env *tenv) process(topic string, payload []byte) {
	env.d.Process(context.Background(), &packet.Message{Topic: topic, Payload: payload, QOS: packet.QOSAtLeastOnce}, time.Now())
}

func decodeDownlink(t testing.TB, msg *packet.Message) *wire.Downlink {
	dl, err := wire.DecodeDownlink(msg.Payload)
	require.NoError(t, err)
	return dl
}

func TestSyncResponse(t *testing.T) {
	t.Parallel()
	env := newEnv(t, dispatch.Options{})
	require.NoError(t, env.ds.SetDesiredState(context.Background(), &datastore.DesiredState{
		GatewayEUI: "gw1", AppVersion: "v2", BootVersion: "b1", ConfigEtag: "abc",
	}))

	env.process("mh/gw1/req/sync", uplink(t, "gw1", 41, "sync", map[string]interface{}{"app": "v1", "boot": "b1", "etag": "abc"}))
	msgs := env.pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "mh/gw1/down/sync", msgs[0].Topic)
	assert.Equal(t, packet.QOSAtLeastOnce, msgs[0].QOS)
	assert.True(t, msgs[0].Retain)
	dl := decodeDownlink(t, msgs[0])
	assert.Equal(t, uint32(1), dl.Number)
	assert.Equal(t, int64(41), dl.Request)
	assert.Equal(t, map[string]interface{}{"app": "v2", "boot": true, "etag": true}, dl.Payload)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.m.Downlinks.WithLabelValues("sync", dispatch.DownlinkOK)))
}

func TestUrgentDatastoreOutage(t *testing.T) {
	t.Parallel()
	env := newEnv(t, dispatch.Options{})
	env.ds.SetOutage(fmt.Errorf("connection refused"))

	env.process("mh/gw1/req/sync", uplink(t, "gw1", 1, "sync", map[string]interface{}{"app": "v1"}))
	env.process("mh/gw1/req/config", uplink(t, "gw1", 2, "config", map[string]interface{}{"etag": "abc"}))
	msgs := env.pub.Messages()
	require.Len(t, msgs, 2, "urgent route always responds")

	syncDL := decodeDownlink(t, msgs[0])
	assert.Equal(t, map[string]interface{}{"app": nil, "boot": nil, "etag": nil}, syncDL.Payload)

	cfg := decodeDownlink(t, msgs[1])
	assert.Equal(t, int64(2), cfg.Request)
	p, ok := cfg.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, p["etag"])
	config, ok := p["config"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, config, handler.ConfigHost)
	assert.Greater(t, cfg.Number, syncDL.Number)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.m.Downlinks.WithLabelValues("config", dispatch.DownlinkFallback)))
}

func TestUrgentDeadline(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	pub := &fakePublisher{}
	m := metrics.New()
	slow := slowSync{calls: make(chan struct{}, 1)}
	routes := map[handler.Route]handler.Handler{
		{Type: wire.TypeSync, Direction: wire.DirectionRequest}: slow,
	}
	d := dispatch.New(routes, pub, dispatch.Options{UrgentDeadline: 50 * time.Millisecond}, m, log)

	start := time.Now()
	d.Process(context.Background(), &packet.Message{Topic: "mh/gw1/req/sync", Payload: uplink(t, "gw1", 5, "sync", map[string]interface{}{})}, start)
	elapsed := time.Since(start)
	<-slow.calls
	assert.Less(t, int64(elapsed), int64(time.Second))
	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(5), decodeDownlink(t, msgs[0]).Request)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Downlinks.WithLabelValues("sync", dispatch.DownlinkTimeout)))
	require.NoError(t, d.Close())
}

func TestMalformedDropped(t *testing.T) {
	t.Parallel()
	env := newEnv(t, dispatch.Options{})
	cases := []struct {
		name    string
		topic   string
		payload []byte
		typ     string
		outcome string
		want    float64
	}{
		{"short-topic", "mh/gw1/sync", uplink(t, "gw1", 1, "sync", nil), "", dispatch.OutcomeUnroutable, 1},
		{"down-direction", "mh/gw1/down/sync", uplink(t, "gw1", 1, "sync", nil), "", dispatch.OutcomeUnroutable, 2},
		{"no-route", "mh/gw1/up/sync", uplink(t, "gw1", 1, "sync", nil), "sync", dispatch.OutcomeNoRoute, 1},
		{"garbage", "mh/gw1/req/config", []byte{0xff, 0x00, 0x13}, "config", dispatch.OutcomeDecodeError, 1},
		{"invalid", "mh/gw1/req/config", []byte(`{"i":"gw1","q":"config"}`), "config", dispatch.OutcomeInvalid, 1},
	}
	for _, c := range cases {
		env.process(c.topic, c.payload)
		assert.Equal(t, c.want, testutil.ToFloat64(env.m.Messages.WithLabelValues(c.typ, c.outcome)), c.name)
	}
	assert.Empty(t, env.pub.Messages())
}

func TestNonUrgent(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	pub := &fakePublisher{}
	m := metrics.New()
	h := &failingInfo{}
	d := dispatch.New(map[handler.Route]handler.Handler{
		{Type: wire.TypeInfo, Direction: wire.DirectionUp}: h,
	}, pub, dispatch.Options{}, m, log)
	d.Process(context.Background(), &packet.Message{Topic: "mh/gw1/up/info", Payload: []byte(`{"i":"gw1","n":3,"q":"info","d":{}}`)}, time.Now())
	assert.Equal(t, 1, h.calls)
	assert.Empty(t, pub.Messages(), "non-urgent never responds")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues("info", dispatch.OutcomeError)))
}

func TestCloseWaits(t *testing.T) {
	t.Parallel()
	env := newEnv(t, dispatch.Options{})
	ctx := context.Background()
	const N = 20
	for i := 0; i < N; i++ {
		msg := &packet.Message{Topic: "mh/gw1/req/sync", Payload: uplink(t, "gw1", int64(i), "sync", map[string]interface{}{})}
		require.True(t, env.d.OnMessage(ctx, msg))
	}
	require.NoError(t, env.d.Close())
	msgs := env.pub.Messages()
	require.Len(t, msgs, N)
	seen := make(map[uint32]bool, N)
	for _, msg := range msgs {
		seen[decodeDownlink(t, msg).Number] = true
	}
	assert.Len(t, seen, N, "downlink numbers unique")

	assert.False(t, env.d.OnMessage(ctx, &packet.Message{Topic: "mh/gw1/req/sync"}))
}

func TestPublishErrorCounted(t *testing.T) {
	t.Parallel()
	env := newEnv(t, dispatch.Options{})
	env.pub.err = fmt.Errorf("not connected")
	env.process("mh/gw1/req/sync", uplink(t, "gw1", 1, "sync", map[string]interface{}{}))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.m.Downlinks.WithLabelValues("sync", dispatch.DownlinkPublishError)))
}

type urgentNoFallback struct{}

func (urgentNoFallback) Urgent() bool { return true }
func (urgentNoFallback) Handle(context.Context, *handler.Request) (interface{}, error) {
	return nil, nil
}

func TestNewRequiresFallback(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() {
		dispatch.New(map[handler.Route]handler.Handler{
			{Type: wire.TypeSync, Direction: wire.DirectionRequest}: urgentNoFallback{},
		}, &fakePublisher{}, dispatch.Options{}, nil, nil)
	})
}

// instantSync answers without blocking.
type instantSync struct{}

func (instantSync) Urgent() bool { return true }
func (instantSync) Handle(ctx context.Context, r *handler.Request) (interface{}, error) {
	return wire.SyncResponse{App: true}, nil
}
func (instantSync) Fallback(r *handler.Request, err error) interface{} {
	return wire.SyncResponse{}
}

func TestUrgentFastHandlerNeverFallback(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LInfo)
	pub := &fakePublisher{}
	m := metrics.New()
	d := dispatch.New(map[handler.Route]handler.Handler{
		{Type: wire.TypeSync, Direction: wire.DirectionRequest}: instantSync{},
	}, pub, dispatch.Options{}, m, log)

	const N = 5000
	payload := uplink(t, "gw1", 1, "sync", map[string]interface{}{})
	for i := 0; i < N; i++ {
		d.Process(context.Background(), &packet.Message{Topic: "mh/gw1/req/sync", Payload: payload}, time.Now())
	}
	assert.Equal(t, float64(N), testutil.ToFloat64(m.Downlinks.WithLabelValues("sync", dispatch.DownlinkOK)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Downlinks.WithLabelValues("sync", dispatch.DownlinkFallback)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Downlinks.WithLabelValues("sync", dispatch.DownlinkTimeout)))
	require.NoError(t, d.Close())
}

type panicHandler struct{ urgent bool }

func (h panicHandler) Urgent() bool { return h.urgent }
func (panicHandler) Handle(ctx context.Context, r *handler.Request) (interface{}, error) {
	var reading *struct{ MeterID string }
	return reading.MeterID, nil
}
func (panicHandler) Fallback(r *handler.Request, err error) interface{} {
	return wire.SyncResponse{}
}

func TestHandlerPanicRecovered(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	pub := &fakePublisher{}
	m := metrics.New()
	d := dispatch.New(map[handler.Route]handler.Handler{
		{Type: wire.TypeTelegram, Direction: wire.DirectionUp}:  panicHandler{},
		{Type: wire.TypeSync, Direction: wire.DirectionRequest}: panicHandler{urgent: true},
	}, pub, dispatch.Options{}, m, log)

	assert.NotPanics(t, func() {
		d.Process(context.Background(), &packet.Message{Topic: "mh/gw1/up/telegram", Payload: uplink(t, "gw1", 1, "telegram", "00")}, time.Now())
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues("telegram", dispatch.OutcomeError)))
	assert.Empty(t, pub.Messages())

	assert.NotPanics(t, func() {
		d.Process(context.Background(), &packet.Message{Topic: "mh/gw1/req/sync", Payload: uplink(t, "gw1", 2, "sync", map[string]interface{}{})}, time.Now())
	})
	require.Len(t, pub.Messages(), 1, "urgent panic still responds")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Downlinks.WithLabelValues("sync", dispatch.DownlinkFallback)))
	require.NoError(t, d.Close())
}
