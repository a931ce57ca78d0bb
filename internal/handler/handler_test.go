package handler_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/meterhub/internal/cache"
	"github.com/temoto/meterhub/internal/datastore"
	"github.com/temoto/meterhub/internal/handler"
	"github.com/temoto/meterhub/log2"
	"github.com/temoto/meterhub/wire"
)

func request(typ wire.MessageType, dir wire.Direction, eui string, payload interface{}) *handler.Request {
	return &handler.Request{
		Topic:    wire.Topic{Namespace: "mh", GatewayEUI: eui, Direction: dir, Type: typ},
		Uplink:   &wire.Uplink{GatewayEUI: eui, Number: 7, Query: string(typ), Payload: payload},
		Received: time.Now(),
	}
}

func str(s string) *string { return &s }

func TestRoutes(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	ds := datastore.NewMemStore()
	cfg, err := handler.NewConfig(ds, cache.NewTTL("config", time.Minute), nil, log)
	require.NoError(t, err)
	set := &handler.Set{
		Sync:       handler.NewSync(ds, log),
		Config:     cfg,
		DeviceInfo: handler.NewDeviceInfo(ds, cache.NewTTL("device", time.Hour), log),
	}
	routes := handler.Routes(set)
	assert.Len(t, routes, 3)
	h, ok := routes[handler.Route{Type: wire.TypeSync, Direction: wire.DirectionRequest}]
	require.True(t, ok)
	assert.True(t, h.Urgent())
	_, ok = h.(handler.Fallbacker)
	assert.True(t, ok)
	h, ok = routes[handler.Route{Type: wire.TypeInfo, Direction: wire.DirectionUp}]
	require.True(t, ok)
	assert.False(t, h.Urgent())
	_, ok = routes[handler.Route{Type: wire.TypeSync, Direction: wire.DirectionUp}]
	assert.False(t, ok, "sync is request only")
	_, ok = routes[handler.Route{Type: wire.TypeFirmware, Direction: wire.DirectionRequest}]
	assert.False(t, ok, "nil member is not routed")
}

func TestCompareFirmware(t *testing.T) {
	t.Parallel()
	assert.Equal(t, true, handler.CompareFirmware(str("x"), str("x")))
	assert.Nil(t, handler.CompareFirmware(str("x"), nil))
	assert.Equal(t, "y", handler.CompareFirmware(str("x"), str("y")))
	assert.Nil(t, handler.CompareFirmware(nil, str("y")), "unknown current version never triggers update")

	assert.Equal(t, true, handler.CompareEtag(str("e"), str("e")))
	assert.Nil(t, handler.CompareEtag(str("e"), nil))
	assert.Equal(t, "f", handler.CompareEtag(str("e"), str("f")))
	assert.Equal(t, "f", handler.CompareEtag(nil, str("f")))
}

func TestSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ds := datastore.NewMemStore()
	h := handler.NewSync(ds, log2.NewTest(t, log2.LDebug))
	require.NoError(t, ds.SetDesiredState(ctx, &datastore.DesiredState{
		GatewayEUI: "gw1", AppVersion: "v2", BootVersion: "v1", ConfigEtag: "abc",
	}))

	resp, err := h.Handle(ctx, request(wire.TypeSync, wire.DirectionRequest, "gw1",
		map[string]interface{}{"app": "v1", "boot": "v1", "etag": "abc"}))
	require.NoError(t, err)
	assert.Equal(t, wire.SyncResponse{App: "v2", Boot: true, Etag: true}, resp)

	resp, err = h.Handle(ctx, request(wire.TypeSync, wire.DirectionRequest, "gw1", map[string]interface{}{"app": "v2"}))
	require.NoError(t, err)
	assert.Equal(t, wire.SyncResponse{App: true, Boot: nil, Etag: "abc"}, resp)

	resp, err = h.Handle(ctx, request(wire.TypeSync, wire.DirectionRequest, "unknown", map[string]interface{}{"app": "v1"}))
	require.NoError(t, err)
	assert.Equal(t, wire.SyncResponse{}, resp)
}

func TestSyncOutage(t *testing.T) {
	t.Parallel()
	ds := datastore.NewMemStore()
	ds.SetOutage(fmt.Errorf("connection refused"))
	h := handler.NewSync(ds, log2.NewTest(t, log2.LDebug))
	r := request(wire.TypeSync, wire.DirectionRequest, "gw1", map[string]interface{}{"app": "v1"})
	_, err := h.Handle(context.Background(), r)
	require.Error(t, err)
	resp := h.Fallback(r, err)
	require.NotNil(t, resp)
	assert.Equal(t, wire.SyncResponse{}, resp)
}

func newConfig(t testing.TB, ds datastore.ConfigStore) *handler.Config {
	h, err := handler.NewConfig(ds, cache.NewTTL("config", handler.DefaultConfigTTL), nil, log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)
	return h
}

func TestEtag(t *testing.T) {
	t.Parallel()
	a := map[string]interface{}{}
	a["Host"] = "mqtt://a:1883"
	a["maxTelegrams"] = int64(10)
	a["nested"] = map[string]interface{}{"x": 1, "y": 2}
	b := map[string]interface{}{}
	b["nested"] = map[string]interface{}{"y": 2, "x": 1}
	b["maxTelegrams"] = int64(10)
	b["Host"] = "mqtt://a:1883"
	ea, err := handler.Etag(a)
	require.NoError(t, err)
	eb, err := handler.Etag(b)
	require.NoError(t, err)
	assert.Equal(t, ea, eb)
	assert.Len(t, ea, 64)

	b["maxTelegrams"] = int64(11)
	ec, err := handler.Etag(b)
	require.NoError(t, err)
	assert.NotEqual(t, ea, ec)
}

func TestMerge(t *testing.T) {
	t.Parallel()
	base := map[string]interface{}{"a": int64(1), "b": int64(2)}
	m := handler.Merge(base, map[string]interface{}{"b": nil, "c": "x", "missing": nil})
	assert.Equal(t, map[string]interface{}{"a": int64(1), "c": "x"}, m)
	assert.Len(t, base, 2, "base is not modified")
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	valid := func() map[string]interface{} { return handler.DefaultFallbackConfig() }
	cases := []struct {
		name  string
		key   string
		value interface{}
		ok    bool
	}{
		{"default", "", nil, true},
		{"mqtts", "Host", "mqtts://broker.example:8883", true},
		{"wss", "Host", "wss://broker.example/mqtt", true},
		{"http", "Host", "http://broker.example", false},
		{"no-host", "Host", "mqtt://", false},
		{"host-int", "Host", int64(5), false},
		{"cron-6", "listenCron", "0 */15 * * * *", true},
		{"cron-3", "listenCron", "* * *", false},
		{"telegrams-0", "maxTelegrams", int64(0), false},
		{"telegrams-1000", "maxTelegrams", int64(1000), true},
		{"telegrams-1001", "maxTelegrams", int64(1001), false},
		{"telegrams-float", "maxTelegrams", 2.5, false},
		{"delay-3601", "RndDelay", int64(3601), false},
		{"delay-0", "RndDelay", int64(0), true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			m := valid()
			if c.key != "" {
				m[c.key] = c.value
			}
			err := handler.ValidateConfig(m)
			if c.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.IsNotValid(err), "err=%v", err)
			}
		})
	}

	m := valid()
	delete(m, "Host")
	m["RndDelay"] = int64(-1)
	err := handler.ValidateConfig(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Host")
	assert.Contains(t, err.Error(), "RndDelay")
}

func TestConfigResolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ds := datastore.NewMemStore()
	h := newConfig(t, ds)

	base := map[string]interface{}{
		"Host":         "mqtt://broker:1883",
		"UseLtem":      false,
		"maxTelegrams": int64(200),
		"debug":        true,
	}
	cv, err := h.CreateConfigVersion(ctx, base, "initial", "test")
	require.NoError(t, err)
	cv2, err := h.CreateConfigVersion(ctx, handler.Merge(base, nil), "again", "test")
	require.NoError(t, err)
	assert.Equal(t, cv.Etag, cv2.Etag)

	require.NoError(t, h.SetOverride(ctx, "gw1", "debug", nil))
	require.NoError(t, h.SetOverride(ctx, "gw1", "maxTelegrams", int64(50)))
	resp, err := h.Handle(ctx, request(wire.TypeConfig, wire.DirectionRequest, "gw1", map[string]interface{}{"etag": cv.Etag}))
	require.NoError(t, err)
	cr := resp.(*wire.ConfigResponse)
	assert.Equal(t, cv.Etag, cr.Etag)
	assert.Equal(t, int64(50), cr.Config["maxTelegrams"])
	_, ok := cr.Config["debug"]
	assert.False(t, ok, "null override deletes key")

	// write around handler: cached value stays
	require.NoError(t, ds.SetConfigOverride(ctx, "gw1", "maxTelegrams", int64(70)))
	cr, err = h.Resolve(ctx, "gw1", cv.Etag)
	require.NoError(t, err)
	assert.Equal(t, int64(50), cr.Config["maxTelegrams"])
	// write through handler invalidates gateway prefix
	require.NoError(t, h.SetOverride(ctx, "gw1", "maxTelegrams", int64(80)))
	cr, err = h.Resolve(ctx, "gw1", cv.Etag)
	require.NoError(t, err)
	assert.Equal(t, int64(80), cr.Config["maxTelegrams"])

	cr, err = h.Resolve(ctx, "gw2", cv.Etag)
	require.NoError(t, err)
	assert.Equal(t, int64(200), cr.Config["maxTelegrams"])
	assert.Equal(t, true, cr.Config["debug"])
}

func assertFallbackConfig(t testing.TB, resp interface{}) {
	cr, ok := resp.(*wire.ConfigResponse)
	require.True(t, ok, "resp=%#v", resp)
	for _, key := range []string{"Host", "UseLtem", "listenCron", "maxTelegrams", "RndDelay"} {
		assert.Contains(t, cr.Config, key)
	}
	etag, err := handler.Etag(cr.Config)
	require.NoError(t, err)
	assert.Equal(t, etag, cr.Etag)
}

func TestConfigFallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ds := datastore.NewMemStore()
	h := newConfig(t, ds)

	r := request(wire.TypeConfig, wire.DirectionRequest, "gw1", map[string]interface{}{"etag": "zzzz"})
	_, err := h.Handle(ctx, r)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assertFallbackConfig(t, h.Fallback(r, err))

	cv, err := h.CreateConfigVersion(ctx, map[string]interface{}{"Host": "mqtt://b:1883"}, "", "")
	require.NoError(t, err)
	require.NoError(t, h.SetOverride(ctx, "gw1", "Host", nil))
	r = request(wire.TypeConfig, wire.DirectionRequest, "gw1", map[string]interface{}{"etag": cv.Etag})
	_, err = h.Handle(ctx, r)
	assert.True(t, errors.IsNotValid(err), "merged config without Host")
	assertFallbackConfig(t, h.Fallback(r, err))

	ds.SetOutage(fmt.Errorf("connection refused"))
	r = request(wire.TypeConfig, wire.DirectionRequest, "gw2", map[string]interface{}{"etag": cv.Etag})
	_, err = h.Handle(ctx, r)
	require.Error(t, err)
	assertFallbackConfig(t, h.Fallback(r, err))
}

func TestConfigCustomFallback(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	h, err := handler.NewConfig(datastore.NewMemStore(), cache.NewTTL("c", time.Minute),
		map[string]interface{}{"Host": "mqtts://backup:8883"}, log)
	require.NoError(t, err)
	fb := h.FallbackResponse()
	assert.Equal(t, "mqtts://backup:8883", fb.Config["Host"])
	assert.Equal(t, true, fb.Config["UseLtem"])

	_, err = handler.NewConfig(datastore.NewMemStore(), cache.NewTTL("c", time.Minute),
		map[string]interface{}{"Host": "ftp://x"}, log)
	assert.Error(t, err)
}
