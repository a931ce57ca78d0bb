package handler_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/meterhub/internal/cache"
	"github.com/temoto/meterhub/internal/datastore"
	"github.com/temoto/meterhub/internal/handler"
	"github.com/temoto/meterhub/log2"
	"github.com/temoto/meterhub/wire"
)

func bootInfo() map[string]interface{} {
	return map[string]interface{}{
		"eui":    "gw1",
		"model":  "MH-200",
		"imei":   "356938035643809",
		"imsi":   "250011234567890",
		"iccid":  "8970101234567890123",
		"fw":     "app:1.4.2 boot:0.9",
		"reboot": "power_on",
		"caps":   map[string]interface{}{"ltem": true},
	}
}

func TestParseReboot(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw    string
		reason string
	}{
		{"power_on", handler.RebootPowerOn},
		{"PowerOn", handler.RebootPowerOn},
		{"POR", handler.RebootPowerOn},
		{"watchdog", handler.RebootWatchdog},
		{"WDT reset", handler.RebootWatchdog},
		{"software reset", handler.RebootSoftware},
		{"sw", handler.RebootSoftware},
		{"fw_update", handler.RebootFirmwareUpdate},
		{"firmware update", handler.RebootFirmwareUpdate},
		{"OTA", handler.RebootFirmwareUpdate},
		{"config_update", handler.RebootConfigUpdate},
		{"brownout", handler.RebootBrownout},
		{"BOD", handler.RebootBrownout},
		{"", handler.RebootUnknown},
		{"cosmic ray", handler.RebootUnknown},
	}
	for _, c := range cases {
		d := handler.ParseReboot(c.raw)
		assert.Equal(t, c.reason, d.Reason, c.raw)
		assert.Equal(t, c.raw, d.Raw)
	}
}

func TestParseFirmwareVersion(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw, app, boot string
	}{
		{"app:1.4.2 boot:0.9", "1.4.2", "0.9"},
		{"APP=2.0, BOOT=1.1", "2.0", "1.1"},
		{"1.4.2/0.9", "1.4.2", "0.9"},
		{"v3.1", "3.1", ""},
		{"nightly-build", "", ""},
		{"", "", ""},
	}
	for _, c := range cases {
		d := handler.ParseFirmwareVersion(c.raw)
		assert.Equal(t, c.app, d.App, c.raw)
		assert.Equal(t, c.boot, d.Boot, c.raw)
		assert.Equal(t, c.raw, d.Raw)
	}
}

func newDeviceInfo(t testing.TB) (*handler.DeviceInfo, *datastore.MemStore) {
	ds := datastore.NewMemStore()
	return handler.NewDeviceInfo(ds, cache.NewTTL("device", handler.DefaultDeviceSeenTTL), log2.NewTest(t, log2.LDebug)), ds
}

func TestDeviceInfoDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h, ds := newDeviceInfo(t)

	_, err := h.Handle(ctx, request(wire.TypeInfo, wire.DirectionUp, "gw1", bootInfo()))
	require.NoError(t, err)
	_, err = h.Handle(ctx, request(wire.TypeInfo, wire.DirectionUp, "gw1", bootInfo()))
	require.NoError(t, err)
	assert.Len(t, ds.InfoEvents(), 1, "identical uplink within TTL is skipped")

	dev, err := ds.Device(ctx, "gw1")
	require.NoError(t, err)
	assert.Equal(t, "MH-200", dev.Model)
	assert.Equal(t, "1.4.2", dev.Firmware.App)
	assert.Equal(t, "0.9", dev.Firmware.Boot)
	assert.Equal(t, handler.RebootPowerOn, dev.Reboot.Reason)
	assert.Equal(t, true, dev.Capabilities["ltem"])

	// SIM swap: persisted as event, device record stays
	swapped := bootInfo()
	swapped["iccid"] = "8970109999999999999"
	_, err = h.Handle(ctx, request(wire.TypeInfo, wire.DirectionUp, "gw1", swapped))
	require.NoError(t, err)
	assert.Len(t, ds.InfoEvents(), 2)
	dev, err = ds.Device(ctx, "gw1")
	require.NoError(t, err)
	assert.Equal(t, "8970101234567890123", dev.ICCID)
}

func TestDeviceInfoValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h, ds := newDeviceInfo(t)

	cases := []struct {
		name   string
		modify func(m map[string]interface{})
	}{
		{"eui-mismatch", func(m map[string]interface{}) { m["eui"] = "gw2" }},
		{"imei-short", func(m map[string]interface{}) { m["imei"] = "12345" }},
		{"imei-letters", func(m map[string]interface{}) { m["imei"] = "35693803564380X" }},
		{"iccid-missing", func(m map[string]interface{}) { delete(m, "iccid") }},
		{"ack-without-etag", func(m map[string]interface{}) { m["reboot"] = "config_update" }},
	}
	for _, c := range cases {
		m := bootInfo()
		c.modify(m)
		_, err := h.Handle(ctx, request(wire.TypeInfo, wire.DirectionUp, "gw1", m))
		assert.True(t, errors.IsNotValid(err), "%s err=%v", c.name, err)
	}
	_, err := h.Handle(ctx, request(wire.TypeInfo, wire.DirectionUp, "gw1", "garbage"))
	assert.Error(t, err)
	assert.Empty(t, ds.InfoEvents())
}

func TestDeviceInfoConfigAck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h, ds := newDeviceInfo(t)
	ack := map[string]interface{}{"eui": "gw1", "reboot": "config_update", "etag": "abc"}
	_, err := h.Handle(ctx, request(wire.TypeInfo, wire.DirectionUp, "gw1", ack))
	require.NoError(t, err)
	events := ds.InfoEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "abc", events[0].Device.Reboot.Etag)
	_, err = ds.Device(ctx, "gw1")
	assert.True(t, datastore.IsNotFound(err), "ack does not create device record")
}

func TestDeviceInfoOutage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h, ds := newDeviceInfo(t)
	ds.SetOutage(fmt.Errorf("connection refused"))
	_, err := h.Handle(ctx, request(wire.TypeInfo, wire.DirectionUp, "gw1", bootInfo()))
	require.Error(t, err)

	ds.SetOutage(nil)
	_, err = h.Handle(ctx, request(wire.TypeInfo, wire.DirectionUp, "gw1", bootInfo()))
	require.NoError(t, err)
	assert.Len(t, ds.InfoEvents(), 1, "failed attempt is not remembered as seen")
}
