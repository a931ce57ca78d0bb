package datastore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestDeploymentTransitions(t *testing.T) {
	t.Parallel()

	d := &FirmwareDeployment{Status: DeploymentScheduled}
	assert.True(t, d.Status.Active())
	d.ChunkDelivered(3, false)
	assert.Equal(t, DeploymentDownloading, d.Status)
	assert.Equal(t, int64(3), d.CurrentChunk)
	d.ChunkDelivered(1, false)
	assert.Equal(t, int64(3), d.CurrentChunk, "current chunk never decreases")

	for i := 1; i < MaxRetryAttempts; i++ {
		d.ChunkFailed()
		assert.Equal(t, DeploymentRetrying, d.Status)
		assert.Equal(t, i, d.RetryCount)
	}
	d.ChunkDelivered(4, false)
	assert.Equal(t, 0, d.RetryCount)
	assert.Equal(t, DeploymentDownloading, d.Status)

	for i := 0; i < MaxRetryAttempts; i++ {
		d.ChunkFailed()
	}
	assert.Equal(t, DeploymentFailed, d.Status)
	assert.False(t, d.Status.Active())

	d2 := &FirmwareDeployment{Status: DeploymentDownloading, CurrentChunk: 8}
	d2.ChunkDelivered(9, true)
	assert.Equal(t, DeploymentCompleted, d2.Status)
	assert.False(t, d2.Status.Active())
}

func TestFirmwareAllows(t *testing.T) {
	t.Parallel()

	fv := &FirmwareVersion{DeploymentType: DeploymentTypeAvailable}
	assert.True(t, fv.Allows("any"))
	fv.AllowedGateways = []string{"a", "b"}
	assert.True(t, fv.Allows("b"))
	assert.False(t, fv.Allows("c"))
	fv.DeploymentType = DeploymentTypeScheduled
	assert.False(t, fv.Allows("a"))
}

func TestMemStoreNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()

	_, err := s.DesiredState(ctx, "x")
	assert.True(t, IsNotFound(err))
	_, err = s.ConfigVersion(ctx, "zzzz")
	assert.True(t, IsNotFound(err))
	_, err = s.FirmwareByFilename(ctx, "a.bin")
	assert.True(t, IsNotFound(err))
	err = s.UpdateDeployment(ctx, "x", "fw", func(*FirmwareDeployment) error { return nil })
	assert.True(t, IsNotFound(err))
	_, err = s.Meter(ctx, "m")
	assert.True(t, IsNotFound(err))
}

func TestMemStoreInactiveFirmware(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.PutFirmware(ctx, &FirmwareVersion{ID: "fw1", Filename: "a.bin"}))
	fv, err := s.FirmwareByFilename(ctx, "a.bin")
	require.NoError(t, err, "inactive record is returned")
	assert.False(t, fv.IsActive)
}

func TestMemStoreOutage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Ping(ctx))
	s.SetOutage(fmt.Errorf("connection refused"))

	err := s.Ping(ctx)
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
	_, err = s.DesiredState(ctx, "x")
	assert.Error(t, err)
	assert.False(t, IsNotFound(err))
	assert.Error(t, s.SetConfigOverride(ctx, "x", "k", 1))
}

func TestMemStoreCreateDeviceInsertOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()

	created, err := s.CreateDevice(ctx, &GatewayDevice{EUI: "gw", IMEI: "1"})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.CreateDevice(ctx, &GatewayDevice{EUI: "gw", IMEI: "2"})
	require.NoError(t, err)
	assert.False(t, created)
	d, err := s.Device(ctx, "gw")
	require.NoError(t, err)
	assert.Equal(t, "1", d.IMEI)
}

func TestMemStoreSaveReadingDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	const N = 10
	wg := sync.WaitGroup{}
	wg.Add(N)
	results := make(chan bool, N)
	for i := 0; i < N; i++ {
		go func() {
			defer wg.Done()
			raw := &RawTelegram{ID: uuid.New(), MeterID: "12345678", Hex: "00"}
			stored, err := s.SaveReading(ctx, raw, &Reading{MeterID: "12345678", Timestamp: ts})
			assert.NoError(t, err)
			results <- stored
		}()
	}
	wg.Wait()
	close(results)
	n := 0
	for stored := range results {
		if stored {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.Len(t, s.Readings(), 1)
	assert.Len(t, s.RawTelegrams(), 1)
	exists, err := s.ReadingExists(ctx, "12345678", ts.In(time.FixedZone("x", 3600)))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMemStoreConfigVersionIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.PutConfigVersion(ctx, &ConfigVersion{Etag: "e", Config: map[string]interface{}{"a": int64(1)}, Description: "first"}))
	require.NoError(t, s.PutConfigVersion(ctx, &ConfigVersion{Etag: "e", Config: map[string]interface{}{"a": int64(1)}, Description: "second"}))
	cv, err := s.ConfigVersion(ctx, "e")
	require.NoError(t, err)
	assert.Equal(t, "first", cv.Description)
	cv.Config["a"] = int64(2)
	cv2, _ := s.ConfigVersion(ctx, "e")
	assert.Equal(t, int64(1), cv2.Config["a"], "returned map must be a copy")
}

func TestGormHelpers(t *testing.T) {
	t.Parallel()

	err := notFound(gorm.ErrRecordNotFound, "meter id=%s", "m")
	assert.True(t, errors.IsNotFound(err))
	err = notFound(fmt.Errorf("timeout"), "meter id=%s", "m")
	assert.False(t, errors.IsNotFound(err))
	assert.Contains(t, err.Error(), "meter id=m")

	m, err := fromJSONMap(toJSON(map[string]interface{}{"n": 5, "f": 1.5, "s": "x", "z": nil}))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"n": int64(5), "f": 1.5, "s": "x", "z": nil}, m)
	m, err = fromJSONMap(nil)
	require.NoError(t, err)
	assert.Empty(t, m)
	_, err = fromJSONMap([]byte(`[1]`))
	assert.Error(t, err)

	var fw FirmwareDetails
	require.NoError(t, fromJSON(nil, &fw))
	require.NoError(t, fromJSON(toJSON(FirmwareDetails{App: "1.2.3"}), &fw))
	assert.Equal(t, "1.2.3", fw.App)
	var reboot RebootDetails
	assert.Error(t, fromJSON([]byte(`{"reason":`), &reboot))
}
