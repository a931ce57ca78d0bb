// Package datastore is persistence boundary of handlers.
// Missing records are reported with errors.NotFoundf, any other error is transient.
package datastore

import (
	"context"
	"time"

	"github.com/juju/errors"
)

type DesiredStates interface {
	DesiredState(ctx context.Context, eui string) (*DesiredState, error)
	SetDesiredState(ctx context.Context, ds *DesiredState) error
}

type ConfigStore interface {
	ConfigVersion(ctx context.Context, etag string) (*ConfigVersion, error)
	// PutConfigVersion is idempotent on etag.
	PutConfigVersion(ctx context.Context, cv *ConfigVersion) error
	// ConfigOverrides returns per gateway key values; nil value deletes key on merge.
	ConfigOverrides(ctx context.Context, eui string) (map[string]interface{}, error)
	SetConfigOverride(ctx context.Context, eui, key string, value interface{}) error
}

// UpdateFunc mutates deployment in place inside store transaction.
type UpdateFunc func(*FirmwareDeployment) error

type FirmwareCatalog interface {
	// FirmwareByFilename returns inactive records too, NotFound only when absent.
	FirmwareByFilename(ctx context.Context, filename string) (*FirmwareVersion, error)
	PutFirmware(ctx context.Context, fv *FirmwareVersion) error
	Deployment(ctx context.Context, eui, firmwareID string) (*FirmwareDeployment, error)
	PutDeployment(ctx context.Context, d *FirmwareDeployment) error
	// UpdateDeployment is atomic read-modify-write, NotFound when absent.
	UpdateDeployment(ctx context.Context, eui, firmwareID string, f UpdateFunc) error
	AppendDownloadLogs(ctx context.Context, rows []DownloadLog) error
}

type DeviceStore interface {
	Device(ctx context.Context, eui string) (*GatewayDevice, error)
	// CreateDevice inserts only; existing record is kept and created=false.
	CreateDevice(ctx context.Context, d *GatewayDevice) (created bool, err error)
	AppendInfoEvent(ctx context.Context, e *GatewayInfoEvent) error
}

type StatusStore interface {
	AppendStatus(ctx context.Context, s *StatusSnapshot) error
	AppendAlerts(ctx context.Context, alerts []GatewayAlert) error
}

type MeterStore interface {
	Meter(ctx context.Context, id string) (*Meter, error)
	PutMeter(ctx context.Context, m *Meter) error
	ReadingExists(ctx context.Context, meterID string, ts time.Time) (bool, error)
	// SaveReading stores raw and reading unless (meterID, timestamp) exists.
	SaveReading(ctx context.Context, raw *RawTelegram, r *Reading) (stored bool, err error)
}

type Datastore interface {
	DesiredStates
	ConfigStore
	FirmwareCatalog
	DeviceStore
	StatusStore
	MeterStore
	Ping(ctx context.Context) error
	Close() error
}

func IsNotFound(err error) bool { return errors.IsNotFound(err) }
