package datastore

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
)

// MemStore is in-process Datastore for tests and single-box setups without SQL.
// SetOutage makes every call fail, simulates unreachable database.
type MemStore struct {
	mu     sync.Mutex
	outage error

	desired     map[string]DesiredState
	versions    map[string]ConfigVersion
	overrides   map[string]map[string]interface{}
	firmware    map[string]FirmwareVersion // by filename
	deployments map[string]FirmwareDeployment
	downloads   []DownloadLog
	devices     map[string]GatewayDevice
	infoEvents  []GatewayInfoEvent
	statuses    []StatusSnapshot
	alerts      []GatewayAlert
	meters      map[string]Meter
	raws        []RawTelegram
	readings    map[string]Reading
}

var _ Datastore = &MemStore{}

func NewMemStore() *MemStore {
	return &MemStore{
		desired:     make(map[string]DesiredState),
		versions:    make(map[string]ConfigVersion),
		overrides:   make(map[string]map[string]interface{}),
		firmware:    make(map[string]FirmwareVersion),
		deployments: make(map[string]FirmwareDeployment),
		devices:     make(map[string]GatewayDevice),
		meters:      make(map[string]Meter),
		readings:    make(map[string]Reading),
	}
}

func deploymentKey(eui, fwid string) string { return eui + "/" + fwid }
func readingKey(meterID string, ts time.Time) string {
	return meterID + "/" + ts.UTC().Format(time.RFC3339Nano)
}

func (self *MemStore) lock() error {
	self.mu.Lock()
	if self.outage != nil {
		self.mu.Unlock()
		return errors.Annotate(self.outage, "memstore")
	}
	return nil
}

func (self *MemStore) SetOutage(err error) {
	self.mu.Lock()
	self.outage = err
	self.mu.Unlock()
}

func (self *MemStore) Ping(ctx context.Context) error {
	if err := self.lock(); err != nil {
		return err
	}
	self.mu.Unlock()
	return nil
}

func (self *MemStore) Close() error { return nil }

func (self *MemStore) DesiredState(ctx context.Context, eui string) (*DesiredState, error) {
	if err := self.lock(); err != nil {
		return nil, err
	}
	defer self.mu.Unlock()
	ds, ok := self.desired[eui]
	if !ok {
		return nil, errors.NotFoundf("desired state eui=%s", eui)
	}
	return &ds, nil
}

func (self *MemStore) SetDesiredState(ctx context.Context, ds *DesiredState) error {
	if err := self.lock(); err != nil {
		return err
	}
	defer self.mu.Unlock()
	self.desired[ds.GatewayEUI] = *ds
	return nil
}

func (self *MemStore) ConfigVersion(ctx context.Context, etag string) (*ConfigVersion, error) {
	if err := self.lock(); err != nil {
		return nil, err
	}
	defer self.mu.Unlock()
	cv, ok := self.versions[etag]
	if !ok {
		return nil, errors.NotFoundf("config version etag=%s", etag)
	}
	cv.Config = copyMap(cv.Config)
	return &cv, nil
}

func (self *MemStore) PutConfigVersion(ctx context.Context, cv *ConfigVersion) error {
	if err := self.lock(); err != nil {
		return err
	}
	defer self.mu.Unlock()
	if _, ok := self.versions[cv.Etag]; ok {
		return nil
	}
	x := *cv
	x.Config = copyMap(cv.Config)
	self.versions[cv.Etag] = x
	return nil
}

func (self *MemStore) ConfigOverrides(ctx context.Context, eui string) (map[string]interface{}, error) {
	if err := self.lock(); err != nil {
		return nil, err
	}
	defer self.mu.Unlock()
	return copyMap(self.overrides[eui]), nil
}

func (self *MemStore) SetConfigOverride(ctx context.Context, eui, key string, value interface{}) error {
	if err := self.lock(); err != nil {
		return err
	}
	defer self.mu.Unlock()
	o := self.overrides[eui]
	if o == nil {
		o = make(map[string]interface{})
		self.overrides[eui] = o
	}
	o[key] = value
	return nil
}

func (self *MemStore) FirmwareByFilename(ctx context.Context, filename string) (*FirmwareVersion, error) {
	if err := self.lock(); err != nil {
		return nil, err
	}
	defer self.mu.Unlock()
	fv, ok := self.firmware[filename]
	if !ok {
		return nil, errors.NotFoundf("firmware filename=%s", filename)
	}
	return &fv, nil
}

func (self *MemStore) PutFirmware(ctx context.Context, fv *FirmwareVersion) error {
	if err := self.lock(); err != nil {
		return err
	}
	defer self.mu.Unlock()
	self.firmware[fv.Filename] = *fv
	return nil
}

func (self *MemStore) Deployment(ctx context.Context, eui, firmwareID string) (*FirmwareDeployment, error) {
	if err := self.lock(); err != nil {
		return nil, err
	}
	defer self.mu.Unlock()
	d, ok := self.deployments[deploymentKey(eui, firmwareID)]
	if !ok {
		return nil, errors.NotFoundf("deployment eui=%s firmware=%s", eui, firmwareID)
	}
	return &d, nil
}

func (self *MemStore) PutDeployment(ctx context.Context, d *FirmwareDeployment) error {
	if err := self.lock(); err != nil {
		return err
	}
	defer self.mu.Unlock()
	self.deployments[deploymentKey(d.GatewayEUI, d.FirmwareID)] = *d
	return nil
}

func (self *MemStore) UpdateDeployment(ctx context.Context, eui, firmwareID string, f UpdateFunc) error {
	if err := self.lock(); err != nil {
		return err
	}
	defer self.mu.Unlock()
	key := deploymentKey(eui, firmwareID)
	d, ok := self.deployments[key]
	if !ok {
		return errors.NotFoundf("deployment eui=%s firmware=%s", eui, firmwareID)
	}
	if err := f(&d); err != nil {
		return err
	}
	d.UpdatedAt = time.Now()
	self.deployments[key] = d
	return nil
}

func (self *MemStore) AppendDownloadLogs(ctx context.Context, rows []DownloadLog) error {
	if err := self.lock(); err != nil {
		return err
	}
	defer self.mu.Unlock()
	self.downloads = append(self.downloads, rows...)
	return nil
}

func (self *MemStore) DownloadLogs() []DownloadLog {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]DownloadLog(nil), self.downloads...)
}

func (self *MemStore) Device(ctx context.Context, eui string) (*GatewayDevice, error) {
	if err := self.lock(); err != nil {
		return nil, err
	}
	defer self.mu.Unlock()
	d, ok := self.devices[eui]
	if !ok {
		return nil, errors.NotFoundf("device eui=%s", eui)
	}
	return &d, nil
}

func (self *MemStore) CreateDevice(ctx context.Context, d *GatewayDevice) (bool, error) {
	if err := self.lock(); err != nil {
		return false, err
	}
	defer self.mu.Unlock()
	if _, ok := self.devices[d.EUI]; ok {
		return false, nil
	}
	self.devices[d.EUI] = *d
	return true, nil
}

func (self *MemStore) AppendInfoEvent(ctx context.Context, e *GatewayInfoEvent) error {
	if err := self.lock(); err != nil {
		return err
	}
	defer self.mu.Unlock()
	self.infoEvents = append(self.infoEvents, *e)
	return nil
}

func (self *MemStore) InfoEvents() []GatewayInfoEvent {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]GatewayInfoEvent(nil), self.infoEvents...)
}

func (self *MemStore) AppendStatus(ctx context.Context, s *StatusSnapshot) error {
	if err := self.lock(); err != nil {
		return err
	}
	defer self.mu.Unlock()
	self.statuses = append(self.statuses, *s)
	return nil
}

func (self *MemStore) Statuses() []StatusSnapshot {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]StatusSnapshot(nil), self.statuses...)
}

func (self *MemStore) AppendAlerts(ctx context.Context, alerts []GatewayAlert) error {
	if err := self.lock(); err != nil {
		return err
	}
	defer self.mu.Unlock()
	self.alerts = append(self.alerts, alerts...)
	return nil
}

func (self *MemStore) Alerts() []GatewayAlert {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]GatewayAlert(nil), self.alerts...)
}

func (self *MemStore) Meter(ctx context.Context, id string) (*Meter, error) {
	if err := self.lock(); err != nil {
		return nil, err
	}
	defer self.mu.Unlock()
	mt, ok := self.meters[id]
	if !ok {
		return nil, errors.NotFoundf("meter id=%s", id)
	}
	return &mt, nil
}

func (self *MemStore) PutMeter(ctx context.Context, mt *Meter) error {
	if err := self.lock(); err != nil {
		return err
	}
	defer self.mu.Unlock()
	self.meters[mt.ID] = *mt
	return nil
}

func (self *MemStore) ReadingExists(ctx context.Context, meterID string, ts time.Time) (bool, error) {
	if err := self.lock(); err != nil {
		return false, err
	}
	defer self.mu.Unlock()
	_, ok := self.readings[readingKey(meterID, ts)]
	return ok, nil
}

func (self *MemStore) SaveReading(ctx context.Context, raw *RawTelegram, r *Reading) (bool, error) {
	if err := self.lock(); err != nil {
		return false, err
	}
	defer self.mu.Unlock()
	key := readingKey(r.MeterID, r.Timestamp)
	if _, ok := self.readings[key]; ok {
		return false, nil
	}
	self.readings[key] = *r
	self.raws = append(self.raws, *raw)
	return true, nil
}

func (self *MemStore) Readings() []Reading {
	self.mu.Lock()
	defer self.mu.Unlock()
	rs := make([]Reading, 0, len(self.readings))
	for _, r := range self.readings {
		rs = append(rs, r)
	}
	return rs
}

func (self *MemStore) RawTelegrams() []RawTelegram {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]RawTelegram(nil), self.raws...)
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
