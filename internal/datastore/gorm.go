package datastore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/meterhub/log2"
	"github.com/temoto/meterhub/wire"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore is Datastore over PostgreSQL.
// JSON columns are decoded with wire number normalization so integers stay integers.
type GormStore struct {
	db *gorm.DB
}

var _ Datastore = &GormStore{}

type desiredRow struct {
	GatewayEUI  string `gorm:"column:gateway_eui;primaryKey;type:varchar(64)"`
	AppVersion  string `gorm:"column:app_version"`
	BootVersion string `gorm:"column:boot_version"`
	ConfigEtag  string `gorm:"column:config_etag;type:varchar(64)"`
	UpdatedAt   time.Time
}

func (desiredRow) TableName() string { return "desired_states" }

type configVersionRow struct {
	Etag        string         `gorm:"column:etag;primaryKey;type:varchar(64)"`
	Config      datatypes.JSON `gorm:"column:config;type:jsonb;not null"`
	Description string         `gorm:"column:description"`
	CreatedBy   string         `gorm:"column:created_by"`
	CreatedAt   time.Time      `gorm:"column:created_at;index"`
}

func (configVersionRow) TableName() string { return "config_versions" }

type configOverrideRow struct {
	GatewayEUI string         `gorm:"column:gateway_eui;primaryKey;type:varchar(64)"`
	Key        string         `gorm:"column:key;primaryKey"`
	Value      datatypes.JSON `gorm:"column:value;type:jsonb"`
	UpdatedAt  time.Time
}

func (configOverrideRow) TableName() string { return "gateway_config_overrides" }

type firmwareRow struct {
	ID              string         `gorm:"column:id;primaryKey"`
	Filename        string         `gorm:"column:filename;uniqueIndex"`
	Version         string         `gorm:"column:version"`
	Type            string         `gorm:"column:type"`
	Checksum        string         `gorm:"column:checksum;type:varchar(64)"`
	Size            int64          `gorm:"column:size"`
	TotalChunks     int64          `gorm:"column:total_chunks"`
	ChunkSize       int64          `gorm:"column:chunk_size"`
	DeploymentType  string         `gorm:"column:deployment_type;default:scheduled"`
	AllowedGateways datatypes.JSON `gorm:"column:allowed_gateways;type:jsonb"`
	IsActive        bool           `gorm:"column:is_active;index"`
	CreatedAt       time.Time
}

func (firmwareRow) TableName() string { return "firmware_versions" }

type deploymentRow struct {
	GatewayEUI   string `gorm:"column:gateway_eui;primaryKey;type:varchar(64)"`
	FirmwareID   string `gorm:"column:firmware_id;primaryKey"`
	Status       string `gorm:"column:status;type:varchar(20);not null"`
	CurrentChunk int64  `gorm:"column:current_chunk"`
	RetryCount   int    `gorm:"column:retry_count"`
	UpdatedAt    time.Time
}

func (deploymentRow) TableName() string { return "firmware_deployments" }

type downloadLogRow struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	GatewayEUI string    `gorm:"column:gateway_eui;index"`
	FirmwareID string    `gorm:"column:firmware_id"`
	Filename   string    `gorm:"column:filename"`
	Chunk      int64     `gorm:"column:chunk"`
	OK         bool      `gorm:"column:ok"`
	ErrorCode  string    `gorm:"column:error_code"`
	At         time.Time `gorm:"column:at;index"`
}

func (downloadLogRow) TableName() string { return "firmware_download_logs" }

type deviceRow struct {
	EUI          string         `gorm:"column:eui;primaryKey;type:varchar(64)"`
	Model        string         `gorm:"column:model"`
	IMEI         string         `gorm:"column:imei"`
	IMSI         string         `gorm:"column:imsi"`
	ICCID        string         `gorm:"column:iccid"`
	Firmware     datatypes.JSON `gorm:"column:firmware;type:jsonb"`
	Reboot       datatypes.JSON `gorm:"column:reboot;type:jsonb"`
	Capabilities datatypes.JSON `gorm:"column:capabilities;type:jsonb"`
	CreatedAt    time.Time
}

func (deviceRow) TableName() string { return "gateway_devices" }

type jsonEventRow struct {
	ID         uuid.UUID      `gorm:"column:id;type:uuid;primaryKey"`
	GatewayEUI string         `gorm:"column:gateway_eui;index"`
	Data       datatypes.JSON `gorm:"column:data;type:jsonb"`
	At         time.Time      `gorm:"column:at;index"`
}

type infoEventRow struct{ jsonEventRow }

func (infoEventRow) TableName() string { return "gateway_info_events" }

type statusRow struct{ jsonEventRow }

func (statusRow) TableName() string { return "gateway_status_snapshots" }

type alertRow struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	GatewayEUI string    `gorm:"column:gateway_eui;index"`
	Kind       string    `gorm:"column:kind"`
	Severity   string    `gorm:"column:severity"`
	Message    string    `gorm:"column:message"`
	Value      float64   `gorm:"column:value"`
	At         time.Time `gorm:"column:at;index"`
}

func (alertRow) TableName() string { return "gateway_alerts" }

type meterRow struct {
	ID           string `gorm:"column:id;primaryKey"`
	Key          string `gorm:"column:key"`
	Manufacturer string `gorm:"column:manufacturer"`
	Medium       string `gorm:"column:medium"`
}

func (meterRow) TableName() string { return "meters" }

type rawTelegramRow struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	GatewayEUI string    `gorm:"column:gateway_eui;index"`
	MeterID    string    `gorm:"column:meter_id;index"`
	Hex        string    `gorm:"column:hex"`
	RSSI       int64     `gorm:"column:rssi"`
	ReceivedAt time.Time `gorm:"column:received_at"`
}

func (rawTelegramRow) TableName() string { return "raw_telegrams" }

type readingRow struct {
	MeterID      string         `gorm:"column:meter_id;primaryKey"`
	Timestamp    time.Time      `gorm:"column:ts;primaryKey"`
	GatewayEUI   string         `gorm:"column:gateway_eui"`
	Values       datatypes.JSON `gorm:"column:values;type:jsonb"`
	Manufacturer string         `gorm:"column:manufacturer"`
	Medium       string         `gorm:"column:medium"`
}

func (readingRow) TableName() string { return "readings" }

func allRows() []interface{} {
	return []interface{}{
		&desiredRow{}, &configVersionRow{}, &configOverrideRow{},
		&firmwareRow{}, &deploymentRow{}, &downloadLogRow{},
		&deviceRow{}, &infoEventRow{}, &statusRow{}, &alertRow{},
		&meterRow{}, &rawTelegramRow{}, &readingRow{},
	}
}

func OpenGorm(dsn string, log *log2.Log) (*GormStore, error) {
	gl := logger.Discard
	if log != nil {
		gl = logger.New(log, logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gl})
	if err != nil {
		return nil, errors.Annotate(err, "datastore open")
	}
	return &GormStore{db: db}, nil
}

func (self *GormStore) Migrate() error {
	return errors.Annotate(self.db.AutoMigrate(allRows()...), "datastore migrate")
}

func (self *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := self.db.DB()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotate(sqlDB.PingContext(ctx), "datastore ping")
}

func (self *GormStore) Close() error {
	sqlDB, err := self.db.DB()
	if err != nil {
		return errors.Trace(err)
	}
	return sqlDB.Close()
}

func notFound(err error, format string, args ...interface{}) error {
	if err == gorm.ErrRecordNotFound {
		return errors.NotFoundf(format, args...)
	}
	return errors.Annotatef(err, format, args...)
}

func toJSON(v interface{}) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		panic("code error json.Marshal: " + err.Error())
	}
	return datatypes.JSON(b)
}

// fromJSON leaves v untouched for empty column.
func fromJSON(b datatypes.JSON, v interface{}) error {
	if len(b) == 0 {
		return nil
	}
	return errors.Annotate(json.Unmarshal(b, v), "jsonb decode")
}

func fromJSONMap(b datatypes.JSON) (map[string]interface{}, error) {
	if len(b) == 0 {
		return map[string]interface{}{}, nil
	}
	v, err := wire.ParseJSON(b)
	if err != nil {
		return nil, errors.Annotate(err, "jsonb decode")
	}
	if v == nil {
		return map[string]interface{}{}, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("jsonb decode expected object, got %T", v)
	}
	return m, nil
}

func (self *GormStore) DesiredState(ctx context.Context, eui string) (*DesiredState, error) {
	var row desiredRow
	if err := self.db.WithContext(ctx).First(&row, "gateway_eui = ?", eui).Error; err != nil {
		return nil, notFound(err, "desired state eui=%s", eui)
	}
	return &DesiredState{GatewayEUI: row.GatewayEUI, AppVersion: row.AppVersion, BootVersion: row.BootVersion, ConfigEtag: row.ConfigEtag}, nil
}

func (self *GormStore) SetDesiredState(ctx context.Context, ds *DesiredState) error {
	row := desiredRow{GatewayEUI: ds.GatewayEUI, AppVersion: ds.AppVersion, BootVersion: ds.BootVersion, ConfigEtag: ds.ConfigEtag}
	return errors.Annotate(self.db.WithContext(ctx).Save(&row).Error, "set desired state")
}

func (self *GormStore) ConfigVersion(ctx context.Context, etag string) (*ConfigVersion, error) {
	var row configVersionRow
	if err := self.db.WithContext(ctx).First(&row, "etag = ?", etag).Error; err != nil {
		return nil, notFound(err, "config version etag=%s", etag)
	}
	m, err := fromJSONMap(row.Config)
	if err != nil {
		return nil, errors.Annotatef(err, "config version etag=%s", etag)
	}
	return &ConfigVersion{Etag: row.Etag, Config: m, Description: row.Description, CreatedBy: row.CreatedBy, CreatedAt: row.CreatedAt}, nil
}

func (self *GormStore) PutConfigVersion(ctx context.Context, cv *ConfigVersion) error {
	row := configVersionRow{Etag: cv.Etag, Config: toJSON(cv.Config), Description: cv.Description, CreatedBy: cv.CreatedBy}
	err := self.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	return errors.Annotatef(err, "put config version etag=%s", cv.Etag)
}

func (self *GormStore) ConfigOverrides(ctx context.Context, eui string) (map[string]interface{}, error) {
	var rows []configOverrideRow
	if err := self.db.WithContext(ctx).Find(&rows, "gateway_eui = ?", eui).Error; err != nil {
		return nil, errors.Annotatef(err, "config overrides eui=%s", eui)
	}
	m := make(map[string]interface{}, len(rows))
	for _, row := range rows {
		v, err := wire.ParseJSON(row.Value)
		if err != nil {
			return nil, errors.Annotatef(err, "config override eui=%s key=%s", eui, row.Key)
		}
		m[row.Key] = v
	}
	return m, nil
}

func (self *GormStore) SetConfigOverride(ctx context.Context, eui, key string, value interface{}) error {
	row := configOverrideRow{GatewayEUI: eui, Key: key, Value: toJSON(value)}
	err := self.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	return errors.Annotatef(err, "set config override eui=%s key=%s", eui, key)
}

func (self *GormStore) FirmwareByFilename(ctx context.Context, filename string) (*FirmwareVersion, error) {
	var row firmwareRow
	if err := self.db.WithContext(ctx).First(&row, "filename = ?", filename).Error; err != nil {
		return nil, notFound(err, "firmware filename=%s", filename)
	}
	fv := &FirmwareVersion{
		ID:             row.ID,
		Filename:       row.Filename,
		Version:        row.Version,
		Type:           row.Type,
		Checksum:       row.Checksum,
		Size:           row.Size,
		TotalChunks:    row.TotalChunks,
		ChunkSize:      row.ChunkSize,
		DeploymentType: row.DeploymentType,
		IsActive:       row.IsActive,
	}
	if len(row.AllowedGateways) != 0 {
		if err := json.Unmarshal(row.AllowedGateways, &fv.AllowedGateways); err != nil {
			return nil, errors.Annotatef(err, "firmware filename=%s allowed_gateways", filename)
		}
	}
	return fv, nil
}

func (self *GormStore) PutFirmware(ctx context.Context, fv *FirmwareVersion) error {
	row := firmwareRow{
		ID:              fv.ID,
		Filename:        fv.Filename,
		Version:         fv.Version,
		Type:            fv.Type,
		Checksum:        fv.Checksum,
		Size:            fv.Size,
		TotalChunks:     fv.TotalChunks,
		ChunkSize:       fv.ChunkSize,
		DeploymentType:  fv.DeploymentType,
		AllowedGateways: toJSON(fv.AllowedGateways),
		IsActive:        fv.IsActive,
	}
	return errors.Annotatef(self.db.WithContext(ctx).Save(&row).Error, "put firmware id=%s", fv.ID)
}

func (self *deploymentRow) model() *FirmwareDeployment {
	return &FirmwareDeployment{
		GatewayEUI:   self.GatewayEUI,
		FirmwareID:   self.FirmwareID,
		Status:       DeploymentStatus(self.Status),
		CurrentChunk: self.CurrentChunk,
		RetryCount:   self.RetryCount,
		UpdatedAt:    self.UpdatedAt,
	}
}

func deploymentRowFrom(d *FirmwareDeployment) deploymentRow {
	return deploymentRow{
		GatewayEUI:   d.GatewayEUI,
		FirmwareID:   d.FirmwareID,
		Status:       string(d.Status),
		CurrentChunk: d.CurrentChunk,
		RetryCount:   d.RetryCount,
	}
}

func (self *GormStore) Deployment(ctx context.Context, eui, firmwareID string) (*FirmwareDeployment, error) {
	var row deploymentRow
	err := self.db.WithContext(ctx).First(&row, "gateway_eui = ? AND firmware_id = ?", eui, firmwareID).Error
	if err != nil {
		return nil, notFound(err, "deployment eui=%s firmware=%s", eui, firmwareID)
	}
	return row.model(), nil
}

func (self *GormStore) PutDeployment(ctx context.Context, d *FirmwareDeployment) error {
	row := deploymentRowFrom(d)
	return errors.Annotatef(self.db.WithContext(ctx).Save(&row).Error, "put deployment eui=%s firmware=%s", d.GatewayEUI, d.FirmwareID)
}

func (self *GormStore) UpdateDeployment(ctx context.Context, eui, firmwareID string, f UpdateFunc) error {
	return self.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row deploymentRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "gateway_eui = ? AND firmware_id = ?", eui, firmwareID).Error
		if err != nil {
			return notFound(err, "deployment eui=%s firmware=%s", eui, firmwareID)
		}
		d := row.model()
		if err = f(d); err != nil {
			return err
		}
		row = deploymentRowFrom(d)
		return errors.Annotate(tx.Save(&row).Error, "update deployment")
	})
}

func (self *GormStore) AppendDownloadLogs(ctx context.Context, logs []DownloadLog) error {
	if len(logs) == 0 {
		return nil
	}
	rows := make([]downloadLogRow, len(logs))
	for i, l := range logs {
		rows[i] = downloadLogRow{
			ID:         l.ID,
			GatewayEUI: l.GatewayEUI,
			FirmwareID: l.FirmwareID,
			Filename:   l.Filename,
			Chunk:      l.Chunk,
			OK:         l.OK,
			ErrorCode:  l.ErrorCode,
			At:         l.At,
		}
	}
	// replayed queue items have the same id
	err := self.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	return errors.Annotate(err, "append download logs")
}

func (self *GormStore) Device(ctx context.Context, eui string) (*GatewayDevice, error) {
	var row deviceRow
	if err := self.db.WithContext(ctx).First(&row, "eui = ?", eui).Error; err != nil {
		return nil, notFound(err, "device eui=%s", eui)
	}
	d := &GatewayDevice{EUI: row.EUI, Model: row.Model, IMEI: row.IMEI, IMSI: row.IMSI, ICCID: row.ICCID, CreatedAt: row.CreatedAt}
	if err := fromJSON(row.Firmware, &d.Firmware); err != nil {
		return nil, errors.Annotatef(err, "device eui=%s firmware", eui)
	}
	if err := fromJSON(row.Reboot, &d.Reboot); err != nil {
		return nil, errors.Annotatef(err, "device eui=%s reboot", eui)
	}
	caps, err := fromJSONMap(row.Capabilities)
	if err != nil {
		return nil, errors.Annotatef(err, "device eui=%s capabilities", eui)
	}
	d.Capabilities = caps
	return d, nil
}

func (self *GormStore) CreateDevice(ctx context.Context, d *GatewayDevice) (bool, error) {
	row := deviceRow{
		EUI:          d.EUI,
		Model:        d.Model,
		IMEI:         d.IMEI,
		IMSI:         d.IMSI,
		ICCID:        d.ICCID,
		Firmware:     toJSON(d.Firmware),
		Reboot:       toJSON(d.Reboot),
		Capabilities: toJSON(d.Capabilities),
	}
	result := self.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return false, errors.Annotatef(result.Error, "create device eui=%s", d.EUI)
	}
	return result.RowsAffected == 1, nil
}

func (self *GormStore) AppendInfoEvent(ctx context.Context, e *GatewayInfoEvent) error {
	row := infoEventRow{jsonEventRow{ID: e.ID, GatewayEUI: e.GatewayEUI, Data: toJSON(e.Device), At: e.At}}
	return errors.Annotate(self.db.WithContext(ctx).Create(&row).Error, "append info event")
}

func (self *GormStore) AppendStatus(ctx context.Context, st *StatusSnapshot) error {
	row := statusRow{jsonEventRow{ID: st.ID, GatewayEUI: st.GatewayEUI, Data: toJSON(st), At: st.At}}
	return errors.Annotate(self.db.WithContext(ctx).Create(&row).Error, "append status")
}

func (self *GormStore) AppendAlerts(ctx context.Context, alerts []GatewayAlert) error {
	if len(alerts) == 0 {
		return nil
	}
	rows := make([]alertRow, len(alerts))
	for i, a := range alerts {
		rows[i] = alertRow{ID: a.ID, GatewayEUI: a.GatewayEUI, Kind: a.Kind, Severity: a.Severity, Message: a.Message, Value: a.Value, At: a.At}
	}
	return errors.Annotate(self.db.WithContext(ctx).Create(&rows).Error, "append alerts")
}

func (self *GormStore) Meter(ctx context.Context, id string) (*Meter, error) {
	var row meterRow
	if err := self.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "meter id=%s", id)
	}
	return &Meter{ID: row.ID, Key: row.Key, Manufacturer: row.Manufacturer, Medium: row.Medium}, nil
}

func (self *GormStore) PutMeter(ctx context.Context, m *Meter) error {
	row := meterRow{ID: m.ID, Key: m.Key, Manufacturer: m.Manufacturer, Medium: m.Medium}
	return errors.Annotatef(self.db.WithContext(ctx).Save(&row).Error, "put meter id=%s", m.ID)
}

func (self *GormStore) ReadingExists(ctx context.Context, meterID string, ts time.Time) (bool, error) {
	var n int64
	err := self.db.WithContext(ctx).Model(&readingRow{}).Where("meter_id = ? AND ts = ?", meterID, ts).Count(&n).Error
	return n > 0, errors.Annotatef(err, "reading exists meter=%s", meterID)
}

func (self *GormStore) SaveReading(ctx context.Context, raw *RawTelegram, r *Reading) (bool, error) {
	stored := false
	err := self.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := readingRow{
			MeterID:      r.MeterID,
			Timestamp:    r.Timestamp,
			GatewayEUI:   r.GatewayEUI,
			Values:       toJSON(r.Values),
			Manufacturer: r.Manufacturer,
			Medium:       r.Medium,
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		stored = true
		rawRow := rawTelegramRow{ID: raw.ID, GatewayEUI: raw.GatewayEUI, MeterID: raw.MeterID, Hex: raw.Hex, RSSI: raw.RSSI, ReceivedAt: raw.ReceivedAt}
		return tx.Create(&rawRow).Error
	})
	if err != nil {
		return false, errors.Annotatef(err, "save reading meter=%s", r.MeterID)
	}
	return stored, nil
}
