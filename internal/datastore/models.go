package datastore

import (
	"time"

	"github.com/google/uuid"
)

// DesiredState empty string field means "no opinion".
type DesiredState struct {
	GatewayEUI  string `json:"eui"`
	AppVersion  string `json:"app"`
	BootVersion string `json:"boot"`
	ConfigEtag  string `json:"etag"`
}

// ConfigVersion is immutable, addressed by content hash.
type ConfigVersion struct {
	Etag        string                 `json:"etag"`
	Config      map[string]interface{} `json:"config"`
	Description string                 `json:"description"`
	CreatedBy   string                 `json:"created_by"`
	CreatedAt   time.Time              `json:"created_at"`
}

const (
	DeploymentTypeAvailable = "available"
	DeploymentTypeScheduled = "scheduled"
)

type FirmwareVersion struct {
	ID              string   `json:"id"`
	Filename        string   `json:"filename"`
	Version         string   `json:"version"`
	Type            string   `json:"type"`
	Checksum        string   `json:"checksum"` // hex sha256
	Size            int64    `json:"size"`
	TotalChunks     int64    `json:"total_chunks"`
	ChunkSize       int64    `json:"chunk_size"`
	DeploymentType  string   `json:"deployment_type"`
	AllowedGateways []string `json:"allowed_gateways"`
	IsActive        bool     `json:"is_active"`
}

// Allows reports whether "available" firmware may go to gateway without deployment.
func (self *FirmwareVersion) Allows(eui string) bool {
	if self.DeploymentType != DeploymentTypeAvailable {
		return false
	}
	if len(self.AllowedGateways) == 0 {
		return true
	}
	for _, g := range self.AllowedGateways {
		if g == eui {
			return true
		}
	}
	return false
}

type DeploymentStatus string

const (
	DeploymentScheduled   DeploymentStatus = "scheduled"
	DeploymentDownloading DeploymentStatus = "downloading"
	DeploymentRetrying    DeploymentStatus = "retrying"
	DeploymentCompleted   DeploymentStatus = "completed"
	DeploymentFailed      DeploymentStatus = "failed"
)

// Active statuses authorize further chunk reads.
func (self DeploymentStatus) Active() bool {
	switch self {
	case DeploymentScheduled, DeploymentDownloading, DeploymentRetrying:
		return true
	}
	return false
}

const MaxRetryAttempts = 5

type FirmwareDeployment struct {
	GatewayEUI   string           `json:"eui"`
	FirmwareID   string           `json:"firmware_id"`
	Status       DeploymentStatus `json:"status"`
	CurrentChunk int64            `json:"current_chunk"`
	RetryCount   int              `json:"retry_count"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// ChunkDelivered advances deployment after successful chunk read.
func (self *FirmwareDeployment) ChunkDelivered(chunk int64, isLast bool) {
	if chunk > self.CurrentChunk {
		self.CurrentChunk = chunk
	}
	self.RetryCount = 0
	self.Status = DeploymentDownloading
	if isLast {
		self.Status = DeploymentCompleted
	}
}

// ChunkFailed counts failed attempt, gives up after MaxRetryAttempts.
func (self *FirmwareDeployment) ChunkFailed() {
	self.RetryCount++
	self.Status = DeploymentRetrying
	if self.RetryCount >= MaxRetryAttempts {
		self.Status = DeploymentFailed
	}
}

type DownloadLog struct {
	ID         uuid.UUID `json:"id"`
	GatewayEUI string    `json:"eui"`
	FirmwareID string    `json:"firmware_id"`
	Filename   string    `json:"filename"`
	Chunk      int64     `json:"chunk"`
	OK         bool      `json:"ok"`
	ErrorCode  string    `json:"error_code,omitempty"`
	At         time.Time `json:"at"`
}

type FirmwareDetails struct {
	App  string `json:"app"`
	Boot string `json:"boot"`
	Raw  string `json:"raw"`
}

type RebootDetails struct {
	Reason string `json:"reason"`
	Raw    string `json:"raw"`
	Etag   string `json:"etag,omitempty"`
}

// GatewayDevice is created once on first sighting, never updated.
type GatewayDevice struct {
	EUI          string                 `json:"eui"`
	Model        string                 `json:"model"`
	IMEI         string                 `json:"imei"`
	IMSI         string                 `json:"imsi"`
	ICCID        string                 `json:"iccid"`
	Firmware     FirmwareDetails        `json:"firmware"`
	Reboot       RebootDetails          `json:"reboot"`
	Capabilities map[string]interface{} `json:"capabilities"`
	CreatedAt    time.Time              `json:"created_at"`
}

type GatewayInfoEvent struct {
	ID         uuid.UUID     `json:"id"`
	GatewayEUI string        `json:"eui"`
	Device     GatewayDevice `json:"device"`
	At         time.Time     `json:"at"`
}

type Battery struct {
	MilliVolts int64  `json:"mv"`
	Percent    int    `json:"percent"`
	Level      string `json:"level"`
}

type Temperature struct {
	Celsius    float64 `json:"c"`
	Fahrenheit float64 `json:"f"`
}

type Signal struct {
	RSRP     float64 `json:"rsrp"` // dBm
	RSRQ     float64 `json:"rsrq"` // dB
	RSSI     int64   `json:"rssi"`
	Strength string  `json:"strength"`
	Quality  string  `json:"quality"`
}

type Network struct {
	Connected  bool   `json:"connected"`
	Operator   string `json:"operator"`
	Technology string `json:"technology"`
	CellID     string `json:"cell_id"`
}

type Collection struct {
	Telegrams      int64     `json:"telegrams"`
	Meters         int64     `json:"meters"`
	LastCollection time.Time `json:"last_collection"`
}

type TimeSync struct {
	GatewayTime time.Time `json:"gateway_time"`
	OffsetSec   int64     `json:"offset_sec"`
	Synced      bool      `json:"synced"`
}

type StatusSnapshot struct {
	ID          uuid.UUID   `json:"id"`
	GatewayEUI  string      `json:"eui"`
	At          time.Time   `json:"at"`
	UptimeSec   int64       `json:"uptime_sec"`
	Battery     Battery     `json:"battery"`
	Temperature Temperature `json:"temperature"`
	Signal      Signal      `json:"signal"`
	Network     Network     `json:"network"`
	Collection  Collection  `json:"collection"`
	TimeSync    TimeSync    `json:"time_sync"`
}

type GatewayAlert struct {
	ID         uuid.UUID `json:"id"`
	GatewayEUI string    `json:"eui"`
	Kind       string    `json:"kind"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	Value      float64   `json:"value"`
	At         time.Time `json:"at"`
}

type Meter struct {
	ID           string `json:"id"`
	Key          string `json:"key"` // hex AES-128
	Manufacturer string `json:"manufacturer"`
	Medium       string `json:"medium"`
}

type RawTelegram struct {
	ID         uuid.UUID `json:"id"`
	GatewayEUI string    `json:"eui"`
	MeterID    string    `json:"meter_id"`
	Hex        string    `json:"hex"`
	RSSI       int64     `json:"rssi"`
	ReceivedAt time.Time `json:"received_at"`
}

type Value struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

type Reading struct {
	MeterID      string    `json:"meter_id"`
	GatewayEUI   string    `json:"eui"`
	Timestamp    time.Time `json:"ts"`
	Values       []Value   `json:"values"`
	Manufacturer string    `json:"manufacturer"`
	Medium       string    `json:"medium"`
}
