package handler

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/meterhub/internal/cache"
	"github.com/temoto/meterhub/internal/datastore"
	"github.com/temoto/meterhub/internal/firmware"
	"github.com/temoto/meterhub/internal/metrics"
	"github.com/temoto/meterhub/log2"
	"github.com/temoto/meterhub/wire"
)

const (
	DefaultFirmwareMetaTTL = 5 * time.Minute
	MaxFilenameLength      = 128
)

var firmwareExtensions = map[string]bool{".bin": true, ".hex": true, ".img": true, ".fw": true}

type Auditor interface {
	Record(row datastore.DownloadLog) error
}

type FirmwareOptions struct {
	AllowUnregistered bool
}

// Firmware serves chunk requests to authorized gateways.
type Firmware struct {
	store    *firmware.Store
	catalog  datastore.FirmwareCatalog
	meta     *cache.Loader
	progress *firmware.Progress
	audit    Auditor
	metrics  *metrics.Metrics
	opt      FirmwareOptions
	log      *log2.Log
}

// catalogEntry caches negative lookups too: fv=nil means unregistered.
type catalogEntry struct {
	fv *datastore.FirmwareVersion
}

func NewFirmware(store *firmware.Store, catalog datastore.FirmwareCatalog, metaCache cache.Cache, progress *firmware.Progress, audit Auditor, m *metrics.Metrics, opt FirmwareOptions, log *log2.Log) *Firmware {
	return &Firmware{
		store:    store,
		catalog:  catalog,
		meta:     cache.NewLoader(metaCache),
		progress: progress,
		audit:    audit,
		metrics:  m,
		opt:      opt,
		log:      log,
	}
}

func (*Firmware) Urgent() bool { return true }

// Fallback maps error code to protocol error response.
func (self *Firmware) Fallback(r *Request, err error) interface{} {
	code := firmware.CodeOf(err)
	if code == "" {
		code = firmware.CodeUnknown
	}
	self.log.Debugf("firmware eui=%s code=%s err=%v", r.EUI(), code, err)
	return wire.FirmwareError(string(code))
}

// Handle returns coded *firmware.Error on any failure, see Fallback.
func (self *Firmware) Handle(ctx context.Context, r *Request) (interface{}, error) {
	eui := r.EUI()
	var req wire.FirmwareRequest
	if err := wire.DecodePayload(r.Uplink.Payload, &req); err != nil {
		return nil, self.failed(ctx, eui, "", -1, nil, nil, firmware.NewError(firmware.CodeUnknown, err))
	}
	chunkNum := int64(-1)
	if req.Chunk != nil {
		chunkNum = *req.Chunk
	}
	if err := ValidateFilename(req.File); err != nil {
		return nil, self.failed(ctx, eui, req.File, chunkNum, nil, nil, err)
	}
	if chunkNum < 0 {
		err := firmware.NewError(firmware.CodeUnknown, errors.NotValidf("chunk=%v", req.Chunk))
		return nil, self.failed(ctx, eui, req.File, chunkNum, nil, nil, err)
	}

	fv, err := self.lookup(ctx, req.File)
	if err != nil {
		return nil, self.failed(ctx, eui, req.File, chunkNum, nil, nil, err)
	}
	dep, err := self.authorize(ctx, eui, req.File, fv)
	if err != nil {
		return nil, self.failed(ctx, eui, req.File, chunkNum, fv, nil, err)
	}
	meta, err := self.store.Meta(ctx, req.File, fv)
	if err != nil {
		return nil, self.failed(ctx, eui, req.File, chunkNum, fv, dep, err)
	}
	chunk, err := self.store.ReadChunk(ctx, meta, chunkNum)
	if err != nil {
		return nil, self.failed(ctx, eui, req.File, chunkNum, fv, dep, err)
	}

	if dep != nil {
		err = self.catalog.UpdateDeployment(ctx, eui, dep.FirmwareID, func(d *datastore.FirmwareDeployment) error {
			d.ChunkDelivered(chunk.Number, chunk.IsLast)
			return nil
		})
		if err != nil {
			self.log.Errorf("firmware eui=%s deployment update err=%v", eui, errors.ErrorStack(err))
		}
	}
	self.progress.Record(eui, progressID(req.File, fv), chunk.Number)
	self.record(eui, req.File, chunk.Number, fv, nil)
	self.metrics.FirmwareChunk()
	return wire.FirmwareResponse{
		Chunk:   chunk.Number,
		Total:   meta.TotalChunks,
		Address: chunk.Address,
		Data:    chunk.Hex(),
	}, nil
}

// Progress of gateway download, key is firmware id or filename when unregistered.
func (self *Firmware) Progress() *firmware.Progress { return self.progress }

func progressID(name string, fv *datastore.FirmwareVersion) string {
	if fv != nil && fv.ID != "" {
		return fv.ID
	}
	return name
}

// ValidateFilename accepts only base names with known firmware extension.
func ValidateFilename(name string) error {
	switch {
	case name == "":
		return firmware.Errorf(firmware.CodeFileNotFound, "empty filename")
	case len(name) > MaxFilenameLength:
		return firmware.Errorf(firmware.CodeAccessDenied, "filename length=%d", len(name))
	case strings.ContainsAny(name, "/\\\x00") || strings.Contains(name, ".."):
		return firmware.Errorf(firmware.CodeAccessDenied, "filename=%q", name)
	case !firmwareExtensions[strings.ToLower(path.Ext(name))]:
		return firmware.Errorf(firmware.CodeAccessDenied, "filename=%q extension", name)
	}
	return nil
}

func (self *Firmware) lookup(ctx context.Context, name string) (*datastore.FirmwareVersion, error) {
	v, err := self.meta.Load(name, func() (interface{}, error) {
		fv, err := self.catalog.FirmwareByFilename(ctx, name)
		if datastore.IsNotFound(err) {
			return catalogEntry{}, nil
		}
		if err != nil {
			return nil, err
		}
		return catalogEntry{fv: fv}, nil
	})
	if err != nil {
		return nil, firmware.NewError(firmware.CodeUnknown, errors.Annotatef(err, "catalog filename=%s", name))
	}
	return v.(catalogEntry).fv, nil
}

// authorize returns active deployment if any.
func (self *Firmware) authorize(ctx context.Context, eui, name string, fv *datastore.FirmwareVersion) (*datastore.FirmwareDeployment, error) {
	if fv == nil {
		if self.opt.AllowUnregistered {
			return nil, nil
		}
		return nil, firmware.Errorf(firmware.CodeFirmwareNotFound, "filename=%s not registered", name)
	}
	if !fv.IsActive {
		return nil, firmware.Errorf(firmware.CodeFirmwareNotFound, "filename=%s firmware=%s inactive", name, fv.ID)
	}
	dep, err := self.catalog.Deployment(ctx, eui, fv.ID)
	switch {
	case datastore.IsNotFound(err):
		dep = nil
	case err != nil:
		return nil, firmware.NewError(firmware.CodeUnknown, errors.Annotatef(err, "deployment eui=%s", eui))
	case dep.Status.Active():
		return dep, nil
	}
	if fv.Allows(eui) {
		return nil, nil
	}
	if dep != nil {
		return nil, firmware.Errorf(firmware.CodeNotScheduled, "eui=%s firmware=%s deployment status=%s", eui, fv.ID, dep.Status)
	}
	if fv.DeploymentType == datastore.DeploymentTypeAvailable {
		return nil, firmware.Errorf(firmware.CodeUnauthorized, "eui=%s firmware=%s not allowed", eui, fv.ID)
	}
	return nil, firmware.Errorf(firmware.CodeNotScheduled, "eui=%s firmware=%s", eui, fv.ID)
}

func (self *Firmware) failed(ctx context.Context, eui, name string, chunk int64, fv *datastore.FirmwareVersion, dep *datastore.FirmwareDeployment, err error) error {
	if dep != nil {
		uerr := self.catalog.UpdateDeployment(ctx, eui, dep.FirmwareID, func(d *datastore.FirmwareDeployment) error {
			d.ChunkFailed()
			return nil
		})
		if uerr != nil {
			self.log.Errorf("firmware eui=%s deployment update err=%v", eui, uerr)
		}
	}
	self.record(eui, name, chunk, fv, err)
	self.metrics.FirmwareError(string(firmware.CodeOf(err)))
	return err
}

func (self *Firmware) record(eui, name string, chunk int64, fv *datastore.FirmwareVersion, err error) {
	if self.audit == nil {
		return
	}
	row := datastore.DownloadLog{
		ID:         uuid.New(),
		GatewayEUI: eui,
		Filename:   name,
		Chunk:      chunk,
		OK:         err == nil,
		ErrorCode:  string(firmware.CodeOf(err)),
		At:         time.Now(),
	}
	if fv != nil {
		row.FirmwareID = fv.ID
	}
	if aerr := self.audit.Record(row); aerr != nil {
		self.log.Errorf("firmware audit eui=%s err=%v", eui, aerr)
	}
}
