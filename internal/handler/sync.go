package handler

import (
	"context"

	"github.com/juju/errors"
	"github.com/temoto/meterhub/internal/datastore"
	"github.com/temoto/meterhub/log2"
	"github.com/temoto/meterhub/wire"
)

// Sync answers gateway "what should I run" with desired state comparison.
// Read-only.
type Sync struct {
	store datastore.DesiredStates
	log   *log2.Log
}

func NewSync(store datastore.DesiredStates, log *log2.Log) *Sync {
	return &Sync{store: store, log: log}
}

func (*Sync) Urgent() bool { return true }

func (self *Sync) Handle(ctx context.Context, r *Request) (interface{}, error) {
	var req wire.SyncRequest
	if err := wire.DecodePayload(r.Uplink.Payload, &req); err != nil {
		return nil, errors.Annotate(err, "sync")
	}
	ds, err := self.store.DesiredState(ctx, r.EUI())
	if datastore.IsNotFound(err) {
		return wire.SyncResponse{}, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "sync eui=%s", r.EUI())
	}
	return wire.SyncResponse{
		App:  CompareFirmware(req.App, optional(ds.AppVersion)),
		Boot: CompareFirmware(req.Boot, optional(ds.BootVersion)),
		Etag: CompareEtag(req.Etag, optional(ds.ConfigEtag)),
	}, nil
}

// Fallback is "no change" answer: all fields null.
func (self *Sync) Fallback(r *Request, err error) interface{} {
	self.log.Errorf("sync eui=%s fallback err=%v", r.EUI(), err)
	return wire.SyncResponse{}
}

// CompareFirmware returns nil when nothing is desired or current version is unknown,
// true when current equals desired, otherwise desired version.
func CompareFirmware(current, desired *string) interface{} {
	if desired == nil || current == nil {
		return nil
	}
	if *current == *desired {
		return true
	}
	return *desired
}

// CompareEtag is like CompareFirmware but gateway without config gets desired etag.
func CompareEtag(current, desired *string) interface{} {
	if desired == nil {
		return nil
	}
	if current != nil && *current == *desired {
		return true
	}
	return *desired
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
