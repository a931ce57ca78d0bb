package firmware

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/meterhub/helpers"
	"github.com/temoto/meterhub/internal/datastore"
	"github.com/temoto/meterhub/log2"
	"github.com/temoto/spq"
)

const auditStoreTimeout = 10 * time.Second

// Audit persists download log rows through durable local queue,
// so firmware requests never wait for database.
type Audit struct {
	q       *spq.Queue
	store   datastore.FirmwareCatalog
	log     *log2.Log
	alive   *alive.Alive
	backoff helpers.Backoff
	stored  uint64
	failed  uint64
}

// OpenAudit path=spq.OnlyForTesting for in-memory queue.
func OpenAudit(path string, store datastore.FirmwareCatalog, log *log2.Log) (*Audit, error) {
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "audit queue path=%s", path)
	}
	a := &Audit{
		q:     q,
		store: store,
		log:   log,
		alive: alive.NewAlive(),
		backoff: helpers.Backoff{
			Min: 100 * time.Millisecond,
			Max: 30 * time.Second,
			K:   2,
		},
	}
	a.alive.Add(1)
	go a.worker()
	return a, nil
}

func (self *Audit) Record(row datastore.DownloadLog) error {
	b, err := json.Marshal(row)
	if err != nil {
		return errors.Annotate(err, "audit encode")
	}
	return errors.Annotate(self.q.Push(b), "audit push")
}

// Stats returns rows stored into datastore and failed attempts.
func (self *Audit) Stats() (stored, failed uint64) {
	return atomic.LoadUint64(&self.stored), atomic.LoadUint64(&self.failed)
}

func (self *Audit) Close() error {
	self.alive.Stop()
	err := self.q.Close()
	self.alive.Wait()
	return errors.Annotate(err, "audit close")
}

func (self *Audit) worker() {
	defer self.alive.Done()
	for {
		box, err := self.q.Peek()
		switch err {
		case nil:
			b := box.Bytes()
			var del bool
			del, err = self.handle(b)
			if err != nil {
				atomic.AddUint64(&self.failed, 1)
				self.log.Errorf("audit handle b=%s err=%v", b, err)
			}
			if del {
				if err = self.q.Delete(box); err != nil {
					self.log.Errorf("audit Delete err=%v", err)
				}
			} else {
				if err = self.q.DeletePush(box); err != nil {
					self.log.Errorf("audit DeletePush err=%v", err)
				}
			}
			if del {
				self.backoff.Reset()
			} else if !self.sleep(self.backoff.DelayAfter(false)) {
				return
			}

		case spq.ErrClosed:
			if self.alive.IsRunning() {
				self.log.Errorf("CRITICAL audit queue closed unexpectedly")
			}
			return

		default:
			self.log.Errorf("CRITICAL audit queue err=%v", err)
			if !self.sleep(self.backoff.DelayAfter(false)) {
				return
			}
		}
	}
}

// handle returns true when item is done: stored or undecodable.
func (self *Audit) handle(b []byte) (bool, error) {
	var row datastore.DownloadLog
	if err := json.Unmarshal(b, &row); err != nil {
		return true, errors.Annotate(err, "decode, dropped")
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditStoreTimeout)
	defer cancel()
	if err := self.store.AppendDownloadLogs(ctx, []datastore.DownloadLog{row}); err != nil {
		return false, err
	}
	atomic.AddUint64(&self.stored, 1)
	return true, nil
}

func (self *Audit) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-self.alive.StopChan():
		return false
	}
}
