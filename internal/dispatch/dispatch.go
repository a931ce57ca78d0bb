// Package dispatch turns inbound MQTT messages into handler calls and,
// for urgent message types, downlink responses within gateway timeout.
//
// Contract:
//   - every message runs in own goroutine, there is no central lock
//   - malformed topic or envelope is logged, counted and dropped
//   - urgent route always publishes a response: handler result, or its Fallback
//     on error or deadline
//   - non-urgent errors are logged, never retried
//   - Close stops intake and waits for in-flight messages
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/meterhub/helpers"
	"github.com/temoto/meterhub/internal/handler"
	"github.com/temoto/meterhub/internal/metrics"
	"github.com/temoto/meterhub/log2"
	"github.com/temoto/meterhub/wire"
)

// DefaultUrgentDeadline leaves margin under gateway 5s response timeout.
const DefaultUrgentDeadline = 4500 * time.Millisecond

const DefaultPublishTimeout = 10 * time.Second

const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeUnroutable  = "unroutable"
	OutcomeDecodeError = "decode_error"
	OutcomeInvalid     = "invalid"
	OutcomeNoRoute     = "no_route"
	OutcomeShutdown    = "shutdown"

	DownlinkOK           = "ok"
	DownlinkFallback     = "fallback"
	DownlinkTimeout      = "timeout"
	DownlinkPublishError = "publish_error"
)

type Publisher interface {
	Publish(ctx context.Context, msg *packet.Message) error
}

type Options struct {
	UrgentDeadline time.Duration
	PublishTimeout time.Duration
}

type Dispatcher struct {
	alive    *alive.Alive
	handlers sync.WaitGroup // urgent handler calls may outlive their message after deadline
	routes   map[handler.Route]handler.Handler
	pub      Publisher
	opt      Options
	metrics  *metrics.Metrics
	log      *log2.Log
	seq      uint32
}

func New(routes map[handler.Route]handler.Handler, pub Publisher, opt Options, m *metrics.Metrics, log *log2.Log) *Dispatcher {
	if pub == nil {
		panic("code error dispatch.New publisher is mandatory")
	}
	for route, h := range routes {
		if _, ok := h.(handler.Fallbacker); h.Urgent() && !ok {
			panic(fmt.Sprintf("code error urgent route=%v handler=%T without Fallback", route, h))
		}
	}
	if opt.UrgentDeadline <= 0 {
		opt.UrgentDeadline = DefaultUrgentDeadline
	}
	if opt.PublishTimeout <= 0 {
		opt.PublishTimeout = DefaultPublishTimeout
	}
	return &Dispatcher{
		alive:   alive.NewAlive(),
		routes:  routes,
		pub:     pub,
		opt:     opt,
		metrics: m,
		log:     log,
	}
}

// OnMessage accepts message for background processing.
// Returns false after Close.
func (self *Dispatcher) OnMessage(ctx context.Context, msg *packet.Message) bool {
	if !self.alive.Add(1) {
		self.log.Errorf("dispatch shutdown, dropped %s", wire.MessageString(msg))
		self.metrics.Message("", OutcomeShutdown)
		return false
	}
	received := time.Now()
	go func() {
		defer self.alive.Done()
		self.Process(ctx, msg, received)
	}()
	return true
}

// Process handles one message synchronously.
func (self *Dispatcher) Process(ctx context.Context, msg *packet.Message, received time.Time) {
	r, outcome, err := self.parse(msg, received)
	if err != nil {
		self.log.Errorf("dispatch drop %s outcome=%s err=%v", wire.MessageString(msg), outcome, err)
		self.metrics.Message(string(r.Topic.Type), outcome)
		return
	}
	h := self.routes[handler.Route{Type: r.Topic.Type, Direction: r.Topic.Direction}]
	if h.Urgent() {
		self.urgent(ctx, h, r)
	} else {
		self.background(ctx, h, r)
	}
}

// parse returns Request with at least Topic filled when route is known.
func (self *Dispatcher) parse(msg *packet.Message, received time.Time) (*handler.Request, string, error) {
	r := &handler.Request{Received: received}
	var err error
	if r.Topic, err = wire.ParseTopic(msg.Topic); err != nil {
		return r, OutcomeUnroutable, err
	}
	if _, ok := self.routes[handler.Route{Type: r.Topic.Type, Direction: r.Topic.Direction}]; !ok {
		return r, OutcomeNoRoute, errors.Annotatef(wire.ErrUnroutable, "no route topic=%s", r.Topic)
	}
	m, err := wire.Decode(msg.Payload)
	if err != nil {
		return r, OutcomeDecodeError, err
	}
	if r.Uplink, err = wire.UplinkFromMap(m); err != nil {
		return r, OutcomeInvalid, err
	}
	if r.Uplink.GatewayEUI != r.Topic.GatewayEUI {
		self.log.Infof("dispatch topic=%s envelope eui=%s mismatch, using topic", r.Topic, r.Uplink.GatewayEUI)
	}
	self.log.Debugf("dispatch topic=%s n=%d payload=%s", r.Topic, r.Uplink.Number, wire.EnvelopeString(m))
	return r, "", nil
}

func (self *Dispatcher) background(ctx context.Context, h handler.Handler, r *handler.Request) {
	typ := string(r.Topic.Type)
	start := time.Now()
	err := self.call(ctx, h, r, nil)
	self.metrics.ObserveHandle(typ, time.Since(start))
	if err != nil {
		self.log.Errorf("dispatch topic=%s n=%d err=%v", r.Topic, r.Uplink.Number, err)
		self.metrics.Message(typ, OutcomeError)
		return
	}
	self.metrics.Message(typ, OutcomeOK)
}

// call runs handler, panic is returned as error.
func (self *Dispatcher) call(ctx context.Context, h handler.Handler, r *handler.Request, resp *interface{}) (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = errors.Errorf("handler=%T panic: %v", h, x)
		}
	}()
	var v interface{}
	v, err = h.Handle(ctx, r)
	if resp != nil {
		*resp = v
	}
	return err
}

func (self *Dispatcher) urgent(ctx context.Context, h handler.Handler, r *handler.Request) {
	typ := string(r.Topic.Type)
	start := time.Now()
	resp, kind := self.bounded(ctx, h, r)
	self.metrics.ObserveHandle(typ, time.Since(start))
	if kind == DownlinkOK {
		self.metrics.Message(typ, OutcomeOK)
	} else {
		self.metrics.Message(typ, OutcomeError)
	}
	if err := self.respond(ctx, r, resp); err != nil {
		self.log.Errorf("dispatch topic=%s n=%d respond err=%v", r.Topic, r.Uplink.Number, err)
		kind = DownlinkPublishError
	}
	self.metrics.Downlink(typ, kind)
}

type result struct {
	resp interface{}
	err  error
}

// bounded runs handler racing the urgent deadline.
// Returns response and downlink kind: ok, fallback or timeout.
func (self *Dispatcher) bounded(ctx context.Context, h handler.Handler, r *handler.Request) (interface{}, string) {
	tctx, cancel := context.WithTimeout(ctx, self.opt.UrgentDeadline)
	// handler may outlive deadline, its context is cancelled on return
	defer cancel()
	f := helpers.NewFuture()
	self.handlers.Add(1)
	go func() {
		defer self.handlers.Done()
		var resp interface{}
		err := self.call(tctx, h, r, &resp)
		f.Complete(result{resp: resp, err: err})
	}()

	var res result
	kind := DownlinkFallback
	select {
	case <-f.Completed():
		res = f.Result().(result)
	case <-tctx.Done():
		if f.Cancel(nil) {
			res.err = errors.Timeoutf("handler deadline=%v", self.opt.UrgentDeadline)
			kind = DownlinkTimeout
		} else {
			// completed concurrently with deadline
			res = f.Result().(result)
		}
	}
	if res.err == nil && res.resp == nil {
		res.err = errors.Errorf("handler=%T empty response", h)
	}
	if res.err == nil {
		return res.resp, DownlinkOK
	}
	self.log.Errorf("dispatch topic=%s n=%d err=%v", r.Topic, r.Uplink.Number, res.err)
	fallback := h.(handler.Fallbacker)
	return fallback.Fallback(r, res.err), kind
}

func (self *Dispatcher) respond(ctx context.Context, r *handler.Request, payload interface{}) error {
	dl := &wire.Downlink{
		Number:  self.nextNumber(),
		Request: r.Uplink.Number,
		Payload: payload,
	}
	b, err := wire.EncodeDownlink(dl)
	if err != nil {
		return err
	}
	msg := &packet.Message{
		Topic:   wire.ResponseTopic(r.Topic.Namespace, r.EUI(), r.Topic.Type),
		Payload: b,
		QOS:     packet.QOSAtLeastOnce,
		Retain:  true,
	}
	pctx, cancel := context.WithTimeout(ctx, self.opt.PublishTimeout)
	defer cancel()
	self.log.Debugf("dispatch respond %s", wire.MessageString(msg))
	return errors.Annotate(self.pub.Publish(pctx, msg), "publish")
}

func (self *Dispatcher) nextNumber() uint32 { return atomic.AddUint32(&self.seq, 1) }

func (self *Dispatcher) Close() error {
	self.alive.Stop()
	self.alive.Wait()
	self.handlers.Wait()
	return nil
}
