// Package transport is MQTT adapter between broker and dispatcher.
//
// Contract:
// - New fails only with invalid config, broker may be unreachable at start
// - reconnect and resubscribe are done by paho
// - inbound messages are delivered to MessageFunc as *packet.Message
// - service topic carries retained online flag: 0x01 after connect, 0x00 as last will
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/packet"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/meterhub/helpers"
	"github.com/temoto/meterhub/log2"
	"github.com/temoto/meterhub/wire"
)

const (
	DefaultKeepalive      = 60 * time.Second
	DefaultPingTimeout    = 30 * time.Second
	DefaultNetworkTimeout = 30 * time.Second
	closeQuiesceMs        = 250
)

var (
	serviceOnline  = []byte{0x01}
	serviceOffline = []byte{0x00}
)

type MessageFunc func(ctx context.Context, msg *packet.Message) bool

type Options struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	Namespace      string
	TLSCAFile      string
	Keepalive      time.Duration
	PingTimeout    time.Duration
	NetworkTimeout time.Duration
	// StorePath keeps QoS1 in-flight messages across restarts, memory store when empty.
	StorePath string
}

type MQTT struct {
	log          *log2.Log
	opt          Options
	onMessage    MessageFunc
	ctx          context.Context
	client       mqtt.Client
	topicService string
	subs         map[string]byte

	newClient func(*mqtt.ClientOptions) mqtt.Client
}

var setLoggerOnce sync.Once

// SetLogger routes paho internal log. Process wide, first call wins.
func SetLogger(log *log2.Log, debug bool) {
	setLoggerOnce.Do(func() {
		mqtt.ERROR = log
		mqtt.CRITICAL = log
		mqtt.WARN = log
		if debug {
			mqtt.DEBUG = log
		}
	})
}

func New(ctx context.Context, opt Options, onMessage MessageFunc, log *log2.Log) (*MQTT, error) {
	if onMessage == nil {
		panic("code error transport.New onMessage is mandatory")
	}
	if _, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "mqtt broker=%s", opt.BrokerURL)
	}
	if opt.Namespace == "" {
		return nil, errors.NotValidf("mqtt namespace empty")
	}
	if opt.ClientID == "" {
		host, _ := os.Hostname()
		opt.ClientID = "meterhub-" + host
	}
	opt.Keepalive = helpers.DurationDefault(opt.Keepalive, DefaultKeepalive)
	opt.PingTimeout = helpers.DurationDefault(opt.PingTimeout, DefaultPingTimeout)
	opt.NetworkTimeout = helpers.DurationDefault(opt.NetworkTimeout, DefaultNetworkTimeout)
	if opt.NetworkTimeout < time.Second {
		opt.NetworkTimeout = time.Second
	}

	t := &MQTT{
		log:          log,
		opt:          opt,
		onMessage:    onMessage,
		ctx:          ctx,
		topicService: wire.ServiceTopic(opt.Namespace, opt.ClientID),
		subs:         make(map[string]byte),
		newClient:    mqtt.NewClient,
	}
	for _, pattern := range wire.SubscribePatterns(opt.Namespace) {
		t.subs[pattern] = byte(packet.QOSAtLeastOnce)
	}
	return t, nil
}

func (self *MQTT) clientOptions() (*mqtt.ClientOptions, error) {
	mopt := mqtt.NewClientOptions().
		AddBroker(self.opt.BrokerURL).
		SetBinaryWill(self.topicService, serviceOffline, byte(packet.QOSAtLeastOnce), true).
		SetClientID(self.opt.ClientID).
		SetUsername(self.opt.Username).
		SetPassword(self.opt.Password).
		SetDefaultPublishHandler(self.messageHandler).
		SetKeepAlive(self.opt.Keepalive).
		SetPingTimeout(self.opt.PingTimeout).
		SetConnectTimeout(self.opt.NetworkTimeout).
		SetWriteTimeout(self.opt.NetworkTimeout).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetResumeSubs(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(self.opt.NetworkTimeout / 2).
		SetMaxReconnectInterval(self.opt.NetworkTimeout * 2).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler)
	if self.opt.StorePath != "" {
		mopt.SetStore(mqtt.NewFileStore(self.opt.StorePath))
	}
	if self.opt.TLSCAFile != "" {
		tlsconf := new(tls.Config)
		tlsconf.RootCAs = x509.NewCertPool()
		cabytes, err := os.ReadFile(self.opt.TLSCAFile)
		if err != nil {
			return nil, errors.Annotatef(err, "mqtt TLS")
		}
		if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
			return nil, errors.NotValidf("mqtt TLS CA file=%s no certificates", self.opt.TLSCAFile)
		}
		mopt.SetTLSConfig(tlsconf)
	}
	return mopt, nil
}

// Connect starts connection in background. Network errors are not returned.
func (self *MQTT) Connect() error {
	mopt, err := self.clientOptions()
	if err != nil {
		return err
	}
	self.client = self.newClient(mopt)
	self.log.Infof("mqtt connect broker=%s client=%s", self.opt.BrokerURL, self.opt.ClientID)
	if token := self.client.Connect(); token.Error() != nil {
		self.log.Errorf("mqtt connect err=%v", token.Error())
	}
	return nil
}

func (self *MQTT) IsConnected() bool {
	return self.client != nil && self.client.IsConnectionOpen()
}

// Publish waits for broker ack of QoS1 message or ctx.
func (self *MQTT) Publish(ctx context.Context, msg *packet.Message) error {
	if self.client == nil {
		return errors.Errorf("mqtt publish before Connect")
	}
	token := self.client.Publish(msg.Topic, byte(msg.QOS), msg.Retain, msg.Payload)
	select {
	case <-token.Done():
		return errors.Annotatef(token.Error(), "mqtt publish topic=%s", msg.Topic)
	case <-ctx.Done():
		return errors.Annotatef(ctx.Err(), "mqtt publish topic=%s", msg.Topic)
	}
}

// Close marks service offline, waits for in-flight work up to quiesce period.
func (self *MQTT) Close() error {
	if self.client == nil {
		return nil
	}
	self.log.Infof("mqtt close")
	var errs []error
	if self.client.IsConnectionOpen() {
		token := self.client.Publish(self.topicService, byte(packet.QOSAtLeastOnce), true, serviceOffline)
		if token.WaitTimeout(self.opt.NetworkTimeout) && token.Error() != nil {
			errs = append(errs, errors.Annotate(token.Error(), "mqtt publish offline"))
		}
		topics := make([]string, 0, len(self.subs))
		for topic := range self.subs {
			topics = append(topics, topic)
		}
		token = self.client.Unsubscribe(topics...)
		if token.WaitTimeout(self.opt.NetworkTimeout) && token.Error() != nil {
			errs = append(errs, errors.Annotate(token.Error(), "mqtt unsubscribe"))
		}
	}
	self.client.Disconnect(closeQuiesceMs)
	return helpers.FoldErrors(errs)
}

func (self *MQTT) messageHandler(c mqtt.Client, m mqtt.Message) {
	msg := &packet.Message{
		Topic:   m.Topic(),
		Payload: m.Payload(),
		QOS:     packet.QOS(m.Qos()),
		Retain:  m.Retained(),
	}
	if msg.Retain {
		// stale request from previous session, gateway has given up on it long ago
		self.log.Debugf("mqtt skip retained %s", wire.MessageString(msg))
		return
	}
	self.log.Debugf("mqtt received %s", wire.MessageString(msg))
	self.onMessage(self.ctx, msg)
}

func (self *MQTT) connectLostHandler(c mqtt.Client, err error) {
	self.log.Errorf("mqtt connection lost err=%v", err)
}

func (self *MQTT) onConnectHandler(c mqtt.Client) {
	self.log.Infof("mqtt connected")
	token := c.SubscribeMultiple(self.subs, nil)
	if token.WaitTimeout(self.opt.NetworkTimeout) && token.Error() != nil {
		self.log.Errorf("mqtt subscribe err=%v", token.Error())
		return
	}
	self.log.Debugf("mqtt subscribed %v", self.subs)
	c.Publish(self.topicService, byte(packet.QOSAtLeastOnce), true, serviceOnline)
}
