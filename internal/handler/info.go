package handler

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/meterhub/internal/cache"
	"github.com/temoto/meterhub/internal/datastore"
	"github.com/temoto/meterhub/log2"
)

const DefaultDeviceSeenTTL = time.Hour

const (
	RebootPowerOn        = "power_on"
	RebootWatchdog       = "watchdog"
	RebootSoftware       = "software"
	RebootFirmwareUpdate = "firmware_update"
	RebootConfigUpdate   = "config_update"
	RebootBrownout       = "brownout"
	RebootUnknown        = "unknown"
)

// first match wins
var rebootPatterns = []struct {
	re     *regexp.Regexp
	reason string
}{
	{regexp.MustCompile(`(?i)\b(ota|f(irm)?w(are)?[ _-]?(update|upgrade|ota))\b`), RebootFirmwareUpdate},
	{regexp.MustCompile(`(?i)\bconf(ig)?[ _-]?(update|change|ack)\b`), RebootConfigUpdate},
	{regexp.MustCompile(`(?i)\b(watchdog|wdt|wdg)\b`), RebootWatchdog},
	{regexp.MustCompile(`(?i)\b(brown[ _-]?out|bod|low[ _-]?voltage)\b`), RebootBrownout},
	{regexp.MustCompile(`(?i)\b(power[ _-]?(on|up)|por|cold[ _-]?(boot|start))\b`), RebootPowerOn},
	{regexp.MustCompile(`(?i)\b(sw|soft(ware)?)([ _-]?(reset|reboot|restart))?\b`), RebootSoftware},
}

var firmwarePatterns = []struct {
	re        *regexp.Regexp
	app, boot int // submatch index, 0 = absent
}{
	{regexp.MustCompile(`(?i)^app[:=]\s*(\S+?)[\s,;]+boot[:=]\s*(\S+)$`), 1, 2},
	{regexp.MustCompile(`^v?(\d+(?:\.\d+)*)/v?(\d+(?:\.\d+)*)$`), 1, 2},
	{regexp.MustCompile(`^v?(\d+(?:\.\d+)+)$`), 1, 0},
}

var (
	reIMEI  = regexp.MustCompile(`^\d{15,17}$`)
	reICCID = regexp.MustCompile(`^\d{19,22}$`)
)

func ParseReboot(raw string) datastore.RebootDetails {
	d := datastore.RebootDetails{Reason: RebootUnknown, Raw: raw}
	for _, p := range rebootPatterns {
		if p.re.MatchString(raw) {
			d.Reason = p.reason
			break
		}
	}
	return d
}

// ParseFirmwareVersion unrecognized form keeps only Raw.
func ParseFirmwareVersion(raw string) datastore.FirmwareDetails {
	d := datastore.FirmwareDetails{Raw: raw}
	s := strings.TrimSpace(raw)
	for _, p := range firmwarePatterns {
		m := p.re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		if p.app != 0 {
			d.App = m[p.app]
		}
		if p.boot != 0 {
			d.Boot = m[p.boot]
		}
		break
	}
	return d
}

// DeviceInfo records gateway identity on boot and config acknowledgement.
// Device record is created once and never updated, later differences are only logged.
type DeviceInfo struct {
	store datastore.DeviceStore
	seen  cache.Cache // eui -> fingerprint
	log   *log2.Log
}

func NewDeviceInfo(store datastore.DeviceStore, seen cache.Cache, log *log2.Log) *DeviceInfo {
	return &DeviceInfo{store: store, seen: seen, log: log}
}

func (*DeviceInfo) Urgent() bool { return false }

func (self *DeviceInfo) Handle(ctx context.Context, r *Request) (interface{}, error) {
	m, err := payloadMap(r)
	if err != nil {
		return nil, errors.Annotate(err, "info")
	}
	dev := ParseDeviceInfo(r.EUI(), m)
	if err = ValidateDeviceInfo(r.EUI(), m, dev); err != nil {
		return nil, errors.Annotatef(err, "info eui=%s", r.EUI())
	}

	fp := fingerprint(dev)
	if prev, ok := self.seen.Get(dev.EUI); ok && prev == fp {
		self.log.Debugf("info eui=%s unchanged, skip", dev.EUI)
		return nil, nil
	}

	dev.CreatedAt = r.Received
	ev := &datastore.GatewayInfoEvent{ID: uuid.New(), GatewayEUI: dev.EUI, Device: *dev, At: r.Received}
	if err = self.store.AppendInfoEvent(ctx, ev); err != nil {
		return nil, errors.Annotatef(err, "info eui=%s event", dev.EUI)
	}
	if dev.Reboot.Reason != RebootConfigUpdate {
		created, err := self.store.CreateDevice(ctx, dev)
		if err != nil {
			return nil, errors.Annotatef(err, "info eui=%s create", dev.EUI)
		}
		if !created {
			if stored, err := self.store.Device(ctx, dev.EUI); err == nil && fingerprint(stored) != fp {
				self.log.Infof("info eui=%s differs from stored record (not updated) stored=%s new=%s", dev.EUI, fingerprint(stored), fp)
			}
		}
	}
	self.seen.Set(dev.EUI, fp)
	return dev, nil
}

// ParseDeviceInfo maps payload keys: eui model imei imsi iccid fw app boot reboot etag caps.
func ParseDeviceInfo(topicEUI string, m map[string]interface{}) *datastore.GatewayDevice {
	dev := &datastore.GatewayDevice{EUI: topicEUI}
	dev.Model, _ = mapText(m, "model")
	dev.IMEI, _ = mapText(m, "imei")
	dev.IMSI, _ = mapText(m, "imsi")
	dev.ICCID, _ = mapText(m, "iccid")
	fw, _ := mapString(m, "fw")
	dev.Firmware = ParseFirmwareVersion(fw)
	if s, ok := mapText(m, "app"); ok {
		dev.Firmware.App = s
	}
	if s, ok := mapText(m, "boot"); ok {
		dev.Firmware.Boot = s
	}
	reboot, _ := mapString(m, "reboot")
	dev.Reboot = ParseReboot(reboot)
	dev.Reboot.Etag, _ = mapString(m, "etag")
	if caps, ok := m["caps"].(map[string]interface{}); ok {
		dev.Capabilities = caps
	}
	return dev
}

// ValidateDeviceInfo config_update reboot is config acknowledgement,
// everything else is boot report.
func ValidateDeviceInfo(topicEUI string, m map[string]interface{}, dev *datastore.GatewayDevice) error {
	var problems []string
	if s, ok := mapString(m, "eui"); ok && s != topicEUI {
		problems = append(problems, fmt.Sprintf("eui=%s does not match topic", s))
	}
	if dev.Reboot.Reason == RebootConfigUpdate {
		if dev.Reboot.Etag == "" {
			problems = append(problems, "etag: missing")
		}
	} else {
		if !reIMEI.MatchString(dev.IMEI) {
			problems = append(problems, fmt.Sprintf("imei=%q: expected 15-17 digits", dev.IMEI))
		}
		if !reICCID.MatchString(dev.ICCID) {
			problems = append(problems, fmt.Sprintf("iccid=%q: expected 19-22 digits", dev.ICCID))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.NotValidf("device info %s", strings.Join(problems, "; "))
}

// fingerprint covers fields whose change forces persistence within seen TTL.
func fingerprint(d *datastore.GatewayDevice) string {
	return strings.Join([]string{d.IMEI, d.IMSI, d.ICCID, d.Firmware.App, d.Firmware.Boot, d.Model}, "|")
}
