package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/meterhub/internal/cache"
	"github.com/temoto/meterhub/internal/datastore"
	"github.com/temoto/meterhub/log2"
	"github.com/temoto/meterhub/wire"
)

const DefaultConfigTTL = 5 * time.Minute

const (
	ConfigHost         = "Host"
	ConfigUseLtem      = "UseLtem"
	ConfigListenCron   = "listenCron"
	ConfigMaxTelegrams = "maxTelegrams"
	ConfigRndDelay     = "RndDelay"
)

// DefaultFallbackConfig keeps gateway operational with conservative settings.
func DefaultFallbackConfig() map[string]interface{} {
	return map[string]interface{}{
		ConfigHost:         "mqtt://localhost:1883",
		ConfigUseLtem:      true,
		ConfigListenCron:   "*/15 * * * *",
		ConfigMaxTelegrams: int64(100),
		ConfigRndDelay:     int64(60),
	}
}

// Config resolves content addressed config version merged with per gateway overrides.
type Config struct {
	store        datastore.ConfigStore
	resolved     *cache.Loader
	fallback     map[string]interface{}
	fallbackEtag string
	log          *log2.Log
}

// NewConfig fallback keys missing from DefaultFallbackConfig are filled in.
func NewConfig(store datastore.ConfigStore, c cache.Cache, fallback map[string]interface{}, log *log2.Log) (*Config, error) {
	fb := DefaultFallbackConfig()
	for k, v := range fallback {
		fb[k] = v
	}
	if err := ValidateConfig(fb); err != nil {
		return nil, errors.Annotate(err, "fallback config")
	}
	etag, err := Etag(fb)
	if err != nil {
		return nil, errors.Annotate(err, "fallback config")
	}
	return &Config{
		store:        store,
		resolved:     cache.NewLoader(c),
		fallback:     fb,
		fallbackEtag: etag,
		log:          log,
	}, nil
}

func (*Config) Urgent() bool { return true }

func (self *Config) Handle(ctx context.Context, r *Request) (interface{}, error) {
	var req wire.ConfigRequest
	if err := wire.DecodePayload(r.Uplink.Payload, &req); err != nil {
		return nil, errors.Annotate(err, "config")
	}
	return self.Resolve(ctx, r.EUI(), req.Etag)
}

func (self *Config) Fallback(r *Request, err error) interface{} {
	self.log.Errorf("config eui=%s fallback err=%v", r.EUI(), err)
	return self.FallbackResponse()
}

func (self *Config) FallbackResponse() *wire.ConfigResponse {
	return &wire.ConfigResponse{Etag: self.fallbackEtag, Config: copyConfig(self.fallback)}
}

func resolvedKey(eui, etag string) string { return eui + "/" + etag }

// Resolve result is shared with cache, callers must not modify it.
func (self *Config) Resolve(ctx context.Context, eui, etag string) (*wire.ConfigResponse, error) {
	if etag == "" {
		return nil, errors.NotValidf("config eui=%s empty etag", eui)
	}
	v, err := self.resolved.Load(resolvedKey(eui, etag), func() (interface{}, error) {
		cv, err := self.store.ConfigVersion(ctx, etag)
		if err != nil {
			return nil, errors.Annotatef(err, "config version etag=%s", etag)
		}
		overrides, err := self.store.ConfigOverrides(ctx, eui)
		if err != nil {
			return nil, errors.Annotatef(err, "config overrides eui=%s", eui)
		}
		merged := Merge(cv.Config, overrides)
		if err = ValidateConfig(merged); err != nil {
			return nil, errors.Annotatef(err, "config eui=%s etag=%s", eui, etag)
		}
		return &wire.ConfigResponse{Etag: cv.Etag, Config: merged}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*wire.ConfigResponse), nil
}

// SetOverride value=nil deletes key on merge.
func (self *Config) SetOverride(ctx context.Context, eui, key string, value interface{}) error {
	if eui == "" || key == "" {
		return errors.NotValidf("override eui=%q key=%q", eui, key)
	}
	if err := self.store.SetConfigOverride(ctx, eui, key, value); err != nil {
		return errors.Annotatef(err, "override eui=%s key=%s", eui, key)
	}
	n := self.resolved.Cache().InvalidatePrefix(eui + "/")
	self.log.Debugf("config override eui=%s key=%s invalidated=%d", eui, key, n)
	return nil
}

// CreateConfigVersion is idempotent, same map yields same etag.
func (self *Config) CreateConfigVersion(ctx context.Context, config map[string]interface{}, description, createdBy string) (*datastore.ConfigVersion, error) {
	if len(config) == 0 {
		return nil, errors.NotValidf("config version empty")
	}
	etag, err := Etag(config)
	if err != nil {
		return nil, err
	}
	cv := &datastore.ConfigVersion{
		Etag:        etag,
		Config:      copyConfig(config),
		Description: description,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now(),
	}
	if err = self.store.PutConfigVersion(ctx, cv); err != nil {
		return nil, errors.Annotatef(err, "config version etag=%s", etag)
	}
	return cv, nil
}

// Etag is hex SHA-256 of JSON form with sorted keys.
func Etag(config map[string]interface{}) (string, error) {
	// encoding/json sorts map keys at every level
	b, err := json.Marshal(config)
	if err != nil {
		return "", errors.Annotate(err, "etag")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Merge overlays overrides onto base copy, nil override deletes key.
func Merge(base, overrides map[string]interface{}) map[string]interface{} {
	m := copyConfig(base)
	for k, v := range overrides {
		if v == nil {
			delete(m, k)
		} else {
			m[k] = v
		}
	}
	return m
}

var hostSchemes = map[string]bool{"mqtt": true, "mqtts": true, "ws": true, "wss": true}

// ValidateConfig reports every problem in single NotValid error.
func ValidateConfig(m map[string]interface{}) error {
	var problems []string
	if s, ok := mapString(m, ConfigHost); !ok || s == "" {
		problems = append(problems, ConfigHost+": missing")
	} else if u, err := url.Parse(s); err != nil {
		problems = append(problems, fmt.Sprintf("%s: %v", ConfigHost, err))
	} else if !hostSchemes[u.Scheme] || u.Host == "" {
		problems = append(problems, fmt.Sprintf("%s: invalid broker url=%s", ConfigHost, s))
	}
	if v, ok := m[ConfigListenCron]; ok && v != nil {
		s, _ := v.(string)
		if n := len(strings.Fields(s)); n < 5 || n > 6 {
			problems = append(problems, fmt.Sprintf("%s: expected 5-6 fields, got %q", ConfigListenCron, s))
		}
	}
	checkRange := func(key string, min, max int64) {
		v, ok := m[key]
		if !ok {
			return
		}
		if i, ok := wire.AsInt64(v); !ok || i < min || i > max {
			problems = append(problems, fmt.Sprintf("%s: expected integer %d..%d, got %v", key, min, max, v))
		}
	}
	checkRange(ConfigMaxTelegrams, 1, 1000)
	checkRange(ConfigRndDelay, 0, 3600)
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return errors.NotValidf("config %s", strings.Join(problems, "; "))
}

func copyConfig(m map[string]interface{}) map[string]interface{} {
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
