package engine

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/offcache/offcache/fallback"
	"github.com/offcache/offcache/pkg/snapshot"
	"github.com/offcache/offcache/push"
	"github.com/offcache/offcache/router"
	"github.com/offcache/offcache/store"
	"github.com/offcache/offcache/strategy"
)

// DefaultStore is the logical store used by routes that name no store
// and by paths matching no route.
const DefaultStore = "runtime"

// Config assembles an engine. Only Version and OriginURL are required.
type Config struct {
	// Version of the resource set this engine serves. Stores are
	// qualified with it, and bumping it is what drives the upgrade
	// lifecycle.
	Version   int
	OriginURL *url.URL

	Stores    map[string]store.Limits
	Routes    []router.Mapping
	Fallbacks []fallback.Entry
	// Precache lists paths fetched and stored during install.
	Precache     []string
	DefaultStore string

	NetworkTimeout time.Duration
	MaxRetries     int

	// Provider backs the cache stores. Defaults to an in-memory provider.
	Provider store.Provider
	// QueueFile is the SQLite file for the sync queue. Empty means in-memory.
	QueueFile string

	HTTPClient *http.Client
	Notifier   push.Notifier
	Navigator  push.Navigator
	Logger     *zerolog.Logger
}

// FileConfig is the YAML shape of an engine configuration.
type FileConfig struct {
	Version      int            `yaml:"version"`
	Origin       string         `yaml:"origin"`
	DefaultStore string         `yaml:"defaultStore"`
	TimeoutMs    int            `yaml:"timeoutMs"`
	MaxRetries   int            `yaml:"maxRetries"`
	QueueFile    string         `yaml:"queueFile"`
	Stores       []FileStore    `yaml:"stores"`
	Routes       []FileRoute    `yaml:"routes"`
	Fallbacks    []FileFallback `yaml:"fallbacks"`
	Precache     []string       `yaml:"precache"`
}

type FileStore struct {
	Name       string `yaml:"name"`
	MaxEntries int    `yaml:"maxEntries"`
	MaxAgeSecs int    `yaml:"maxAgeSecs"`
}

type FileRoute struct {
	Prefix   string `yaml:"prefix"`
	Strategy string `yaml:"strategy"`
	Store    string `yaml:"store"`
}

type FileFallback struct {
	Prefix      string `yaml:"prefix"`
	Status      int    `yaml:"status"`
	ContentType string `yaml:"contentType"`
	Body        string `yaml:"body"`
}

func LoadConfig(filename string) (FileConfig, error) {
	var fc FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return fc, err
	}
	err = yaml.Unmarshal(configBytes, &fc)
	return fc, err
}

// EngineConfig converts the file shape to an engine configuration,
// validating strategy names and defaulting stores and statuses.
func (fc FileConfig) EngineConfig() (Config, error) {
	cfg := Config{
		Version:        fc.Version,
		DefaultStore:   fc.DefaultStore,
		NetworkTimeout: time.Duration(fc.TimeoutMs) * time.Millisecond,
		MaxRetries:     fc.MaxRetries,
		QueueFile:      fc.QueueFile,
		Precache:       fc.Precache,
		Stores:         make(map[string]store.Limits),
	}
	if fc.Origin != "" {
		originURL, err := url.Parse(fc.Origin)
		if err != nil {
			return cfg, fmt.Errorf("invalid origin %q: %w", fc.Origin, err)
		}
		cfg.OriginURL = originURL
	}
	for _, s := range fc.Stores {
		cfg.Stores[s.Name] = store.Limits{
			MaxEntries: s.MaxEntries,
			MaxAge:     time.Duration(s.MaxAgeSecs) * time.Second,
		}
	}
	for _, r := range fc.Routes {
		name, err := strategy.ParseName(r.Strategy)
		if err != nil {
			return cfg, fmt.Errorf("route %q: %w", r.Prefix, err)
		}
		storeName := r.Store
		if storeName == "" {
			storeName = defaultStoreName(fc.DefaultStore)
		}
		cfg.Routes = append(cfg.Routes, router.Mapping{
			Prefix:   r.Prefix,
			Strategy: name,
			Store:    storeName,
		})
	}
	for _, f := range fc.Fallbacks {
		status := f.Status
		if status == 0 {
			status = http.StatusOK
		}
		cfg.Fallbacks = append(cfg.Fallbacks, fallback.Entry{
			Prefix:   f.Prefix,
			Response: snapshot.New(status, f.ContentType, []byte(f.Body)),
		})
	}
	return cfg, nil
}

func defaultStoreName(configured string) string {
	if configured != "" {
		return configured
	}
	return DefaultStore
}
