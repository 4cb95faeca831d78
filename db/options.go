package db

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/tchajed/docdb/cache"
	"github.com/tchajed/docdb/index"
	"github.com/tchajed/docdb/storage"
)

// Mode selects how a database is protected from concurrent callers.
type Mode string

const (
	// ModeNone does no locking; the database must be used from one
	// goroutine at a time.
	ModeNone Mode = "none"
	// ModeThreads locks each storage and index separately, and each
	// document for the duration of a write.
	ModeThreads Mode = "threads"
	// ModeSuper serializes every operation behind one lock; see
	// SuperThreadSafe.
	ModeSuper Mode = "super"
)

// Concurrency is fixed when a database is opened.
type Concurrency struct {
	Mode Mode `yaml:"mode"`
	// NewLock constructs every lock the database uses, other than the
	// database-wide reader/writer lock.
	NewLock func() sync.Locker `yaml:"-"`
}

type CacheOptions struct {
	Kind cache.Kind `yaml:"kind"`
	// Size is the number of entries cached per index.
	Size int `yaml:"size"`
}

// Durability names accepted in Options.
const (
	DurabilityFlush = "flush"
	DurabilityFsync = "fsync"
)

type Options struct {
	// Storages names the storage files ({name}_stor); the first is the
	// default target of inserts. Create falls back to a single storage
	// named "id". Open adds the named storages a database does not have
	// yet; left empty, it uses the recorded ones.
	Storages []string `yaml:"storages"`
	// Indexes other than the primary id index.
	Indexes     []index.Definition `yaml:"indexes"`
	Compress    bool               `yaml:"compress"`
	Durability  string             `yaml:"durability"`
	Cache       CacheOptions       `yaml:"cache"`
	Concurrency Concurrency        `yaml:"concurrency"`

	// StorageSelector picks the storage a new record version is written
	// to; nil always uses the first storage.
	StorageSelector func(rec Record) string `yaml:"-"`
	Registry        Registry                `yaml:"-"`
	Logger          logrus.FieldLogger      `yaml:"-"`
}

const defaultStorage = "id"

func defaultLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

// DefaultOptions returns options with every default applied.
func DefaultOptions() Options {
	var opts Options
	applyDefaults(&opts)
	return opts
}

func applyDefaults(opts *Options) {
	if opts.Durability == "" {
		opts.Durability = DurabilityFlush
	}
	if opts.Cache.Kind != cache.KindNone && opts.Cache.Size <= 0 {
		opts.Cache.Size = 1024
	}
	if opts.Concurrency.Mode == "" {
		opts.Concurrency.Mode = ModeNone
	}
	if opts.Concurrency.NewLock == nil {
		opts.Concurrency.NewLock = func() sync.Locker { return new(sync.Mutex) }
	}
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = defaultLogger()
	}
}

func (opts Options) validate() error {
	switch opts.Durability {
	case DurabilityFlush, DurabilityFsync:
	default:
		return errors.Errorf("unknown durability %q", opts.Durability)
	}
	switch opts.Concurrency.Mode {
	case ModeNone, ModeThreads, ModeSuper:
	default:
		return errors.Errorf("unknown concurrency mode %q", opts.Concurrency.Mode)
	}
	if _, err := cache.New(opts.Cache.Kind, opts.Cache.Size); err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, s := range opts.Storages {
		if s == "" || seen[s] {
			return errors.Errorf("bad or duplicate storage name %q", s)
		}
		seen[s] = true
	}
	return nil
}

func (opts Options) storageOptions() storage.Options {
	o := storage.Options{Compress: opts.Compress}
	if opts.Durability == DurabilityFsync {
		o.Durability = storage.DurabilityFsync
	}
	return o
}

// LoadOptions reads options from a YAML file and applies defaults.
func LoadOptions(path string) (Options, error) {
	var opts Options
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, err
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, errors.Wrapf(err, "parse %s", path)
	}
	applyDefaults(&opts)
	return opts, opts.validate()
}
