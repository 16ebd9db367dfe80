package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/JosineyJr/psp-orchestrator/internal/fees"
	"github.com/JosineyJr/psp-orchestrator/internal/psp"
	"github.com/JosineyJr/psp-orchestrator/internal/routing"
	"github.com/JosineyJr/psp-orchestrator/internal/status"
	"github.com/JosineyJr/psp-orchestrator/pkg/payments"
	"github.com/spf13/viper"
)

const (
	KindSimulator = "simulator"
	KindHTTP      = "http"
)

type PSPConfig struct {
	ID       string            `mapstructure:"id"`
	Provider string            `mapstructure:"provider"`
	Kind     string            `mapstructure:"kind"`
	URL      string            `mapstructure:"url"`
	Timeout  time.Duration     `mapstructure:"timeout"`
	Latency  time.Duration     `mapstructure:"latency"`
	Pricing  fees.Config       `mapstructure:"pricing"`
	Statuses map[string]string `mapstructure:"statuses"`
}

// File is the on-disk orchestration config.
type File struct {
	Routing []routing.Rule `mapstructure:"routing"`
	PSPs    []PSPConfig    `mapstructure:"psps"`
}

func LoadFile(path string) (*File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &f, nil
}

// DefaultFile routes everything to a primary simulator with a second one as
// fallback.
func DefaultFile() *File {
	return &File{
		Routing: []routing.Rule{
			{Name: "primary", Priority: 10, Target: "sim-primary"},
			{Name: "fallback", Priority: 20, Target: "sim-fallback"},
		},
		PSPs: []PSPConfig{
			{ID: "sim-primary", Kind: KindSimulator, Latency: 20 * time.Millisecond,
				Pricing: fees.Config{Model: string(fees.ModelBlended), Percent: "2.9", Fixed: int64Ptr(30)}},
			{ID: "sim-fallback", Kind: KindSimulator, Latency: 40 * time.Millisecond,
				Pricing: fees.Config{Model: string(fees.ModelBlended), Percent: "3.4", Fixed: int64Ptr(25)}},
		},
	}
}

func int64Ptr(v int64) *int64 { return &v }

// Snapshot is everything an orchestration run reads. It is never mutated
// once built; reloads build a new one.
type Snapshot struct {
	Rules      []routing.Rule
	Registry   *psp.Registry
	Pricing    map[string]fees.Pricing
	Timeouts   map[string]time.Duration
	Normalizer *status.Normalizer
	LoadedAt   time.Time
}

// AttemptTimeout is the per-call deadline for pspID.
func (s *Snapshot) AttemptTimeout(pspID string, fallback time.Duration) time.Duration {
	if d, ok := s.Timeouts[pspID]; ok && d > 0 {
		return d
	}
	return fallback
}

func Build(f *File) (*Snapshot, error) {
	snap := &Snapshot{
		Rules:    append([]routing.Rule(nil), f.Routing...),
		Pricing:  make(map[string]fees.Pricing, len(f.PSPs)),
		Timeouts: make(map[string]time.Duration, len(f.PSPs)),
		LoadedAt: time.Now(),
	}

	adapters := make([]psp.Adapter, 0, len(f.PSPs))
	extra := status.Table{}
	for _, pc := range f.PSPs {
		if pc.ID == "" {
			return nil, errors.New("psp without id")
		}
		var a psp.Adapter
		switch strings.ToLower(pc.Kind) {
		case KindSimulator, "":
			a = psp.NewSimulator(pc.ID, pc.Latency)
		case KindHTTP:
			if pc.URL == "" {
				return nil, fmt.Errorf("psp %s: http adapter needs a url", pc.ID)
			}
			a = psp.NewHTTPAdapter(pc.ID, pc.Provider, pc.URL, pc.Timeout)
		default:
			return nil, fmt.Errorf("psp %s: unknown kind %q", pc.ID, pc.Kind)
		}
		adapters = append(adapters, a)

		pricing, err := fees.Parse(pc.Pricing)
		if err != nil {
			return nil, fmt.Errorf("psp %s: %w", pc.ID, err)
		}
		snap.Pricing[pc.ID] = pricing
		snap.Timeouts[pc.ID] = pc.Timeout

		if len(pc.Statuses) > 0 {
			provider := a.Provider()
			if extra[provider] == nil {
				extra[provider] = map[string]payments.CanonicalStatus{}
			}
			for raw, name := range pc.Statuses {
				canonical, ok := status.ParseCanonical(name)
				if !ok {
					return nil, fmt.Errorf("psp %s: unknown canonical status %q", pc.ID, name)
				}
				extra[provider][raw] = canonical
			}
		}
	}

	registry, err := psp.NewRegistry(adapters...)
	if err != nil {
		return nil, err
	}
	for _, r := range snap.Rules {
		if _, err := registry.Get(r.Target); err != nil {
			return nil, fmt.Errorf("routing rule %q: %w", r.Name, err)
		}
	}
	snap.Registry = registry
	snap.Normalizer = status.NewNormalizer(extra)
	return snap, nil
}

// Holder publishes the current Snapshot. Readers take one snapshot per run
// and keep it for the whole run.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

func NewHolder(snap *Snapshot) *Holder {
	h := &Holder{}
	h.current.Store(snap)
	return h
}

func (h *Holder) Current() *Snapshot {
	return h.current.Load()
}

// Reload builds a snapshot from path, or from DefaultFile when path is
// empty, and swaps it in. On error the previous snapshot stays.
func (h *Holder) Reload(path string) error {
	snap, err := LoadSnapshot(path)
	if err != nil {
		return err
	}
	h.current.Store(snap)
	return nil
}

func LoadSnapshot(path string) (*Snapshot, error) {
	f := DefaultFile()
	if path != "" {
		var err error
		if f, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	return Build(f)
}
