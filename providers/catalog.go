package providers

import (
	"fmt"
	"os"
	"time"

	"flaccy/providers/demo"
	"flaccy/providers/squid"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Provider kinds
const (
	KindSquid = "squid"
	KindDemo  = "demo"
)

// Catalog is the YAML description of the configured services
type Catalog struct {
	Services []ServiceSpec `yaml:"services" validate:"required,min=1,dive"`
}

// ServiceSpec configures one service
type ServiceSpec struct {
	Name      string        `yaml:"name" validate:"required"`
	Kind      string        `yaml:"kind" validate:"required,oneof=squid demo"`
	BaseURL   string        `yaml:"base_url" validate:"required_if=Kind squid,omitempty,url"`
	Quality   string        `yaml:"quality,omitempty"`
	RateLimit int           `yaml:"rate_limit,omitempty" validate:"gte=0"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	Cover     bool          `yaml:"cover,omitempty"` // fetch cover art next to albums

	// Demo tuning
	Tracks    int           `yaml:"tracks,omitempty"`
	ItemDelay time.Duration `yaml:"item_delay,omitempty"`
}

// DefaultCatalog is used when no catalog file is configured
func DefaultCatalog() *Catalog {
	return &Catalog{Services: []ServiceSpec{
		{Name: "qobuz", Kind: KindSquid, BaseURL: squid.DefaultBaseURL, Quality: squid.DefaultQuality, Cover: true},
		{Name: "demo", Kind: KindDemo},
	}}
}

// ParseCatalog parses and validates a YAML catalog
func ParseCatalog(data []byte) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse provider catalog: %w", err)
	}
	if err := validator.New().Struct(&catalog); err != nil {
		return nil, fmt.Errorf("invalid provider catalog: %w", err)
	}

	seen := make(map[string]bool, len(catalog.Services))
	for _, svc := range catalog.Services {
		if seen[svc.Name] {
			return nil, fmt.Errorf("invalid provider catalog: duplicate service %q", svc.Name)
		}
		seen[svc.Name] = true
	}
	return &catalog, nil
}

// LoadCatalog reads the catalog at path, or returns the default catalog when path is empty
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider catalog: %w", err)
	}
	return ParseCatalog(data)
}

// Build creates a registry holding one provider per catalog entry
func Build(catalog *Catalog, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := NewRegistry()
	for _, svc := range catalog.Services {
		switch svc.Kind {
		case KindSquid:
			opts := []squid.Option{squid.WithLogger(logger.With(zap.String("service", svc.Name)))}
			if svc.Quality != "" {
				opts = append(opts, squid.WithQuality(svc.Quality))
			}
			if svc.RateLimit > 0 {
				opts = append(opts, squid.WithRateLimit(svc.RateLimit))
			}
			if svc.Timeout > 0 {
				opts = append(opts, squid.WithTimeout(svc.Timeout))
			}
			if svc.Cover {
				opts = append(opts, squid.WithCover(true))
			}
			registry.Register(svc.Name, squid.NewClient(svc.Name, svc.BaseURL, opts...))
		case KindDemo:
			registry.Register(svc.Name, demo.New(svc.Name, svc.Tracks, svc.ItemDelay))
		default:
			return nil, fmt.Errorf("unknown provider kind %q for service %q", svc.Kind, svc.Name)
		}
		logger.Info("Registered provider", zap.String("service", svc.Name), zap.String("kind", svc.Kind))
	}
	return registry, nil
}
