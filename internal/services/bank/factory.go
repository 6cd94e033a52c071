package bank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"ticket-engine/config"
	"ticket-engine/internal/services/bank/jdb"
	"ticket-engine/internal/services/bank/ldb"
	"ticket-engine/internal/status"
)

// Registry holds the configured gateways by provider.
type Registry struct {
	mu       sync.RWMutex
	gateways map[Provider]Gateway
	primary  Provider
}

func NewRegistry() *Registry {
	return &Registry{gateways: make(map[Provider]Gateway)}
}

// Register adds g. The first gateway registered becomes the primary.
func (r *Registry) Register(g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[g.Provider()] = g
	if r.primary == "" {
		r.primary = g.Provider()
	}
}

// Get returns the gateway for provider, or the primary for "".
func (r *Registry) Get(provider string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := Provider(provider)
	if p == "" {
		p = r.primary
	}
	g, ok := r.gateways[p]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", provider, status.ErrUnsupportedProvider)
	}
	return g, nil
}

func (r *Registry) SetPrimary(provider Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.gateways[provider]; !ok {
		return fmt.Errorf("provider %q: %w", provider, status.ErrUnsupportedProvider)
	}
	r.primary = provider
	return nil
}

func (r *Registry) Primary() Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary
}

func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.gateways))
	for p := range r.gateways {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close closes every gateway and joins their errors.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for p, g := range r.gateways {
		if err := g.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// Build registers the gateways cfg enables. JDB and LDB are registered when
// their base URL is set; the mock gateway outside production or when it is
// the configured default. A bank that fails to connect is logged and left
// out so the others keep working.
func Build(ctx context.Context, cfg *config.Config) (*Registry, error) {
	r := NewRegistry()

	if cfg.JDBConfig.BaseURL != "" {
		j := cfg.JDBConfig
		a, err := NewJDBAdapter(ctx, &jdb.Config{
			BaseURL:     j.BaseURL,
			PartnerID:   j.PartnerID,
			ClientID:    j.ClientID,
			ClientKey:   j.ClientKey,
			HMACKey:     j.HMACKey,
			MerchantID:  j.MerchantID,
			PNSubKey:    j.PNSubKey,
			PNSecretKey: j.PNSecretKey,
			PNCipherKey: j.PNCipherKey,
			PNUUID:      j.PNUUID,
			PNChannel:   j.PNChannel,
		})
		if err != nil {
			slog.Error("jdb gateway unavailable", "error", err)
		} else {
			r.Register(a)
		}
	}

	if cfg.LDBConfig.BaseURL != "" {
		l := cfg.LDBConfig
		a, err := NewLDBAdapter(ctx, &ldb.Config{
			BaseURL:        l.BaseURL,
			AccessTokenURL: l.AccessTokenURL,
			ClientID:       l.ClientID,
			ClientSecret:   l.ClientSecret,
			MerchantID:     l.MerchantID,
			PromotionCode:  l.PromotionCode,
			PartnerID:      l.PartnerID,
			KeyID:          l.KeyID,
			HMACKey:        l.HMACKey,
			WebhookSecret:  l.WebhookSecret,
			SwitchBackURL:  l.SwitchBackURL,
		})
		if err != nil {
			slog.Error("ldb gateway unavailable", "error", err)
		} else {
			r.Register(a)
		}
	}

	if cfg.IsDevelopment() || Provider(cfg.DefaultProvider) == ProviderMock {
		r.Register(NewMock(cfg.MockWebhookSecret))
	}

	if cfg.DefaultProvider != "" {
		if err := r.SetPrimary(Provider(cfg.DefaultProvider)); err != nil {
			slog.Warn("default payment provider not available", "provider", cfg.DefaultProvider, "primary", r.Primary())
		}
	}
	if len(r.Providers()) == 0 {
		return nil, fmt.Errorf("no payment gateway configured: %w", status.ErrUnsupportedProvider)
	}

	slog.Info("payment gateways ready", "providers", r.Providers(), "primary", r.Primary())
	return r, nil
}
