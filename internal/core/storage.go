package core

import (
	"context"
	"fmt"

	"herbtrace/internal/blob"
	"herbtrace/internal/infra/persistence/memory"
	"herbtrace/internal/infra/persistence/postgres"
	"herbtrace/internal/infra/persistence/sqlite"
	"herbtrace/internal/integrity"
	"herbtrace/internal/platform/config"
	"herbtrace/internal/provenance"
	"herbtrace/internal/rules"
	"herbtrace/pkg/domain"
)

// OpenStore opens the custody store selected by cfg.StorageDriver and
// replays its journal.
func OpenStore(ctx context.Context, cfg config.Config, keys *integrity.Keyring) (domain.CustodyStore, error) {
	opts := []memory.Option{memory.WithMaxRetries(cfg.StorageMaxRetries)}
	switch cfg.StorageDriver {
	case config.StorageMemory:
		return memory.NewStore(keys, opts...), nil
	case config.StorageSQLite, "":
		store, err := sqlite.Open(ctx, cfg.SQLitePath, keys, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StoragePostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN, keys, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.StorageDriver)
	}
}

// LoadRegistry builds the rule registry from cfg.RulesFile, or from the
// built-in rule set when no file is configured.
func LoadRegistry(cfg config.Config) (*rules.Registry, error) {
	ruleSet := rules.Defaults()
	if cfg.RulesFile != "" {
		loaded, err := rules.LoadFile(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		ruleSet = loaded
	}
	return rules.NewRegistry(ruleSet...)
}

// Runtime is a fully wired service together with the resources it owns.
type Runtime struct {
	Service *Service
	Blobs   blob.Store
	Keys    *integrity.Keyring
}

// Open wires a Service from cfg: keyring, rules, custody store, provenance
// builder and a catalog archiving documents to the configured blob store.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Runtime, error) {
	keys, err := cfg.Keyring()
	if err != nil {
		return nil, err
	}
	registry, err := LoadRegistry(cfg)
	if err != nil {
		return nil, err
	}
	blobs, err := blob.Open(ctx, cfg.Blob())
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	catalog, err := provenance.NewCatalog(cfg.ProvenanceCacheSize, blobs)
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(ctx, cfg, keys)
	if err != nil {
		return nil, err
	}
	builder := provenance.NewBuilder(keys, provenance.WithProduct(cfg.Product()))
	svc := NewService(store, registry, builder, append([]Option{WithCatalog(catalog)}, opts...)...)
	return &Runtime{Service: svc, Blobs: blobs, Keys: keys}, nil
}

// Close releases the custody store.
func (r *Runtime) Close() error {
	return r.Service.Close()
}
