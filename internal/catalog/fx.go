package catalog

import (
	"github.com/smallbiznis/billway/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func provideHolder(cfg config.Config, log *zap.Logger) (*Holder, error) {
	return NewHolder(cfg.CatalogPath, log)
}

func provideCatalog(h *Holder) Catalog { return h }

// Module serves the versioned catalog, hot-reloaded from catalog.yml.
var Module = fx.Module("catalog",
	fx.Provide(
		provideHolder,
		provideCatalog,
	),
)
