package ledger

import (
	"log/slog"

	"custodia/internal/platform/config"
	dErrors "custodia/pkg/domain-errors"
)

// New selects and constructs the configured ledger variant. Callers depend
// only on the Client interface; the variant is fixed at startup by config,
// never by runtime type inspection.
func New(cfg config.LedgerConfig, logger *slog.Logger) (Client, error) {
	switch cfg.Type {
	case config.LedgerTypeFabric:
		return NewFabric(cfg, logger), nil
	case config.LedgerTypeEthereum:
		return NewEthereum(cfg, logger), nil
	default:
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown ledger type %q", cfg.Type)
	}
}
