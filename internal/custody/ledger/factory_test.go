package ledger

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodia/internal/platform/config"
	dErrors "custodia/pkg/domain-errors"
)

func TestFactorySelectsVariant(t *testing.T) {
	logger := slog.Default()

	client, err := New(config.LedgerConfig{Type: config.LedgerTypeFabric}, logger)
	require.NoError(t, err)
	assert.IsType(t, &FabricClient{}, client)

	client, err = New(config.LedgerConfig{Type: config.LedgerTypeEthereum}, logger)
	require.NoError(t, err)
	assert.IsType(t, &EthereumClient{}, client)
}

func TestFactoryRejectsUnknownType(t *testing.T) {
	_, err := New(config.LedgerConfig{Type: "corda"}, slog.Default())
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}
