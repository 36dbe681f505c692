package ledger

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"custodia/internal/custody/models"
	"custodia/internal/custody/signature"
	"custodia/internal/platform/config"
)

// custodyContractABI is the interface of the deployed anchoring contract. The
// contract stores the canonical record payload keyed by its deterministic id
// so resubmitting the same logical transfer is a no-op on chain.
const custodyContractABI = `[
	{"type":"function","name":"recordTransfer","stateMutability":"nonpayable","inputs":[{"name":"recordId","type":"bytes32"},{"name":"parcelId","type":"string"},{"name":"payload","type":"string"}],"outputs":[]},
	{"type":"function","name":"getChain","stateMutability":"view","inputs":[{"name":"parcelId","type":"string"}],"outputs":[{"name":"payloads","type":"string[]"}]},
	{"type":"function","name":"hasRecord","stateMutability":"view","inputs":[{"name":"recordId","type":"bytes32"}],"outputs":[{"name":"exists","type":"bool"}]}
]`

const contractCallGasLimit = 500_000

// EthereumClient anchors custody records on a public EVM-compatible chain via
// JSON-RPC: a provider URL, a signing wallet, and a deployed contract address.
type EthereumClient struct {
	cfg    config.LedgerConfig
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool
	client      *ethclient.Client
	chainID     *big.Int
	wallet      *ecdsa.PrivateKey
	from        common.Address
	contract    common.Address
	contractABI abi.ABI
}

// NewEthereum constructs an unconnected client; call Initialize before use.
func NewEthereum(cfg config.LedgerConfig, logger *slog.Logger) *EthereumClient {
	return &EthereumClient{cfg: cfg, logger: logger}
}

// Initialize dials the provider, loads the wallet, and binds the contract.
// Idempotent: a second call on a connected client is a no-op.
func (c *EthereumClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}

	if c.cfg.RPCURL == "" || c.cfg.ContractAddress == "" || c.cfg.WalletKeyHex == "" {
		return connectionErr("ethereum ledger requires rpc url, contract address, and wallet key", nil)
	}

	wallet, err := crypto.HexToECDSA(strings.TrimPrefix(c.cfg.WalletKeyHex, "0x"))
	if err != nil {
		return connectionErr("invalid wallet key", err)
	}

	parsed, err := abi.JSON(strings.NewReader(custodyContractABI))
	if err != nil {
		return fmt.Errorf("parse custody contract abi: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	client, err := ethclient.DialContext(ctx, c.cfg.RPCURL)
	if err != nil {
		return connectionErr("dial ethereum provider", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return connectionErr("fetch chain id", err)
	}

	c.client = client
	c.chainID = chainID
	c.wallet = wallet
	c.from = crypto.PubkeyToAddress(wallet.PublicKey)
	c.contract = common.HexToAddress(c.cfg.ContractAddress)
	c.contractABI = parsed
	c.initialized = true

	c.logger.Info("ethereum ledger client initialized",
		"chain_id", chainID.String(),
		"contract", c.contract.Hex(),
		"wallet", c.from.Hex(),
	)
	return nil
}

// RecordTransfer submits the record payload as a contract transaction and
// returns the transaction hash.
func (c *EthereumClient) RecordTransfer(ctx context.Context, record models.CustodyRecord) (string, error) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return "", submissionErr("ethereum client is not initialized", nil)
	}
	client, chainID, wallet, from := c.client, c.chainID, c.wallet, c.from
	c.mu.Unlock()

	payload, err := json.Marshal(record)
	if err != nil {
		return "", submissionErr("marshal record payload", err)
	}

	recordID := signature.LedgerRecordID(record.ParcelID, record.FromParty, record.ToParty, record.Timestamp)
	data, err := c.contractABI.Pack("recordTransfer", common.HexToHash(recordID), record.ParcelID, string(payload))
	if err != nil {
		return "", submissionErr("pack recordTransfer call", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", submissionErr("fetch nonce", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return "", submissionErr("fetch gas price", err)
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), contractCallGasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), wallet)
	if err != nil {
		return "", submissionErr("sign transaction", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", submissionErr("send transaction", err)
	}
	return signed.Hash().Hex(), nil
}

// FetchChain reads the parcel's anchored payloads through a contract view
// call and decodes them into records. Malformed payloads are skipped with a
// warning rather than failing the whole read.
func (c *EthereumClient) FetchChain(ctx context.Context, parcelID string) ([]models.CustodyRecord, error) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return nil, queryErr("ethereum client is not initialized", nil)
	}
	client := c.client
	c.mu.Unlock()

	data, err := c.contractABI.Pack("getChain", parcelID)
	if err != nil {
		return nil, queryErr("pack getChain call", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, queryErr("call getChain", err)
	}

	unpacked, err := c.contractABI.Unpack("getChain", out)
	if err != nil {
		return nil, queryErr("unpack getChain result", err)
	}
	payloads, ok := unpacked[0].([]string)
	if !ok {
		return nil, queryErr("unexpected getChain result shape", nil)
	}

	records := make([]models.CustodyRecord, 0, len(payloads))
	for _, p := range payloads {
		var record models.CustodyRecord
		if err := json.Unmarshal([]byte(p), &record); err != nil {
			c.logger.Warn("skipping malformed on-chain payload", "parcel_id", parcelID, "error", err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// VerifyRecord checks the contract for the record's deterministic id. Any
// failure is reported as false, never as an error.
func (c *EthereumClient) VerifyRecord(ctx context.Context, record models.CustodyRecord) bool {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return false
	}
	client := c.client
	c.mu.Unlock()

	recordID := signature.LedgerRecordID(record.ParcelID, record.FromParty, record.ToParty, record.Timestamp)
	data, err := c.contractABI.Pack("hasRecord", common.HexToHash(recordID))
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return false
	}
	unpacked, err := c.contractABI.Unpack("hasRecord", out)
	if err != nil {
		return false
	}
	exists, ok := unpacked[0].(bool)
	return ok && exists
}

// IsAvailable probes the provider with a block-number read.
func (c *EthereumClient) IsAvailable(ctx context.Context) bool {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return false
	}
	client := c.client
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	_, err := client.BlockNumber(ctx)
	return err == nil
}

// NetworkStatus reports connectivity, head block, and chain id.
func (c *EthereumClient) NetworkStatus(ctx context.Context) NetworkStatus {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return NetworkStatus{}
	}
	client, chainID := c.client, c.chainID
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	height, err := client.BlockNumber(ctx)
	if err != nil {
		return NetworkStatus{Connected: false, NetworkID: chainID.String()}
	}
	return NetworkStatus{Connected: true, BlockHeight: height, NetworkID: chainID.String()}
}
