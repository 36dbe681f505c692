package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"custodia/internal/custody/models"
	"custodia/internal/custody/signature"
	"custodia/internal/platform/config"
)

// Chaincode functions exposed by the custody contract on the permissioned
// network. The payload mirrors the EVM variant: canonical record JSON keyed
// by the deterministic record id.
const (
	fabricFnRecordTransfer = "RecordTransfer"
	fabricFnGetChain       = "GetParcelChain"
	fabricFnHasRecord      = "HasRecord"
)

// FabricClient talks to a Hyperledger-Fabric-style permissioned network
// through its HTTP gateway. Calls are addressed by channel and chaincode
// name; the gateway authenticates the caller from the enrolled identity.
type FabricClient struct {
	cfg    config.LedgerConfig
	logger *slog.Logger
	http   *http.Client

	mu          sync.Mutex
	initialized bool
}

// NewFabric constructs an unconnected client; call Initialize before use.
func NewFabric(cfg config.LedgerConfig, logger *slog.Logger) *FabricClient {
	return &FabricClient{
		cfg:    cfg,
		logger: logger,
		http:   &http.Client{Timeout: cfg.CallTimeout},
	}
}

type fabricInvokeRequest struct {
	Function string   `json:"function"`
	Args     []string `json:"args"`
}

type fabricInvokeResponse struct {
	TransactionID string          `json:"transactionId"`
	Result        json.RawMessage `json:"result"`
	Error         string          `json:"error,omitempty"`
}

// Initialize verifies gateway reachability and identity enrollment.
// Idempotent: once connected, further calls return immediately.
func (c *FabricClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}

	if c.cfg.GatewayURL == "" || c.cfg.Identity == "" {
		return connectionErr("fabric ledger requires gateway url and identity", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("health"), nil)
	if err != nil {
		return connectionErr("build gateway health request", err)
	}
	c.setIdentity(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return connectionErr("reach fabric gateway", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return connectionErr(fmt.Sprintf("gateway rejected identity (%d)", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return connectionErr(fmt.Sprintf("gateway health returned %d", resp.StatusCode), nil)
	}

	c.initialized = true
	c.logger.Info("fabric ledger client initialized",
		"gateway", c.cfg.GatewayURL,
		"channel", c.cfg.Channel,
		"chaincode", c.cfg.Chaincode,
	)
	return nil
}

// RecordTransfer invokes the chaincode and returns the endorsed transaction id.
func (c *FabricClient) RecordTransfer(ctx context.Context, record models.CustodyRecord) (string, error) {
	if !c.isInitialized() {
		return "", submissionErr("fabric client is not initialized", nil)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return "", submissionErr("marshal record payload", err)
	}
	recordID := signature.LedgerRecordID(record.ParcelID, record.FromParty, record.ToParty, record.Timestamp)

	var out fabricInvokeResponse
	err = c.invoke(ctx, "transactions", fabricInvokeRequest{
		Function: fabricFnRecordTransfer,
		Args:     []string{recordID, record.ParcelID, string(payload)},
	}, &out)
	if err != nil {
		return "", submissionErr("invoke RecordTransfer", err)
	}
	if out.Error != "" {
		return "", submissionErr("chaincode rejected transfer: "+out.Error, nil)
	}
	if out.TransactionID == "" {
		return "", submissionErr("gateway returned no transaction id", nil)
	}
	return out.TransactionID, nil
}

// FetchChain queries the chaincode for the parcel's full history.
func (c *FabricClient) FetchChain(ctx context.Context, parcelID string) ([]models.CustodyRecord, error) {
	if !c.isInitialized() {
		return nil, queryErr("fabric client is not initialized", nil)
	}

	var out fabricInvokeResponse
	err := c.invoke(ctx, "query", fabricInvokeRequest{
		Function: fabricFnGetChain,
		Args:     []string{parcelID},
	}, &out)
	if err != nil {
		return nil, queryErr("query GetParcelChain", err)
	}
	if out.Error != "" {
		return nil, queryErr("chaincode query failed: "+out.Error, nil)
	}

	var records []models.CustodyRecord
	if len(out.Result) > 0 {
		if err := json.Unmarshal(out.Result, &records); err != nil {
			return nil, queryErr("decode chain payload", err)
		}
	}
	return records, nil
}

// VerifyRecord asks the chaincode whether the record id is on the ledger.
// Any failure is reported as false, never as an error.
func (c *FabricClient) VerifyRecord(ctx context.Context, record models.CustodyRecord) bool {
	if !c.isInitialized() {
		return false
	}

	recordID := signature.LedgerRecordID(record.ParcelID, record.FromParty, record.ToParty, record.Timestamp)
	var out fabricInvokeResponse
	err := c.invoke(ctx, "query", fabricInvokeRequest{
		Function: fabricFnHasRecord,
		Args:     []string{recordID},
	}, &out)
	if err != nil || out.Error != "" {
		return false
	}

	var exists bool
	if err := json.Unmarshal(out.Result, &exists); err != nil {
		return false
	}
	return exists
}

// IsAvailable probes the gateway health endpoint.
func (c *FabricClient) IsAvailable(ctx context.Context) bool {
	if !c.isInitialized() {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("health"), nil)
	if err != nil {
		return false
	}
	c.setIdentity(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// NetworkStatus reports gateway connectivity and the channel block height.
func (c *FabricClient) NetworkStatus(ctx context.Context) NetworkStatus {
	status := NetworkStatus{NetworkID: c.cfg.Channel}
	if !c.isInitialized() {
		return status
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("info"), nil)
	if err != nil {
		return status
	}
	c.setIdentity(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return status
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return status
	}

	var info struct {
		BlockHeight uint64 `json:"blockHeight"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return status
	}
	status.Connected = true
	status.BlockHeight = info.BlockHeight
	return status
}

func (c *FabricClient) isInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

func (c *FabricClient) endpoint(parts ...string) string {
	base := fmt.Sprintf("%s/channels/%s/chaincodes/%s",
		c.cfg.GatewayURL, url.PathEscape(c.cfg.Channel), url.PathEscape(c.cfg.Chaincode))
	for _, p := range parts {
		base += "/" + p
	}
	return base
}

func (c *FabricClient) setIdentity(req *http.Request) {
	req.Header.Set("X-Fabric-Identity", c.cfg.Identity)
	req.Header.Set("Content-Type", "application/json")
}

func (c *FabricClient) invoke(ctx context.Context, path string, body fabricInvokeRequest, out *fabricInvokeResponse) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	c.setIdentity(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	return json.Unmarshal(raw, out)
}
