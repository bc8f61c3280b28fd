package tron

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/rs/zerolog"
	"github.com/sunwire/tronsweep/internal/metrics"
)

const (
	maxAttempts = 4
	baseDelay   = 250 * time.Millisecond
)

// Client talks to TRON full nodes over the HTTP API through the
// endpoint pool, with retry and exponential backoff.
type Client struct {
	pool   *Pool
	logger zerolog.Logger
}

// NewClient creates a TRON node client
func NewClient(pool *Pool, logger zerolog.Logger) *Client {
	return &Client{
		pool:   pool,
		logger: logger.With().Str("component", "node_client").Logger(),
	}
}

// GetAccount fetches the on-chain account for a base58 address.
func (c *Client) GetAccount(ctx context.Context, address string) (*Account, error) {
	var account Account
	err := c.post(ctx, "/wallet/getaccount", map[string]interface{}{
		"address": address,
		"visible": true,
	}, &account)
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", address, err)
	}
	return &account, nil
}

// GetAccountResources fetches staked resource limits for an address.
func (c *Client) GetAccountResources(ctx context.Context, address string) (*AccountResources, error) {
	var resources AccountResources
	err := c.post(ctx, "/wallet/getaccountresource", map[string]interface{}{
		"address": address,
		"visible": true,
	}, &resources)
	if err != nil {
		return nil, fmt.Errorf("failed to get account resources for %s: %w", address, err)
	}
	return &resources, nil
}

// CurrentBlock returns the latest block number the node has seen.
func (c *Client) CurrentBlock(ctx context.Context) (int64, error) {
	var block nowBlock
	if err := c.post(ctx, "/wallet/getnowblock", map[string]interface{}{}, &block); err != nil {
		return 0, fmt.Errorf("failed to get current block: %w", err)
	}
	return block.BlockHeader.RawData.Number, nil
}

// BuildTRC20Transfer asks the node to build an unsigned token transfer
// and returns it together with the node's energy estimate.
func (c *Client) BuildTRC20Transfer(ctx context.Context, owner, to, contract string, amount *big.Int, feeLimitSun int64) (*Transaction, int64, error) {
	parameter, err := encodeTransferParams(to, amount)
	if err != nil {
		return nil, 0, err
	}

	var result triggerResult
	err = c.post(ctx, "/wallet/triggersmartcontract", triggerRequest{
		OwnerAddress:     owner,
		ContractAddress:  contract,
		FunctionSelector: "transfer(address,uint256)",
		Parameter:        parameter,
		FeeLimit:         feeLimitSun,
		Visible:          true,
	}, &result)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build TRC20 transfer: %w", err)
	}

	if !result.Result.Result {
		return nil, 0, &BroadcastError{NodeCode: result.Result.Code, Message: decodeNodeMessage(result.Result.Message)}
	}
	if result.Transaction.TxID == "" {
		return nil, 0, fmt.Errorf("node returned transfer without txID")
	}

	return &result.Transaction, result.EnergyUsed, nil
}

// Broadcast submits a signed transaction and returns its txID.
func (c *Client) Broadcast(ctx context.Context, tx *Transaction) (string, error) {
	if len(tx.Signature) == 0 {
		return "", fmt.Errorf("refusing to broadcast unsigned transaction %s", tx.TxID)
	}

	var result broadcastResult
	if err := c.post(ctx, "/wallet/broadcasttransaction", tx, &result); err != nil {
		return "", fmt.Errorf("failed to broadcast transaction %s: %w", tx.TxID, err)
	}

	if !result.Result {
		return "", &BroadcastError{NodeCode: result.Code, Message: decodeNodeMessage(result.Message)}
	}

	txid := result.TxID
	if txid == "" {
		txid = tx.TxID
	}

	c.logger.Info().Str("txid", txid).Msg("Transaction broadcast")
	return txid, nil
}

// GetTransactionInfo fetches execution info for a broadcast tx. Returns
// ErrTxNotFound until the node has packed the transaction into a block.
func (c *Client) GetTransactionInfo(ctx context.Context, txid string) (*TransactionInfo, error) {
	var info TransactionInfo
	err := c.post(ctx, "/wallet/gettransactioninfobyid", map[string]interface{}{
		"value": txid,
	}, &info)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction info for %s: %w", txid, err)
	}
	if info.ID == "" {
		return nil, ErrTxNotFound
	}
	return &info, nil
}

// post performs a JSON POST against the node API with retry/backoff.
func (c *Client) post(ctx context.Context, path string, request, response interface{}) error {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<(attempt-1))
			if delay > 10*time.Second {
				delay = 10 * time.Second
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				metrics.RecordRPCRequest("cancelled")
				return ctx.Err()
			}
		}

		if err := c.postOnce(ctx, path, request, response); err != nil {
			lastErr = err
			c.logger.Warn().
				Err(err).
				Str("path", path).
				Int("attempt", attempt+1).
				Msg("Node request failed")
			continue
		}

		metrics.RecordRPCRequest("success")
		return nil
	}

	metrics.RecordRPCRequest("failed")
	return fmt.Errorf("node request %s failed after %d attempts: %w", path, maxAttempts, lastErr)
}

func (c *Client) postOnce(ctx context.Context, path string, request, response interface{}) error {
	client, endpoint, err := c.pool.GetClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to get node client: %w", err)
	}

	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		c.pool.MarkUnhealthy(endpoint)
		metrics.RecordRPCRequest("error")
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		c.pool.SetCooldown(endpoint, 5*time.Minute)
		metrics.RecordRPCRequest("rate_limited")
		return fmt.Errorf("rate limited by endpoint %s: status %d", endpoint, resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		c.pool.MarkUnhealthy(endpoint)
		return fmt.Errorf("unexpected status code from %s: %d", endpoint, resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if err := json.Unmarshal(payload, response); err != nil {
		return fmt.Errorf("failed to unmarshal response from %s: %w", endpoint, err)
	}

	c.pool.MarkHealthy(endpoint)
	return nil
}

// encodeTransferParams ABI-encodes transfer(address,uint256): two
// 32-byte slots, the address slot holding the 20-byte payload of the
// base58check address.
func encodeTransferParams(to string, amount *big.Int) (string, error) {
	payload, version, err := base58.CheckDecode(to)
	if err != nil {
		return "", fmt.Errorf("invalid recipient address %s: %w", to, err)
	}
	if version != tronAddrVersion || len(payload) != 20 {
		return "", fmt.Errorf("recipient %s is not a TRON mainnet address", to)
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("transfer amount must be positive")
	}

	params := make([]byte, 64)
	copy(params[12:32], payload)
	amount.FillBytes(params[32:64])

	return hex.EncodeToString(params), nil
}

// decodeNodeMessage converts the node's hex-encoded error message.
func decodeNodeMessage(message string) string {
	if decoded, err := hex.DecodeString(message); err == nil && len(decoded) > 0 {
		return string(decoded)
	}
	return message
}

const tronAddrVersion = 0x41
