package near

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"intents-rebalancer/internal/logging"
)

const finalityFinal = "final"

// Options parameterise the NEAR RPC client.
type Options struct {
	RPCURL    string
	Timeout   time.Duration
	UserAgent string
}

// Client talks to a NEAR JSON-RPC node.
type Client struct {
	opts   Options
	logger zerolog.Logger
	client *http.Client
	rpcURL string
}

// NewClient constructs a NEAR RPC client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	rpcURL := strings.TrimRight(opts.RPCURL, "/")
	if rpcURL == "" {
		rpcURL = "https://rpc.mainnet.near.org"
	}

	return &Client{
		opts:   opts,
		logger: logging.Component(logger, "near_rpc"),
		client: &http.Client{Timeout: timeout},
		rpcURL: rpcURL,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: "dontcare", Method: method, Params: params})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var envelope rpcResponse
	if err := json.Unmarshal(payload, &envelope); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("near rpc %s: http %d: %s", method, resp.StatusCode, strings.TrimSpace(string(payload)))
		}
		return fmt.Errorf("decode near rpc %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("near rpc %s: http %d", method, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decode near rpc %s result: %w", method, err)
	}
	return nil
}

type callFunctionResult struct {
	Result []int    `json:"result"`
	Logs   []string `json:"logs"`
	Error  string   `json:"error"`
}

// ViewContract runs a read-only contract method at final finality and decodes
// its JSON return value into out.
func (c *Client) ViewContract(ctx context.Context, contractID, method string, args any, out any) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode %s args: %w", method, err)
	}

	params := map[string]any{
		"request_type": "call_function",
		"finality":     finalityFinal,
		"account_id":   contractID,
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(argsJSON),
	}

	var res callFunctionResult
	if err := c.call(ctx, "query", params, &res); err != nil {
		return fmt.Errorf("view %s.%s: %w", contractID, method, err)
	}
	if res.Error != "" {
		return &ContractError{ContractID: contractID, Method: method, Message: res.Error}
	}

	raw := make([]byte, len(res.Result))
	for i, b := range res.Result {
		raw[i] = byte(b)
	}
	c.logger.Debug().Str("contract", contractID).Str("method", method).Int("bytes", len(raw)).Msg("view call completed")

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s.%s result: %w", contractID, method, err)
	}
	return nil
}

type accessKeyView struct {
	Nonce     uint64 `json:"nonce"`
	BlockHash string `json:"block_hash"`
}

func (c *Client) viewAccessKey(ctx context.Context, accountID, publicKey string) (accessKeyView, error) {
	params := map[string]any{
		"request_type": "view_access_key",
		"finality":     finalityFinal,
		"account_id":   accountID,
		"public_key":   publicKey,
	}
	var view accessKeyView
	if err := c.call(ctx, "query", params, &view); err != nil {
		return accessKeyView{}, fmt.Errorf("view access key %s: %w", accountID, err)
	}
	return view, nil
}

// TxStatus fetches the final outcome of a transaction. A transaction the node
// has not indexed yet yields ErrUnknownTransaction.
func (c *Client) TxStatus(ctx context.Context, txHash, senderID string) (CallOutcome, error) {
	var outcome finalExecutionOutcome
	if err := c.call(ctx, "tx", []string{txHash, senderID}, &outcome); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Cause.Name == "UNKNOWN_TRANSACTION" {
			return CallOutcome{TxHash: txHash}, fmt.Errorf("%w: %s", ErrUnknownTransaction, txHash)
		}
		return CallOutcome{TxHash: txHash}, err
	}
	return outcome.outcome(txHash), nil
}

var _ PortfolioContext = (*Client)(nil)
