// Package node talks to the upstream chain node: REST endpoints, the
// authenticated JSON-RPC surface, and the streaming event websocket.
package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"
)

type rpcRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
	ID     int64       `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// Client is a stateless HTTP client against the node's REST and JSON-RPC
// surfaces. Safe for concurrent use.
type Client struct {
	base   string
	client *http.Client
	nextID atomic.Int64
}

// NewClient creates a client for the given base URL, e.g. "http://host:port".
func NewClient(base string) *Client {
	return &Client{
		base: base,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Base returns the configured base URL.
func (c *Client) Base() string {
	return c.base
}

// Get performs a REST GET and decodes the JSON response. A non-200 status
// fails with the raw response body as the message.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (map[string]interface{}, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.do(req)
}

// Post performs a REST POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (map[string]interface{}, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, bytes.TrimSpace(raw))
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return data, nil
}

// JSONRPC calls method with HTTP basic auth and returns only the result
// field; a populated error field fails the call. The node serves JSON-RPC
// on the bare base URL, not a subpath.
func (c *Client) JSONRPC(ctx context.Context, method string, params interface{}, user, pwd string) (json.RawMessage, error) {
	raw, err := json.Marshal(rpcRequest{Method: method, Params: params, ID: c.nextID.Add(1)})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(user, pwd)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc %s: %s", method, bytes.TrimSpace(body))
	}
	var rr rpcResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(rr.Error) > 0 && string(rr.Error) != "null" {
		return nil, fmt.Errorf("rpc %s: %s", method, rr.Error)
	}
	return rr.Result, nil
}

// ChainInfo fetches /public/getchaininfo.
func (c *Client) ChainInfo(ctx context.Context) (map[string]interface{}, error) {
	return c.Get(ctx, "/public/getchaininfo", nil)
}

// BlockByHash fetches a block with its full tx list.
func (c *Client) BlockByHash(ctx context.Context, hash string) (map[string]interface{}, error) {
	q := url.Values{"hash": {hash}, "txinfo": {"true"}}
	return c.Get(ctx, "/public/getblockbyhash", q)
}

// BlockByHeight fetches the main-chain block at the given height.
func (c *Client) BlockByHeight(ctx context.Context, height int32) (map[string]interface{}, error) {
	q := url.Values{"height": {strconv.FormatInt(int64(height), 10)}}
	return c.Get(ctx, "/public/getblockbyheight", q)
}

// TxByHash fetches a transaction.
func (c *Client) TxByHash(ctx context.Context, hash string) (map[string]interface{}, error) {
	return c.Get(ctx, "/public/gettxbyhash", url.Values{"hash": {hash}})
}

// GetBlockTemplate asks the node for a work template for the given
// algorithm. The algorithm name doubles as the RPC password.
func (c *Client) GetBlockTemplate(ctx context.Context, algorithm string) (map[string]interface{}, error) {
	params := []interface{}{
		map[string]interface{}{"capabilities": []string{"coinbasetxn", "messagenonce"}},
	}
	result, err := c.JSONRPC(ctx, "getblocktemplate", params, "user", algorithm)
	if err != nil {
		return nil, err
	}
	var template map[string]interface{}
	if err := json.Unmarshal(result, &template); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return template, nil
}

// SubmitBlock pushes a solved block (hex-encoded) to the node. The node
// answers null on acceptance and a reason string on rejection.
func (c *Client) SubmitBlock(ctx context.Context, blockHex, algorithm string) (string, error) {
	result, err := c.JSONRPC(ctx, "submitblock", []interface{}{blockHex}, "user", algorithm)
	if err != nil {
		return "", err
	}
	if len(result) == 0 || string(result) == "null" {
		return "", nil
	}
	var reason string
	if err := json.Unmarshal(result, &reason); err != nil {
		return string(result), nil
	}
	return reason, nil
}

// PayPair is one sendmany recipient: address, coin id, amount.
type PayPair struct {
	Address string
	CoinID  uint32
	Amount  uint64
}

// SendMany asks the node wallet to pay the given recipients and returns
// the transaction hash.
func (c *Client) SendMany(ctx context.Context, pairs []PayPair) (string, error) {
	list := make([][3]interface{}, 0, len(pairs))
	for _, p := range pairs {
		list = append(list, [3]interface{}{p.Address, p.CoinID, p.Amount})
	}
	body := map[string]interface{}{"pairs": list}
	data, err := c.Post(ctx, "/private/sendmany", body)
	if err != nil {
		return "", err
	}
	hash, ok := data["hash"].(string)
	if !ok {
		return "", fmt.Errorf("sendmany: no hash in response")
	}
	return hash, nil
}
