package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/polystore/polystore/internal/debug"
	"github.com/polystore/polystore/internal/security"
	"github.com/polystore/polystore/internal/storage"
	"github.com/polystore/polystore/internal/uuidv7"
)

// ClientVersion is stamped into every request so the daemon can report
// version skew. The CLI overrides it at startup.
var ClientVersion = "0.0.0"

func rpcDebugEnabled() bool {
	val := os.Getenv("POLYSTORE_DEBUG_RPC")
	return val == "1" || val == "true"
}

func rpcDebugLog(format string, args ...any) {
	if rpcDebugEnabled() {
		fmt.Fprintf(os.Stderr, "[RPC DEBUG] "+format+"\n", args...)
	}
}

// Client is a line-protocol connection to the daemon. It is not safe for
// concurrent use; open one per goroutine.
type Client struct {
	conn       net.Conn
	socketPath string
	timeout    time.Duration
	actor      string
	token      string
	isRemote   bool
}

// DaemonHost returns POLYSTORE_DAEMON_HOST. When set, clients dial TCP
// to that address instead of the local socket.
func DaemonHost() string {
	return os.Getenv("POLYSTORE_DAEMON_HOST")
}

// DaemonToken returns POLYSTORE_DAEMON_TOKEN, the auth token presented
// to remote daemons.
func DaemonToken() string {
	return os.Getenv("POLYSTORE_DAEMON_TOKEN")
}

// TryConnect attempts to reach a local daemon. It returns (nil, nil)
// when no daemon is running, so callers can fall back to direct mode.
func TryConnect(socketPath string) (*Client, error) {
	return TryConnectWithTimeout(socketPath, 200*time.Millisecond)
}

// TryConnectWithTimeout is TryConnect with an explicit dial timeout.
func TryConnectWithTimeout(socketPath string, dialTimeout time.Duration) (*Client, error) {
	rpcDebugLog("attempting connection to socket: %s", socketPath)

	if !endpointExists(socketPath) {
		debug.Logf("socket missing, no daemon running: %s", socketPath)
		return nil, nil
	}

	if dialTimeout <= 0 {
		dialTimeout = 200 * time.Millisecond
	}

	conn, err := dialRPC(socketPath, dialTimeout)
	if err != nil {
		// Stale socket from a crashed daemon: treat as no daemon.
		debug.Logf("failed to dial daemon socket: %v", err)
		rpcDebugLog("dial failed: %v", err)
		return nil, nil
	}

	client := &Client{conn: conn, socketPath: socketPath, timeout: 30 * time.Second}
	if _, err := client.Ping(); err != nil {
		debug.Logf("daemon ping failed: %v", err)
		_ = conn.Close()
		return nil, nil
	}

	rpcDebugLog("connected to daemon at %s", socketPath)
	return client, nil
}

// ConnectTCP connects to a remote daemon. Unlike TryConnect, an
// unreachable daemon is an error: the caller asked for this address.
func ConnectTCP(addr, token string) (*Client, error) {
	return ConnectTCPWithTimeout(addr, token, 2*time.Second)
}

// ConnectTCPWithTimeout is ConnectTCP with an explicit dial timeout.
func ConnectTCPWithTimeout(addr, token string, dialTimeout time.Duration) (*Client, error) {
	rpcDebugLog("attempting TCP connection to: %s", addr)

	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}

	conn, err := dialTCP(addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon at %s: %w", addr, err)
	}

	client := &Client{conn: conn, timeout: 30 * time.Second, token: token, isRemote: true}
	if _, err := client.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("daemon at %s did not answer ping: %w", addr, err)
	}

	rpcDebugLog("connected to daemon at %s", addr)
	return client, nil
}

// TryConnectAuto connects via TCP when POLYSTORE_DAEMON_HOST is set and
// the local socket otherwise.
func TryConnectAuto(socketPath string) (*Client, error) {
	if host := DaemonHost(); host != "" {
		return ConnectTCP(host, DaemonToken())
	}
	return TryConnect(socketPath)
}

// Close closes the connection to the daemon.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// SetTimeout sets the per-request timeout.
func (c *Client) SetTimeout(timeout time.Duration) { c.timeout = timeout }

// SetActor sets who is performing operations, for the daemon's logs.
func (c *Client) SetActor(actor string) { c.actor = actor }

// SetToken sets the auth token presented on every request.
func (c *Client) SetToken(token string) { c.token = token }

// IsRemote reports whether this client dialed TCP.
func (c *Client) IsRemote() bool { return c.isRemote }

// Execute sends one request frame and reads one response frame. A
// response with success=false comes back alongside an error so callers
// can inspect either.
func (c *Client) Execute(operation string, args any) (*Response, error) {
	var argsJSON json.RawMessage
	if args != nil {
		var err error
		argsJSON, err = json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal args: %w", err)
		}
	}

	req := Request{
		Operation:     operation,
		Args:          argsJSON,
		RequestID:     uuidv7.New(),
		Actor:         c.actor,
		ClientVersion: ClientVersion,
		Token:         c.token,
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("failed to set deadline: %w", err)
		}
	}

	writer := bufio.NewWriter(c.conn)
	if _, err := writer.Write(reqJSON); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}
	if err := writer.WriteByte('\n'); err != nil {
		return nil, fmt.Errorf("failed to write newline: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush: %w", err)
	}

	respLine, err := bufio.NewReader(c.conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if !resp.Success {
		return &resp, fmt.Errorf("operation failed: %s", resp.Error)
	}
	return &resp, nil
}

// Ping verifies the daemon is alive.
func (c *Client) Ping() (*PingResponse, error) {
	resp, err := c.Execute(OpPing, nil)
	if err != nil {
		return nil, err
	}
	var ping PingResponse
	if err := json.Unmarshal(resp.Data, &ping); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ping response: %w", err)
	}
	return &ping, nil
}

// Status retrieves daemon status metadata.
func (c *Client) Status() (*StatusResponse, error) {
	resp, err := c.Execute(OpStatus, nil)
	if err != nil {
		return nil, err
	}
	var status StatusResponse
	if err := json.Unmarshal(resp.Data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status response: %w", err)
	}
	return &status, nil
}

// Shutdown asks the daemon to stop gracefully.
func (c *Client) Shutdown() error {
	_, err := c.Execute(OpShutdown, nil)
	return err
}

// Dataops runs one data operation.
func (c *Client) Dataops(args *DataopsArgs) (*DataopsResult, error) {
	resp, err := c.Execute(OpDataops, args)
	if err != nil {
		return nil, err
	}
	var result DataopsResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataops result: %w", err)
	}
	return &result, nil
}

// Info retrieves model descriptors; an empty model means all of them.
func (c *Client) Info(model string) (*InfoResult, error) {
	resp, err := c.Execute(OpDataopsInfo, InfoArgs{Model: model})
	if err != nil {
		return nil, err
	}
	var result InfoResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal info result: %w", err)
	}
	return &result, nil
}

// Batch runs a list of operations. Item failures live inside the result;
// the call itself only errors on transport or encoding problems.
func (c *Client) Batch(args *BatchArgs) (*BatchResult, error) {
	resp, err := c.Execute(OpDataopsBatch, args)
	if err != nil {
		return nil, err
	}
	var result BatchResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch result: %w", err)
	}
	return &result, nil
}

// Create inserts a document, dict-encoded.
func (c *Client) Create(model string, data map[string]any, sctx *security.Context) (*DataopsResult, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}
	return c.Dataops(&DataopsArgs{Operation: ActionCreate, Model: model, Data: raw, Context: sctx})
}

// Read fetches one document by id. A miss returns a result with nil Data.
func (c *Client) Read(model, id string, sctx *security.Context) (*DataopsResult, error) {
	return c.Dataops(&DataopsArgs{Operation: ActionRead, Model: model, ID: id, Context: sctx})
}

// Update patches one document by id.
func (c *Client) Update(model, id string, patch map[string]any, sctx *security.Context) (*DataopsResult, error) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal patch: %w", err)
	}
	return c.Dataops(&DataopsArgs{Operation: ActionUpdate, Model: model, ID: id, Data: raw, Context: sctx})
}

// Delete removes one document by id from every binding.
func (c *Client) Delete(model, id string, sctx *security.Context) (*DataopsResult, error) {
	return c.Dataops(&DataopsArgs{Operation: ActionDelete, Model: model, ID: id, Context: sctx})
}

// Find queries a model. The query map uses the same operator syntax the
// engine accepts ($or, $in, $gt, ...).
func (c *Client) Find(model string, q map[string]any, opts storage.FindOptions, sctx *security.Context) (*DataopsResult, error) {
	return c.Dataops(&DataopsArgs{
		Operation: ActionFind,
		Model:     model,
		Query:     q,
		Limit:     opts.Limit,
		Skip:      opts.Skip,
		OrderBy:   opts.OrderBy,
		Desc:      opts.Desc,
		Context:   sctx,
	})
}
