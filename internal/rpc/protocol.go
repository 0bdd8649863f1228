// Package rpc is the daemon surface: three generic data tools (dataops,
// dataops_info, dataops_batch) plus housekeeping operations, carried as
// line-delimited JSON over a unix socket or TCP, or as websocket frames.
// Every failure is encoded into the response; nothing panics through the
// transport, and sensitive fields are projected out of every payload.
//
// Layout:
//   - protocol.go: operations, request/response frames, typed args/results
//   - server.go: Server, env tuning, dispatch, housekeeping handlers
//   - dataops.go: the three data tools and payload format codecs
//   - lifecycle.go: listeners, accept loop, connection handling, shutdown
//   - websocket.go: the websocket transport
//   - client.go: typed client used by the CLI
//   - transport_unix.go, transport_windows.go: dial/listen helpers
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/polystore/polystore/internal/security"
)

// Operation names accepted in Request.Operation.
const (
	OpDataops      = "dataops"
	OpDataopsInfo  = "dataops_info"
	OpDataopsBatch = "dataops_batch"
	OpPing         = "ping"
	OpStatus       = "status"
	OpShutdown     = "shutdown"
)

// Payload formats accepted by the dataops tool. Dict carries the document
// as a native JSON object; the other two carry it as an encoded string.
const (
	FormatDict = "dict"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Dataops sub-operations.
const (
	ActionCreate = "create"
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionFind   = "find"
)

// Request is one frame from client to daemon.
type Request struct {
	Operation     string          `json:"op"`
	Args          json.RawMessage `json:"args,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	Actor         string          `json:"actor,omitempty"`
	ClientVersion string          `json:"client_version,omitempty"`
	Token         string          `json:"token,omitempty"`
}

// Response is one frame from daemon to client. Exactly one of Data and
// Error is meaningful; Success tells which.
type Response struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// errorResponse encodes a failure. The message is what the client sees;
// it must never contain sensitive field values.
func errorResponse(format string, args ...any) Response {
	return Response{Success: false, Error: fmt.Sprintf(format, args...)}
}

// dataResponse marshals v into a success frame. A marshal failure is a
// server bug and is reported as an error frame rather than a panic.
func dataResponse(v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResponse("failed to encode response: %v", err)
	}
	return Response{Success: true, Data: data}
}

// DataopsArgs are the arguments of the dataops tool. Data carries the
// document for create/update (and may carry the id for read/delete when
// the ID field is not set); its wire encoding follows Format.
type DataopsArgs struct {
	Operation string            `json:"operation"`
	Model     string            `json:"model"`
	Data      json.RawMessage   `json:"data,omitempty"`
	Format    string            `json:"format,omitempty"`
	Context   *security.Context `json:"context,omitempty"`

	// Read / delete / find addressing and find controls.
	ID      string         `json:"id,omitempty"`
	Query   map[string]any `json:"query,omitempty"`
	Limit   int            `json:"limit,omitempty"`
	Skip    int            `json:"skip,omitempty"`
	OrderBy string         `json:"order_by,omitempty"`
	Desc    bool           `json:"desc,omitempty"`
}

// DataopsResult is the payload of a successful dataops call. Data holds
// the sanitized document in the requested format (a JSON object for dict,
// an encoded string for json/yaml); a read miss leaves it null. Find
// populates Items and Count instead.
type DataopsResult struct {
	Operation string `json:"operation"`
	Model     string `json:"model"`
	ID        string `json:"id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Items     []any  `json:"items,omitempty"`
	Count     int64  `json:"count,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// InfoArgs are the arguments of the dataops_info tool. An empty Model
// asks for every registered descriptor.
type InfoArgs struct {
	Model string `json:"model,omitempty"`
}

// FieldInfo describes one declared field in an info response.
type FieldInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// ModelInfo describes one registered model in an info response.
type ModelInfo struct {
	Name      string      `json:"name"`
	Path      string      `json:"path"`
	IDField   string      `json:"id_field"`
	IDPrefix  string      `json:"id_prefix,omitempty"`
	Secured   bool        `json:"secured"`
	Strategy  string      `json:"strategy"`
	Primary   string      `json:"primary"`
	Bindings  []string    `json:"bindings"`
	Sensitive []string    `json:"sensitive_fields,omitempty"`
	Fields    []FieldInfo `json:"fields,omitempty"`
	Doc       string      `json:"doc,omitempty"`
}

// InfoResult is the payload of a successful dataops_info call.
type InfoResult struct {
	Models []ModelInfo `json:"models"`
}

// BatchItem is one step of a dataops_batch call. Items always carry
// their document as a native object (dict format).
type BatchItem struct {
	Operation string            `json:"operation"`
	Model     string            `json:"model"`
	ID        string            `json:"id,omitempty"`
	Data      map[string]any    `json:"data,omitempty"`
	Context   *security.Context `json:"context,omitempty"`
}

// BatchArgs are the arguments of the dataops_batch tool. In transaction
// mode the first failing item aborts the remainder.
type BatchArgs struct {
	Operations  []BatchItem `json:"operations"`
	Transaction bool        `json:"transaction,omitempty"`
}

// BatchItemResult is the outcome of one batch step.
type BatchItemResult struct {
	Success bool           `json:"success"`
	Data    *DataopsResult `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// BatchResult is the payload of a dataops_batch call. Completed and
// Failed count attempted items; items skipped by a transaction abort are
// counted in neither.
type BatchResult struct {
	Results   []BatchItemResult `json:"results"`
	Completed int               `json:"completed"`
	Failed    int               `json:"failed"`
	Aborted   bool              `json:"aborted,omitempty"`
}

// PingResponse is the payload of a ping call.
type PingResponse struct {
	Message string `json:"message"`
	Version string `json:"version"`
}

// StatusResponse is the payload of a status call.
type StatusResponse struct {
	Version           string   `json:"version"`
	PID               int      `json:"pid"`
	UptimeSeconds     float64  `json:"uptime_seconds"`
	ActiveConnections int32    `json:"active_connections"`
	MaxConnections    int      `json:"max_connections"`
	RequestsServed    uint64   `json:"requests_served"`
	Models            []string `json:"models"`
	SocketPath        string   `json:"socket_path,omitempty"`
	TCPAddr           string   `json:"tcp_addr,omitempty"`
	LastActivity      string   `json:"last_activity,omitempty"`
}
