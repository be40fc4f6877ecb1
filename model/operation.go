package model

import "context"

// Endpoint kinds resolved to candidate paths by the endpoint resolver.
const (
	EndpointDefinition = "definition"
	EndpointResponses  = "responses"
	EndpointSave       = "save"
	EndpointComplete   = "complete"
	EndpointBatch      = "batch"
	EndpointStatus     = "status"
	EndpointUpload     = "upload"
	EndpointExport     = "export"
)

// Operation describes one logical remote call.
type Operation struct {
	// Name labels metrics, logs and spans.
	Name string
	// Kind selects the candidate endpoint list.
	Kind   string
	Method string
	// Params fills {placeholders} in candidate paths.
	Params map[string]string
	Query  map[string]string
	// Body is JSON-encoded unless RawBody is set.
	Body        any
	RawBody     []byte
	ContentType string
	Headers     map[string]string

	// Safe marks reads without side effects.
	Safe bool
	// Probe moves to the next candidate on 404/405.
	Probe bool
	// IdempotencyKey is sent as X-Idempotency-Key.
	IdempotencyKey string
	// QueueOnOffline is handed to the offline queue when the write cannot
	// reach the network.
	QueueOnOffline *QueuedWrite
}

// Result is a successful remote response.
type Result struct {
	StatusCode int
	Endpoint   string
	Body       []byte
	Headers    map[string]string
}

// Executor runs remote operations with the sync resilience policy.
type Executor interface {
	Execute(ctx context.Context, op Operation) (Result, error)
}
