package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Tracing Fields (context level)
// Propagated through the call chain of a sync run
// ============================================

const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldJobID is the sync job ID
	FieldJobID = "job_id"

	// FieldEntityKind is the synchronized entity kind (products, images, ...)
	FieldEntityKind = "entity_kind"

	// FieldResourceKey is the lock resource key
	FieldResourceKey = "resource_key"

	// FieldOwnerToken is the lock owner token of this process
	FieldOwnerToken = "owner_token"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldSource is the source system identifier
	FieldSource = "source"
)

// ============================================
// Metric Fields (entry level)
// Used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"

	// FieldCursor is the batch cursor a metric refers to
	FieldCursor = "cursor"
)
