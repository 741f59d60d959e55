package log

// Common field names for structured logging
const (
	FieldComponent   = "component"
	FieldRequestID   = "request_id"
	FieldMethod      = "method"
	FieldPath        = "path"
	FieldStatusCode  = "status_code"
	FieldDurationMs  = "duration_ms"
	FieldError       = "error"
	FieldUserID      = "user_id"
	FieldExpenseID   = "expense_id"
	FieldMonthKey    = "month_key"
	FieldAmountCents = "amount_cents"
	FieldCategory    = "category"
	FieldCount       = "count"
	FieldTotalCents  = "total_cents"
	FieldCacheTier   = "cache_tier"
	FieldReadPath    = "read_path"
	FieldBackend     = "backend"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentExpense   = "expense"
	ComponentStats     = "stats"
	ComponentReader    = "reader"
	ComponentCache     = "cache"
	ComponentDocstore  = "docstore"
	ComponentAMQP      = "amqp"
	ComponentWorker    = "worker"
	ComponentReconcile = "reconcile"
	ComponentBackend   = "backend"
)

// Cache tiers as they appear in logs and metrics.
const (
	TierMemory     = "memory"
	TierPersistent = "persistent"
)
