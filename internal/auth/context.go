package auth

// Context keys the JWT middleware sets after validating a bearer token.
const (
	// ContextUserID is the key for the account id in gin context.
	ContextUserID = "user_id"
	// ContextUserEmail is the key for the account email in gin context.
	ContextUserEmail = "user_email"
	// ContextUserHandle is the key for the persisted handle in gin context.
	ContextUserHandle = "user_handle"
)
