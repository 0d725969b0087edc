package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Transaction errors
	CodeTransactionIDEmpty       Code = "TRANSACTION_ID_EMPTY"
	CodeTransactionTypeEmpty     Code = "TRANSACTION_TYPE_EMPTY"
	CodeTransactionClientIDEmpty Code = "TRANSACTION_CLIENT_ID_EMPTY"
	CodeTransactionNotPending    Code = "TRANSACTION_NOT_PENDING"
	CodeTransactionNotFound      Code = "TRANSACTION_NOT_FOUND"
	CodePayloadFieldMissing      Code = "PAYLOAD_FIELD_MISSING"
	CodePayloadFieldInvalid      Code = "PAYLOAD_FIELD_INVALID"

	// Instance errors
	CodeInstanceIDEmpty        Code = "INSTANCE_ID_EMPTY"
	CodeInstanceOwnerEmpty     Code = "INSTANCE_OWNER_EMPTY"
	CodeInstanceTemplateEmpty  Code = "INSTANCE_TEMPLATE_EMPTY"
	CodeInstanceDuplicateOwned Code = "INSTANCE_DUPLICATE_OWNED"
	CodeInstanceInvalidKind    Code = "INSTANCE_INVALID_KIND"

	// Template catalog errors
	CodeTemplateNotFound Code = "TEMPLATE_NOT_FOUND"
	CodeTemplateInvalid  Code = "TEMPLATE_INVALID"

	// Sync errors
	CodeSyncFeedUnavailable Code = "SYNC_FEED_UNAVAILABLE"
	CodeSyncInvalidStrategy Code = "SYNC_INVALID_STRATEGY"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)
