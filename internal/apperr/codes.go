package apperr

type Code string

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeNotFound         Code = "NOT_FOUND"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeTransientIO      Code = "TRANSIENT_IO"
	CodeMediaUnavailable Code = "MEDIA_UNAVAILABLE"
	CodeNegotiation      Code = "NEGOTIATION_FAILED"
	CodeInternal         Code = "INTERNAL"
)

// Permission reasons surfaced to callers; each drives a different UI prompt
// (block notice vs. buddy-request offer), so they are never collapsed.
const (
	ReasonBlocked     = "blocked"
	ReasonDMsDisabled = "dms_disabled"
	ReasonSelfDM      = "cannot_dm_self"
)

// Call failure reasons.
const (
	ReasonMediaUnavailable   = "media_unavailable"
	ReasonNegotiationTimeout = "negotiation_timeout"
)
