package apperr

// Domain errors shared across services.
var (
	ErrSelfDM           = PermissionDenied(ReasonSelfDM, "cannot message yourself")
	ErrBlocked          = PermissionDenied(ReasonBlocked, "messaging is blocked between these users")
	ErrDMsDisabled      = PermissionDenied(ReasonDMsDisabled, "user does not accept direct messages")
	ErrUserNotFound     = NotFound("user not found")
	ErrConversationGone = NotFound("conversation not found")
	ErrNotParticipant   = PermissionDenied("", "user is not a participant of this conversation")
)
