package fxa

// errnoAction is a recovery for a provider-defined error code: the state the
// flow returns to and the error surfaced to the UI.
//
// https://github.com/mozilla/fxa/blob/main/packages/fxa-auth-server/docs/api.md#defined-errors
type errnoAction struct {
	state State
	kind  ErrorKind
}

// errnoActions covers the codes with a fixed recovery. Codes needing extra
// dispatch (107 validation keys, 114 retry-after, 120 email case, 125
// unblock flow) are handled in processErrorObject.
var errnoActions = map[int]errnoAction{
	101: {StateStart, ErrorAccountAlreadyExists},
	102: {StateStart, ErrorUnknownAccount},
	103: {StateSignIn, ErrorIncorrectPassword},
	127: {StateUnblockCodeNeeded, ErrorInvalidUnblockCode},
	142: {StateStart, ErrorEmailTypeNotSupported},
	149: {StateStart, ErrorEmailCanNotBeUsedToLogin},
	151: {StateSignIn, ErrorFailedToSendEmail},
	183: {StateVerificationSessionByEmailNeeded, ErrorInvalidOrExpiredVerificationCode},
	201: {StateStart, ErrorServerUnavailable},
}

// networkErrorKind classifies a transport-level failure with no parseable
// provider error body.
func networkErrorKind(err error) ErrorKind {
	if isTimeoutError(err) {
		return ErrorConnectionTimeout
	}
	return ErrorAuthentication
}
