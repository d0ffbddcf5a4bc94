package fxa

// State is the externally observable step of the authentication flow. The
// coordinator always mirrors the last state requested by the registered
// session.
type State int

const (
	StateInitializing State = iota
	StateStart
	StateCheckingAccount
	StateSignIn
	StateSignUp
	StateSigningIn
	StateSigningUp
	StateUnblockCodeNeeded
	StateVerifyingUnblockCode
	StateVerificationSessionByEmailNeeded
	StateVerifyingSessionEmailCode
	StateVerificationSessionByTotpNeeded
	StateVerifyingSessionTotpCode
	StateFallbackInBrowser
	StateAccountDeletionRequest
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateStart:
		return "start"
	case StateCheckingAccount:
		return "checking-account"
	case StateSignIn:
		return "sign-in"
	case StateSignUp:
		return "sign-up"
	case StateSigningIn:
		return "signing-in"
	case StateSigningUp:
		return "signing-up"
	case StateUnblockCodeNeeded:
		return "unblock-code-needed"
	case StateVerifyingUnblockCode:
		return "verifying-unblock-code"
	case StateVerificationSessionByEmailNeeded:
		return "verification-session-by-email-needed"
	case StateVerifyingSessionEmailCode:
		return "verifying-session-email-code"
	case StateVerificationSessionByTotpNeeded:
		return "verification-session-by-totp-needed"
	case StateVerifyingSessionTotpCode:
		return "verifying-session-totp-code"
	case StateFallbackInBrowser:
		return "fallback-in-browser"
	case StateAccountDeletionRequest:
		return "account-deletion-request"
	default:
		return "unknown"
	}
}

// FlowType selects which flow the session serves. The distinction matters
// only for the too-many-requests recovery state: the default flow returns to
// the email prompt, every other flow skips it and returns to the password
// prompt.
type FlowType int

const (
	FlowDefault FlowType = iota
	FlowAccountDeletion
)

// ErrorKind is a user-facing classification of an authentication error,
// mapped from provider errno values or transport failures.
type ErrorKind int

const (
	ErrorAuthentication ErrorKind = iota
	ErrorAccountAlreadyExists
	ErrorUnknownAccount
	ErrorIncorrectPassword
	ErrorInvalidEmailAddress
	ErrorInvalidOrExpiredVerificationCode
	ErrorInvalidTotpCode
	ErrorInvalidUnblockCode
	ErrorConnectionTimeout
	ErrorEmailCanNotBeUsedToLogin
	ErrorEmailTypeNotSupported
	ErrorFailedToSendEmail
	ErrorServerUnavailable
	ErrorTooManyRequests
	ErrorUnhandled
)

func (e ErrorKind) String() string {
	switch e {
	case ErrorAuthentication:
		return "authentication-error"
	case ErrorAccountAlreadyExists:
		return "account-already-exists"
	case ErrorUnknownAccount:
		return "unknown-account"
	case ErrorIncorrectPassword:
		return "incorrect-password"
	case ErrorInvalidEmailAddress:
		return "invalid-email-address"
	case ErrorInvalidOrExpiredVerificationCode:
		return "invalid-or-expired-verification-code"
	case ErrorInvalidTotpCode:
		return "invalid-totp-code"
	case ErrorInvalidUnblockCode:
		return "invalid-unblock-code"
	case ErrorConnectionTimeout:
		return "connection-timeout"
	case ErrorEmailCanNotBeUsedToLogin:
		return "email-can-not-be-used-to-login"
	case ErrorEmailTypeNotSupported:
		return "email-type-not-supported"
	case ErrorFailedToSendEmail:
		return "failed-to-send-email"
	case ErrorServerUnavailable:
		return "server-unavailable"
	case ErrorTooManyRequests:
		return "too-many-requests"
	case ErrorUnhandled:
		return "unhandled"
	default:
		return "unknown"
	}
}
