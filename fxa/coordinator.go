package fxa

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

const passwordMinLength = 8

var (
	// ErrNoSession is returned when an operation requires a registered session.
	ErrNoSession = errors.New("fxa: no session registered")
	// ErrInvalidState is returned when an operation is not legal in the
	// coordinator's current state.
	ErrInvalidState = errors.New("fxa: operation not allowed in current state")
	// ErrSessionRegistered is returned when a second session attempts to
	// register while one is active.
	ErrSessionRegistered = errors.New("fxa: a session is already registered")
)

// https://github.com/mozilla/fxa/blob/main/packages/fxa-auth-server/lib/routes/validators.js
var (
	emailLocalRE  = regexp.MustCompile("(?i)^[A-Z0-9.!#$%&'*+/=?^_\x60{|}~-]{1,64}$")
	emailDomainRE = regexp.MustCompile(`(?i)^[A-Z0-9](?:[A-Z0-9-]{0,253}[A-Z0-9])?(?:\.[A-Z0-9](?:[A-Z0-9-]{0,253}[A-Z0-9])?)+$`)
)

// Coordinator brokers between the UI and the single active Session. It owns
// the externally observable protocol state and forwards UI operations to the
// registered session after checking they are legal in the current state.
//
// The coordinator is intended for a single-goroutine event loop, matching the
// request→response→next-request chaining of the session; it performs no
// internal locking. Callers must serialize access themselves.
type Coordinator struct {
	logger  *slog.Logger
	state   State
	session *Session

	// Observer callbacks. Nil callbacks are skipped. All callbacks are
	// invoked synchronously from within the operation that caused them.
	StateChanged           func(State)
	ErrorOccurred          func(ErrorKind, int)
	EmailAddressChanged    func(string)
	AttachedClientsChanged func([]string)
}

// NewCoordinator constructs a coordinator in the initializing state.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		logger: logger,
		state:  StateInitializing,
	}
}

// State returns the current protocol state.
func (c *Coordinator) State() State {
	return c.state
}

// EmailAddress returns the session's normalized email address, or the empty
// string when no session is registered.
func (c *Coordinator) EmailAddress() string {
	if c.session == nil {
		return ""
	}
	return c.session.EmailAddress()
}

// AttachedClients returns the client names collected for the account
// deletion flow.
func (c *Coordinator) AttachedClients() []string {
	if c.session == nil {
		return nil
	}
	return c.session.AttachedClients()
}

// CheckAccount looks up the account for emailAddress and moves the flow to
// sign-in, sign-up, or the browser fallback.
func (c *Coordinator) CheckAccount(ctx context.Context, emailAddress string) error {
	if err := c.requireState(StateStart); err != nil {
		return err
	}

	c.logger.Debug("authentication starting")
	c.session.CheckAccount(ctx, emailAddress)
	return nil
}

// SetPassword hands the plaintext password to the session. It is only legal
// while the UI is collecting credentials.
func (c *Coordinator) SetPassword(password string) error {
	if err := c.requireState(StateSignIn, StateSignUp); err != nil {
		return err
	}

	c.logger.Debug("setting the password")
	c.session.SetPassword(password)
	return nil
}

// SignIn submits the credentials for an existing account.
func (c *Coordinator) SignIn(ctx context.Context) error {
	if err := c.requireState(StateSignIn); err != nil {
		return err
	}

	c.logger.Debug("sign in")
	c.session.SignIn(ctx, "")
	return nil
}

// SignUp creates a new account with the collected credentials.
func (c *Coordinator) SignUp(ctx context.Context) error {
	if err := c.requireState(StateSignUp); err != nil {
		return err
	}

	c.logger.Debug("sign up")
	c.session.SignUp(ctx)
	return nil
}

// VerifyUnblockCode re-submits the sign-in with the emailed unblock code.
func (c *Coordinator) VerifyUnblockCode(ctx context.Context, unblockCode string) error {
	if err := c.requireState(StateUnblockCodeNeeded); err != nil {
		return err
	}
	c.session.VerifyUnblockCode(ctx, unblockCode)
	return nil
}

// ResendUnblockCodeEmail asks the provider to email a fresh unblock code.
func (c *Coordinator) ResendUnblockCodeEmail(ctx context.Context) error {
	if err := c.requireState(StateUnblockCodeNeeded); err != nil {
		return err
	}
	c.session.SendUnblockCodeEmail(ctx)
	return nil
}

// VerifySessionEmailCode submits the email OTP for session verification.
func (c *Coordinator) VerifySessionEmailCode(ctx context.Context, code string) error {
	if err := c.requireState(StateVerificationSessionByEmailNeeded); err != nil {
		return err
	}
	c.session.VerifySessionEmailCode(ctx, code)
	return nil
}

// ResendVerificationSessionCodeEmail asks for a fresh session code.
func (c *Coordinator) ResendVerificationSessionCodeEmail(ctx context.Context) error {
	if err := c.requireState(StateVerificationSessionByEmailNeeded); err != nil {
		return err
	}
	c.session.ResendVerificationSessionCodeEmail(ctx)
	return nil
}

// VerifySessionTotpCode submits the TOTP code for session verification.
func (c *Coordinator) VerifySessionTotpCode(ctx context.Context, code string) error {
	if err := c.requireState(StateVerificationSessionByTotpNeeded); err != nil {
		return err
	}
	c.session.VerifySessionTotpCode(ctx, code)
	return nil
}

// DeleteAccount issues the destructive account deletion call. It requires the
// explicit confirmation state reached through the deletion flow.
func (c *Coordinator) DeleteAccount(ctx context.Context) error {
	if err := c.requireState(StateAccountDeletionRequest); err != nil {
		return err
	}
	c.session.DeleteAccount(ctx)
	return nil
}

// Reset clears the session credentials and returns the flow to the start
// state, ready for a new email address.
func (c *Coordinator) Reset() error {
	if c.session == nil {
		return ErrNoSession
	}

	c.logger.Debug("authentication reset")
	c.setState(StateStart)
	c.session.Reset()
	return nil
}

// TerminateSession destroys the server-side session best-effort. It is a
// no-op without a registered session.
func (c *Coordinator) TerminateSession(ctx context.Context) {
	if c.session != nil {
		c.session.Terminate(ctx)
	}
}

func (c *Coordinator) requireState(allowed ...State) error {
	if c.session == nil {
		return ErrNoSession
	}
	for _, s := range allowed {
		if c.state == s {
			return nil
		}
	}
	return ErrInvalidState
}

func (c *Coordinator) setState(state State) {
	c.state = state
	if c.StateChanged != nil {
		c.StateChanged(state)
	}
}

// registerSession binds the session to the coordinator. At most one session
// may be registered at a time.
func (c *Coordinator) registerSession(session *Session) error {
	if c.session != nil {
		return ErrSessionRegistered
	}
	c.session = session
	return nil
}

// sessionClosed releases the registered session and returns the coordinator
// to the initializing state.
func (c *Coordinator) sessionClosed(session *Session) {
	if !c.fromRegisteredSession(session, "session close") {
		return
	}
	c.session = nil
	c.setState(StateInitializing)
}

// requestState is the session→coordinator callback updating the observable
// state. Requests from anything but the registered session are dropped.
func (c *Coordinator) requestState(state State, session *Session) {
	if !c.fromRegisteredSession(session, "state change") {
		return
	}
	c.setState(state)
}

// requestErrorPropagation surfaces a non-fatal error to the UI.
func (c *Coordinator) requestErrorPropagation(session *Session, kind ErrorKind, retryAfterSec int) {
	if !c.fromRegisteredSession(session, "error propagation") {
		return
	}
	if c.ErrorOccurred != nil {
		c.ErrorOccurred(kind, retryAfterSec)
	}
}

// requestEmailAddressChange notifies observers of the session's email.
func (c *Coordinator) requestEmailAddressChange(session *Session) {
	if !c.fromRegisteredSession(session, "email change") {
		return
	}
	if c.EmailAddressChanged != nil {
		c.EmailAddressChanged(session.EmailAddress())
	}
}

// requestAttachedClientsChange notifies observers of the attached clients.
func (c *Coordinator) requestAttachedClientsChange(session *Session) {
	if !c.fromRegisteredSession(session, "attached clients change") {
		return
	}
	if c.AttachedClientsChanged != nil {
		c.AttachedClientsChanged(session.AttachedClients())
	}
}

func (c *Coordinator) fromRegisteredSession(session *Session, op string) bool {
	if session == nil || session != c.session {
		c.logger.Warn("request from stale session dropped", "op", op)
		return false
	}
	return true
}

// ValidateEmailAddress implements the provider's structural (non-DNS) email
// check: exactly one @, a 1-64 char local part from the allowed class, and an
// ASCII-compatible-encoded domain of at most 255 chars made of dot-separated
// labels.
func ValidateEmailAddress(emailAddress string) bool {
	if emailAddress == "" {
		return false
	}

	parts := strings.Split(emailAddress, "@")
	if len(parts) != 2 || len(parts[1]) > 255 {
		return false
	}

	if !emailLocalRE.MatchString(parts[0]) {
		return false
	}

	// The local part needs no ASCII-compatible encoding; the domain does.
	domainAce, err := idna.Lookup.ToASCII(parts[1])
	if err != nil {
		return false
	}
	return emailDomainRE.MatchString(domainAce)
}

// ValidatePasswordLength enforces the provider's 8-character minimum.
func ValidatePasswordLength(password string) bool {
	return utf8.RuneCountInString(password) >= passwordMinLength
}

// ValidatePasswordEmail rejects passwords that appear inside the account's
// email address.
func (c *Coordinator) ValidatePasswordEmail(password string) bool {
	if c.session == nil {
		return true
	}
	return !strings.Contains(c.session.EmailAddress(), password)
}
