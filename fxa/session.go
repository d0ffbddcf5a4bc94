package fxa

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// OAuthParams is the OAuth context captured once from the handshake response
// and replayed unmodified on every subsequent call of the session.
type OAuthParams struct {
	ClientID      string
	DeviceID      string
	State         string
	Scope         string
	AccessType    string
	FlowID        string
	FlowBeginTime float64
}

// Session runs the in-app authentication flow: handshake, account check,
// sign-in or sign-up, verification, and the final authorization exchange.
// It owns the credentials and the session token; the token never leaves the
// session except as signing key input.
//
// Operations block on their HTTP exchanges and drive the coordinator's state
// through the session→coordinator callbacks. Events fire synchronously from
// within the operation that caused them; nil callbacks are skipped.
type Session struct {
	logger   *slog.Logger
	client   *Client
	coord    *Coordinator
	flowType FlowType
	features FeaturesConfig

	params OAuthParams

	emailAddress        string // normalized (lowercased)
	emailAddressCaseFix string // as entered, or server-corrected
	originalLoginEmail  string // set once after an errno-120 correction
	password            string

	sessionToken    []byte
	attachedClients []string

	// caseSensitiveEmail skips the lowercasing of the entered email. Testing
	// override only.
	caseSensitiveEmail bool

	// Terminal events.
	Completed        func(code string)
	Failed           func(ErrorKind)
	AccountDeleted   func()
	FallbackRequired func()
	Terminated       func()
}

// NewSession constructs a session bound to the API client. It is not active
// until Start registers it with the coordinator.
func NewSession(coord *Coordinator, client *Client, flowType FlowType, features FeaturesConfig, logger *slog.Logger) *Session {
	return &Session{
		logger:   logger,
		client:   client,
		coord:    coord,
		flowType: flowType,
		features: features,
	}
}

// EmailAddress returns the normalized email address.
func (s *Session) EmailAddress() string {
	return s.emailAddress
}

// AttachedClients returns the client names collected for the deletion flow.
func (s *Session) AttachedClients() []string {
	return s.attachedClients
}

// Start registers the session and performs the handshake that hands out the
// OAuth parameters. With an empty emailAddress the flow pauses in the start
// state waiting for UI input; otherwise it proceeds straight to the account
// check.
func (s *Session) Start(ctx context.Context, codeChallenge, codeChallengeMethod, emailAddress string) error {
	s.logger.Debug("authentication session starting")

	if err := s.coord.registerSession(s); err != nil {
		return err
	}

	authURL := s.client.AuthorizationURL(codeChallenge, codeChallengeMethod, emailAddress)
	body, _, err := s.client.Get(ctx, authURL)
	if err != nil {
		s.logger.Error("failed to fetch the initial request", "error", err)
		// A superseded handshake is not an error worth surfacing.
		if !isCanceledError(err) {
			s.processRequestFailure(ctx, err)
		}
		return nil
	}

	params, err := parseOAuthParams(body)
	if err != nil {
		s.logger.Error("invalid handshake document", "error", err)
		s.emitFailed(ErrorAuthentication)
		return nil
	}
	s.params = params

	if emailAddress == "" {
		s.coord.requestState(StateStart, s)
		return nil
	}

	s.CheckAccount(ctx, emailAddress)
	return nil
}

// CheckAccount normalizes the email address and asks the provider whether an
// account exists for it.
func (s *Session) CheckAccount(ctx context.Context, emailAddress string) {
	if s.caseSensitiveEmail {
		s.emailAddress = emailAddress
	} else {
		s.emailAddress = strings.ToLower(emailAddress)
	}
	s.emailAddressCaseFix = emailAddress

	s.coord.requestEmailAddressChange(s)
	s.coord.requestState(StateCheckingAccount, s)

	body, err := s.client.Post(ctx, "/v1/account/status", map[string]any{
		"email": s.emailAddress,
	})
	if err != nil {
		s.logger.Error("failed to check the account status", "error", err)
		s.processRequestFailure(ctx, err)
		return
	}

	var status struct {
		Exists bool `json:"exists"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		s.emitFailed(ErrorAuthentication)
		return
	}
	s.accountChecked(status.Exists)
}

func (s *Session) accountChecked(exists bool) {
	s.logger.Debug("account checked", "exists", exists)

	if exists {
		s.coord.requestState(StateSignIn, s)
		return
	}

	if s.features.InAppAccountCreate {
		s.coord.requestState(StateSignUp, s)
		return
	}

	s.coord.requestState(StateFallbackInBrowser, s)
	if s.FallbackRequired != nil {
		s.FallbackRequired()
	}
}

// SetPassword stores the plaintext password for the next sign-in/up call.
// It is discarded on Reset and never persisted.
func (s *Session) SetPassword(password string) {
	s.password = password
}

// SignIn submits the credentials, optionally carrying an unblock code.
func (s *Session) SignIn(ctx context.Context, unblockCode string) {
	s.logger.Debug("sign in")
	s.coord.requestState(StateSigningIn, s)
	s.signInInternal(ctx, unblockCode)
}

func (s *Session) signInInternal(ctx context.Context, unblockCode string) {
	payload := map[string]any{
		"email":              s.emailAddressCaseFix,
		"authPW":             hex.EncodeToString(DeriveAuthPassword(s.emailAddressCaseFix, s.password)),
		"reason":             "signin",
		"service":            s.params.ClientID,
		"skipErrorCase":      true,
		"verificationMethod": "email-otp",
		"metricsContext":     s.metricsContext(),
	}
	if s.originalLoginEmail != "" {
		payload["originalLoginEmail"] = s.originalLoginEmail
	}
	if unblockCode != "" {
		payload["unblockCode"] = unblockCode
	}

	body, err := s.client.Post(ctx, "/v1/account/login", payload)
	if err != nil {
		// Timeouts during sign-in are plausibly transient; hand the UI back
		// the password prompt instead of failing the flow.
		if isTimeoutError(err) {
			s.coord.requestState(StateSignIn, s)
			s.coord.requestErrorPropagation(s, ErrorConnectionTimeout, 0)
			return
		}

		// The provider corrects the email case once; re-issue with the
		// authoritative form. A second errno 120 is an ordinary error.
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Errno == 120 && apiErr.Email != "" && s.originalLoginEmail == "" {
			s.logger.Debug("retrying sign-in with corrected email case")
			s.originalLoginEmail = s.emailAddressCaseFix
			s.emailAddressCaseFix = apiErr.Email
			s.signInInternal(ctx, unblockCode)
			return
		}

		s.logger.Error("failed to sign in", "error", err)
		s.processRequestFailure(ctx, err)
		return
	}

	s.signInOrUpCompleted(ctx, body)
}

// SignUp creates the account with the derived auth password.
func (s *Session) SignUp(ctx context.Context) {
	s.logger.Debug("sign up")
	s.coord.requestState(StateSigningUp, s)

	body, err := s.client.Post(ctx, "/v1/account/create", map[string]any{
		"email":              s.emailAddressCaseFix,
		"authPW":             hex.EncodeToString(DeriveAuthPassword(s.emailAddressCaseFix, s.password)),
		"service":            s.params.ClientID,
		"verificationMethod": "email-otp",
		"metricsContext":     s.metricsContext(),
	})
	if err != nil {
		s.logger.Error("failed to sign up", "error", err)
		s.processRequestFailure(ctx, err)
		return
	}

	s.signInOrUpCompleted(ctx, body)
}

func (s *Session) signInOrUpCompleted(ctx context.Context, body []byte) {
	var result struct {
		SessionToken       string `json:"sessionToken"`
		Verified           bool   `json:"verified"`
		VerificationMethod string `json:"verificationMethod"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		s.emitFailed(ErrorAuthentication)
		return
	}

	s.logger.Debug("session generated", "verified", result.Verified)

	// Kept for the best-effort destroy at session teardown.
	token, err := hex.DecodeString(result.SessionToken)
	if err != nil {
		s.logger.Error("malformed session token")
		s.emitFailed(ErrorAuthentication)
		return
	}
	s.sessionToken = token

	if !result.Verified {
		switch result.VerificationMethod {
		case "totp-2fa":
			s.coord.requestState(StateVerificationSessionByTotpNeeded, s)
		case "email-otp":
			s.coord.requestState(StateVerificationSessionByEmailNeeded, s)
		default:
			s.logger.Error("unsupported verification method", "method", result.VerificationMethod)
			s.emitFailed(ErrorAuthentication)
		}
		return
	}

	s.finalizeSignInOrUp(ctx)
}

func (s *Session) unblockCodeNeeded(ctx context.Context) {
	s.logger.Debug("unblock code needed")
	s.coord.requestState(StateUnblockCodeNeeded, s)
	s.SendUnblockCodeEmail(ctx)
}

// VerifyUnblockCode re-submits the sign-in carrying the emailed code.
func (s *Session) VerifyUnblockCode(ctx context.Context, unblockCode string) {
	s.logger.Debug("sign in with unblock code")
	s.coord.requestState(StateVerifyingUnblockCode, s)
	s.signInInternal(ctx, unblockCode)
}

// SendUnblockCodeEmail asks the provider to email a fresh unblock code. It is
// always legal from the unblock-code state.
func (s *Session) SendUnblockCodeEmail(ctx context.Context) {
	s.logger.Debug("resend unblock code")

	_, err := s.client.Post(ctx, "/v1/account/login/send_unblock_code", map[string]any{
		"email": s.emailAddressCaseFix,
	})
	if err != nil {
		s.logger.Error("failed to resend the unblock code", "error", err)
		s.processRequestFailure(ctx, err)
	}
}

// VerifySessionEmailCode submits the email OTP for the session.
func (s *Session) VerifySessionEmailCode(ctx context.Context, code string) {
	s.logger.Debug("verify session code by email")
	s.coord.requestState(StateVerifyingSessionEmailCode, s)

	_, err := s.client.HawkPost(ctx, "/v1/session/verify_code", s.sessionToken, map[string]any{
		"code":    code,
		"service": s.params.ClientID,
		"scopes":  s.parsedScopes(),
	})
	if err != nil {
		s.logger.Error("failed to verify the session code", "error", err)
		s.processRequestFailure(ctx, err)
		return
	}

	s.finalizeSignInOrUp(ctx)
}

// ResendVerificationSessionCodeEmail asks for a fresh session code.
func (s *Session) ResendVerificationSessionCodeEmail(ctx context.Context) {
	s.logger.Debug("resend verification code")

	_, err := s.client.HawkPost(ctx, "/v1/session/resend_code", s.sessionToken, map[string]any{})
	if err != nil {
		s.logger.Error("failed to resend the session code", "error", err)
		s.processRequestFailure(ctx, err)
	}
}

// VerifySessionTotpCode submits the TOTP code. The provider reports an
// invalid code through a success flag in a 200 body, not through the status.
func (s *Session) VerifySessionTotpCode(ctx context.Context, code string) {
	s.logger.Debug("verify session code by totp")
	s.coord.requestState(StateVerifyingSessionTotpCode, s)

	body, err := s.client.HawkPost(ctx, "/v1/session/verify/totp", s.sessionToken, map[string]any{
		"code":    code,
		"service": s.params.ClientID,
		"scopes":  []string{s.params.Scope},
	})
	if err != nil {
		s.logger.Error("failed to verify the totp code", "error", err)
		s.processRequestFailure(ctx, err)
		return
	}

	var result struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		s.emitFailed(ErrorAuthentication)
		return
	}

	if !result.Success {
		s.coord.requestState(StateVerificationSessionByTotpNeeded, s)
		s.coord.requestErrorPropagation(s, ErrorInvalidTotpCode, 0)
		return
	}

	s.finalizeSignInOrUp(ctx)
}

// finalizeSignInOrUp performs the authorization exchange and follows the
// redirect to capture the final code, the terminal success of the flow.
func (s *Session) finalizeSignInOrUp(ctx context.Context) {
	body, err := s.client.HawkPost(ctx, "/v1/oauth/authorization", s.sessionToken, map[string]any{
		"client_id":   s.params.ClientID,
		"state":       s.params.State,
		"scope":       s.params.Scope,
		"access_type": s.params.AccessType,
	})
	if err != nil {
		s.logger.Error("failed to create the oauth code", "error", err)
		s.processRequestFailure(ctx, err)
		return
	}

	var authz struct {
		Code     *string `json:"code"`
		State    *string `json:"state"`
		Redirect *string `json:"redirect"`
	}
	if err := json.Unmarshal(body, &authz); err != nil ||
		authz.Code == nil || authz.State == nil || authz.Redirect == nil {
		s.logger.Error("authorization response missing code/state/redirect")
		s.emitFailed(ErrorAuthentication)
		return
	}

	redirectBody, finalURL, err := s.client.Get(ctx, *authz.Redirect)
	if err != nil {
		s.logger.Error("failed to fetch the redirect", "error", err)
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			s.emitFailed(ErrorAuthentication)
			return
		}
		s.emitFailed(networkErrorKind(err))
		return
	}

	code, ok := redirectCode(redirectBody, finalURL)
	if !ok {
		s.logger.Error("final code not received")
		s.emitFailed(ErrorAuthentication)
		return
	}

	if s.Completed != nil {
		s.Completed(code)
	}
}

// redirectCode extracts the final authorization code from the redirect
// response: a JSON body carrying it, or the query string of the effective
// URL for listener-style redirects.
func redirectCode(body []byte, finalURL *url.URL) (string, bool) {
	var doc struct {
		Code *string `json:"code"`
	}
	if err := json.Unmarshal(body, &doc); err == nil && doc.Code != nil {
		return *doc.Code, true
	}

	if finalURL != nil {
		if code := finalURL.Query().Get("code"); code != "" {
			return code, true
		}
	}
	return "", false
}

// StartAccountDeletionFlow fetches the clients attached to the account and
// moves the flow to the deletion confirmation state.
func (s *Session) StartAccountDeletionFlow(ctx context.Context) {
	body, err := s.client.HawkGet(ctx, "/v1/account/attached_clients", s.sessionToken)
	if err != nil {
		s.logger.Error("failed to fetch the attached clients", "error", err)
		s.processRequestFailure(ctx, err)
		return
	}

	var clients []struct {
		Name *string `json:"name"`
	}
	if err := json.Unmarshal(body, &clients); err != nil {
		s.emitFailed(ErrorAuthentication)
		return
	}

	for _, client := range clients {
		if client.Name == nil {
			s.logger.Error("attached clients: no client name found")
			s.emitFailed(ErrorAuthentication)
			return
		}
		name := *client.Name
		if name == "" || slices.Contains(s.attachedClients, name) {
			continue
		}
		s.attachedClients = append(s.attachedClients, name)
	}

	s.coord.requestAttachedClientsChange(s)
	s.coord.requestState(StateAccountDeletionRequest, s)
}

// DeleteAccount issues the destructive deletion call. Deletion is best
// effort: the AccountDeleted event fires whether or not the call succeeds,
// so the UI always proceeds.
func (s *Session) DeleteAccount(ctx context.Context) {
	_, err := s.client.HawkPost(ctx, "/v1/account/destroy", s.sessionToken, map[string]any{
		"email":  s.emailAddress,
		"authPW": hex.EncodeToString(DeriveAuthPassword(s.emailAddressCaseFix, s.password)),
	})
	if err != nil {
		s.logger.Error("failed to delete the account", "error", err)
	} else {
		s.logger.Debug("account deleted")
	}

	if s.AccountDeleted != nil {
		s.AccountDeleted()
	}
}

// Terminate destroys the server-side session best-effort and releases the
// session from the coordinator. Without a token there is nothing to destroy
// and the Terminated event fires synchronously.
func (s *Session) Terminate(ctx context.Context) {
	if len(s.sessionToken) != 0 {
		if _, err := s.client.HawkPost(ctx, "/v1/session/destroy", s.sessionToken, map[string]any{}); err != nil {
			s.logger.Error("failed to destroy the session", "error", err)
		} else {
			s.logger.Debug("session destroyed")
		}
	}

	if s.Terminated != nil {
		s.Terminated()
	}
	s.coord.sessionClosed(s)
}

// Reset clears the credentials and the session token so the flow can restart
// with a new email address. The coordinator sets the start state before
// calling this.
func (s *Session) Reset() {
	s.sessionToken = nil
	s.emailAddress = ""
	s.emailAddressCaseFix = ""
	s.originalLoginEmail = ""
	s.password = ""
	s.attachedClients = nil

	s.coord.requestEmailAddressChange(s)
}

// processRequestFailure distinguishes provider business errors, which map to
// recovery transitions, from transport failures, which terminate the flow.
func (s *Session) processRequestFailure(ctx context.Context, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		s.processErrorObject(ctx, apiErr)
		return
	}

	s.emitFailed(networkErrorKind(err))
}

func (s *Session) processErrorObject(ctx context.Context, apiErr *APIError) {
	if action, ok := errnoActions[apiErr.Errno]; ok {
		s.coord.requestState(action.state, s)
		s.coord.requestErrorPropagation(s, action.kind, 0)
		return
	}

	switch apiErr.Errno {
	case 107: // Invalid parameter in request body
		s.processValidationError(apiErr)

	case 114: // Client has sent too many requests
		if s.flowType == FlowDefault {
			s.coord.requestState(StateStart, s)
		} else {
			// Non-default flows have no explicit email step to return to.
			s.coord.requestState(StateSignIn, s)
		}
		s.coord.requestErrorPropagation(s, ErrorTooManyRequests, apiErr.RetryAfter)

	case 125: // The request was blocked for security reasons
		if apiErr.VerificationMethod == "email-captcha" {
			s.unblockCodeNeeded(ctx)
			return
		}
		s.logger.Error("unsupported verification method", "method", apiErr.VerificationMethod)
		s.coord.requestErrorPropagation(s, ErrorUnhandled, 0)

	default:
		s.logger.Error("unsupported error code", "errno", apiErr.Errno, "message", apiErr.Message)
		s.coord.requestErrorPropagation(s, ErrorUnhandled, 0)
	}
}

func (s *Session) processValidationError(apiErr *APIError) {
	keys := apiErr.Validation.Keys

	switch {
	case slices.Contains(keys, "unblockCode"):
		s.coord.requestState(StateUnblockCodeNeeded, s)
		s.coord.requestErrorPropagation(s, ErrorInvalidUnblockCode, 0)

	case slices.Contains(keys, "email"):
		s.coord.requestState(StateStart, s)
		s.coord.requestErrorPropagation(s, ErrorInvalidEmailAddress, 0)

	case slices.Contains(keys, "code"):
		// An invalid code arrives in both the totp and the email
		// verification steps; the current state picks the recovery.
		if s.coord.State() == StateVerifyingSessionTotpCode {
			s.coord.requestState(StateVerificationSessionByTotpNeeded, s)
			s.coord.requestErrorPropagation(s, ErrorInvalidTotpCode, 0)
			return
		}
		s.coord.requestState(StateVerificationSessionByEmailNeeded, s)
		s.coord.requestErrorPropagation(s, ErrorInvalidOrExpiredVerificationCode, 0)

	default:
		s.logger.Error("unsupported validation parameter", "keys", keys)
		s.coord.requestErrorPropagation(s, ErrorUnhandled, 0)
	}
}

func (s *Session) emitFailed(kind ErrorKind) {
	if s.Failed != nil {
		s.Failed(kind)
	}
}

func (s *Session) metricsContext() map[string]any {
	return map[string]any{
		"deviceId":      s.params.DeviceID,
		"flowId":        s.params.FlowID,
		"flowBeginTime": s.params.FlowBeginTime,
	}
}

// parsedScopes splits the space-separated scope string, percent-decoding
// URL-shaped entries the way the provider hands them out.
func (s *Session) parsedScopes() []string {
	scopes := strings.Split(s.params.Scope, " ")
	out := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		if strings.HasPrefix(scope, "http") {
			if decoded, err := url.QueryUnescape(scope); err == nil {
				scope = decoded
			}
		}
		out = append(out, scope)
	}
	return out
}

// parseOAuthParams extracts the seven required OAuth parameters from the
// nested handshake document; any missing field is a hard failure.
func parseOAuthParams(body []byte) (OAuthParams, error) {
	var doc struct {
		FxaOAuth struct {
			Params map[string]any `json:"params"`
		} `json:"fxa_oauth"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return OAuthParams{}, fmt.Errorf("parse handshake: %w", err)
	}
	raw := doc.FxaOAuth.Params
	if raw == nil {
		return OAuthParams{}, errors.New("no fxa_oauth/params object")
	}

	var params OAuthParams
	fields := []struct {
		key string
		dst *string
	}{
		{"client_id", &params.ClientID},
		{"device_id", &params.DeviceID},
		{"state", &params.State},
		{"scope", &params.Scope},
		{"access_type", &params.AccessType},
		{"flow_id", &params.FlowID},
	}
	for _, f := range fields {
		value, ok := raw[f.key].(string)
		if !ok {
			return OAuthParams{}, fmt.Errorf("missing fxa_oauth/params field %q", f.key)
		}
		*f.dst = value
	}

	switch value := raw["flow_begin_time"].(type) {
	case string:
		t, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return OAuthParams{}, fmt.Errorf("malformed flow_begin_time: %w", err)
		}
		params.FlowBeginTime = t
	case float64:
		params.FlowBeginTime = value
	default:
		return OAuthParams{}, errors.New(`missing fxa_oauth/params field "flow_begin_time"`)
	}

	return params, nil
}
