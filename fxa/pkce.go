package fxa

import "golang.org/x/oauth2"

// PKCE is a Proof Key for Code Exchange pair binding the authorization code
// to this client. The verifier stays local; only the challenge travels.
type PKCE struct {
	Verifier        string
	CodeChallenge   string
	ChallengeMethod string
}

// NewPKCE generates a fresh verifier and its S256 challenge.
func NewPKCE() PKCE {
	verifier := oauth2.GenerateVerifier()
	return PKCE{
		Verifier:        verifier,
		CodeChallenge:   oauth2.S256ChallengeFromVerifier(verifier),
		ChallengeMethod: "S256",
	}
}
