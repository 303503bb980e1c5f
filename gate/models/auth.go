package models

import "time"

// AuthMethod is the verification method backing an authorization session.
type AuthMethod string

const (
	MethodOTPApp   AuthMethod = "OTP App"
	MethodSMS      AuthMethod = "SMS"
	MethodEmail    AuthMethod = "Email"
	MethodPassword AuthMethod = "Password"
)

// AuthSession is a single-use challenge covering one batch of payment
// entries. One correct response authorizes every entry in the batch.
type AuthSession struct {
	AuthID    string
	User      string
	Method    AuthMethod
	Entries   []string
	// CodeHash holds the HMAC of the delivered code for SMS/Email sessions.
	// OTP App and Password sessions verify against external material instead.
	CodeHash  []byte
	Setup     bool
	Verified  bool
	Consumed  bool
	Attempts  int
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Covers reports whether every docname belongs to the session's batch.
func (s *AuthSession) Covers(docnames []string) bool {
	if len(docnames) == 0 {
		return false
	}
	batch := make(map[string]struct{}, len(s.Entries))
	for _, name := range s.Entries {
		batch[name] = struct{}{}
	}
	for _, name := range docnames {
		if _, ok := batch[name]; !ok {
			return false
		}
	}
	return true
}

// GenerationResult is returned to the client after a challenge is created.
type GenerationResult struct {
	Method AuthMethod `json:"method"`
	Setup  bool       `json:"setup"`
	Prompt string     `json:"prompt"`
	AuthID string     `json:"auth_id"`
}

// Verification is the verdict for one submitted response.
type Verification struct {
	Verified bool   `json:"verified"`
	Message  string `json:"message,omitempty"`
}

// AuthProfile is the per-user read model the gate needs: roles and the
// contact points / secrets of the configured verification methods.
// Credential and session management live outside the gate.
type AuthProfile struct {
	User            string
	Roles           []string
	PreferredMethod AuthMethod
	TOTPSecret      string
	Mobile          string
	Email           string
}

func (p *AuthProfile) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}
