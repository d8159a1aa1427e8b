package hivevault

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"golang.org/x/time/rate"
)

// SessionSecurityLevel orders session trust: STANDARD < HIGH < CRITICAL.
type SessionSecurityLevel int

const (
	SessionStandard SessionSecurityLevel = iota
	SessionHigh
	SessionCritical
)

func (l SessionSecurityLevel) String() string {
	switch l {
	case SessionStandard:
		return "STANDARD"
	case SessionHigh:
		return "HIGH"
	case SessionCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// SecurityContext is one authenticated session. Owned exclusively by
// SessionManager; callers receive copies. Expiry is monotonic and is only
// extended by explicit MFA elevation.
type SecurityContext struct {
	UserID        string               `json:"user_id"`
	SessionID     string               `json:"session_id"`
	SecurityLevel SessionSecurityLevel `json:"security_level"`
	IP            string               `json:"ip,omitempty"`
	UserAgent     string               `json:"user_agent,omitempty"`
	MFAVerified   bool                 `json:"mfa_verified"`
	CreatedAt     time.Time            `json:"created_at"`
	ExpiresAt     time.Time            `json:"expires_at"`
}

// sensitiveOperations are denied without MFA regardless of session level.
var sensitiveOperations = map[string]bool{
	"delete":    true,
	"export":    true,
	"rotate":    true,
	"emergency": true,
}

// SessionManager tracks authenticated sessions, enforces the per-user
// concurrency cap by evicting the oldest session, expires sessions after the
// configured timeout, and gates sensitive operations behind TOTP-based MFA
// elevation.
//
// A per-user token-bucket limiter additionally caps expensive cryptographic
// operations per second so one session cannot monopolize KDF capacity.
//
// Thread Safety: all methods are safe for concurrent use.
type SessionManager struct {
	mu            sync.Mutex
	config        SessionConfig
	sessions      map[string]*SecurityContext
	mfaSecrets    map[string]string
	limiters      map[string]*userLimiter
	timeout       time.Duration
	maxConcurrent int

	now func() time.Time
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewSessionManager creates a manager from config.
func NewSessionManager(config SessionConfig) *SessionManager {
	timeout := time.Duration(config.TimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	maxConcurrent := config.MaxConcurrentSessions
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}

	return &SessionManager{
		config:        config,
		sessions:      make(map[string]*SecurityContext),
		mfaSecrets:    make(map[string]string),
		limiters:      make(map[string]*userLimiter),
		timeout:       timeout,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
	}
}

// CreateSession registers a new session for the user, evicting the user's
// oldest active session when the concurrency cap is reached.
func (s *SessionManager) CreateSession(userID, ip, userAgent string, mfaVerified bool, level SessionSecurityLevel) (string, error) {
	if userID == "" {
		return "", &ValidationError{Field: "user_id", Reason: "user ID cannot be empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expireLocked(now)

	// Evict the oldest session for this user if at the cap.
	var oldest *SecurityContext
	count := 0
	for _, session := range s.sessions {
		if session.UserID != userID {
			continue
		}
		count++
		if oldest == nil || session.CreatedAt.Before(oldest.CreatedAt) {
			oldest = session
		}
	}
	if count >= s.maxConcurrent && oldest != nil {
		delete(s.sessions, oldest.SessionID)
	}

	sessionID := uuid.NewString()
	s.sessions[sessionID] = &SecurityContext{
		UserID:        userID,
		SessionID:     sessionID,
		SecurityLevel: level,
		IP:            ip,
		UserAgent:     userAgent,
		MFAVerified:   mfaVerified,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.timeout),
	}
	return sessionID, nil
}

// GetSession returns a copy of the session, or nil if missing or expired.
func (s *SessionManager) GetSession(sessionID string) *SecurityContext {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	if !s.now().Before(session.ExpiresAt) {
		delete(s.sessions, sessionID)
		return nil
	}
	copied := *session
	return &copied
}

// InvalidateSession removes a session immediately.
func (s *SessionManager) InvalidateSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// ProvisionMFASecret registers a user's TOTP secret, provisioned
// out-of-band during enrolment.
func (s *SessionManager) ProvisionMFASecret(userID, secret string) error {
	if userID == "" || secret == "" {
		return &ValidationError{Field: "mfa", Reason: "user ID and secret are required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mfaSecrets[userID] = secret
	return nil
}

// RequireMFAElevation reports whether policy demands MFA for this session
// and the session has not yet been elevated.
func (s *SessionManager) RequireMFAElevation(sessionID string) bool {
	session := s.GetSession(sessionID)
	if session == nil {
		return false
	}
	return s.config.RequireMFA && !session.MFAVerified
}

// ElevateSessionMFA validates a TOTP code against the user's enrolled
// secret. On success the session gains mfaVerified and its expiry clock
// resets. Failures are generic AuthenticationFailure so the caller cannot
// distinguish a bad code from a missing enrolment.
func (s *SessionManager) ElevateSessionMFA(sessionID, totpCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok || !s.now().Before(session.ExpiresAt) {
		return &AuthenticationFailure{}
	}

	secret, ok := s.mfaSecrets[session.UserID]
	if !ok {
		return &AuthenticationFailure{}
	}
	if !totp.Validate(totpCode, secret) {
		return &AuthenticationFailure{}
	}

	session.MFAVerified = true
	session.ExpiresAt = s.now().Add(s.timeout)
	return nil
}

// Authorize checks whether the session may perform op at the required
// level. Operations in {delete, export, rotate, emergency} additionally
// require MFA. Returns a typed AuthorizationDenied describing the refusal.
func (s *SessionManager) Authorize(sessionID, op string, requiredLevel SessionSecurityLevel) error {
	session := s.GetSession(sessionID)
	if session == nil {
		return &AuthorizationDenied{Operation: op, Reason: "no active session"}
	}

	if sensitiveOperations[op] && !session.MFAVerified {
		return &AuthorizationDenied{Operation: op, Reason: "MFA elevation required"}
	}
	if session.SecurityLevel < requiredLevel {
		return &AuthorizationDenied{Operation: op, Reason: "insufficient session security level"}
	}
	return nil
}

// AllowOperation consults the per-user token bucket guarding expensive
// crypto calls. Returns true when the call may proceed.
func (s *SessionManager) AllowOperation(userID string) bool {
	if s.config.OperationsPerSecond <= 0 {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ul, ok := s.limiters[userID]
	if !ok {
		ul = &userLimiter{
			limiter: rate.NewLimiter(rate.Limit(s.config.OperationsPerSecond), int(s.config.OperationsPerSecond)+1),
		}
		s.limiters[userID] = ul
	}
	ul.lastSeen = s.now()
	return ul.limiter.Allow()
}

// ActiveSessions returns the number of unexpired sessions.
func (s *SessionManager) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(s.now())
	return len(s.sessions)
}

// Sweep removes expired sessions and idle per-user limiters. Intended for
// the periodic cleanup goroutine.
func (s *SessionManager) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expireLocked(now)

	idleCutoff := now.Add(-1 * time.Hour)
	for userID, ul := range s.limiters {
		if ul.lastSeen.Before(idleCutoff) {
			delete(s.limiters, userID)
		}
	}
}

// expireLocked drops expired sessions. Caller holds the mutex.
func (s *SessionManager) expireLocked(now time.Time) {
	for id, session := range s.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(s.sessions, id)
		}
	}
}
