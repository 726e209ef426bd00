// Package auth owns the login and token lifecycle: SMS code request, code
// verification with lockout, token refresh and push token acquisition.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"intercom-bridge/internal/clock"
	"intercom-bridge/internal/failure"
	"intercom-bridge/internal/is74"
	"intercom-bridge/internal/jwt"
	"intercom-bridge/internal/retry"
	"intercom-bridge/internal/secure"
)

type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateCodeRequested   State = "code_requested"
	StateVerifying       State = "verifying"
	StateAuthenticated   State = "authenticated"
	StateRefreshing      State = "refreshing"
	StateLockedOut       State = "locked_out"
)

const defaultPushTokenTTL = 90 * 24 * time.Hour

// Provider is the part of the provider API used for authentication.
type Provider interface {
	RequestCode(ctx context.Context, phone string) (string, error)
	CheckCode(ctx context.Context, phone, code, authID string) (is74.Confirmation, error)
	GetToken(ctx context.Context, authID string, userID int64) (is74.Grant, error)
	PushToken(ctx context.Context, accessToken string) (string, error)
}

// Store persists the token set encrypted. *secure.Store satisfies it.
type Store interface {
	SaveJSON(ctx context.Context, key string, v any) error
	LoadJSON(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
}

type Options struct {
	RefreshMargin time.Duration
	MaxAttempts   int
	Lockout       time.Duration
	SessionTTL    time.Duration
	// Retry for network failures of the refresh call.
	RefreshRetry retry.Policy
	// Retry for push token acquisition.
	PushRetry retry.Policy
	Clock     clock.Clock
}

func (o *Options) setDefaults() {
	if o.RefreshMargin == 0 {
		o.RefreshMargin = 300 * time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.Lockout == 0 {
		o.Lockout = 5 * time.Minute
	}
	if o.SessionTTL == 0 {
		o.SessionTTL = 10 * time.Minute
	}
	if o.PushRetry.MaxAttempts == 0 {
		o.PushRetry = retry.Policy{MaxAttempts: 3, Base: time.Second, Cap: 4 * time.Second}
	}
	if o.RefreshRetry.MaxAttempts == 0 {
		o.RefreshRetry = retry.Policy{MaxAttempts: 2, Base: time.Second, Cap: time.Second}
	}
	o.Clock = clock.Or(o.Clock)
	if o.PushRetry.Clock == nil {
		o.PushRetry.Clock = o.Clock
	}
	if o.RefreshRetry.Clock == nil {
		o.RefreshRetry.Clock = o.Clock
	}
}

// Snapshot is a read-only view of the manager for status reporting.
type Snapshot struct {
	State          State     `json:"state"`
	Authenticated  bool      `json:"authenticated"`
	Phone          string    `json:"phone,omitempty"`
	UserID         int64     `json:"user_id,omitempty"`
	ExpiresAt      time.Time `json:"expires_at,omitzero"`
	PushToken      bool      `json:"push_token"`
	FailedAttempts int       `json:"failed_attempts"`
	LockedUntil    time.Time `json:"locked_until,omitzero"`
}

type Manager struct {
	provider Provider
	store    Store
	opts     Options
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	tokens   *TokenSet
	attempts AttemptCounter
	sessions map[string]*codeSession
	// gen changes on every login and logout. Background refreshes commit
	// only when it still matches the value they started with.
	gen uint64

	// persistMu orders writes to the store with the commits they belong to.
	persistMu sync.Mutex
	flight    singleflight.Group
}

func NewManager(provider Provider, store Store, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		provider: provider,
		store:    store,
		opts:     opts,
		clock:    opts.Clock,
		logger:   slog.With("component", "auth"),
		state:    StateUnauthenticated,
		sessions: make(map[string]*codeSession),
	}
}

// Restore loads the persisted token set. Unreadable tokens are discarded so
// that the user logs in again; they are not an error.
func (m *Manager) Restore(ctx context.Context) error {
	var ts TokenSet
	err := m.store.LoadJSON(ctx, tokensKey, &ts)
	switch {
	case errors.Is(err, secure.ErrNotFound):
		m.logger.Info("No stored tokens, login required")
		return nil
	case failure.Is(err, failure.StorageDecryptionFailed):
		m.logger.Warn("Stored tokens are unreadable, login required", "error", err)
		if derr := m.store.Delete(ctx, tokensKey); derr != nil {
			m.logger.Error("Failed to discard unreadable tokens", "error", derr)
		}
		return nil
	case err != nil:
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = &ts
	m.state = StateAuthenticated
	m.logger.Info("Restored stored tokens", "user_id", ts.UserID, "expires_at", ts.ExpiresAt)
	return nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		State:          m.state,
		FailedAttempts: m.attempts.Failures,
		LockedUntil:    m.attempts.LockedUntil,
	}
	if m.tokens != nil {
		s.Authenticated = true
		s.Phone = maskPhone(m.tokens.Phone)
		s.UserID = m.tokens.UserID
		s.ExpiresAt = m.tokens.ExpiresAt
		s.PushToken = m.tokens.PushToken != ""
	}
	return s
}

// RequestCode asks the provider to send an SMS code and returns the handle to
// pass to VerifyCode.
func (m *Manager) RequestCode(ctx context.Context, phone string) (string, error) {
	phone = normalizePhone(phone)
	if phone == "" {
		return "", failure.New(failure.InvalidRequest, "phone number is required")
	}

	m.mu.Lock()
	err := m.checkLockoutLocked()
	m.mu.Unlock()
	if err != nil {
		return "", err
	}

	authID, err := m.provider.RequestCode(ctx, phone)
	if err != nil {
		m.logger.Warn("Code request failed", "phone", maskPhone(phone), "error", err)
		return "", is74.Classify(failure.AuthInvalidCredentials, "confirmation code request rejected", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneSessionsLocked()
	sess := &codeSession{
		id:        uuid.NewString(),
		phone:     phone,
		authID:    authID,
		createdAt: m.clock.Now(),
	}
	m.sessions[sess.id] = sess
	if m.tokens == nil {
		m.state = StateCodeRequested
	}
	m.logger.Info("Confirmation code requested", "phone", maskPhone(phone), "session", sess.id)
	return sess.id, nil
}

// VerifyCode completes a login. userID picks one of the accounts behind the
// phone; zero selects the first.
func (m *Manager) VerifyCode(ctx context.Context, sessionID, code string, userID int64) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return failure.New(failure.InvalidRequest, "confirmation code is required")
	}

	m.mu.Lock()
	if err := m.checkLockoutLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.pruneSessionsLocked()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return failure.New(failure.SessionNotFound, "login session is unknown or expired, request a new code")
	}
	prev := m.state
	m.state = StateVerifying
	m.mu.Unlock()

	conf, err := m.provider.CheckCode(ctx, sess.phone, code, sess.authID)
	if err != nil {
		if is74.IsRejected(err) {
			return m.recordFailure(prev)
		}
		m.setState(prev)
		return is74.Classify(failure.AuthInvalidCredentials, "confirmation code check failed", err)
	}

	account, ok := pickAccount(conf.Accounts, userID)
	if !ok {
		m.setState(prev)
		if userID != 0 {
			return failure.New(failure.AuthInvalidCredentials, "the selected account is not available for this phone")
		}
		return failure.New(failure.AuthInvalidCredentials, "no accounts are linked to this phone")
	}

	grant, err := m.provider.GetToken(ctx, conf.AuthID, account.UserID)
	if err != nil {
		m.setState(prev)
		return is74.Classify(failure.AuthInvalidCredentials, "token exchange failed", err)
	}

	ts := TokenSet{
		AccessToken: grant.AccessToken,
		UserID:      grant.UserID,
		ProfileID:   grant.ProfileID,
		ExpiresAt:   grant.ExpiresAt,
		AuthID:      conf.AuthID,
		Phone:       sess.phone,
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if err := m.store.SaveJSON(ctx, tokensKey, ts); err != nil {
		m.setState(prev)
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.tokens = &ts
	m.attempts = AttemptCounter{}
	delete(m.sessions, sessionID)
	m.state = StateAuthenticated
	m.logger.Info("Login completed", "user_id", ts.UserID, "address", account.Address, "expires_at", ts.ExpiresAt)
	return nil
}

// EnsureValidToken returns an access token valid for at least the refresh
// margin, refreshing it when needed. Concurrent callers share one refresh.
func (m *Manager) EnsureValidToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.tokens == nil {
		m.mu.Unlock()
		return "", failure.New(failure.Unauthenticated, "login required")
	}
	if m.tokens.Valid(m.clock.Now(), m.opts.RefreshMargin) {
		token := m.tokens.AccessToken
		m.mu.Unlock()
		return token, nil
	}
	m.mu.Unlock()

	ch := m.flight.DoChan("refresh", func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx))
	})
	return m.await(ctx, ch)
}

// await waits for a shared flight. A cancelled caller returns at once and
// leaves the flight running for the others.
func (m *Manager) await(ctx context.Context, ch <-chan singleflight.Result) (string, error) {
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			m.logger.Debug("Joined in-flight token request")
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// committedLocked reports whether a background request started at gen may
// still write its result.
func (m *Manager) committedLocked(gen uint64) error {
	if m.gen != gen || m.tokens == nil {
		return failure.New(failure.Unauthenticated, "session changed while renewing tokens")
	}
	return nil
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.tokens == nil {
		m.mu.Unlock()
		return "", failure.New(failure.Unauthenticated, "login required")
	}
	if m.tokens.Valid(m.clock.Now(), m.opts.RefreshMargin) {
		token := m.tokens.AccessToken
		m.mu.Unlock()
		return token, nil
	}
	current := *m.tokens
	gen := m.gen
	m.state = StateRefreshing
	m.mu.Unlock()

	m.logger.Info("Refreshing access token", "user_id", current.UserID, "expires_at", current.ExpiresAt)

	var grant is74.Grant
	err := m.opts.RefreshRetry.Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		grant, err = m.provider.GetToken(ctx, current.AuthID, current.UserID)
		var netErr *is74.NetworkError
		if err != nil && !errors.As(err, &netErr) {
			return retry.Permanent(err)
		}
		return err
	})

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	if err != nil {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			m.logger.Info("Token refresh failed after the session changed, keeping the new session", "error", err)
			return "", failure.Wrap(failure.TokenRefreshFailed, "token refresh failed", err)
		}
		m.logger.Warn("Token refresh failed, login required", "error", err)
		m.gen++
		m.tokens = nil
		m.state = StateUnauthenticated
		m.mu.Unlock()
		if derr := m.store.Delete(ctx, tokensKey); derr != nil {
			m.logger.Error("Failed to discard stale tokens", "error", derr)
		}
		return "", failure.Wrap(failure.TokenRefreshFailed, "session expired and could not be renewed, login required", err)
	}

	next := current
	next.AccessToken = grant.AccessToken
	next.ExpiresAt = grant.ExpiresAt
	if grant.ProfileID != 0 {
		next.ProfileID = grant.ProfileID
	}

	m.mu.Lock()
	if err := m.committedLocked(gen); err != nil {
		m.mu.Unlock()
		m.logger.Info("Discarding refreshed token, session changed")
		return "", err
	}
	next.PushToken = m.tokens.PushToken
	next.PushExpiresAt = m.tokens.PushExpiresAt
	m.tokens = &next
	m.state = StateAuthenticated
	m.mu.Unlock()

	if err := m.store.SaveJSON(ctx, tokensKey, next); err != nil {
		m.logger.Error("Failed to persist refreshed tokens", "error", err)
	}
	return next.AccessToken, nil
}

// EnsurePushToken returns the token for the push channel, requesting a new one
// when none is stored or it is about to expire.
func (m *Manager) EnsurePushToken(ctx context.Context) (string, error) {
	access, err := m.EnsureValidToken(ctx)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.tokens == nil {
		m.mu.Unlock()
		return "", failure.New(failure.Unauthenticated, "login required")
	}
	if m.tokens.PushValid(m.clock.Now(), m.opts.RefreshMargin) {
		token := m.tokens.PushToken
		m.mu.Unlock()
		return token, nil
	}
	gen := m.gen
	m.mu.Unlock()

	ch := m.flight.DoChan("push", func() (any, error) {
		return m.requestPushToken(context.WithoutCancel(ctx), access, gen)
	})
	return m.await(ctx, ch)
}

func (m *Manager) requestPushToken(ctx context.Context, access string, gen uint64) (string, error) {
	var token string
	err := m.opts.PushRetry.Do(ctx, func(ctx context.Context, attempt int) error {
		t, err := m.provider.PushToken(ctx, access)
		if err != nil {
			m.logger.Warn("Push token request failed", "attempt", attempt, "error", err)
			return err
		}
		token = t
		return nil
	})
	if err != nil {
		return "", failure.Wrap(failure.PushTokenUnavailable, "push notifications are unavailable", err)
	}

	expires, ok := jwt.ExpiryUnverified(token)
	if !ok {
		expires = m.clock.Now().Add(defaultPushTokenTTL)
	}

	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	m.mu.Lock()
	if err := m.committedLocked(gen); err != nil {
		m.mu.Unlock()
		m.logger.Info("Discarding push token, session changed")
		return "", err
	}
	m.tokens.PushToken = token
	m.tokens.PushExpiresAt = expires
	snapshot := *m.tokens
	m.mu.Unlock()

	if err := m.store.SaveJSON(ctx, tokensKey, snapshot); err != nil {
		m.logger.Error("Failed to persist push token", "error", err)
	}
	m.logger.Info("Push token acquired", "expires_at", expires)
	return token, nil
}

// InvalidatePushToken drops the push token after the channel rejected it.
func (m *Manager) InvalidatePushToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens != nil {
		m.tokens.PushToken = ""
		m.tokens.PushExpiresAt = time.Time{}
	}
}

func (m *Manager) Logout(ctx context.Context) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	m.mu.Lock()
	m.gen++
	m.tokens = nil
	m.sessions = make(map[string]*codeSession)
	m.state = StateUnauthenticated
	m.mu.Unlock()

	m.logger.Info("Logged out")
	if err := m.store.Delete(ctx, tokensKey); err != nil && !errors.Is(err, secure.ErrNotFound) {
		return err
	}
	return nil
}

func (m *Manager) recordFailure(prev State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts.Failures++
	remaining := m.opts.MaxAttempts - m.attempts.Failures
	if remaining <= 0 {
		m.attempts.LockedUntil = m.clock.Now().Add(m.opts.Lockout)
		m.state = StateLockedOut
		m.logger.Warn("Too many invalid codes, login locked", "until", m.attempts.LockedUntil)
		err := failure.InvalidCode(0)
		err.RetryAfter = m.opts.Lockout
		return err
	}

	m.state = prev
	m.logger.Info("Invalid confirmation code", "attempts_remaining", remaining)
	return failure.InvalidCode(remaining)
}

// checkLockoutLocked fails while a lockout is active and clears an expired one.
func (m *Manager) checkLockoutLocked() error {
	if m.attempts.LockedUntil.IsZero() {
		return nil
	}
	now := m.clock.Now()
	if now.Before(m.attempts.LockedUntil) {
		return failure.RateLimited(m.attempts.LockedUntil.Sub(now))
	}

	m.attempts = AttemptCounter{}
	if m.state == StateLockedOut {
		switch {
		case m.tokens != nil:
			m.state = StateAuthenticated
		case len(m.sessions) > 0:
			m.state = StateCodeRequested
		default:
			m.state = StateUnauthenticated
		}
	}
	return nil
}

func (m *Manager) pruneSessionsLocked() {
	now := m.clock.Now()
	for id, s := range m.sessions {
		if now.Sub(s.createdAt) > m.opts.SessionTTL {
			delete(m.sessions, id)
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func pickAccount(accounts []is74.Account, userID int64) (is74.Account, bool) {
	if len(accounts) == 0 {
		return is74.Account{}, false
	}
	if userID == 0 {
		return accounts[0], true
	}
	for _, a := range accounts {
		if a.UserID == userID {
			return a, true
		}
	}
	return is74.Account{}, false
}

// normalizePhone keeps digits only; a leading 8 becomes the 7 country code.
func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '8' {
		digits = "7" + digits[1:]
	}
	return digits
}
