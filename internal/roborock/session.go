package roborock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gormanb/roborock-bridge/internal/tokencache"
)

// AuthMode selects how a session is established.
type AuthMode string

const (
	// AuthModePassword logs in with the account password, reusing a
	// cached credential when one exists.
	AuthModePassword AuthMode = "password"
	// AuthModeOTP uses a credential obtained out of band via a one-time
	// email code. No code-delivery path exists in automated mode, so an
	// expired credential is terminal until the operator supplies a new one.
	AuthModeOTP AuthMode = "otp"
)

// cloudAPI is the slice of ApiClient the session flow uses.
type cloudAPI interface {
	PassLogin(ctx context.Context, password string) (*UserData, error)
	GetHomeData(ctx context.Context, userData *UserData) (*HomeData, error)
}

// CredentialSource supplies the one-time-code credential blob. It is
// called on every session start, so a source backed by a file picks up a
// credential replaced out of band without a process restart.
type CredentialSource func() (json.RawMessage, error)

// StaticCredential wraps a fixed blob.
func StaticCredential(blob json.RawMessage) CredentialSource {
	return func() (json.RawMessage, error) {
		return blob, nil
	}
}

// CredentialFile re-reads path on every call.
func CredentialFile(path string) CredentialSource {
	return func() (json.RawMessage, error) {
		return os.ReadFile(path)
	}
}

// SessionClient establishes an account session: a credential plus the
// catalog fetched with it. Start may be called again on later discovery
// passes; each call produces a whole new Session and re-login attempts
// are serialized so at most one is in flight per account.
type SessionClient struct {
	email    string
	mode     AuthMode
	password string
	otp      CredentialSource
	api      cloudAPI
	store    tokencache.Store
	log      zerolog.Logger

	mu sync.Mutex
}

func NewSessionClient(email string, mode AuthMode, password string, otp CredentialSource, api cloudAPI, store tokencache.Store, log zerolog.Logger) *SessionClient {
	return &SessionClient{
		email:    email,
		mode:     mode,
		password: password,
		otp:      otp,
		api:      api,
		store:    store,
		log:      log.With().Str("component", "session").Str("account", email).Logger(),
	}
}

// Start establishes a fresh session according to the configured auth
// mode. On success the credential is persisted to the token cache; a
// persistence failure is logged and the session proceeds in memory.
func (c *SessionClient) Start(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.mode {
	case AuthModeOTP:
		return c.startOTP(ctx)
	case AuthModePassword:
		return c.startPassword(ctx)
	default:
		return nil, fmt.Errorf("%w: unknown auth mode %q", ErrConfiguration, c.mode)
	}
}

func (c *SessionClient) startOTP(ctx context.Context) (*Session, error) {
	if c.otp == nil {
		return nil, fmt.Errorf("%w: no one-time-code credential source", ErrConfiguration)
	}
	blob, err := c.otp()
	if err != nil {
		return nil, fmt.Errorf("%w: read one-time-code credential: %v", ErrConfiguration, err)
	}
	userData, err := ParseUserData(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: one-time-code credential: %v", ErrConfiguration, err)
	}
	home, err := c.api.GetHomeData(ctx, userData)
	if err != nil {
		// No retry: there is nothing to refresh the credential with.
		return nil, fmt.Errorf("one-time-code session: %w", err)
	}
	return c.finish(ctx, userData, home), nil
}

func (c *SessionClient) startPassword(ctx context.Context) (*Session, error) {
	if cached := c.loadCached(ctx); cached != nil {
		home, err := c.api.GetHomeData(ctx, cached)
		if err == nil {
			return c.finish(ctx, cached, home), nil
		}
		c.log.Info().Err(err).Msg("cached credential rejected, forcing fresh login")
	} else {
		c.log.Debug().Msg("no cached credential, logging in")
	}

	// Exactly one forced refresh: a second rejection fails the start.
	userData, err := c.api.PassLogin(ctx, c.password)
	if err != nil {
		return nil, fmt.Errorf("password login: %w", err)
	}
	home, err := c.api.GetHomeData(ctx, userData)
	if err != nil {
		return nil, fmt.Errorf("catalog fetch after fresh login: %w", err)
	}
	return c.finish(ctx, userData, home), nil
}

func (c *SessionClient) loadCached(ctx context.Context) *UserData {
	blob, err := c.store.Load(ctx, c.email)
	if err != nil {
		if !errors.Is(err, tokencache.ErrNotFound) {
			c.log.Warn().Err(err).Msg("credential cache read failed")
		}
		return nil
	}
	userData, err := ParseUserData(blob)
	if err != nil {
		// Corrupt cache entries are the same as absent ones.
		c.log.Debug().Err(err).Msg("cached credential unparseable, ignoring")
		return nil
	}
	return userData
}

func (c *SessionClient) finish(ctx context.Context, userData *UserData, home *HomeData) *Session {
	if blob, err := json.Marshal(userData); err == nil {
		if err := c.store.Save(ctx, c.email, blob); err != nil {
			c.log.Warn().Err(err).Msg("credential cache write failed, continuing in memory")
		}
	}
	return &Session{Email: c.email, UserData: userData, Home: home}
}
