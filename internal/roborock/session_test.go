package roborock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gormanb/roborock-bridge/internal/tokencache"
)

type fakeCloud struct {
	loginCalls int
	homeCalls  int

	loginErr error
	// homeErr returns the error for a given credential token, nil for
	// success.
	homeErr func(token string) error

	issuedToken string
}

func (f *fakeCloud) PassLogin(_ context.Context, _ string) (*UserData, error) {
	f.loginCalls++
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	fresh := testUserData()
	fresh.Token = f.issuedToken
	return fresh, nil
}

func (f *fakeCloud) GetHomeData(_ context.Context, userData *UserData) (*HomeData, error) {
	f.homeCalls++
	if f.homeErr != nil {
		if err := f.homeErr(userData.Token); err != nil {
			return nil, err
		}
	}
	return testHome(), nil
}

type memStore struct {
	data     map[string][]byte
	saveErr  error
	loadErr  error
	saves    int
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Load(_ context.Context, account string) ([]byte, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if blob, ok := m.data[account]; ok {
		return blob, nil
	}
	return nil, tokencache.ErrNotFound
}

func (m *memStore) Save(_ context.Context, account string, blob []byte) error {
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.data[account] = blob
	return nil
}

func cachedBlob(t *testing.T, token string) []byte {
	t.Helper()
	userData := testUserData()
	userData.Token = token
	blob, err := json.Marshal(userData)
	if err != nil {
		t.Fatal(err)
	}
	return blob
}

func passwordClient(api cloudAPI, store tokencache.Store) *SessionClient {
	return NewSessionClient("user@example.com", AuthModePassword, "hunter2", nil, api, store, zerolog.Nop())
}

func TestPasswordStartFreshLogin(t *testing.T) {
	cloud := &fakeCloud{issuedToken: "fresh"}
	store := newMemStore()

	session, err := passwordClient(cloud, store).Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if cloud.loginCalls != 1 {
		t.Fatalf("login calls = %d, want 1", cloud.loginCalls)
	}
	if session.UserData.Token != "fresh" {
		t.Fatalf("token = %q", session.UserData.Token)
	}
	if _, ok := store.data["user@example.com"]; !ok {
		t.Fatal("credential not persisted")
	}
}

func TestPasswordStartUsesCachedCredential(t *testing.T) {
	cloud := &fakeCloud{issuedToken: "fresh"}
	store := newMemStore()
	store.data["user@example.com"] = cachedBlob(t, "cached")

	session, err := passwordClient(cloud, store).Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if cloud.loginCalls != 0 {
		t.Fatalf("login calls = %d, want 0", cloud.loginCalls)
	}
	if session.UserData.Token != "cached" {
		t.Fatalf("token = %q", session.UserData.Token)
	}
}

func TestPasswordStartRejectedCachedForcesOneRelogin(t *testing.T) {
	cloud := &fakeCloud{issuedToken: "fresh"}
	cloud.homeErr = func(token string) error {
		if token == "stale" {
			return fmt.Errorf("%w: token expired", ErrAuth)
		}
		return nil
	}
	store := newMemStore()
	store.data["user@example.com"] = cachedBlob(t, "stale")

	session, err := passwordClient(cloud, store).Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if cloud.loginCalls != 1 {
		t.Fatalf("login calls = %d, want exactly 1", cloud.loginCalls)
	}
	if cloud.homeCalls != 2 {
		t.Fatalf("home calls = %d, want 2", cloud.homeCalls)
	}
	if session.UserData.Token != "fresh" {
		t.Fatalf("token = %q", session.UserData.Token)
	}
}

func TestPasswordStartSecondRejectionFails(t *testing.T) {
	cloud := &fakeCloud{issuedToken: "fresh"}
	cloud.homeErr = func(string) error {
		return fmt.Errorf("%w: token expired", ErrAuth)
	}
	store := newMemStore()
	store.data["user@example.com"] = cachedBlob(t, "stale")

	_, err := passwordClient(cloud, store).Start(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if cloud.loginCalls != 1 {
		t.Fatalf("login calls = %d, want exactly 1", cloud.loginCalls)
	}
}

func TestPasswordStartLoginFailure(t *testing.T) {
	cloud := &fakeCloud{loginErr: fmt.Errorf("%w: password incorrect", ErrAuth)}
	store := newMemStore()

	_, err := passwordClient(cloud, store).Start(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
}

func TestPasswordStartCorruptCacheTreatedAsAbsent(t *testing.T) {
	cloud := &fakeCloud{issuedToken: "fresh"}
	store := newMemStore()
	store.data["user@example.com"] = []byte("{not valid")

	session, err := passwordClient(cloud, store).Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if cloud.loginCalls != 1 {
		t.Fatalf("login calls = %d, want 1", cloud.loginCalls)
	}
	if session.UserData.Token != "fresh" {
		t.Fatalf("token = %q", session.UserData.Token)
	}
}

func TestPasswordStartCacheReadFailureDegrades(t *testing.T) {
	cloud := &fakeCloud{issuedToken: "fresh"}
	store := newMemStore()
	store.loadErr = errors.New("disk on fire")

	if _, err := passwordClient(cloud, store).Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if cloud.loginCalls != 1 {
		t.Fatalf("login calls = %d, want 1", cloud.loginCalls)
	}
}

func TestPasswordStartSaveFailureNonFatal(t *testing.T) {
	cloud := &fakeCloud{issuedToken: "fresh"}
	store := newMemStore()
	store.saveErr = errors.New("disk full")

	session, err := passwordClient(cloud, store).Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if session == nil {
		t.Fatal("expected session despite save failure")
	}
}

func TestOTPStart(t *testing.T) {
	cloud := &fakeCloud{}
	store := newMemStore()
	blob := cachedBlob(t, "otp-token")

	client := NewSessionClient("user@example.com", AuthModeOTP, "", StaticCredential(blob), cloud, store, zerolog.Nop())
	session, err := client.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if cloud.loginCalls != 0 {
		t.Fatalf("login calls = %d, want 0", cloud.loginCalls)
	}
	if session.UserData.Token != "otp-token" {
		t.Fatalf("token = %q", session.UserData.Token)
	}
}

func TestOTPStartInvalidBlob(t *testing.T) {
	client := NewSessionClient("user@example.com", AuthModeOTP, "", StaticCredential([]byte("junk")), &fakeCloud{}, newMemStore(), zerolog.Nop())
	_, err := client.Start(context.Background())
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestOTPStartRejectionIsTerminal(t *testing.T) {
	cloud := &fakeCloud{}
	cloud.homeErr = func(string) error {
		return fmt.Errorf("%w: token expired", ErrAuth)
	}
	client := NewSessionClient("user@example.com", AuthModeOTP, "", StaticCredential(cachedBlob(t, "expired")), cloud, newMemStore(), zerolog.Nop())

	_, err := client.Start(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	// No re-login path exists in otp mode.
	if cloud.loginCalls != 0 {
		t.Fatalf("login calls = %d, want 0", cloud.loginCalls)
	}
	if cloud.homeCalls != 1 {
		t.Fatalf("home calls = %d, want 1", cloud.homeCalls)
	}
}

func TestOTPStartMissingSource(t *testing.T) {
	client := NewSessionClient("user@example.com", AuthModeOTP, "", nil, &fakeCloud{}, newMemStore(), zerolog.Nop())
	_, err := client.Start(context.Background())
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestOTPCredentialReReadEachStart(t *testing.T) {
	cloud := &fakeCloud{}
	cloud.homeErr = func(token string) error {
		if token == "expired" {
			return fmt.Errorf("%w: token expired", ErrAuth)
		}
		return nil
	}

	path := filepath.Join(t.TempDir(), "credential.json")
	if err := os.WriteFile(path, cachedBlob(t, "expired"), 0o600); err != nil {
		t.Fatal(err)
	}
	client := NewSessionClient("user@example.com", AuthModeOTP, "", CredentialFile(path), cloud, newMemStore(), zerolog.Nop())

	ctx := context.Background()
	if _, err := client.Start(ctx); !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}

	// Replace the credential out of band; the next start picks it up
	// without a new client.
	if err := os.WriteFile(path, cachedBlob(t, "renewed"), 0o600); err != nil {
		t.Fatal(err)
	}
	session, err := client.Start(ctx)
	if err != nil {
		t.Fatalf("start after replacement: %v", err)
	}
	if session.UserData.Token != "renewed" {
		t.Fatalf("token = %q, want %q", session.UserData.Token, "renewed")
	}
}

func TestOTPCredentialFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.json")
	client := NewSessionClient("user@example.com", AuthModeOTP, "", CredentialFile(path), &fakeCloud{}, newMemStore(), zerolog.Nop())
	_, err := client.Start(context.Background())
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestStartUnknownMode(t *testing.T) {
	client := NewSessionClient("user@example.com", AuthMode("magic"), "", nil, &fakeCloud{}, newMemStore(), zerolog.Nop())
	_, err := client.Start(context.Background())
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}
