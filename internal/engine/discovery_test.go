package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gormanb/roborock-bridge/internal/roborock"
)

type fakeSessions struct {
	mu       sync.Mutex
	errs     []error
	session  *roborock.Session
	calls    int
}

func (f *fakeSessions) Start(_ context.Context) (*roborock.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.session, nil
}

type fakeDeviceClient struct {
	mu       sync.Mutex
	status   roborock.DeviceStatus
	err      error
	commands []string
}

func (c *fakeDeviceClient) SendCommand(_ context.Context, method string, _ any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, method)
	if c.err != nil {
		return nil, c.err
	}
	return []any{"ok"}, nil
}

func (c *fakeDeviceClient) GetStatus(_ context.Context) (roborock.DeviceStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, roborock.CmdGetStatus)
	if c.err != nil {
		return roborock.DeviceStatus{}, c.err
	}
	return c.status, nil
}

func (c *fakeDeviceClient) Close() {}

func (c *fakeDeviceClient) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

func mixedFleetSession() *roborock.Session {
	return &roborock.Session{
		Email: "user@example.com",
		Home: &roborock.HomeData{
			ID: 42,
			Products: []roborock.HomeDataProduct{
				{ID: "p-vac", Model: "roborock.vacuum.a15", Category: "robot.vacuum.cleaner"},
				{ID: "p-washer", Model: "roborock.wm.a102", Category: "roborock.wm"},
			},
			Devices: []roborock.HomeDataDevice{
				{DUID: "vac-v1", Name: "Vacuum", ProductID: "p-vac", ProtocolVersion: "1.0"},
				{DUID: "vac-a01", Name: "New vacuum", ProductID: "p-vac", ProtocolVersion: "A01"},
				{DUID: "washer", Name: "Washer", ProductID: "p-washer", ProtocolVersion: "1.0"},
				{DUID: "orphan", Name: "Mystery", ProductID: "p-gone", ProtocolVersion: "1.0"},
			},
		},
	}
}

func testFactory(client *fakeDeviceClient) ClientFactory {
	return func(_ *roborock.Session, device roborock.HomeDataDevice, _ roborock.HomeDataProduct) (roborock.DeviceClient, error) {
		if _, ok := roborock.ProtocolFor(device); !ok {
			return nil, fmt.Errorf("%w: %s", roborock.ErrUnsupportedProtocol, device.ProtocolVersion)
		}
		return client, nil
	}
}

func testEngineConfig() Config {
	return Config{
		PollInterval:        time.Hour, // keep timer polls out of the way
		DiscoveryRetryDelay: time.Millisecond,
	}
}

func TestDiscoverRegistersOnlySupportedVacuums(t *testing.T) {
	client := &fakeDeviceClient{status: roborock.DeviceStatus{State: 8, Battery: 100}}
	sessions := &fakeSessions{session: mixedFleetSession()}

	var registered []string
	eng := New(sessions, testFactory(client), Events{
		OnDeviceRegistered: func(deviceID string, _ *DeviceHandle) {
			registered = append(registered, deviceID)
		},
	}, testEngineConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Run(ctx))

	// The A01 vacuum, the washer, and the product-less device are skipped.
	require.Equal(t, []string{"vac-v1"}, registered)
	require.Len(t, eng.Devices(), 1)
	assert.Equal(t, "roborock.vacuum.a15", eng.Devices()[0].Product.Model)
}

func TestDiscoverIsIdempotent(t *testing.T) {
	client := &fakeDeviceClient{status: roborock.DeviceStatus{State: 8, Battery: 100}}
	sessions := &fakeSessions{session: mixedFleetSession()}

	var registrations int
	eng := New(sessions, testFactory(client), Events{
		OnDeviceRegistered: func(string, *DeviceHandle) { registrations++ },
	}, testEngineConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.discover(ctx))
	require.NoError(t, eng.discover(ctx))

	assert.Equal(t, 1, registrations)
	assert.Len(t, eng.Devices(), 1)
}

func TestRunRetriesAfterSessionFailure(t *testing.T) {
	client := &fakeDeviceClient{status: roborock.DeviceStatus{State: 8, Battery: 100}}
	sessions := &fakeSessions{
		errs:    []error{fmt.Errorf("%w: token expired", roborock.ErrAuth)},
		session: mixedFleetSession(),
	}

	var failures []error
	eng := New(sessions, testFactory(client), Events{
		OnDiscoveryFailed: func(reason error) { failures = append(failures, reason) },
	}, testEngineConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Run(ctx))

	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], roborock.ErrAuth)
	assert.Equal(t, 2, sessions.calls)
	assert.Len(t, eng.Devices(), 1)
}

func TestRunConfigurationFaultIsFatal(t *testing.T) {
	sessions := &fakeSessions{errs: []error{
		fmt.Errorf("%w: one-time-code credential: invalid", roborock.ErrConfiguration),
	}}

	var failures int
	eng := New(sessions, testFactory(&fakeDeviceClient{}), Events{
		OnDiscoveryFailed: func(error) { failures++ },
	}, testEngineConfig(), zerolog.Nop())

	err := eng.Run(context.Background())
	require.ErrorIs(t, err, roborock.ErrConfiguration)
	assert.Equal(t, 1, sessions.calls, "configuration faults must not be retried")
	assert.Zero(t, failures, "a fatal fault is not a retryable pass failure")
}

func TestRunInvalidStoredCredentialIsFatal(t *testing.T) {
	sessions := roborock.NewSessionClient(
		"user@example.com",
		roborock.AuthModeOTP,
		"",
		roborock.StaticCredential([]byte("not json")),
		nil,
		nil,
		zerolog.Nop(),
	)
	eng := New(sessions, testFactory(&fakeDeviceClient{}), Events{}, testEngineConfig(), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := eng.Run(ctx)
	require.ErrorIs(t, err, roborock.ErrConfiguration)
	require.NoError(t, ctx.Err(), "Run must stop on its own, not via the deadline")
}

func TestRunStopsOnCancel(t *testing.T) {
	sessions := &fakeSessions{session: &roborock.Session{Home: &roborock.HomeData{}}}
	eng := New(sessions, testFactory(&fakeDeviceClient{}), Events{}, testEngineConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	assert.Empty(t, eng.Devices())
}

func TestSetActive(t *testing.T) {
	client := &fakeDeviceClient{status: roborock.DeviceStatus{State: 5, Battery: 80}}
	handle := &DeviceHandle{
		Device:  roborock.HomeDataDevice{DUID: "vac-v1"},
		Product: roborock.HomeDataProduct{Model: "roborock.vacuum.a15"},
		client:  client,
	}
	handle.sync = NewSynchronizer("vac-v1", func(ctx context.Context) (VacuumSnapshot, error) {
		status, err := client.GetStatus(ctx)
		if err != nil {
			return VacuumSnapshot{}, err
		}
		return SnapshotFromStatus(status, 0), nil
	}, nil, time.Hour, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, handle.SetActive(ctx, true))
	require.NoError(t, handle.SetActive(ctx, false))

	// Each command triggers an immediate refresh.
	assert.Equal(t, []string{
		roborock.CmdAppStart, roborock.CmdGetStatus,
		roborock.CmdAppCharge, roborock.CmdGetStatus,
	}, client.sent())

	snapshot, healthy := handle.Snapshot()
	assert.True(t, healthy)
	assert.True(t, snapshot.IsCleaning)
}

func TestSetActiveSurfacesCommandFailure(t *testing.T) {
	client := &fakeDeviceClient{err: fmt.Errorf("%w: timeout", roborock.ErrCommunication)}
	handle := &DeviceHandle{
		Device: roborock.HomeDataDevice{DUID: "vac-v1"},
		client: client,
	}
	handle.sync = NewSynchronizer[VacuumSnapshot]("vac-v1", func(context.Context) (VacuumSnapshot, error) {
		return VacuumSnapshot{}, errors.New("unused")
	}, nil, time.Hour, zerolog.Nop())

	err := handle.SetActive(context.Background(), true)
	assert.ErrorIs(t, err, roborock.ErrCommunication)
	// No refresh after a failed command.
	assert.Equal(t, []string{roborock.CmdAppStart}, client.sent())
}
