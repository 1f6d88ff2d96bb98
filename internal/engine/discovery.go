package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gormanb/roborock-bridge/internal/roborock"
)

// DefaultDiscoveryRetryDelay is how long a failed discovery pass waits
// before the whole pass is rerun.
const DefaultDiscoveryRetryDelay = 5 * time.Second

// SessionStarter establishes an account session. Implemented by
// roborock.SessionClient.
type SessionStarter interface {
	Start(ctx context.Context) (*roborock.Session, error)
}

// ClientFactory builds the command channel for one discovered device.
type ClientFactory func(session *roborock.Session, device roborock.HomeDataDevice, product roborock.HomeDataProduct) (roborock.DeviceClient, error)

// Config tunes the engine.
type Config struct {
	PollInterval        time.Duration
	DiscoveryRetryDelay time.Duration
	LowBatteryThreshold int
}

// DeviceHandle is one registered device: its catalog metadata, command
// client, and synchronizer. Handed to the accessory layer through
// Events.OnDeviceRegistered.
type DeviceHandle struct {
	Device  roborock.HomeDataDevice
	Product roborock.HomeDataProduct

	client roborock.DeviceClient
	sync   *Synchronizer[VacuumSnapshot]
}

// Snapshot returns the last observed state and whether the most recent
// poll succeeded.
func (h *DeviceHandle) Snapshot() (VacuumSnapshot, bool) {
	return h.sync.Current()
}

// Refresh polls the device immediately.
func (h *DeviceHandle) Refresh(ctx context.Context) {
	h.sync.Refresh(ctx)
}

// SetActive starts a clean or sends the device back to its dock. A
// transport failure is returned to the caller (wrapping
// roborock.ErrCommunication) rather than reported as success; on success
// an immediate refresh reflects the new state without waiting for the
// next tick.
func (h *DeviceHandle) SetActive(ctx context.Context, active bool) error {
	cmd := roborock.CmdAppCharge
	if active {
		cmd = roborock.CmdAppStart
	}
	if _, err := h.client.SendCommand(ctx, cmd, nil); err != nil {
		return fmt.Errorf("set active=%t: %w", active, err)
	}
	h.sync.Refresh(ctx)
	return nil
}

// Engine owns discovery and the per-device synchronizers. One Engine per
// account.
type Engine struct {
	sessions SessionStarter
	factory  ClientFactory
	events   Events
	cfg      Config
	log      zerolog.Logger

	mu      sync.Mutex
	devices map[string]*DeviceHandle
}

func New(sessions SessionStarter, factory ClientFactory, events Events, cfg Config, log zerolog.Logger) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DiscoveryRetryDelay <= 0 {
		cfg.DiscoveryRetryDelay = DefaultDiscoveryRetryDelay
	}
	if cfg.LowBatteryThreshold <= 0 {
		cfg.LowBatteryThreshold = DefaultLowBatteryThreshold
	}
	return &Engine{
		sessions: sessions,
		factory:  factory,
		events:   events,
		cfg:      cfg,
		log:      log.With().Str("component", "discovery").Logger(),
		devices:  make(map[string]*DeviceHandle),
	}
}

// Run performs discovery passes until at least one device is registered,
// waiting cfg.DiscoveryRetryDelay between failed passes. A pass failing
// with roborock.ErrConfiguration stops the engine instead. Synchronizers
// started by a successful pass keep polling under ctx after Run returns.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if err := e.discover(ctx); err != nil {
			if errors.Is(err, roborock.ErrConfiguration) {
				// Configuration faults are fatal, never retried.
				e.log.Error().Err(err).Msg("configuration fault, stopping")
				return err
			}
			e.log.Warn().Err(err).Msg("discovery pass failed")
			e.events.discoveryFailed(err)
		} else if len(e.Devices()) > 0 {
			return nil
		} else {
			reason := errors.New("no devices registered")
			e.log.Warn().Dur("retry_in", e.cfg.DiscoveryRetryDelay).Msg("no devices registered, will retry")
			e.events.discoveryFailed(reason)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.DiscoveryRetryDelay):
		}
	}
}

// discover runs one full pass: session start, then per-device resolve,
// filter, dispatch, and registration. Per-device failures skip that
// device and continue; session-level failures abort the pass.
func (e *Engine) discover(ctx context.Context) error {
	session, err := e.sessions.Start(ctx)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	for _, device := range session.Home.AllDevices() {
		log := e.log.With().Str("device", device.DUID).Str("name", device.Name).Logger()

		if e.lookup(device.DUID) != nil {
			// Already registered from an earlier pass.
			log.Debug().Msg("device already registered")
			continue
		}
		product, ok := roborock.ProductFor(device, session.Home)
		if !ok {
			log.Info().Str("product_id", device.ProductID).Msg("no product metadata, skipping")
			continue
		}
		if !roborock.IsVacuum(product) {
			log.Info().Str("category", product.Category).Msg("not a vacuum, skipping")
			continue
		}
		client, err := e.factory(session, device, product)
		if err != nil {
			if errors.Is(err, roborock.ErrUnsupportedProtocol) {
				log.Info().Str("pv", device.ProtocolVersion).Msg("protocol not supported, skipping")
			} else {
				log.Warn().Err(err).Msg("could not create device client, skipping")
			}
			continue
		}

		handle := &DeviceHandle{Device: device, Product: product, client: client}
		handle.sync = NewSynchronizer(
			device.DUID,
			e.fetchFunc(client),
			e.events.stateChanged,
			e.cfg.PollInterval,
			e.log,
		)
		e.register(handle)
		go handle.sync.Run(ctx)

		log.Info().Str("model", product.Model).Msg("device registered")
		e.events.registered(device.DUID, handle)
	}
	return nil
}

func (e *Engine) fetchFunc(client roborock.DeviceClient) FetchFunc[VacuumSnapshot] {
	return func(ctx context.Context) (VacuumSnapshot, error) {
		status, err := client.GetStatus(ctx)
		if err != nil {
			return VacuumSnapshot{}, err
		}
		return SnapshotFromStatus(status, e.cfg.LowBatteryThreshold), nil
	}
}

func (e *Engine) register(handle *DeviceHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.devices[handle.Device.DUID] = handle
}

func (e *Engine) lookup(duid string) *DeviceHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.devices[duid]
}

// Devices returns the currently registered handles.
func (e *Engine) Devices() []*DeviceHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*DeviceHandle, 0, len(e.devices))
	for _, handle := range e.devices {
		out = append(out, handle)
	}
	return out
}
