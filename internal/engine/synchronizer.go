package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPollInterval is how often a device is polled when the config
// does not say otherwise.
const DefaultPollInterval = 5 * time.Second

// FetchFunc retrieves the current snapshot for one device.
type FetchFunc[S comparable] func(ctx context.Context) (S, error)

// ChangeFunc receives the new snapshot after a poll that changed it.
type ChangeFunc[S comparable] func(deviceID string, snapshot S)

// Synchronizer drives the poll loop for a single device: fetch, diff
// against the last snapshot, notify on change. It is generic over the
// snapshot type; diffing is plain structural equality.
//
// Each device owns one Synchronizer running on its own timer, so a slow
// device never delays the others. A failed fetch records the zero
// ("unknown") snapshot without notifying; notifications resume with the
// next successful poll that produces a different value.
type Synchronizer[S comparable] struct {
	deviceID string
	interval time.Duration
	fetch    FetchFunc[S]
	onChange ChangeFunc[S]
	log      zerolog.Logger

	// refreshMu serializes whole polls; mu guards the stored snapshot.
	refreshMu sync.Mutex
	mu        sync.Mutex
	current   S
	healthy   bool
}

func NewSynchronizer[S comparable](deviceID string, fetch FetchFunc[S], onChange ChangeFunc[S], interval time.Duration, log zerolog.Logger) *Synchronizer[S] {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Synchronizer[S]{
		deviceID: deviceID,
		interval: interval,
		fetch:    fetch,
		onChange: onChange,
		log:      log.With().Str("component", "synchronizer").Str("device", deviceID).Logger(),
	}
}

// Refresh polls the device once. Called by the timer loop and directly
// after a command is issued, to reflect its effect without waiting for
// the next tick. Concurrent calls are serialized: a timer tick that
// overlaps an on-demand refresh cannot overwrite the newer snapshot or
// reorder notifications.
func (s *Synchronizer[S]) Refresh(ctx context.Context) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	snapshot, err := s.fetch(ctx)
	if err != nil {
		var zero S
		s.mu.Lock()
		s.current = zero
		s.healthy = false
		s.mu.Unlock()
		s.log.Debug().Err(err).Msg("poll failed, state unknown this cycle")
		return
	}

	s.mu.Lock()
	changed := snapshot != s.current
	s.current = snapshot
	s.healthy = true
	s.mu.Unlock()

	if changed && s.onChange != nil {
		s.log.Debug().Interface("snapshot", snapshot).Msg("state changed")
		s.onChange(s.deviceID, snapshot)
	}
}

// Run polls on a fixed interval until the context is cancelled. An
// immediate first poll establishes the initial state.
func (s *Synchronizer[S]) Run(ctx context.Context) {
	s.Refresh(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Current returns the last stored snapshot and whether the most recent
// poll succeeded.
func (s *Synchronizer[S]) Current() (S, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.healthy
}
