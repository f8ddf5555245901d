package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrLockTimeout means the record was busy for the whole wait. It is a
	// transient condition: retry later or serve "temporarily unavailable".
	ErrLockTimeout = errors.New("telemetry: lock timeout")
	// ErrNonPreemptible is returned when a caller marked as non-blocking
	// tries to take the lock.
	ErrNonPreemptible = errors.New("telemetry: lock refused in non-preemptible context")
)

// DefaultLockTimeout is used when a caller passes a non-positive timeout.
const DefaultLockTimeout = time.Second

type nonPreemptibleKey struct{}

// NonPreemptible marks ctx as belonging to code that must never block (for
// example a byte-pump callback). The store refuses such callers.
func NonPreemptible(ctx context.Context) context.Context {
	return context.WithValue(ctx, nonPreemptibleKey{}, true)
}

func isNonPreemptible(ctx context.Context) bool {
	v, _ := ctx.Value(nonPreemptibleKey{}).(bool)
	return v
}

// Store owns the telemetry record.
type Store struct {
	sem     *semaphore.Weighted
	clock   clockwork.Clock
	timeout time.Duration
	log     *slog.Logger

	once sync.Once
	boot time.Time
	rec  Record // guarded by sem
}

// New constructs and initialises a store. timeout is the default wait used by
// the Publish helpers.
func New(clock clockwork.Clock, timeout time.Duration, log *slog.Logger) *Store {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	s := &Store{
		sem:     semaphore.NewWeighted(1),
		clock:   clock,
		timeout: timeout,
		log:     log.With("component", "telemetry"),
	}
	s.Init()
	return s
}

// Init zeroes the record and sets the network sentinel. Only the first call
// has an effect.
func (s *Store) Init() {
	s.once.Do(func() {
		s.boot = s.clock.Now()
		s.rec = emptyRecord()
		s.log.Debug("telemetry store initialized")
	})
}

// Uptime is the monotonic time since the store was initialised.
func (s *Store) Uptime() time.Duration {
	return s.clock.Since(s.boot)
}

// WithLock runs f against the record while holding the lock, waiting at most
// timeout to acquire it. f works on a copy that is committed only when f
// returns nil, so a failing or panicking f leaves the record untouched. On
// timeout f is not run and ErrLockTimeout is returned.
func (s *Store) WithLock(ctx context.Context, timeout time.Duration, f func(*Record) error) error {
	if isNonPreemptible(ctx) {
		s.log.Error("telemetry lock requested from non-preemptible context")
		return ErrNonPreemptible
	}
	if timeout <= 0 {
		timeout = s.timeout
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("failed to acquire telemetry lock", "timeout", timeout)
		return ErrLockTimeout
	}
	defer s.sem.Release(1)

	work := s.rec
	if err := f(&work); err != nil {
		return err
	}
	s.rec = work
	return nil
}

// Snapshot copies the whole record under the lock, with every group's Valid
// flag evaluated against its own staleness window.
func (s *Store) Snapshot(ctx context.Context, timeout time.Duration) (Record, error) {
	var out Record
	err := s.WithLock(ctx, timeout, func(r *Record) error {
		out = *r
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return out.WithFreshness(s.Uptime()), nil
}

func (s *Store) commit(ctx context.Context, apply func(r *Record, now time.Duration)) error {
	return s.WithLock(ctx, s.timeout, func(r *Record) error {
		now := s.Uptime()
		apply(r, now)
		r.LastUpdate = now
		return nil
	})
}

// PublishZE40 commits a UART TVOC reading.
func (s *Store) PublishZE40(ctx context.Context, v ZE40) error {
	return s.commit(ctx, func(r *Record, now time.Duration) {
		v.UpdatedAt = now
		r.ZE40 = v
	})
}

// PublishZE40Analog commits a ZE40 DAC reading.
func (s *Store) PublishZE40Analog(ctx context.Context, v ZE40Analog) error {
	return s.commit(ctx, func(r *Record, now time.Duration) {
		v.UpdatedAt = now
		r.ZE40Analog = v
	})
}

// PublishAirQuality commits a ZPHS01B reading.
func (s *Store) PublishAirQuality(ctx context.Context, v AirQuality) error {
	return s.commit(ctx, func(r *Record, now time.Duration) {
		v.UpdatedAt = now
		r.AirQuality = v
	})
}

// PublishMR007 commits a combustible gas reading.
func (s *Store) PublishMR007(ctx context.Context, v MR007) error {
	return s.commit(ctx, func(r *Record, now time.Duration) {
		v.UpdatedAt = now
		r.MR007 = v
	})
}

// PublishME4SO2 commits an SO2 reading.
func (s *Store) PublishME4SO2(ctx context.Context, v ME4SO2) error {
	return s.commit(ctx, func(r *Record, now time.Duration) {
		v.UpdatedAt = now
		r.ME4SO2 = v
	})
}

// SetNetwork writes the network fields if they differ from the stored ones.
// It reports whether anything changed.
func (s *Store) SetNetwork(ctx context.Context, n Network) (bool, error) {
	if n.IPAddress == "" {
		n.IPAddress = UnknownIP
	}
	if n.Mode == "" {
		n.Mode = "unknown"
	}
	changed := false
	err := s.WithLock(ctx, s.timeout, func(r *Record) error {
		if r.Network == n {
			return nil
		}
		r.Network = n
		changed = true
		return nil
	})
	return changed, err
}
