package lti

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LoginAttempt is the server-side record of one OIDC login initiation.
// It is keyed by State and consumed exactly once by the launch.
type LoginAttempt struct {
	State         string
	Nonce         string
	Issuer        string
	ClientID      string
	LoginHint     string
	TargetLinkURI string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

func (a LoginAttempt) expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

var (
	// ErrStateNotFound is returned by Consume for unknown, used or expired states.
	ErrStateNotFound = errors.New("lti: state not found")
	// ErrStateExists is returned by Save when the state is already stored.
	ErrStateExists = errors.New("lti: state already exists")
)

// StateStore keeps pending login attempts between /lti/login and /lti/launch.
//
// Consume must be atomic: of any number of concurrent calls with the same state,
// at most one gets the attempt back.
type StateStore interface {
	Save(ctx context.Context, a LoginAttempt) error
	Consume(ctx context.Context, state string) (LoginAttempt, error)
	// Purge drops expired attempts and reports how many were removed.
	Purge(ctx context.Context) (int, error)
}

// InMemoryStateStore is a process-local StateStore guarded by one mutex.
// The zero value is ready to use.
type InMemoryStateStore struct {
	mu       sync.Mutex
	attempts map[string]LoginAttempt

	// Clock (for tests)
	Now func() time.Time
}

func NewInMemoryStateStore() *InMemoryStateStore {
	return &InMemoryStateStore{attempts: make(map[string]LoginAttempt, 256)}
}

func (s *InMemoryStateStore) Save(_ context.Context, a LoginAttempt) error {
	a.State = strings.TrimSpace(a.State)
	if a.State == "" || a.Nonce == "" {
		return errors.New("lti: state and nonce are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts == nil {
		s.attempts = make(map[string]LoginAttempt)
	}
	if prev, ok := s.attempts[a.State]; ok && !prev.expired(s.now()) {
		return ErrStateExists
	}
	s.attempts[a.State] = a
	return nil
}

func (s *InMemoryStateStore) Consume(_ context.Context, state string) (LoginAttempt, error) {
	state = strings.TrimSpace(state)
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[state]
	if !ok {
		return LoginAttempt{}, ErrStateNotFound
	}
	delete(s.attempts, state)
	if a.expired(s.now()) {
		return LoginAttempt{}, ErrStateNotFound
	}
	return a, nil
}

func (s *InMemoryStateStore) Purge(_ context.Context) (int, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, a := range s.attempts {
		if a.expired(now) {
			delete(s.attempts, k)
			n++
		}
	}
	return n, nil
}

// Len reports the number of stored attempts, expired ones included.
func (s *InMemoryStateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

func (s *InMemoryStateStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// RunPurger calls store.Purge every interval until ctx is done.
func RunPurger(ctx context.Context, store StateStore, every time.Duration, logger *zap.Logger) {
	if every <= 0 {
		every = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Purge(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("purge login attempts", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				logger.Debug("purged expired login attempts", zap.Int("count", n))
			}
		}
	}
}
