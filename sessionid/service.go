// Package sessionid issues and persists the short code a remote user types
// to reach this device.
package sessionid

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"peerdesk/events"
	"peerdesk/models"
	"peerdesk/storage"
)

// SettingKey is the settings row holding the current identifier.
const SettingKey = "session_id"

// ErrPersistenceFailure indicates the identifier could not be read or
// stored, or the stored value is corrupt.
var ErrPersistenceFailure = errors.New("sessionid: persistence failure")

var errMalformedIdentifier = errors.New("stored identifier is malformed")

// Store is the key-value persistence the service needs.
type Store interface {
	GetSetting(ctx context.Context, key string) (string, error)
	InsertSettingIfAbsent(ctx context.Context, key, value string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Config wires the service to its store.
type Config struct {
	Store     Store
	Logger    *slog.Logger
	Publisher events.Publisher

	generate func() (models.SessionIdentifier, error)
}

// Service returns a stable session identifier and regenerates it on demand.
// The value it returns is always the persisted one.
type Service struct {
	store     Store
	log       *slog.Logger
	publisher events.Publisher
	generate  func() (models.SessionIdentifier, error)

	mu sync.Mutex
}

// New creates a service over store.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("sessionid: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Discard
	}
	if cfg.generate == nil {
		cfg.generate = Generate
	}
	return &Service{
		store:     cfg.Store,
		log:       cfg.Logger.With("component", "sessionid"),
		publisher: cfg.Publisher,
		generate:  cfg.generate,
	}, nil
}

// GetOrCreate returns the persisted identifier, creating one on first use.
func (s *Service) GetOrCreate(ctx context.Context) (models.SessionIdentifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadLocked(ctx)
	if err == nil {
		return current, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	candidate, err := s.generate()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}
	stored, inserted, err := s.store.InsertSettingIfAbsent(ctx, SettingKey, string(candidate))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}
	if !models.ValidSessionIdentifier(stored) {
		return "", fmt.Errorf("%w: %w %q", ErrPersistenceFailure, errMalformedIdentifier, stored)
	}
	if inserted {
		s.log.Info("Session identifier created")
	}
	return models.SessionIdentifier(stored), nil
}

// Regenerate replaces the identifier with a new, different one.
func (s *Service) Regenerate(ctx context.Context) (models.SessionIdentifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadLocked(ctx)
	switch {
	case err == nil, errors.Is(err, storage.ErrNotFound):
	case errors.Is(err, errMalformedIdentifier):
		s.log.Warn("Replacing malformed session identifier", slog.String("error", err.Error()))
	default:
		return "", err
	}

	var next models.SessionIdentifier
	for {
		next, err = s.generate()
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
		}
		if next != current {
			break
		}
	}
	if err := s.store.PutSetting(ctx, SettingKey, string(next)); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	s.log.Info("Session identifier regenerated")
	s.publisher.Publish(events.Event{
		Type: events.SessionIDRegenerated,
		Data: map[string]string{"session_id": string(next)},
	})
	return next, nil
}

// loadLocked returns storage.ErrNotFound unwrapped when nothing is stored.
func (s *Service) loadLocked(ctx context.Context) (models.SessionIdentifier, error) {
	value, err := s.store.GetSetting(ctx, SettingKey)
	if errors.Is(err, storage.ErrNotFound) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}
	if !models.ValidSessionIdentifier(value) {
		return "", fmt.Errorf("%w: %w %q", ErrPersistenceFailure, errMalformedIdentifier, value)
	}
	return models.SessionIdentifier(value), nil
}

// Generate draws a fresh identifier from crypto/rand. Each character is
// sampled uniformly from the alphabet.
func Generate() (models.SessionIdentifier, error) {
	alphabet := models.SessionIdentifierAlphabet
	limit := big.NewInt(int64(len(alphabet)))

	out := make([]byte, models.SessionIdentifierLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		out[i] = alphabet[n.Int64()]
	}
	return models.SessionIdentifier(out), nil
}
