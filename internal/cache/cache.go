package cache

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrNotCached marks a missing cache entry.
var ErrNotCached = errors.New("cache: entry not found")

// Snapshot is the crash-recovery copy of the running session, written every
// countdown tick so OrphanRecovery can restore accrued time after a restart.
type Snapshot struct {
	UserID               string    `json:"user_id"`
	ComputerID           string    `json:"computer_id"`
	RemainingTimeSeconds int64     `json:"remaining_time_seconds"`
	TimeUsedSeconds      int64     `json:"time_used_seconds"`
	StartedAt            time.Time `json:"started_at"`
	SavedAt              time.Time `json:"saved_at"`
}

// Store keeps the kiosk's local state in redis: the latest session snapshot
// and the auth refresh token, sealed at rest with the machine key.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	boxKey [32]byte
}

// NewStore builds a store scoped to one kiosk computer. machineKey seals the
// refresh token; any stable per-machine secret works.
func NewStore(client *redis.Client, computerID, machineKey string, ttl time.Duration) (*Store, error) {
	if computerID == "" {
		return nil, errors.New("cache: computer id required")
	}
	if machineKey == "" {
		return nil, errors.New("cache: machine key required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		client: client,
		prefix: "kiosk:" + computerID,
		ttl:    ttl,
		boxKey: sha256.Sum256([]byte(machineKey)),
	}, nil
}

func (s *Store) snapshotKey() string { return s.prefix + ":session" }
func (s *Store) tokenKey() string    { return s.prefix + ":refresh_token" }

// SaveSnapshot overwrites the session snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.snapshotKey(), data, s.ttl).Err()
}

// LoadSnapshot returns the last saved snapshot, ErrNotCached when absent.
func (s *Store) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	raw, err := s.client.Get(ctx, s.snapshotKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("cache: decode snapshot: %w", err)
	}
	return &snap, nil
}

// ClearSnapshot removes the snapshot after a clean session end.
func (s *Store) ClearSnapshot(ctx context.Context) error {
	return s.client.Del(ctx, s.snapshotKey()).Err()
}

// SaveRefreshToken seals and stores the refresh token.
func (s *Store) SaveRefreshToken(ctx context.Context, token string) error {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return err
	}
	sealed := secretbox.Seal(nonce[:], []byte(token), &nonce, &s.boxKey)
	return s.client.Set(ctx, s.tokenKey(), sealed, 0).Err()
}

// LoadRefreshToken opens and returns the stored refresh token.
func (s *Store) LoadRefreshToken(ctx context.Context) (string, error) {
	sealed, err := s.client.Get(ctx, s.tokenKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotCached
	}
	if err != nil {
		return "", err
	}
	if len(sealed) < 24 {
		return "", errors.New("cache: sealed token too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	opened, ok := secretbox.Open(nil, sealed[24:], &nonce, &s.boxKey)
	if !ok {
		return "", errors.New("cache: refresh token unseal failed")
	}
	return string(opened), nil
}

// ClearRefreshToken removes the stored token on sign-out.
func (s *Store) ClearRefreshToken(ctx context.Context) error {
	return s.client.Del(ctx, s.tokenKey()).Err()
}
