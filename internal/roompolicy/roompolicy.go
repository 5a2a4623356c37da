// Package roompolicy loads and serves the room login policy: which rooms
// require login and who their admins are. The backing store is re-read on an
// interval so operators can edit policies without restarting the server.
package roompolicy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Policy is one room's login policy. RoomName may end in '*', which matches
// every room sharing the prefix.
type Policy struct {
	RoomName      string   `json:"roomName"`
	Admins        []string `json:"admins"`
	RequiredLogin bool     `json:"requiredLogin,omitempty"`
}

type policyFile struct {
	Rooms []Policy `json:"rooms"`
}

// Source fetches the full policy list from a backing store.
type Source interface {
	Fetch(ctx context.Context) ([]Policy, error)
}

// FileSource reads policies from a local JSON file.
type FileSource struct {
	Path string
}

func (s FileSource) Fetch(_ context.Context) ([]Policy, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var f policyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", s.Path, err)
	}
	return f.Rooms, nil
}

// RedisSource reads policies from a single Redis key holding the same JSON
// document as FileSource.
type RedisSource struct {
	Client *redis.Client
	Key    string
}

func (s RedisSource) Fetch(ctx context.Context) ([]Policy, error) {
	data, err := s.Client.Get(ctx, s.Key).Bytes()
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", s.Key, err)
	}
	var f policyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy key %s: %w", s.Key, err)
	}
	return f.Rooms, nil
}

// Store caches the policy list and answers room lookups.
//
// Lookups come from the signaling scheduler goroutine while Refresh runs on
// its own goroutine, hence the lock.
type Store struct {
	log *slog.Logger
	src Source

	mu    sync.RWMutex
	rooms []Policy
}

func NewStore(src Source, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{log: logger, src: src}
}

// Refresh re-reads the backing store. On error the previous policies stay in
// effect.
func (s *Store) Refresh(ctx context.Context) error {
	if s.src == nil {
		return nil
	}
	rooms, err := s.src.Fetch(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.rooms = rooms
	s.mu.Unlock()
	return nil
}

// Run refreshes on the given interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if s.src == nil {
		return
	}
	if err := s.Refresh(ctx); err != nil {
		s.log.Warn("room policy refresh failed", "err", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.log.Warn("room policy refresh failed", "err", err)
			}
		}
	}
}

// Find returns the policy matching roomName, trying exact entries and
// trailing-'*' prefix entries in list order.
func (s *Store) Find(roomName string) (Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, room := range s.rooms {
		if strings.HasSuffix(room.RoomName, "*") {
			base := strings.TrimSuffix(room.RoomName, "*")
			if strings.HasPrefix(roomName, base) {
				return room, true
			}
		} else if room.RoomName == roomName {
			return room, true
		}
	}
	return Policy{}, false
}

// IsAdmin reports whether email is an admin of roomName.
//
// A room without a policy entry approves any of its members; that fallback
// decision belongs to the caller, which knows room membership.
func (s *Store) IsAdmin(roomName, email string) (admin, hasPolicy bool) {
	room, ok := s.Find(roomName)
	if !ok {
		return false, false
	}
	for _, a := range room.Admins {
		if a == email {
			return true, true
		}
	}
	return false, true
}
