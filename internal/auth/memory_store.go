package auth

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "X402-Chain/internal/errors"
)

// MemoryStore keeps operator accounts in memory, seeded from configuration.
// Each bound on-chain address belongs to at most one account.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*User
	subjects  map[int64]*Subject
	addresses map[common.Address]string
	nextID    int64
}

// NewMemoryStore initialises the store with the provided seed users.
func NewMemoryStore(seeds []Seed) (*MemoryStore, error) {
	store := &MemoryStore{
		users:     make(map[string]*User),
		subjects:  make(map[int64]*Subject),
		addresses: make(map[common.Address]string),
		nextID:    1,
	}
	for _, seed := range seeds {
		if err := store.ApplySeed(context.Background(), seed); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// ApplySeed inserts or replaces a seeded account. Built-in roles are
// expanded into permissions here so tokens carry the effective set.
func (s *MemoryStore) ApplySeed(_ context.Context, seed Seed) error {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "seed username cannot be empty")
	}
	var address common.Address
	if seed.Address != "" {
		if !common.IsHexAddress(seed.Address) {
			return xerrors.New(xerrors.CodeInvalidArgument, "seed address is not a hex address",
				xerrors.WithMetadata("user", username))
		}
		address = common.HexToAddress(seed.Address)
	}
	hashed, err := HashPassword(seed.Password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if address != (common.Address{}) {
		if holder, taken := s.addresses[address]; taken && holder != username {
			return xerrors.New(xerrors.CodeConflict, "address already bound to "+holder,
				xerrors.WithMetadata("address", address.Hex()))
		}
	}
	user, ok := s.users[username]
	if !ok {
		user = &User{ID: s.nextID}
		s.nextID++
	} else if previous := s.subjects[user.ID]; previous != nil {
		delete(s.addresses, previous.Address)
	}
	user.Username = username
	user.PasswordHash = hashed
	user.Disabled = seed.Disabled
	s.users[username] = user

	subject := &Subject{
		ID:          user.ID,
		Username:    username,
		Address:     address,
		Roles:       dedupeStrings(seed.Roles),
		Permissions: ExpandRoles(seed.Roles, seed.Permissions),
		Disabled:    seed.Disabled,
	}
	subject.normalise()
	s.subjects[user.ID] = subject
	if address != (common.Address{}) {
		s.addresses[address] = username
	}
	return nil
}

// FindUserByUsername retrieves the user record.
func (s *MemoryStore) FindUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if user, ok := s.users[strings.TrimSpace(username)]; ok {
		clone := *user
		return &clone, nil
	}
	return nil, xerrors.New(xerrors.CodeNotFound, "user not found")
}

// LoadSubject returns the subject with roles and permissions.
func (s *MemoryStore) LoadSubject(_ context.Context, userID int64) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if subject, ok := s.subjects[userID]; ok {
		return subject.Clone(), nil
	}
	return nil, xerrors.New(xerrors.CodeNotFound, "subject not found")
}
