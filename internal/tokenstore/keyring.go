package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zalando/go-keyring"
)

// KeyringStore provides OS-native secure credential storage for the record.
// Uses macOS Keychain, Windows Credential Manager, or Linux Secret Service.
// The keyring replaces entries atomically, so no temp-file dance is needed.
type KeyringStore struct {
	service string
	user    string

	mu sync.Mutex
}

// Compile-time check to ensure KeyringStore implements Store
var _ Store = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore using the given service and user identifiers.
func NewKeyringStore(service, user string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	return &KeyringStore{
		service: service,
		user:    user,
	}, nil
}

// Load returns the record from the system keyring, or false if none is usable.
func (k *KeyringStore) Load(ctx context.Context) (Record, bool) {
	if err := ctx.Err(); err != nil {
		return Record{}, false
	}

	secret, err := keyring.Get(k.service, k.user)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			slog.WarnContext(ctx, "failed to read keyring entry", "service", k.service, "user", k.user, "error", err)
		}
		return Record{}, false
	}

	var record Record
	if err := json.Unmarshal([]byte(secret), &record); err != nil {
		slog.WarnContext(ctx, "ignoring malformed keyring entry", "service", k.service, "user", k.user, "error", err)
		return Record{}, false
	}
	return record, true
}

// Save persists the record to the system keyring, overwriting any existing value.
func (k *KeyringStore) Save(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := record.validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	return keyring.Set(k.service, k.user, string(data))
}
