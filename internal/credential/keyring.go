// Package credential keeps source passwords in the system keyring.
package credential

import (
	"github.com/99designs/keyring"
	"github.com/pkg/errors"
)

const serviceName = "mailvault"

// ErrNotFound is returned by Get for a key with no stored secret.
var ErrNotFound = keyring.ErrKeyNotFound

// Store reads and writes secrets in one keyring.
type Store struct {
	ring keyring.Keyring
}

// Open returns the system keyring.  fileDir holds the encrypted file
// fallback used where no OS keyring is available.
func Open(fileDir string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("mailvault-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening keyring")
	}
	return &Store{ring: ring}, nil
}

// NewStore wraps an already open keyring.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// IMAPKey names the secret holding the password of user at host.
func IMAPKey(user, host string) string {
	return "imap:" + user + "@" + host
}

// Get retrieves a credential value by key.
func (s *Store) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		return "", errors.Wrapf(err, "getting credential %q", key)
	}
	return string(item.Data), nil
}

// Set stores a credential value by key.
func (s *Store) Set(key, value string) error {
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: "mailvault " + key,
	})
	if err != nil {
		return errors.Wrapf(err, "setting credential %q", key)
	}
	return nil
}

// Delete removes a credential by key.
func (s *Store) Delete(key string) error {
	if err := s.ring.Remove(key); err != nil {
		return errors.Wrapf(err, "deleting credential %q", key)
	}
	return nil
}
