package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// KeySource describes where an authority or operator key is loaded from. Exactly
// one of Hex, Env, File or Keystore is expected to be set.
type KeySource struct {
	Hex      string
	Env      string
	File     string
	Keystore string
}

// PassphraseFunc resolves the passphrase for an encrypted keystore.
type PassphraseFunc func() (string, error)

// Load resolves the key from the configured source.
func (s KeySource) Load(passphrase PassphraseFunc) (*PrivateKey, error) {
	switch {
	case strings.TrimSpace(s.Hex) != "":
		return PrivateKeyFromHex(s.Hex)
	case strings.TrimSpace(s.Env) != "":
		value := strings.TrimSpace(os.Getenv(strings.TrimSpace(s.Env)))
		if value == "" {
			return nil, fmt.Errorf("key env %s is empty", s.Env)
		}
		return PrivateKeyFromHex(value)
	case strings.TrimSpace(s.File) != "":
		contents, err := os.ReadFile(strings.TrimSpace(s.File))
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		return PrivateKeyFromHex(string(contents))
	case strings.TrimSpace(s.Keystore) != "":
		if passphrase == nil {
			return nil, errors.New("crypto: keystore requires a passphrase source")
		}
		pass, err := passphrase()
		if err != nil {
			return nil, err
		}
		return LoadFromKeystore(strings.TrimSpace(s.Keystore), pass)
	default:
		return nil, errors.New("crypto: no key source configured")
	}
}

// SaveToKeystore writes the key to an Ethereum v3 keystore file at path. The file
// is created with 0600 permissions; parent directories get 0700.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	// keystore.NewKeyStore names files itself, so encrypt into a scratch dir
	// and move the single result into place.
	scratch, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	ks := keystore.NewKeyStore(scratch, keystore.LightScryptN, keystore.LightScryptP)
	account, err := ks.ImportECDSA(key.PrivateKey, passphrase)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(account.URL.Path, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts an Ethereum v3 keystore file using the supplied passphrase.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
