package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/capto/internal/common"
	"github.com/ternarybob/capto/internal/interfaces"
	"github.com/ternarybob/capto/internal/models"
)

const (
	keyFileName = ".encryption_key"
	encExt      = ".enc"
	metaExt     = ".meta.json"
)

// Vault stores cookie jars encrypted with AES-256-GCM, one blob file and
// one metadata sidecar per record. Plaintext never touches disk except as
// short-lived temp files handed to a running job.
type Vault struct {
	dir    string
	aead   cipher.AEAD
	logger arbor.ILogger
	mu     sync.Mutex
}

// New creates a vault rooted at dir. hexKey is the 64-hex-char encryption
// key; when empty, a key is generated on first use and persisted with
// owner-only permissions alongside the vault directory.
func New(dir, hexKey string, logger arbor.ILogger) (*Vault, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}

	key, err := loadOrCreateKey(dir, hexKey, logger)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	return &Vault{dir: dir, aead: aead, logger: logger}, nil
}

func loadOrCreateKey(dir, hexKey string, logger arbor.ILogger) ([]byte, error) {
	if hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("encryption key must be 64 hex characters (32 bytes)")
		}
		return key, nil
	}

	keyPath := filepath.Join(dir, keyFileName)
	if data, err := os.ReadFile(keyPath); err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("persisted encryption key at %s is corrupt", keyPath)
		}
		return key, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, fmt.Errorf("failed to persist encryption key: %w", err)
	}

	logger.Info().
		Str("path", keyPath).
		Msg("Generated cookie encryption key")

	return key, nil
}

// Put validates the blob as a cookie jar, encrypts it and writes the record.
func (v *Vault) Put(blob []byte, name, sourceBrowser string) (string, error) {
	domains, err := ParseCookieJar(blob)
	if err != nil {
		return "", err
	}

	id := common.NewCookieID()

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", models.WrapError(models.ErrInternal, err, "failed to generate nonce")
	}

	// Layout: nonce || ciphertext || auth tag, hex-encoded on disk.
	sealed := v.aead.Seal(nonce, nonce, blob, nil)

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := os.WriteFile(v.encPath(id), []byte(hex.EncodeToString(sealed)), 0600); err != nil {
		return "", models.WrapError(models.ErrInternal, err, "failed to write encrypted blob")
	}

	meta := &models.CredentialMetadata{
		ID:             id,
		DisplayName:    name,
		SourceBrowser:  sourceBrowser,
		CoveredDomains: domains,
		CreatedAt:      time.Now().UTC(),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", models.WrapError(models.ErrInternal, err, "failed to marshal metadata")
	}
	if err := os.WriteFile(v.metaPath(id), data, 0600); err != nil {
		os.Remove(v.encPath(id))
		return "", models.WrapError(models.ErrInternal, err, "failed to write metadata")
	}

	v.logger.Info().
		Str("cookie_id", id).
		Str("name", name).
		Int("domains", len(domains)).
		Msg("Credential stored")

	return id, nil
}

// Resolve decrypts the record into a temp file with owner-only permissions.
// The returned cleanup is idempotent and must run on every exit path.
func (v *Vault) Resolve(id string) (string, interfaces.CleanupFunc, error) {
	encoded, err := os.ReadFile(v.encPath(id))
	if err != nil {
		return "", nil, models.NewError(models.ErrNotFound, "credential not found: %s", id)
	}

	sealed, err := hex.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil || len(sealed) < v.aead.NonceSize() {
		return "", nil, models.NewError(models.ErrDecryptFailed, "encrypted blob for %s is corrupt", id)
	}

	nonce, ciphertext := sealed[:v.aead.NonceSize()], sealed[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", nil, models.WrapError(models.ErrDecryptFailed, err, "integrity check failed for %s", id)
	}

	tmp, err := os.CreateTemp("", "capto-cookies-*.txt")
	if err != nil {
		return "", nil, models.WrapError(models.ErrInternal, err, "failed to create temp cookie file")
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, models.WrapError(models.ErrInternal, err, "failed to restrict temp cookie file")
	}
	if _, err := tmp.Write(plaintext); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, models.WrapError(models.ErrInternal, err, "failed to write temp cookie file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, models.WrapError(models.ErrInternal, err, "failed to close temp cookie file")
	}

	path := tmp.Name()
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				v.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove temp cookie file")
			}
		})
	}

	return path, cleanup, nil
}

// Metadata returns the record metadata without touching the encrypted blob.
func (v *Vault) Metadata(id string) (*models.CredentialMetadata, error) {
	data, err := os.ReadFile(v.metaPath(id))
	if err != nil {
		return nil, models.NewError(models.ErrNotFound, "credential not found: %s", id)
	}
	var meta models.CredentialMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, models.WrapError(models.ErrInternal, err, "metadata for %s is corrupt", id)
	}
	return &meta, nil
}

// List returns metadata for every stored record.
func (v *Vault) List() ([]*models.CredentialMetadata, error) {
	matches, err := filepath.Glob(filepath.Join(v.dir, "*"+metaExt))
	if err != nil {
		return nil, models.WrapError(models.ErrInternal, err, "failed to scan vault directory")
	}

	records := make([]*models.CredentialMetadata, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var meta models.CredentialMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			v.logger.Warn().Str("path", path).Msg("Skipping corrupt metadata sidecar")
			continue
		}
		records = append(records, &meta)
	}
	return records, nil
}

// Delete removes the encrypted blob and its metadata sidecar.
func (v *Vault) Delete(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := os.Stat(v.encPath(id)); err != nil {
		return models.NewError(models.ErrNotFound, "credential not found: %s", id)
	}
	if err := os.Remove(v.encPath(id)); err != nil {
		return models.WrapError(models.ErrInternal, err, "failed to remove encrypted blob")
	}
	if err := os.Remove(v.metaPath(id)); err != nil && !os.IsNotExist(err) {
		return models.WrapError(models.ErrInternal, err, "failed to remove metadata sidecar")
	}

	v.logger.Info().Str("cookie_id", id).Msg("Credential deleted")
	return nil
}

func (v *Vault) encPath(id string) string {
	return filepath.Join(v.dir, id+encExt)
}

func (v *Vault) metaPath(id string) string {
	return filepath.Join(v.dir, id+metaExt)
}
