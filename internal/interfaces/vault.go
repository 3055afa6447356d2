package interfaces

import (
	"github.com/ternarybob/capto/internal/models"
)

// CleanupFunc removes an ephemeral plaintext file. It is idempotent and must
// run on every exit path of the job that resolved the credential.
type CleanupFunc func()

// CredentialVault stores cookie jars encrypted at rest and resolves opaque
// IDs to short-lived plaintext files.
type CredentialVault interface {
	// Put validates and encrypts a cookie jar, returning the record ID.
	Put(blob []byte, name, sourceBrowser string) (string, error)

	// Resolve decrypts the record to a temp file with owner-only
	// permissions and returns its path plus an idempotent cleanup.
	Resolve(id string) (string, CleanupFunc, error)

	// Metadata returns the record's metadata without decrypting the blob.
	Metadata(id string) (*models.CredentialMetadata, error)

	// List returns metadata for all records.
	List() ([]*models.CredentialMetadata, error)

	// Delete removes the encrypted blob and its metadata sidecar.
	Delete(id string) error
}
