package models

import (
	"time"
)

// CredentialMetadata describes an encrypted cookie jar without exposing its
// contents. Stored as the .meta.json sidecar next to the encrypted blob.
type CredentialMetadata struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"name"`
	SourceBrowser  string    `json:"source,omitempty"`
	CoveredDomains []string  `json:"domains"`
	CreatedAt      time.Time `json:"created_at"`
}
