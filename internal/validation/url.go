package validation

import (
	"net/url"
	"strings"

	"github.com/ternarybob/capto/internal/models"
)

// MaxURLLength is the longest accepted request URL.
const MaxURLLength = 2048

// ValidateURL checks that raw is an absolute http(s) URL with a non-empty
// host. When allowedDomains is non-empty the host must match one entry,
// case-insensitively, either exactly or as a labeled suffix
// ("youtube.com" matches "www.youtube.com" but not "notyoutube.com").
func ValidateURL(raw string, allowedDomains []string) error {
	if raw == "" {
		return models.NewError(models.ErrValidation, "url is required")
	}
	if len(raw) > MaxURLLength {
		return models.NewError(models.ErrValidation, "url exceeds %d characters", MaxURLLength)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return models.WrapError(models.ErrValidation, err, "url is not parseable")
	}
	if !u.IsAbs() {
		return models.NewError(models.ErrValidation, "url must be absolute")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return models.NewError(models.ErrValidation, "url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return models.NewError(models.ErrValidation, "url host is empty")
	}

	if len(allowedDomains) > 0 && !hostAllowed(u.Hostname(), allowedDomains) {
		return models.NewError(models.ErrValidation, "domain %q is not in the allow-list", u.Hostname())
	}

	return nil
}

func hostAllowed(host string, allowed []string) bool {
	host = strings.ToLower(host)
	for _, domain := range allowed {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
