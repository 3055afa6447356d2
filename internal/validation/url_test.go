package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ternarybob/capto/internal/models"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		allowed []string
		wantErr bool
	}{
		{"valid https", "https://example.test/v/1", nil, false},
		{"valid http", "http://example.test/watch?v=abc", nil, false},
		{"empty", "", nil, true},
		{"relative", "/watch?v=abc", nil, true},
		{"ftp scheme", "ftp://example.test/file", nil, true},
		{"file scheme", "file:///etc/passwd", nil, true},
		{"no host", "https:///path", nil, true},
		{"too long", "https://example.test/" + strings.Repeat("a", MaxURLLength), nil, true},
		{"allow-list exact", "https://youtube.com/watch", []string{"youtube.com"}, false},
		{"allow-list subdomain", "https://www.youtube.com/watch", []string{"youtube.com"}, false},
		{"allow-list case-insensitive", "https://WWW.YouTube.COM/watch", []string{"youtube.com"}, false},
		{"allow-list suffix trick", "https://notyoutube.com/watch", []string{"youtube.com"}, true},
		{"allow-list miss", "https://vimeo.com/123", []string{"youtube.com"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url, tt.allowed)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, models.ErrValidation, models.CodeOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
