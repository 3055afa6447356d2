package validation

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ternarybob/capto/internal/models"
)

// DefaultTemplate names artifacts when the request omits a template.
const DefaultTemplate = "{safe_title}-{id}.{ext}"

// maxSafeTitleLength keeps expanded filenames well under filesystem limits.
const maxSafeTitleLength = 150

var templateToken = regexp.MustCompile(`\{([a-z_]+)\}`)

var knownTokens = map[string]bool{
	"id":             true,
	"title":          true,
	"safe_title":     true,
	"ext":            true,
	"uploader":       true,
	"date":           true,
	"random":         true,
	"playlist":       true,
	"playlist_index": true,
}

// TemplateVars supplies the substitution values for one artifact.
type TemplateVars struct {
	ID            string
	Title         string
	Ext           string
	Uploader      string
	Date          string
	Playlist      string
	PlaylistIndex string
}

// ValidateTemplate rejects templates containing unknown substitution tokens.
func ValidateTemplate(tpl string) error {
	for _, m := range templateToken.FindAllStringSubmatch(tpl, -1) {
		if !knownTokens[m[1]] {
			return models.NewError(models.ErrValidation, "unknown template token {%s}", m[1])
		}
	}
	return nil
}

// ExpandTemplate substitutes every token in tpl. The result is a relative
// path: each expanded component is sanitized so the expansion cannot escape
// the storage root.
func ExpandTemplate(tpl string, vars TemplateVars) string {
	if tpl == "" {
		tpl = DefaultTemplate
	}

	return templateToken.ReplaceAllStringFunc(tpl, func(token string) string {
		switch strings.Trim(token, "{}") {
		case "id":
			return sanitizeComponent(vars.ID)
		case "title":
			return sanitizeComponent(vars.Title)
		case "safe_title":
			return SafeTitle(vars.Title)
		case "ext":
			return sanitizeComponent(vars.Ext)
		case "uploader":
			return sanitizeComponent(vars.Uploader)
		case "date":
			return sanitizeComponent(vars.Date)
		case "random":
			return randomToken()
		case "playlist":
			return sanitizeComponent(vars.Playlist)
		case "playlist_index":
			return sanitizeComponent(vars.PlaylistIndex)
		}
		return token
	})
}

// unsafe matches filesystem-hostile characters and control bytes.
var unsafe = regexp.MustCompile(`[/\\:*?"<>|[:cntrl:]]+`)

// SafeTitle converts a media title into a filesystem-safe component:
// unsafe characters become "_", runs collapse to one, leading/trailing
// dots and whitespace are stripped, and the result is length-bounded.
func SafeTitle(title string) string {
	s := unsafe.ReplaceAllString(title, "_")

	// Collapse runs of underscores produced by adjacent replacements.
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	s = strings.Trim(s, ". \t\r\n")

	if len(s) > maxSafeTitleLength {
		// Cut on a rune boundary so a multibyte title stays valid UTF-8.
		cut := maxSafeTitleLength
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
		s = strings.Trim(s, ". \t\r\n")
	}
	// A title of nothing but replaced characters carries no information.
	if strings.Trim(s, "_") == "" {
		s = "untitled"
	}
	return s
}

func sanitizeComponent(v string) string {
	return unsafe.ReplaceAllString(v, "_")
}

func randomToken() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}
