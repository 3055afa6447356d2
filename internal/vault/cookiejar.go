package vault

import (
	"sort"
	"strings"

	"github.com/ternarybob/capto/internal/models"
)

// httpOnlyPrefix marks cookie lines exported by browsers for HttpOnly
// cookies; the line is still a valid 7-column entry after the prefix.
const httpOnlyPrefix = "#HttpOnly_"

// ParseCookieJar validates a Netscape cookies.txt payload and returns the
// set of domains it covers. A jar is valid when it carries the comment
// header or at least one tab-separated 7-column cookie line.
func ParseCookieJar(blob []byte) ([]string, error) {
	if len(strings.TrimSpace(string(blob))) == 0 {
		return nil, models.NewError(models.ErrInvalidCookieFormat, "cookie jar is empty")
	}

	hasHeader := false
	domains := map[string]bool{}

	for _, line := range strings.Split(string(blob), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}

		entry := line
		if strings.HasPrefix(entry, httpOnlyPrefix) {
			entry = strings.TrimPrefix(entry, httpOnlyPrefix)
		} else if strings.HasPrefix(entry, "#") {
			hasHeader = true
			continue
		}

		fields := strings.Split(entry, "\t")
		if len(fields) < 7 {
			continue
		}
		domain := strings.TrimPrefix(strings.TrimSpace(fields[0]), ".")
		if domain != "" {
			domains[domain] = true
		}
	}

	if !hasHeader && len(domains) == 0 {
		return nil, models.NewError(models.ErrInvalidCookieFormat,
			"not a cookie jar: expected a # header or tab-separated cookie lines")
	}

	list := make([]string, 0, len(domains))
	for d := range domains {
		list = append(list, d)
	}
	sort.Strings(list)
	return list, nil
}
