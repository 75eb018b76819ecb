package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxSlugLength = 80

// Slugify lowercases a title and collapses every non-alphanumeric run into a
// single dash. An empty result falls back to "event".
func Slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLength {
		slug = strings.Trim(truncateBytes(slug, maxSlugLength), "-")
	}
	if slug == "" {
		return "event"
	}
	return slug
}

// allocateSlug derives a slug from the title and probes for collisions inside
// the transaction, suffixing -2, -3, ... until a free slug is found.
func allocateSlug(ctx context.Context, tx *sql.Tx, title string) (string, error) {
	base := Slugify(title)
	slug := base
	for i := 2; ; i++ {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM events WHERE slug = $1)`, slug).Scan(&exists)
		if err != nil {
			return "", fmt.Errorf("failed to probe slug %q: %w", slug, err)
		}
		if !exists {
			return slug, nil
		}
		slug = fmt.Sprintf("%s-%d", base, i)
	}
}

// truncateBytes cuts s to at most max bytes without splitting a rune, so
// the result stays valid UTF-8 for TEXT columns.
func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// prefixColumns qualifies each column in a comma-separated list with a table
// alias, for joins that select the shared column lists.
func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
