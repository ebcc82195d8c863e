// Package pagination provides keyset cursors for lists ordered by a
// timestamp and then an id.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gigvault/escrowd/internal/apperr"
)

// ErrInvalidCursor is returned for a cursor this package did not produce.
var ErrInvalidCursor = fmt.Errorf("invalid cursor: %w", apperr.ErrInvalidArgument)

// Cursor is the (timestamp, id) key of the last item on a page.
type Cursor struct {
	At time.Time
	ID string
}

// Encode returns an opaque cursor string for the key (at, id).
func Encode(at time.Time, id string) string {
	raw := strconv.FormatInt(at.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. It returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.Unix(0, n).UTC(), ID: id}, nil
}

// Less orders keys by time, then by id.
func Less(aAt time.Time, aID string, bAt time.Time, bID string) bool {
	if !aAt.Equal(bAt) {
		return aAt.Before(bAt)
	}
	return aID < bID
}

// After reports whether (at, id) sorts after c. A nil cursor admits every
// key. Use it for ascending lists.
func (c *Cursor) After(at time.Time, id string) bool {
	return c == nil || Less(c.At, c.ID, at, id)
}

// Before reports whether (at, id) sorts before c. A nil cursor admits every
// key. Use it for descending lists.
func (c *Cursor) Before(at time.Time, id string) bool {
	return c == nil || Less(at, id, c.At, c.ID)
}

// Args unpacks c as query arguments. A nil cursor yields a nil time, which
// binds as NULL and reads as "from the start".
func (c *Cursor) Args() (at *time.Time, id string) {
	if c == nil {
		return nil, ""
	}
	t := c.At
	return &t, c.ID
}

// ComputePage takes items fetched with limit+1, the requested limit and a
// key extractor. It returns the trimmed items, the cursor of the next page
// and whether there is one.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	at, id := key(items[len(items)-1])
	return items, Encode(at, id), true
}
