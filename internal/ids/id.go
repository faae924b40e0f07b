// Package ids generates and parses the lexicographically-sortable,
// time-prefixed identifiers the ledger uses for receipt_id and task_id.
package ids

import (
	"crypto/rand"
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// entropy is a monotonic source so IDs minted within the same millisecond
// still sort in mint order. Shared across goroutines, guarded by entropyMu.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// ID is a 128-bit, time-prefixed, lexicographically-sortable identifier.
type ID ulid.ULID

// New mints a fresh ID from the current time.
func New() ID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ID(ulid.MustNew(ulid.Timestamp(time.Now()), entropy))
}

// Parse parses the canonical 26-character ULID string form of an ID.
func Parse(s string) (ID, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return ID{}, fmt.Errorf("parse id %q: %w", s, err)
	}
	return ID(u), nil
}

// MustParse is Parse, panicking on error. Reserved for constants/tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string {
	return ulid.ULID(id).String()
}

// Time returns the millisecond timestamp embedded in the id.
func (id ID) Time() time.Time {
	return time.UnixMilli(int64(ulid.ULID(id).Time()))
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value implements driver.Valuer so an ID can be written as a plain text
// column by pgx/database-sql.
func (id ID) Value() (driver.Value, error) {
	return id.String(), nil
}

// Scan implements sql.Scanner for reading the text column back.
func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(v))
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case nil:
		*id = ID{}
		return nil
	default:
		return fmt.Errorf("unsupported scan type %T for ids.ID", src)
	}
}

// Zero reports whether id is the zero value (never minted).
func (id ID) Zero() bool {
	return id == ID{}
}
