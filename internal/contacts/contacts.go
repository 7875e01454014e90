// Package contacts resolves raw message handles (phone numbers, email
// addresses) to display names using an external contact directory.
package contacts

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Resolver maps a raw handle to a display name. Implementations return
// the handle unchanged when no better name is known; an error means the
// directory itself failed, and callers degrade to the raw handle.
type Resolver interface {
	ResolveDisplayName(ctx context.Context, handle string) (string, error)
}

// NullResolver performs no lookups.
type NullResolver struct{}

func (NullResolver) ResolveDisplayName(_ context.Context, handle string) (string, error) {
	return handle, nil
}

// DirectoryResolver resolves handles against an AddressBook-style SQLite
// database, opened read-only. The directory is loaded once on first use
// and resolved names are cached per resolver instance.
type DirectoryResolver struct {
	db *sql.DB

	mu      sync.Mutex
	loaded  bool
	byPhone map[string]string
	byEmail map[string]string
	cache   map[string]string
}

// OpenDirectory opens the contact database at path read-only.
func OpenDirectory(path string) (*DirectoryResolver, error) {
	dsn := (&url.URL{
		Scheme:   "file",
		OmitHost: true,
		Path:     path,
		RawQuery: "mode=ro&_busy_timeout=5000",
	}).String()
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open contact db: %w", err)
	}
	return &DirectoryResolver{db: db, cache: make(map[string]string)}, nil
}

// Close releases the directory handle.
func (r *DirectoryResolver) Close() error {
	return r.db.Close()
}

// ResolveDisplayName implements Resolver.
func (r *DirectoryResolver) ResolveDisplayName(ctx context.Context, handle string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name, ok := r.cache[handle]; ok {
		return name, nil
	}
	if !r.loaded {
		if err := r.load(ctx); err != nil {
			return handle, err
		}
		r.loaded = true
	}

	name := handle
	if strings.Contains(handle, "@") {
		if n, ok := r.byEmail[strings.ToLower(handle)]; ok {
			name = n
		}
	} else {
		digits := normalizePhone(handle)
		if n, ok := r.byPhone[digits]; ok {
			name = n
		} else if len(digits) > 10 {
			if n, ok := r.byPhone[digits[len(digits)-10:]]; ok {
				name = n
			}
		}
	}

	r.cache[handle] = name
	return name, nil
}

// load reads the whole directory into memory. Contact directories are
// small; one pass beats a query per handle.
func (r *DirectoryResolver) load(ctx context.Context) error {
	r.byPhone = make(map[string]string)
	r.byEmail = make(map[string]string)

	names := make(map[int64]string)
	rows, err := r.db.QueryContext(ctx, `
		SELECT Z_PK, COALESCE(ZFIRSTNAME, ''), COALESCE(ZLASTNAME, ''), COALESCE(ZORGANIZATION, '')
		FROM ZABCDRECORD
	`)
	if err != nil {
		return fmt.Errorf("load contact records: %w", err)
	}
	for rows.Next() {
		var pk int64
		var first, last, org string
		if err := rows.Scan(&pk, &first, &last, &org); err != nil {
			rows.Close()
			return fmt.Errorf("scan contact record: %w", err)
		}
		name := strings.TrimSpace(first + " " + last)
		if name == "" {
			name = org
		}
		if name != "" {
			names[pk] = name
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = r.db.QueryContext(ctx, `
		SELECT ZOWNER, COALESCE(ZFULLNUMBER, '') FROM ZABCDPHONENUMBER
	`)
	if err != nil {
		return fmt.Errorf("load contact phones: %w", err)
	}
	for rows.Next() {
		var owner int64
		var number string
		if err := rows.Scan(&owner, &number); err != nil {
			rows.Close()
			return fmt.Errorf("scan contact phone: %w", err)
		}
		name, ok := names[owner]
		if !ok {
			continue
		}
		digits := normalizePhone(number)
		if digits == "" {
			continue
		}
		r.byPhone[digits] = name
		if len(digits) > 10 {
			r.byPhone[digits[len(digits)-10:]] = name
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = r.db.QueryContext(ctx, `
		SELECT ZOWNER, COALESCE(ZADDRESS, '') FROM ZABCDEMAILADDRESS
	`)
	if err != nil {
		return fmt.Errorf("load contact emails: %w", err)
	}
	for rows.Next() {
		var owner int64
		var address string
		if err := rows.Scan(&owner, &address); err != nil {
			rows.Close()
			return fmt.Errorf("scan contact email: %w", err)
		}
		if name, ok := names[owner]; ok && address != "" {
			r.byEmail[strings.ToLower(address)] = name
		}
	}
	rows.Close()
	return rows.Err()
}

// normalizePhone strips everything but digits.
func normalizePhone(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
