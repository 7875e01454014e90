package contacts

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func newDirectoryFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "AddressBook.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	schema := `
		CREATE TABLE ZABCDRECORD (
			Z_PK INTEGER PRIMARY KEY,
			ZFIRSTNAME TEXT,
			ZLASTNAME TEXT,
			ZORGANIZATION TEXT
		);
		CREATE TABLE ZABCDPHONENUMBER (
			ZOWNER INTEGER,
			ZFULLNUMBER TEXT
		);
		CREATE TABLE ZABCDEMAILADDRESS (
			ZOWNER INTEGER,
			ZADDRESS TEXT
		);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatal(err)
	}

	seed := `
		INSERT INTO ZABCDRECORD VALUES (1, 'Ada', 'Lovelace', NULL);
		INSERT INTO ZABCDRECORD VALUES (2, NULL, NULL, 'Record Label Inc');
		INSERT INTO ZABCDPHONENUMBER VALUES (1, '+1 (555) 123-0001');
		INSERT INTO ZABCDEMAILADDRESS VALUES (2, 'Promo@Label.example');
	`
	if _, err := db.Exec(seed); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDirectoryResolver(t *testing.T) {
	ctx := context.Background()
	r, err := OpenDirectory(newDirectoryFixture(t))
	if err != nil {
		t.Fatalf("OpenDirectory: %v", err)
	}
	defer r.Close()

	tests := []struct {
		handle string
		want   string
	}{
		{"+15551230001", "Ada Lovelace"},
		{"5551230001", "Ada Lovelace"}, // last-10 match
		{"promo@label.example", "Record Label Inc"},
		{"PROMO@label.example", "Record Label Inc"},
		{"+19990000000", "+19990000000"}, // unknown stays raw
		{"nobody@example.com", "nobody@example.com"},
	}
	for _, tt := range tests {
		got, err := r.ResolveDisplayName(ctx, tt.handle)
		if err != nil {
			t.Fatalf("ResolveDisplayName(%q): %v", tt.handle, err)
		}
		if got != tt.want {
			t.Errorf("ResolveDisplayName(%q) = %q, want %q", tt.handle, got, tt.want)
		}
	}

	// Second lookup is served from the per-resolver cache.
	got, err := r.ResolveDisplayName(ctx, "+15551230001")
	if err != nil || got != "Ada Lovelace" {
		t.Errorf("cached lookup = %q, %v", got, err)
	}
}

func TestNullResolver(t *testing.T) {
	got, err := NullResolver{}.ResolveDisplayName(context.Background(), "+15550000000")
	if err != nil || got != "+15550000000" {
		t.Errorf("NullResolver = %q, %v", got, err)
	}
}
