// Package auxdb implements the non-authoritative sqlite convenience index
// the admin CLI queries for read-only reporting, per SPEC_FULL.md's DOMAIN
// STACK table: modernc.org/sqlite is kept from the teacher's
// internal/store, but is never the authoritative world store (that's
// internal/recordstore, per spec §4.B's crash-safety and forward-skip
// testable properties, which a SQL store cannot satisfy byte-for-byte).
// Every row here is rebuildable from the record store at any time.
package auxdb

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cyberspaced/cyberspaced/internal/worldstate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the admin index's sqlite connection, grounded on
// internal/store.Store's Open/migrate shape (teacher), adapted from a
// generic app-data store to this repo's narrow world/user/photo reporting
// schema.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the index at dsn and applies any pending
// migrations.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("auxdb: open %s: %w", dsn, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("auxdb: set WAL mode: %w", err)
	}
	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("auxdb: migrate: %w", err)
	}
	return d, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error { return d.db.Close() }

func (d *DB) migrate() error {
	if _, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := d.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		tx, err := d.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// Rebuild replaces every row from a fresh read of state, taken under
// state's lock. Called periodically by the app layer alongside the
// snapshotter; never the other way around.
func (d *DB) Rebuild(state *worldstate.State) error {
	state.Lock()
	type worldRow struct {
		name                                  string
		objects, avatars, parcels, chunkCount int
	}
	var worlds []worldRow
	for name, w := range state.WorldsMap() {
		worlds = append(worlds, worldRow{name, len(w.Objects), len(w.Avatars), len(w.Parcels), len(w.Chunks)})
	}
	type userRow struct {
		id       uint64
		name     string
		gardener bool
		lastSeen time.Time
	}
	var users []userRow
	for id, u := range state.UsersMap() {
		users = append(users, userRow{id, u.Name, u.WorldGardener, u.LastSeen})
	}
	type photoRow struct {
		id                                             uint64
		creator                                        uint64
		world, caption, full, midsize, thumbnail       string
	}
	var photos []photoRow
	for id, p := range state.PhotosMap() {
		photos = append(photos, photoRow{id, p.CreatorID, p.WorldName, p.Caption, p.FullFilename, p.MidsizeFilename, p.ThumbnailFilename})
	}
	state.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("auxdb: begin rebuild tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"worlds", "users", "photos"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("auxdb: clear %s: %w", table, err)
		}
	}

	now := time.Now()
	for _, w := range worlds {
		if _, err := tx.Exec(`INSERT INTO worlds(name, object_count, avatar_count, parcel_count, chunk_count, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			w.name, w.objects, w.avatars, w.parcels, w.chunkCount, now); err != nil {
			return fmt.Errorf("auxdb: insert world %s: %w", w.name, err)
		}
	}
	for _, u := range users {
		if _, err := tx.Exec(`INSERT INTO users(id, name, world_gardener, last_seen) VALUES (?, ?, ?, ?)`,
			u.id, u.name, u.gardener, u.lastSeen); err != nil {
			return fmt.Errorf("auxdb: insert user %d: %w", u.id, err)
		}
	}
	for _, p := range photos {
		if _, err := tx.Exec(`INSERT INTO photos(id, creator_id, world_name, caption, full_filename, midsize_filename, thumbnail_filename) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.id, p.creator, p.world, p.caption, p.full, p.midsize, p.thumbnail); err != nil {
			return fmt.Errorf("auxdb: insert photo %d: %w", p.id, err)
		}
	}

	return tx.Commit()
}

// WorldCount returns the number of worlds currently indexed, a small
// read used by the admin CLI and by tests to confirm a Rebuild ran.
func (d *DB) WorldCount() (int, error) {
	var n int
	err := d.db.QueryRow("SELECT COUNT(*) FROM worlds").Scan(&n)
	return n, err
}

// PhotosForWorld returns every indexed photo for worldName, ordered by id.
func (d *DB) PhotosForWorld(worldName string) ([]uint64, error) {
	rows, err := d.db.Query("SELECT id FROM photos WHERE world_name = ? ORDER BY id", worldName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
