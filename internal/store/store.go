// Package store persists node identity, pinned handshake keys and known peers in sqlite.
package store

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"dev.c0redev.peerrpc/internal/peer"
)

// DB wraps sqlite.
type DB struct {
	*sql.DB
}

// Open opens db at path (":memory:" for tests), runs migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// one connection: keeps :memory: databases shared and writes serialized
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS identity (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			peer_id TEXT NOT NULL,
			signing_seed BLOB NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS peer_keys (
			peer_id TEXT PRIMARY KEY,
			public_key BLOB NOT NULL,
			changes INTEGER NOT NULL DEFAULT 0,
			first_seen_at TEXT NOT NULL,
			last_seen_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS peers (
			peer_id TEXT PRIMARY KEY,
			addr TEXT NOT NULL DEFAULT '',
			ice_signal TEXT,
			last_seen_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_peers_seen ON peers(last_seen_at);
	`)
	return err
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

// Identity persisted node identity.
type Identity struct {
	Peer        peer.ID
	SigningSeed []byte
	CreatedAt   time.Time
}

// LoadOrCreateIdentity returns the stored identity, or stores the one built by gen.
func (db *DB) LoadOrCreateIdentity(gen func() (Identity, error)) (Identity, error) {
	var id Identity
	var pid, created string
	err := db.QueryRow("SELECT peer_id, signing_seed, created_at FROM identity WHERE id = 1").Scan(&pid, &id.SigningSeed, &created)
	if err == nil {
		if id.Peer, err = peer.ParseID(pid); err != nil {
			return Identity{}, fmt.Errorf("stored identity: %w", err)
		}
		id.CreatedAt, _ = time.Parse(time.RFC3339, created)
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Identity{}, err
	}
	if id, err = gen(); err != nil {
		return Identity{}, err
	}
	ts := now()
	if _, err := db.Exec("INSERT INTO identity (id, peer_id, signing_seed, created_at) VALUES (1, ?, ?, ?)",
		id.Peer.String(), id.SigningSeed, ts); err != nil {
		return Identity{}, err
	}
	id.CreatedAt, _ = time.Parse(time.RFC3339, ts)
	return id, nil
}

// PinPeerKey records pub as id's handshake key on first sight. A different key
// later replaces the pin and reports changed=true.
func (db *DB) PinPeerKey(id peer.ID, pub []byte) (changed bool, err error) {
	ts := now()
	var old []byte
	err = db.QueryRow("SELECT public_key FROM peer_keys WHERE peer_id = ?", id.String()).Scan(&old)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = db.Exec("INSERT INTO peer_keys (peer_id, public_key, first_seen_at, last_seen_at) VALUES (?, ?, ?, ?)",
			id.String(), pub, ts, ts)
		return false, err
	case err != nil:
		return false, err
	}
	if bytes.Equal(old, pub) {
		_, err = db.Exec("UPDATE peer_keys SET last_seen_at = ? WHERE peer_id = ?", ts, id.String())
		return false, err
	}
	_, err = db.Exec("UPDATE peer_keys SET public_key = ?, changes = changes + 1, last_seen_at = ? WHERE peer_id = ?",
		pub, ts, id.String())
	return true, err
}

// PeerKey pinned key and how often it changed.
type PeerKey struct {
	Peer      peer.ID
	PublicKey []byte
	Changes   int
	FirstSeen time.Time
	LastSeen  time.Time
}

// PeerKeyByID returns the pin for id or nil.
func (db *DB) PeerKeyByID(id peer.ID) (*PeerKey, error) {
	k := PeerKey{Peer: id}
	var first, last string
	err := db.QueryRow("SELECT public_key, changes, first_seen_at, last_seen_at FROM peer_keys WHERE peer_id = ?", id.String()).
		Scan(&k.PublicKey, &k.Changes, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	k.FirstSeen, _ = time.Parse(time.RFC3339, first)
	k.LastSeen, _ = time.Parse(time.RFC3339, last)
	return &k, nil
}

// Peer known peer: last address and ICE signal.
type Peer struct {
	ID        peer.ID
	Addr      string
	ICESignal string
	LastSeen  time.Time
}

// UpsertPeer records addr for id; empty addr keeps the stored one.
func (db *DB) UpsertPeer(id peer.ID, addr string) error {
	_, err := db.Exec(`INSERT INTO peers (peer_id, addr, last_seen_at) VALUES (?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			addr = CASE WHEN excluded.addr = '' THEN peers.addr ELSE excluded.addr END,
			last_seen_at = excluded.last_seen_at`, id.String(), addr, now())
	return err
}

// UpdatePeerICE stores the latest ICE signal received from id.
func (db *DB) UpdatePeerICE(id peer.ID, signal string) error {
	if err := db.UpsertPeer(id, ""); err != nil {
		return err
	}
	_, err := db.Exec("UPDATE peers SET ice_signal = ? WHERE peer_id = ?", signal, id.String())
	return err
}

func (db *DB) DeletePeer(id peer.ID) error {
	_, err := db.Exec("DELETE FROM peers WHERE peer_id = ?", id.String())
	return err
}

// ListPeers returns peers seen since cutoff (zero = all), newest first.
func (db *DB) ListPeers(since time.Time) ([]Peer, error) {
	cutoff := ""
	if !since.IsZero() {
		cutoff = since.UTC().Format(time.RFC3339)
	}
	rows, err := db.Query("SELECT peer_id, addr, ice_signal, last_seen_at FROM peers WHERE last_seen_at >= ? ORDER BY last_seen_at DESC", cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Peer
	for rows.Next() {
		var p Peer
		var pid, seen string
		var ice sql.NullString
		if err := rows.Scan(&pid, &p.Addr, &ice, &seen); err != nil {
			return nil, err
		}
		if p.ID, err = peer.ParseID(pid); err != nil {
			continue
		}
		p.ICESignal = ice.String
		p.LastSeen, _ = time.Parse(time.RFC3339, seen)
		out = append(out, p)
	}
	return out, rows.Err()
}
