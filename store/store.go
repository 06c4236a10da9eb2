// Package store implements imcsd's on-disk persistence: a versioned
// directory holding the schema version marker, the next-game-id counter,
// the player table, and per-game transcripts. It performs schema
// migration at boot and atomic replacement of the player table on every
// write.
//
// The on-disk grammar for a player record is `name hash rating`, where
// hash is a bcrypt digest rather than the plaintext token spec.md
// describes (see the password-hashing REDESIGN FLAG in SPEC_FULL.md);
// every other invariant — one record per line, no whitespace in name,
// unique names — is unchanged.
package store

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// CurrentVersion is the schema version this build understands.
const CurrentVersion = "2.2"

var (
	// ErrUnknownVersion is returned when VERSION names a schema this
	// build does not know how to migrate from. Boot treats this as fatal.
	ErrUnknownVersion = errors.New("store: unknown on-disk version")
	// ErrNameTaken is returned by Register when a player name already
	// exists in the table.
	ErrNameTaken = errors.New("store: player name already exists")
	// ErrNoSuchPlayer is returned when a lookup by name finds nothing.
	ErrNoSuchPlayer = errors.New("store: no such player")
)

// Player is one row of the player table.
type Player struct {
	Name         string
	PasswordHash string
	Rating       int
}

// Store is the on-disk root. It performs no in-memory caching or
// locking of its own: the broker's service-state guard governs the
// ordering of calls into Store the same way it governs the in-memory
// player table.
type Store struct {
	root string
}

// Open resolves root as the store directory, running any needed schema
// migration, and returns a ready Store. It does not itself accept
// connections; callers bootstrap a Store before binding a listener.
func Open(root string) (*Store, error) {
	s := &Store{root: root}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) versionPath() string   { return filepath.Join(s.root, "VERSION") }
func (s *Store) privateDir() string    { return filepath.Join(s.root, "private") }
func (s *Store) gameIDPath() string    { return filepath.Join(s.privateDir(), "GAMEID") }
func (s *Store) passwdPath() string    { return filepath.Join(s.privateDir(), "passwd") }
func (s *Store) passwdTmpPath() string { return filepath.Join(s.privateDir(), "passwd.tmp") }
func (s *Store) logDir() string        { return filepath.Join(s.root, "log") }

// migrate reads VERSION and walks the migration chain empty -> 2.0 -> 2.1
// -> 2.2, rewriting the passwd file as needed at each step. An unknown
// version is fatal.
func (s *Store) migrate() error {
	raw, err := os.ReadFile(s.versionPath())
	if errors.Is(err, os.ErrNotExist) {
		return s.bootstrap()
	}
	if err != nil {
		return fmt.Errorf("read VERSION: %w", err)
	}
	version := strings.TrimSpace(string(raw))

	switch version {
	case CurrentVersion:
		return nil
	case "2.1":
		if err := s.migrateHashPasswords(); err != nil {
			return err
		}
		return s.writeVersion(CurrentVersion)
	case "2.0":
		if err := s.migrateAddRatingColumn(); err != nil {
			return err
		}
		if err := s.writeVersion("2.1"); err != nil {
			return err
		}
		return s.migrate()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownVersion, version)
	}
}

// bootstrap creates a fresh store from nothing: directory tree, empty
// passwd, GAMEID seeded at 1, and the current VERSION marker.
func (s *Store) bootstrap() error {
	if err := os.MkdirAll(s.privateDir(), 0o755); err != nil {
		return fmt.Errorf("mkdir private: %w", err)
	}
	if err := os.MkdirAll(s.logDir(), 0o755); err != nil {
		return fmt.Errorf("mkdir log: %w", err)
	}
	if _, err := os.Stat(s.passwdPath()); errors.Is(err, os.ErrNotExist) {
		if err := s.writePasswdAtomic(nil); err != nil {
			return err
		}
	}
	if _, err := os.Stat(s.gameIDPath()); errors.Is(err, os.ErrNotExist) {
		if err := s.SaveNextGameID(1); err != nil {
			return err
		}
	}
	return s.writeVersion(CurrentVersion)
}

func (s *Store) writeVersion(v string) error {
	return os.WriteFile(s.versionPath(), []byte(v+"\n"), 0o644)
}

// migrateAddRatingColumn rewrites a legacy two-column `name password`
// passwd file, appending a literal copy of rating.BaseRating (1200) to
// every row; store does not import rating, so nothing checks that the two
// values stay equal.
func (s *Store) migrateAddRatingColumn() error {
	const legacyBaseRating = 1200

	f, err := os.Open(s.passwdPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open legacy passwd: %w", err)
	}
	defer f.Close()

	var players []Player
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return fmt.Errorf("legacy passwd: malformed line %q", line)
		}
		players = append(players, Player{Name: fields[0], PasswordHash: fields[1], Rating: legacyBaseRating})
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan legacy passwd: %w", err)
	}
	return s.writePasswdAtomic(players)
}

// migrateHashPasswords rewrites a 2.1 passwd file (plaintext password
// column) into 2.2's bcrypt-hashed column.
func (s *Store) migrateHashPasswords() error {
	players, err := s.LoadPlayers()
	if err != nil {
		return err
	}
	for i, p := range players {
		hash, err := bcrypt.GenerateFromPassword([]byte(p.PasswordHash), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash password for %s: %w", p.Name, err)
		}
		players[i].PasswordHash = string(hash)
	}
	return s.writePasswdAtomic(players)
}

// LoadPlayers reads the full player table.
func (s *Store) LoadPlayers() ([]Player, error) {
	f, err := os.Open(s.passwdPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open passwd: %w", err)
	}
	defer f.Close()

	var players []Player
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("passwd: malformed line %q", line)
		}
		rating, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("passwd: bad rating in line %q: %w", line, err)
		}
		players = append(players, Player{Name: fields[0], PasswordHash: fields[1], Rating: rating})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan passwd: %w", err)
	}
	return players, nil
}

// SavePlayers atomically replaces the passwd file with players. A single
// os.Rename over the existing file is atomic on POSIX filesystems,
// closing the unlink-then-rename hazard spec.md documents for this file
// (see REDESIGN FLAGS); the GAMEID counter below keeps that hazard.
func (s *Store) SavePlayers(players []Player) error {
	return s.writePasswdAtomic(players)
}

func (s *Store) writePasswdAtomic(players []Player) error {
	f, err := os.OpenFile(s.passwdTmpPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create passwd.tmp: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, p := range players {
		if _, err := fmt.Fprintf(w, "%s %s %d\n", p.Name, p.PasswordHash, p.Rating); err != nil {
			f.Close()
			return fmt.Errorf("write passwd.tmp: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush passwd.tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close passwd.tmp: %w", err)
	}
	if err := os.Rename(s.passwdTmpPath(), s.passwdPath()); err != nil {
		return fmt.Errorf("rename passwd.tmp: %w", err)
	}
	return nil
}

// LoadNextGameID reads the persisted next-game-id counter.
func (s *Store) LoadNextGameID() (int, error) {
	raw, err := os.ReadFile(s.gameIDPath())
	if err != nil {
		return 0, fmt.Errorf("read GAMEID: %w", err)
	}
	id, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse GAMEID: %w", err)
	}
	return id, nil
}

// SaveNextGameID persists the next-game-id counter with a plain,
// non-atomic write. This is the tolerated hazard kept by SPEC_FULL.md's
// REDESIGN FLAGS: a crash mid-write leaves the server responsive but this
// file truncated.
// It is intentionally not routed through the atomic rename path SavePlayers
// uses, to keep that hazard testable.
func (s *Store) SaveNextGameID(id int) error {
	if err := os.WriteFile(s.gameIDPath(), []byte(strconv.Itoa(id)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write GAMEID: %w", err)
	}
	return nil
}

// OpenGameLog opens (creating if needed) the append-only transcript file
// for gameID.
func (s *Store) OpenGameLog(gameID int) (*os.File, error) {
	path := filepath.Join(s.logDir(), strconv.Itoa(gameID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open game log %d: %w", gameID, err)
	}
	return f, nil
}
