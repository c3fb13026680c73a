package quota

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	_ "modernc.org/sqlite"

	"github.com/bamsammich/stratum/internal/digest"
)

// EntryType classifies an index row.
type EntryType int

const (
	EntryRegular EntryType = iota
	EntryCatalog
	EntryVolatile
	EntryPinned
)

// volatileFlag is the high bit of a stored sequence number. Stored in
// SQLite's signed int64, flagged sequence numbers are negative and sort
// before every non-volatile entry in the ascending LRU scan.
const volatileFlag = uint64(1) << 63

// Row is one tracked cache object.
type Row struct {
	Hash   digest.Digest
	Size   uint64
	Seq    uint64
	Path   string
	Type   EntryType
	Pinned bool
}

// Volatile reports whether the row opted into aggressive eviction.
func (r Row) Volatile() bool { return r.Seq&volatileFlag != 0 }

// ErrIndexCorrupt marks an unusable on-disk index; callers rebuild from
// the cache directory.
var ErrIndexCorrupt = errors.New("quota: cache index corrupt")

// Index is the persistent LRU bookkeeping of the cache: a mapping from
// digest to (size, sequence, path, type) with an ascending-sequence
// eviction scan. It is owned by exactly one command-server task; clients
// reach it only through the command pipe.
type Index struct {
	db   *sql.DB
	path string

	stmtTouch   *sql.Stmt
	stmtGetSeq  *sql.Stmt
	stmtInsert  *sql.Stmt
	stmtUnpin   *sql.Stmt
	stmtRemove  *sql.Stmt
	stmtSize    *sql.Stmt
	stmtLru     *sql.Stmt
	stmtList    *sql.Stmt
	stmtListAll *sql.Stmt
	stmtListPin *sql.Stmt
	stmtGauges  *sql.Stmt

	seq uint64
}

// OpenIndex opens (or creates) the cache index at dbPath. When the
// index is missing, marked dirty from an unclean shutdown, or belongs to
// a different cache directory, it is rebuilt by scanning cacheDir.
func OpenIndex(dbPath, cacheDir string) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}

	idx := &Index{db: db, path: dbPath}
	if err := idx.init(); err != nil {
		db.Close()
		return nil, err
	}

	needRebuild, err := idx.needsRebuild(cacheDir)
	if err != nil {
		db.Close()
		return nil, err
	}
	if needRebuild {
		if err := idx.Rebuild(cacheDir); err != nil {
			db.Close()
			return nil, err
		}
	}

	if err := idx.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	if err := idx.loadSeq(); err != nil {
		db.Close()
		return nil, err
	}

	// Mark dirty for the lifetime of this process; a clean shutdown
	// resets the flag in Checkpoint.
	if err := idx.setProperty("dirty", "1"); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (i *Index) init() error {
	_, err := i.db.Exec(`
		CREATE TABLE IF NOT EXISTS objects (
			hash  TEXT PRIMARY KEY,
			size  INTEGER NOT NULL,
			acseq INTEGER NOT NULL,
			path  TEXT NOT NULL,
			type  INTEGER NOT NULL,
			pinned INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS objects_acseq ON objects (acseq);
		CREATE TABLE IF NOT EXISTS properties (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("%w: create tables: %v", ErrIndexCorrupt, err)
	}
	return nil
}

// needsRebuild checks the dirty flag and the cache directory
// fingerprint. The fingerprint catches an index file copied between
// caches, which would otherwise track the wrong directory.
func (i *Index) needsRebuild(cacheDir string) (bool, error) {
	fp := fmt.Sprintf("%016x", xxhash.Sum64String(cacheDir))

	dirty, _ := i.getProperty("dirty")
	storedFp, _ := i.getProperty("cache_dir_fp")

	if err := i.setProperty("cache_dir_fp", fp); err != nil {
		return false, err
	}
	return dirty == "1" || storedFp != fp, nil
}

func (i *Index) getProperty(key string) (string, error) {
	var value string
	err := i.db.QueryRow("SELECT value FROM properties WHERE key = ?", key).Scan(&value)
	if err != nil {
		return "", err
	}
	return value, nil
}

func (i *Index) setProperty(key, value string) error {
	_, err := i.db.Exec(
		"INSERT OR REPLACE INTO properties (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("store property %s: %w", key, err)
	}
	return nil
}

func (i *Index) prepare() error {
	stmts := []struct {
		dst **sql.Stmt
		sql string
	}{
		{&i.stmtTouch, "UPDATE objects SET acseq = ? WHERE hash = ?"},
		{&i.stmtGetSeq, "SELECT acseq FROM objects WHERE hash = ?"},
		{&i.stmtInsert, "INSERT OR REPLACE INTO objects (hash, size, acseq, path, type, pinned) VALUES (?, ?, ?, ?, ?, ?)"},
		{&i.stmtUnpin, "UPDATE objects SET pinned = 0 WHERE hash = ?"},
		{&i.stmtRemove, "DELETE FROM objects WHERE hash = ?"},
		{&i.stmtSize, "SELECT size FROM objects WHERE hash = ?"},
		{&i.stmtLru, "SELECT hash, size, acseq, path, type FROM objects WHERE pinned = 0 ORDER BY acseq ASC LIMIT 1"},
		{&i.stmtList, "SELECT path, hash FROM objects WHERE type = ? ORDER BY acseq ASC"},
		{&i.stmtListAll, "SELECT path, hash FROM objects ORDER BY acseq ASC"},
		{&i.stmtListPin, "SELECT path, hash FROM objects WHERE pinned = 1 ORDER BY acseq ASC"},
		{&i.stmtGauges, "SELECT COALESCE(SUM(size), 0) FROM objects WHERE pinned = ?"},
	}
	for _, s := range stmts {
		stmt, err := i.db.Prepare(s.sql)
		if err != nil {
			return fmt.Errorf("%w: prepare %q: %v", ErrIndexCorrupt, s.sql, err)
		}
		*s.dst = stmt
	}
	return nil
}

func (i *Index) loadSeq() error {
	var maxSeq sql.NullInt64
	// The volatile flag makes flagged sequence numbers negative; mask it
	// off in Go rather than in SQL.
	rows, err := i.db.Query("SELECT acseq FROM objects")
	if err != nil {
		return fmt.Errorf("%w: load sequence: %v", ErrIndexCorrupt, err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw int64
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("%w: load sequence: %v", ErrIndexCorrupt, err)
		}
		logical := uint64(raw) &^ volatileFlag
		if !maxSeq.Valid || logical > uint64(maxSeq.Int64) {
			maxSeq = sql.NullInt64{Int64: int64(logical), Valid: true}
		}
	}
	if maxSeq.Valid {
		i.seq = uint64(maxSeq.Int64) + 1
	} else {
		i.seq = 1
	}
	return rows.Err()
}

// NextSeq hands out the next sequence number. Strictly increasing for
// the life of the manager.
func (i *Index) NextSeq() uint64 {
	s := i.seq
	i.seq++
	return s
}

// storedSeq encodes a logical sequence number for persistence,
// reapplying the volatile flag when requested.
func storedSeq(seq uint64, volatile bool) int64 {
	if volatile {
		return int64(seq | volatileFlag)
	}
	return int64(seq)
}

func hashKey(d digest.Digest) string { return d.StringWithSuffix() }

// Touch refreshes a row's sequence number, preserving its volatile
// flag. Returns false when the hash is not tracked.
func (i *Index) Touch(hash digest.Digest) (bool, error) {
	var raw int64
	err := i.stmtGetSeq.QueryRow(hashKey(hash)).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("touch %s: %w", hash, err)
	}
	volatile := uint64(raw)&volatileFlag != 0
	if _, err := i.stmtTouch.Exec(storedSeq(i.NextSeq(), volatile), hashKey(hash)); err != nil {
		return false, fmt.Errorf("touch %s: %w", hash, err)
	}
	return true, nil
}

// Insert adds or replaces a row, assigning a fresh sequence number.
func (i *Index) Insert(row Row) error {
	seq := i.NextSeq()
	volatile := row.Type == EntryVolatile
	pinned := 0
	if row.Pinned {
		pinned = 1
	}
	_, err := i.stmtInsert.Exec(
		hashKey(row.Hash), int64(row.Size), storedSeq(seq, volatile),
		row.Path, int(row.Type), pinned)
	if err != nil {
		return fmt.Errorf("insert %s: %w", row.Hash, err)
	}
	return nil
}

// Unpin returns a pinned row to normal LRU accounting.
func (i *Index) Unpin(hash digest.Digest) error {
	if _, err := i.stmtUnpin.Exec(hashKey(hash)); err != nil {
		return fmt.Errorf("unpin %s: %w", hash, err)
	}
	return nil
}

// Remove drops a row.
func (i *Index) Remove(hash digest.Digest) error {
	if _, err := i.stmtRemove.Exec(hashKey(hash)); err != nil {
		return fmt.Errorf("remove %s: %w", hash, err)
	}
	return nil
}

// SizeOf looks up a row's size. The second return is false for unknown
// hashes.
func (i *Index) SizeOf(hash digest.Digest) (uint64, bool, error) {
	var size int64
	err := i.stmtSize.QueryRow(hashKey(hash)).Scan(&size)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("size of %s: %w", hash, err)
	}
	return uint64(size), true, nil
}

// EvictCandidate returns the non-pinned row with the smallest stored
// sequence number. Volatile rows surface first through their negative
// stored sequence. The second return is false when nothing is evictable.
func (i *Index) EvictCandidate() (Row, bool, error) {
	var (
		hashStr string
		size    int64
		raw     int64
		path    string
		typ     int
	)
	err := i.stmtLru.QueryRow().Scan(&hashStr, &size, &raw, &path, &typ)
	if err == sql.ErrNoRows {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("lru scan: %w", err)
	}
	hash, err := digest.ParseHex(hashStr)
	if err != nil {
		return Row{}, false, fmt.Errorf("%w: stored hash %q: %v", ErrIndexCorrupt, hashStr, err)
	}
	return Row{
		Hash: hash,
		Size: uint64(size),
		Seq:  uint64(raw),
		Path: path,
		Type: EntryType(typ),
	}, true, nil
}

// ListBy returns the descriptions of all rows of one type, oldest
// first. Each line is "path (hash)".
func (i *Index) ListBy(typ EntryType) ([]string, error) {
	rows, err := i.stmtList.Query(int(typ))
	if err != nil {
		return nil, fmt.Errorf("list type %d: %w", typ, err)
	}
	return scanListing(rows)
}

// ListAll returns the descriptions of every row, oldest first.
func (i *Index) ListAll() ([]string, error) {
	rows, err := i.stmtListAll.Query()
	if err != nil {
		return nil, fmt.Errorf("list all: %w", err)
	}
	return scanListing(rows)
}

// ListPinned returns the descriptions of all pinned rows.
func (i *Index) ListPinned() ([]string, error) {
	rows, err := i.stmtListPin.Query()
	if err != nil {
		return nil, fmt.Errorf("list pinned: %w", err)
	}
	return scanListing(rows)
}

func scanListing(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return out, fmt.Errorf("scan listing: %w", err)
		}
		out = append(out, fmt.Sprintf("%s (%s)", path, hash))
	}
	return out, rows.Err()
}

// Gauges recomputes the unpinned and pinned byte totals from the table.
// Used at startup; steady-state accounting is incremental in the
// manager.
func (i *Index) Gauges() (gauge, pinned uint64, err error) {
	var unpinnedSum, pinnedSum int64
	if err := i.stmtGauges.QueryRow(0).Scan(&unpinnedSum); err != nil {
		return 0, 0, fmt.Errorf("gauge scan: %w", err)
	}
	if err := i.stmtGauges.QueryRow(1).Scan(&pinnedSum); err != nil {
		return 0, 0, fmt.Errorf("pinned scan: %w", err)
	}
	return uint64(unpinnedSum), uint64(pinnedSum), nil
}

// ApplyBatch executes a bunch of coalesced insert/touch commands in one
// transaction. The server collects up to commandBatchSize contiguous
// coalescable commands before calling this.
func (i *Index) ApplyBatch(cmds []Command) error {
	if len(cmds) == 0 {
		return nil
	}
	tx, err := i.db.Begin()
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, cmd := range cmds {
		switch cmd.Type {
		case CmdTouch:
			var raw int64
			err := tx.Stmt(i.stmtGetSeq).QueryRow(hashKey(cmd.Hash)).Scan(&raw)
			if err == sql.ErrNoRows {
				continue
			}
			if err == nil {
				volatile := uint64(raw)&volatileFlag != 0
				_, err = tx.Stmt(i.stmtTouch).Exec(storedSeq(i.NextSeq(), volatile), hashKey(cmd.Hash))
			}
			if err != nil {
				tx.Rollback() //nolint:errcheck // original error wins
				return fmt.Errorf("batch touch %s: %w", cmd.Hash, err)
			}
		case CmdInsert, CmdInsertVolatile:
			typ := EntryRegular
			if cmd.Type == CmdInsertVolatile {
				typ = EntryVolatile
			}
			_, err := tx.Stmt(i.stmtInsert).Exec(
				hashKey(cmd.Hash), int64(cmd.Size),
				storedSeq(i.NextSeq(), typ == EntryVolatile),
				cmd.Description, int(typ), 0)
			if err != nil {
				tx.Rollback() //nolint:errcheck // original error wins
				return fmt.Errorf("batch insert %s: %w", cmd.Hash, err)
			}
		default:
			tx.Rollback() //nolint:errcheck // original error wins
			return fmt.Errorf("batch: command %d is not coalescable", cmd.Type)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Rebuild reconstructs the index from the cache directory: filenames
// are parsed back into digests, sizes come from stat, and sequence
// numbers are assigned in directory-iteration order. Pinned state is
// process-scoped and lost.
func (i *Index) Rebuild(cacheDir string) error {
	if _, err := i.db.Exec("DELETE FROM objects"); err != nil {
		return fmt.Errorf("%w: clear objects: %v", ErrIndexCorrupt, err)
	}

	tx, err := i.db.Begin()
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	insert, err := tx.Prepare(
		"INSERT OR REPLACE INTO objects (hash, size, acseq, path, type, pinned) VALUES (?, ?, ?, ?, 0, 0)")
	if err != nil {
		tx.Rollback() //nolint:errcheck // original error wins
		return fmt.Errorf("prepare rebuild: %w", err)
	}
	defer insert.Close()

	seq := uint64(1)
	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		tx.Rollback() //nolint:errcheck // original error wins
		return fmt.Errorf("read cache dir: %w", err)
	}
	for _, sub := range entries {
		if !sub.IsDir() || len(sub.Name()) != 2 {
			continue
		}
		files, err := os.ReadDir(filepath.Join(cacheDir, sub.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			hash, err := digest.ParseHex(sub.Name() + f.Name())
			if err != nil {
				continue // stray file, not cache content
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			path := filepath.Join(cacheDir, sub.Name(), f.Name())
			if _, err := insert.Exec(hashKey(hash), info.Size(), int64(seq), path); err != nil {
				tx.Rollback() //nolint:errcheck // original error wins
				return fmt.Errorf("rebuild insert %s: %w", hash, err)
			}
			seq++
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebuild: %w", err)
	}
	i.seq = seq
	return nil
}

// Checkpoint clears the dirty flag. Called on clean shutdown.
func (i *Index) Checkpoint() error {
	return i.setProperty("dirty", "0")
}

// Close releases the prepared statements and the database.
func (i *Index) Close() error {
	for _, stmt := range []*sql.Stmt{
		i.stmtTouch, i.stmtGetSeq, i.stmtInsert, i.stmtUnpin, i.stmtRemove,
		i.stmtSize, i.stmtLru, i.stmtList, i.stmtListAll, i.stmtListPin, i.stmtGauges,
	} {
		if stmt != nil {
			stmt.Close() //nolint:errcheck // close-path cleanup
		}
	}
	return i.db.Close()
}

// Path returns the on-disk location of the index database.
func (i *Index) Path() string { return i.path }
