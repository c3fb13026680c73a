// Package catalog implements the repository namespace model and the
// traversal engine that walks a catalog DAG across nested-catalog and
// previous-revision edges.
package catalog

import (
	"errors"
	"fmt"

	"github.com/bamsammich/stratum/internal/digest"
)

// NestedRef points at a catalog mounted under a subdirectory of its
// parent.
type NestedRef struct {
	Mountpoint string
	Hash       digest.Digest
}

// Handle is an opened catalog as returned by a Fetcher. A handle owns a
// temporary database file on disk until Close; DropDatabaseOwnership
// transfers unlink responsibility to the caller.
type Handle interface {
	IsRoot() bool
	PreviousRevision() digest.Digest
	ListOwnNestedCatalogs() []NestedRef
	LastModified() uint64
	DatabasePath() string
	DropDatabaseOwnership()
	Close() error
}

// Manifest names the entry point of a repository: the root catalog of
// the current HEAD revision.
type Manifest struct {
	RootHash    digest.Digest
	Revision    uint64
	RepoName    string
	PublishedAt uint64
}

// History enumerates the named snapshots of a repository.
type History interface {
	Hashes() ([]digest.Digest, error)
	Close() error
}

// Fetcher retrieves catalogs, the manifest, and the history database
// from a repository backend. Implementations verify signatures and
// decompress; the traversal engine only consumes opened handles.
type Fetcher interface {
	FetchManifest() (*Manifest, error)

	// FetchCatalog downloads and opens the catalog with the given hash.
	// mountpoint is the path the catalog is mounted under ("" for a root
	// catalog). parent may be nil.
	FetchCatalog(hash digest.Digest, mountpoint string, parent Handle, isNested bool) (Handle, error)

	// AttachCatalog re-opens a catalog from an already-downloaded
	// database file.
	AttachCatalog(hash digest.Digest, mountpoint, dbPath string, parent Handle, isNested bool) (Handle, error)

	FetchHistory() (History, error)
}

// Failure classes surfaced by fetchers. Wrapped into returned errors so
// the engine can branch on them with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrTransport    = errors.New("transport failure")
	ErrBadSignature = errors.New("invalid signature")
	ErrOpenFailed   = errors.New("catalog open failed")
)

// FailureName returns the human-readable name of the failure class of
// err, or "unknown failure" when err matches none.
func FailureName(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrTransport):
		return "transport failure"
	case errors.Is(err, ErrBadSignature):
		return "invalid signature"
	case errors.Is(err, ErrOpenFailed):
		return "catalog open failed"
	default:
		return "unknown failure"
	}
}

// Data is handed to listeners for every emitted catalog.
type Data struct {
	Catalog      Handle
	Hash         digest.Digest
	TreeLevel    int
	FileSize     int64
	HistoryDepth int
}

// Listener consumes emitted catalogs. Returning false aborts the
// traversal.
type Listener func(Data) bool

// jobState tracks where a job is in its lifecycle. A job is either on
// the processing stack (pending), waiting on the callback stack for its
// descendants (postponed), or done.
type jobState int

const (
	jobPending jobState = iota
	jobPostponed
	jobDone
)

// job is a catalog queued for traversal, extended with the mutable
// processing state the engine threads through push, fetch, and yield.
type job struct {
	// immutable after push
	mountpoint   string
	hash         digest.Digest
	treeLevel    int
	historyDepth int
	parent       Handle

	// processing state
	state           jobState
	catalog         Handle
	catalogFilePath string
	catalogFileSize int64
	referenced      int
	ignore          bool
}

func (j *job) isRootCatalog() bool { return j.treeLevel == 0 }

func (j *job) callbackData() Data {
	return Data{
		Catalog:      j.catalog,
		Hash:         j.hash,
		TreeLevel:    j.treeLevel,
		FileSize:     j.catalogFileSize,
		HistoryDepth: j.historyDepth,
	}
}

func (j *job) String() string {
	return fmt.Sprintf("%s (level %d, depth %d)", j.hash, j.treeLevel, j.historyDepth)
}
