package catalog

import (
	"errors"
	"log/slog"
	"math"
	"os"

	"github.com/bamsammich/stratum/internal/digest"
)

// Strategy selects the order in which catalogs are handed to listeners.
//
// BreadthFirst emits each catalog as soon as it is visited: from the
// HEAD revision to older revisions, and from root to leaf. Catalogs are
// opened, emitted, and closed immediately, which keeps disk usage flat.
//
// DepthFirst emits a catalog only after all of its nested catalogs and
// historic ancestors were emitted: leaves before roots, oldest revision
// first. Catalogs are closed while they wait and re-opened for emission,
// which needs temporary disk space for not-yet-emitted downloads.
type Strategy int

const (
	BreadthFirst Strategy = iota
	DepthFirst
)

// History depth limits.
const (
	NoHistory   uint = 0
	FullHistory uint = math.MaxUint
)

// NoTimestampThreshold disables timestamp pruning.
const NoTimestampThreshold uint64 = 0

// Options configures a Traversal.
type Options struct {
	Fetcher Fetcher

	// History is the maximum history depth followed through
	// previous-revision edges. NoHistory walks HEAD only.
	History uint

	// Timestamp is the minimum last-modified time. The root the walk
	// entered at is emitted even when older than the threshold, but its
	// previous-revision edge is not followed. A historic root (history
	// depth > 0) older than the threshold is dropped without emission,
	// together with its nested catalogs and ancestors.
	Timestamp uint64

	// NoRepeatHistory skips catalogs already visited during this
	// traversal (catalogs shared across revisions).
	NoRepeatHistory bool

	// NoClose leaves every emitted catalog open and its database file
	// on disk. Parent handles stay linked for listener use; the listener
	// takes over closing and unlinking.
	NoClose bool

	// IgnoreLoadFailure tolerates catalogs that are gone from the
	// backend (swept by garbage collection): the job is skipped instead
	// of aborting the traversal.
	IgnoreLoadFailure bool

	// Quiet routes error lines to the debug level.
	Quiet bool

	// LastModified overrides how the pruning timestamp of a catalog is
	// obtained. The default reads the catalog's own timestamp; garbage
	// collection substitutes a reflog-derived one.
	LastModified func(Handle) uint64
}

// Traversal walks the catalog hierarchy of a repository, including
// historic revisions, and hands each visited catalog to the registered
// listeners exactly once.
type Traversal struct {
	opts      Options
	listeners []Listener
	visited   map[digest.Digest]struct{}
}

// New creates a traversal engine for the given options.
func New(opts Options) (*Traversal, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("catalog: traversal needs a fetcher")
	}
	if opts.LastModified == nil {
		opts.LastModified = func(c Handle) uint64 { return c.LastModified() }
	}
	return &Traversal{
		opts:    opts,
		visited: make(map[digest.Digest]struct{}),
	}, nil
}

// RegisterListener appends a listener. Listeners are invoked
// synchronously in registration order for every emitted catalog; a
// false return from any of them aborts the traversal.
func (t *Traversal) RegisterListener(l Listener) {
	t.listeners = append(t.listeners, l)
}

// traversalContext carries the state of one traversal run. The catalog
// stack holds jobs still to be processed; the callback stack holds
// postponed depth-first jobs waiting for their descendants.
type traversalContext struct {
	historyDepth       uint
	timestampThreshold uint64
	strategy           Strategy
	catalogStack       jobStack
	callbackStack      jobStack
}

// Traverse walks the repository starting at the current HEAD revision,
// obtained from the manifest. Returns false when any catalog could not
// be processed.
func (t *Traversal) Traverse(strategy Strategy) bool {
	root, ok := t.repositoryRootHash()
	if !ok {
		return false
	}
	return t.TraverseFrom(root, strategy)
}

// TraverseFrom walks the repository starting at the given root catalog,
// with the configured pruning thresholds.
func (t *Traversal) TraverseFrom(rootHash digest.Digest, strategy Strategy) bool {
	ctx := &traversalContext{
		historyDepth:       t.opts.History,
		timestampThreshold: t.opts.Timestamp,
		strategy:           strategy,
	}
	t.pushRoot(rootHash, ctx)
	return t.doTraverse(ctx)
}

// TraverseRevision walks a single revision from the given root catalog
// and never follows previous-revision edges, regardless of the
// configured history settings.
func (t *Traversal) TraverseRevision(rootHash digest.Digest, strategy Strategy) bool {
	ctx := &traversalContext{
		historyDepth:       NoHistory,
		timestampThreshold: NoTimestampThreshold,
		strategy:           strategy,
	}
	t.pushRoot(rootHash, ctx)
	return t.doTraverse(ctx)
}

// TraverseList walks a list of revisions represented by root catalog
// hashes, first to last, each without following previous-revision
// edges. Stops at the first failing revision.
func (t *Traversal) TraverseList(rootHashes []digest.Digest, strategy Strategy) bool {
	for _, hash := range rootHashes {
		if !t.TraverseRevision(hash, strategy) {
			return false
		}
	}
	return true
}

// TraverseNamedSnapshots uses every named snapshot in the repository's
// history database as a traversal entry point. A repository without a
// history database traverses nothing and succeeds.
func (t *Traversal) TraverseNamedSnapshots(strategy Strategy) bool {
	history, err := t.opts.Fetcher.FetchHistory()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			slog.Debug("no history database to traverse")
			return true
		}
		t.errorf("failed to fetch history database", "error", err, "failure", FailureName(err))
		return false
	}
	defer history.Close()

	hashes, err := history.Hashes()
	if err != nil {
		t.errorf("failed to list named snapshots", "error", err)
		return false
	}
	return t.TraverseList(hashes, strategy)
}

func (t *Traversal) repositoryRootHash() (digest.Digest, bool) {
	manifest, err := t.opts.Fetcher.FetchManifest()
	if err != nil {
		slog.Error("failed to fetch manifest", "error", err, "failure", FailureName(err))
		return digest.Digest{}, false
	}
	return manifest.RootHash, true
}

func (t *Traversal) pushRoot(rootHash digest.Digest, ctx *traversalContext) {
	ctx.catalogStack.push(&job{hash: rootHash})
}

// doTraverse drives one traversal run. Each popped job is skipped,
// fetched, expanded, and emitted; ignored jobs still drain postponed
// yields so depth-first parents are released.
func (t *Traversal) doTraverse(ctx *traversalContext) bool {
	for !ctx.catalogStack.empty() {
		j := ctx.catalogStack.pop()

		if t.shouldBeSkipped(j) {
			j.ignore = true
		} else if !t.prepareCatalog(j) {
			return false
		}

		// A historic root below the timestamp threshold is dropped
		// after the fetch: its subtree and ancestors stay unexplored.
		// The threshold never drops the revision the walk entered at.
		if !j.ignore && j.isRootCatalog() && j.historyDepth > 0 &&
			t.opts.LastModified(j.catalog) < ctx.timestampThreshold {
			slog.Debug("pruning catalog below timestamp threshold",
				"hash", j.hash, "history_depth", j.historyDepth)
			if !t.closeCatalog(j, true) {
				return false
			}
			j.ignore = true
		}

		if j.ignore {
			if !t.handlePostponedYields(ctx) {
				return false
			}
			continue
		}

		t.markVisited(j)
		t.pushReferencedCatalogs(j, ctx)

		if !t.yieldToListeners(j, ctx) {
			return false
		}
	}

	// Invariant: a finished traversal leaves nothing queued and nothing
	// waiting for a postponed yield.
	if !ctx.callbackStack.empty() {
		t.errorf("traversal finished with postponed catalogs", "count", ctx.callbackStack.len())
		return false
	}
	return true
}

// prepareCatalog fetches and opens the job's catalog. A missing catalog
// is tolerated when IgnoreLoadFailure is set (it was likely swept by a
// garbage collection run before).
func (t *Traversal) prepareCatalog(j *job) bool {
	catalog, err := t.opts.Fetcher.FetchCatalog(j.hash, j.mountpoint, j.parent, !j.isRootCatalog())
	if err != nil {
		if errors.Is(err, ErrNotFound) && t.opts.IgnoreLoadFailure {
			slog.Debug("ignoring missing catalog (swept before?)", "hash", j.hash)
			j.ignore = true
			return true
		}
		t.errorf("failed to load catalog",
			"hash", j.hash.StringWithSuffix(), "failure", FailureName(err), "error", err)
		return false
	}

	// Handles manage their database file by default; the engine manages
	// it manually across close/reopen.
	catalog.DropDatabaseOwnership()

	j.catalog = catalog
	j.catalogFilePath = catalog.DatabasePath()
	if info, err := os.Stat(j.catalogFilePath); err == nil {
		j.catalogFileSize = info.Size()
	}
	return true
}

func (t *Traversal) reopenCatalog(j *job) bool {
	catalog, err := t.opts.Fetcher.AttachCatalog(
		j.hash, j.mountpoint, j.catalogFilePath, j.parent, !j.isRootCatalog())
	if err != nil {
		t.errorf("failed to re-open catalog", "hash", j.hash, "error", err)
		return false
	}
	catalog.DropDatabaseOwnership()
	j.catalog = catalog
	return true
}

func (t *Traversal) closeCatalog(j *job, unlinkDB bool) bool {
	if j.catalog != nil {
		j.catalog.Close() //nolint:errcheck // handle close failures surface on unlink
		j.catalog = nil
	}
	if unlinkDB && j.catalogFilePath != "" {
		if err := os.Remove(j.catalogFilePath); err != nil {
			t.errorf("failed to unlink catalog database", "path", j.catalogFilePath, "error", err)
			return false
		}
	}
	return true
}

// pushReferencedCatalogs pushes the outgoing edges of the catalog onto
// the processing stack. Both strategies share the LIFO stack; the push
// order decides what is popped, and therefore emitted, first.
func (t *Traversal) pushReferencedCatalogs(j *job, ctx *traversalContext) {
	if ctx.strategy == BreadthFirst {
		// Previous revision first so nested catalogs are popped before
		// descending into history: top to bottom, newest to oldest.
		j.referenced = t.pushPreviousRevision(j, ctx) + t.pushNestedCatalogs(j, ctx)
		return
	}
	// Depth first: oldest revision and leaves surface first.
	j.referenced = t.pushNestedCatalogs(j, ctx) + t.pushPreviousRevision(j, ctx)
}

// pushPreviousRevision follows the history edge of a root catalog.
// Returns the number of jobs pushed (0 or 1).
func (t *Traversal) pushPreviousRevision(j *job, ctx *traversalContext) int {
	if !j.catalog.IsRoot() {
		return 0
	}
	previous := j.catalog.PreviousRevision()
	if previous.IsNull() {
		return 0
	}

	// A root catalog below a pruning threshold is still emitted; only
	// its ancestor revision is cut off.
	if t.isBelowPruningThresholds(j, ctx) {
		return 0
	}

	ctx.catalogStack.push(&job{
		hash:         previous,
		historyDepth: j.historyDepth + 1,
	})
	return 1
}

// pushNestedCatalogs pushes every child mounted under this catalog, in
// reverse listing order so the LIFO stack pops them in listing order.
// Returns the number of jobs pushed.
func (t *Traversal) pushNestedCatalogs(j *job, ctx *traversalContext) int {
	nested := j.catalog.ListOwnNestedCatalogs()
	for i := len(nested) - 1; i >= 0; i-- {
		ref := nested[i]
		var parent Handle
		if t.opts.NoClose {
			parent = j.catalog
		}
		ctx.catalogStack.push(&job{
			mountpoint:   ref.Mountpoint,
			hash:         ref.Hash,
			treeLevel:    j.treeLevel + 1,
			historyDepth: j.historyDepth,
			parent:       parent,
		})
	}
	return len(nested)
}

// isBelowPruningThresholds checks a root catalog against the history
// depth and timestamp thresholds of the current run.
func (t *Traversal) isBelowPruningThresholds(j *job, ctx *traversalContext) bool {
	h := uint(j.historyDepth) >= ctx.historyDepth
	ts := t.opts.LastModified(j.catalog) < ctx.timestampThreshold
	return h || ts
}

func (t *Traversal) yieldToListeners(j *job, ctx *traversalContext) bool {
	if ctx.strategy == BreadthFirst {
		// Every catalog is handed out as soon as it is visited.
		return t.yield(j)
	}

	// Depth first: a catalog waits on the callback stack until all of
	// its referenced catalogs were yielded.
	if j.referenced > 0 {
		t.postponeYield(j, ctx)
		return true
	}
	return t.yield(j) && t.handlePostponedYields(ctx)
}

// yield hands one catalog out to the listeners, re-opening it first if
// it was postponed and closed in the meantime.
func (t *Traversal) yield(j *job) bool {
	if j.state == jobPostponed && !t.opts.NoClose && !t.reopenCatalog(j) {
		return false
	}

	data := j.callbackData()
	for _, l := range t.listeners {
		if !l(data) {
			t.errorf("listener aborted traversal", "hash", j.hash)
			return false
		}
	}
	j.state = jobDone

	if t.opts.NoClose {
		// The listener is now responsible for the handle and the
		// database file.
		return true
	}
	return t.closeCatalog(j, true)
}

// postponeYield parks a depth-first job on the callback stack until its
// descendants complete.
func (t *Traversal) postponeYield(j *job, ctx *traversalContext) {
	j.state = jobPostponed
	if !t.opts.NoClose {
		t.closeCatalog(j, false) // re-opened just before yielding
	}
	ctx.callbackStack.push(j)
}

// handlePostponedYields releases parked depth-first jobs. Every yielded
// (or ignored) catalog decrements the pending count of the callback
// stack's top; when a count reaches zero that parent is yielded and the
// drain continues with its own parent.
func (t *Traversal) handlePostponedYields(ctx *traversalContext) bool {
	if ctx.strategy == BreadthFirst {
		return true
	}

	for !ctx.callbackStack.empty() {
		postponed := ctx.callbackStack.top()
		postponed.referenced--
		if postponed.referenced > 0 {
			break
		}
		if !t.yield(postponed) {
			return false
		}
		ctx.callbackStack.pop()
	}
	return true
}

// shouldBeSkipped consults the traversal history. Without
// NoRepeatHistory it is always false.
func (t *Traversal) shouldBeSkipped(j *job) bool {
	if !t.opts.NoRepeatHistory {
		return false
	}
	_, seen := t.visited[visitKey(j.hash)]
	return seen
}

func (t *Traversal) markVisited(j *job) {
	if t.opts.NoRepeatHistory {
		t.visited[visitKey(j.hash)] = struct{}{}
	}
}

// visitKey normalizes a digest for the visited set: equality is over
// algorithm and payload, never the suffix.
func visitKey(d digest.Digest) digest.Digest {
	d.Suffix = digest.SuffixNone
	return d
}

// errorf logs an error line, or a debug line when the traversal was
// configured quiet.
func (t *Traversal) errorf(msg string, args ...any) {
	if t.opts.Quiet {
		slog.Debug(msg, args...)
		return
	}
	slog.Error(msg, args...)
}
