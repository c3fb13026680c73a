package catalog_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/stratum/internal/catalog"
	"github.com/bamsammich/stratum/internal/digest"
)

// hashOf derives a deterministic catalog hash from a test name.
func hashOf(name string) digest.Digest {
	return digest.HashMem([]byte(name), digest.SHA1)
}

type catalogInfo struct {
	root         bool
	lastModified uint64
	previous     digest.Digest
	nested       []catalog.NestedRef
}

type mockHandle struct {
	info   *catalogInfo
	dbPath string
	parent catalog.Handle
	ownsDB bool
}

func (h *mockHandle) IsRoot() bool                               { return h.info.root }
func (h *mockHandle) PreviousRevision() digest.Digest            { return h.info.previous }
func (h *mockHandle) ListOwnNestedCatalogs() []catalog.NestedRef { return h.info.nested }
func (h *mockHandle) LastModified() uint64                       { return h.info.lastModified }
func (h *mockHandle) DatabasePath() string                       { return h.dbPath }
func (h *mockHandle) DropDatabaseOwnership()                     { h.ownsDB = false }

func (h *mockHandle) Close() error {
	if h.ownsDB {
		return os.Remove(h.dbPath)
	}
	return nil
}

// mockFetcher serves an in-memory catalog graph and materializes a
// database file per fetch, like the real fetcher does.
type mockFetcher struct {
	t           *testing.T
	tmpDir      string
	manifest    *catalog.Manifest
	manifestErr error
	catalogs    map[digest.Digest]*catalogInfo
	missing     map[digest.Digest]bool
	failing     map[digest.Digest]bool
	history     []digest.Digest
	historyErr  error
	fetches     int
}

func newMockFetcher(t *testing.T) *mockFetcher {
	return &mockFetcher{
		t:        t,
		tmpDir:   t.TempDir(),
		catalogs: make(map[digest.Digest]*catalogInfo),
		missing:  make(map[digest.Digest]bool),
		failing:  make(map[digest.Digest]bool),
	}
}

// add registers a catalog under its name-derived hash and returns the
// hash.
func (f *mockFetcher) add(name string, info catalogInfo) digest.Digest {
	hash := hashOf(name)
	f.catalogs[hash] = &info
	return hash
}

func (f *mockFetcher) setHead(hash digest.Digest) {
	f.manifest = &catalog.Manifest{RootHash: hash, Revision: 1}
}

func (f *mockFetcher) FetchManifest() (*catalog.Manifest, error) {
	if f.manifestErr != nil {
		return nil, f.manifestErr
	}
	if f.manifest == nil {
		return nil, fmt.Errorf("manifest: %w", catalog.ErrNotFound)
	}
	return f.manifest, nil
}

func (f *mockFetcher) FetchCatalog(hash digest.Digest, mountpoint string, parent catalog.Handle, isNested bool) (catalog.Handle, error) {
	if f.missing[hash] {
		return nil, fmt.Errorf("catalog %s: %w", hash, catalog.ErrNotFound)
	}
	if f.failing[hash] {
		return nil, fmt.Errorf("catalog %s: %w", hash, catalog.ErrTransport)
	}
	info, ok := f.catalogs[hash]
	if !ok {
		return nil, fmt.Errorf("catalog %s: %w", hash, catalog.ErrNotFound)
	}
	assert.Equal(f.t, !info.root, isNested, "nested flag mismatch for %s", mountpoint)

	f.fetches++
	dbPath := filepath.Join(f.tmpDir, fmt.Sprintf("catalog-%d", f.fetches))
	require.NoError(f.t, os.WriteFile(dbPath, []byte("catalog database payload"), 0600))

	return &mockHandle{info: info, dbPath: dbPath, parent: parent, ownsDB: true}, nil
}

func (f *mockFetcher) AttachCatalog(hash digest.Digest, mountpoint, dbPath string, parent catalog.Handle, isNested bool) (catalog.Handle, error) {
	info, ok := f.catalogs[hash]
	if !ok {
		return nil, fmt.Errorf("attach %s: %w", hash, catalog.ErrOpenFailed)
	}
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("attach %s: %w", hash, catalog.ErrOpenFailed)
	}
	return &mockHandle{info: info, dbPath: dbPath, parent: parent, ownsDB: true}, nil
}

func (f *mockFetcher) FetchHistory() (catalog.History, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return &mockHistory{hashes: f.history}, nil
}

type mockHistory struct {
	hashes []digest.Digest
}

func (h *mockHistory) Hashes() ([]digest.Digest, error) { return h.hashes, nil }
func (h *mockHistory) Close() error                     { return nil }

// emission is one recorded listener callback.
type emission struct {
	name  string
	level int
	depth int
}

// recorder resolves emitted hashes back to test names.
func recorder(names map[digest.Digest]string, out *[]emission) catalog.Listener {
	return func(data catalog.Data) bool {
		*out = append(*out, emission{
			name:  names[data.Hash],
			level: data.TreeLevel,
			depth: data.HistoryDepth,
		})
		return true
	}
}

// twoRevisionRepo builds: HEAD root R1 with nested {N1, N2}, previous
// revision R0 with nested {N0}.
func twoRevisionRepo(f *mockFetcher) map[digest.Digest]string {
	n0 := f.add("N0", catalogInfo{lastModified: 40})
	r0 := f.add("R0", catalogInfo{
		root: true, lastModified: 50,
		nested: []catalog.NestedRef{{Mountpoint: "/a", Hash: n0}},
	})
	n1 := f.add("N1", catalogInfo{lastModified: 90})
	n2 := f.add("N2", catalogInfo{lastModified: 90})
	r1 := f.add("R1", catalogInfo{
		root: true, lastModified: 100, previous: hashOf("R0"),
		nested: []catalog.NestedRef{{Mountpoint: "/a", Hash: n1}, {Mountpoint: "/b", Hash: n2}},
	})
	f.setHead(r1)
	return map[digest.Digest]string{
		n0: "N0", r0: "R0", n1: "N1", n2: "N2", r1: "R1",
	}
}

func emissionNames(emissions []emission) []string {
	names := make([]string, len(emissions))
	for i, e := range emissions {
		names[i] = e.name
	}
	return names
}

func TestBreadthFirstTwoRevisionWalk(t *testing.T) {
	t.Parallel()

	f := newMockFetcher(t)
	names := twoRevisionRepo(f)

	traversal, err := catalog.New(catalog.Options{Fetcher: f, History: 1})
	require.NoError(t, err)

	var emissions []emission
	traversal.RegisterListener(recorder(names, &emissions))

	require.True(t, traversal.Traverse(catalog.BreadthFirst))
	assert.Equal(t, []string{"R1", "N1", "N2", "R0", "N0"}, emissionNames(emissions))

	// Parents precede children, roots carry tree level 0.
	assert.Equal(t, emission{name: "R1", level: 0, depth: 0}, emissions[0])
	assert.Equal(t, emission{name: "N1", level: 1, depth: 0}, emissions[1])
	assert.Equal(t, emission{name: "R0", level: 0, depth: 1}, emissions[3])
	assert.Equal(t, emission{name: "N0", level: 1, depth: 1}, emissions[4])
}

func TestDepthFirstTwoRevisionWalk(t *testing.T) {
	t.Parallel()

	f := newMockFetcher(t)
	names := twoRevisionRepo(f)

	traversal, err := catalog.New(catalog.Options{Fetcher: f, History: 1})
	require.NoError(t, err)

	var emissions []emission
	traversal.RegisterListener(recorder(names, &emissions))

	require.True(t, traversal.Traverse(catalog.DepthFirst))
	assert.Equal(t, []string{"N0", "R0", "N1", "N2", "R1"}, emissionNames(emissions))
}

func TestHistoryDepthPrunesPreviousRevisions(t *testing.T) {
	t.Parallel()

	f := newMockFetcher(t)
	r0 := f.add("R0", catalogInfo{root: true, lastModified: 10})
	r1 := f.add("R1", catalogInfo{root: true, lastModified: 20, previous: r0})
	r2 := f.add("R2", catalogInfo{root: true, lastModified: 30, previous: r1})
	f.setHead(r2)
	names := map[digest.Digest]string{r0: "R0", r1: "R1", r2: "R2"}

	tests := []struct {
		name    string
		history uint
		want    []string
	}{
		{name: "head only", history: catalog.NoHistory, want: []string{"R2"}},
		{name: "one revision back", history: 1, want: []string{"R2", "R1"}},
		{name: "full history", history: catalog.FullHistory, want: []string{"R2", "R1", "R0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			traversal, err := catalog.New(catalog.Options{Fetcher: f, History: tt.history})
			require.NoError(t, err)

			var emissions []emission
			traversal.RegisterListener(recorder(names, &emissions))

			require.True(t, traversal.Traverse(catalog.BreadthFirst))
			assert.Equal(t, tt.want, emissionNames(emissions))
		})
	}
}

func TestTimestampPrune(t *testing.T) {
	t.Parallel()

	f := newMockFetcher(t)
	names := twoRevisionRepo(f)

	traversal, err := catalog.New(catalog.Options{
		Fetcher:   f,
		History:   5,
		Timestamp: 60,
	})
	require.NoError(t, err)

	var emissions []emission
	traversal.RegisterListener(recorder(names, &emissions))

	// R1 (modified at 100) is current and emitted with its nested
	// catalogs; R0 (modified at 50) is below the threshold and dropped.
	require.True(t, traversal.Traverse(catalog.BreadthFirst))
	assert.Equal(t, []string{"R1", "N1", "N2"}, emissionNames(emissions))
}

func TestTimestampHookOverride(t *testing.T) {
	t.Parallel()

	f := newMockFetcher(t)
	names := twoRevisionRepo(f)

	// A reflog-style hook that claims everything is recent defeats the
	// threshold.
	traversal, err := catalog.New(catalog.Options{
		Fetcher:      f,
		History:      5,
		Timestamp:    60,
		LastModified: func(catalog.Handle) uint64 { return 1000 },
	})
	require.NoError(t, err)

	var emissions []emission
	traversal.RegisterListener(recorder(names, &emissions))

	require.True(t, traversal.Traverse(catalog.BreadthFirst))
	assert.Equal(t, []string{"R1", "N1", "N2", "R0", "N0"}, emissionNames(emissions))
}

func TestIgnoredMissingAncestorDepthFirst(t *testing.T) {
	t.Parallel()

	f := newMockFetcher(t)
	names := twoRevisionRepo(f)
	f.missing[hashOf("R0")] = true

	traversal, err := catalog.New(catalog.Options{
		Fetcher:           f,
		History:           1,
		IgnoreLoadFailure: true,
	})
	require.NoError(t, err)

	var emissions []emission
	traversal.RegisterListener(recorder(names, &emissions))

	// The missing ancestor still releases R1 from the callback stack:
	// R1 is emitted last and the traversal finishes cleanly.
	require.True(t, traversal.Traverse(catalog.DepthFirst))
	assert.Equal(t, []string{"N1", "N2", "R1"}, emissionNames(emissions))
}

func TestMissingCatalogIsFatalWithoutTolerance(t *testing.T) {
	t.Parallel()

	f := newMockFetcher(t)
	twoRevisionRepo(f)
	f.missing[hashOf("R0")] = true

	traversal, err := catalog.New(catalog.Options{Fetcher: f, History: 1, Quiet: true})
	require.NoError(t, err)
	traversal.RegisterListener(func(catalog.Data) bool { return true })

	assert.False(t, traversal.Traverse(catalog.BreadthFirst))
}

func TestTransportFailureIsAlwaysFatal(t *testing.T) {
	t.Parallel()

	f := newMockFetcher(t)
	twoRevisionRepo(f)
	f.failing[hashOf("N2")] = true

	traversal, err := catalog.New(catalog.Options{
		Fetcher:           f,
		History:           1,
		IgnoreLoadFailure: true,
		Quiet:             true,
	})
	require.NoError(t, err)
	traversal.RegisterListener(func(catalog.Data) bool { return true })

	assert.False(t, traversal.Traverse(catalog.BreadthFirst))
}

func TestManifestFailureIsFatal(t *testing.T) {
	t.Parallel()

	f := newMockFetcher(t)
	f.manifestErr = fmt.Errorf("manifest: %w", catalog.ErrTransport)

	traversal, err := catalog.New(catalog.Options{Fetcher: f, Quiet: true})
	require.NoError(t, err)

	assert.False(t, traversal.Traverse(catalog.BreadthFirst))
}

func TestNoRepeatHistorySkipsSharedCatalogs(t *testing.T) {
	t.Parallel()

	// N is mounted unchanged in both revisions.
	f := newMockFetcher(t)
	n := f.add("N", catalogInfo{lastModified: 10})
	r0 := f.add("R0", catalogInfo{
		root: true, lastModified: 50,
		nested: []catalog.NestedRef{{Mountpoint: "/a", Hash: n}},
	})
	r1 := f.add("R1", catalogInfo{
		root: true, lastModified: 100, previous: r0,
		nested: []catalog.NestedRef{{Mountpoint: "/a", Hash: n}},
	})
	f.setHead(r1)
	names := map[digest.Digest]string{n: "N", r0: "R0", r1: "R1"}

	for _, strategy := range []catalog.Strategy{catalog.BreadthFirst, catalog.DepthFirst} {
		traversal, err := catalog.New(catalog.Options{
			Fetcher:         f,
			History:         1,
			NoRepeatHistory: true,
		})
		require.NoError(t, err)

		var emissions []emission
		traversal.RegisterListener(recorder(names, &emissions))

		require.True(t, traversal.Traverse(strategy))

		counts := make(map[string]int)
		for _, e := range emissions {
			counts[e.name]++
		}
		assert.Equal(t, map[string]int{"N": 1, "R0": 1, "R1": 1}, counts,
			"strategy %v visits every catalog exactly once", strategy)
	}
}

func TestTraverseListDisablesHistory(t *testing.T) {
	t.Parallel()

	f := newMockFetcher(t)
	names := twoRevisionRepo(f)

	// Even with generous engine-level history settings, list entries
	// never follow previous-revision edges.
	traversal, err := catalog.New(catalog.Options{Fetcher: f, History: catalog.FullHistory})
	require.NoError(t, err)

	var emissions []emission
	traversal.RegisterListener(recorder(names, &emissions))

	require.True(t, traversal.TraverseList(
		[]digest.Digest{hashOf("R1"), hashOf("R0")}, catalog.BreadthFirst))
	assert.Equal(t, []string{"R1", "N1", "N2", "R0", "N0"}, emissionNames(emissions))
}

func TestTraverseNamedSnapshots(t *testing.T) {
	t.Parallel()

	t.Run("walks every snapshot", func(t *testing.T) {
		t.Parallel()

		f := newMockFetcher(t)
		names := twoRevisionRepo(f)
		f.history = []digest.Digest{hashOf("R0"), hashOf("R1")}

		traversal, err := catalog.New(catalog.Options{Fetcher: f})
		require.NoError(t, err)

		var emissions []emission
		traversal.RegisterListener(recorder(names, &emissions))

		require.True(t, traversal.TraverseNamedSnapshots(catalog.BreadthFirst))
		assert.Equal(t, []string{"R0", "N0", "R1", "N1", "N2"}, emissionNames(emissions))
	})

	t.Run("missing history database succeeds", func(t *testing.T) {
		t.Parallel()

		f := newMockFetcher(t)
		f.historyErr = fmt.Errorf("history: %w", catalog.ErrNotFound)

		traversal, err := catalog.New(catalog.Options{Fetcher: f})
		require.NoError(t, err)

		var emissions []emission
		traversal.RegisterListener(recorder(nil, &emissions))

		assert.True(t, traversal.TraverseNamedSnapshots(catalog.BreadthFirst))
		assert.Empty(t, emissions)
	})

	t.Run("transport failure fails", func(t *testing.T) {
		t.Parallel()

		f := newMockFetcher(t)
		f.historyErr = fmt.Errorf("history: %w", catalog.ErrTransport)

		traversal, err := catalog.New(catalog.Options{Fetcher: f, Quiet: true})
		require.NoError(t, err)

		assert.False(t, traversal.TraverseNamedSnapshots(catalog.BreadthFirst))
	})
}

func TestListenerAbortStopsTraversal(t *testing.T) {
	t.Parallel()

	f := newMockFetcher(t)
	twoRevisionRepo(f)

	traversal, err := catalog.New(catalog.Options{Fetcher: f, History: 1, Quiet: true})
	require.NoError(t, err)

	seen := 0
	traversal.RegisterListener(func(catalog.Data) bool {
		seen++
		return seen < 2
	})

	assert.False(t, traversal.Traverse(catalog.BreadthFirst))
	assert.Equal(t, 2, seen)
}

func TestListenerMulticastOrder(t *testing.T) {
	t.Parallel()

	f := newMockFetcher(t)
	r := f.add("R", catalogInfo{root: true, lastModified: 10})
	f.setHead(r)

	traversal, err := catalog.New(catalog.Options{Fetcher: f})
	require.NoError(t, err)

	var calls []string
	traversal.RegisterListener(func(catalog.Data) bool {
		calls = append(calls, "first")
		return true
	})
	traversal.RegisterListener(func(catalog.Data) bool {
		calls = append(calls, "second")
		return true
	})

	require.True(t, traversal.Traverse(catalog.BreadthFirst))
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestNoCloseKeepsHandlesAndFiles(t *testing.T) {
	t.Parallel()

	f := newMockFetcher(t)
	names := twoRevisionRepo(f)

	traversal, err := catalog.New(catalog.Options{Fetcher: f, History: 1, NoClose: true})
	require.NoError(t, err)

	handles := make(map[string]catalog.Data)
	traversal.RegisterListener(func(data catalog.Data) bool {
		handles[names[data.Hash]] = data
		return true
	})

	require.True(t, traversal.Traverse(catalog.BreadthFirst))
	require.Len(t, handles, 5)

	for name, data := range handles {
		require.NotNil(t, data.Catalog, "handle for %s", name)
		_, err := os.Stat(data.Catalog.DatabasePath())
		assert.NoError(t, err, "database file for %s survives", name)
	}

	// Nested handles stay linked to their parent for listener use.
	n1 := handles["N1"].Catalog.(*mockHandle)
	require.NotNil(t, n1.parent)
	assert.True(t, n1.parent.IsRoot())

	// The listener owns the handles and the database files now.
	for _, data := range handles {
		data.Catalog.DropDatabaseOwnership()
		require.NoError(t, os.Remove(data.Catalog.DatabasePath()))
	}
}

func TestCloseUnlinksDatabaseFiles(t *testing.T) {
	t.Parallel()

	f := newMockFetcher(t)
	names := twoRevisionRepo(f)

	traversal, err := catalog.New(catalog.Options{Fetcher: f, History: 1})
	require.NoError(t, err)

	var paths []string
	traversal.RegisterListener(func(data catalog.Data) bool {
		paths = append(paths, data.Catalog.DatabasePath())
		assert.Greater(t, data.FileSize, int64(0))
		return true
	})

	require.True(t, traversal.Traverse(catalog.DepthFirst))
	require.Len(t, paths, len(names))

	for _, path := range paths {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "database file %s is unlinked", path)
	}
}
