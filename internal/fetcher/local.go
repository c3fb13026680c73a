// Package fetcher provides the local-backend object fetcher: it serves
// manifests, catalogs, and the history database from an on-disk object
// store of zstd-compressed blobs.
package fetcher

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/bamsammich/stratum/internal/catalog"
	"github.com/bamsammich/stratum/internal/digest"
)

// Well-known store entry points.
const (
	manifestName = ".manifest"
	historyName  = ".history"
)

// Local reads repository objects from a local store directory laid out
// cache-style: <store>/<first two hex>/<remaining hex><suffix>, blobs
// zstd-compressed. Catalog databases are decompressed into TmpDir and
// handed to the traversal engine as temporary files.
type Local struct {
	StoreDir string
	TmpDir   string
}

// New creates a local fetcher. TmpDir is created if missing.
func New(storeDir, tmpDir string) (*Local, error) {
	if err := os.MkdirAll(tmpDir, 0700); err != nil {
		return nil, fmt.Errorf("create tmp dir: %w", err)
	}
	return &Local{StoreDir: storeDir, TmpDir: tmpDir}, nil
}

func (l *Local) objectPath(hash digest.Digest) string {
	hex := hash.StringWithSuffix()
	return filepath.Join(l.StoreDir, hex[:2], hex[2:])
}

// FetchManifest reads the repository manifest from the store root.
func (l *Local) FetchManifest() (*catalog.Manifest, error) {
	f, err := os.Open(filepath.Join(l.StoreDir, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest: %w", catalog.ErrNotFound)
		}
		return nil, fmt.Errorf("manifest: %w: %v", catalog.ErrTransport, err)
	}
	defer f.Close()

	manifest := &catalog.Manifest{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		if !ok {
			continue
		}
		switch key {
		case "root":
			hash, err := digest.ParseHex(value)
			if err != nil {
				return nil, fmt.Errorf("manifest root hash: %w", err)
			}
			manifest.RootHash = hash
		case "revision":
			manifest.Revision, _ = strconv.ParseUint(value, 10, 64) //nolint:errcheck // malformed lines read as zero
		case "name":
			manifest.RepoName = value
		case "published":
			manifest.PublishedAt, _ = strconv.ParseUint(value, 10, 64) //nolint:errcheck // malformed lines read as zero
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("manifest: %w: %v", catalog.ErrTransport, err)
	}
	if manifest.RootHash.IsNull() {
		return nil, fmt.Errorf("manifest without root hash: %w", catalog.ErrOpenFailed)
	}
	return manifest, nil
}

// FetchCatalog downloads (decompresses) and opens a catalog.
func (l *Local) FetchCatalog(hash digest.Digest, mountpoint string, parent catalog.Handle, isNested bool) (catalog.Handle, error) {
	blobPath := l.objectPath(hash.WithSuffix(digest.SuffixCatalog))
	dbPath, err := l.decompress(blobPath)
	if err != nil {
		return nil, err
	}
	h, err := openCatalogFile(dbPath, mountpoint, parent, isNested)
	if err != nil {
		os.Remove(dbPath) //nolint:errcheck // open failed, temp is garbage
		return nil, err
	}
	return h, nil
}

// AttachCatalog re-opens a catalog from an already-decompressed
// database file.
func (l *Local) AttachCatalog(hash digest.Digest, mountpoint, dbPath string, parent catalog.Handle, isNested bool) (catalog.Handle, error) {
	return openCatalogFile(dbPath, mountpoint, parent, isNested)
}

// FetchHistory opens the named-snapshot database of the repository.
func (l *Local) FetchHistory() (catalog.History, error) {
	f, err := os.Open(filepath.Join(l.StoreDir, historyName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("history: %w", catalog.ErrNotFound)
		}
		return nil, fmt.Errorf("history: %w: %v", catalog.ErrTransport, err)
	}
	return &localHistory{f: f}, nil
}

// decompress inflates a blob into a fresh temp file and returns its
// path. The caller owns the file.
func (l *Local) decompress(blobPath string) (string, error) {
	src, err := os.Open(blobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", blobPath, catalog.ErrNotFound)
		}
		return "", fmt.Errorf("%s: %w: %v", blobPath, catalog.ErrTransport, err)
	}
	defer src.Close()

	dec, err := zstd.NewReader(src)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %v", blobPath, catalog.ErrOpenFailed, err)
	}
	defer dec.Close()

	dstPath := filepath.Join(l.TmpDir, "fetch-"+uuid.NewString())
	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(dst, dec); err != nil {
		dst.Close()        //nolint:errcheck // copy already failed
		os.Remove(dstPath) //nolint:errcheck // partial temp
		return "", fmt.Errorf("%s: %w: %v", blobPath, catalog.ErrOpenFailed, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath) //nolint:errcheck // partial temp
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return dstPath, nil
}

// CompressInto writes data as a zstd blob for the given digest into the
// store. Used by repository preparation tooling and tests.
func (l *Local) CompressInto(hash digest.Digest, data []byte) error {
	path := l.objectPath(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create blob: %w", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close() //nolint:errcheck // writer setup failed
		return fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close() //nolint:errcheck // write already failed
		f.Close()   //nolint:errcheck // write already failed
		return fmt.Errorf("write blob: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close() //nolint:errcheck // flush failed
		return fmt.Errorf("flush blob: %w", err)
	}
	return f.Close()
}

// localHistory reads one snapshot hash per line.
type localHistory struct {
	f *os.File
}

func (h *localHistory) Hashes() ([]digest.Digest, error) {
	var hashes []digest.Digest
	scanner := bufio.NewScanner(h.f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hash, err := digest.ParseHex(line)
		if err != nil {
			return hashes, fmt.Errorf("history entry %q: %w", line, err)
		}
		hashes = append(hashes, hash)
	}
	return hashes, scanner.Err()
}

func (h *localHistory) Close() error { return h.f.Close() }
