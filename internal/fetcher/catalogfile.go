package fetcher

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bamsammich/stratum/internal/catalog"
	"github.com/bamsammich/stratum/internal/digest"
)

// catalogFile is the decompressed catalog database of the local
// backend: a line-oriented description of one namespace subtree.
//
//	root <true|false>
//	last_modified <unix seconds>
//	previous <hex digest>
//	nested <mountpoint> <hex digest>
type catalogFile struct {
	mountpoint   string
	dbPath       string
	parent       catalog.Handle
	root         bool
	lastModified uint64
	previous     digest.Digest
	nested       []catalog.NestedRef

	// ownsDB controls whether Close unlinks the database file. The
	// traversal engine takes ownership via DropDatabaseOwnership.
	ownsDB bool
}

func openCatalogFile(dbPath, mountpoint string, parent catalog.Handle, isNested bool) (catalog.Handle, error) {
	f, err := os.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", dbPath, catalog.ErrOpenFailed, err)
	}
	defer f.Close()

	c := &catalogFile{
		mountpoint: mountpoint,
		dbPath:     dbPath,
		parent:     parent,
		root:       !isNested,
		ownsDB:     true,
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		switch key {
		case "root":
			c.root = value == "true"
		case "last_modified":
			ts, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: bad last_modified %q: %w", dbPath, value, catalog.ErrOpenFailed)
			}
			c.lastModified = ts
		case "previous":
			hash, err := digest.ParseHex(value)
			if err != nil {
				return nil, fmt.Errorf("%s: bad previous hash %q: %w", dbPath, value, catalog.ErrOpenFailed)
			}
			c.previous = hash
		case "nested":
			mount, hex, ok := strings.Cut(value, " ")
			if !ok {
				return nil, fmt.Errorf("%s: bad nested line %q: %w", dbPath, line, catalog.ErrOpenFailed)
			}
			hash, err := digest.ParseHex(hex)
			if err != nil {
				return nil, fmt.Errorf("%s: bad nested hash %q: %w", dbPath, hex, catalog.ErrOpenFailed)
			}
			c.nested = append(c.nested, catalog.NestedRef{Mountpoint: mount, Hash: hash})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", dbPath, catalog.ErrOpenFailed, err)
	}
	return c, nil
}

func (c *catalogFile) IsRoot() bool { return c.root }

func (c *catalogFile) PreviousRevision() digest.Digest { return c.previous }

func (c *catalogFile) ListOwnNestedCatalogs() []catalog.NestedRef { return c.nested }

func (c *catalogFile) LastModified() uint64 { return c.lastModified }

func (c *catalogFile) DatabasePath() string { return c.dbPath }

func (c *catalogFile) DropDatabaseOwnership() { c.ownsDB = false }

func (c *catalogFile) Close() error {
	if c.ownsDB {
		return os.Remove(c.dbPath)
	}
	return nil
}

// WriteCatalogFile serializes a catalog description in the local
// backend format. Used by repository preparation tooling and tests.
func WriteCatalogFile(root bool, lastModified uint64, previous digest.Digest, nested []catalog.NestedRef) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "root %v\n", root)
	fmt.Fprintf(&b, "last_modified %d\n", lastModified)
	if !previous.IsNull() {
		fmt.Fprintf(&b, "previous %s\n", previous)
	}
	for _, ref := range nested {
		fmt.Fprintf(&b, "nested %s %s\n", ref.Mountpoint, ref.Hash)
	}
	return []byte(b.String())
}
