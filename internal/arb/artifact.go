package arb

import (
	"archive/tar"
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// PkgInfo holds the fields of a .PKGINFO file. Keys that repeat (depend,
// provides, ...) keep every value in order.
type PkgInfo map[string][]string

func (p PkgInfo) get(key string) string {
	if v := p[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// parsePkgInfo reads the "key = value" lines makepkg writes.
func parsePkgInfo(r io.Reader) (PkgInfo, error) {
	info := make(PkgInfo)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		info[key] = append(info[key], strings.TrimSpace(val))
	}
	return info, sc.Err()
}

// decompressorFor picks the reader for a package file by its suffix.
func decompressorFor(path string, f io.Reader) (io.Reader, func(), error) {
	noop := func() {}
	switch {
	case strings.HasSuffix(path, ".tar.zst"):
		zst, err := zstd.NewReader(f)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create zstd reader for %s: %w", path, err)
		}
		return zst, zst.Close, nil
	case strings.HasSuffix(path, ".tar.xz"):
		xzr, err := xz.NewReader(f)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create xz reader for %s: %w", path, err)
		}
		return xzr, noop, nil
	case strings.HasSuffix(path, ".tar.gz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create gzip reader for %s: %w", path, err)
		}
		return gz, func() { gz.Close() }, nil
	case strings.HasSuffix(path, ".tar"):
		return f, noop, nil
	}
	return nil, noop, fmt.Errorf("unsupported package format: %s", path)
}

// readPkgInfo extracts .PKGINFO from a built package.
func readPkgInfo(path string) (PkgInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, closeFn, err := decompressorFor(path, f)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("no .PKGINFO in %s", path)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if hdr.Name == ".PKGINFO" {
			return parsePkgInfo(tr)
		}
	}
}

// describePackage prints the artifacts of one published package.
func describePackage(p *publisher, id string) error {
	names, err := p.artifacts(id)
	if err != nil {
		return fmt.Errorf("no published package %s: %w", id, err)
	}
	for _, name := range names {
		if !isArtifact(name) {
			fmt.Printf("  %s\n", name)
			continue
		}
		info, err := readPkgInfo(p.Layout.PkgDir(id) + "/" + name)
		if err != nil {
			cPrintf(colWarn, "  %s: %v\n", name, err)
			continue
		}
		colArrow.Print("-> ")
		colNote.Printf("%s %s", info.get("pkgname"), info.get("pkgver"))
		fmt.Printf("  %s\n", name)
		if desc := info.get("pkgdesc"); desc != "" {
			fmt.Printf("     %s\n", desc)
		}
		if deps := info["depend"]; len(deps) > 0 {
			fmt.Printf("     depends: %s\n", strings.Join(deps, " "))
		}
	}
	return nil
}
