package arb

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ulikunitz/xz"
)

const logTailLines = 50

// buildLog collects the output of every attempt of one build.
type buildLog struct {
	file *os.File
	dir  string
	id   string
}

func openBuildLog(dir, id string) (*buildLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, id+"-*.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create build log: %w", err)
	}
	return &buildLog{file: f, dir: dir, id: id}, nil
}

// writer is where build output goes; with -debug it is echoed to stdout.
func (l *buildLog) writer() io.Writer {
	if Debug {
		return io.MultiWriter(l.file, os.Stdout)
	}
	return l.file
}

func (l *buildLog) printf(format string, a ...any) {
	fmt.Fprintf(l.file, format, a...)
}

// tail returns the last n lines written so far.
func (l *buildLog) tail(n int) []string {
	f, err := os.Open(l.file.Name())
	if err != nil {
		return nil
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines
}

// finish compresses the log to <id>.log.xz and drops the plain copy.
func (l *buildLog) finish() (string, error) {
	plain := l.file.Name()
	l.file.Close()
	dest := filepath.Join(l.dir, l.id+".log.xz")
	if err := compressXZ(plain, dest); err != nil {
		return plain, fmt.Errorf("failed to compress build log: %w", err)
	}
	os.Remove(plain)
	return dest, nil
}

func compressXZ(srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := destPath + ".tmp"
	dest, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	xzWriter, err := xz.NewWriter(dest)
	if err != nil {
		dest.Close()
		return err
	}
	if _, err := io.Copy(xzWriter, src); err != nil {
		dest.Close()
		return err
	}
	if err := xzWriter.Close(); err != nil {
		dest.Close()
		return err
	}
	if err := dest.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, destPath)
}

// latestLog finds the newest compressed log of a recipe.
func latestLog(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.log.xz"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no build logs in %s", dir)
	}
	sort.Slice(matches, func(i, j int) bool {
		fi, erri := os.Stat(matches[i])
		fj, errj := os.Stat(matches[j])
		if erri != nil || errj != nil {
			return matches[i] < matches[j]
		}
		return fi.ModTime().Before(fj.ModTime())
	})
	return matches[len(matches)-1], nil
}

// readXZ decodes a whole compressed log.
func readXZ(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	r, err := xz.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to create xz reader for %s: %w", path, err)
	}
	var b strings.Builder
	if _, err := io.Copy(&b, r); err != nil {
		return "", fmt.Errorf("failed to decompress %s: %w", path, err)
	}
	return b.String(), nil
}
