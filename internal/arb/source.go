package arb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"strings"

	"lukechampine.com/blake3"
)

var (
	ErrNoDigest          = errors.New("source has no digest")
	ErrConflictingDigest = errors.New("conflicting digests for the same source")
	ErrUnknownProtocol   = errors.New("unknown source protocol")
	ErrUnfinishedSource  = errors.New("unfinished source definition")
)

type Protocol int

const (
	ProtoFile Protocol = iota
	ProtoFTP
	ProtoHTTP
	ProtoHTTPS
	ProtoRsync
	ProtoSCP
	ProtoBzr
	ProtoFossil
	ProtoGit
	ProtoHg
	ProtoSvn
	ProtoLocal
)

var protocolNames = map[string]Protocol{
	"file":   ProtoFile,
	"ftp":    ProtoFTP,
	"http":   ProtoHTTP,
	"https":  ProtoHTTPS,
	"rsync":  ProtoRsync,
	"scp":    ProtoSCP,
	"bzr":    ProtoBzr,
	"fossil": ProtoFossil,
	"git":    ProtoGit,
	"hg":     ProtoHg,
	"svn":    ProtoSvn,
	"local":  ProtoLocal,
}

func parseProtocol(s string) (Protocol, error) {
	p, ok := protocolNames[s]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
	}
	return p, nil
}

func (p Protocol) String() string {
	for name, v := range protocolNames {
		if v == p {
			return name
		}
	}
	return fmt.Sprintf("Protocol(%d)", int(p))
}

// isNetfile reports whether sources of this protocol are single files that
// get downloaded and verified.
func (p Protocol) isNetfile() bool { return p <= ProtoSCP }

func (p Protocol) isHTTP() bool { return p == ProtoHTTP || p == ProtoHTTPS }

// Source is one entry of a PKGBUILD source array.
type Source struct {
	Name     string
	URL      string
	Protocol Protocol
	URLHash  uint64
	Digests  [kindCount][]byte
}

// hash64 is the 64-bit content hash used for mirror names and dephashes.
func hash64(b []byte) uint64 {
	sum := blake3.Sum256(b)
	return binary.BigEndian.Uint64(sum[:8])
}

func (s *Source) hasDigest() bool {
	for _, d := range s.Digests {
		if d != nil {
			return true
		}
	}
	return false
}

// sharesIdentity reports whether s and o describe the same content: the same
// URL or at least one equal digest of the same kind.
func (s *Source) sharesIdentity(o *Source) bool {
	if s.URLHash == o.URLHash && s.URL == o.URL {
		return true
	}
	for k := range s.Digests {
		if s.Digests[k] != nil && bytes.Equal(s.Digests[k], o.Digests[k]) {
			return true
		}
	}
	return false
}

// merge folds the digests of o into s.
func (s *Source) merge(o *Source) error {
	for k := range s.Digests {
		switch {
		case o.Digests[k] == nil:
		case s.Digests[k] == nil:
			s.Digests[k] = bytes.Clone(o.Digests[k])
		case !bytes.Equal(s.Digests[k], o.Digests[k]):
			return fmt.Errorf("%w: %s and %s disagree on %s", ErrConflictingDigest, s.URL, o.URL, DigestKind(k))
		}
	}
	return nil
}

// Domain is the partition key for fetch scheduling.
func (s *Source) Domain() string {
	if u, err := url.Parse(s.URL); err == nil && u.Host != "" {
		return u.Hostname()
	}
	// scp style user@host:path
	if _, rest, ok := strings.Cut(s.URL, "@"); ok {
		if host, _, ok := strings.Cut(rest, ":"); ok {
			return host
		}
	}
	return ""
}

// gitURL is the URL git itself understands: no git+ prefix, no makepkg
// fragment or query.
func (s *Source) gitURL() string {
	u := strings.TrimPrefix(s.URL, "git+")
	u, _, _ = strings.Cut(u, "#")
	u, _, _ = strings.Cut(u, "?")
	return u
}

// parseSourceLine decodes one line printed by the source reader script.
func parseSourceLine(line string) (Source, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 3 || fields[1] == "" || fields[2] == "" {
		return Source{}, fmt.Errorf("%w: %q", ErrUnfinishedSource, line)
	}
	proto, err := parseProtocol(fields[0])
	if err != nil {
		return Source{}, err
	}
	src := Source{
		Protocol: proto,
		URL:      fields[1],
		Name:     fields[2],
		URLHash:  hash64([]byte(fields[1])),
	}
	for _, field := range fields[3:] {
		key, value, ok := strings.Cut(field, ":")
		if !ok {
			return Source{}, fmt.Errorf("%w: bad digest field %q", ErrUnfinishedSource, field)
		}
		kind, ok := parseDigestKey(key)
		if !ok {
			return Source{}, fmt.Errorf("%w: unknown digest %q", ErrUnfinishedSource, key)
		}
		if src.Digests[kind], err = parseDigest(kind, value); err != nil {
			return Source{}, err
		}
	}
	if proto.isNetfile() && !src.hasDigest() {
		return Source{}, fmt.Errorf("%s (%s): %w", src.Name, src.URL, ErrNoDigest)
	}
	return src, nil
}

// readSources lists the sources of the PKGBUILD at path, evaluated by bash.
func readSources(r commandRunner, pkgbuild string) ([]Source, error) {
	cmd := exec.Command("bash", "-c", mustScript("sources.bash"), "Source reader", pkgbuild)
	out, err := runOutput(r, cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources of %s: %w", pkgbuild, err)
	}
	var sources []Source
	for _, line := range splitLines(out) {
		src, err := parseSourceLine(line)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", pkgbuild, err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// uniqueSources splits sources into the net files and git repositories to
// cache. Net files describing the same content are merged, git sources are
// deduplicated by URL. Local and unsupported VCS sources need no caching.
func uniqueSources(sources []Source) (netfiles, gits []Source, err error) {
	seenGit := make(map[uint64]bool)
	for i := range sources {
		src := sources[i]
		switch {
		case src.Protocol.isNetfile():
			// The earliest matching entry absorbs src and every other entry
			// src links it to.
			first := -1
			kept := netfiles[:0:0]
			for j := range netfiles {
				if !src.sharesIdentity(&netfiles[j]) {
					kept = append(kept, netfiles[j])
					continue
				}
				if first < 0 {
					first = len(kept)
					kept = append(kept, netfiles[j])
					continue
				}
				if err := kept[first].merge(&netfiles[j]); err != nil {
					return nil, nil, err
				}
			}
			if first < 0 {
				kept = append(kept, src)
			} else if err := kept[first].merge(&src); err != nil {
				return nil, nil, err
			}
			netfiles = kept
		case src.Protocol == ProtoGit:
			if !seenGit[src.URLHash] {
				seenGit[src.URLHash] = true
				gits = append(gits, src)
			}
		case src.Protocol == ProtoLocal:
		default:
			debugf("Ignoring unsupported %s source %s\n", src.Protocol, src.URL)
		}
	}
	return netfiles, gits, nil
}

func mustScript(name string) string {
	b, err := embeddedScripts.ReadFile("scripts/" + name)
	if err != nil {
		panic(fmt.Sprintf("embedded script %s missing: %v", name, err))
	}
	return string(b)
}
