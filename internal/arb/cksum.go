package arb

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// DigestKind enumerates the integrity checks a PKGBUILD can declare, in the
// order makepkg knows them.
type DigestKind int

const (
	DigestCK DigestKind = iota
	DigestMD5
	DigestSHA1
	DigestSHA224
	DigestSHA256
	DigestSHA384
	DigestSHA512
	DigestB2
	kindCount
)

var digestNames = [kindCount]string{"ck", "md5", "sha1", "sha224", "sha256", "sha384", "sha512", "b2"}

var digestSizes = [kindCount]int{4, md5.Size, sha1.Size, sha256.Size224, sha256.Size, sha512.Size384, sha512.Size, blake2b.Size}

func (k DigestKind) String() string {
	if k < 0 || k >= kindCount {
		return fmt.Sprintf("DigestKind(%d)", int(k))
	}
	return digestNames[k]
}

// parseDigestKey maps the key printed by the source reader (cksum, md5sum,
// ...) to its kind.
func parseDigestKey(key string) (DigestKind, bool) {
	for k := DigestKind(0); k < kindCount; k++ {
		want := digestNames[k] + "sum"
		if k == DigestCK {
			want = "cksum"
		}
		if key == want {
			return k, true
		}
	}
	return 0, false
}

// parseDigest decodes a digest value as written in a PKGBUILD: decimal for
// ck, hex for everything else.
func parseDigest(kind DigestKind, value string) ([]byte, error) {
	if kind == DigestCK {
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid cksum %q: %w", value, err)
		}
		return binary.BigEndian.AppendUint32(nil, uint32(n)), nil
	}
	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s digest %q: %w", kind, value, err)
	}
	if len(b) != digestSizes[kind] {
		return nil, fmt.Errorf("invalid %s digest %q: want %d bytes, got %d", kind, value, digestSizes[kind], len(b))
	}
	return b, nil
}

// digestPathName is the file name of a digest inside sources/file-<kind>/.
func digestPathName(kind DigestKind, sum []byte) string {
	if kind == DigestCK {
		return fmt.Sprintf("%08x", binary.BigEndian.Uint32(sum))
	}
	return hex.EncodeToString(sum)
}

func newDigest(kind DigestKind) hash.Hash {
	switch kind {
	case DigestCK:
		return newCksum()
	case DigestMD5:
		return md5.New()
	case DigestSHA1:
		return sha1.New()
	case DigestSHA224:
		return sha256.New224()
	case DigestSHA256:
		return sha256.New()
	case DigestSHA384:
		return sha512.New384()
	case DigestSHA512:
		return sha512.New()
	case DigestB2:
		h, _ := blake2b.New512(nil)
		return h
	}
	panic(fmt.Sprintf("unknown digest kind %d", kind))
}

// fileDigest hashes a file with the given algorithm.
func fileDigest(path string, kind DigestKind) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := newDigest(kind)
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return h.Sum(nil), nil
}

// POSIX cksum: a non-reflected CRC-32 (polynomial 0x04C11DB7, zero initial
// value) over the data followed by its length in as few little-endian bytes
// as needed, complemented at the end.
var cksumTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04C11DB7
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

type cksumHash struct {
	crc uint32
	n   uint64
}

func newCksum() *cksumHash { return &cksumHash{} }

func cksumUpdate(crc uint32, p []byte) uint32 {
	for _, b := range p {
		crc = crc<<8 ^ cksumTable[byte(crc>>24)^b]
	}
	return crc
}

func (h *cksumHash) Write(p []byte) (int, error) {
	h.crc = cksumUpdate(h.crc, p)
	h.n += uint64(len(p))
	return len(p), nil
}

func (h *cksumHash) Sum32() uint32 {
	crc := h.crc
	for n := h.n; n > 0; n >>= 8 {
		crc = cksumUpdate(crc, []byte{byte(n)})
	}
	return ^crc
}

func (h *cksumHash) Sum(b []byte) []byte { return binary.BigEndian.AppendUint32(b, h.Sum32()) }
func (h *cksumHash) Reset()              { h.crc, h.n = 0, 0 }
func (h *cksumHash) Size() int           { return 4 }
func (h *cksumHash) BlockSize() int      { return 1 }
