// Package idgen provides ID generation implementations.
package idgen

import (
	"crypto/rand"
	"io"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/artpar/apifactory/ports"
)

// Defaults for Base32.
const (
	DefaultLength    = 24
	DefaultCacheSize = 500
)

// Base32Chars is the identifier alphabet. It omits I, L, O and U.
const Base32Chars = "ABCDEFGHJKMNPQRSTVWXYZ0123456789"

// ChecksumChars extends the alphabet to 37 checksum symbols.
const ChecksumChars = Base32Chars + "*~$=U"

// Base32 generates fixed-length identifiers followed by one checksum
// character. Random bytes are drawn from a cache refilled in blocks.
type Base32 struct {
	length int
	source io.Reader

	mu       sync.Mutex
	cache    []byte
	position int
}

// NewBase32 creates a generator. A nil source uses crypto/rand.
func NewBase32(length, cacheSize int, source io.Reader) *Base32 {
	if length <= 0 {
		length = DefaultLength
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if source == nil {
		source = rand.Reader
	}
	return &Base32{
		length:   length,
		source:   source,
		cache:    make([]byte, length*cacheSize),
		position: length * cacheSize,
	}
}

// New returns a fresh identifier. It panics if the random source fails,
// as crypto/rand only does on a broken system.
func (g *Base32) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.position+g.length > len(g.cache) {
		if _, err := io.ReadFull(g.source, g.cache); err != nil {
			panic("idgen: read random bytes: " + err.Error())
		}
		g.position = 0
	}

	value := make([]byte, g.length)
	for i := range value {
		value[i] = Base32Chars[g.cache[g.position+i]%byte(len(Base32Chars))]
	}
	g.position += g.length
	return string(value) + checksum(string(value))
}

// Parse splits an identifier into its value and verifies the checksum.
func (g *Base32) Parse(id string) (string, bool) {
	if len(id) < 2 {
		return "", false
	}
	value, sum := id[:len(id)-1], id[len(id)-1:]
	if checksum(value) != sum {
		return "", false
	}
	return value, true
}

// FromValue appends the checksum to a bare value.
func (g *Base32) FromValue(value string) string {
	return value + checksum(value)
}

// checksum is the big-endian integer of the value's bytes mod 37.
func checksum(value string) string {
	n := new(big.Int).SetBytes([]byte(value))
	mod := new(big.Int).Mod(n, big.NewInt(int64(len(ChecksumChars))))
	i := mod.Int64()
	return ChecksumChars[i : i+1]
}

var _ ports.IDGenerator = (*Base32)(nil)

// UUID generates UUIDs.
type UUID struct{}

// New generates a new UUID v4.
func (UUID) New() string {
	return uuid.New().String()
}

// Parse accepts any RFC 4122 UUID and returns its canonical form.
func (UUID) Parse(id string) (string, bool) {
	u, err := uuid.Parse(id)
	if err != nil {
		return "", false
	}
	return u.String(), true
}

var _ ports.IDGenerator = UUID{}

// Sequential generates sequential IDs (for testing).
type Sequential struct {
	prefix  string
	counter uint64
}

// NewSequential creates a sequential ID generator.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// New generates the next sequential ID.
func (s *Sequential) New() string {
	n := atomic.AddUint64(&s.counter, 1)
	return s.prefix + strconv.FormatUint(n, 10)
}

// Parse accepts ids carrying the prefix and returns the counter part.
func (s *Sequential) Parse(id string) (string, bool) {
	rest, ok := strings.CutPrefix(id, s.prefix)
	if !ok || rest == "" {
		return "", false
	}
	if _, err := strconv.ParseUint(rest, 10, 64); err != nil {
		return "", false
	}
	return rest, true
}

var _ ports.IDGenerator = (*Sequential)(nil)

// New creates a generator for mode "uuid" or "base32" (the default).
func New(mode string, length, cacheSize int) ports.IDGenerator {
	if mode == "uuid" {
		return UUID{}
	}
	return NewBase32(length, cacheSize, nil)
}
