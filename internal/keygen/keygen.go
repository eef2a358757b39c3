package keygen

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
)

// Alphabet excludes I, O, 0 and 1 so keys can be read back over the phone.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	DefaultPrefix = "CRPS"
	segments      = 3
	segmentLength = 4
)

// Generator produces license keys of the form PREFIX-XXXX-XXXX-XXXX.
// It does not guarantee uniqueness; the license store rejects collisions.
type Generator struct {
	prefix string
	rand   io.Reader
}

func New(prefix string) (*Generator, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if len(prefix) > 8 {
		return nil, fmt.Errorf("license key prefix %q is longer than 8 characters", prefix)
	}
	for _, r := range prefix {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return nil, fmt.Errorf("license key prefix %q must be upper-case alphanumeric", prefix)
		}
	}

	return &Generator{prefix: prefix, rand: rand.Reader}, nil
}

// NewWithReader is New with a custom randomness source. Tests use it to make
// keys predictable.
func NewWithReader(prefix string, r io.Reader) (*Generator, error) {
	g, err := New(prefix)
	if err != nil {
		return nil, err
	}
	g.rand = r
	return g, nil
}

func (g *Generator) Prefix() string {
	return g.prefix
}

func (g *Generator) Generate() (string, error) {
	buf := make([]byte, segments*segmentLength)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	var b strings.Builder
	b.Grow(len(g.prefix) + segments*(segmentLength+1))
	b.WriteString(g.prefix)
	for i, v := range buf {
		if i%segmentLength == 0 {
			b.WriteByte('-')
		}
		// len(Alphabet) is 32, which divides 256, so masking keeps the draw uniform.
		b.WriteByte(Alphabet[v&0x1f])
	}

	return b.String(), nil
}

// Valid reports whether key is well-formed for this generator's prefix.
func (g *Generator) Valid(key string) bool {
	rest, ok := strings.CutPrefix(key, g.prefix+"-")
	if !ok {
		return false
	}

	parts := strings.Split(rest, "-")
	if len(parts) != segments {
		return false
	}
	for _, part := range parts {
		if len(part) != segmentLength {
			return false
		}
		for i := 0; i < len(part); i++ {
			if strings.IndexByte(Alphabet, part[i]) < 0 {
				return false
			}
		}
	}

	return true
}

// Normalize trims surrounding whitespace and upper-cases a user-typed key.
func Normalize(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}
