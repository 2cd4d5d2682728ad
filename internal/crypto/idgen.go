package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// prefixKey keys the BLAKE2b prefix derivation so namespace prefixes are
// stable across restarts but unrelated to the raw namespace token.
var prefixKey = []byte("vaulthalla.id.prefix.v1")

// IDOptions configures an IDGenerator.
type IDOptions struct {
	// NamespaceToken derives a stable, short, unique prefix per namespace.
	// Feed it anything stable: a vault row id, an S3 bucket, a table name.
	NamespaceToken string

	// PrefixChars is how many characters of the derived prefix to keep.
	// 6 chars is ~30 bits of namespace space.
	PrefixChars int

	// RandomBytes is the entropy per ID body. 16 bytes encodes to 26 chars.
	RandomBytes int

	// Separator sits between prefix and body.
	Separator byte

	// OutCase selects the encoded case.
	OutCase Case
}

// DefaultIDOptions returns the options used for backing-path aliases.
func DefaultIDOptions(namespaceToken string) IDOptions {
	return IDOptions{
		NamespaceToken: namespaceToken,
		PrefixChars:    6,
		RandomBytes:    16,
		Separator:      '_',
		OutCase:        Upper,
	}
}

// IDGenerator mints opaque ids of the form "<prefix><sep><body>" where the
// prefix is stable per namespace and the body is fresh randomness.
type IDGenerator struct {
	opts   IDOptions
	prefix string
}

// NewIDGenerator validates opt and derives the namespace prefix.
func NewIDGenerator(opts IDOptions) (*IDGenerator, error) {
	if opts.RandomBytes <= 0 {
		return nil, fmt.Errorf("idgen: random bytes must be > 0")
	}
	switch opts.Separator {
	case ' ', 0, '\n':
		return nil, fmt.Errorf("idgen: bad separator %q", opts.Separator)
	}

	prefix, err := deriveNamespacePrefix(opts.NamespaceToken, opts.PrefixChars, opts.OutCase)
	if err != nil {
		return nil, err
	}
	return &IDGenerator{opts: opts, prefix: prefix}, nil
}

func deriveNamespacePrefix(token string, chars int, outCase Case) (string, error) {
	if chars <= 0 || token == "" {
		return "", nil
	}
	h, err := blake2b.New256(prefixKey)
	if err != nil {
		return "", err
	}
	h.Write([]byte(token))
	encoded := EncodeBase32(h.Sum(nil), outCase)
	if chars > len(encoded) {
		chars = len(encoded)
	}
	return encoded[:chars], nil
}

// Generate mints one ID.
func (g *IDGenerator) Generate() (string, error) {
	buf := make([]byte, g.opts.RandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	body := EncodeBase32(buf, g.opts.OutCase)

	if g.prefix == "" {
		return body, nil
	}
	return g.prefix + string(g.opts.Separator) + body, nil
}

// GenerateBatch mints n IDs.
func (g *IDGenerator) GenerateBatch(n int) ([]string, error) {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := g.Generate()
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// NamespacePrefix returns the derived prefix, empty when the generator was
// built without a namespace token.
func (g *IDGenerator) NamespacePrefix() string { return g.prefix }
