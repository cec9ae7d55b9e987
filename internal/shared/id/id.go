// Package id provides ULID generation for BrowserHost identifiers.
//
// Session identifiers are chosen by the host and never minted here; this
// package covers the identifiers this process owns, texture handles
// foremost. The prefix keeps logs readable (tex_*).
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// TextureHandle is the opaque token naming an exported GPU texture. A fresh
// value is minted for every allocation; a stale value never resolves again.
type TextureHandle string

const texturePrefix = "tex"

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator with cryptographically secure entropy.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with custom entropy.
// Useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewTextureHandle mints a texture handle.
func NewTextureHandle() TextureHandle {
	return TextureHandle(Default().GenerateWithPrefix(texturePrefix))
}

func (h TextureHandle) String() string { return string(h) }
