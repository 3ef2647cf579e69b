// Package ticketcode mints and validates opaque ticket codes of the form
// TKT-<unix millis>-<8 random chars>-<6 char keyed checksum>.
package ticketcode

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

const (
	Prefix = "TKT"

	alphabet       = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	randomLength   = 8
	checksumLength = 6
	// largest multiple of len(alphabet) that fits in a byte
	rejectAbove = 252
)

var codePattern = regexp.MustCompile(`^TKT-(\d{13})-([A-Z0-9]{8})-([A-Z0-9]{6})$`)

var ErrEmptySecret = errors.New("ticketcode: secret must not be empty")

type Generator struct {
	key  [32]byte
	rand io.Reader
	now  func() time.Time
}

type Option func(*Generator)

// WithRand replaces crypto/rand as the entropy source.
func WithRand(r io.Reader) Option {
	return func(g *Generator) { g.rand = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

func New(secret []byte, opts ...Option) (*Generator, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	g := &Generator{
		key:  blake3.Sum256(secret),
		rand: rand.Reader,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate returns a fresh code. Codes are collision resistant, not unique;
// callers must still check storage before committing one.
func (g *Generator) Generate() (string, error) {
	random, err := g.randomSegment()
	if err != nil {
		return "", err
	}

	body := fmt.Sprintf("%s-%013d-%s", Prefix, g.now().UnixMilli(), random)
	sum, err := g.checksum(body)
	if err != nil {
		return "", err
	}
	return body + "-" + sum, nil
}

// IsValidFormat checks shape and checksum without touching storage.
func (g *Generator) IsValidFormat(code string) bool {
	m := codePattern.FindStringSubmatch(code)
	if m == nil {
		return false
	}
	if _, err := strconv.ParseInt(m[1], 10, 64); err != nil {
		return false
	}

	body := code[:len(code)-checksumLength-1]
	want, err := g.checksum(body)
	if err != nil {
		return false
	}
	return want == m[3]
}

func (g *Generator) randomSegment() (string, error) {
	out := make([]byte, 0, randomLength)
	buf := make([]byte, randomLength*2)

	for len(out) < randomLength {
		if _, err := io.ReadFull(g.rand, buf); err != nil {
			return "", fmt.Errorf("ticketcode: read entropy: %w", err)
		}
		for _, b := range buf {
			if b >= rejectAbove {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == randomLength {
				break
			}
		}
	}
	return string(out), nil
}

func (g *Generator) checksum(body string) (string, error) {
	hasher, err := blake3.NewKeyed(g.key[:])
	if err != nil {
		return "", fmt.Errorf("ticketcode: init checksum: %w", err)
	}
	hasher.Write([]byte(body))
	digest := hasher.Sum(nil)

	out := make([]byte, checksumLength)
	for i := range out {
		out[i] = alphabet[int(digest[i])%len(alphabet)]
	}
	return string(out), nil
}
