package task

import (
	"crypto/rand"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const idTimeLayout = "20060102T150405.000000"

var idPattern = regexp.MustCompile(`^[0-9]{8}T[0-9]{6}\.[0-9]{6}-[0-9a-z]{16}$`)

// IDGenerator allocates task ids of the form
// <UTC YYYYMMDDThhmmss.ffffff>-<entropy>. Entropy is monotonic within a
// millisecond, so ids stay unique and sortable under rapid succession.
type IDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewIDGenerator returns a generator seeded from crypto/rand.
func NewIDGenerator() *IDGenerator {
	return newIDGenerator(rand.Reader)
}

func newIDGenerator(r io.Reader) *IDGenerator {
	return &IDGenerator{entropy: ulid.Monotonic(r, 0)}
}

// Next returns a fresh id stamped with now.
func (g *IDGenerator) Next(now time.Time) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now = now.UTC()
	id, err := ulid.New(ulid.Timestamp(now), g.entropy)
	if err != nil {
		return "", err
	}
	// The first ten characters encode the timestamp, which the prefix already carries.
	return now.Format(idTimeLayout) + "-" + strings.ToLower(id.String()[10:]), nil
}

// ValidID reports whether id has the shape produced by IDGenerator.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
