package alloc

import (
	"fmt"
	"math/rand"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

const (
	// BasePort is the first host port handed out to environments.
	BasePort = 8100
	// MaxDisplayName is the hard cap on display names, imposed by the
	// tunnel transport's naming limit.
	MaxDisplayName = 20
	// nameAttempts bounds random name generation before falling back to
	// an id-derived name.
	nameAttempts = 10
)

// ErrPortsExhausted is returned when no port is free in the pool.
var ErrPortsExhausted = fmt.Errorf("alloc: port pool exhausted")

// NextPort returns the lowest free port at or above BasePort.
func NextPort(used map[int]bool, poolSize int) (int, error) {
	if poolSize <= 0 {
		poolSize = 1000
	}
	for port := BasePort; port < BasePort+poolSize; port++ {
		if !used[port] {
			return port, nil
		}
	}
	return 0, ErrPortsExhausted
}

// Slugify lowercases a display name and collapses runs of non-alphanumeric
// characters into single dashes.
func Slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

var (
	adjectives = []string{
		"amber", "bold", "brisk", "calm", "clever", "crisp", "eager",
		"fuzzy", "gentle", "keen", "lively", "mellow", "nimble", "quiet",
		"rapid", "sunny", "swift", "tidy", "vivid", "witty",
	}
	nouns = []string{
		"badger", "comet", "falcon", "fern", "heron", "lynx", "maple",
		"otter", "pine", "quartz", "raven", "reef", "sparrow", "tiger",
		"trout", "wren",
	}
	verbs = []string{
		"darts", "drifts", "glides", "hops", "leaps", "roams", "runs",
		"sails", "soars", "swims",
	}
)

// GenerateName produces a short human-friendly display name not present in
// taken, retrying a bounded number of times before falling back to an
// id-derived name. The result is always within MaxDisplayName characters.
func GenerateName(taken map[string]bool, rng *rand.Rand) string {
	for i := 0; i < nameAttempts; i++ {
		name := fmt.Sprintf("%s-%s-%s",
			adjectives[rng.Intn(len(adjectives))],
			nouns[rng.Intn(len(nouns))],
			verbs[rng.Intn(len(verbs))],
		)
		if len(name) > MaxDisplayName {
			continue
		}
		if !taken[name] && !taken[Slugify(name)] {
			return name
		}
	}
	return "env-" + uuid.NewString()[:8]
}
