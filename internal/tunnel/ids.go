package tunnel

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Word lists for human-readable two-word client identifiers, e.g.
// "quiet-harbor". Kept short and URL-safe on purpose — these are dialed out
// in subdomains and tunnel URLs.
var (
	idAdjectives = []string{
		"quiet", "amber", "lucid", "brisk", "calm", "bold", "gentle", "swift",
		"sunny", "misty", "golden", "silver", "violet", "crimson", "azure",
		"rustic", "tidy", "plain", "vivid", "steady",
	}
	idNouns = []string{
		"harbor", "meadow", "canyon", "ridge", "brook", "summit", "orchard",
		"lantern", "falcon", "otter", "heron", "maple", "cedar", "prairie",
		"glacier", "comet", "anchor", "beacon", "thicket", "delta",
	}
)

// GenerateID returns a random "adjective-noun" client identifier. It is not
// guaranteed unique across live clients — callers (Manager.NewClient) are
// responsible for collision handling.
func GenerateID() string {
	return fmt.Sprintf("%s-%s", pickWord(idAdjectives), pickWord(idNouns))
}

func pickWord(words []string) string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		// crypto/rand failure is not recoverable in any meaningful way; fall
		// back to the first word rather than panicking a live broker.
		return words[0]
	}
	return words[n.Int64()]
}
