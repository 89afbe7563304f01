package gitops

import (
	"fmt"
	"math/rand"
)

// adjectives and nouns used to synthesize branch names like "cool-ember-1".
// Kept short and pronounceable. A generated name that collides with an
// existing branch makes Spawn fail with BranchExistsError.
var adjectives = []string{
	"cool", "quiet", "swift", "bright", "steady", "brave", "calm", "eager",
	"gentle", "keen", "lively", "mellow", "nimble", "plucky", "rapid", "solid",
	"spry", "tidy", "vivid", "wry",
}

var nouns = []string{
	"ember", "harbor", "lantern", "meadow", "otter", "pebble", "quartz",
	"raven", "summit", "thicket", "tide", "willow", "canyon", "delta",
	"fern", "glacier", "heron", "island", "juniper", "kestrel",
}

// randomBranchName generates an "adjective-noun-N" branch name using the
// given random source, where N is a random number from 1 to 1000 drawn
// alongside the adjective and noun.
func randomBranchName(r *rand.Rand) string {
	adj := adjectives[r.Intn(len(adjectives))]
	noun := nouns[r.Intn(len(nouns))]
	n := r.Intn(1000) + 1
	return fmt.Sprintf("%s-%s-%d", adj, noun, n)
}
