package taskledger

import (
	"fmt"
	"math/rand/v2"
)

var nameAdjectives = []string{
	"amber", "bold", "brisk", "calm", "clever", "crisp", "eager", "fleet",
	"gentle", "keen", "lively", "lucid", "mellow", "nimble", "quiet",
	"rapid", "solid", "steady", "swift", "vivid",
}

var nameNouns = []string{
	"badger", "beacon", "comet", "falcon", "glacier", "harbor", "heron",
	"lantern", "maple", "meadow", "otter", "pebble", "raven", "ridge",
	"river", "sparrow", "summit", "thicket", "walrus", "willow",
}

// randomName returns a human-memorable label like "brisk-otter".
func randomName() string {
	return fmt.Sprintf("%s-%s",
		nameAdjectives[rand.IntN(len(nameAdjectives))],
		nameNouns[rand.IntN(len(nameNouns))])
}
