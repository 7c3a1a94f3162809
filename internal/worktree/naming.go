package worktree

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// adjectives and animals make up the deterministic branch-name word pair.
// Small, fixed lists; picking from a larger catalog than this wouldn't
// change the property the naming needs (same taskID -> same pair).
var adjectives = []string{
	"quiet", "restless", "brisk", "hollow", "amber", "wry", "stark",
	"nimble", "grim", "placid", "sly", "dour", "keen", "feral", "tidy",
	"blunt", "wary", "sparse", "staunch", "dusky",
}

var animals = []string{
	"otter", "heron", "lynx", "jackal", "falcon", "badger", "newt",
	"marten", "viper", "crane", "mole", "wren", "civet", "gecko",
	"stoat", "tern", "vole", "ibis", "shrike", "ferret",
}

// branchName derives undercity/<adjective>-<animal>/<taskID> from a seed
// keyed on taskID, so retries of the same task reuse the same branch.
func branchName(taskID string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(taskID))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	adj := adjectives[rng.Intn(len(adjectives))]
	animal := animals[rng.Intn(len(animals))]
	return fmt.Sprintf("undercity/%s-%s/%s", adj, animal, taskID)
}
