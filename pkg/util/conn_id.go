package utils

import (
	"fmt"
	"math/rand"
	"sync"
)

var idAlphabet = []byte("123456789abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ")

// ConnIDGenerator hands out short connection IDs for log correlation. IDs are unique per
// generator: a running count followed by a random tag.
type ConnIDGenerator struct {
	mut   sync.Mutex
	rng   *rand.Rand
	count uint64
}

func CreateConnIDGenerator(seed int64) *ConnIDGenerator {
	return &ConnIDGenerator{rng: rand.New(rand.NewSource(seed))}
}

// Next returns an ID of the form "<count>-<tag>" with a tag of tagLen characters.
func (g *ConnIDGenerator) Next(tagLen int) string {
	g.mut.Lock()
	defer g.mut.Unlock()

	g.count++
	tag := make([]byte, tagLen)
	for i := range tag {
		tag[i] = idAlphabet[g.rng.Intn(len(idAlphabet))]
	}
	return fmt.Sprintf("%d-%s", g.count, tag)
}
