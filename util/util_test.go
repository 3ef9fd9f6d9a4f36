package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateFingerprints(t *testing.T) {
	fps := NewRNG(42).GenerateFingerprints(1000)
	assert.Len(t, fps, 1000)

	seen := make(map[uint64]struct{}, len(fps))
	for _, fp := range fps {
		seen[fp] = struct{}{}
	}
	assert.Len(t, seen, 1000)

	// Same seed reproduces the same sequence.
	assert.Equal(t, fps, NewRNG(42).GenerateFingerprints(1000))
}
