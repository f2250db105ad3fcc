package modelname

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestParse_NoSuffix(t *testing.T) {
	p := Parse("glm-4.5")
	assert.Equal(t, "glm-4.5", p.Base)
	assert.Empty(t, p.Modes)
}

func TestParse_SingleSuffix(t *testing.T) {
	p := Parse("glm-4.5-Thinking")
	assert.Equal(t, "glm-4.5", p.Base)
	assert.Equal(t, []Mode{ModeThinking}, p.Modes)
}

func TestParse_ComposedSuffixes(t *testing.T) {
	p := Parse("glm-4.5-Thinking-Search")
	assert.Equal(t, "glm-4.5", p.Base)
	assert.Equal(t, []Mode{ModeSearch, ModeThinking}, p.Modes)
	assert.True(t, p.Has(ModeThinking))
	assert.True(t, p.Has(ModeSearch))
	assert.False(t, p.Has(ModeAir))
}

func TestParse_LowercaseSuffixVariants(t *testing.T) {
	p := Parse("glm-4.5-thinking-search")
	assert.Equal(t, "glm-4.5", p.Base)
	assert.True(t, p.Has(ModeThinking))
	assert.True(t, p.Has(ModeSearch))
}

func TestParse_ImageEditNotShadowedByImage(t *testing.T) {
	p := Parse("qwen-max-image_edit")
	assert.Equal(t, "qwen-max", p.Base)
	assert.Equal(t, []Mode{ModeImageEdit}, p.Modes)
}

func TestParse_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := rapid.StringMatching(`[a-z0-9.]{1,12}`).Draw(t, "base")
		n := rapid.IntRange(0, 3).Draw(t, "n")
		chosen := make([]Mode, 0, n)
		seen := map[Mode]bool{}
		for i := 0; i < n; i++ {
			m := suffixes[rapid.IntRange(0, len(suffixes)-1).Draw(t, "mode")]
			if seen[m] {
				continue
			}
			seen[m] = true
			chosen = append(chosen, m)
		}

		name := base
		for _, m := range chosen {
			name += "-" + string(m)
		}

		got := Parse(name)
		assert.Equal(t, base, got.Base)
		assert.ElementsMatch(t, chosen, got.Modes)
		assert.Equal(t, name, got.String())
	})
}
