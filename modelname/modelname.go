// Package modelname parses the mode-suffix grammar carried on public model
// names, e.g. "glm-4.5-Thinking-Search" or "qwen-max-image_edit".
package modelname

import "strings"

// Mode is a single recognized suffix.
type Mode string

const (
	ModeThinking  Mode = "Thinking"
	ModeSearch    Mode = "Search"
	ModeAir       Mode = "Air"
	ModeImage     Mode = "image"
	ModeImageEdit Mode = "image_edit"
	ModeVideo     Mode = "video"
)

// all known suffixes, longest-first so "image_edit" is tried before "image".
var suffixes = []Mode{ModeImageEdit, ModeImage, ModeVideo, ModeThinking, ModeSearch, ModeAir}

// caseVariants lists every spelling Parse accepts for a suffix that has
// both a capitalized and lowercase form in the wild ("-Thinking" and
// "-thinking" both appear on public model names). The canonical Mode value
// returned is always the capitalized one regardless of which spelling
// matched, so callers never need to case-fold Has() themselves.
var caseVariants = map[Mode][]string{
	ModeThinking: {"Thinking", "thinking"},
	ModeSearch:   {"Search", "search"},
}

func spellingsFor(m Mode) []string {
	if v, ok := caseVariants[m]; ok {
		return v
	}
	return []string{string(m)}
}

// Parsed is the result of splitting a public model name into its base model
// id and the set of mode suffixes attached to it.
type Parsed struct {
	Base  string
	Modes []Mode
}

// Has reports whether the parse carries the given mode.
func (p Parsed) Has(m Mode) bool {
	for _, mode := range p.Modes {
		if mode == m {
			return true
		}
	}
	return false
}

// Parse strips recognized suffixes from the right of name, one at a time,
// greedily, until no more suffixes match. Suffixes may be combined and are
// returned in the order they were peeled off (outermost first), e.g.
// "glm-4.5-Thinking-Search" -> {Base: "glm-4.5", Modes: [Search, Thinking]}.
func Parse(name string) Parsed {
	rest := name
	var modes []Mode

	for {
		matched := false
		for _, suf := range suffixes {
			for _, spelling := range spellingsFor(suf) {
				candidate := "-" + spelling
				if strings.HasSuffix(rest, candidate) && len(rest) > len(candidate) {
					rest = strings.TrimSuffix(rest, candidate)
					modes = append(modes, suf)
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
		if !matched {
			break
		}
	}

	return Parsed{Base: rest, Modes: modes}
}

// String reconstructs the public model name from a Parsed value, outermost
// mode last — the inverse of Parse for modes produced by Parse itself.
func (p Parsed) String() string {
	var b strings.Builder
	b.WriteString(p.Base)
	for i := len(p.Modes) - 1; i >= 0; i-- {
		b.WriteString("-")
		b.WriteString(string(p.Modes[i]))
	}
	return b.String()
}
