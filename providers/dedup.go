package providers

import "strings"

// ContentDedup strips the already-emitted prefix off a provider's per-chunk
// text so adapters whose upstream sends *cumulative* content (every chunk
// repeats everything said so far) can re-emit OpenAI-shaped incremental
// deltas instead. Feed it one field's stream in order; call a fresh
// ContentDedup per field per response.
//
// Providers that already stream incrementally don't need this — calling
// Delta on strictly-growing cumulative text is the only case it's for.
type ContentDedup struct {
	seen string
}

// Delta returns the new suffix of cumulative relative to what's already
// been seen, and advances the dedup's watermark. If cumulative doesn't
// extend what was seen (a provider resending or going backwards), the
// whole string is treated as new so nothing is silently dropped.
func (d *ContentDedup) Delta(cumulative string) string {
	if cumulative == "" {
		return ""
	}
	if strings.HasPrefix(cumulative, d.seen) {
		delta := cumulative[len(d.seen):]
		d.seen = cumulative
		return delta
	}
	d.seen = cumulative
	return cumulative
}
