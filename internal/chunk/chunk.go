// Package chunk splits guideline documents into overlapping pieces for
// embedding. It is a recursive character splitter: it prefers paragraph
// boundaries, then line boundaries, then sentence-ish boundaries, then words,
// and only cuts mid-word as a last resort.
package chunk

import "strings"

// separators in preference order. The empty string means "cut anywhere".
var separators = []string{"\n\n", "\n", ". ", " ", ""}

// Options configure a split.
type Options struct {
	Size    int
	Overlap int
}

// Split cuts text into chunks of at most opts.Size characters with
// opts.Overlap characters carried over between neighbours. Whitespace-only
// fragments are dropped.
func Split(text string, opts Options) []string {
	if opts.Size <= 0 {
		return nil
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.Size {
		opts.Overlap = 0
	}
	pieces := split(text, opts.Size, separators)
	return merge(pieces, opts)
}

// split recursively cuts text along the best separator that produces pieces
// under the limit.
func split(text string, size int, seps []string) []string {
	if len(text) <= size {
		return []string{text}
	}
	sep := seps[0]
	rest := seps
	if len(seps) > 1 {
		rest = seps[1:]
	}

	if sep == "" {
		// Hard cut: no separator left to respect.
		var out []string
		for len(text) > size {
			out = append(out, text[:size])
			text = text[size:]
		}
		if text != "" {
			out = append(out, text)
		}
		return out
	}

	var out []string
	for _, part := range strings.SplitAfter(text, sep) {
		if len(part) <= size {
			out = append(out, part)
		} else {
			out = append(out, split(part, size, rest)...)
		}
	}
	return out
}

// merge packs adjacent pieces into chunks near the size limit, then applies
// the overlap by prepending each chunk's tail to its successor.
func merge(pieces []string, opts Options) []string {
	var packed []string
	var cur strings.Builder
	for _, p := range pieces {
		if cur.Len() > 0 && cur.Len()+len(p) > opts.Size {
			packed = append(packed, cur.String())
			cur.Reset()
		}
		cur.WriteString(p)
	}
	if cur.Len() > 0 {
		packed = append(packed, cur.String())
	}

	out := make([]string, 0, len(packed))
	prevTail := ""
	for _, c := range packed {
		withOverlap := prevTail + c
		if strings.TrimSpace(withOverlap) == "" {
			continue
		}
		out = append(out, withOverlap)
		if opts.Overlap > 0 && len(c) > opts.Overlap {
			prevTail = c[len(c)-opts.Overlap:]
		} else if opts.Overlap > 0 {
			prevTail = c
		}
	}
	return out
}
