// Package chunker fits extracted code units to a character budget and builds
// the text that gets embedded for each unit.
//
// # Splitting
//
// Units larger than the budget (DefaultMaxChars) are rewritten into ordered
// parts named <name>__part1, <name>__part2, ... Parts are cut on line boundaries
// and their line ranges partition the original range with no gaps or overlaps:
//
//	s := chunker.New(3000)
//	parts := s.Split(unit)
//	// parts[0].StartLine == unit.StartLine
//	// parts[i+1].StartLine == parts[i].EndLine+1
//	// parts[len(parts)-1].EndLine == unit.EndLine
//
// Only the first part keeps the docstring. Dependencies, parameters, return
// type and parent are copied to every part.
//
// # Embedding Text
//
// EmbedText joins name, kind, docstring and the first EmbedContentPrefix
// characters of content with newlines.
package chunker
