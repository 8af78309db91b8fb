// Package scanner walks a repository once and classifies what it finds.
//
// A scan skips tool and build directories (DefaultSkip) plus anything enry
// considers vendored, then reports every remaining file with its language and
// type, and a Summary: the dominant repository language, frameworks detected
// from key files, entry points, config files and manifest dependencies.
package scanner
