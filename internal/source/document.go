package source

import (
	"github.com/mmcdole/gofeed/atom"
	"github.com/mmcdole/gofeed/rss"
)

type Format string

const (
	FormatRSS     Format = "rss"
	FormatAtom    Format = "atom"
	FormatUnknown Format = "unknown"
)

// Document is a parsed feed that still carries its format-specific shape.
// Exactly one of RSS and Atom is set, unless Format is FormatUnknown.
type Document struct {
	Format Format
	RSS    *rss.Feed
	Atom   *atom.Feed
}
