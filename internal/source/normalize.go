package source

import (
	"time"

	"feedsync/internal/model"

	"github.com/mmcdole/gofeed/atom"
	"github.com/mmcdole/gofeed/rss"
	"github.com/samber/lo"
)

// Normalize maps the items of doc into the canonical shape, keeping document
// order. now is used for items that carry no usable date.
func Normalize(doc *Document, now time.Time) []model.Item {
	if doc == nil {
		return nil
	}

	switch {
	case doc.Format == FormatRSS && doc.RSS != nil:
		return lo.Map(doc.RSS.Items, func(item *rss.Item, _ int) model.Item {
			return normalizeRSSItem(item, now)
		})
	case doc.Format == FormatAtom && doc.Atom != nil:
		return lo.Map(doc.Atom.Entries, func(entry *atom.Entry, _ int) model.Item {
			return normalizeAtomEntry(entry, now)
		})
	default:
		return []model.Item{}
	}
}

func normalizeRSSItem(item *rss.Item, now time.Time) model.Item {
	normalized := model.Item{
		Title:       item.Title,
		Description: item.Description,
		Content:     item.Description,
		URL:         item.Link,
		Author:      item.Author,
		PublishedAt: now,
	}

	if item.GUID != nil {
		normalized.GUID = item.GUID.Value
	}

	if item.PubDateParsed != nil {
		normalized.PublishedAt = *item.PubDateParsed
	}

	if normalized.Author == "" && item.DublinCoreExt != nil && len(item.DublinCoreExt.Creator) > 0 {
		normalized.Author = item.DublinCoreExt.Creator[0]
	}

	return normalized
}

func normalizeAtomEntry(entry *atom.Entry, now time.Time) model.Item {
	var content string
	if entry.Content != nil {
		content = entry.Content.Value
	}

	normalized := model.Item{
		GUID:        entry.ID,
		Title:       entry.Title,
		Content:     content,
		Description: content,
		URL:         atomLink(entry.Links),
		PublishedAt: now,
	}

	if normalized.Content == "" {
		normalized.Content = entry.Summary
	}

	if entry.Summary != "" {
		normalized.Description = entry.Summary
	}

	switch {
	case entry.PublishedParsed != nil:
		normalized.PublishedAt = *entry.PublishedParsed
	case entry.UpdatedParsed != nil:
		normalized.PublishedAt = *entry.UpdatedParsed
	}

	if len(entry.Authors) > 0 && entry.Authors[0] != nil {
		normalized.Author = entry.Authors[0].Name
	}

	return normalized
}

// atomLink picks the first link that is not rel="self", else the first link.
func atomLink(links []*atom.Link) string {
	links = lo.Compact(links)
	if len(links) == 0 {
		return ""
	}

	if link, ok := lo.Find(links, func(l *atom.Link) bool { return l.Rel != "self" }); ok {
		return link.Href
	}

	return links[0].Href
}
