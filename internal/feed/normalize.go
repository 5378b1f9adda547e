// Package feed normalizes parsed feeds into canonical article records.
package feed

import (
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"github.com/mmcdole/gofeed"

	"sentro/internal/model"
)

// Categories assigned to normalized articles. Items whose feed categories
// mention a core chain keyword are upgraded from the default.
const (
	CategoryCrypto = "crypto"
	CategoryWeb3   = "web3"
)

const defaultLanguage = "en"

var web3Keywords = []string{"bitcoin", "ethereum", "blockchain"}

// Normalize parses raw feed bytes and converts the items into canonical
// articles for the given source. The format (RSS or Atom) is detected from
// the document itself, regardless of the source's declared type.
func Normalize(src model.Source, raw []byte) ([]model.Article, error) {
	parsed, err := gofeed.NewParser().ParseString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	items := parsed.Items
	if src.ArticleLimit > 0 && len(items) > src.ArticleLimit {
		items = items[:src.ArticleLimit]
	}

	atom := parsed.FeedType == "atom"
	now := time.Now().UTC()

	articles := make([]model.Article, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.Title) == "" && strings.TrimSpace(item.Link) == "" {
			continue
		}
		if atom {
			articles = append(articles, normalizeAtomEntry(src, item, now))
		} else {
			articles = append(articles, normalizeRSSItem(src, item, now))
		}
	}
	return articles, nil
}

func normalizeRSSItem(src model.Source, item *gofeed.Item, now time.Time) model.Article {
	return model.Article{
		Title:       strings.TrimSpace(item.Title),
		Content:     itemContent(item),
		Source:      src.Name,
		URL:         item.Link,
		ImageURL:    extractImage(item),
		PublishedAt: itemDate(item, now),
		CreatedAt:   now,
		Category:    classifyCategory(item.Categories),
		Tags:        extractTags(item.Categories),
		Language:    defaultLanguage,
		SourceID:    src.ID,
		SourceGUID:  itemGUID(item),
	}
}

// Atom entries get no image and no rich category extraction.
func normalizeAtomEntry(src model.Source, item *gofeed.Item, now time.Time) model.Article {
	content := item.Description
	if content == "" {
		content = item.Content
	}
	return model.Article{
		Title:       strings.TrimSpace(item.Title),
		Content:     content,
		Source:      src.Name,
		URL:         item.Link,
		PublishedAt: itemDate(item, now),
		CreatedAt:   now,
		Category:    CategoryCrypto,
		Language:    defaultLanguage,
		SourceID:    src.ID,
		SourceGUID:  itemGUID(item),
	}
}

// itemContent resolves the content fallback chain:
// content:encoded, then content, then description.
func itemContent(item *gofeed.Item) string {
	if item.Content != "" {
		return item.Content
	}
	return item.Description
}

// itemGUID returns the feed-provided GUID, falling back to the link URL.
func itemGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}

func itemDate(item *gofeed.Item, fallback time.Time) time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC()
	}
	if item.Published != "" {
		if t, err := dateparse.ParseAny(item.Published); err == nil {
			return t.UTC()
		}
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC()
	}
	return fallback
}

// extractImage resolves the image priority chain: enclosure, then
// media:content, then the first <img> in the content HTML.
func extractImage(item *gofeed.Item) *string {
	for _, enc := range item.Enclosures {
		if enc.URL != "" && strings.HasPrefix(enc.Type, "image/") {
			return &enc.URL
		}
	}
	if media, ok := item.Extensions["media"]; ok {
		for _, ext := range media["content"] {
			if url := ext.Attrs["url"]; url != "" {
				return &url
			}
		}
		for _, ext := range media["thumbnail"] {
			if url := ext.Attrs["url"]; url != "" {
				return &url
			}
		}
	}
	if url := firstImageSrc(itemContent(item)); url != "" {
		return &url
	}
	return nil
}

func firstImageSrc(html string) string {
	if !strings.Contains(html, "<img") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	src, _ := doc.Find("img[src]").First().Attr("src")
	return src
}

// classifyCategory upgrades the default category when any feed category
// contains a core chain keyword, case-insensitive.
func classifyCategory(categories []string) string {
	for _, c := range categories {
		lower := strings.ToLower(c)
		for _, kw := range web3Keywords {
			if strings.Contains(lower, kw) {
				return CategoryWeb3
			}
		}
	}
	return CategoryCrypto
}

// extractTags lower-cases feed categories longer than two characters.
// Returns nil when nothing qualifies.
func extractTags(categories []string) []string {
	var tags []string
	for _, c := range categories {
		c = strings.ToLower(strings.TrimSpace(c))
		if len(c) > 2 {
			tags = append(tags, c)
		}
	}
	return tags
}
