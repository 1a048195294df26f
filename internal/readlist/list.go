package readlist

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// pageSize is the source's fixed list page size.
const pageSize = 15

// ListItem is one entry of the want-to-read list.
type ListItem struct {
	ExternalID string
	SourceURL  string
	Title      string
	Author     string
	Publisher  string
	PubDate    string
	CoverURL   string
}

// FetchList walks the paginated want-to-read list, oldest page limit
// first, and returns every parseable entry. The sequence is finite and
// not restartable within one call; a failed page aborts the walk.
func (c *Client) FetchList(ctx context.Context) ([]ListItem, error) {
	var items []ListItem

	for page := 0; page < c.cfg.MaxPages; page++ {
		pageURL := fmt.Sprintf("%s/people/%s/wish?start=%d&sort=time&filter=all&mode=list",
			strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.UserID, page*pageSize)

		doc, err := c.getDocument(ctx, pageURL)
		if err != nil {
			return nil, fmt.Errorf("fetch list page %d: %w", page+1, err)
		}

		pageItems := parseListPage(doc)
		if len(pageItems) == 0 {
			break
		}
		items = append(items, pageItems...)
		slog.DebugContext(ctx, "parsed list page",
			"page", page+1,
			"entries", len(pageItems))

		if len(pageItems) < pageSize {
			break
		}
	}

	slog.InfoContext(ctx, "fetched want-to-read list", "entries", len(items))
	return items, nil
}

// parseListPage extracts entries from one list page. Layout: each entry is
// an item div carrying the subject link and a meta line
// "author / publisher / date".
func parseListPage(doc *goquery.Document) []ListItem {
	var items []ListItem

	doc.Find("li.item, div.item").Each(func(_ int, sel *goquery.Selection) {
		link := sel.Find("div.title a, a.title")
		href, _ := link.Attr("href")
		title := strings.TrimSpace(link.Text())
		if href == "" || title == "" {
			return
		}

		item := ListItem{
			ExternalID: extractSubjectID(href),
			SourceURL:  href,
			Title:      title,
		}
		if item.ExternalID == "" {
			return
		}

		if cover, ok := sel.Find("img").Attr("src"); ok {
			item.CoverURL = cover
		}

		meta := strings.TrimSpace(sel.Find("div.intro, span.intro, div.pub").First().Text())
		parts := strings.Split(meta, "/")
		if len(parts) > 0 {
			item.Author = strings.TrimSpace(parts[0])
		}
		if len(parts) > 2 {
			item.Publisher = strings.TrimSpace(parts[len(parts)-2])
			item.PubDate = strings.TrimSpace(parts[len(parts)-1])
		}

		items = append(items, item)
	})

	return items
}

// extractSubjectID pulls the numeric id out of a subject URL like
// https://source.example/subject/36104107/.
func extractSubjectID(href string) string {
	parts := strings.Split(strings.Trim(href, "/"), "/")
	for i, part := range parts {
		if part == "subject" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}
