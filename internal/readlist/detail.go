package readlist

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shelfsync/shelfsync/internal/stages"
	"github.com/shelfsync/shelfsync/internal/storage"
)

// FetchDetail retrieves one item's detail page and extracts the metadata
// the search stage matches against. Implements the detail stage's source
// contract.
func (c *Client) FetchDetail(ctx context.Context, item *storage.Item) (*stages.ItemDetail, error) {
	detailURL := item.SourceURL
	if detailURL == "" {
		detailURL = fmt.Sprintf("%s/subject/%s/", strings.TrimRight(c.cfg.BaseURL, "/"), item.ExternalID)
	}

	doc, err := c.getDocument(ctx, detailURL)
	if err != nil {
		return nil, fmt.Errorf("fetch detail for %s: %w", item.ExternalID, err)
	}

	detail := parseDetailPage(doc)
	slog.DebugContext(ctx, "parsed item detail",
		"title", item.Title,
		"isbn", detail.ISBN)
	return detail, nil
}

// parseDetailPage reads the info block: "label: value" pairs under #info
// plus the summary and cover image.
func parseDetailPage(doc *goquery.Document) *stages.ItemDetail {
	detail := &stages.ItemDetail{}

	infoText := doc.Find("#info").Text()
	for _, line := range strings.Split(infoText, "\n") {
		line = strings.TrimSpace(line)
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		switch strings.TrimSpace(key) {
		case "作者", "Author":
			detail.Author = cleanAuthor(value)
		case "副标题", "Subtitle":
			detail.Subtitle = value
		case "译者", "Translator":
			detail.Translator = cleanAuthor(value)
		case "出版社", "Publisher":
			detail.Publisher = value
		case "出版年", "Published":
			detail.PublishDate = value
		case "ISBN":
			detail.ISBN = value
		}
	}

	if cover, ok := doc.Find("#mainpic img").Attr("src"); ok {
		detail.CoverURL = cover
	}
	if summary := doc.Find("div.intro p").First().Text(); summary != "" {
		detail.Description = strings.TrimSpace(summary)
	}

	return detail
}

// cleanAuthor collapses the multi-line author markup into "a / b".
func cleanAuthor(value string) string {
	fields := strings.Fields(value)
	return strings.Join(fields, " ")
}
