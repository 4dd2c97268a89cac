package jobs

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"

	"github.com/PuerkitoBio/goquery"

	"github.com/Sternrassler/fut-harvester/pkg/fetch"
	"github.com/Sternrassler/fut-harvester/pkg/task"
)

// DefaultCardSelector matches the item cards on a listing page.
const DefaultCardSelector = "a.fc-card-container"

// DefaultIDPattern captures the trailing numeric segment of a card link,
// dropping a leading "<n>-" season prefix (".../25-158023/" -> "158023").
var DefaultIDPattern = regexp.MustCompile(`(?:^|/)(?:\d+-)?(\d+)/?$`)

// ListingPage fetches the listing page whose URL is the work item's ID and
// returns the identifiers of every anchor matching selector, in page order.
// A page with no matching anchors yields an empty, successful result.
func ListingPage(selector string, idPattern *regexp.Regexp) task.Transform[*fetch.Client, []string] {
	if selector == "" {
		selector = DefaultCardSelector
	}
	if idPattern == nil {
		idPattern = DefaultIDPattern
	}

	return func(ctx context.Context, c *fetch.Client, item task.WorkItem) ([]string, error) {
		body, err := c.GetBody(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		return ExtractIDs(item.ID, body, selector, idPattern)
	}
}

// ExtractIDs parses an HTML document and returns the ids found in the href of
// each element matching selector. Relative links are resolved against pageURL.
func ExtractIDs(pageURL string, body []byte, selector string, idPattern *regexp.Regexp) ([]string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}

	ids := []string{}
	seen := make(map[string]struct{})
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		m := idPattern.FindStringSubmatch(base.ResolveReference(ref).Path)
		if len(m) < 2 {
			return
		}
		if _, dup := seen[m[1]]; dup {
			return
		}
		seen[m[1]] = struct{}{}
		ids = append(ids, m[1])
	})
	return ids, nil
}
