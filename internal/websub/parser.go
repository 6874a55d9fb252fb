package websub

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"html"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"newsrelay/internal/faults"
)

var (
	stripPolicy     *bluemonday.Policy
	stripPolicyOnce sync.Once
)

func plainText(s string) string {
	stripPolicyOnce.Do(func() { stripPolicy = bluemonday.StrictPolicy() })
	s = stripPolicy.Sanitize(s)
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}

// ParseFeed decomposes an RSS, Atom or JSON feed document into items.
// Entries without a title and body are skipped. A document gofeed cannot
// read is a validation error.
func ParseFeed(feed Feed, body []byte, receivedAt time.Time) ([]FeedItem, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, faults.Validationf("websub.parse", "empty payload for feed %s", feed.ID)
	}
	doc, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(faults.Validation, "websub.parse", err)
	}

	out := make([]FeedItem, 0, len(doc.Items))
	for _, it := range doc.Items {
		if it == nil {
			continue
		}
		title := plainText(it.Title)
		content := it.Content
		if strings.TrimSpace(content) == "" {
			content = it.Description
		}
		text := plainText(content)
		if title == "" && text == "" {
			continue
		}
		link := strings.TrimSpace(it.Link)
		if link == "" && len(it.Links) > 0 {
			link = strings.TrimSpace(it.Links[0])
		}
		id := itemID(link, it.GUID, title+"\n"+text)

		published := receivedAt
		switch {
		case it.PublishedParsed != nil:
			published = *it.PublishedParsed
		case it.UpdatedParsed != nil:
			published = *it.UpdatedParsed
		}

		out = append(out, FeedItem{
			ID:          id,
			FeedID:      feed.ID,
			SourceTopic: feed.Topic,
			Title:       title,
			Body:        text,
			Link:        link,
			PublishedAt: published,
			ReceivedAt:  receivedAt,
		})
	}
	if len(out) == 0 && len(doc.Items) > 0 {
		return nil, faults.Wrap(faults.Validation, "websub.parse", errors.New("no usable entries"))
	}
	return out, nil
}

// itemID hashes the canonical link, else the GUID, else the text itself.
func itemID(link, guid, fallback string) string {
	key := canonicalURL(link)
	if key == "" {
		key = strings.TrimSpace(guid)
	}
	if key == "" {
		key = fallback
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// canonicalURL lower-cases scheme and host, drops the fragment and common
// tracking parameters, and trims a trailing slash.
func canonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	q := u.Query()
	for k := range q {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "utm_") || lk == "fbclid" || lk == "gclid" {
			q.Del(k)
		}
	}
	u.RawQuery = q.Encode()
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}
