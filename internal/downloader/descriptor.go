package downloader

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"eodms-api-client/internal/models"

	"golang.org/x/net/html"
)

// spuriousFileParam is appended by the order endpoint to some download links
// and breaks the transfer when sent back.
const spuriousFileParam = "&file="

// ExtractDescriptor recovers the download URL and expected size of a ready
// order item. The first destination holds HTML-wrapped markup around the URL;
// the size comes from the last manifest entry, whose key is also used to
// repair the URL when its trailing path disagrees with the manifest.
func ExtractDescriptor(item models.OrderItem) (models.DownloadTarget, error) {
	target := models.DownloadTarget{
		OrderID:  int(item.OrderID),
		ItemID:   int(item.ItemID),
		RecordID: item.RecordID.String(),
	}
	if len(item.Destinations) == 0 || strings.TrimSpace(item.Destinations[0].StringValue) == "" {
		return target, fmt.Errorf("%w: item %d has no destination", ErrNoDescriptor, item.ItemID)
	}
	entry, ok := item.Manifest.Last()
	if !ok {
		return target, fmt.Errorf("%w: item %d has an empty manifest", ErrNoDescriptor, item.ItemID)
	}

	raw := stripMarkup(item.Destinations[0].StringValue)
	if strings.Contains(raw, "<") {
		// markup that was entity-encoded twice
		raw = stripMarkup(raw)
	}
	if i := strings.Index(raw, spuriousFileParam); i >= 0 {
		raw = raw[:i]
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return target, fmt.Errorf("%w: item %d destination %q is not a URL", ErrNoDescriptor, item.ItemID, raw)
	}
	correctPath(u, entry.Key)

	target.URL = u.String()
	target.Size = entry.Size
	return target, nil
}

// stripMarkup returns the text content of an HTML fragment with entities
// decoded. A fragment with no text but an anchor yields the anchor's href.
func stripMarkup(fragment string) string {
	var text, href strings.Builder
	z := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch z.Next() {
		case html.ErrorToken:
			s := strings.TrimSpace(text.String())
			if !strings.Contains(s, "://") && href.Len() > 0 {
				return strings.TrimSpace(href.String())
			}
			return s
		case html.TextToken:
			text.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "a" || !hasAttr || href.Len() > 0 {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "href" {
					href.Write(val)
					break
				}
				if !more {
					break
				}
			}
		}
	}
}

// correctPath substitutes the manifest key for the trailing segments of u's
// path when they do not already match it.
func correctPath(u *url.URL, key string) {
	key = strings.Trim(key, "/")
	if key == "" {
		return
	}
	if strings.HasSuffix(u.Path, "/"+key) || u.Path == key {
		return
	}
	keySegs := strings.Split(key, "/")
	segs := strings.Split(strings.TrimSuffix(u.Path, "/"), "/")
	keep := len(segs) - len(keySegs)
	if keep < 1 {
		keep = 1 // leading empty segment of an absolute path
	}
	if keep > len(segs) {
		keep = len(segs)
	}
	u.Path = strings.Join(append(segs[:keep:keep], keySegs...), "/")
	u.RawPath = ""
}

// localName is the file name a target is stored under.
func localName(target models.DownloadTarget) string {
	if u, err := url.Parse(target.URL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			return base
		}
	}
	return fmt.Sprintf("%d_%d.zip", target.OrderID, target.ItemID)
}
