package direct

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// qualitySuffixes maps download-link suffixes to labels, best first.
var qualitySuffixes = []struct {
	suffix  string
	quality string
}{
	{"_x", "1080p"},
	{"_h", "720p"},
	{"_n", "480p"},
	{"_l", "240p"},
}

var quotedMP4Re = regexp.MustCompile(`["'](https?://[^"']+\.mp4[^"']*)["']`)

type anchor struct {
	href    string
	classes []string
}

func (a anchor) hasClasses(want ...string) bool {
	for _, w := range want {
		found := false
		for _, c := range a.classes {
			if c == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func parseAnchors(page string) []anchor {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil
	}
	var out []anchor
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			var a anchor
			for _, attr := range n.Attr {
				switch attr.Key {
				case "href":
					a.href = strings.TrimSpace(attr.Val)
				case "class":
					a.classes = strings.Fields(attr.Val)
				}
			}
			if a.href != "" {
				out = append(out, a)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

// pickQualityLink chooses the best quality download link of a landing page.
func pickQualityLink(pageURL *url.URL, page string) (string, string, bool) {
	anchors := parseAnchors(page)
	for _, q := range qualitySuffixes {
		for _, a := range anchors {
			if strings.HasSuffix(a.href, q.suffix) {
				return resolveRef(pageURL, a.href), q.quality, true
			}
		}
	}
	for _, a := range anchors {
		if strings.Contains(a.href, "/d/") && a.href != pageURL.Path {
			return resolveRef(pageURL, a.href), "", true
		}
	}
	return "", "", false
}

// extractDownloadURL reads the final video URL from a download page.
func extractDownloadURL(page string) (string, bool) {
	for _, a := range parseAnchors(page) {
		if a.hasClasses("btn", "btn-gradient", "submit-btn") {
			return a.href, true
		}
	}
	if m := quotedMP4Re.FindStringSubmatch(page); m != nil {
		return m[1], true
	}
	return "", false
}

func resolveRef(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
