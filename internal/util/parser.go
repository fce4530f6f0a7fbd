package util

import (
	"strings"

	"golang.org/x/net/html"
)

// ParseLinks finds links ending with a specific suffix within an HTML node tree.
// It performs a depth-first search for <a> tags and checks their href attribute.
// An empty suffix matches every link except the bare "/" and parent-directory links.
func ParseLinks(n *html.Node, suffix string) []string {
	var out []string
	var walk func(*html.Node)

	walk = func(nd *html.Node) {
		if nd.Type == html.ElementNode && nd.Data == "a" {
			for _, a := range nd.Attr {
				if a.Key != "href" {
					continue
				}
				val := strings.TrimSpace(a.Val)
				if val != "/" && val != "../" && !strings.HasPrefix(val, "?") &&
					strings.HasSuffix(strings.ToLower(val), strings.ToLower(suffix)) {
					out = append(out, val)
				}
				break
			}
		}
		for c := nd.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}

	walk(n)
	return out
}
