// Package transit scrapes stop timetables from the city transit website and
// keeps the schedule cache current.
package transit

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// ParseStop extracts the HH:MM departures listed for stopName from a route
// timetable page.
func ParseStop(r io.Reader, stopName string) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	label := findFirst(doc, func(n *html.Node) bool {
		return isElement(n, "div") && hasClass(n, "a_dotted", "d-inline") &&
			strings.Contains(textContent(n), stopName)
	})
	if label == nil {
		return nil, fmt.Errorf("stop %q not found", stopName)
	}

	route := ancestor(label, "li")
	if route == nil {
		return nil, fmt.Errorf("stop %q: route block not found", stopName)
	}
	block := findFirst(route, func(n *html.Node) bool {
		return isElement(n, "div") && hasClass(n, "schedule_list_raspisanie")
	})
	if block == nil {
		return nil, fmt.Errorf("stop %q: timetable not found", stopName)
	}

	times := []string{}
	rows := findAll(block, func(n *html.Node) bool {
		return isElement(n, "div") && hasClass(n, "raspisanie_data")
	})
	for _, row := range rows {
		hourCell := findFirst(row, func(n *html.Node) bool {
			return isElement(n, "strong") && insideClass(n, "dt1")
		})
		if hourCell == nil {
			continue
		}
		hour, err := strconv.Atoi(strings.TrimSpace(strings.ReplaceAll(textContent(hourCell), ":", "")))
		if err != nil {
			continue
		}
		minutes := findAll(row, func(n *html.Node) bool {
			return isElement(n, "div") && hasClass(n, "div10")
		})
		for _, m := range minutes {
			minute, ok := digits(strings.TrimSpace(textContent(m)))
			if !ok {
				continue
			}
			times = append(times, fmt.Sprintf("%02d:%02d", hour, minute))
		}
	}
	return times, nil
}

func digits(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	v, err := strconv.Atoi(s)
	return v, err == nil
}

func isElement(n *html.Node, tag string) bool {
	return n.Type == html.ElementNode && n.Data == tag
}

func hasClass(n *html.Node, classes ...string) bool {
	var attr string
	for _, a := range n.Attr {
		if a.Key == "class" {
			attr = a.Val
			break
		}
	}
	have := strings.Fields(attr)
	for _, want := range classes {
		found := false
		for _, c := range have {
			if c == want {
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

func insideClass(n *html.Node, class string) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && hasClass(p, class) {
			return true
		}
	}
	return false
}

func ancestor(n *html.Node, tag string) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if isElement(p, tag) {
			return p
		}
	}
	return nil
}

func findFirst(root *html.Node, match func(*html.Node) bool) *html.Node {
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if match(c) {
			return c
		}
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

func findAll(root *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if match(c) {
			out = append(out, c)
		}
		out = append(out, findAll(c, match)...)
	}
	return out
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
