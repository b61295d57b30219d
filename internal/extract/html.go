package extract

import (
	"bytes"
	"context"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTML keeps visible text, emitting a blank line after block elements so
// paragraphs survive chunking.
type HTML struct{}

func (HTML) Extract(_ context.Context, data []byte) (Result, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return Result{}, err
	}
	var w textWriter
	w.walk(doc)
	text := collapseBlankLines(w.sb.String())
	return Result{Text: text, Quality: grade(text, QualityHigh)}, nil
}

var skipped = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Head: true,
	atom.Template: true, atom.Svg: true, atom.Iframe: true,
}

var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Li: true, atom.Tr: true, atom.Blockquote: true, atom.Pre: true, atom.Table: true,
	atom.Ul: true, atom.Ol: true, atom.Header: true, atom.Footer: true,
}

type textWriter struct {
	sb      strings.Builder
	midLine bool
}

func (w *textWriter) walk(n *html.Node) {
	if n.Type == html.ElementNode && skipped[n.DataAtom] {
		return
	}
	switch {
	case n.Type == html.TextNode:
		if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
			if w.midLine {
				w.sb.WriteByte(' ')
			}
			w.sb.WriteString(t)
			w.midLine = true
		}
	case n.Type == html.ElementNode && n.DataAtom == atom.Br:
		w.sb.WriteByte('\n')
		w.midLine = false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
	if n.Type == html.ElementNode && blocks[n.DataAtom] {
		w.sb.WriteString("\n\n")
		w.midLine = false
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, l)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
