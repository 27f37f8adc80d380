package fetch

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// dropped elements never contribute text.
var dropped = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
	atom.Form:     true,
}

// blocks start a new paragraph.
var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Main: true, atom.H1: true, atom.H2: true, atom.H3: true,
	atom.H4: true, atom.H5: true, atom.H6: true, atom.Blockquote: true,
	atom.Pre: true, atom.Ul: true, atom.Ol: true, atom.Table: true,
	atom.Tr: true, atom.Dl: true, atom.Dt: true, atom.Dd: true,
	atom.Figure: true, atom.Figcaption: true, atom.Hr: true,
}

// extractHTML returns the document title and its readable text.
func extractHTML(body []byte) (title, text string) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", tokenText(body)
	}

	var w textWriter
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.DataAtom == atom.Title && title == "" {
				title = strings.TrimSpace(nodeText(n))
			}
			if dropped[n.DataAtom] {
				return
			}
			if blocks[n.DataAtom] {
				w.paragraph()
			}
		}
		if n.Type == html.TextNode {
			w.words(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode {
			switch {
			case n.DataAtom == atom.Br || n.DataAtom == atom.Li:
				w.line()
			case blocks[n.DataAtom]:
				w.paragraph()
			}
		}
	}
	walk(doc)
	return title, w.String()
}

// nodeText concatenates the text under n.
func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(nodeText(c))
	}
	return b.String()
}

// tokenText is the fallback for markup html.Parse rejects.
func tokenText(body []byte) string {
	z := html.NewTokenizer(bytes.NewReader(body))
	var w textWriter
	for {
		switch z.Next() {
		case html.ErrorToken:
			return w.String()
		case html.TextToken:
			w.words(string(z.Text()))
		}
	}
}

// textWriter collapses whitespace. Breaks are pending until the next
// word so the output never has trailing or doubled blank lines.
type textWriter struct {
	b     strings.Builder
	brk   string
	inRow bool
}

func (w *textWriter) words(s string) {
	for _, f := range strings.Fields(s) {
		switch {
		case w.b.Len() == 0:
		case w.brk != "":
			w.b.WriteString(w.brk)
		case w.inRow:
			w.b.WriteByte(' ')
		}
		w.b.WriteString(f)
		w.brk = ""
		w.inRow = true
	}
}

func (w *textWriter) line() {
	if w.brk == "" {
		w.brk = "\n"
	}
	w.inRow = false
}

func (w *textWriter) paragraph() {
	w.brk = "\n\n"
	w.inRow = false
}

func (w *textWriter) String() string { return w.b.String() }
