// Package rewrite finds image references in a markdown document and
// substitutes new destinations for them, leaving every other byte intact.
package rewrite

import (
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

// Origin tells where a reference was found.
type Origin string

const (
	OriginMarkdown Origin = "markdown"
	OriginHTML     Origin = "html"
)

// Reference is one occurrence of an image destination in a document.
type Reference struct {
	// Dest is the destination with markdown backslash escapes resolved.
	Dest string `json:"dest"`
	// Offset and Length locate the destination as written in the document.
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	Origin Origin `json:"origin"`
}

type span struct{ start, stop int }

func (s span) contains(i int) bool { return i >= s.start && i < s.stop }

var md = goldmark.New()

// Extract returns every image reference in doc ordered by offset: markdown
// images (inline and reference-style definitions) and src attributes of
// <img> tags in raw HTML. References inside code spans and code blocks are
// ignored.
func Extract(doc string) []Reference {
	src := []byte(doc)
	root := md.Parser().Parse(text.NewReader(src))

	var (
		images = make(map[string]bool)
		code   []span
		html   []span
	)
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Image:
			if len(node.Destination) > 0 {
				images[string(node.Destination)] = true
			}
		case *ast.CodeSpan:
			if s, ok := childSpan(node); ok {
				code = append(code, s)
			}
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if s, ok := linesSpan(node.Lines()); ok {
				code = append(code, s)
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock:
			if s, ok := linesSpan(node.Lines()); ok {
				if node.HasClosure() {
					s.stop = max(s.stop, node.ClosureLine.Stop)
				}
				html = append(html, s)
			}
		case *ast.RawHTML:
			if s, ok := linesSpan(node.Segments); ok {
				html = append(html, s)
			}
		}
		return ast.WalkContinue, nil
	})

	var refs []Reference
	if len(images) > 0 {
		refs = markdownRefs(doc, images, append(code, html...))
	}
	for _, s := range html {
		refs = append(refs, htmlRefs(doc, s)...)
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Offset < refs[j].Offset })
	return dedupe(refs)
}

// Apply replaces each reference whose destination is a key of repl. Text
// outside replaced destinations is returned byte for byte.
func Apply(doc string, repl map[string]string) string {
	if len(repl) == 0 {
		return doc
	}
	var b strings.Builder
	last := 0
	for _, ref := range Extract(doc) {
		to, ok := repl[ref.Dest]
		if !ok || ref.Offset < last {
			continue
		}
		b.WriteString(doc[last:ref.Offset])
		b.WriteString(to)
		last = ref.Offset + ref.Length
	}
	if last == 0 {
		return doc
	}
	b.WriteString(doc[last:])
	return b.String()
}

// markdownRefs scans doc for image syntax outside the skipped spans: inline
// "![alt](dest)" and the definitions of labels used by reference-style
// images. Plain links are never matched, and only destinations the parser
// accepted as images are reported.
func markdownRefs(doc string, images map[string]bool, skip []span) []Reference {
	var refs []Reference
	labels := make(map[string]bool)
	for i := 0; i+1 < len(doc); i++ {
		if doc[i] != '!' || doc[i+1] != '[' || escaped(doc, i) || inAny(skip, i) {
			continue
		}
		end := closingBracket(doc, i+1)
		if end < 0 {
			continue
		}
		alt := doc[i+2 : end]
		next := end + 1
		switch {
		case next < len(doc) && doc[next] == '(':
			if ref, ok := destination(doc, next+1, images); ok {
				refs = append(refs, ref)
			}
		case next < len(doc) && doc[next] == '[':
			rb := closingBracket(doc, next)
			if rb < 0 {
				continue
			}
			label := doc[next+1 : rb]
			if label == "" {
				label = alt
			}
			labels[normalizeLabel(label)] = true
		default:
			labels[normalizeLabel(alt)] = true
		}
	}
	if len(labels) > 0 {
		refs = append(refs, definitionRefs(doc, labels, images, skip)...)
	}
	return refs
}

// definitionRefs finds "[label]: dest" lines whose label is in labels.
func definitionRefs(doc string, labels, images map[string]bool, skip []span) []Reference {
	var refs []Reference
	for start := 0; start < len(doc); {
		end := strings.IndexByte(doc[start:], '\n')
		if end < 0 {
			end = len(doc)
		} else {
			end += start
		}
		line := doc[start:end]
		trimmed := strings.TrimLeft(line, " ")
		open := start + len(line) - len(trimmed)
		if open-start <= 3 && strings.HasPrefix(trimmed, "[") && !inAny(skip, open) {
			rb := closingBracket(doc, open)
			if rb > 0 && rb+1 < len(doc) && doc[rb+1] == ':' && labels[normalizeLabel(doc[open+1:rb])] {
				if ref, ok := destination(doc, rb+2, images); ok {
					refs = append(refs, ref)
				}
			}
		}
		start = end + 1
	}
	return refs
}

// destination parses a link destination starting at or after start,
// bare or in angle brackets.
func destination(doc string, start int, images map[string]bool) (Reference, bool) {
	j := start
	for j < len(doc) && (doc[j] == ' ' || doc[j] == '\t' || doc[j] == '\n' || doc[j] == '\r') {
		j++
	}
	if j >= len(doc) {
		return Reference{}, false
	}

	var raw string
	off := j
	if doc[j] == '<' {
		k := strings.IndexAny(doc[j+1:], ">\n")
		if k < 0 || doc[j+1+k] != '>' {
			return Reference{}, false
		}
		off = j + 1
		raw = doc[off : off+k]
	} else {
		depth := 0
		k := j
	scan:
		for ; k < len(doc); k++ {
			switch c := doc[k]; {
			case c == '\\' && k+1 < len(doc):
				k++
			case c == '(':
				depth++
			case c == ')':
				if depth == 0 {
					break scan
				}
				depth--
			case c == ' ' || c == '\t' || c == '\n' || c == '\r':
				break scan
			}
		}
		raw = doc[j:k]
	}
	if raw == "" {
		return Reference{}, false
	}
	dest := string(util.UnescapePunctuations([]byte(raw)))
	if !images[dest] && !images[raw] {
		return Reference{}, false
	}
	return Reference{Dest: dest, Offset: off, Length: len(raw), Origin: OriginMarkdown}, true
}

// closingBracket returns the index of the "]" matching the "[" at open.
func closingBracket(doc string, open int) int {
	depth := 0
	for k := open; k < len(doc); k++ {
		switch doc[k] {
		case '\\':
			k++
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return k
			}
		}
	}
	return -1
}

// escaped reports whether doc[i] is preceded by an odd number of
// backslashes.
func escaped(doc string, i int) bool {
	n := 0
	for j := i - 1; j >= 0 && doc[j] == '\\'; j-- {
		n++
	}
	return n%2 == 1
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.Join(strings.Fields(label), " "))
}

// htmlRefs parses the raw HTML in s and locates the src of every <img>.
func htmlRefs(doc string, s span) []Reference {
	fragment := doc[s.start:s.stop]
	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return nil
	}
	var refs []Reference
	cursor := 0
	parsed.Find("img").Each(func(_ int, sel *goquery.Selection) {
		val, ok := sel.Attr("src")
		if !ok || val == "" {
			return
		}
		i := srcIndex(fragment[cursor:], val)
		if i < 0 {
			return
		}
		refs = append(refs, Reference{Dest: val, Offset: s.start + cursor + i, Length: len(val), Origin: OriginHTML})
		cursor += i + len(val)
	})
	return refs
}

// srcIndex finds val as the value of a src attribute in fragment.
func srcIndex(fragment, val string) int {
	lower := strings.ToLower(fragment)
	for from := 0; ; {
		i := strings.Index(lower[from:], "src")
		if i < 0 {
			return -1
		}
		j := from + i + len("src")
		from = j
		for j < len(fragment) && (fragment[j] == ' ' || fragment[j] == '\t' || fragment[j] == '\n') {
			j++
		}
		if j >= len(fragment) || fragment[j] != '=' {
			continue
		}
		j++
		for j < len(fragment) && (fragment[j] == ' ' || fragment[j] == '\t' || fragment[j] == '\n') {
			j++
		}
		if j < len(fragment) && (fragment[j] == '"' || fragment[j] == '\'') {
			j++
		}
		if strings.HasPrefix(fragment[j:], val) {
			return j
		}
	}
}

func childSpan(n ast.Node) (span, bool) {
	s := span{start: -1}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		t, ok := c.(*ast.Text)
		if !ok {
			continue
		}
		if s.start < 0 {
			s.start = t.Segment.Start
		}
		s.stop = t.Segment.Stop
	}
	return s, s.start >= 0
}

func linesSpan(lines *text.Segments) (span, bool) {
	if lines == nil || lines.Len() == 0 {
		return span{}, false
	}
	return span{start: lines.At(0).Start, stop: lines.At(lines.Len() - 1).Stop}, true
}

func inAny(spans []span, off int) bool {
	for _, s := range spans {
		if s.contains(off) {
			return true
		}
	}
	return false
}

func dedupe(refs []Reference) []Reference {
	out := refs[:0]
	for i, r := range refs {
		if i > 0 && r.Offset == refs[i-1].Offset {
			continue
		}
		out = append(out, r)
	}
	return out
}
