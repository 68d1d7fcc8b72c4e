// Package markup converts the Markdown Claude Code writes into the HTML
// subset the Telegram Bot API accepts (b, i, s, code, pre, a, blockquote).
package markup

import (
	"bytes"
	"strconv"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/asheshgoplani/topicdeck/internal/transcript"
)

var (
	markdownOnce sync.Once
	markdown     goldmark.Markdown
)

func parser() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdown
}

var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
)

// Escape escapes the three characters Telegram HTML treats specially.
func Escape(s string) string {
	return textEscaper.Replace(s)
}

// Pre wraps s in a preformatted block.
func Pre(s string) string {
	return "<pre>" + Escape(s) + "</pre>"
}

// ToHTML renders md as Telegram HTML. Text between the expandable-quote
// sentinels is not parsed as Markdown; it becomes a collapsed blockquote.
func ToHTML(md string) string {
	var parts []string
	for _, seg := range splitQuotes(md) {
		if seg.quote {
			body := strings.Trim(seg.text, "\n")
			if body == "" {
				continue
			}
			parts = append(parts, "<blockquote expandable>"+Escape(body)+"</blockquote>")
			continue
		}
		if out := render(seg.text); out != "" {
			parts = append(parts, out)
		}
	}
	return strings.Join(parts, "\n")
}

// PlainText is the fallback body used when Telegram rejects the HTML:
// the source with quote sentinels removed.
func PlainText(md string) string {
	md = strings.ReplaceAll(md, transcript.ExpQuoteStart, "")
	return strings.ReplaceAll(md, transcript.ExpQuoteEnd, "")
}

type segment struct {
	text  string
	quote bool
}

// splitQuotes cuts s at the sentinels. An unterminated quote runs to the
// end of s, which happens when a long message was split mid-quote.
func splitQuotes(s string) []segment {
	var out []segment
	for {
		i := strings.Index(s, transcript.ExpQuoteStart)
		if i < 0 {
			out = append(out, segment{text: strings.ReplaceAll(s, transcript.ExpQuoteEnd, "")})
			return out
		}
		if i > 0 {
			out = append(out, segment{text: strings.ReplaceAll(s[:i], transcript.ExpQuoteEnd, "")})
		}
		rest := s[i+len(transcript.ExpQuoteStart):]
		j := strings.Index(rest, transcript.ExpQuoteEnd)
		if j < 0 {
			out = append(out, segment{text: rest, quote: true})
			return out
		}
		out = append(out, segment{text: rest[:j], quote: true})
		s = rest[j+len(transcript.ExpQuoteEnd):]
	}
}

func render(md string) string {
	if strings.TrimSpace(md) == "" {
		return ""
	}
	source := []byte(md)
	doc := parser().Parser().Parse(text.NewReader(source))
	r := &htmlRenderer{source: source}
	_ = ast.Walk(doc, r.walk)
	return strings.Trim(r.out.String(), "\n")
}

type listState struct {
	ordered bool
	next    int
}

// htmlRenderer walks the goldmark AST directly. goldmark's own HTML
// renderer emits tags (p, ul, h1) that Telegram refuses.
type htmlRenderer struct {
	source []byte
	out    bytes.Buffer
	lists  []listState
}

func (r *htmlRenderer) write(s string) { r.out.WriteString(s) }

// ensure makes the output end with at least n newlines.
func (r *htmlRenderer) ensure(n int) {
	if r.out.Len() == 0 {
		return
	}
	b := r.out.Bytes()
	have := 0
	for i := len(b) - 1; i >= 0 && b[i] == '\n'; i-- {
		have++
	}
	for ; have < n; have++ {
		r.out.WriteByte('\n')
	}
}

func (r *htmlRenderer) trimNewlines() {
	b := r.out.Bytes()
	n := len(b)
	for n > 0 && b[n-1] == '\n' {
		n--
	}
	r.out.Truncate(n)
}

func (r *htmlRenderer) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node.Kind() {
	case ast.KindDocument:

	case ast.KindParagraph:
		if !entering {
			if node.Parent() != nil && node.Parent().Kind() == ast.KindListItem {
				r.ensure(1)
			} else {
				r.ensure(2)
			}
		}

	case ast.KindTextBlock:
		if !entering {
			r.ensure(1)
		}

	case ast.KindHeading:
		if entering {
			r.write("<b>")
		} else {
			r.write("</b>")
			r.ensure(2)
		}

	case ast.KindFencedCodeBlock:
		if entering {
			lang := string(node.(*ast.FencedCodeBlock).Language(r.source))
			r.codeBlock(node, lang)
			return ast.WalkSkipChildren, nil
		}

	case ast.KindCodeBlock:
		if entering {
			r.codeBlock(node, "")
			return ast.WalkSkipChildren, nil
		}

	case ast.KindHTMLBlock:
		if entering {
			r.write(Escape(strings.TrimRight(r.lines(node), "\n")))
			r.ensure(2)
			return ast.WalkSkipChildren, nil
		}

	case ast.KindBlockquote:
		if entering {
			r.write("<blockquote>")
		} else {
			r.trimNewlines()
			r.write("</blockquote>")
			r.ensure(2)
		}

	case ast.KindList:
		if entering {
			l := node.(*ast.List)
			r.lists = append(r.lists, listState{ordered: l.IsOrdered(), next: l.Start})
		} else {
			r.lists = r.lists[:len(r.lists)-1]
			if len(r.lists) == 0 {
				r.ensure(2)
			} else {
				r.ensure(1)
			}
		}

	case ast.KindListItem:
		if entering {
			r.ensure(1)
			depth := len(r.lists)
			if depth == 0 {
				break
			}
			top := &r.lists[depth-1]
			r.write(strings.Repeat("  ", depth-1))
			if top.ordered {
				r.write(strconv.Itoa(top.next) + ". ")
				top.next++
			} else {
				r.write("• ")
			}
		} else {
			r.ensure(1)
		}

	case ast.KindThematicBreak:
		if entering {
			r.ensure(2)
			r.write("——————")
			r.ensure(2)
		}

	case ast.KindText:
		if entering {
			t := node.(*ast.Text)
			r.write(Escape(string(t.Segment.Value(r.source))))
			if t.HardLineBreak() || t.SoftLineBreak() {
				r.write("\n")
			}
		}

	case ast.KindString:
		if entering {
			r.write(Escape(string(node.(*ast.String).Value)))
		}

	case ast.KindEmphasis:
		tag := "i"
		if node.(*ast.Emphasis).Level >= 2 {
			tag = "b"
		}
		if entering {
			r.write("<" + tag + ">")
		} else {
			r.write("</" + tag + ">")
		}

	case ast.KindCodeSpan:
		if entering {
			r.write("<code>" + Escape(r.inlineText(node)) + "</code>")
			return ast.WalkSkipChildren, nil
		}

	case ast.KindLink:
		if entering {
			r.write(`<a href="` + attrEscaper.Replace(string(node.(*ast.Link).Destination)) + `">`)
		} else {
			r.write("</a>")
		}

	case ast.KindAutoLink:
		if entering {
			l := node.(*ast.AutoLink)
			url := string(l.URL(r.source))
			r.write(`<a href="` + attrEscaper.Replace(url) + `">` + Escape(string(l.Label(r.source))) + "</a>")
			return ast.WalkSkipChildren, nil
		}

	case ast.KindImage:
		if entering {
			img := node.(*ast.Image)
			alt := r.inlineText(node)
			if alt == "" {
				alt = string(img.Destination)
			}
			r.write(`<a href="` + attrEscaper.Replace(string(img.Destination)) + `">` + Escape(alt) + "</a>")
			return ast.WalkSkipChildren, nil
		}

	case ast.KindRawHTML:
		if entering {
			raw := node.(*ast.RawHTML)
			for i := 0; i < raw.Segments.Len(); i++ {
				seg := raw.Segments.At(i)
				r.write(Escape(string(seg.Value(r.source))))
			}
			return ast.WalkSkipChildren, nil
		}

	case extast.KindStrikethrough:
		if entering {
			r.write("<s>")
		} else {
			r.write("</s>")
		}

	case extast.KindTaskCheckBox:
		if entering {
			if node.(*extast.TaskCheckBox).IsChecked {
				r.write("☑ ")
			} else {
				r.write("☐ ")
			}
		}

	case extast.KindTable:
		if entering {
			r.table(node)
			return ast.WalkSkipChildren, nil
		}
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) lines(node ast.Node) string {
	var b strings.Builder
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(r.source))
	}
	return b.String()
}

func (r *htmlRenderer) codeBlock(node ast.Node, lang string) {
	code := Escape(strings.TrimRight(r.lines(node), "\n"))
	r.ensure(2)
	if lang != "" {
		r.write(`<pre><code class="language-` + attrEscaper.Replace(lang) + `">` + code + "</code></pre>")
	} else {
		r.write("<pre>" + code + "</pre>")
	}
	r.ensure(2)
}

// inlineText concatenates the literal text under node.
func (r *htmlRenderer) inlineText(node ast.Node) string {
	var b strings.Builder
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.Text:
			b.Write(v.Segment.Value(r.source))
			if v.SoftLineBreak() || v.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(v.Value)
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

// table flattens a GFM table into a monospaced block; Telegram has no table tag.
func (r *htmlRenderer) table(node ast.Node) {
	var rows []string
	for row := node.FirstChild(); row != nil; row = row.NextSibling() {
		var cells []string
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			cells = append(cells, strings.TrimSpace(r.inlineText(cell)))
		}
		rows = append(rows, strings.Join(cells, " | "))
	}
	r.ensure(2)
	r.write(Pre(strings.Join(rows, "\n")))
	r.ensure(2)
}
