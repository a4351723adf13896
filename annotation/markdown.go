package annotation

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
)

// Exporter renders the comments panel as markdown.
type Exporter struct {
	md *converter.Converter
}

// NewExporter returns an Exporter using the commonmark rules.
func NewExporter() *Exporter {
	return &Exporter{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
	}
}

// SortForDisplay orders records by page, then creation time, then ID.
func SortForDisplay(recs []Record) {
	slices.SortFunc(recs, func(a, b Record) int {
		if c := cmp.Compare(a.PageIndex, b.PageIndex); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// CommentsMarkdown lists every record carrying contents, grouped under one
// heading per page. Pages are 1-based in the output.
func (e *Exporter) CommentsMarkdown(title string, recs []Record) string {
	var withText []Record
	for _, r := range recs {
		if strings.TrimSpace(r.Contents) != "" {
			withText = append(withText, r)
		}
	}
	SortForDisplay(withText)

	var sb strings.Builder
	if title != "" {
		fmt.Fprintf(&sb, "# %s\n\n", title)
	}
	if len(withText) == 0 {
		sb.WriteString("_No comments._\n")
		return sb.String()
	}

	page := -1
	for _, r := range withText {
		if r.PageIndex != page {
			page = r.PageIndex
			fmt.Fprintf(&sb, "## Page %d\n\n", page+1)
		}
		fmt.Fprintf(&sb, "- **%s** (%s): %s\n", r.Subtype.Label(), r.Author, e.body(r))
	}
	return sb.String()
}

func (e *Exporter) body(r Record) string {
	text := r.Contents
	if r.Subtype.RichText() {
		if md, err := e.md.ConvertString(text); err == nil && strings.TrimSpace(md) != "" {
			text = md
		}
	}
	// Keep each comment on its own list item.
	return strings.Join(strings.Fields(text), " ")
}
