// Package pdftest builds small, structurally valid PDF documents for
// tests: one empty US Letter page per requested page, a correct xref
// table and trailer.
package pdftest

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
)

// Document returns a PDF with pages blank pages.
func Document(pages int) []byte {
	if pages < 1 {
		pages = 1
	}
	// Objects: 1 catalog, 2 page tree, 3.. pages.
	objs := make([]string, 0, pages+2)
	objs = append(objs, "<< /Type /Catalog /Pages 2 0 R >>")
	kids := make([]string, pages)
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	objs = append(objs, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pages))
	for range pages {
		objs = append(objs, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>")
	}

	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n", len(objs)+1)
	b.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return b.Bytes()
}

// Base64 returns Document(pages) base64-encoded.
func Base64(pages int) string {
	return base64.StdEncoding.EncodeToString(Document(pages))
}
