package convert

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hazyhaar/pdfdesk/horosafe"
)

// Defaults applied by Normalize.
const (
	DefaultFilename     = "documento"
	DefaultLanguage     = "por+eng"
	DefaultQuality      = "ebook"
	DefaultImageFormat  = "png"
	DefaultImageQuality = 92
	DefaultImageScale   = 2.0
)

var compressQualities = map[string]bool{"screen": true, "ebook": true, "printer": true, "prepress": true}

// Request is a conversion request. Quality is the compression preset;
// image requests carry their numeric "quality" in ImageQuality.
type Request struct {
	PDFBase64    string  `json:"pdfBase64"`
	Filename     string  `json:"filename,omitempty"`
	Language     string  `json:"language,omitempty"`
	Quality      string  `json:"quality,omitempty"`
	Format       string  `json:"format,omitempty"`
	ImageQuality int     `json:"imageQuality,omitempty"`
	Scale        float64 `json:"scale,omitempty"`
}

// UnmarshalJSON accepts "quality" either as a compression preset string
// or as an image quality number.
func (r *Request) UnmarshalJSON(b []byte) error {
	type plain Request
	var raw struct {
		plain
		Quality json.RawMessage `json:"quality,omitempty"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*r = Request(raw.plain)
	if len(raw.Quality) == 0 || string(raw.Quality) == "null" {
		return nil
	}
	if raw.Quality[0] == '"' {
		return json.Unmarshal(raw.Quality, &r.Quality)
	}
	var q float64
	if err := json.Unmarshal(raw.Quality, &q); err != nil {
		return fmt.Errorf("quality: %w", err)
	}
	// The browser side sends 0..1, the service 1..100.
	if q > 0 && q <= 1 {
		q *= 100
	}
	r.ImageQuality = int(q + 0.5)
	return nil
}

// Normalize validates r for kind, fills the defaults, rewrites PDFBase64
// in canonical form and returns the decoded PDF bytes.
func (r *Request) Normalize(kind Kind) ([]byte, error) {
	if !kind.Valid() {
		return nil, invalid("unknown conversion %q", kind)
	}
	pdf, err := DecodePDF(r.PDFBase64)
	if err != nil {
		return nil, err
	}

	r.PDFBase64 = base64.StdEncoding.EncodeToString(pdf)
	r.Filename = horosafe.SafeFilename(r.Filename, DefaultFilename)

	switch kind {
	case KindText:
		if r.Language == "" {
			r.Language = DefaultLanguage
		}
	case KindCompress:
		if r.Quality == "" {
			r.Quality = DefaultQuality
		}
		if !compressQualities[r.Quality] {
			return nil, invalid("quality must be one of screen, ebook, printer, prepress")
		}
	case KindImage:
		switch r.Format {
		case "":
			r.Format = DefaultImageFormat
		case "png", "jpg":
		default:
			return nil, invalid("format must be png or jpg")
		}
		if r.ImageQuality == 0 {
			r.ImageQuality = DefaultImageQuality
		}
		if r.ImageQuality < 1 || r.ImageQuality > 100 {
			return nil, invalid("quality must be between 1 and 100")
		}
		if r.Scale == 0 {
			r.Scale = DefaultImageScale
		}
		if r.Scale < 0.1 || r.Scale > 8 {
			return nil, invalid("scale must be between 0.1 and 8")
		}
	}
	return pdf, nil
}

// DecodePDF strips a data URL prefix, decodes the base64 payload and
// checks that the result parses as a PDF.
func DecodePDF(b64 string) ([]byte, error) {
	b64 = strings.TrimSpace(b64)
	if b64 == "" {
		return nil, invalid("pdfBase64 is required")
	}
	if strings.HasPrefix(b64, "data:") {
		i := strings.Index(b64, ",")
		if i < 0 {
			return nil, invalid("malformed data URL")
		}
		b64 = b64[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(b64)
	}
	if err != nil {
		return nil, invalid("pdfBase64 is not valid base64")
	}
	if _, err := Inspect(data); err != nil {
		return nil, err
	}
	return data, nil
}

// payload is the body sent to the service for kind.
func (r *Request) payload(kind Kind) ([]byte, error) {
	body := map[string]any{
		"pdfBase64": r.PDFBase64,
		"filename":  r.Filename,
	}
	switch kind {
	case KindText:
		body["language"] = r.Language
	case KindCompress:
		body["quality"] = r.Quality
	case KindImage:
		body["format"] = r.Format
		body["quality"] = r.ImageQuality
		body["scale"] = r.Scale
	}
	return json.Marshal(body)
}

// options is the part of the request, besides the PDF, that changes the
// result. It feeds the cache key.
func (r *Request) options(kind Kind) string {
	switch kind {
	case KindText:
		return r.Language
	case KindCompress:
		return r.Quality
	case KindImage:
		return fmt.Sprintf("%s|%d|%g", r.Format, r.ImageQuality, r.Scale)
	}
	return ""
}
