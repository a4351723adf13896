package convert

import (
	"bytes"
	"encoding/hex"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/crypto/blake2b"
)

// Info describes a parsed PDF.
type Info struct {
	Pages       int    `json:"pages"`
	Size        int64  `json:"size_bytes"`
	Fingerprint string `json:"fingerprint"` // hex blake2b-256 of the bytes
}

var pdfcpuSetup sync.Once

// Inspect parses data with pdfcpu in relaxed validation mode and returns
// its page count and digest. Anything pdfcpu cannot read is invalid input.
func Inspect(data []byte) (Info, error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return Info{}, invalid("not a PDF document")
	}
	pdfcpuSetup.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return Info{}, invalid("unreadable PDF: %v", err)
	}
	if ctx.PageCount < 1 {
		return Info{}, invalid("PDF has no pages")
	}
	sum := blake2b.Sum256(data)
	return Info{
		Pages:       ctx.PageCount,
		Size:        int64(len(data)),
		Fingerprint: hex.EncodeToString(sum[:]),
	}, nil
}
