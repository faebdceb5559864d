package distfe

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// Schemas naming finalized/authorized document types. Entries declaring
// anything else (events, summaries, cancellations) are dropped.
var acceptedSchemaPrefixes = []string{"procNFe"}

// Root elements accepted when an entry declares no schema at all. This is
// a sniffing heuristic; keep the set small.
var acceptedRootTags = []string{"<nfeProc", "<NFe"}

// decodeContent unwraps base64 + gzip into the document text.
func decodeContent(content string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("gzip open: %w", err)
	}
	defer zr.Close()
	xmlBytes, err := io.ReadAll(zr)
	if err != nil {
		return "", fmt.Errorf("gzip read: %w", err)
	}
	return string(xmlBytes), nil
}

// accepted reports whether a decoded entry is a finalized document we
// should hand to the importer.
func accepted(schema, xmlText string) bool {
	if schema != "" {
		for _, p := range acceptedSchemaPrefixes {
			if strings.HasPrefix(schema, p) {
				return true
			}
		}
		return false
	}
	trimmed := strings.TrimSpace(strings.TrimPrefix(xmlText, "\ufeff"))
	if strings.HasPrefix(trimmed, "<?") {
		if idx := strings.Index(trimmed, "?>"); idx >= 0 {
			trimmed = strings.TrimSpace(trimmed[idx+2:])
		}
	}
	for _, tag := range acceptedRootTags {
		if strings.HasPrefix(trimmed, tag) {
			return true
		}
	}
	return false
}
