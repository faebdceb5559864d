package syncer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPImporter hands fetched documents to the external document importer
// over HTTP. The importer validates and persists the fiscal record; a
// non-2xx reply means the document was rejected.
type HTTPImporter struct {
	URL    string
	Client *http.Client
}

func NewHTTPImporter(url string, timeout time.Duration) *HTTPImporter {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPImporter{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (i *HTTPImporter) Import(ctx context.Context, tenantID, xml string, meta ImportMeta) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.URL, strings.NewReader(xml))
	if err != nil {
		return fmt.Errorf("build import request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("X-Tenant-ID", tenantID)
	req.Header.Set("X-Document-NSU", meta.Cursor)
	if meta.Schema != "" {
		req.Header.Set("X-Document-Schema", meta.Schema)
	}

	resp, err := i.Client.Do(req)
	if err != nil {
		return fmt.Errorf("import document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("importer status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
