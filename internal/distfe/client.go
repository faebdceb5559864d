package distfe

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Document is one accepted entry: the server-assigned cursor and the
// decoded XML text.
type Document struct {
	Cursor string
	Schema string
	XML    string
}

// Result carries everything fetched in one run. FinalCursor is valid even
// when the run ends in an error, so the caller can persist progress.
type Result struct {
	Docs        []Document
	FinalCursor string
	Batches     int
}

// Client pulls documents from the remote distribution service.
type Client struct {
	ServiceURL  string
	Environment string
	FallbackUF  string
	MaxBatches  int
	Timeout     time.Duration

	// HTTPClient overrides the per-run client-certificate transport.
	// Tests use it; production leaves it nil.
	HTTPClient *http.Client

	Log zerolog.Logger
}

// FetchParams identify one tenant's pull.
type FetchParams struct {
	TaxID     string // 14-digit tax identifier
	Cursor    string // resume position, 15 digits
	Cert      CertMaterial
	CertState string // overrides Cert.State when set
}

// Fetch retrieves all new documents since the cursor, advancing as far as
// the server allows in one pass. The certificate transport is released on
// every exit path.
func (c *Client) Fetch(ctx context.Context, p FetchParams) (Result, error) {
	httpc := c.HTTPClient
	if httpc == nil {
		transport := &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{p.Cert.TLS},
				MinVersion:   tls.VersionTLS12,
			},
		}
		defer transport.CloseIdleConnections()
		httpc = &http.Client{Transport: transport, Timeout: c.timeout()}
	}

	state := p.CertState
	if state == "" {
		state = p.Cert.State
	}
	candidates := authorizerCandidates(state, c.FallbackUF)
	candIdx := 0

	cursor := padCursor(p.Cursor)
	if cursor == "" {
		cursor = padCursor("0")
	}
	res := Result{FinalCursor: cursor}
	seen := make(map[string]bool)

	maxBatches := c.MaxBatches
	if maxBatches <= 0 {
		maxBatches = 20
	}

	for batch := 0; batch < maxBatches; batch++ {
		var r reply
		for {
			var err error
			r, err = c.exchange(ctx, httpc, requestParams{
				Environment: c.Environment,
				Authorizer:  candidates[candIdx],
				TaxID:       p.TaxID,
				Cursor:      cursor,
			})
			if err != nil {
				return res, err
			}
			if r.Status != StatusWrongAuthorizer {
				break
			}
			// Wrong authorizing code: advance to the next candidate and
			// retry the same cursor. Exhausting the list surfaces the
			// last attempted status rather than failing silently.
			candIdx++
			if candIdx >= len(candidates) {
				return res, &ProtocolError{
					Status:     r.Status,
					Message:    r.Message,
					Authorizer: candidates[len(candidates)-1],
					LastCursor: r.LastCursor,
					MaxCursor:  r.MaxCursor,
				}
			}
			c.Log.Debug().Str("authorizer", candidates[candIdx]).Msg("authorizer rejected, trying next candidate")
		}

		if r.Status != StatusNoMore && r.Status != StatusMoreAvailable {
			return res, &ProtocolError{
				Status:     r.Status,
				Message:    r.Message,
				Authorizer: candidates[candIdx],
				LastCursor: r.LastCursor,
				MaxCursor:  r.MaxCursor,
			}
		}

		res.Batches++
		for _, entry := range r.Docs {
			if entry.Cursor != "" && seen[entry.Cursor] {
				continue
			}
			xmlText, err := decodeContent(entry.Content)
			if err != nil {
				c.Log.Warn().Str("nsu", entry.Cursor).Err(err).Msg("dropping undecodable entry")
				continue
			}
			if !accepted(entry.Schema, xmlText) {
				continue
			}
			seen[entry.Cursor] = true
			res.Docs = append(res.Docs, Document{Cursor: entry.Cursor, Schema: entry.Schema, XML: xmlText})
		}

		prev := cursor
		if r.LastCursor != "" {
			cursor = r.LastCursor
		}
		res.FinalCursor = cursor

		if r.Status == StatusNoMore {
			break
		}
		if r.MaxCursor != "" && cursor >= r.MaxCursor {
			break
		}
		if cursor == prev {
			// A server that reports more documents but refuses to advance
			// the cursor would loop forever.
			c.Log.Warn().Str("cursor", cursor).Msg("cursor stalled, stopping run")
			break
		}
	}

	return res, nil
}

// exchange submits one request, trying envelope format B only on a
// transport-level failure of format A.
func (c *Client) exchange(ctx context.Context, httpc *http.Client, p requestParams) (reply, error) {
	r, errA := c.submit(ctx, httpc, buildEnvelope(envelopeFormatA, p))
	if errA == nil {
		return r, nil
	}
	r, errB := c.submit(ctx, httpc, buildEnvelope(envelopeFormatB, p))
	if errB == nil {
		return r, nil
	}
	return reply{}, fmt.Errorf("both envelope formats failed: %v; %w", errA, errB)
}

func (c *Client) submit(ctx context.Context, httpc *http.Client, envelope string) (reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ServiceURL, strings.NewReader(envelope))
	if err != nil {
		return reply{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", `application/soap+xml; charset=utf-8; action="http://www.portalfiscal.inf.br/nfe/wsdl/NFeDistribuicaoDFe/nfeDistDFeInteresse"`)

	resp, err := httpc.Do(req)
	if err != nil {
		return reply{}, fmt.Errorf("submit envelope: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return reply{}, fmt.Errorf("http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return parseReply(resp.Body)
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 60 * time.Second
}
