package distfe

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// The service accepts two functionally-equivalent SOAP 1.2 envelope
// renditions. Format B exists because some regional gateways choke on the
// default-namespace form; it is tried only after a transport-level failure
// of format A.
const (
	envelopeFormatA = iota
	envelopeFormatB
)

type requestParams struct {
	Environment string
	Authorizer  string
	TaxID       string
	Cursor      string
}

func buildEnvelope(format int, p requestParams) string {
	payload := fmt.Sprintf(
		`<distDFeInt xmlns="http://www.portalfiscal.inf.br/nfe" versao="1.01">`+
			`<tpAmb>%s</tpAmb><cUFAutor>%s</cUFAutor><CNPJ>%s</CNPJ>`+
			`<distNSU><ultNSU>%s</ultNSU></distNSU></distDFeInt>`,
		p.Environment, p.Authorizer, p.TaxID, p.Cursor)

	if format == envelopeFormatB {
		return `<soapenv:Envelope xmlns:soapenv="http://www.w3.org/2003/05/soap-envelope" ` +
			`xmlns:nfe="http://www.portalfiscal.inf.br/nfe/wsdl/NFeDistribuicaoDFe">` +
			`<soapenv:Header/><soapenv:Body><nfe:nfeDistDFeInteresse><nfe:nfeDadosMsg>` +
			payload +
			`</nfe:nfeDadosMsg></nfe:nfeDistDFeInteresse></soapenv:Body></soapenv:Envelope>`
	}
	return `<soap12:Envelope xmlns:soap12="http://www.w3.org/2003/05/soap-envelope">` +
		`<soap12:Body><nfeDistDFeInteresse xmlns="http://www.portalfiscal.inf.br/nfe/wsdl/NFeDistribuicaoDFe">` +
		`<nfeDadosMsg>` + payload + `</nfeDadosMsg></nfeDistDFeInteresse></soap12:Body></soap12:Envelope>`
}

// reply is the protocol payload extracted from a server response.
type reply struct {
	Status     string
	Message    string
	LastCursor string
	MaxCursor  string
	Docs       []docEntry
}

type docEntry struct {
	Cursor  string
	Schema  string
	Content string // base64(gzip(xml))
}

type retDistDFeInt struct {
	CStat   string `xml:"cStat"`
	XMotivo string `xml:"xMotivo"`
	UltNSU  string `xml:"ultNSU"`
	MaxNSU  string `xml:"maxNSU"`
	Lote    struct {
		Docs []struct {
			NSU     string `xml:"NSU,attr"`
			Schema  string `xml:"schema,attr"`
			Content string `xml:",chardata"`
		} `xml:"docZip"`
	} `xml:"loteDistDFeInt"`
}

// parseReply locates the retDistDFeInt element anywhere in the response
// body. The transport sometimes nests the protocol payload inside a
// generic result wrapper, so the search is positional, not structural.
func parseReply(body io.Reader) (reply, error) {
	dec := xml.NewDecoder(body)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return reply{}, fmt.Errorf("response has no retDistDFeInt element")
		}
		if err != nil {
			return reply{}, fmt.Errorf("decode response: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "retDistDFeInt" {
			continue
		}

		var ret retDistDFeInt
		if err := dec.DecodeElement(&ret, &start); err != nil {
			return reply{}, fmt.Errorf("decode retDistDFeInt: %w", err)
		}
		r := reply{
			Status:     strings.TrimSpace(ret.CStat),
			Message:    strings.TrimSpace(ret.XMotivo),
			LastCursor: padCursor(strings.TrimSpace(ret.UltNSU)),
			MaxCursor:  padCursor(strings.TrimSpace(ret.MaxNSU)),
		}
		for _, d := range ret.Lote.Docs {
			r.Docs = append(r.Docs, docEntry{
				Cursor:  padCursor(strings.TrimSpace(d.NSU)),
				Schema:  strings.TrimSpace(d.Schema),
				Content: strings.TrimSpace(d.Content),
			})
		}
		return r, nil
	}
}

// padCursor left-pads a cursor to the fixed 15-digit width.
func padCursor(v string) string {
	if v == "" {
		return v
	}
	for len(v) < 15 {
		v = "0" + v
	}
	return v
}
