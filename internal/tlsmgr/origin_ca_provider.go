package tlsmgr

import (
	"bytes"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"time"

	"github.com/edgemesh/edged/internal/edgeerr"
)

// OriginCAProvider requests certificates from a private CA operated by an
// upstream service (spec glossary: "Origin CA"), the way a CDN issues certs
// valid only between itself and the origin. It speaks a minimal JSON
// request/response contract over HTTPS; challenge setup/teardown are no-ops
// since Origin CA issuance is out-of-band (no HTTP-01/DNS-01 dance).
type OriginCAProvider struct {
	Endpoint   string
	AuthToken  string
	httpClient *http.Client
}

// NewOriginCAProvider constructs a provider bound to one Origin CA endpoint.
func NewOriginCAProvider(endpoint, authToken string) *OriginCAProvider {
	return &OriginCAProvider{
		Endpoint:  endpoint,
		AuthToken: authToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (p *OriginCAProvider) Name() string { return string(SourceOriginCA) }

func (p *OriginCAProvider) ChallengeSetup(token string) error    { return nil }
func (p *OriginCAProvider) ChallengeTeardown(token string) error { return nil }

type originCARequest struct {
	CSR     string   `json:"csr,omitempty"`
	Domains []string `json:"domains"`
}

type originCAResponse struct {
	Certificate string   `json:"certificate"` // PEM, leaf first
	PrivateKey  string   `json:"private_key"` // PEM
	NotAfter    time.Time `json:"not_after"`
	NotBefore   time.Time `json:"not_before"`
	SANs        []string `json:"sans"`
}

// Request submits a CSR (or a bare domain list, if csr is nil, asking the
// origin to generate the keypair) and parses the resulting certificate.
func (p *OriginCAProvider) Request(csr []byte, domains []string) (*Certificate, error) {
	reqBody := originCARequest{Domains: domains}
	if csr != nil {
		reqBody.CSR = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csr}))
	}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.AuthToken)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, edgeerr.New(edgeerr.TransientNetworkError, "tlsmgr.origin_ca_unreachable", "origin CA request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tlsmgr: origin CA responded %d", resp.StatusCode)
	}
	var out originCAResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("tlsmgr: origin CA response decode: %w", err)
	}
	leafBlock, rest := pem.Decode([]byte(out.Certificate))
	if leafBlock == nil {
		return nil, fmt.Errorf("tlsmgr: origin CA response had no certificate PEM block")
	}
	var chain [][]byte
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		chain = append(chain, block.Bytes)
	}
	cert := &Certificate{
		Leaf:       leafBlock.Bytes,
		PrivateKey: []byte(out.PrivateKey),
		Chain:      chain,
		NotBefore:  out.NotBefore,
		NotAfter:   out.NotAfter,
		SANs:       out.SANs,
		SourceTag:  SourceOriginCA,
	}
	if len(cert.SANs) == 0 {
		cert.SANs = domains
	}
	return cert, nil
}
