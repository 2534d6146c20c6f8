package tlsmgr

import (
	"crypto"
	"crypto/ecdsa"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	lego "github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/edgemesh/edged/internal/edgeerr"
)

// ChallengeMode selects which ACME challenge type a DomainsProvider uses.
type ChallengeMode int

const (
	ChallengeHTTP01 ChallengeMode = iota
	ChallengeDNS01
)

// DNSProvider is the subset of a lego DNS-01 challenge provider edged
// depends on; concrete DNS providers are wired in by the operator at
// configuration time (spec §4.A: "Providers are pluggable at configuration
// time only").
type DNSProvider interface {
	Present(domain, token, keyAuth string) error
	CleanUp(domain, token, keyAuth string) error
}

// acmeAccount adapts our in-memory account to lego's registration.User.
type acmeAccount struct {
	email string
	reg   *registration.Resource
	key   *ecdsa.PrivateKey
}

func (a *acmeAccount) GetEmail() string                        { return a.email }
func (a *acmeAccount) GetRegistration() *registration.Resource { return a.reg }
func (a *acmeAccount) GetPrivateKey() crypto.PrivateKey        { return a.key }

// ACMEProvider issues certificates through lego, matching the teacher's
// internal/remote/acme.Manager almost line for line but generalized to
// serve any vhost's domain set rather than one product's remote tunnel
// hostnames, and to support DNS-01 in addition to HTTP-01.
type ACMEProvider struct {
	mu           sync.Mutex
	directoryURL string
	email        string
	mode         ChallengeMode
	sink         *ChallengeSink
	dns          DNSProvider
	account      *acmeAccount
}

// NewACMEProvider constructs a provider bound to one ACME directory. sink is
// required for HTTP-01; dns is required for DNS-01.
func NewACMEProvider(directoryURL, email string, mode ChallengeMode, sink *ChallengeSink, dns DNSProvider) *ACMEProvider {
	return &ACMEProvider{directoryURL: directoryURL, email: email, mode: mode, sink: sink, dns: dns}
}

func (p *ACMEProvider) Name() string { return "acme" }

func (p *ACMEProvider) ChallengeSetup(token string) error    { return nil } // lego drives Present/CleanUp itself
func (p *ACMEProvider) ChallengeTeardown(token string) error { return nil }

func (p *ACMEProvider) ensureClient() (*lego.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.account == nil {
		key, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		p.account = &acmeAccount{email: p.email, key: key}
	}
	cfg := lego.NewConfig(p.account)
	cfg.CADirURL = p.directoryURL
	cfg.Certificate.KeyType = certcrypto.EC256
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	switch p.mode {
	case ChallengeHTTP01:
		if p.sink == nil {
			return nil, errors.New("tlsmgr: ACME HTTP-01 requires a ChallengeSink")
		}
		if err := client.Challenge.SetHTTP01Provider(&http01Bridge{sink: p.sink}); err != nil {
			return nil, err
		}
	case ChallengeDNS01:
		if p.dns == nil {
			return nil, errors.New("tlsmgr: ACME DNS-01 requires a DNSProvider")
		}
		if err := client.Challenge.SetDNS01Provider(&dns01Bridge{dns: p.dns}); err != nil {
			return nil, err
		}
	}
	if p.account.reg == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return nil, err
		}
		p.account.reg = reg
	}
	return client, nil
}

// Request obtains a certificate covering domains via lego. csr is unused
// (lego generates its own key/CSR per obtain call), kept in the signature
// to match the spec §4.A provider interface shape.
func (p *ACMEProvider) Request(_ []byte, domains []string) (*Certificate, error) {
	if len(domains) == 0 {
		return nil, edgeerr.New(edgeerr.ConfigError, "tlsmgr.no_domains", "ACME request requires at least one domain", nil)
	}
	client, err := p.ensureClient()
	if err != nil {
		return nil, fmt.Errorf("tlsmgr: acme client: %w", err)
	}
	res, err := client.Certificate.Obtain(certificate.ObtainRequest{Domains: domains, Bundle: true})
	if err != nil {
		return nil, fmt.Errorf("tlsmgr: acme obtain: %w", err)
	}
	return certificateFromLego(res, domains)
}

func certificateFromLego(res *certificate.Resource, domains []string) (*Certificate, error) {
	leafBlock, rest := pem.Decode(res.Certificate)
	if leafBlock == nil {
		return nil, errors.New("tlsmgr: empty certificate response")
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
		ID:         res.CertURL,
		Leaf:       leafBlock.Bytes,
		PrivateKey: res.PrivateKey,
		Chain:      chain,
		SANs:       domains,
		SourceTag:  SourceACME,
	}
	leaf, err := cert.Parsed()
	if err != nil {
		return nil, err
	}
	cert.NotBefore, cert.NotAfter = leaf.NotBefore, leaf.NotAfter
	return cert, nil
}

type http01Bridge struct{ sink *ChallengeSink }

func (b *http01Bridge) Present(domain, token, keyAuth string) error {
	b.sink.Put(token, keyAuth)
	return nil
}
func (b *http01Bridge) CleanUp(domain, token, keyAuth string) error {
	b.sink.Delete(token)
	return nil
}

type dns01Bridge struct{ dns DNSProvider }

func (b *dns01Bridge) Present(domain, token, keyAuth string) error {
	return b.dns.Present(domain, token, keyAuth)
}
func (b *dns01Bridge) CleanUp(domain, token, keyAuth string) error {
	return b.dns.CleanUp(domain, token, keyAuth)
}
