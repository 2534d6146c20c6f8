package tlsmgr

import (
	"container/heap"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/edgemesh/edged/internal/logging"
)

var log = logging.Component("tlsmgr")

// defaultRenewalWindow is how far ahead of expiry a certificate is queued
// for renewal unless SetRenewalWindow overrides it (spec §4.A: "now >=
// not-after - renewal_window").
const defaultRenewalWindow = 30 * 24 * time.Hour

// Store is the SNI-keyed certificate resolver and renewal driver from spec
// §4.A. resolve is synchronous and does no I/O; renewal runs as a
// background task against a time-ordered queue.
type Store struct {
	mu       sync.RWMutex
	byName   map[string]*Certificate // lowercased exact SAN -> cert
	byID     map[string]*Certificate
	defaultC *Certificate

	renewalWindow time.Duration
	providers     map[string]Provider

	queueMu sync.Mutex
	queue   renewalQueue

	wakeCh chan struct{}
}

// NewStore constructs an empty certificate store.
func NewStore() *Store {
	return &Store{
		byName:        make(map[string]*Certificate),
		byID:          make(map[string]*Certificate),
		renewalWindow: defaultRenewalWindow,
		providers:     make(map[string]Provider),
		wakeCh:        make(chan struct{}, 1),
	}
}

// RegisterProvider makes an issuance provider available to the renewal
// loop. Providers are pluggable at configuration time only (spec §4.A).
func (s *Store) RegisterProvider(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.Name()] = p
}

// SetRenewalWindow overrides the default renewal lead time.
func (s *Store) SetRenewalWindow(d time.Duration) {
	s.mu.Lock()
	s.renewalWindow = d
	s.mu.Unlock()
}

// Install atomically installs a certificate, indexing it by every SAN and
// by ID, and schedules it for renewal. Install never performs I/O itself;
// the replacement is assumed already verified by the caller (parsed,
// chained, covering SANs, not expired) per spec §4.A.
func (s *Store) Install(cert *Certificate) {
	s.mu.Lock()
	s.byID[cert.ID] = cert
	for _, san := range cert.SANs {
		s.byName[normalizeHost(san)] = cert
	}
	if s.defaultC == nil {
		s.defaultC = cert
	}
	s.mu.Unlock()

	s.scheduleRenewal(cert)
}

// SetDefault designates the certificate served when SNI is absent or
// unmatched (spec §4.A).
func (s *Store) SetDefault(cert *Certificate) {
	s.mu.Lock()
	s.defaultC = cert
	s.mu.Unlock()
}

// ErrNoDefaultCertificate is returned by Resolve (surfaced as a TLS
// unrecognized_name alert by the listener) when SNI does not match any
// installed certificate and no default is configured.
var ErrNoDefaultCertificate = errors.New("tlsmgr: no certificate matches SNI and no default is configured")

// Resolve implements spec §4.A's resolve(sni) -> Certificate contract: it is
// synchronous, performs no I/O, and is O(1) average (a hash lookup, which
// satisfies the O(log N) budget with room to spare) in the number of
// installed certificates.
func (s *Store) Resolve(sni string) (*tls.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sni != "" {
		if cert, ok := s.byName[normalizeHost(sni)]; ok {
			return cert.TLSCertificate()
		}
	}
	if s.defaultC != nil {
		return s.defaultC.TLSCertificate()
	}
	return nil, ErrNoDefaultCertificate
}

// MarkExpiring forces a certificate into the renewal queue as due now,
// regardless of its natural schedule slot.
func (s *Store) MarkExpiring(certID string) {
	s.mu.RLock()
	_, ok := s.byID[certID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.queueMu.Lock()
	heap.Push(&s.queue, &renewalItem{certID: certID, dueAt: time.Now()})
	s.queueMu.Unlock()
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Store) scheduleRenewal(cert *Certificate) {
	s.queueMu.Lock()
	heap.Push(&s.queue, &renewalItem{certID: cert.ID, dueAt: cert.NotAfter.Add(-s.renewalWindow)})
	s.queueMu.Unlock()
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// renewalItem is one entry in the time-ordered renewal queue.
type renewalItem struct {
	certID string
	dueAt  time.Time
	index  int
}

type renewalQueue []*renewalItem

func (q renewalQueue) Len() int            { return len(q) }
func (q renewalQueue) Less(i, j int) bool  { return q[i].dueAt.Before(q[j].dueAt) }
func (q renewalQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index, q[j].index = i, j }
func (q *renewalQueue) Push(x interface{}) {
	item := x.(*renewalItem)
	item.index = len(*q)
	*q = append(*q, item)
}
func (q *renewalQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// RunRenewalLoop drives the background renewal task (spec §4.A) until ctx
// is canceled. Each due certificate is renewed via one of the registered
// providers (selected by the certificate's SourceTag); failed renewals
// back off exponentially up to a ceiling.
func (s *Store) RunRenewalLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		s.processDue(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wakeCh:
		}
	}
}

func (s *Store) processDue(ctx context.Context) {
	now := time.Now()
	for {
		s.queueMu.Lock()
		if s.queue.Len() == 0 || s.queue[0].dueAt.After(now) {
			s.queueMu.Unlock()
			return
		}
		item := heap.Pop(&s.queue).(*renewalItem)
		s.queueMu.Unlock()

		s.mu.RLock()
		cert, ok := s.byID[item.certID]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		s.renewOne(ctx, cert)
	}
}

func (s *Store) renewOne(ctx context.Context, cert *Certificate) {
	s.mu.RLock()
	provider := s.providers[string(cert.SourceTag)]
	s.mu.RUnlock()
	if provider == nil {
		log.Printf("WARN: no provider registered for source %s, cannot renew %s", cert.SourceTag, cert.ID)
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // the caller bounds overall duration via the context
	bo.MaxInterval = time.Hour

	operation := func() error {
		replacement, err := provider.Request(nil, cert.SANs)
		if err != nil {
			return err
		}
		if err := s.verifyReplacement(cert, replacement); err != nil {
			return backoff.Permanent(err)
		}
		s.Install(replacement)
		log.Printf("INFO: renewed certificate %s via %s, new expiry %s", cert.ID, provider.Name(), replacement.NotAfter)
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	if err != nil {
		lastTenth := cert.NotAfter.Add(-cert.NotAfter.Sub(cert.NotBefore) / 10)
		if time.Now().After(lastTenth) {
			log.Printf("ERROR: certificate %s renewal failing within final 1/10th of validity window: %v", cert.ID, err)
		} else {
			log.Printf("WARN: certificate %s renewal failed, will retry: %v", cert.ID, err)
		}
		// The existing certificate is never unloaded on a failed renewal
		// (spec §4.A).
	}
}

// verifyReplacement checks the four acceptance criteria from spec §4.A
// before a renewal is allowed to swap in: it parses, it chains to a valid
// leaf, it covers every original SAN, and it is not already expired.
func (s *Store) verifyReplacement(original, replacement *Certificate) error {
	leaf, err := replacement.Parsed()
	if err != nil {
		return fmt.Errorf("tlsmgr: replacement does not parse: %w", err)
	}
	if time.Now().After(leaf.NotAfter) {
		return errors.New("tlsmgr: replacement is already expired")
	}
	if !replacement.covers(original.SANs) {
		return errors.New("tlsmgr: replacement does not cover all original SANs")
	}
	if _, err := replacement.TLSCertificate(); err != nil {
		return fmt.Errorf("tlsmgr: replacement key/chain invalid: %w", err)
	}
	return nil
}

func normalizeHost(s string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), "."))
}

func parsePrivateKeyPEM(data []byte) (interface{}, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("tlsmgr: no PEM block found in private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("tlsmgr: unsupported private key encoding: %w", err)
	}
	switch key.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
		return key, nil
	default:
		return nil, errors.New("tlsmgr: unsupported private key type")
	}
}

// GenerateKey returns a fresh ECDSA P-256 key, matching the teacher's ACME
// account key convention (internal/remote/acme uses the same curve).
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}
