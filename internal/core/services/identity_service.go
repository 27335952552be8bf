package services

import (
	"bufio"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fedstack/federation-server/internal/core/models"
	"github.com/fedstack/federation-server/pkg/logger"
)

// IdentityService verifies peer certificates against the federation's
// trusted root and revocation list, and maps a verified certificate to a
// collaborator identity. Verification happens during the TLS handshake, so
// no protocol message is processed for an unverified peer.
type IdentityService struct {
	roots   *x509.CertPool
	mu      sync.RWMutex
	revoked map[string]struct{}
	now     func() time.Time
}

func NewIdentityService(rootPEM []byte) (*IdentityService, error) {
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(rootPEM) {
		return nil, fmt.Errorf("no usable certificates in federation root bundle")
	}

	return &IdentityService{
		roots:   roots,
		revoked: make(map[string]struct{}),
		now:     time.Now,
	}, nil
}

// Fingerprint returns the hex-encoded SHA-256 digest of the certificate's
// DER encoding. This is the canonical collaborator key everywhere else.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// LoadRevocationList replaces the revocation set with the fingerprints read
// from r, one hex SHA-256 digest per line. Blank lines and #-comments are
// skipped. How the list is produced is the CA tooling's concern.
func (s *IdentityService) LoadRevocationList(r io.Reader) error {
	log := logger.WithComponent("identity_service")

	revoked := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := hex.DecodeString(line); err != nil {
			return fmt.Errorf("invalid fingerprint %q in revocation list: %w", line, err)
		}
		revoked[strings.ToLower(line)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read revocation list: %w", err)
	}

	s.mu.Lock()
	s.revoked = revoked
	s.mu.Unlock()

	log.Info().Int("entries", len(revoked)).Msg("Revocation list loaded")
	return nil
}

// Revoke adds a single fingerprint to the revocation set.
func (s *IdentityService) Revoke(fingerprint string) {
	s.mu.Lock()
	s.revoked[strings.ToLower(fingerprint)] = struct{}{}
	s.mu.Unlock()
}

func (s *IdentityService) isRevoked(fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[fingerprint]
	return ok
}

// Verify checks the presented certificate and returns the collaborator
// identity it attests to. The validity window is checked before the chain so
// an expired-but-trusted certificate reports ErrCertificateExpired rather
// than ErrUntrustedCertificate.
func (s *IdentityService) Verify(cert *x509.Certificate) (models.CollaboratorIdentity, error) {
	now := s.now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return models.CollaboratorIdentity{}, ErrCertificateExpired
	}

	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:       s.roots,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageAny},
	}); err != nil {
		return models.CollaboratorIdentity{}, fmt.Errorf("%w: %v", ErrUntrustedCertificate, err)
	}

	fingerprint := Fingerprint(cert)
	if s.isRevoked(fingerprint) {
		return models.CollaboratorIdentity{}, ErrCertificateRevoked
	}

	name := cert.Subject.CommonName
	if name == "" {
		name = fingerprint[:12]
	}

	return models.CollaboratorIdentity{
		Fingerprint: fingerprint,
		Name:        name,
	}, nil
}

// TLSServerConfig builds the aggregator's listener config: mutual TLS with
// client chains anchored at the federation root, verified once per
// connection during the handshake. A failed verification terminates the
// attempt before any request is read.
func (s *IdentityService) TLSServerConfig(certFile, keyFile string) (*tls.Config, error) {
	serverCert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server key pair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientCAs:    s.roots,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrUntrustedCertificate
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("failed to parse peer certificate: %w", err)
			}
			if _, err := s.Verify(leaf); err != nil {
				log := logger.WithComponent("identity_service")
				log.Warn().Err(err).Str("subject", leaf.Subject.CommonName).Msg("Rejected peer certificate")
				return err
			}
			return nil
		},
	}, nil
}
