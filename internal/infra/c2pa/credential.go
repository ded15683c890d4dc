package c2pa

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// TestSignerCommonName marks manifests signed with the built-in credential.
const TestSignerCommonName = "imgate test signer (NOT FOR PRODUCTION)"

// Credential is the certificate chain and EC key used to sign manifests.
type Credential struct {
	Chain []*x509.Certificate
	Key   *ecdsa.PrivateKey
	Test  bool
}

func (c *Credential) leaf() *x509.Certificate {
	if c == nil || len(c.Chain) == 0 {
		return nil
	}
	return c.Chain[0]
}

// LoadCredential parses a PEM certificate chain (leaf first) and a PEM EC
// private key. Literal "\n" sequences are accepted so both values can be
// passed through single-line environment variables.
func LoadCredential(certPEM, keyPEM string) (*Credential, error) {
	certPEM = unescapePEM(certPEM)
	keyPEM = unescapePEM(keyPEM)

	var chain []*x509.Certificate
	rest := []byte(certPEM)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse signer certificate: %w", err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, errors.New("signer certificate: no CERTIFICATE block found")
	}

	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, errors.New("signer key: no PEM block found")
	}
	key, err := parseECKey(block)
	if err != nil {
		return nil, err
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("signer key: ES256 requires P-256, got %s", key.Curve.Params().Name)
	}
	pub, ok := chain[0].PublicKey.(*ecdsa.PublicKey)
	if !ok || !pub.Equal(&key.PublicKey) {
		return nil, errors.New("signer key does not match certificate")
	}
	return &Credential{Chain: chain, Key: key}, nil
}

func parseECKey(block *pem.Block) (*ecdsa.PrivateKey, error) {
	if k, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		ec, ok := k.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("signer key: expected EC key, got %T", k)
		}
		return ec, nil
	}
	k, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	return k, nil
}

func unescapePEM(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), `\n`, "\n")
}

// NewTestCredential generates a self-signed P-256 credential. Manifests
// signed with it report TestSigner and must never be presented as
// production provenance.
func NewTestCredential(now time.Time) (*Credential, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate test key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	name := pkix.Name{CommonName: TestSignerCommonName, Organization: []string{"imgate"}}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               name,
		Issuer:                name,
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create test certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Credential{Chain: []*x509.Certificate{cert}, Key: key, Test: true}, nil
}

// EncodePEM renders the credential back to PEM, used by the keygen command.
func (c *Credential) EncodePEM() (certPEM, keyPEM string, err error) {
	var cb strings.Builder
	for _, cert := range c.Chain {
		if err := pem.Encode(&cb, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
			return "", "", err
		}
	}
	der, err := x509.MarshalPKCS8PrivateKey(c.Key)
	if err != nil {
		return "", "", err
	}
	var kb strings.Builder
	if err := pem.Encode(&kb, &pem.Block{Type: "PRIVATE KEY", Bytes: der}); err != nil {
		return "", "", err
	}
	return cb.String(), kb.String(), nil
}
