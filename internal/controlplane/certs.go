package controlplane

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"fleetd/internal/ferr"
)

// CertPaths is the fixed on-disk layout under TLS_CERT_DIR, grounded
// on original_source's certs.rs CERT_DIR convention.
type CertPaths struct {
	CACert   string
	NodeCert string
	NodeKey  string
}

func certPaths(dir string) CertPaths {
	return CertPaths{
		CACert:   filepath.Join(dir, "ca.crt"),
		NodeCert: filepath.Join(dir, "node.crt"),
		NodeKey:  filepath.Join(dir, "node.key"),
	}
}

// LoadOrGenerateTLSConfig builds a *tls.Config presenting the node's
// own certificate and trusting the local CA, for either server or
// client use (ClientAuth/ClientCAs are set by the caller as needed).
//
// In production this refuses to run without pre-provisioned
// credentials at TLS_CERT_DIR (spec §6.6: "the endpoint refuses to
// start without credentials"). In development, a missing cert
// triple is generated on first run: a self-signed CA plus one node
// certificate signed by it, mirroring original_source's
// generate_self_signed.
func LoadOrGenerateTLSConfig(certDir, nodeID string, production bool) (*tls.Config, error) {
	paths := certPaths(certDir)

	if !filesExist(paths.CACert, paths.NodeCert, paths.NodeKey) {
		if production {
			return nil, ferr.New(ferr.ConfigInvalid, "LoadOrGenerateTLSConfig", "production mode requires pre-provisioned TLS credentials at "+certDir)
		}
		if err := generateSelfSigned(certDir, paths, nodeID); err != nil {
			return nil, err
		}
	}

	cert, err := tls.LoadX509KeyPair(paths.NodeCert, paths.NodeKey)
	if err != nil {
		return nil, ferr.Wrap(ferr.Crypto, "LoadOrGenerateTLSConfig", err)
	}

	caPEM, err := os.ReadFile(paths.CACert)
	if err != nil {
		return nil, ferr.Wrap(ferr.IO, "LoadOrGenerateTLSConfig", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, ferr.New(ferr.Crypto, "LoadOrGenerateTLSConfig", "no certificates parsed from "+paths.CACert)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ClientCAs:    pool,
	}, nil
}

func filesExist(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// generateSelfSigned writes a fresh CA + node certificate pair to
// certDir. No pack example generates X.509 certificates (rcgen has no
// Go ecosystem analogue among the pack's dependencies), so this uses
// stdlib crypto/x509 directly rather than reaching for an unrelated
// third-party library to do what fits in one function.
func generateSelfSigned(certDir string, paths CertPaths, nodeID string) error {
	if err := os.MkdirAll(certDir, 0o755); err != nil {
		return ferr.Wrap(ferr.IO, "generateSelfSigned", err)
	}

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return ferr.Wrap(ferr.Crypto, "generateSelfSigned", err)
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fleetd root CA", Organization: []string{"fleetd"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return ferr.Wrap(ferr.Crypto, "generateSelfSigned", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return ferr.Wrap(ferr.Crypto, "generateSelfSigned", err)
	}

	nodeKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return ferr.Wrap(ferr.Crypto, "generateSelfSigned", err)
	}
	nodeTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: nodeID, Organization: []string{"fleetd"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{nodeID, "localhost"},
	}
	nodeDER, err := x509.CreateCertificate(rand.Reader, nodeTemplate, caCert, &nodeKey.PublicKey, caKey)
	if err != nil {
		return ferr.Wrap(ferr.Crypto, "generateSelfSigned", err)
	}

	if err := writePEM(paths.CACert, "CERTIFICATE", caDER, 0o644); err != nil {
		return err
	}
	if err := writePEM(paths.NodeCert, "CERTIFICATE", nodeDER, 0o644); err != nil {
		return err
	}
	keyBytes, err := x509.MarshalECPrivateKey(nodeKey)
	if err != nil {
		return ferr.Wrap(ferr.Crypto, "generateSelfSigned", err)
	}
	if err := writePEM(paths.NodeKey, "EC PRIVATE KEY", keyBytes, 0o600); err != nil {
		return err
	}
	return nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return ferr.Wrap(ferr.IO, "writePEM", err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return ferr.Wrap(ferr.IO, "writePEM", err)
	}
	return nil
}
