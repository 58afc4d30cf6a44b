package ssl

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/tech-arch1tect/berth-unpack/internal/logging"
)

const (
	CertFileName = "server.crt"
	KeyFileName  = "server.key"
)

const validity = 365 * 24 * time.Hour

// CertificateManager keeps a self-signed server certificate in certDir,
// generating one on first use.
type CertificateManager struct {
	certDir string
	logger  *logging.Logger
}

func NewCertificateManager(certDir string, logger *logging.Logger) *CertificateManager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &CertificateManager{
		certDir: certDir,
		logger:  logger,
	}
}

// EnsureCertificates returns the certificate and key paths, generating the
// pair when either file is missing.
func (cm *CertificateManager) EnsureCertificates() (string, string, error) {
	certPath := filepath.Join(cm.certDir, CertFileName)
	keyPath := filepath.Join(cm.certDir, KeyFileName)

	if fileExists(certPath) && fileExists(keyPath) {
		cm.logger.Info("using existing TLS certificate",
			zap.String("cert_path", certPath),
			zap.String("key_path", keyPath),
		)
		return certPath, keyPath, nil
	}

	if err := cm.generateSelfSigned(certPath, keyPath); err != nil {
		cm.logger.Error("failed to generate self-signed certificate",
			zap.Error(err),
			zap.String("cert_dir", cm.certDir),
		)
		return "", "", fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	return certPath, keyPath, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (cm *CertificateManager) generateSelfSigned(certPath, keyPath string) error {
	if err := os.MkdirAll(cm.certDir, 0o700); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Berth Unpack"},
			CommonName:   "berth-unpack",
		},
		NotBefore:   notBefore,
		NotAfter:    notBefore.Add(validity),
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:    []string{"localhost", "berth-unpack"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", certDER, 0o644); err != nil {
		return err
	}
	if err := writePEM(keyPath, "PRIVATE KEY", keyDER, 0o600); err != nil {
		return err
	}

	cm.logger.Info("generated self-signed TLS certificate",
		zap.String("cert_path", certPath),
		zap.Time("valid_until", template.NotAfter),
	)
	return nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
