package opcua

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/sirupsen/logrus"
)

// SecurityMode converts a security mode name to a ua.MessageSecurityMode.
// Unknown names fall back to None.
func SecurityMode(mode string) ua.MessageSecurityMode {
	switch strings.ToLower(mode) {
	case "sign":
		return ua.MessageSecurityModeSign
	case "sign&encrypt", "signandencrypt":
		return ua.MessageSecurityModeSignAndEncrypt
	}
	return ua.MessageSecurityModeNone
}

// SecurityPolicy converts a policy name to its URI. Unknown names fall back
// to None.
func SecurityPolicy(policy string) string {
	switch strings.ToLower(policy) {
	case "basic128rsa15":
		return ua.SecurityPolicyURIBasic128Rsa15
	case "basic256":
		return ua.SecurityPolicyURIBasic256
	case "basic256sha256":
		return ua.SecurityPolicyURIBasic256Sha256
	}
	return ua.SecurityPolicyURINone
}

// clientOptions builds the client options. Username and password win over
// anonymous authentication. Secured connections without configured
// certificate files get a generated self-signed certificate.
func clientOptions(cfg Config) ([]opcua.Option, error) {
	mode := SecurityMode(cfg.SecurityMode)
	opts := []opcua.Option{
		opcua.SecurityMode(mode),
		opcua.SecurityPolicy(SecurityPolicy(cfg.SecurityPolicy)),
		opcua.AutoReconnect(true),
		opcua.ReconnectInterval(15 * time.Second),
		opcua.RequestTimeout(cfg.Timeout),
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, opcua.AuthUsername(cfg.Username, cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	if mode == ua.MessageSecurityModeNone {
		return opts, nil
	}

	var cert tls.Certificate
	var err error
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("OPC-UA: failed to load client certificate and key: %w", err)
		}
	} else {
		logrus.Warnf("OPC-UA: no client certificate configured for %s, generating one", cfg.Endpoint)
		cert, err = generateCert("urn:vcp-gateway:client")
		if err != nil {
			return nil, err
		}
	}
	pk, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("OPC-UA: invalid private key type; expected RSA private key")
	}
	return append(opts, opcua.Certificate(cert.Certificate[0]), opcua.PrivateKey(pk)), nil
}

// generateCert creates a self-signed client certificate carrying the
// application URI uri.
func generateCert(uri string) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"vcp-gateway"}},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(5 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageContentCommitment | x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageDataEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	if u, err := url.Parse(uri); err == nil {
		template.URIs = append(template.URIs, u)
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	certPEM, keyPEM := bytes.NewBuffer(nil), bytes.NewBuffer(nil)
	if err := pem.Encode(certPEM, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return tls.Certificate{}, err
	}
	if err := pem.Encode(keyPEM, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}); err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(certPEM.Bytes(), keyPEM.Bytes())
}
