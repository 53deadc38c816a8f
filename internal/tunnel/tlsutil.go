package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const alpn = "quictunnel"

// CertPaths names the PEM files making up one side of the mutual-TLS setup.
// All files share a common prefix, the cert name.
type CertPaths struct {
	CA   string
	Cert string
	Key  string
}

func ServerCertPaths(name string) CertPaths {
	return CertPaths{
		CA:   name + "_ca.pem",
		Cert: name + "_server.pem",
		Key:  name + "_server.key.pem",
	}
}

func ClientCertPaths(name string) CertPaths {
	return CertPaths{
		CA:   name + "_ca.pem",
		Cert: name + "_client.pem",
		Key:  name + "_client.key.pem",
	}
}

func loadCertPool(path string) (*x509.CertPool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tunnel: read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, fmt.Errorf("tunnel: no certificates in %s", path)
	}
	return pool, nil
}

// ServerTLSConfig requires peers to present a certificate signed by the CA.
func ServerTLSConfig(p CertPaths) (*tls.Config, error) {
	pool, err := loadCertPool(p.CA)
	if err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(p.Cert, p.Key)
	if err != nil {
		return nil, fmt.Errorf("tunnel: load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{alpn},
	}, nil
}

// ClientTLSConfig keeps a session cache so reconnects can resume with 0-RTT.
func ClientTLSConfig(p CertPaths, serverName string) (*tls.Config, error) {
	pool, err := loadCertPool(p.CA)
	if err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(p.Cert, p.Key)
	if err != nil {
		return nil, fmt.Errorf("tunnel: load client certificate: %w", err)
	}
	if serverName == "" {
		serverName = "localhost"
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		RootCAs:            pool,
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{alpn},
		ClientSessionCache: tls.NewLRUClientSessionCache(64),
	}, nil
}

var ErrCertificatesExist = errors.New("tunnel: certificate files already exist")

// GenerateCertificates writes a fresh CA plus server and client certificates
// under the given name prefix. hosts become the server certificate's SANs;
// existing files are never overwritten.
func GenerateCertificates(name string, hosts []string) error {
	if name == "" {
		return errors.New("tunnel: cert name is required")
	}
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1", "::1"}
	}
	srv, cli := ServerCertPaths(name), ClientCertPaths(name)
	for _, p := range []string{srv.CA, srv.Cert, srv.Key, cli.Cert, cli.Key} {
		if fileExists(p) {
			return fmt.Errorf("%w: %s", ErrCertificatesExist, p)
		}
	}
	if dir := filepath.Dir(name); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	caPub, caKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	caTmpl, err := certTemplate(name + " CA")
	if err != nil {
		return err
	}
	caTmpl.IsCA = true
	caTmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, caPub, caKey)
	if err != nil {
		return err
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return err
	}
	if err := writePEM(srv.CA, "CERTIFICATE", caDER, 0o644); err != nil {
		return err
	}

	issue := func(cn string, usage x509.ExtKeyUsage, paths CertPaths, sans []string) error {
		pub, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return err
		}
		tmpl, err := certTemplate(cn)
		if err != nil {
			return err
		}
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{usage}
		for _, h := range sans {
			if ip := net.ParseIP(h); ip != nil {
				tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
			} else {
				tmpl.DNSNames = append(tmpl.DNSNames, h)
			}
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, pub, caKey)
		if err != nil {
			return err
		}
		keyDER, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return err
		}
		if err := writePEM(paths.Cert, "CERTIFICATE", der, 0o644); err != nil {
			return err
		}
		return writePEM(paths.Key, "PRIVATE KEY", keyDER, 0o600)
	}

	if err := issue(name+" server", x509.ExtKeyUsageServerAuth, srv, hosts); err != nil {
		return err
	}
	return issue(name+" client", x509.ExtKeyUsageClientAuth, cli, nil)
}

func certTemplate(cn string) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	return &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-1 * time.Minute),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		BasicConstraintsValid: true,
	}, nil
}

func writePEM(path, typ string, der []byte, mode os.FileMode) error {
	b := pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
	return os.WriteFile(path, b, mode)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}
