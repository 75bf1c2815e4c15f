package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type certFiles struct {
	cert, key string
	leaf      *x509.Certificate
}

// writeSelfSigned writes a self-signed certificate usable as its own CA.
func writeSelfSigned(t *testing.T, cn string) certFiles {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	dir := t.TempDir()
	files := certFiles{
		cert: filepath.Join(dir, cn+".pem"),
		key:  filepath.Join(dir, cn+".key"),
		leaf: leaf,
	}
	require.NoError(t, os.WriteFile(files.cert,
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	require.NoError(t, os.WriteFile(files.key,
		pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}), 0o600))
	return files
}

func TestLoadServerConfig(t *testing.T) {
	cfg, err := LoadServerConfig(ServerConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg, "disabled TLS yields no config")

	server := writeSelfSigned(t, "gateway")
	cfg, err = LoadServerConfig(ServerConfig{Enabled: true, CertFile: server.cert, KeyFile: server.key, MinVersion: "1.3"})
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)

	_, err = LoadServerConfig(ServerConfig{Enabled: true, CertFile: server.cert, KeyFile: filepath.Join(t.TempDir(), "missing.key")})
	require.Error(t, err)
}

func TestLoadServerConfig_ClientCerts(t *testing.T) {
	server := writeSelfSigned(t, "gateway")
	client := writeSelfSigned(t, "dashboard")

	cfg, err := LoadServerConfig(ServerConfig{
		Enabled:           true,
		CertFile:          server.cert,
		KeyFile:           server.key,
		ClientCAFiles:     []string{client.cert},
		RequireClientCert: true,
		AllowedClientCNs:  []string{"dashboard"},
	})
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	require.NotNil(t, cfg.ClientCAs)
	require.NotNil(t, cfg.VerifyPeerCertificate)
	assert.NoError(t, cfg.VerifyPeerCertificate(nil, [][]*x509.Certificate{{client.leaf}}))
	assert.Error(t, cfg.VerifyPeerCertificate(nil, [][]*x509.Certificate{{server.leaf}}))

	cfg, err = LoadServerConfig(ServerConfig{
		Enabled: true, CertFile: server.cert, KeyFile: server.key, ClientCAFiles: []string{client.cert},
	})
	require.NoError(t, err)
	assert.Equal(t, tls.VerifyClientCertIfGiven, cfg.ClientAuth)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not pem"), 0o644))
	_, err = LoadServerConfig(ServerConfig{Enabled: true, CertFile: server.cert, KeyFile: server.key, ClientCAFiles: []string{bad}})
	require.Error(t, err)
}

func TestLoadClientConfig(t *testing.T) {
	cfg, err := LoadClientConfig(ClientConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg)

	ca := writeSelfSigned(t, "nats-ca")
	client := writeSelfSigned(t, "tripscope")
	cfg, err = LoadClientConfig(ClientConfig{
		Enabled:  true,
		CAFiles:  []string{ca.cert},
		CertFile: client.cert,
		KeyFile:  client.key,
	})
	require.NoError(t, err)
	require.NotNil(t, cfg.RootCAs)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.False(t, cfg.InsecureSkipVerify)

	_, err = LoadClientConfig(ClientConfig{Enabled: true, CAFiles: []string{filepath.Join(t.TempDir(), "none.pem")}})
	require.Error(t, err)
}

func TestVerifyAllowedClientCN(t *testing.T) {
	c := writeSelfSigned(t, "dash")
	assert.NoError(t, verifyAllowedClientCN([][]*x509.Certificate{{c.leaf}}, []string{"x", "dash"}))
	assert.Error(t, verifyAllowedClientCN([][]*x509.Certificate{{c.leaf}}, []string{"x"}))
	assert.Error(t, verifyAllowedClientCN(nil, []string{"dash"}))
}
