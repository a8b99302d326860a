package certsetup_test

import (
	"crypto/x509"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wostzone/iotcentral-go/pkg/certsetup"
)

const testDeviceID = "device1"

func TestCertificateGeneration(t *testing.T) {
	caCertPEM, caKeyPEM, err := certsetup.CreateCA()
	require.NoError(t, err)

	deviceKey := certsetup.CreateECDSAKeys()
	deviceCertPEM, err := certsetup.CreateDeviceCert(testDeviceID, &deviceKey.PublicKey, caCertPEM, caKeyPEM)
	require.NoError(t, err)
	deviceCert, err := certsetup.CertFromPEM(deviceCertPEM)
	require.NoError(t, err)
	assert.Equal(t, testDeviceID, deviceCert.Subject.CommonName)

	serverKey := certsetup.CreateECDSAKeys()
	serverCertPEM, err := certsetup.CreateServerCert("127.0.0.1,myhost", &serverKey.PublicKey, caCertPEM, caKeyPEM)
	require.NoError(t, err)
	serverCert, err := certsetup.CertFromPEM(serverCertPEM)
	require.NoError(t, err)

	// verify the certificates against the CA
	certpool := x509.NewCertPool()
	require.True(t, certpool.AppendCertsFromPEM(caCertPEM))
	_, err = serverCert.Verify(x509.VerifyOptions{Roots: certpool, DNSName: "myhost"})
	assert.NoError(t, err, "Verify for server certificate failed")
	_, err = deviceCert.Verify(x509.VerifyOptions{
		Roots:     certpool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	assert.NoError(t, err, "Verify for device certificate failed")
}

func TestCertFromBadPEM(t *testing.T) {
	_, err := certsetup.CertFromPEM([]byte("not a cert"))
	assert.Error(t, err)
}

func TestCreateCertificateBundle(t *testing.T) {
	certFolder := t.TempDir()
	err := certsetup.CreateCertificateBundle("localhost", testDeviceID, certFolder)
	require.NoError(t, err)
	assert.FileExists(t, path.Join(certFolder, certsetup.CaCertFile))
	assert.FileExists(t, path.Join(certFolder, certsetup.ServerCertFile))
	assert.FileExists(t, path.Join(certFolder, certsetup.DeviceKeyFile))

	// existing certificates are kept
	before, _ := os.ReadFile(path.Join(certFolder, certsetup.DeviceCertFile))
	err = certsetup.CreateCertificateBundle("localhost", testDeviceID, certFolder)
	require.NoError(t, err)
	after, _ := os.ReadFile(path.Join(certFolder, certsetup.DeviceCertFile))
	assert.Equal(t, before, after)
}

func TestLoadX509KeyPair(t *testing.T) {
	certFolder := t.TempDir()
	require.NoError(t, certsetup.CreateCertificateBundle("localhost", testDeviceID, certFolder))
	certFile := path.Join(certFolder, certsetup.DeviceCertFile)
	keyFile := path.Join(certFolder, certsetup.DeviceKeyFile)

	cert, err := certsetup.LoadX509KeyPair(certFile, keyFile, "")
	require.NoError(t, err)
	assert.NotNil(t, cert.PrivateKey)

	// a passphrase is ignored for unencrypted keys
	cert, err = certsetup.LoadX509KeyPair(certFile, keyFile, "secret")
	require.NoError(t, err)
	assert.NotNil(t, cert)

	_, err = certsetup.LoadX509KeyPair(certFile, "/not/a/key.pem", "")
	assert.Error(t, err)
}

func TestLoadEncryptedX509KeyPair(t *testing.T) {
	certFolder := t.TempDir()
	caCertPEM, caKeyPEM, err := certsetup.CreateCA()
	require.NoError(t, err)
	deviceKey := certsetup.CreateECDSAKeys()
	deviceCertPEM, err := certsetup.CreateDeviceCert(testDeviceID, &deviceKey.PublicKey, caCertPEM, caKeyPEM)
	require.NoError(t, err)
	certFile := path.Join(certFolder, "cert.pem")
	keyFile := path.Join(certFolder, "key.pem")
	require.NoError(t, os.WriteFile(certFile, deviceCertPEM, 0644))
	require.NoError(t, certsetup.SavePrivateKeyToPEM(deviceKey, "secret", keyFile))

	cert, err := certsetup.LoadX509KeyPair(certFile, keyFile, "secret")
	require.NoError(t, err)
	assert.NotNil(t, cert)

	_, err = certsetup.LoadX509KeyPair(certFile, keyFile, "")
	assert.Error(t, err)
	_, err = certsetup.LoadX509KeyPair(certFile, keyFile, "wrong")
	assert.Error(t, err)
}
