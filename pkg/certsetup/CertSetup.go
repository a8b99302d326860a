// Package certsetup with device credential setup: symmetric key derivation, SAS tokens and
// ECDSA based X.509 certificates for devices that authenticate with a client certificate.
// Credits: https://gist.github.com/shaneutt/5e1995295cff6721c89a71d13a71c251
package certsetup

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io/ioutil"
	"math/big"
	"net"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const caDefaultValidityDuration = time.Hour * 24 * 364 * 10 // 10 years

// DefaultCertDuration of server and device certificates
const DefaultCertDuration = time.Hour * 24 * 365

// Standard certificate filenames all stored in PEM format
const (
	CaCertFile     = "caCert.pem" // CA that signed the server and device certificates
	CaKeyFile      = "caKey.pem"
	ServerCertFile = "serverCert.pem"
	ServerKeyFile  = "serverKey.pem"
	DeviceCertFile = "deviceCert.pem"
	DeviceKeyFile  = "deviceKey.pem"
)

// CreateCertificateBundle creates a CA, a server certificate and a device certificate
// in the given folder. Intended for testing and for setting up X.509 enrollment groups.
// This only creates missing certificates.
//  hostname the server certificate is valid for
//  deviceID is the CommonName of the device certificate
//  certFolder to store the PEM files
func CreateCertificateBundle(hostname string, deviceID string, certFolder string) error {
	var err error
	caCertPath := path.Join(certFolder, CaCertFile)
	caKeyPath := path.Join(certFolder, CaKeyFile)

	caCertPEM, _ := ioutil.ReadFile(caCertPath)
	caKeyPEM, _ := ioutil.ReadFile(caKeyPath)
	if caCertPEM == nil || caKeyPEM == nil {
		caCertPEM, caKeyPEM, err = CreateCA()
		if err != nil {
			return err
		}
		if err = ioutil.WriteFile(caKeyPath, caKeyPEM, 0600); err != nil {
			logrus.Errorf("CreateCertificateBundle: failed writing CA key: %s", err)
			return err
		}
		ioutil.WriteFile(caCertPath, caCertPEM, 0644)
	}

	serverCertPath := path.Join(certFolder, ServerCertFile)
	serverKeyPath := path.Join(certFolder, ServerKeyFile)
	if !fileExists(serverCertPath) || !fileExists(serverKeyPath) {
		serverKey := CreateECDSAKeys()
		serverCertPEM, err := CreateServerCert(hostname, &serverKey.PublicKey, caCertPEM, caKeyPEM)
		if err != nil {
			logrus.Errorf("CreateCertificateBundle: server certificate failed: %s", err)
			return err
		}
		if err = SavePrivateKeyToPEM(serverKey, "", serverKeyPath); err != nil {
			return err
		}
		ioutil.WriteFile(serverCertPath, serverCertPEM, 0644)
	}

	deviceCertPath := path.Join(certFolder, DeviceCertFile)
	deviceKeyPath := path.Join(certFolder, DeviceKeyFile)
	if !fileExists(deviceCertPath) || !fileExists(deviceKeyPath) {
		deviceKey := CreateECDSAKeys()
		deviceCertPEM, err := CreateDeviceCert(deviceID, &deviceKey.PublicKey, caCertPEM, caKeyPEM)
		if err != nil {
			logrus.Errorf("CreateCertificateBundle: device certificate failed: %s", err)
			return err
		}
		if err = SavePrivateKeyToPEM(deviceKey, "", deviceKeyPath); err != nil {
			return err
		}
		ioutil.WriteFile(deviceCertPath, deviceCertPEM, 0644)
	}
	return nil
}

// CreateCA creates a self signed root CA certificate and private key for signing server and
// device certificates.
// Returns the PEM encoded certificate and private key
func CreateCA() (certPEM []byte, keyPEM []byte, err error) {
	rootTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2021),
		Subject: pkix.Name{
			Organization: []string{"IoT Central device"},
			CommonName:   "Device CA",
		},
		NotBefore: time.Now().Add(-10 * time.Second),
		NotAfter:  time.Now().Add(caDefaultValidityDuration),
		// CA cert can be used to sign certificate and revocation lists
		KeyUsage:    x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},

		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	privKey := CreateECDSAKeys()
	keyPEM, err = PrivateKeyToPEM(privKey)
	if err != nil {
		return nil, nil, err
	}
	caCertDer, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &privKey.PublicKey, privKey)
	if err != nil {
		logrus.Errorf("CreateCA: Unable to create CA cert: %s", err)
		return nil, nil, err
	}
	return CertDerToPEM(caCertDer), keyPEM, nil
}

// CreateServerCert creates a TLS server certificate signed by the CA
//  hosts contains one or more comma separated DNS names or IP addresses. Localhost is always added
//  pubKey is the server public key
//  caCertPEM and caKeyPEM is the CA that signs the certificate
func CreateServerCert(hosts string, pubKey *ecdsa.PublicKey, caCertPEM []byte, caKeyPEM []byte) (certPEM []byte, err error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"IoT Central device"},
			CommonName:   "localhost",
		},
		NotBefore:   time.Now().Add(-10 * time.Second),
		NotAfter:    time.Now().Add(DefaultCertDuration),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:    []string{"localhost"},
	}
	for _, h := range strings.Split(hosts, ",") {
		if h == "" {
			continue
		} else if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	return signCert(template, pubKey, caCertPEM, caKeyPEM)
}

// CreateDeviceCert creates a client certificate for a device, signed by the CA.
// The hub and provisioning service identify the device by the certificate CommonName.
//  deviceID used as the CommonName
//  pubKey is the device public key
//  caCertPEM and caKeyPEM is the CA that signs the certificate
func CreateDeviceCert(deviceID string, pubKey *ecdsa.PublicKey, caCertPEM []byte, caKeyPEM []byte) (certPEM []byte, err error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"IoT Central device"},
			CommonName:   deviceID,
		},
		NotBefore:             time.Now().Add(-10 * time.Second),
		NotAfter:              time.Now().Add(DefaultCertDuration),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	return signCert(template, pubKey, caCertPEM, caKeyPEM)
}

func signCert(template *x509.Certificate, pubKey *ecdsa.PublicKey, caCertPEM []byte, caKeyPEM []byte) ([]byte, error) {
	caPrivKey, err := PrivateKeyFromPEM(caKeyPEM)
	if err != nil {
		return nil, err
	}
	caCert, err := CertFromPEM(caCertPEM)
	if err != nil {
		return nil, err
	}
	certDer, err := x509.CreateCertificate(rand.Reader, template, caCert, pubKey, caPrivKey)
	if err != nil {
		return nil, err
	}
	return CertDerToPEM(certDer), nil
}

// CertDerToPEM converts certificate DER encoding to PEM
//  derBytes is the output of x509.CreateCertificate
func CertDerToPEM(derCertBytes []byte) []byte {
	certPEMBuffer := new(bytes.Buffer)
	pem.Encode(certPEMBuffer, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: derCertBytes,
	})
	return certPEMBuffer.Bytes()
}

// CertFromPEM converts a PEM certificate to x509 instance
func CertFromPEM(certPEM []byte) (*x509.Certificate, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, errors.New("CertFromPEM pem.Decode failed")
	}
	return x509.ParseCertificate(certBlock.Bytes)
}

func fileExists(path string) bool {
	data, err := ioutil.ReadFile(path)
	return err == nil && len(data) > 0
}
