package certsetup

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/ioutil"
)

// LoadX509KeyPair loads a device certificate and its private key from PEM files.
// An encrypted private key is decrypted with the passphrase. Unencrypted keys ignore it.
//  certFile with the PEM encoded certificate
//  keyFile with the PEM encoded private key
//  passphrase of the private key or "" if not encrypted
func LoadX509KeyPair(certFile string, keyFile string, passphrase string) (*tls.Certificate, error) {
	certPEM, err := ioutil.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := ioutil.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("LoadX509KeyPair: no PEM data in '%s'", keyFile)
	}
	if x509.IsEncryptedPEMBlock(block) {
		if passphrase == "" {
			return nil, errors.New("LoadX509KeyPair: private key is encrypted and no passphrase is given")
		}
		der, err := x509.DecryptPEMBlock(block, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("LoadX509KeyPair: unable to decrypt private key: %s", err)
		}
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}
