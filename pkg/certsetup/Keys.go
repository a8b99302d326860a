package certsetup

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io/ioutil"
)

//---------------------------------------------------------------------------------
// ECDSA device key management
//---------------------------------------------------------------------------------

// CreateECDSAKeys creates a asymmetric key set
// Returns a private key that contains its associated public key
func CreateECDSAKeys() *ecdsa.PrivateKey {
	privKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	return privKey
}

// PrivateKeyToPEM converts a private key into its PKCS8 PEM encoded format
func PrivateKeyToPEM(privateKey *ecdsa.PrivateKey) ([]byte, error) {
	x509Encoded, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: x509Encoded}), nil
}

// PrivateKeyToEncryptedPEM converts a private key into a passphrase protected PEM block.
// Devices that keep their key encrypted at rest provide the passphrase as CertPhrase.
//  privateKey to encode
//  passphrase to encrypt with
func PrivateKeyToEncryptedPEM(privateKey *ecdsa.PrivateKey, passphrase string) ([]byte, error) {
	x509Encoded, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	block, err := x509.EncryptPEMBlock(rand.Reader, "PRIVATE KEY", x509Encoded,
		[]byte(passphrase), x509.PEMCipherAES256)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(block), nil
}

// PrivateKeyFromPEM converts a PKCS8 PEM encoded private key into an ECDSA key object
func PrivateKeyFromPEM(pemEncodedPriv []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemEncodedPriv)
	if block == nil {
		return nil, errors.New("not a valid PEM string")
	}
	rawPrivateKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	privateKey, ok := rawPrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("PrivateKeyFromPEM: PEM is not a ECDSA key format")
	}
	return privateKey, nil
}

// SavePrivateKeyToPEM saves a private key to PEM file with 0600 permissions
//  privKey contains the private key to save.
//  passphrase to encrypt the key with, "" to save unencrypted
//  path is the path to the PEM file
func SavePrivateKeyToPEM(privKey *ecdsa.PrivateKey, passphrase string, path string) error {
	var keyPEM []byte
	var err error
	if passphrase != "" {
		keyPEM, err = PrivateKeyToEncryptedPEM(privKey, passphrase)
	} else {
		keyPEM, err = PrivateKeyToPEM(privKey)
	}
	if err == nil {
		err = ioutil.WriteFile(path, keyPEM, 0600)
	}
	return err
}
