package certsetup

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/wostzone/iotcentral-go/api"
)

// DeriveSymmetricKey computes the device key from a group enrollment key.
// The device key is the base64 encoded HMAC-SHA256 of the registration ID, keyed with the
// decoded group key.
//  groupKey is the base64 encoded group enrollment key
//  registrationID is the ID the device registers with, usually the device ID
// Returns ErrInvalidCredentialFormat if the group key is not valid base64
func DeriveSymmetricKey(groupKey string, registrationID string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(groupKey)
	if err != nil {
		return "", fmt.Errorf("%w: broken base64 secret: %s", api.ErrInvalidCredentialFormat, err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(registrationID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// CreateSasToken creates a shared access signature for the given resource
//  resourceURI the token grants access to, eg {hub}/devices/{deviceID}
//  key is the base64 encoded symmetric key used for signing
//  keyName is the optional policy name, eg "registration". Use "" to omit.
//  expiry is the time the token expires
// Returns ErrInvalidCredentialFormat if the key is not valid base64
func CreateSasToken(resourceURI string, key string, keyName string, expiry time.Time) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("%w: broken base64 key: %s", api.ErrInvalidCredentialFormat, err)
	}
	encodedURI := url.QueryEscape(resourceURI)
	se := expiry.Unix()
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(fmt.Sprintf("%s\n%d", encodedURI, se)))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	token := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%d",
		encodedURI, url.QueryEscape(sig), se)
	if keyName != "" {
		token += "&skn=" + url.QueryEscape(keyName)
	}
	return token, nil
}
