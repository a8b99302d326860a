// Package tlsclient with a simple HTTPS client helper for server and mutual authentication
package tlsclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout of a single request
const DefaultTimeout = 30 * time.Second

// TLSClient is a HTTPS client for JSON REST services
type TLSClient struct {
	address    string
	caCertFile string
	clientCert *tls.Certificate
	httpClient *http.Client
	timeout    time.Duration
}

// Invoke a HTTPS method and read the response
//  ctx to cancel the request
//  method: GET, PUT, POST, ...
//  path to invoke, starting with /
//  headers to add to the request, nil to ignore
//  msg body to include, marshalled to JSON. nil for no body
// Returns the response body or an error if the request failed or the status is 400 or higher
func (cl *TLSClient) Invoke(ctx context.Context, method string, path string,
	headers map[string]string, msg interface{}) ([]byte, error) {
	var body io.Reader

	if cl == nil || cl.httpClient == nil {
		logrus.Errorf("TLSClient.Invoke: '%s'. Client is not started", path)
		return nil, errors.New("Invoke: client is not started")
	}
	logrus.Infof("TLSClient.Invoke: %s: %s", method, path)

	// careful, a double // in the path causes a 301 and changes post to get
	url := fmt.Sprintf("https://%s%s", cl.address, path)
	if msg != nil {
		bodyBytes, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if msg != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	resp, err := cl.httpClient.Do(req)
	if err != nil {
		logrus.Errorf("TLSClient.Invoke: %s %s: %s", method, path, err)
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := ioutil.ReadAll(resp.Body)
	if err == nil && resp.StatusCode >= 400 {
		err = fmt.Errorf("%s: %s", resp.Status, respBody)
		if resp.Status == "" {
			err = fmt.Errorf("%d: %s", resp.StatusCode, respBody)
		}
	}
	if err != nil {
		logrus.Errorf("TLSClient.Invoke: Error %s %s: %s", method, path, err)
		return nil, err
	}
	return respBody, nil
}

// Start the client.
// 1. If a CA certificate file is given it is used for server verification, otherwise the
// system root CAs are used.
// 2. Mutual TLS authentication is used when a client certificate is given
func (cl *TLSClient) Start() error {
	var caCertPool *x509.CertPool
	clientCertList := []tls.Certificate{}

	if cl.caCertFile != "" {
		caCertPEM, err := ioutil.ReadFile(cl.caCertFile)
		if err != nil {
			logrus.Errorf("TLSClient.Start: Unable to read CA certificate '%s': %s", cl.caCertFile, err)
			return err
		}
		logrus.Infof("TLSClient.Start: Using CA certificate in '%s' for server verification", cl.caCertFile)
		caCertPool = x509.NewCertPool()
		caCertPool.AppendCertsFromPEM(caCertPEM)
	}
	if cl.clientCert != nil {
		logrus.Infof("TLSClient.Start: Using client certificate for mutual auth")
		clientCertList = append(clientCertList, *cl.clientCert)
	}
	tlsTransport := http.DefaultTransport.(*http.Transport).Clone()
	tlsTransport.TLSClientConfig = &tls.Config{
		RootCAs:      caCertPool,
		Certificates: clientCertList,
	}
	cl.httpClient = &http.Client{
		Transport: tlsTransport,
		Timeout:   cl.timeout,
	}
	return nil
}

// Stop the TLS client
func (cl *TLSClient) Stop() {
	logrus.Infof("TLSClient.Stop: Stopping TLS client")

	if cl.httpClient != nil {
		cl.httpClient.CloseIdleConnections()
		cl.httpClient = nil
	}
}

// NewTLSClient creates a new TLS Client instance.
// Use Start/Stop to run and close connections
//  address of the server, host[:port]
//  caCertFile PEM file with the CA to verify the server with, "" to use the system CAs
//  clientCert for mutual authentication, nil to not use a client certificate
//  timeout of a request, 0 for DefaultTimeout
// returns TLS client for submitting requests
func NewTLSClient(address string, caCertFile string, clientCert *tls.Certificate, timeout time.Duration) *TLSClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cl := &TLSClient{
		address:    address,
		caCertFile: caCertFile,
		clientCert: clientCert,
		timeout:    timeout,
	}
	return cl
}
