// Package testenv with an in-process device provisioning service and hub for testing
package testenv

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"path"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/wostzone/iotcentral-go/pkg/certsetup"
)

// serverTLSConfig loads the server certificate and the CA of clients from the cert folder.
// Clients may authenticate with a certificate signed by the CA.
func serverTLSConfig(certFolder string) (*tls.Config, error) {
	_, err := os.Stat(certFolder)
	if os.IsNotExist(err) {
		logrus.Errorf("serverTLSConfig: Missing certificate folder %s", certFolder)
		return nil, err
	}
	serverCert, err := tls.LoadX509KeyPair(
		path.Join(certFolder, certsetup.ServerCertFile),
		path.Join(certFolder, certsetup.ServerKeyFile))
	if err != nil {
		logrus.Errorf("serverTLSConfig: Server certificate pair not found: %s", err)
		return nil, err
	}
	caCertPEM, err := ioutil.ReadFile(path.Join(certFolder, certsetup.CaCertFile))
	if err != nil {
		return nil, err
	}
	caCertPool := x509.NewCertPool()
	caCertPool.AppendCertsFromPEM(caCertPEM)
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.VerifyClientCertIfGiven,
		ClientCAs:    caCertPool,
	}
	return tlsConfig, nil
}

// StartTLSServer starts a HTTP TLS server using CA and server certificates from the certfolder.
// Clients may authenticate with a certificate signed by the CA.
//  listenAddress listening address, eg 127.0.0.1:0 for a free port
//  certFolder folder with ca, server certs and key (see certsetup for standard names)
//  router with the request handlers
// returns the TLS server and the address it listens on
func StartTLSServer(listenAddress string, certFolder string, router *mux.Router) (*http.Server, string, error) {
	tlsConfig, err := serverTLSConfig(certFolder)
	if err != nil {
		return nil, "", err
	}
	tlsServer := &http.Server{
		Handler:   handlers.CombinedLoggingHandler(logrus.StandardLogger().WriterLevel(logrus.DebugLevel), router),
		TLSConfig: tlsConfig,
	}
	listener, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return nil, "", err
	}
	go func() {
		err2 := tlsServer.ServeTLS(listener, "", "")
		if err2 != nil && err2 != http.ErrServerClosed {
			logrus.Errorf("StartTLSServer: ServeTLS error: %s", err2)
		}
	}()
	return tlsServer, listener.Addr().String(), nil
}
