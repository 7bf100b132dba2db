// Package datastore holds connection settings and client constructors for the
// Redis and PostgreSQL servers used by the audit store and the notifier.
package datastore

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// validateCertificateFile checks if a certificate file exists, is readable, and contains valid PEM data
func validateCertificateFile(path string, description string) error {
	data, err := readNonEmpty(path, description)
	if err != nil {
		return err
	}

	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(data) {
		return fmt.Errorf("%s file does not contain valid PEM-encoded certificate(s)", description)
	}

	return nil
}

// validateKeyFile checks if a private key file exists, is readable, and contains valid PEM data
func validateKeyFile(path string, description string) error {
	data, err := readNonEmpty(path, description)
	if err != nil {
		return err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return fmt.Errorf("%s file does not contain valid PEM-encoded data", description)
	}

	keyTypes := []string{"RSA PRIVATE KEY", "EC PRIVATE KEY", "PRIVATE KEY", "ENCRYPTED PRIVATE KEY"}
	if !slices.Contains(keyTypes, block.Type) {
		return fmt.Errorf("%s file does not contain a valid private key (found PEM type: %s)", description, block.Type)
	}

	return nil
}

func readNonEmpty(path, description string) ([]byte, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%s path is not valid: %w", description, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("could not read %s file: %w", description, err)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%s file is empty", description)
	}

	return data, nil
}

// validateTLSFiles checks the optional CA and client pair shared by both stores.
func validateTLSFiles(caCert, clientCert, clientKey string) error {
	if caCert != "" {
		if err := validateCertificateFile(caCert, "CA certificate"); err != nil {
			return err
		}
	}

	if clientCert != "" {
		if err := validateCertificateFile(clientCert, "client certificate"); err != nil {
			return err
		}
	}

	if clientKey != "" {
		if err := validateKeyFile(clientKey, "client key"); err != nil {
			return err
		}
	}

	if (clientCert != "") != (clientKey != "") {
		return fmt.Errorf("both clientCert and clientKey must be provided for mutual TLS")
	}

	return nil
}

// loadTLSFiles fills RootCAs and Certificates of tlsConfig from the given paths.
func loadTLSFiles(tlsConfig *tls.Config, caCert, clientCert, clientKey string) error {
	if caCert != "" {
		caCertData, err := os.ReadFile(caCert)
		if err != nil {
			return fmt.Errorf("failed to read CA certificate file '%s': %w", caCert, err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCertData) {
			return fmt.Errorf("failed to parse CA certificate from file '%s'", caCert)
		}
		tlsConfig.RootCAs = caCertPool
	}

	if clientCert != "" && clientKey != "" {
		cert, err := tls.LoadX509KeyPair(clientCert, clientKey)
		if err != nil {
			return fmt.Errorf("failed to load client certificate pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return nil
}
