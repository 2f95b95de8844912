package mockbroker

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"strings"

	"github.com/RoanBrand/mockbroker/internal/config"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// TLSOptions configure the TLS listener, or the wss tunnel when the
// WebSocket tunnel is enabled.
type TLSOptions struct {
	CertFile string
	KeyFile  string
	CAFile   string // verifies client certificates

	ClientAuth string   // none (default), optional or required
	MinVersion string   // 1.0, 1.1, 1.2 (default) or 1.3
	Ciphers    []string // Go cipher suite names, empty for the defaults
}

var tlsVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func tlsOptionsFromConfig(c *config.TLS) TLSOptions {
	return TLSOptions{
		CertFile:   c.Cert,
		KeyFile:    c.Key,
		CAFile:     c.CACerts,
		ClientAuth: c.ClientAuth,
		MinVersion: c.Version,
		Ciphers:    c.Ciphers,
	}
}

// SetupTLS checks and loads the certificate files and enables TLS.
// It must be called before LoopStart.
func (b *Broker) SetupTLS(o TLSOptions) error {
	if b.running.Load() {
		return errors.New("TLS must be set up before LoopStart")
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return errors.Wrap(ErrInval, "TLS certificate and private key files required")
	}
	for _, f := range []string{o.CertFile, o.KeyFile, o.CAFile} {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			return errors.Wrap(err, "TLS file")
		}
	}

	kp, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
	if err != nil {
		return errors.Wrap(err, "TLS key pair")
	}
	c := tls.Config{
		Certificates: []tls.Certificate{kp},
		MinVersion:   tls.VersionTLS12,
	}

	if o.CAFile != "" {
		pem, err := os.ReadFile(o.CAFile)
		if err != nil {
			return errors.Wrap(err, "TLS CA certificates")
		}
		c.ClientCAs = x509.NewCertPool()
		if !c.ClientCAs.AppendCertsFromPEM(pem) {
			return errors.Errorf("no certificates found in %s", o.CAFile)
		}
	}

	switch strings.ToLower(o.ClientAuth) {
	case "", "none":
		c.ClientAuth = tls.NoClientCert
	case "optional":
		c.ClientAuth = tls.VerifyClientCertIfGiven
	case "required":
		c.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		return errors.Wrapf(ErrInval, "TLS client auth %q", o.ClientAuth)
	}
	if c.ClientAuth != tls.NoClientCert && c.ClientCAs == nil {
		return errors.Wrap(ErrInval, "TLS client auth needs CA certificates")
	}

	if o.MinVersion != "" {
		v, ok := tlsVersions[strings.TrimPrefix(strings.ToLower(o.MinVersion), "tlsv")]
		if !ok {
			return errors.Wrapf(ErrInval, "TLS version %q", o.MinVersion)
		}
		c.MinVersion = v
	}

	if len(o.Ciphers) > 0 {
		known := make(map[string]uint16)
		for _, cs := range append(tls.CipherSuites(), tls.InsecureCipherSuites()...) {
			known[cs.Name] = cs.ID
		}
		for _, name := range o.Ciphers {
			id, ok := known[name]
			if !ok {
				return errors.Wrapf(ErrInval, "TLS cipher suite %q", name)
			}
			c.CipherSuites = append(c.CipherSuites, id)
		}
	}

	b.tlsConfig = &c
	b.log.WithFields(log.Fields{
		"cert":        o.CertFile,
		"client_auth": c.ClientAuth.String(),
	}).Debug("TLS configured")
	return nil
}
