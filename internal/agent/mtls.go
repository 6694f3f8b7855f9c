package agent

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// MTLSConfig holds mutual TLS configuration
type MTLSConfig struct {
	ServerCert   string
	ServerKey    string
	ClientCACert string
	RequireAuth  bool
}

// LoadMTLSConfig reads TLS settings from SITEDEPLOY_AGENT_* variables.
func LoadMTLSConfig() MTLSConfig {
	return MTLSConfig{
		ServerCert:   os.Getenv("SITEDEPLOY_AGENT_TLS_CERT"),
		ServerKey:    os.Getenv("SITEDEPLOY_AGENT_TLS_KEY"),
		ClientCACert: os.Getenv("SITEDEPLOY_AGENT_CLIENT_CA"),
		RequireAuth:  os.Getenv("SITEDEPLOY_AGENT_REQUIRE_MTLS") == "true",
	}
}

// Enabled reports whether a server certificate is configured.
func (c MTLSConfig) Enabled() bool { return c.ServerCert != "" || c.ServerKey != "" }

// ConfigureTLS builds the server TLS config, verifying client certificates
// when RequireAuth is set.
func ConfigureTLS(config MTLSConfig) (*tls.Config, error) {
	if config.ServerCert == "" || config.ServerKey == "" {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}
	cert, err := tls.LoadX509KeyPair(config.ServerCert, config.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if !config.RequireAuth {
		return tlsConfig, nil
	}
	if config.ClientCACert == "" {
		return nil, fmt.Errorf("client CA certificate required for mTLS")
	}
	caCert, err := os.ReadFile(config.ClientCACert)
	if err != nil {
		return nil, fmt.Errorf("read client CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse client CA certificate")
	}
	tlsConfig.ClientCAs = pool
	tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	log.Info().Str("ca_cert", config.ClientCACert).Msg("mTLS client authentication enabled")
	return tlsConfig, nil
}

// MTLSMiddleware rejects requests without a client certificate when
// requireAuth is set.
func MTLSMiddleware(requireAuth bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
				if requireAuth {
					writeError(w, http.StatusUnauthorized, "client certificate required")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			clientCert := r.TLS.PeerCertificates[0]
			log.Debug().
				Str("subject", clientCert.Subject.String()).
				Str("serial", clientCert.SerialNumber.String()).
				Msg("mTLS client authenticated")
			next.ServeHTTP(w, r)
		})
	}
}

// ListenAndServeTLS starts the server with TLS and optional mTLS.
func (s *Server) ListenAndServeTLS(addr string, config MTLSConfig) error {
	tlsConfig, err := ConfigureTLS(config)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           MTLSMiddleware(config.RequireAuth)(s.Handler()),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 30 * time.Second,
	}
	log.Info().
		Str("addr", addr).
		Str("root", s.Root).
		Bool("mtls_required", config.RequireAuth).
		Msg("starting agent with TLS")
	return s.srv.ListenAndServeTLS("", "")
}
