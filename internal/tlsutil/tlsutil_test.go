package tlsutil

import (
	"crypto/tls"
	"net/http"
	"testing"
	"time"
)

func TestDefaultTLSConfig(t *testing.T) {
	cfg := DefaultTLSConfig()
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %d, want %d", cfg.MinVersion, tls.VersionTLS12)
	}
	if len(cfg.CipherSuites) == 0 {
		t.Error("CipherSuites should not be empty")
	}
}

func TestSecureHTTPClient(t *testing.T) {
	client := SecureHTTPClient(15 * time.Second)
	if client.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", client.Timeout)
	}
	if _, ok := client.Transport.(*http.Transport); !ok {
		t.Errorf("Transport = %T, want *http.Transport", client.Transport)
	}
}

func TestStreamingHTTPClient_NoOverallTimeout(t *testing.T) {
	client := StreamingHTTPClient(5 * time.Second)
	if client.Timeout != 0 {
		t.Errorf("streaming client must not set Timeout, got %v", client.Timeout)
	}
}

func TestUpstreamTransport_HeaderTimeout(t *testing.T) {
	tr := UpstreamTransport(7 * time.Second)
	if tr.ResponseHeaderTimeout != 7*time.Second {
		t.Errorf("ResponseHeaderTimeout = %v", tr.ResponseHeaderTimeout)
	}
	if tr.TLSClientConfig == nil || tr.TLSClientConfig.MinVersion != tls.VersionTLS12 {
		t.Error("transport must carry hardened TLS config")
	}
}

func TestRedisTLSConfig(t *testing.T) {
	if RedisTLSConfig(false) != nil {
		t.Error("disabled must return nil")
	}
	if RedisTLSConfig(true) == nil {
		t.Error("enabled must return config")
	}
}
