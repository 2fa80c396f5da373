package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/certbind/internal/certificates"
	"github.com/wolfeidau/certbind/internal/config"
	"github.com/wolfeidau/certbind/internal/endpoints"
	"github.com/wolfeidau/certbind/internal/pki"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "ok")
	})
}

// setup writes a PFX issued by a fresh CA and returns the config root plus a
// pool trusting that CA.
func setup(t *testing.T) (*config.Node, *x509.CertPool, string) {
	t.Helper()

	ca, err := pki.GenerateCA(pkix.Name{CommonName: "Server Test CA"}, time.Hour)
	require.NoError(t, err)
	caCert, err := ca.GetCACertificate()
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(caCert)

	now := time.Now()
	bundle, err := pki.IssueServerCertificate(ca, pki.ServerCertificateRequest{
		Subject:   pkix.Name{CommonName: "localhost"},
		DNSNames:  []string{"localhost"},
		NotBefore: now.Add(-time.Hour),
		NotAfter:  now.Add(time.Hour),
	})
	require.NoError(t, err)

	data, err := pki.EncodePFX(bundle, "secret")
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.pfx"), data, 0600))

	root, err := config.Load(config.Map(map[string]string{
		"Kestrel:EndPoints:Http:Address":      "127.0.0.1",
		"Kestrel:EndPoints:Http:Port":         "0",
		"Kestrel:EndPoints:Https:Address":     "127.0.0.1",
		"Kestrel:EndPoints:Https:Port":        "0",
		"Kestrel:EndPoints:Https:Certificate": "Default",
		"Certificates:Default:Source":         "File",
		"Certificates:Default:Path":           "server.pfx",
		"Certificates:Default:Password":       "secret",
	}))
	require.NoError(t, err)

	return root, roots, dir
}

func TestServer(t *testing.T) {
	ctx := context.Background()
	root, roots, dir := setup(t)

	srv := New(okHandler(), WithMaxConnections(8))
	resolver := certificates.NewResolver(root.Section(certificates.DefaultSection), certificates.WithBaseDir(dir))

	resolved, err := endpoints.Bind(ctx, srv, root.Section(endpoints.DefaultSection), resolver)
	require.NoError(t, err)
	require.Len(t, resolved, 2)

	require.NoError(t, srv.Start(ctx))

	addrs := srv.Addresses()
	require.Len(t, addrs, 2)

	t.Run("plaintext endpoint on an ephemeral port", func(t *testing.T) {
		resp, err := http.Get("http://" + addrs[0].String() + "/")
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "ok", string(body))
		require.Nil(t, resp.TLS)
	})

	t.Run("tls endpoint presents the resolved identity", func(t *testing.T) {
		client := &http.Client{Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: roots, ServerName: "localhost", MinVersion: tls.VersionTLS12},
		}}
		resp, err := client.Get("https://" + addrs[1].String() + "/")
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NotNil(t, resp.TLS)
		require.Equal(t, "localhost", resp.TLS.PeerCertificates[0].Subject.CommonName)
		require.Equal(t, resolved[1].Identity.Thumbprint(), pki.Thumbprint(resp.TLS.PeerCertificates[0]))
		client.CloseIdleConnections()
	})

	t.Run("shutdown closes identities", func(t *testing.T) {
		require.NoError(t, srv.Shutdown(ctx))
		require.True(t, resolved[1].Identity.Closed())
		require.NoError(t, srv.Shutdown(ctx))

		_, err := http.Get("http://" + addrs[0].String() + "/")
		require.Error(t, err)
	})
}

func TestServer_Start(t *testing.T) {
	ctx := context.Background()

	t.Run("no endpoints", func(t *testing.T) {
		srv := New(okHandler())
		require.ErrorIs(t, srv.Start(ctx), ErrNoEndpoints)
	})

	t.Run("started twice", func(t *testing.T) {
		srv := New(okHandler())
		srv.Listen(netipLoopback(), 0, nil)
		require.NoError(t, srv.Start(ctx))
		require.ErrorIs(t, srv.Start(ctx), ErrAlreadyStarted)
		require.NoError(t, srv.Shutdown(ctx))
	})

	t.Run("address in use closes opened listeners", func(t *testing.T) {
		first := New(okHandler())
		first.Listen(netipLoopback(), 0, nil)
		require.NoError(t, first.Start(ctx))
		defer func() { require.NoError(t, first.Shutdown(ctx)) }()

		taken := first.Addresses()[0].(*net.TCPAddr)

		second := New(okHandler())
		second.Listen(netipLoopback(), 0, nil)
		second.Listen(netipLoopback(), uint16(taken.Port), nil)
		require.Error(t, second.Start(ctx))
		require.Empty(t, second.Addresses())
		require.NoError(t, second.Shutdown(ctx))
	})
}

func TestServer_Serve(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	srv := New(okHandler())
	srv.Listen(netipLoopback(), 0, nil)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, time.Second) }()

	require.Eventually(t, func() bool { return len(srv.Addresses()) == 1 }, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func netipLoopback() netip.Addr {
	return netip.MustParseAddr("127.0.0.1")
}
