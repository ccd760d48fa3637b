package listener

import (
	"bufio"
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

// generateTestTLSConfig creates a self-signed TLS configuration for testing purposes.
// It returns a server-side tls.Config and a client-side x509.CertPool that trusts the server's cert.
func generateTestTLSConfig(t *testing.T) (serverTLSConfig *tls.Config, clientTLSConfig *tls.Config) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %v", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(365 * 24 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serial number: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"lensgate test"},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}

	keyDer, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("failed to marshal private key: %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDer})

	serverCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("failed to load key pair: %v", err)
	}

	// Create a cert pool for the client, containing our self-signed cert
	clientCertPool := x509.NewCertPool()
	if !clientCertPool.AppendCertsFromPEM(certPEM) {
		t.Fatalf("failed to add server certificate to client cert pool")
	}

	serverTLSConfig = &tls.Config{
		Certificates: []tls.Certificate{serverCert},
	}
	clientTLSConfig = &tls.Config{
		RootCAs: clientCertPool,
	}

	return serverTLSConfig, clientTLSConfig
}

func TestConnWrapperReplaysPeekedBytes(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	want := []byte("GET /api/usage HTTP/1.1")
	go func() {
		defer client.Close()
		client.Write(want)
	}()

	reader := bufio.NewReader(server)
	if _, err := reader.Peek(3); err != nil {
		t.Fatalf("peeking : %v", err)
	}
	wrapped := &connWrapper{Conn: server, Reader: reader}

	got, err := io.ReadAll(wrapped)
	if err != nil {
		t.Fatalf("reading : %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("\nwanted:\n%q\ngot:\n%q", want, got)
	}
}

// serveMux starts an http.Server on a MuxListener and returns its address
func serveMux(t *testing.T, tlsConfig *tls.Config) (*MuxListener, string) {
	t.Helper()
	raw, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening : %v", err)
	}
	mux := NewMuxListener(raw, tlsConfig, nil)
	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS != nil {
				w.Write([]byte("tls"))
				return
			}
			w.Write([]byte("plain"))
		}),
	}
	go server.Serve(mux)
	t.Cleanup(func() { server.Close() })
	return mux, raw.Addr().String()
}

func TestMuxListener(t *testing.T) {
	serverTLSConfig, clientTLSConfig := generateTestTLSConfig(t)
	_, addr := serveMux(t, serverTLSConfig)

	get := func(t *testing.T, client *http.Client, url string) string {
		t.Helper()
		res, err := client.Get(url)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		defer res.Body.Close()
		body, err := io.ReadAll(res.Body)
		if err != nil {
			t.Fatalf("reading body : %v", err)
		}
		return string(body)
	}

	t.Run("plain http", func(t *testing.T) {
		if got := get(t, http.DefaultClient, "http://"+addr+"/healthz"); got != "plain" {
			t.Fatalf("\nwanted:\nplain\ngot:\n%s", got)
		}
	})

	t.Run("https on the same port", func(t *testing.T) {
		client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientTLSConfig}}
		if got := get(t, client, "https://"+addr+"/healthz"); got != "tls" {
			t.Fatalf("\nwanted:\ntls\ngot:\n%s", got)
		}
	})

	t.Run("a silent client does not block others", func(t *testing.T) {
		silent, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dialing : %v", err)
		}
		defer silent.Close()

		done := make(chan string, 1)
		go func() {
			res, err := http.Get("http://" + addr + "/")
			if err != nil {
				done <- err.Error()
				return
			}
			defer res.Body.Close()
			body, _ := io.ReadAll(res.Body)
			done <- string(body)
		}()

		select {
		case got := <-done:
			if got != "plain" {
				t.Fatalf("\nwanted:\nplain\ngot:\n%s", got)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("request was blocked behind a silent connection")
		}
	})
}

func TestMuxListenerWithoutTLS(t *testing.T) {
	raw, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening : %v", err)
	}
	mux := NewMuxListener(raw, nil, nil)
	defer mux.Close()

	go func() {
		conn, err := net.Dial("tcp", raw.Addr().String())
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte{0x16, 0x03, 0x01})
	}()

	conn, err := mux.Accept()
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	defer conn.Close()
	if _, ok := conn.(*tls.Conn); ok {
		t.Fatal("wanted a plain connection when no TLS config is set")
	}
}

func TestMuxListenerSniffTimeout(t *testing.T) {
	raw, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening : %v", err)
	}
	mux := NewMuxListener(raw, nil, nil)
	mux.SniffTimeout = 50 * time.Millisecond
	defer mux.Close()

	silent, err := net.Dial("tcp", raw.Addr().String())
	if err != nil {
		t.Fatalf("dialing : %v", err)
	}
	defer silent.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := mux.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	// the silent connection is dropped by the server once the sniff times out
	silent.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := silent.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("\nwanted:\n%v\ngot:\n%v", io.EOF, err)
	}
	select {
	case <-accepted:
		t.Fatal("a silent connection should never be accepted")
	default:
	}
}

type mockListener struct {
	accept func() (net.Conn, error)
	close  func() error
	addr   func() net.Addr
}

func (m *mockListener) Accept() (net.Conn, error) { return m.accept() }
func (m *mockListener) Close() error              { return m.close() }
func (m *mockListener) Addr() net.Addr            { return m.addr() }

func TestMuxListenerRecoversFromError(t *testing.T) {
	var acceptCount atomic.Int32
	want := []byte("GET / HTTP/1.1")

	flaky := &mockListener{
		accept: func() (net.Conn, error) {
			switch acceptCount.Add(1) {
			case 1:
				return nil, errors.New("recoverable error")
			case 2:
				server, client := net.Pipe()
				go func() {
					client.Write(want)
					client.Close()
				}()
				return server, nil
			default:
				return nil, net.ErrClosed
			}
		},
		close: func() error { return nil },
	}

	mux := NewMuxListener(flaky, nil, nil)
	conn, err := mux.Accept()
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	defer conn.Close()

	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("reading : %v", err)
	}
	if !bytes.Equal(want, got) {
		t.Fatalf("\nwanted:\n%q\ngot:\n%q", want, got)
	}

	if _, err := mux.Accept(); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("\nwanted:\n%v\ngot:\n%v", net.ErrClosed, err)
	}
	if got := acceptCount.Load(); got != 3 {
		t.Fatalf("\nwanted:\n3\ngot:\n%d", got)
	}
}

func TestMuxListenerClose(t *testing.T) {
	raw, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening : %v", err)
	}
	mux := NewMuxListener(raw, nil, nil)
	if err := mux.Close(); err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if _, err := mux.Accept(); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("\nwanted:\n%v\ngot:\n%v", net.ErrClosed, err)
	}
}
