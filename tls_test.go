package reactor

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSignedTLSConfig builds an in-memory self-signed server TLS config,
// grounded on the same approach the retrieval pack's netstack certutil
// uses for tests: a throwaway RSA key and a short-lived certificate.
func selfSignedTLSConfig(t testing.TB) *tls.Config {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	return &tls.Config{Certificates: []tls.Certificate{pair}}
}

// TestStartTLS_DeferredUntilBufferDrains exercises spec.md §8 scenario 3:
// a listener that writes a large plaintext chunk and immediately calls
// StartTLS must finish draining that chunk in plaintext before the
// handshake begins.
func TestStartTLS_DeferredUntilBufferDrains(t *testing.T) {
	r := newTestReactor(t)
	tlsCfg := &TLSConfig{Config: selfSignedTLSConfig(t)}

	plaintext := make([]byte, 256*1024)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}

	var mu sync.Mutex
	var handshakeDone bool

	srvListeners := Listeners{
		OnAttach: func(c *Connection) {
			c.Write(plaintext)
			c.StartTLS()
		},
		OnStatus: func(c *Connection, tag string) {
			if tag == "ssl-handshake-complete" {
				mu.Lock()
				handshakeDone = true
				mu.Unlock()
			}
		},
	}

	srv, err := r.Listen("127.0.0.1", 0, srvListeners, tlsCfg, false)
	require.NoError(t, err)
	addr, port := srv.conn.localAddr, srv.conn.localPort
	stop := runLoop(t, r)
	defer stop()

	raw, err := net.Dial("tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	require.NoError(t, err)
	defer raw.Close()

	raw.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, len(plaintext))
	total := 0
	for total < len(got) {
		n, err := raw.Read(got[total:])
		require.NoError(t, err)
		total += n
	}
	assert.Equal(t, plaintext, got)

	tlsConn := tls.Client(raw, &tls.Config{InsecureSkipVerify: true})
	tlsConn.SetDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, tlsConn.Handshake())
	defer tlsConn.Close()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handshakeDone
	}, 2*time.Second, 10*time.Millisecond)
}

// TestTLSDirect_HandshakeOnAccept exercises direct-TLS listeners (§4.5
// tls_direct): the handshake starts on accept, before any plaintext
// byte is ever read from the socket.
func TestTLSDirect_HandshakeOnAccept(t *testing.T) {
	r := newTestReactor(t)
	tlsCfg := &TLSConfig{Config: selfSignedTLSConfig(t)}

	srvListeners := Listeners{
		OnIncoming: func(c *Connection, data []byte, err error) {
			if err == nil {
				c.Write(data)
			}
		},
	}

	srv, err := r.Listen("127.0.0.1", 0, srvListeners, tlsCfg, true)
	require.NoError(t, err)
	addr, port := srv.conn.localAddr, srv.conn.localPort
	stop := runLoop(t, r)
	defer stop()

	raw, err := net.Dial("tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	require.NoError(t, err)
	defer raw.Close()

	tlsConn := tls.Client(raw, &tls.Config{InsecureSkipVerify: true})
	tlsConn.SetDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, tlsConn.Handshake())
	defer tlsConn.Close()

	_, err = tlsConn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := tlsConn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}
