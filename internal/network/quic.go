// Package network carries mesh envelopes over QUIC streams. Delivery is
// fire-and-forget: one envelope per unidirectional exchange, no acks.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"swarmmesh/internal/debuglog"
	"swarmmesh/internal/proto"
)

const alpn = "swarmmesh-quic"

const dialTimeout = 10 * time.Second

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("swarmmesh-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}, nil
}

func clientTLSConfig(insecure bool) (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	if insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpn},
		}, nil
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpn},
	}, nil
}

// Transport sends and receives length-prefixed envelope frames over QUIC.
type Transport struct {
	Insecure bool
	// MaxStreamReaders bounds concurrent inbound stream readers; the drain
	// side of the mesh stays single-consumer regardless.
	MaxStreamReaders int

	mu  sync.Mutex
	sem chan struct{}
}

func (t *Transport) readerSlot() chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sem == nil {
		n := t.MaxStreamReaders
		if n <= 0 {
			n = 4
		}
		t.sem = make(chan struct{}, n)
	}
	return t.sem
}

// Listen serves inbound envelopes until ctx is cancelled, calling recv for
// every well-framed payload.
func (t *Transport) Listen(ctx context.Context, addr string, recv func([]byte)) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		debuglog.Logf("quic listen error: %v", err)
		return err
	}
	debuglog.Logf("quic listen ready: %s", addr)
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			debuglog.Debugf("quic accept error: %v", err)
			return err
		}
		go t.serveConn(ctx, conn, recv)
	}
}

func (t *Transport) serveConn(ctx context.Context, conn *quic.Conn, recv func([]byte)) {
	sem := t.readerSlot()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			debuglog.Debugf("quic accept stream error: %v", err)
			return
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			_ = stream.Close()
			return
		}
		go func(s *quic.Stream) {
			defer func() { <-sem }()
			defer s.Close()
			payload, err := proto.ReadFrame(s)
			if err != nil {
				debuglog.Debugf("quic read frame error: %v", err)
				return
			}
			recv(payload)
		}(stream)
	}
}

// Send dials addr and writes one framed envelope. The write runs on its own
// goroutine; resilience comes from gossip redundancy, not from retries here.
func (t *Transport) Send(addr string, payload []byte) error {
	frame := make([]byte, len(payload))
	copy(frame, payload)
	go func() {
		if err := t.sendOnce(addr, frame); err != nil {
			debuglog.RateLimitedf("send:"+addr, 30*time.Second, "quic send to %s failed: %v", addr, err)
		}
	}()
	return nil
}

func (t *Transport) sendOnce(addr string, payload []byte) error {
	tlsConf, err := clientTLSConfig(t.Insecure)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return err
	}
	defer conn.CloseWithError(0, "")
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	if err := proto.WriteFrame(stream, payload); err != nil {
		return err
	}
	return stream.Close()
}
