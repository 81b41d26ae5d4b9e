package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/zeusync/netreplica/internal/core/observability/log"
)

// ALPN is the application protocol negotiated on QUIC links.
const ALPN = "netreplica"

// QUICConfig holds QUIC specific settings.
type QUICConfig struct {
	MaxIdleTimeout       time.Duration `yaml:"max_idle_timeout"`
	KeepAlivePeriod      time.Duration `yaml:"keep_alive_period"`
	HandshakeIdleTimeout time.Duration `yaml:"handshake_idle_timeout"`
	EnableDatagrams      bool          `yaml:"enable_datagrams"`
	MaxFrameSize         int           `yaml:"max_frame_size"`
	IncomingQueueSize    int           `yaml:"incoming_queue_size"`
}

func DefaultQUICConfig() QUICConfig {
	return QUICConfig{
		MaxIdleTimeout:       30 * time.Second,
		KeepAlivePeriod:      10 * time.Second,
		HandshakeIdleTimeout: 10 * time.Second,
		EnableDatagrams:      true,
		MaxFrameSize:         64 * 1024,
		IncomingQueueSize:    256,
	}
}

func buildQUICConfig(cfg QUICConfig) *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       cfg.MaxIdleTimeout,
		KeepAlivePeriod:      cfg.KeepAlivePeriod,
		HandshakeIdleTimeout: cfg.HandshakeIdleTimeout,
		EnableDatagrams:      cfg.EnableDatagrams,
	}
}

// QUICListener accepts QUIC connections. Each connection carries one
// bidirectional stream opened by the client, plus datagrams.
type QUICListener struct {
	listener *quic.Listener
	cfg      QUICConfig
	logger   log.Log
}

var _ Listener = (*QUICListener)(nil)

func ListenQUIC(addr string, tlsConf *tls.Config, cfg QUICConfig, logger log.Log) (*QUICListener, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, buildQUICConfig(cfg))
	if err != nil {
		return nil, errors.Wrapf(err, "listen quic %s", addr)
	}
	l := &QUICListener{
		listener: ln,
		cfg:      cfg,
		logger:   logger.With(log.String("transport", string(KindQUIC))),
	}
	l.logger.Info("QUIC listener started",
		log.String("addr", ln.Addr().String()),
		log.Bool("datagrams", cfg.EnableDatagrams))
	return l, nil
}

func (l *QUICListener) Accept(ctx context.Context) (Link, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "accept quic connection")
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, errors.Wrap(err, "accept quic stream")
	}
	return newQUICLink(conn, stream, l.cfg, l.logger), nil
}

func (l *QUICListener) Addr() net.Addr { return l.listener.Addr() }

func (l *QUICListener) Close() error { return l.listener.Close() }

func (l *QUICListener) Kind() Kind { return KindQUIC }

// DialQUIC connects to a QUIC listener and opens the link stream.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config, cfg QUICConfig, logger log.Log) (Link, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, buildQUICConfig(cfg))
	if err != nil {
		return nil, errors.Wrapf(err, "dial quic %s", addr)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, errors.Wrap(err, "open quic stream")
	}
	return newQUICLink(conn, stream, cfg, logger.With(log.String("transport", string(KindQUIC)))), nil
}

type quicLink struct {
	conn     *quic.Conn
	stream   *quic.Stream
	cfg      QUICConfig
	logger   log.Log
	writeMu  sync.Mutex
	incoming chan []byte
	errs     chan error
	done     chan struct{}
	once     sync.Once
}

func newQUICLink(conn *quic.Conn, stream *quic.Stream, cfg QUICConfig, logger log.Log) *quicLink {
	l := &quicLink{
		conn:     conn,
		stream:   stream,
		cfg:      cfg,
		logger:   logger.With(log.String("remote_addr", conn.RemoteAddr().String())),
		incoming: make(chan []byte, cfg.IncomingQueueSize),
		errs:     make(chan error, 2),
		done:     make(chan struct{}),
	}
	go l.readStream()
	if cfg.EnableDatagrams {
		go l.readDatagrams()
	}
	return l
}

func (l *quicLink) deliver(frame []byte) bool {
	select {
	case l.incoming <- frame:
		return true
	case <-l.done:
		return false
	}
}

func (l *quicLink) fail(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// readStream decodes [u32 length][frame] records from the link stream.
func (l *quicLink) readStream() {
	var header [4]byte
	for {
		if _, err := io.ReadFull(l.stream, header[:]); err != nil {
			l.fail(errors.Wrap(err, "read quic frame header"))
			return
		}
		n := binary.BigEndian.Uint32(header[:])
		if int(n) > l.cfg.MaxFrameSize {
			l.fail(errors.Wrapf(ErrFrameTooLarge, "%d bytes", n))
			return
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(l.stream, frame); err != nil {
			l.fail(errors.Wrap(err, "read quic frame"))
			return
		}
		if !l.deliver(frame) {
			return
		}
	}
}

func (l *quicLink) readDatagrams() {
	ctx := l.conn.Context()
	for {
		frame, err := l.conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		if !l.deliver(frame) {
			return
		}
	}
}

func (l *quicLink) Send(_ context.Context, frame []byte, reliable bool) error {
	if len(frame) > l.cfg.MaxFrameSize {
		return errors.Wrapf(ErrFrameTooLarge, "%d bytes", len(frame))
	}
	if !reliable && l.cfg.EnableDatagrams {
		if err := l.conn.SendDatagram(frame); err == nil {
			return nil
		}
		// peer without datagram support or frame above the path MTU
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame)))
	if _, err := l.stream.Write(header[:]); err != nil {
		return errors.Wrap(err, "write quic frame header")
	}
	if _, err := l.stream.Write(frame); err != nil {
		return errors.Wrap(err, "write quic frame")
	}
	return nil
}

func (l *quicLink) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-l.incoming:
		return frame, nil
	case err := <-l.errs:
		return nil, err
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *quicLink) Close(reason string) error {
	var err error
	l.once.Do(func() {
		close(l.done)
		_ = l.stream.Close()
		err = l.conn.CloseWithError(0, reason)
		l.logger.Debug("QUIC link closed", log.String("reason", reason))
	})
	return err
}

func (l *quicLink) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }

func (l *quicLink) Kind() Kind { return KindQUIC }

// GenerateSelfSignedTLS generates a self-signed certificate for development.
func GenerateSelfSignedTLS() (*tls.Config, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"ZeuSync"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, errors.Wrap(err, "create certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  privateKey,
		}},
		NextProtos: []string{ALPN},
		MinVersion: tls.VersionTLS13,
	}, nil
}

// LoadTLS reads a PEM certificate and key for the QUIC listener.
func LoadTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.Wrap(err, "load tls key pair")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// InsecureClientTLS trusts any server certificate. Development only.
func InsecureClientTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}
}
