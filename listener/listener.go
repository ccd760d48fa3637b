// Package listener serves plain HTTP and HTTPS on the same port. The first bytes of every
// connection decide which protocol it speaks.
package listener

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DefaultSniffTimeout bounds how long a new connection may stay silent before it is dropped
const DefaultSniffTimeout = 10 * time.Second

// connWrapper replays the sniffed bytes before reading from the connection
type connWrapper struct {
	net.Conn
	io.Reader
}

// Read reads from the buffered reader instead of the net.Conn
func (cw *connWrapper) Read(b []byte) (int, error) {
	return cw.Reader.Read(b)
}

// MuxListener wraps a net.Listener. Connections that open with a TLS handshake record are
// returned as *tls.Conn so http.Server performs the handshake, everything else is returned as
// plain TCP. A nil TLSConfig serves plain TCP only.
//
// Sniffing happens off the accept loop, a silent client never delays other connections.
// Transient accept errors are logged and skipped, only a closed listener ends Accept.
type MuxListener struct {
	net.Listener
	TLSConfig    *tls.Config
	SniffTimeout time.Duration
	Logger       *slog.Logger

	start   sync.Once
	sniffs  sync.WaitGroup
	ready   chan net.Conn
	fatal   chan error
	done    chan struct{}
	closing sync.Once
}

// NewMuxListener wraps listener. logger may be nil.
func NewMuxListener(listener net.Listener, tlsConfig *tls.Config, logger *slog.Logger) *MuxListener {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MuxListener{
		Listener:     listener,
		TLSConfig:    tlsConfig,
		SniffTimeout: DefaultSniffTimeout,
		Logger:       logger,
		ready:        make(chan net.Conn),
		fatal:        make(chan error, 1),
		done:         make(chan struct{}),
	}
}

// Accept returns the next connection whose protocol has been detected.
func (l *MuxListener) Accept() (net.Conn, error) {
	l.start.Do(func() { go l.acceptLoop() })

	select {
	case conn := <-l.ready:
		return conn, nil
	case err := <-l.fatal:
		// keep the error available for later callers
		l.fatal <- err
		return nil, err
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close stops the accept loop and closes the wrapped listener.
func (l *MuxListener) Close() error {
	l.closing.Do(func() { close(l.done) })
	return l.Listener.Close()
}

func (l *MuxListener) acceptLoop() {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// connections still being sniffed are handed out before the error
				l.sniffs.Wait()
				l.fatal <- err
				return
			}
			l.Logger.Warn("recoverable listener error, connection rejected", "error", err)
			continue
		}
		l.sniffs.Add(1)
		go l.sniff(conn)
	}
}

func (l *MuxListener) sniff(rawConn net.Conn) {
	defer l.sniffs.Done()
	conn, err := l.detect(rawConn)
	if err != nil {
		l.Logger.Debug("dropping connection", "remote", rawConn.RemoteAddr().String(), "error", err)
		rawConn.Close()
		return
	}
	select {
	case l.ready <- conn:
	case <-l.done:
		conn.Close()
	}
}

// detect peeks the first bytes of rawConn. 0x16 0x03 is a TLS handshake record.
func (l *MuxListener) detect(rawConn net.Conn) (net.Conn, error) {
	reader := bufio.NewReader(rawConn)
	if err := rawConn.SetReadDeadline(time.Now().Add(l.SniffTimeout)); err != nil {
		return nil, err
	}
	peeked, err := reader.Peek(2)
	if err != nil {
		return nil, err
	}
	if err := rawConn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}

	wrapped := &connWrapper{Conn: rawConn, Reader: reader}
	if l.TLSConfig != nil && peeked[0] == 0x16 && peeked[1] == 0x03 {
		return tls.Server(wrapped, l.TLSConfig), nil
	}
	return wrapped, nil
}
