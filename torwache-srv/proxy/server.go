package proxy

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/torwache/torwache-srv/audit"
	"github.com/codefionn/torwache/torwache-srv/config"
	"github.com/codefionn/torwache/torwache-srv/logger"
	"github.com/codefionn/torwache/torwache-srv/stats"
	"golang.org/x/net/netutil"
	netproxy "golang.org/x/net/proxy"
)

// Wire responses. The 403 body is fixed; blocklist rejections look the same
// for CONNECT and plaintext requests.
const (
	connectEstablishedResponse = "HTTP/1.1 200 Connection Established\r\n\r\n"
	blockedResponse            = "HTTP/1.1 403 Forbidden\r\n\r\nBlocked by proxy"
)

// dialer abstracts upstream dialing so the direct path and the optional
// SOCKS5 forward share one call site.
type dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// Proxy is a forwarding proxy server. Each accepted connection is handled by
// its own goroutine; the blocklist and configuration are read-only after
// load, so connections share no mutable state.
type Proxy struct {
	config    *config.Config
	audit     *audit.Logger
	collector stats.Collector
	dialer    dialer
	timeout   time.Duration

	blocklist atomic.Pointer[Blocklist]

	mu       sync.Mutex
	listener net.Listener
}

// NewProxy builds a proxy from an immutable configuration. The blocklist is
// loaded once here and shared across all connections; use ReloadBlocklist
// for an explicit refresh.
func NewProxy(cfg *config.Config, auditLogger *audit.Logger, collector stats.Collector) (*Proxy, error) {
	if collector == nil {
		collector = stats.NewDummyCollector()
	}

	p := &Proxy{
		config:    cfg,
		audit:     auditLogger,
		collector: collector,
		timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
	}

	blocklist, err := LoadBlocklist(cfg.BlocklistFile)
	if err != nil {
		return nil, NewProxyError(ErrCodeBlocklistLoadFailed, "failed to load blocklist", err)
	}
	p.blocklist.Store(blocklist)

	direct := &net.Dialer{Timeout: p.timeout}
	p.dialer = direct
	if fwd := cfg.ForwardSocks5; fwd != nil {
		var auth *netproxy.Auth
		if fwd.Username != "" {
			auth = &netproxy.Auth{User: fwd.Username, Password: fwd.Password}
		}
		socksDialer, err := netproxy.SOCKS5("tcp", fwd.Address, auth, direct)
		if err != nil {
			return nil, NewProxyError(ErrCodeSOCKS5DialerFailed, "failed to create SOCKS5 forward dialer", err)
		}
		logger.Info("Forwarding upstream connections via SOCKS5 proxy %s", fwd.Address)
		p.dialer = socksDialer
	}

	return p, nil
}

// Start listens on the configured address and serves until Stop closes the
// listener. When MAX_CONNECTIONS is set, admission is bounded with a
// limiting listener; within the limit it stays one goroutine per connection.
func (p *Proxy) Start() error {
	ln, err := net.Listen("tcp", p.config.ListenAddress())
	if err != nil {
		return NewProxyError(ErrCodeListenerCreateFailed,
			fmt.Sprintf("failed to listen on %s", p.config.ListenAddress()), err)
	}
	if p.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, p.config.MaxConnections)
	}

	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()

	logger.Info("Proxy running on %s", p.config.ListenAddress())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if isClosedConnError(err) {
				return nil
			}
			logger.Error("Failed to accept connection: %v", err)
			continue
		}
		go p.handleConnection(conn)
	}
}

// Stop closes the listener. In-flight connections run to natural
// completion; there is no mechanism to abort them.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	err := p.listener.Close()
	p.listener = nil
	return err
}

// Addr returns the listener address, useful when LISTEN_PORT is 0 in tests.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// ReloadBlocklist reloads the blocklist file and swaps it in atomically.
// Readers are never blocked; connections in flight keep the set they
// started with.
func (p *Proxy) ReloadBlocklist() error {
	blocklist, err := LoadBlocklist(p.config.BlocklistFile)
	if err != nil {
		return NewProxyError(ErrCodeBlocklistLoadFailed, "failed to reload blocklist", err)
	}
	p.blocklist.Store(blocklist)
	logger.Info("Blocklist reloaded: %d domains", blocklist.Len())
	return nil
}

// SetBlocklist replaces the active blocklist.
func (p *Proxy) SetBlocklist(b *Blocklist) {
	p.blocklist.Store(b)
}

// dialUpstream opens the upstream TCP connection, either directly or through
// the configured SOCKS5 forward.
func (p *Proxy) dialUpstream(host string, port int) (net.Conn, error) {
	return p.dialer.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// clientIP strips the port from a client address for statistics records.
func clientIP(clientAddr string) string {
	ip, _, err := net.SplitHostPort(clientAddr)
	if err != nil {
		return clientAddr
	}
	return ip
}
