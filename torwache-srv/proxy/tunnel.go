package proxy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/codefionn/torwache/torwache-srv/audit"
	"github.com/codefionn/torwache/torwache-srv/logger"
)

// handleConnect establishes (or rejects) a CONNECT tunnel. After the 200
// response the proxy is protocol-agnostic: bytes are relayed opaquely in
// both directions until either side closes or the tunnel goes idle.
func (p *Proxy) handleConnect(ctx context.Context, clientConn net.Conn, clientAddr string, req *ParsedRequest) error {
	host, port, err := splitConnectTarget(req.Target)
	if err != nil {
		return err
	}

	if p.blocklist.Load().IsBlocked(host) {
		p.reject(ctx, clientConn, clientAddr, host)
		return nil
	}

	upstream, err := p.dialUpstream(host, port)
	if err != nil {
		return NewProxyError(ErrCodeUpstreamConnectFailed,
			fmt.Sprintf("CONNECT to %s:%d failed", host, port), err)
	}

	connectionID, err := p.collector.StartConnection(ctx, clientIP(clientAddr), host, port, "connect")
	if err != nil {
		logger.Error("Failed to record connection start: %v", err)
	}
	tracked := newTrackedConn(ctx, upstream, p.collector, connectionID)
	defer func() {
		_ = tracked.Close()
	}()

	if _, err := clientConn.Write([]byte(connectEstablishedResponse)); err != nil {
		return NewProxyError(ErrCodeClientWriteFailed, "failed to confirm CONNECT tunnel", err)
	}

	// Bytes the client pipelined behind the CONNECT head already belong to
	// the tunnel payload.
	if len(req.Body) > 0 {
		if _, err := tracked.Write(req.Body); err != nil {
			return NewProxyError(ErrCodeRelayFailed, "failed to forward early tunnel bytes", err)
		}
	}

	if err := p.collector.RecordAllowedRequest(ctx, clientIP(clientAddr), host); err != nil {
		logger.Error("Failed to record allowed request: %v", err)
	}
	p.audit.Record(clientAddr, audit.EventConnect, fmt.Sprintf("%s:%d", host, port))
	logger.Debug("CONNECT tunnel established: %s -> %s:%d", clientAddr, host, port)

	newByteRelay(clientConn, tracked, p.config.BufferSize, p.timeout).Run()
	logger.Debug("CONNECT tunnel closed: %s -> %s:%d", clientAddr, host, port)
	return nil
}

// splitConnectTarget parses a CONNECT target of the form "host:port". The
// host is lower-cased; the port must be in [1,65535]. A malformed target is
// silent-close territory, not an ERROR event.
func splitConnectTarget(target string) (string, int, error) {
	host, portStr, found := strings.Cut(target, ":")
	if !found || host == "" {
		return "", 0, fmt.Errorf("%w: CONNECT target %q", errMalformedRequest, target)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("%w: CONNECT port %q", errMalformedRequest, portStr)
	}
	return strings.ToLower(host), port, nil
}
