package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/torwache/torwache-srv/audit"
	"github.com/codefionn/torwache/torwache-srv/logger"
)

// handleForward rewrites a plaintext HTTP request, sends it upstream and
// relays the response back. The relay is response-only: there is no
// keep-alive, so the client cannot issue a second request on this
// connection.
func (p *Proxy) handleForward(ctx context.Context, clientConn net.Conn, clientAddr string, req *ParsedRequest) error {
	hostHeader, _ := req.Headers.Get("host")
	host, port, err := splitHostHeader(hostHeader)
	if err != nil {
		return err
	}

	if p.blocklist.Load().IsBlocked(host) {
		p.reject(ctx, clientConn, clientAddr, host)
		return nil
	}

	// A missing Host header leaves host empty; the dial fails and is
	// reported like any other upstream failure.
	upstream, err := p.dialUpstream(host, port)
	if err != nil {
		return NewProxyError(ErrCodeUpstreamConnectFailed,
			fmt.Sprintf("forward to %s:%d failed", host, port), err)
	}

	connectionID, err := p.collector.StartConnection(ctx, clientIP(clientAddr), host, port, "http")
	if err != nil {
		logger.Error("Failed to record connection start: %v", err)
	}
	tracked := newTrackedConn(ctx, upstream, p.collector, connectionID)
	defer func() {
		_ = tracked.Close()
	}()

	requestLine := rewriteRequestLine(req.Method, req.Target, req.Version)

	var head strings.Builder
	head.WriteString(requestLine)
	head.WriteString("\r\n")
	req.Headers.Each(func(key, value string) {
		head.WriteString(key)
		head.WriteString(": ")
		head.WriteString(value)
		head.WriteString("\r\n")
	})
	head.WriteString("\r\n")

	if _, err := tracked.Write([]byte(head.String())); err != nil {
		return NewProxyError(ErrCodeRequestWriteFailed, "failed to send request upstream", err)
	}

	if err := p.collector.RecordAllowedRequest(ctx, clientIP(clientAddr), host); err != nil {
		logger.Error("Failed to record allowed request: %v", err)
	}
	p.audit.Record(clientAddr, audit.EventAllowed, fmt.Sprintf("%s:%d %s", host, port, requestLine))

	pooled, buf := getBuffer(p.config.BufferSize)
	defer putBuffer(pooled)

	if err := p.forwardBody(clientConn, tracked, req.Headers, req.Body, buf); err != nil {
		return err
	}

	return p.relayResponse(clientConn, tracked, buf)
}

// rewriteRequestLine converts an absolute-form http:// target into
// origin-form: everything after the third slash, defaulting to "/".
// Non-absolute targets pass through unchanged.
func rewriteRequestLine(method, target, version string) string {
	const scheme = "http://"
	if strings.HasPrefix(target, scheme) {
		path := "/"
		if idx := strings.Index(target[len(scheme):], "/"); idx >= 0 {
			path = target[len(scheme)+idx:]
		}
		target = path
	}
	return method + " " + target + " " + version
}

// splitHostHeader derives the destination from a Host header value. The
// port defaults to 80; the host is lower-cased.
func splitHostHeader(hostHeader string) (string, int, error) {
	host := hostHeader
	port := 80
	if h, portStr, found := strings.Cut(hostHeader, ":"); found {
		parsed, err := strconv.Atoi(portStr)
		if err != nil || parsed < 1 || parsed > 65535 {
			return "", 0, fmt.Errorf("%w: Host header port %q", errMalformedRequest, portStr)
		}
		host = h
		port = parsed
	}
	return strings.ToLower(host), port, nil
}

// forwardBody copies a content-length body from the client to upstream,
// looping until all bytes arrived or the client closed. prefix holds body
// bytes already consumed together with the header block; they count against
// content-length and go out first. A client-side read timeout ends the
// transfer quietly, matching the end-of-transfer semantics of the response
// relay.
func (p *Proxy) forwardBody(clientConn net.Conn, upstream net.Conn, headers *OrderedHeaders, prefix, buf []byte) error {
	lengthStr, ok := headers.Get("content-length")
	if !ok {
		return nil
	}
	length, err := strconv.Atoi(lengthStr)
	if err != nil || length < 0 {
		return NewProxyError(ErrCodeBodyForwardFailed,
			fmt.Sprintf("invalid content-length %q", lengthStr), err)
	}

	remaining := length
	if len(prefix) > 0 && remaining > 0 {
		if len(prefix) > remaining {
			prefix = prefix[:remaining]
		}
		if _, werr := upstream.Write(prefix); werr != nil {
			return NewProxyError(ErrCodeBodyForwardFailed, "failed to forward request body", werr)
		}
		remaining -= len(prefix)
	}
	for remaining > 0 {
		_ = clientConn.SetReadDeadline(time.Now().Add(p.timeout))
		limit := len(buf)
		if remaining < limit {
			limit = remaining
		}
		n, err := clientConn.Read(buf[:limit])
		if n > 0 {
			remaining -= n
			if _, werr := upstream.Write(buf[:n]); werr != nil {
				return NewProxyError(ErrCodeBodyForwardFailed, "failed to forward request body", werr)
			}
		}
		if err != nil {
			if err == io.EOF || isTimeout(err) {
				return nil
			}
			return NewProxyError(ErrCodeBodyForwardFailed, "failed to read request body", err)
		}
	}
	return nil
}

// relayResponse streams raw upstream bytes back to the client until the
// upstream closes or a read timeout signals the end of the response. This
// direction is the only relay: end of response means end of connection.
func (p *Proxy) relayResponse(clientConn net.Conn, upstream net.Conn, buf []byte) error {
	for {
		_ = upstream.SetReadDeadline(time.Now().Add(p.timeout))
		n, err := upstream.Read(buf)
		if n > 0 {
			if _, werr := clientConn.Write(buf[:n]); werr != nil {
				return NewProxyError(ErrCodeResponseRelayFailed, "failed to write response to client", werr)
			}
		}
		if err != nil {
			if err == io.EOF || isTimeout(err) {
				// Upstream finished, or went quiet past the timeout. Both
				// mean end of transfer, not failure.
				return nil
			}
			return NewProxyError(ErrCodeResponseRelayFailed, "failed to read upstream response", err)
		}
	}
}

func isTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}
