package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/codefionn/torwache/torwache-srv/audit"
	"github.com/codefionn/torwache/torwache-srv/logger"
)

// handleConnection drives one accepted client connection through parsing,
// routing and teardown. The client socket is closed on every exit path, and
// no failure is allowed to escape the goroutine.
func (p *Proxy) handleConnection(clientConn net.Conn) {
	clientAddr := clientConn.RemoteAddr().String()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Panic handling connection from %s: %v", clientAddr, rec)
			p.audit.Record(clientAddr, audit.EventError, fmt.Sprintf("panic: %v", rec))
		}
		_ = clientConn.Close()
	}()

	_ = clientConn.SetReadDeadline(time.Now().Add(p.timeout))

	ctx := context.Background()

	raw, err := readHeaderBlock(clientConn, p.config.BufferSize)
	if err != nil {
		// A stalled client closes silently; anything else (a reset
		// mid-headers, say) is an unexpected failure and gets logged.
		if !isTimeout(err) {
			logger.Error("Failed to read request from %s: %v", clientAddr, err)
			p.audit.Record(clientAddr, audit.EventError, fmt.Sprintf("header read: %v", err))
		}
		return
	}
	if len(raw) == 0 {
		// Nothing arrived before the client went away.
		return
	}

	head, body := splitHeadAndBody(raw)
	requestLine, headers := parseHeaders(head)
	method, target, version, err := splitRequestLine(requestLine)
	if err != nil {
		return
	}

	req := &ParsedRequest{
		Method:  method,
		Target:  target,
		Version: version,
		Headers: headers,
		Body:    body,
	}

	if req.Method == "CONNECT" {
		err = p.handleConnect(ctx, clientConn, clientAddr, req)
	} else {
		err = p.handleForward(ctx, clientConn, clientAddr, req)
	}
	if err != nil {
		if errors.Is(err, errMalformedRequest) {
			// Unparseable input aborts silently, unlike policy rejections.
			return
		}
		logger.Error("Connection from %s failed: %v", clientAddr, err)
		p.audit.Record(clientAddr, audit.EventError, err.Error())

		errorType := "unknown"
		var proxyErr *Error
		if errors.As(err, &proxyErr) {
			errorType = proxyErr.Code
		}
		if recErr := p.collector.RecordError(ctx, 0, errorType, err.Error()); recErr != nil {
			logger.Error("Failed to record error: %v", recErr)
		}
	}
}

// reject writes the fixed 403 response and records the policy rejection.
// No upstream socket is ever opened for a blocked destination.
func (p *Proxy) reject(ctx context.Context, clientConn net.Conn, clientAddr, host string) {
	if _, err := clientConn.Write([]byte(blockedResponse)); err != nil {
		logger.Debug("Failed to deliver 403 to %s: %v", clientAddr, err)
	}
	p.audit.Record(clientAddr, audit.EventBlocked, host)
	if err := p.collector.RecordBlockedRequest(ctx, clientIP(clientAddr), host, "blocklist"); err != nil {
		logger.Error("Failed to record blocked request: %v", err)
	}
}
