package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/torwache/torwache-srv/audit"
	"github.com/codefionn/torwache/torwache-srv/config"
	"github.com/codefionn/torwache/torwache-srv/stats"
)

// startTestProxy brings up a proxy on an ephemeral port and returns its
// address. mutate may adjust the config before the proxy is created.
func startTestProxy(t *testing.T, mutate func(cfg *config.Config)) (*Proxy, string) {
	t.Helper()
	return startTestProxyWithCollector(t, mutate, nil)
}

func startTestProxyWithCollector(t *testing.T, mutate func(cfg *config.Config), collector stats.Collector) (*Proxy, string) {
	t.Helper()

	cfg := &config.Config{
		ListenHost:     "127.0.0.1",
		ListenPort:     0,
		BufferSize:     4096,
		TimeoutSeconds: 2,
		BlocklistFile:  filepath.Join(t.TempDir(), "no-blocklist.txt"),
		Statistics:     config.StatisticsConfig{Backend: config.StatsBackendDummy},
	}
	if mutate != nil {
		mutate(cfg)
	}

	auditLogger, err := audit.Open(cfg.AuditLog)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = auditLogger.Close()
	})

	p, err := NewProxy(cfg, auditLogger, collector)
	require.NoError(t, err)

	go func() {
		if err := p.Start(); err != nil {
			t.Errorf("proxy server error: %v", err)
		}
	}()
	t.Cleanup(func() {
		_ = p.Stop()
	})

	var addr string
	require.Eventually(t, func() bool {
		a := p.Addr()
		if a == nil {
			return false
		}
		addr = a.String()
		return true
	}, 2*time.Second, 10*time.Millisecond, "proxy never started listening")

	return p, addr
}

// sendRawRequest opens a client connection to the proxy, writes the raw
// request and returns everything the proxy sent back before closing.
func sendRawRequest(t *testing.T, proxyAddr, request string) string {
	t.Helper()

	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(request))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil && !strings.Contains(err.Error(), "timeout") {
		require.NoError(t, err)
	}
	return string(data)
}

func writeProxyBlocklist(t *testing.T, cfg *config.Config, domains ...string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blocked.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(domains, "\n")+"\n"), 0o644))
	cfg.BlocklistFile = path
}

func TestForwardBasicRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/hello", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("x"))
		fmt.Fprint(w, "hello from upstream")
	}))
	defer upstream.Close()
	upstreamHost := strings.TrimPrefix(upstream.URL, "http://")

	_, proxyAddr := startTestProxy(t, nil)

	request := "GET http://" + upstreamHost + "/hello?x=1 HTTP/1.1\r\n" +
		"host: " + upstreamHost + "\r\n" +
		"connection: close\r\n\r\n"
	response := sendRawRequest(t, proxyAddr, request)

	assert.Contains(t, response, "HTTP/1.1 200 OK")
	assert.Contains(t, response, "hello from upstream")
}

func TestForwardRewritesToOriginForm(t *testing.T) {
	// A raw upstream captures the exact bytes the proxy sends, so the
	// origin-form rewrite and the verbatim ordered header replay are both
	// observable.
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstreamLn.Close()

	headCh := make(chan string, 1)
	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		buf := make([]byte, 8192)
		var head []byte
		for !strings.Contains(string(head), "\r\n\r\n") {
			n, err := conn.Read(buf)
			if n > 0 {
				head = append(head, buf[:n]...)
			}
			if err != nil {
				break
			}
		}
		headCh <- string(head)
		_, _ = conn.Write([]byte("HTTP/1.1 204 No Content\r\ncontent-length: 0\r\n\r\n"))
	}()

	upstreamHost := upstreamLn.Addr().String()
	_, proxyAddr := startTestProxy(t, nil)

	request := "GET http://" + upstreamHost + "/a/b?x=1 HTTP/1.1\r\n" +
		"host: " + upstreamHost + "\r\n" +
		"Zebra: one\r\n" +
		"Alpha: two\r\n\r\n"
	response := sendRawRequest(t, proxyAddr, request)
	assert.Contains(t, response, "204 No Content")

	var head string
	select {
	case head = <-headCh:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never received the request")
	}

	lines := strings.Split(head, "\r\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Equal(t, "GET /a/b?x=1 HTTP/1.1", lines[0])
	// Header order from the client survives the replay, keys lower-cased.
	assert.Equal(t, "host: "+upstreamHost, lines[1])
	assert.Equal(t, "zebra: one", lines[2])
	assert.Equal(t, "alpha: two", lines[3])
}

func TestForwardRewriteDefaultsPathToSlash(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	upstreamHost := strings.TrimPrefix(upstream.URL, "http://")

	_, proxyAddr := startTestProxy(t, nil)

	request := "GET http://" + upstreamHost + " HTTP/1.1\r\n" +
		"host: " + upstreamHost + "\r\n" +
		"connection: close\r\n\r\n"
	response := sendRawRequest(t, proxyAddr, request)
	assert.Contains(t, response, "HTTP/1.1 200 OK")
}

func TestForwardRequestBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		fmt.Fprintf(w, "got:%s", body)
	}))
	defer upstream.Close()
	upstreamHost := strings.TrimPrefix(upstream.URL, "http://")

	_, proxyAddr := startTestProxy(t, nil)

	body := "field=value&other=thing"
	request := "POST http://" + upstreamHost + "/submit HTTP/1.1\r\n" +
		"host: " + upstreamHost + "\r\n" +
		fmt.Sprintf("content-length: %d\r\n", len(body)) +
		"connection: close\r\n\r\n" +
		body
	response := sendRawRequest(t, proxyAddr, request)

	assert.Contains(t, response, "HTTP/1.1 200 OK")
	assert.Contains(t, response, "got:"+body)
}

func TestForwardRequestBodySplitAcrossWrites(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		fmt.Fprintf(w, "got:%s", body)
	}))
	defer upstream.Close()
	upstreamHost := strings.TrimPrefix(upstream.URL, "http://")

	_, proxyAddr := startTestProxy(t, nil)

	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer conn.Close()

	// Half the body rides along with the header block; the rest follows in
	// a later segment. Both halves must reach the upstream.
	body := "0123456789abcdef"
	head := "POST http://" + upstreamHost + "/submit HTTP/1.1\r\n" +
		"host: " + upstreamHost + "\r\n" +
		fmt.Sprintf("content-length: %d\r\n", len(body)) +
		"connection: close\r\n\r\n"
	_, err = conn.Write([]byte(head + body[:6]))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = conn.Write([]byte(body[6:]))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Contains(t, string(data), "HTTP/1.1 200 OK")
	assert.Contains(t, string(data), "got:"+body)
}

func TestConnectForwardsPipelinedBytes(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echoLn.Close()
	go func() {
		conn, err := echoLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()

	_, proxyAddr := startTestProxy(t, nil)

	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer conn.Close()

	// The client does not wait for the 200 before sending tunnel payload.
	target := echoLn.Addr().String()
	payload := "eager payload"
	_, err = conn.Write([]byte("CONNECT " + target + " HTTP/1.1\r\nhost: " + target + "\r\n\r\n" + payload))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len(connectEstablishedResponse))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, connectEstablishedResponse, string(buf))

	echoed := make([]byte, len(payload))
	_, err = io.ReadFull(conn, echoed)
	require.NoError(t, err)
	assert.Equal(t, payload, string(echoed))
}

// recordingCollector captures RecordError calls on top of the no-op
// collector.
type recordingCollector struct {
	stats.Collector
	mu         sync.Mutex
	errorTypes []string
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{Collector: stats.NewDummyCollector()}
}

func (c *recordingCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorTypes = append(c.errorTypes, errorType)
	return nil
}

func (c *recordingCollector) recordedErrorTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.errorTypes...)
}

func TestUpstreamDialFailureRecordsError(t *testing.T) {
	collector := newRecordingCollector()
	_, proxyAddr := startTestProxyWithCollector(t, nil, collector)

	// Port 1 on loopback refuses the dial.
	response := sendRawRequest(t, proxyAddr, "GET http://127.0.0.1:1/ HTTP/1.1\r\nhost: 127.0.0.1:1\r\n\r\n")
	assert.Empty(t, response)

	require.Eventually(t, func() bool {
		return len(collector.recordedErrorTypes()) > 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, collector.recordedErrorTypes(), ErrCodeUpstreamConnectFailed)
}

func TestHeaderReadFailureIsAudited(t *testing.T) {
	auditPath := filepath.Join(t.TempDir(), "audit.log")
	_, proxyAddr := startTestProxy(t, func(cfg *config.Config) {
		cfg.AuditLog = auditPath
	})

	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)

	// Partial head, then a hard reset mid-headers. Unlike a quiet stall,
	// this is an unexpected failure and must show up as an ERROR event.
	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nhost: ex"))
	require.NoError(t, err)
	tcpConn, ok := conn.(*net.TCPConn)
	require.True(t, ok)
	require.NoError(t, tcpConn.SetLinger(0))
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		data, readErr := os.ReadFile(auditPath)
		return readErr == nil && strings.Contains(string(data), " ERROR header read:")
	}, 2*time.Second, 20*time.Millisecond, "reset mid-headers was not audited")
}

func TestForwardBlockedDomain(t *testing.T) {
	auditPath := filepath.Join(t.TempDir(), "audit.log")
	_, proxyAddr := startTestProxy(t, func(cfg *config.Config) {
		writeProxyBlocklist(t, cfg, "blocked.test")
		cfg.AuditLog = auditPath
	})

	request := "GET http://blocked.test/secret HTTP/1.1\r\n" +
		"host: blocked.test\r\n\r\n"
	response := sendRawRequest(t, proxyAddr, request)

	// The rejection is the fixed 403 and nothing else. No upstream dial
	// happens, which the unresolvable host name guarantees here.
	assert.Equal(t, blockedResponse, response)

	auditData, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	assert.Contains(t, string(auditData), " BLOCKED blocked.test")
}

func TestForwardBlockedDomainIsCaseInsensitive(t *testing.T) {
	_, proxyAddr := startTestProxy(t, func(cfg *config.Config) {
		writeProxyBlocklist(t, cfg, "blocked.test")
	})

	request := "GET http://Blocked.TEST/ HTTP/1.1\r\n" +
		"host: Blocked.TEST\r\n\r\n"
	response := sendRawRequest(t, proxyAddr, request)
	assert.Equal(t, blockedResponse, response)
}

func TestForwardBlockedDomainWithPort(t *testing.T) {
	_, proxyAddr := startTestProxy(t, func(cfg *config.Config) {
		writeProxyBlocklist(t, cfg, "blocked.test")
	})

	// The port in the Host header is stripped before the blocklist lookup.
	request := "GET http://blocked.test:8080/ HTTP/1.1\r\n" +
		"host: blocked.test:8080\r\n\r\n"
	response := sendRawRequest(t, proxyAddr, request)
	assert.Equal(t, blockedResponse, response)
}

func TestConnectTunnel(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echoLn.Close()
	go func() {
		for {
			conn, err := echoLn.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()

	_, proxyAddr := startTestProxy(t, nil)

	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer conn.Close()

	target := echoLn.Addr().String()
	_, err = conn.Write([]byte("CONNECT " + target + " HTTP/1.1\r\nhost: " + target + "\r\n\r\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len(connectEstablishedResponse))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, connectEstablishedResponse, string(buf))

	// The tunnel is opaque: arbitrary bytes round-trip through the echo.
	payload := []byte("opaque \x00\x01\x02 payload")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	echoed := make([]byte, len(payload))
	_, err = io.ReadFull(conn, echoed)
	require.NoError(t, err)
	assert.Equal(t, payload, echoed)
}

func TestConnectBlockedDomain(t *testing.T) {
	_, proxyAddr := startTestProxy(t, func(cfg *config.Config) {
		writeProxyBlocklist(t, cfg, "blocked.test")
	})

	response := sendRawRequest(t, proxyAddr, "CONNECT blocked.test:443 HTTP/1.1\r\nhost: blocked.test:443\r\n\r\n")
	assert.Equal(t, blockedResponse, response)
}

func TestMalformedRequestLineClosesSilently(t *testing.T) {
	_, proxyAddr := startTestProxy(t, nil)

	response := sendRawRequest(t, proxyAddr, "GARBAGE\r\n\r\n")
	assert.Empty(t, response, "malformed input gets no response bytes")
}

func TestConnectMissingPortClosesSilently(t *testing.T) {
	_, proxyAddr := startTestProxy(t, nil)

	response := sendRawRequest(t, proxyAddr, "CONNECT example.com HTTP/1.1\r\nhost: example.com\r\n\r\n")
	assert.Empty(t, response)
}

func TestEmptyConnectionClosesSilently(t *testing.T) {
	_, proxyAddr := startTestProxy(t, nil)

	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	// Nothing to assert beyond the proxy staying up for the next request.
	response := sendRawRequest(t, proxyAddr, "GARBAGE\r\n\r\n")
	assert.Empty(t, response)
}

func TestReloadBlocklistSwapsAtomically(t *testing.T) {
	blocklistPath := filepath.Join(t.TempDir(), "blocked.txt")
	require.NoError(t, os.WriteFile(blocklistPath, []byte("first.test\n"), 0o644))

	p, proxyAddr := startTestProxy(t, func(cfg *config.Config) {
		cfg.BlocklistFile = blocklistPath
	})

	response := sendRawRequest(t, proxyAddr, "CONNECT first.test:443 HTTP/1.1\r\n\r\n")
	assert.Equal(t, blockedResponse, response)

	require.NoError(t, os.WriteFile(blocklistPath, []byte("second.test\n"), 0o644))
	require.NoError(t, p.ReloadBlocklist())

	response = sendRawRequest(t, proxyAddr, "CONNECT second.test:443 HTTP/1.1\r\n\r\n")
	assert.Equal(t, blockedResponse, response)
}
