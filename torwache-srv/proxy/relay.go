package proxy

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// byteRelay multiplexes two already-connected sockets and copies bytes
// opaquely in both directions. Payload bytes are never transformed, which is
// what allows HTTPS tunneling without TLS termination.
//
// The relay terminates as a whole when either side closes (no half-duplex
// continuation) or when no byte moves in either direction for the idle
// timeout. The caller owns both sockets and closes them after Run returns.
type byteRelay struct {
	client      net.Conn
	upstream    net.Conn
	bufferSize  int
	idleTimeout time.Duration

	// lastActivity holds the UnixNano time of the last successful read on
	// either direction. A per-direction read deadline alone would kill
	// tunnels where traffic flows one way only.
	lastActivity atomic.Int64
	done         chan struct{}
	stopOnce     sync.Once
}

func newByteRelay(client, upstream net.Conn, bufferSize int, idleTimeout time.Duration) *byteRelay {
	return &byteRelay{
		client:      client,
		upstream:    upstream,
		bufferSize:  bufferSize,
		idleTimeout: idleTimeout,
		done:        make(chan struct{}),
	}
}

// Run relays until either side closes or the tunnel goes idle. It blocks
// until both copy directions have finished.
func (r *byteRelay) Run() {
	r.lastActivity.Store(time.Now().UnixNano())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.copyLoop(r.upstream, r.client)
	}()
	go func() {
		defer wg.Done()
		r.copyLoop(r.client, r.upstream)
	}()
	wg.Wait()
}

// stop wakes both directions by expiring their read deadlines, so a single
// closed side tears down the whole relay.
func (r *byteRelay) stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		now := time.Now()
		_ = r.client.SetReadDeadline(now)
		_ = r.upstream.SetReadDeadline(now)
	})
}

func (r *byteRelay) stopped() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *byteRelay) copyLoop(dst, src net.Conn) {
	defer r.stop()

	pooled, buf := getBuffer(r.bufferSize)
	defer putBuffer(pooled)

	for {
		if r.stopped() {
			return
		}
		_ = src.SetReadDeadline(time.Now().Add(r.idleTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			r.lastActivity.Store(time.Now().UnixNano())
			// A peer that stops reading must not park the relay past its
			// idle bound.
			_ = dst.SetWriteDeadline(time.Now().Add(r.idleTimeout))
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err == nil {
			continue
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			// Idle only counts when neither direction moved a byte for the
			// whole timeout window.
			last := time.Unix(0, r.lastActivity.Load())
			if time.Since(last) >= r.idleTimeout {
				return
			}
			continue
		}
		// Peer closed or hard failure: end the whole relay.
		return
	}
}
