// Package websocket tunnels MQTT over WebSocket to a plain TCP listener.
package websocket

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var errNotBinary = errors.New("not binary message")

// Proxy accepts WebSocket connections on Path and relays each one, as raw
// bytes, over its own TCP connection to Target.
type Proxy struct {
	Target      string // host:port of the TCP listener
	Path        string
	CheckOrigin bool
	Listen      func(address string) (net.Listener, error) // net.Listen on tcp if nil
	Log         log.FieldLogger

	srv *http.Server
	l   net.Listener

	mu      sync.Mutex
	tunnels map[io.Closer]struct{}
	stopped bool
	wg      sync.WaitGroup
}

// Start listens on host:port (port 0 for an ephemeral one) and serves in
// the background. A non-nil tlsConfig serves wss.
func (p *Proxy) Start(host string, port int, tlsConfig *tls.Config) (net.Addr, error) {
	if p.Log == nil {
		p.Log = log.StandardLogger()
	}
	if p.Path == "" {
		p.Path = "/mqtt"
	}

	listen := p.Listen
	if listen == nil {
		listen = func(address string) (net.Listener, error) {
			return net.Listen("tcp", address)
		}
	}

	l, err := listen(net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrap(err, "websocket proxy listen")
	}
	addr := l.Addr()
	if tlsConfig != nil {
		l = tls.NewListener(l, tlsConfig)
	}

	mux := http.NewServeMux()
	mux.Handle(p.Path, p.handler())

	p.mu.Lock()
	p.tunnels = make(map[io.Closer]struct{})
	p.l = l
	p.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	p.mu.Unlock()

	go func() {
		if err := p.srv.Serve(l); err != nil && err != http.ErrServerClosed {
			p.Log.WithField("err", err).Error("websocket proxy stopped")
		}
	}()

	p.Log.WithFields(log.Fields{
		"address": addr.String(),
		"path":    p.Path,
		"tls":     tlsConfig != nil,
		"target":  p.Target,
	}).Info("Starting websocket proxy")
	return addr, nil
}

// Stop closes the listener and every open tunnel, and waits for the relays to finish.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	if p.srv == nil || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	err := p.srv.Close()
	for c := range p.tunnels {
		c.Close()
	}
	p.mu.Unlock()

	p.wg.Wait()
	return err
}

// track registers the two ends of a tunnel unless the proxy is stopping.
func (p *Proxy) track(ws, tcp io.Closer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.wg.Add(1)
	p.tunnels[ws], p.tunnels[tcp] = struct{}{}, struct{}{}
	return true
}

func (p *Proxy) untrack(ws, tcp io.Closer) {
	p.mu.Lock()
	delete(p.tunnels, ws)
	delete(p.tunnels, tcp)
	p.mu.Unlock()
	p.wg.Done()
}

func (p *Proxy) handler() http.HandlerFunc {
	up := websocket.Upgrader{
		Subprotocols: []string{"mqtt"}, // [MQTT-6.0.0-4]
	}
	if !p.CheckOrigin {
		up.CheckOrigin = func(*http.Request) bool { return true }
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			p.Log.WithFields(log.Fields{
				"remote": r.RemoteAddr,
				"err":    err,
			}).Debug("unsuccessful websocket negotiation")
			return
		}

		tcp, err := net.Dial("tcp", p.Target)
		if err != nil {
			p.Log.WithFields(log.Fields{
				"target": p.Target,
				"err":    err,
			}).Error("websocket proxy unable to reach broker")
			ws.Close()
			return
		}

		p.relay(&frameConn{Conn: ws}, tcp, r.RemoteAddr)
	}
}

// relay copies both ways until either side closes.
func (p *Proxy) relay(ws *frameConn, tcp net.Conn, remote string) {
	if !p.track(ws, tcp) {
		ws.Close()
		tcp.Close()
		return
	}
	defer p.untrack(ws, tcp)

	p.Log.WithField("remote", remote).Debug("websocket tunnel opened")

	done := make(chan struct{})
	go func() {
		if _, err := io.Copy(tcp, ws); err != nil && err != errNotBinary {
			p.Log.WithField("err", err).Debug("websocket tunnel read ended")
		} else if err == errNotBinary {
			p.Log.WithField("remote", remote).Info("websocket client sent non-binary frame")
		}
		tcp.Close()
		close(done)
	}()

	io.Copy(ws, tcp)
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	ws.Close()
	<-done

	p.Log.WithField("remote", remote).Debug("websocket tunnel closed")
}

// frameConn reads and writes a websocket connection as a byte stream of
// binary frames. A close frame reads as io.EOF.
type frameConn struct {
	*websocket.Conn
	r io.Reader
}

func (c *frameConn) Write(p []byte) (int, error) {
	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *frameConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			mt, r, err := c.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage { // [MQTT-6.0.0-1]
				return 0, errNotBinary
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}
