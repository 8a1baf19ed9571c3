// Package websocket adapts MQTT-over-WebSocket connections to net.Conn
// so the broker's session layer can treat every transport the same.
package websocket

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Dispatch is the broker's session entry point for upgraded connections.
type Dispatch func(net.Conn)

// Serve accepts MQTT-over-WebSocket clients on address and hands each
// upgraded connection to d. The terminal http error is sent to errs.
func Serve(address string, checkOrigin bool, d Dispatch, errs chan<- error) {
	go func() {
		errs <- http.ListenAndServe(address, upgrader(checkOrigin, d))
	}()
}

// ServeTLS is Serve over TLS.
func ServeTLS(address, certFile, keyFile string, checkOrigin bool, d Dispatch, errs chan<- error) {
	go func() {
		errs <- http.ListenAndServeTLS(address, certFile, keyFile, upgrader(checkOrigin, d))
	}()
}

func upgrader(checkOrigin bool, d Dispatch) http.HandlerFunc {
	up := websocket.Upgrader{
		Subprotocols: []string{"mqtt"}, // [MQTT-6.0.0-4]
	}
	if !checkOrigin {
		up.CheckOrigin = func(*http.Request) bool { return true }
	}

	return func(w http.ResponseWriter, r *http.Request) {
		protos := websocket.Subprotocols(r)
		if len(protos) == 0 || protos[0] != "mqtt" { // [MQTT-6.0.0-3]
			log.WithFields(log.Fields{
				"remote":       r.RemoteAddr,
				"subprotocols": protos,
			}).Debug("Rejecting websocket client without mqtt subprotocol")
			http.Error(w, "websocket sub protocol must be 'mqtt'", http.StatusNotAcceptable)
			return
		}

		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			log.WithFields(log.Fields{
				"remote": r.RemoteAddr,
				"err":    err,
			}).Error("Unsuccessful websocket negotiation")
			return
		}

		go d(&conn{ws: ws})
	}
}

var errNotBinary = errors.New("websocket: text frame on MQTT connection")

// conn presents the binary frames of a websocket as one byte stream.
// MQTT packet boundaries need not align with frame boundaries.
type conn struct {
	ws    *websocket.Conn
	frame io.Reader
}

func (c *conn) Read(p []byte) (int, error) {
	for {
		if c.frame == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage { // [MQTT-6.0.0-1]
				return 0, errNotBinary
			}
			c.frame = r
		}

		n, err := c.frame.Read(p)
		if err == io.EOF {
			// frame drained, continue with the next one
			c.frame = nil
			err = nil
			if n == 0 {
				continue
			}
		}
		return n, err
	}
}

func (c *conn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *conn) Close() error {
	return c.ws.Close()
}

func (c *conn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *conn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

func (c *conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetWriteDeadline(t); err != nil {
		return err
	}
	return c.ws.SetReadDeadline(t)
}
