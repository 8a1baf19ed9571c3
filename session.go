package protomq

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/protomq/protomq/internal/metrics"
	"github.com/protomq/protomq/internal/model"
	"github.com/protomq/protomq/internal/queue"
)

var aLongTimeAgo = time.Unix(1, 0) // used for cancellation

type session struct {
	srv    *Server
	client *client
	conn   net.Conn

	clientId string

	packet packet

	onlyOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	ended    sync.WaitGroup

	keepAlive    time.Duration
	connectFlags uint8
	protoVersion uint8

	connectSent bool
	assignedCId bool
}

type packet struct {
	vh      []byte
	payload []byte

	remainingLength uint32 // max 268,435,455 (256 MB)
	lenMul          uint32
	vhLen           uint32

	pID uint16 // publish with QoS>0, subscribe, unsubscribe

	rxState     uint8
	controlType uint8
	flags       uint8
}

// cleanSession reports the CONNECT clean-session flag. Sessions are
// never persisted here, so its only effect is client id validation.
func (s *session) cleanSession() bool {
	return s.connectFlags&0x02 == 2
}

func (s *session) run() {
	s.ended.Add(2)
	go s.startWriter()
	go s.client.q0.StartDispatcher(s.ctx, s.sendPublish, &s.ended)
}

func (s *session) end() {
	s.onlyOnce.Do(func() {
		s.conn.SetReadDeadline(aLongTimeAgo)
		s.cancel()

		c := s.client
		if c != nil {
			c.q0.NotifyDispatcher()
		}

		s.ended.Wait()

		if c != nil {
			c.txLock.Lock()
			err := c.tx.Flush()
			c.tx.Reset(nil)
			c.txLock.Unlock()
			if err != nil && !errors.Is(err, net.ErrClosed) {
				log.WithFields(log.Fields{
					"ClientId": s.clientId,
					"err":      err,
				}).Error("failed to flush tx buffer")
			}
		}

		s.conn.Close()
	})
}

func (s *session) updateTimeout() {
	if s.keepAlive > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.keepAlive))
	}
}

func (s *session) writePacket(p []byte) error {
	s.client.txLock.Lock()
	if _, err := s.client.tx.Write(p); err != nil {
		s.client.txLock.Unlock()
		return err
	}

	s.client.notifyFlusher()
	s.client.txLock.Unlock()
	return nil
}

func (s *session) sendConnack(returnCode uint8, sessionPresent bool) error {
	p := []byte{model.CONNACK, 2, 0, returnCode}
	if sessionPresent { // [MQTT-3.2.2-1, 2-2, 2-3]
		p[2] = 1
	}

	// Refusals happen before the client record and its writer exist,
	// so they go directly to the connection.
	if s.client == nil {
		_, err := s.conn.Write(p)
		return err
	}
	return s.writePacket(p)
}

func (s *session) sendSuback(returnCodes []uint8) error {
	p := make([]byte, 1, len(returnCodes)+5)
	p[0] = model.SUBACK
	p = model.VariableLengthEncode(p, len(returnCodes)+2)
	p = append(p, s.packet.vh[0], s.packet.vh[1]) // [MQTT-3.8.4-2]
	p = append(p, returnCodes...)
	return s.writePacket(p)
}

func (s *session) sendUnsuback() error {
	// [MQTT-3.10.4-4, 4-5, 4-6]
	return s.writePacket([]byte{model.UNSUBACK, 2, s.packet.vh[0], s.packet.vh[1]})
}

// sendPublish writes one queued fan-out delivery.
func (s *session) sendPublish(i *queue.Item) error {
	if err := s.writePacket(i.B); err != nil {
		return err
	}

	s.srv.deliveryDone()
	return nil
}

func (s *Server) startSession(conn net.Conn) {
	atomic.AddInt64(&s.activeConns, 1)
	metrics.ActiveConnections.Inc()

	ctx, cancel := context.WithCancel(s.ctx)
	conn.SetReadDeadline(time.Now().Add(time.Second * 10)) // CONNECT packet timeout
	ns := session{srv: s, ctx: ctx, cancel: cancel, conn: conn}
	ns.packet.vh, ns.packet.payload = make([]byte, 0, 512), make([]byte, 0, 512)

	var err error
	ns.ended.Add(1)

	defer func() {
		ns.ended.Done()
		ns.end()
		if ns.connectSent {
			s.removeSession(&ns)
		}

		atomic.AddInt64(&s.activeConns, -1)
		metrics.ActiveConnections.Dec()
	}()

	rx := make([]byte, 4096)
	var nRx int

	for {
		nRx, err = conn.Read(rx)
		if err != nil {
			ns.readError(err)
			return
		}

		if nRx == 0 {
			continue
		}

		// [MQTT-3.1.0-1]
		if rx[0]&0xF0 != model.CONNECT {
			log.Debug("first packet from new connection is not CONNECT")
			return
		}

		if err = s.parseStream(&ns, rx[:nRx]); err != nil {
			ns.handleParseError(err)
			return
		}

		break
	}

	for {
		nRx, err = conn.Read(rx)
		if err != nil {
			ns.readError(err)
			return
		}

		if err = s.parseStream(&ns, rx[:nRx]); err != nil {
			ns.handleParseError(err)
			return
		}
	}
}

func (s *session) readError(err error) {
	if err.Error() == "EOF" || errors.Is(err, net.ErrClosed) {
		return
	}

	if errors.Is(err, os.ErrDeadlineExceeded) {
		if s.ctx.Err() != nil {
			return // because of session ended
		}

		l := log.WithFields(log.Fields{
			"ClientId": s.clientId,
		})
		if s.connectSent {
			l.Debug("KeepAlive timeout. Dropping connection")
		} else {
			l.Debug("Timeout waiting for CONNECT. Dropping connection")
		}
		return
	}

	log.WithFields(log.Fields{
		"ClientId": s.clientId,
		"err":      err,
	}).Error("TCP RX error")
}

func (s *session) handleParseError(err error) {
	if err == errCleanExit {
		return
	}

	log.WithFields(log.Fields{
		"ClientId": s.clientId,
		"err":      err,
	}).Debug("client failure")
}

func (s *session) startWriter() {
	defer s.ended.Done()
	done := s.ctx.Done()

	for {
		select {
		case <-done:
			return
		case <-s.client.txFlush:
			s.client.txLock.Lock()
			if s.client.tx.Buffered() > 0 {
				if err := s.client.tx.Flush(); err != nil {
					s.client.txLock.Unlock()
					if errors.Is(err, net.ErrClosed) {
						return
					}

					log.WithFields(log.Fields{
						"ClientId": s.clientId,
						"err":      err,
					}).Error("TCP TX error")
					return
				}
			}
			s.client.txLock.Unlock()
		}
	}
}
