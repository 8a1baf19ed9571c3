// Package protomq implements a lightweight MQTT v3.1.1 publish/subscribe
// broker (QoS 0) with a message schema registry: subscription topics can
// be bound to Protobuf-style message types, and clients bootstrap schema
// knowledge over the reserved Service Discovery topics.
package protomq

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/protomq/protomq/internal/admin"
	"github.com/protomq/protomq/internal/config"
	"github.com/protomq/protomq/internal/metrics"
	"github.com/protomq/protomq/internal/schema"
	"github.com/protomq/protomq/internal/websocket"
)

type Server struct {
	config.Config
	errs       chan error
	ctx        context.Context
	cancel     context.CancelFunc
	tcpL, tlsL net.Listener

	sesLock sync.Mutex
	clients map[string]*client

	subLock       sync.RWMutex
	subscriptions topicTree

	registry *schema.Registry
	admin    *admin.Server

	activeConns    int64
	messagesRouted uint64
}

// Registry exposes the schema registry, e.g. to embedders driving it
// programmatically instead of over the admin surface.
func (s *Server) Registry() *schema.Registry {
	return s.registry
}

func (s *Server) Run() error {
	if s.TCP.Address == "" && s.TLS.Address == "" && s.WS.Address == "" && s.WSS.Address == "" {
		s.TCP.Address = ":1883" // default to basic TCP only server if nothing specified.
	}
	if s.Schemas.Dir == "" {
		s.Schemas.Dir = "schemas"
	}

	s.errs = make(chan error)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.clients = make(map[string]*client, 16)
	s.subscriptions = make(topicTree, 4)

	if err := s.setupLogging(); err != nil {
		return err
	}
	if err := s.setupRegistry(); err != nil {
		return err
	}

	if err := s.setupTCP(); err != nil {
		return err
	}
	if err := s.setupTLS(); err != nil {
		return err
	}

	s.setupWebsocket()
	s.setupWebsocketSecure()

	if err := s.setupAdmin(); err != nil {
		return err
	}

	lf := make(log.Fields, 4)
	if s.TCP.Address != "" {
		lf["tcp_address"] = s.TCP.Address
	}
	if s.TLS.Address != "" {
		lf["tls_address"] = s.TLS.Address
	}
	if s.WS.Address != "" {
		lf["ws_address"] = s.WS.Address
	}
	if s.WSS.Address != "" {
		lf["wss_address"] = s.WSS.Address
	}
	lf["schema_dir"] = s.Schemas.Dir
	log.WithFields(lf).Info("Starting MQTT server")

	return <-s.errs
}

func (s *Server) Stop() {
	log.Info("Shutting down MQTT server")
	if s.cancel != nil {
		s.cancel()
	}
	if s.tcpL != nil {
		s.tcpL.Close()
	}
	if s.tlsL != nil {
		s.tlsL.Close()
	}
	if s.admin != nil {
		s.admin.Close()
	}
}

func (s *Server) setupLogging() error {
	if s.Log.File != "" {
		f, err := os.OpenFile(s.Log.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		log.SetOutput(f)
	}
	if s.Log.Level != "" {
		switch strings.ToLower(s.Log.Level) {
		case "error":
			log.SetLevel(log.ErrorLevel)
		case "warn":
			log.SetLevel(log.WarnLevel)
		case "info":
			log.SetLevel(log.InfoLevel)
		case "debug":
			log.SetLevel(log.DebugLevel)
		default:
			return errors.New("unknown log level: " + s.Log.Level)
		}
	}

	return nil
}

// setupRegistry loads every schema file, makes sure the reserved
// discovery schema is present, and installs the configured topic
// bindings.
func (s *Server) setupRegistry() error {
	if err := os.MkdirAll(s.Schemas.Dir, 0755); err != nil {
		return err
	}

	s.registry = schema.NewRegistry(s.Schemas.Dir)
	if err := s.registry.EnsureDiscoverySchema(); err != nil {
		return err
	}
	if err := s.registry.LoadDirectory(); err != nil {
		return err
	}

	bindings := s.Schemas.Bindings
	if bindings == nil {
		// No bindings configured: install the example binding when the
		// schema directory provides SensorData.
		if _, ok := s.registry.LookupMessage("SensorData"); ok {
			bindings = map[string]string{"sensor/data": "SensorData"}
		}
	}

	for topic, typeName := range bindings {
		if err := s.registry.BindTopic(topic, typeName); err != nil {
			log.WithFields(log.Fields{
				"topic":       topic,
				"messageType": typeName,
				"err":         err,
			}).Error("Unable to bind topic to message type")
			continue
		}

		log.WithFields(log.Fields{
			"topic":       topic,
			"messageType": typeName,
		}).Info("Bound topic to message type")
	}

	metrics.SchemaCount.Set(float64(s.registry.SchemaCount()))
	return nil
}

func (s *Server) setupTCP() error {
	if s.TCP.Address == "" {
		return nil
	}

	l, err := net.Listen("tcp", s.TCP.Address)
	if err != nil {
		return err
	}

	s.tcpL = l
	go s.startDispatcher(l)
	return nil
}

func (s *Server) setupTLS() error {
	if s.TLS.Address == "" {
		return nil
	}

	cert, err := os.ReadFile(s.TLS.Cert)
	if err != nil {
		return err
	}

	key, err := os.ReadFile(s.TLS.Key)
	if err != nil {
		return err
	}

	kp, err := tls.X509KeyPair(cert, key)
	if err != nil {
		return err
	}
	config := tls.Config{Certificates: []tls.Certificate{kp}}

	l, err := tls.Listen("tcp", s.TLS.Address, &config)
	if err != nil {
		return err
	}

	s.tlsL = l
	go s.startDispatcher(l)
	return nil
}

func (s *Server) setupWebsocket() {
	if s.WS.Address == "" {
		return
	}

	websocket.Serve(s.WS.Address, s.WS.CheckOrigin, s.startSession, s.errs)
}

func (s *Server) setupWebsocketSecure() {
	c := &s.WSS
	if c.Address == "" {
		return
	}

	websocket.ServeTLS(c.Address, c.Cert, c.Key, c.CheckOrigin, s.startSession, s.errs)
}

func (s *Server) setupAdmin() error {
	if s.Admin.Address == "" {
		return nil
	}

	s.admin = admin.New(s.registry, s, s.Admin.Token)
	return s.admin.Serve(s.Admin.Address, s.errs)
}

func (s *Server) startDispatcher(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed") {
				err = nil
			}
			s.errs <- err
			return
		}

		go s.startSession(conn)
	}
}

// addSession installs ses in the client table. A reconnect on an
// existing client id takes the record over and drops all previous
// state (clean-session semantics; nothing is persisted).
func (s *Server) addSession(ses *session) {
	log.WithFields(log.Fields{
		"ClientId": ses.clientId,
	}).Info("New session")

	s.sesLock.Lock()
	c, ok := s.clients[ses.clientId] // [MQTT-3.1.2-4]
	if ok {
		c.session.end()
		log.WithFields(log.Fields{
			"ClientId": ses.clientId,
		}).Debug("Old session present, dropping its state")

		s.removeClientSubscriptions(c)
		c.clearState()
		c.replaceSession(ses)
	} else {
		c = newClient(ses)
		s.clients[ses.clientId] = c
	}
	ses.client = c
	s.sesLock.Unlock()
}

func (s *Server) removeSession(ses *session) {
	s.sesLock.Lock()
	defer s.sesLock.Unlock()
	// check if another new session has not taken over already
	c, ok := s.clients[ses.clientId]
	if !ok || c.session != ses {
		return
	}

	log.WithFields(log.Fields{
		"ClientId": ses.clientId,
	}).Debug("Deleting client session")

	s.removeClientSubscriptions(c)
	delete(s.clients, ses.clientId)
}
