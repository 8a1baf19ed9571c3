package protomq

import (
	"bufio"
	"sync"

	"github.com/protomq/protomq/internal/queue"
)

type client struct {
	session       *session
	subscriptions topT

	tx      *bufio.Writer
	txFlush chan struct{}
	txLock  sync.Mutex

	// Queued outbound messages, at-most-once.
	q0 queue.Basic

	// Inbound QoS2 packet ids awaiting PUBREL, to suppress re-routing
	// of resent publishes.
	q2RxLookup map[uint16]struct{}
}

func newClient(ses *session) *client {
	c := client{
		session:       ses,
		subscriptions: make(topT),
		tx:            bufio.NewWriter(ses.conn),
		txFlush:       make(chan struct{}, 1),
		q2RxLookup:    make(map[uint16]struct{}, 2),
	}

	c.q0.Init()
	return &c
}

func (c *client) clearState() {
	c.q0.Reset()
	for i := range c.q2RxLookup {
		delete(c.q2RxLookup, i)
	}
}

func (c *client) replaceSession(s *session) {
	c.txLock.Lock()
	c.tx.Reset(s.conn)
	c.txLock.Unlock()
	c.session = s
}

func (c *client) notifyFlusher() {
	if len(c.txFlush) == 0 {
		select {
		case c.txFlush <- struct{}{}:
		default:
		}
	}
}

type topL struct {
	subscribed bool // to this exact level
	children   topT
}

type topT map[string]*topL
