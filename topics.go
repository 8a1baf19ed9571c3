package protomq

import (
	"strings"
	"sync/atomic"

	"github.com/protomq/protomq/internal/metrics"
	"github.com/protomq/protomq/internal/model"
	"github.com/protomq/protomq/internal/queue"
)

func splitTopic(t string) []string {
	return strings.Split(t, "/")
}

type topicLevel struct {
	children    topicTree
	subscribers map[*client]uint8 // client -> granted QoS (always 0)
}

func (tl *topicLevel) init(size int) {
	tl.children = make(topicTree, size)
	tl.subscribers = make(map[*client]uint8, size)
}

type topicTree map[string]*topicLevel // level -> sub levels

// Remove all subscriptions of client.
func (s *Server) removeClientSubscriptions(c *client) {
	var unSub func(topicTree, topT)
	unSub = func(sLevel topicTree, cLevel topT) {
		for l, cTL := range cLevel {
			sTL := sLevel[l]

			if cTL.subscribed {
				cTL.subscribed = false
				delete(sTL.subscribers, c)
			}
			unSub(sTL.children, cTL.children)
		}
	}

	s.subLock.Lock()
	unSub(s.subscriptions, c.subscriptions)
	s.subLock.Unlock()
}

// Add subscriptions for client.
func (s *Server) addSubscriptions(c *client, topics [][]string, qoss []uint8) {
	size := func(n int) (s int) {
		if n < 8 {
			s = 4
		} else if n < 16 {
			s = 2
		} else {
			s = 1
		}
		return
	}

	s.subLock.Lock()
	defer s.subLock.Unlock()

	for i, t := range topics {
		sLev, cLev := s.subscriptions, c.subscriptions

		var sTL *topicLevel
		var cTL *topL
		var ok bool
		for n, tl := range t {
			// Server subscriptions
			if sTL, ok = sLev[tl]; !ok {
				sLev[tl] = &topicLevel{}
				sTL = sLev[tl]
				sTL.init(size(n))
			}

			// Client's subscriptions
			if cTL, ok = cLev[tl]; !ok {
				cLev[tl] = &topL{}
				cTL = cLev[tl]
				cTL.children = make(topT, size(n))
			}

			sLev, cLev = sTL.children, cTL.children
		}
		sTL.subscribers[c] = qoss[i]
		cTL.subscribed = true
	}
}

func (s *Server) removeSubscriptions(c *client, topics [][]string) {
	var sTL *topicLevel
	var cTL *topL
	var ok bool

	s.subLock.Lock()
	defer s.subLock.Unlock()

loop:
	for _, t := range topics {
		sl, cl := s.subscriptions, c.subscriptions

		for _, tl := range t {
			// Server
			if sTL, ok = sl[tl]; !ok {
				continue loop // no one subscribed to this
			}

			// Client
			if cTL, ok = cl[tl]; !ok {
				continue loop // client not subscribed
			}

			sl, cl = sTL.children, cTL.children
		}

		delete(sTL.subscribers, c)
		cTL.subscribed = false
	}
}

// matchSubscribers collects every client with at least one matching
// subscription into targets. A client with several matching filters is
// collected once, so fan-out is at most one delivery per client.
func (s *Server) matchSubscribers(topic []string, targets map[*client]struct{}) {
	collect := func(tl *topicLevel) {
		for c := range tl.subscribers {
			targets[c] = struct{}{}
		}
	}

	var matchLevel func(topicTree, int)
	matchLevel = func(l topicTree, n int) {
		// direct match
		if nl, ok := l[topic[n]]; ok {
			if n < len(topic)-1 {
				matchLevel(nl.children, n+1)
			} else {
				collect(nl)
				if nl, ok := nl.children["#"]; ok { // # match - next level
					collect(nl)
				}
			}
		}

		// # match
		if nl, ok := l["#"]; ok {
			collect(nl)
		}

		// + match. A '+' level matches exactly one non-empty level.
		if nl, ok := l["+"]; ok && topic[n] != "" {
			if n < len(topic)-1 {
				matchLevel(nl.children, n+1)
			} else {
				collect(nl)
				if nl, ok := nl.children["#"]; ok { // # match - next level
					collect(nl)
				}
			}
		}
	}

	matchLevel(s.subscriptions, 0)
}

// routePub matches the published message topic to all subscribers and
// enqueues one delivery per subscriber. from is excluded, so a client
// never receives its own publish back; pass nil for broker-originated
// messages.
func (s *Server) routePub(pub model.PubMessage, from *client) {
	wirePkt := pub.WirePacket()
	topic := splitTopic(string(pub.Topic()))
	targets := make(map[*client]struct{}, 4)

	s.subLock.RLock()
	s.matchSubscribers(topic, targets)
	s.subLock.RUnlock()

	for c := range targets {
		if c == from {
			continue
		}
		c.q0.Add(queue.GetItem(wirePkt))
	}
}

func (s *Server) deliveryDone() {
	atomic.AddUint64(&s.messagesRouted, 1)
	metrics.MessagesRouted.Inc()
}

// TotalMessagesRouted is the number of PUBLISH deliveries successfully
// written to subscriber connections.
func (s *Server) TotalMessagesRouted() uint64 {
	return atomic.LoadUint64(&s.messagesRouted)
}

// ActiveConnections is the number of currently connected clients.
func (s *Server) ActiveConnections() int {
	return int(atomic.LoadInt64(&s.activeConns))
}
