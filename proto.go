package protomq

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/protomq/protomq/internal/dynamic"
	"github.com/protomq/protomq/internal/metrics"
	"github.com/protomq/protomq/internal/model"
)

var protoNameV4 = []byte{'M', 'Q', 'T', 'T'}

var pingRespPacket = []byte{model.PINGRESP, 0}

// MQTT packet parser states
const (
	// Fixed header
	controlAndFlags = iota
	length

	variableHeaderLen
	variableHeader
	payload
)

var errCleanExit = errors.New("cleanExit")

func protocolViolation(msg string) error {
	return errors.New("client protocol violation: " + msg)
}

func (s *Server) parseStream(ses *session, rx []byte) error {
	p, l := &ses.packet, uint32(len(rx))
	var i uint32

	for i < l {
		switch p.rxState {
		case controlAndFlags:
			p.controlType, p.flags = rx[i]&0xF0, rx[i]&0x0F

			if p.controlType < model.CONNECT || p.controlType > model.DISCONNECT {
				return protocolViolation("invalid control packet")
			}

			// handle first and only connect
			if ses.connectSent {
				if p.controlType == model.CONNECT { // [MQTT-3.1.0-2]
					return protocolViolation("second CONNECT packet")
				}
			} else {
				if p.controlType != model.CONNECT { // [MQTT-3.1.0-1]
					return protocolViolation("first packet not CONNECT")
				}
			}

			switch p.controlType { // [MQTT-2.2.2-1, 2-2]
			case model.CONNECT, model.PUBACK, model.PUBREC, model.PUBCOMP, model.PINGREQ:
				if p.flags != 0 {
					return protocolViolation("malformed packet - Fixed header flags must be 0 (reserved)")
				}
			case model.PUBLISH:
				if (p.flags&0x08 > 0) && (p.flags&0x06 == 0) { // [MQTT-3.3.1-2]
					return protocolViolation("malformed PUBLISH - DUP set for QoS0 Pub")
				}
				if p.flags&0x06 == 6 { // [MQTT-3.3.1-4]
					return protocolViolation("malformed PUBLISH - No QoS3")
				}
			case model.PUBREL:
				if p.flags != 0x02 {
					return protocolViolation("malformed PUBREL")
				}
			case model.SUBSCRIBE:
				if p.flags != 0x02 { // [MQTT-3.8.1-1]
					return protocolViolation("malformed SUBSCRIBE")
				}
			case model.UNSUBSCRIBE:
				if p.flags != 0x02 { // [MQTT-3.10.1-1]
					return protocolViolation("malformed UNSUBSCRIBE")
				}
			case model.DISCONNECT:
				if p.flags != 0 {
					return protocolViolation("malformed DISCONNECT - Fixed header flags must be 0 (reserved)")
				}

				log.WithFields(log.Fields{
					"ClientId": ses.clientId,
				}).Debug("Got DISCONNECT packet")

				return errCleanExit
			}

			p.lenMul = 1
			p.remainingLength = 0
			p.rxState = length
			i++
		case length:
			p.remainingLength += uint32(rx[i]&127) * p.lenMul
			if p.lenMul > 128*128*128 {
				return protocolViolation("malformed remaining length")
			}
			p.lenMul *= 128

			if rx[i]&128 == 0 {
				switch p.controlType {
				case model.CONNECT, model.PUBLISH:
					p.vhLen = 0 // determined later
				case model.PUBACK, model.PUBREC, model.PUBREL, model.PUBCOMP:
					p.vhLen = 2
				case model.SUBSCRIBE:
					if p.remainingLength < 5 { // [MQTT-3.8.3-3]
						return protocolViolation("invalid SUBSCRIBE - no topic filter")
					}
					p.vhLen = 2
				case model.UNSUBSCRIBE:
					if p.remainingLength < 5 { // [MQTT-3.10.3-2]
						return protocolViolation("invalid UNSUBSCRIBE - no topic filter")
					}
					p.vhLen = 2
				case model.PINGREQ:
					if err := ses.writePacket(pingRespPacket); err != nil {
						return err
					}
				}

				if p.remainingLength == 0 {
					ses.updateTimeout()
					p.rxState = controlAndFlags
				} else {
					p.vh = p.vh[:0]
					switch p.controlType {
					case model.CONNECT, model.PUBLISH:
						p.rxState = variableHeaderLen
					default:
						p.rxState = variableHeader
					}
				}
			}

			i++
		case variableHeaderLen:
			p.vh = append(p.vh, rx[i])
			p.vhLen++
			p.remainingLength--

			if p.vhLen == 2 {
				p.vhLen = uint32(binary.BigEndian.Uint16(p.vh)) // vhLen is now remaining
				switch p.controlType {
				case model.CONNECT:
					p.vhLen += 4 // ProtoVersion + ConnectFlags + KeepAlive
				case model.PUBLISH:
					if p.flags&0x06 > 0 { // QoS > 0
						p.vhLen += 2
					}
				}
				p.rxState = variableHeader
			}

			i++
		case variableHeader:
			avail := l - i
			toRead := p.vhLen
			if avail < toRead {
				toRead = avail
			}

			p.vh = append(p.vh, rx[i:i+toRead]...)
			p.remainingLength -= toRead
			p.vhLen -= toRead

			if p.vhLen == 0 {
				c := ses.client
				switch p.controlType {
				case model.CONNECT:
					pnLen := binary.BigEndian.Uint16(p.vh)
					if uint32(len(p.vh)) < uint32(pnLen)+6 {
						return protocolViolation("malformed CONNECT variable header")
					}
					ses.protoVersion = p.vh[2+pnLen]

					if ses.protoVersion != 4 || !bytes.Equal(protoNameV4, p.vh[2:2+pnLen]) { // [MQTT-3.1.2-1]
						ses.sendConnack(model.ConnRefusedVersion, false) // [MQTT-3.1.2-2]
						return protocolViolation("unsupported client protocol. Must be MQTT 3.1.1 (4)")
					}

					if p.remainingLength < 2 { // [MQTT-3.1.3-3]
						return protocolViolation("invalid CONNECT - absent clientId in payload")
					}

					ses.connectFlags = p.vh[3+pnLen]
					if ses.connectFlags&0x01 > 0 { // [MQTT-3.1.2-3]
						return protocolViolation("malformed CONNECT - reserved flag bit set")
					}

					// [MQTT-3.1.2-24]
					ses.keepAlive = time.Duration(binary.BigEndian.Uint16(p.vh[4+pnLen:])) * time.Second * 3 / 2
				case model.PUBLISH:
					tLen := uint32(binary.BigEndian.Uint16(p.vh))
					if tLen > 0 {
						if err := checkUTF8(p.vh[2:2+tLen], true); err != nil { // [MQTT-3.3.2-1]
							return protocolViolation("invalid Publish Topic string: " + err.Error())
						}
					}
					if p.flags&0x06 > 0 { // QoS > 0
						p.pID = binary.BigEndian.Uint16(p.vh[len(p.vh)-2:])
					}
				case model.PUBACK:
					// At-most-once broker; nothing in flight to finalize.
					log.WithFields(log.Fields{
						"ClientId": ses.clientId,
						"packetID": binary.BigEndian.Uint16(p.vh),
					}).Debug("PUBACK received for QoS 0 delivery, ignored")
				case model.PUBREC:
					ack := []byte{model.PUBRELSend, 2, p.vh[0], p.vh[1]}
					if err := ses.writePacket(ack); err != nil {
						return err
					}
				case model.PUBREL: // [MQTT-4.3.3-2]
					delete(c.q2RxLookup, binary.BigEndian.Uint16(p.vh))
					ack := []byte{model.PUBCOMP, 2, p.vh[0], p.vh[1]}
					if err := ses.writePacket(ack); err != nil {
						return err
					}
				case model.PUBCOMP:
					log.WithFields(log.Fields{
						"ClientId": ses.clientId,
						"packetID": binary.BigEndian.Uint16(p.vh),
					}).Debug("PUBCOMP received for QoS 0 delivery, ignored")
				}

				p.payload = p.payload[:0]
				if p.remainingLength == 0 {
					ses.updateTimeout()
					if p.controlType == model.PUBLISH {
						if err := s.handlePublish(ses); err != nil {
							return err
						}
					}
					p.rxState = controlAndFlags
				} else {
					p.rxState = payload
				}
			}

			i += toRead
		case payload:
			avail := l - i
			toRead := p.remainingLength
			if avail < toRead {
				toRead = avail
			}

			p.payload = append(p.payload, rx[i:i+toRead]...)
			p.remainingLength -= toRead

			if p.remainingLength == 0 {
				var err error
				switch p.controlType {
				case model.CONNECT:
					err = s.handleConnect(ses)
				case model.PUBLISH:
					err = s.handlePublish(ses)
				case model.SUBSCRIBE:
					err = s.handleSubscribe(ses)
				case model.UNSUBSCRIBE:
					err = s.handleUnsubscribe(ses)
				}
				if err != nil {
					return err
				}

				ses.updateTimeout()
				p.rxState = controlAndFlags
			}

			i += toRead
		}
	}

	return nil
}

func (s *Server) handleConnect(ses *session) error {
	p := ses.packet.payload
	pLen := uint32(len(p))
	if pLen < 2 {
		return protocolViolation("malformed CONNECT payload too short clientId")
	}

	// Client ID
	clientIdLen := uint32(binary.BigEndian.Uint16(p))
	offs := 2 + clientIdLen
	if pLen < offs {
		return protocolViolation("malformed CONNECT payload too short clientId")
	}

	if clientIdLen > 0 {
		if err := checkUTF8(p[2:offs], false); err != nil { // [MQTT-3.1.3-4]
			return protocolViolation("malformed CONNECT clientId: " + err.Error())
		}

		ses.clientId = string(p[2:offs])
	} else {
		if !ses.cleanSession() { // [MQTT-3.1.3-7]
			ses.sendConnack(model.ConnRefusedIdentifier, false) // [MQTT-3.1.3-8]
			return protocolViolation("must have clientId when clean session 0")
		}

		ses.clientId = "protomq-" + uuid.NewString()
		ses.assignedCId = true
	}

	// Will Topic & Msg. Parsed for validity, then dropped: the broker
	// does not publish wills.
	if ses.connectFlags&0x04 > 0 {
		if pLen < 2+offs {
			return protocolViolation("malformed CONNECT payload no will Topic")
		}

		wTopicLen := uint32(binary.BigEndian.Uint16(p[offs:]))
		offs += 2
		if pLen < offs+wTopicLen {
			return protocolViolation("malformed CONNECT payload too short will Topic")
		}

		if err := checkUTF8(p[offs:offs+wTopicLen], true); err != nil { // [MQTT-3.1.3-10]
			return protocolViolation("malformed CONNECT Will Topic string: " + err.Error())
		}
		offs += wTopicLen

		if pLen < 2+offs {
			return protocolViolation("malformed CONNECT payload no will Message")
		}

		wMsgLen := uint32(binary.BigEndian.Uint16(p[offs:]))
		offs += 2
		if pLen < offs+wMsgLen {
			return protocolViolation("malformed CONNECT payload too short will Message")
		}
		offs += wMsgLen

		if (ses.connectFlags&0x18)>>3 > 2 { // [MQTT-3.1.2-14]
			return protocolViolation("malformed CONNECT invalid will QoS level")
		}
	} else if ses.connectFlags&0x38 > 0 { // [MQTT-3.1.2-11, 2-13, 2-15]
		return protocolViolation("malformed CONNECT will Flags")
	}

	// Username & Password. Parsed, not authenticated.
	if ses.connectFlags&0x80 > 0 {
		if pLen < 2+offs {
			return protocolViolation("malformed CONNECT payload no username")
		}

		userLen := uint32(binary.BigEndian.Uint16(p[offs:]))
		offs += 2
		if pLen < offs+userLen {
			return protocolViolation("malformed CONNECT payload too short username")
		}

		if err := checkUTF8(p[offs:offs+userLen], false); err != nil { // [MQTT-3.1.3-11]
			return protocolViolation("malformed CONNECT User Name: " + err.Error())
		}
		offs += userLen

		if ses.connectFlags&0x40 > 0 {
			if pLen < 2+offs {
				return protocolViolation("malformed CONNECT payload no password")
			}

			passLen := uint32(binary.BigEndian.Uint16(p[offs:]))
			offs += 2
			if pLen < offs+passLen {
				return protocolViolation("malformed CONNECT payload too short password")
			}
			offs += passLen
		}

	} else if ses.connectFlags&0x40 > 0 {
		return protocolViolation("malformed CONNECT password without username")
	}

	if offs != pLen {
		return protocolViolation("malformed CONNECT: unexpected extra payload fields")
	}

	if err := ses.conn.SetReadDeadline(time.Time{}); err != nil { // CONNECT packet timeout cancel
		return err
	}

	s.addSession(ses)
	if err := ses.sendConnack(model.ConnAccepted, false); err != nil { // [MQTT-3.2.2-1, 2-2, 2-3]
		return err
	}
	ses.connectSent = true
	ses.run()
	return nil
}

func (s *Server) handlePublish(ses *session) error {
	p := &ses.packet
	topicLen := uint32(binary.BigEndian.Uint16(p.vh))
	topic := string(p.vh[2 : 2+topicLen])
	pub := model.MakePub(p.flags, p.vh[:topicLen+2], p.payload)
	qos := pub.RxQoS()

	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(log.Fields{
			"ClientId":  ses.clientId,
			"topicName": topic,
			"QoS":       qos,
		}).Debug("Got PUBLISH packet")
	}

	c := ses.client

	// Inbound QoS handshakes are honored so conformant publishers
	// terminate, but delivery onward is always at-most-once.
	switch qos {
	case 1:
		ack := []byte{model.PUBACK, 2, byte(p.pID >> 8), byte(p.pID)}
		if err := ses.writePacket(ack); err != nil {
			return err
		}
	case 2: // [MQTT-4.3.3-2]
		routed := false
		if _, ok := c.q2RxLookup[p.pID]; !ok {
			c.q2RxLookup[p.pID] = struct{}{}
			routed = true
		}
		ack := []byte{model.PUBREC, 2, byte(p.pID >> 8), byte(p.pID)}
		if err := ses.writePacket(ack); err != nil {
			return err
		}
		if !routed {
			return nil // resent publish, already routed
		}
	}

	if topic == discoveryRequestTopic {
		s.sendDiscoveryResponse()
		return nil
	}

	if !s.decodeBoundPayload(ses, topic, pub.Payload()) {
		return nil // strict mode rejection, not routed
	}

	s.routePub(pub, c)
	return nil
}

// decodeBoundPayload decodes the payload of a PUBLISH against the
// message type bound to its topic, if any. Reports whether the message
// should still be routed.
func (s *Server) decodeBoundPayload(ses *session, topic string, payload []byte) bool {
	typeName, ok := s.registry.TypeForTopic(topic)
	if !ok {
		return true
	}

	v, err := dynamic.Decode(payload, typeName, s.registry)
	if err != nil {
		metrics.DecodeFailures.Inc()
		log.WithFields(log.Fields{
			"ClientId":    ses.clientId,
			"topicName":   topic,
			"messageType": typeName,
			"err":         err,
		}).Warn("PUBLISH payload failed schema decode")

		// The broker is a router, not a validator, unless configured
		// strict.
		return !s.Schemas.Strict
	}

	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(log.Fields{
			"ClientId":    ses.clientId,
			"topicName":   topic,
			"messageType": typeName,
			"message":     dynamic.Format(v),
		}).Debug("Decoded PUBLISH payload")
	}

	return true
}

func (s *Server) handleSubscribe(ses *session) error {
	p := ses.packet.payload
	topics := make([][]string, 0, 2)
	i := uint32(0)

	for i+2 <= uint32(len(p)) {
		topicL := uint32(binary.BigEndian.Uint16(p[i:]))
		i += 2
		topicEnd := i + topicL
		if topicEnd+1 > uint32(len(p)) {
			return protocolViolation("malformed SUBSCRIBE - truncated topic filter")
		}
		if p[topicEnd]&0xFC != 0 { // [MQTT-3-8.3-4]
			return protocolViolation("malformed SUBSCRIBE")
		}

		topic := p[i:topicEnd]
		if err := checkUTF8(topic, false); err != nil { // [MQTT-3.8.3-1]
			return protocolViolation("malformed SUBSCRIBE Topic Filter string: " + err.Error())
		}
		if err := checkTopicFilter(string(topic)); err != nil {
			return protocolViolation("malformed SUBSCRIBE Topic Filter: " + err.Error())
		}

		topics = append(topics, splitTopic(string(topic)))
		i = topicEnd + 1
	}
	if i != uint32(len(p)) {
		return protocolViolation("malformed SUBSCRIBE payload")
	}

	log.WithFields(log.Fields{
		"ClientId":     ses.clientId,
		"topicFilters": topics,
	}).Debug("Got SUBSCRIBE packet")

	// Granted QoS is always 0.
	returnCodes := make([]uint8, len(topics))
	s.addSubscriptions(ses.client, topics, returnCodes)

	// [MQTT-3.8.4-1, 4-4, 4-5, 4-6]
	return ses.sendSuback(returnCodes)
}

func (s *Server) handleUnsubscribe(ses *session) error {
	p := ses.packet.payload
	topics := make([][]string, 0, 2)
	i := uint32(0)

	for i+2 <= uint32(len(p)) {
		topicL := uint32(binary.BigEndian.Uint16(p[i:]))
		i += 2
		topicEnd := i + topicL
		if topicEnd > uint32(len(p)) {
			return protocolViolation("malformed UNSUBSCRIBE - truncated topic filter")
		}

		topic := p[i:topicEnd]
		if err := checkUTF8(topic, false); err != nil { // [MQTT-3.10.3-1]
			return protocolViolation("malformed UNSUBSCRIBE Topic Filter string: " + err.Error())
		}

		topics = append(topics, splitTopic(string(topic)))
		i = topicEnd
	}

	log.WithFields(log.Fields{
		"ClientId":     ses.clientId,
		"topicFilters": topics,
	}).Debug("Got UNSUBSCRIBE packet")

	s.removeSubscriptions(ses.client, topics)
	return ses.sendUnsuback()
}

var errInvalidUTF = errors.New("invalid UTF8")
var errContainsWildCards = errors.New("contains wildcard characters")

// [MQTT-1.5.3-1] [MQTT-1.5.3-3]
func checkUTF8(str []byte, checkWildCards bool) error {
	for i := 0; i < len(str); {
		if str[i] == 0 { // [MQTT-1.5.3-2]
			return errInvalidUTF
		}

		if checkWildCards && (str[i] == '+' || str[i] == '#') { // [MQTT-3.3.2-2]
			return errContainsWildCards
		} else if str[i]&0x80 == 0 {
			i++
		} else {
			r, size := utf8.DecodeRune(str[i:])
			if r == utf8.RuneError {
				if size != 1 {
					return nil
				} else {
					return errInvalidUTF
				}
			}
			i += size
		}
	}
	return nil
}

// checkTopicFilter validates wildcard placement: '+' must occupy a
// whole level, '#' must occupy the last level. [MQTT-4.7.1-2, 1-3]
func checkTopicFilter(filter string) error {
	if len(filter) == 0 {
		return errors.New("empty filter")
	}

	levels := splitTopic(filter)
	for n, lvl := range levels {
		switch lvl {
		case "+":
		case "#":
			if n != len(levels)-1 {
				return errors.New("'#' must be the last level")
			}
		default:
			for i := 0; i < len(lvl); i++ {
				if lvl[i] == '+' || lvl[i] == '#' {
					return errors.New("wildcard must occupy a whole level")
				}
			}
		}
	}
	return nil
}
