package model

import "encoding/binary"

// PubMessage is a data message published to the Server by a client,
// stored as received: flags byte + topic UTF8 (2 byte len prefix) + payload.
type PubMessage []byte

func MakePub(rxFlags uint8, topicUTF8, payload []byte) PubMessage {
	p := make(PubMessage, 0, 1+len(topicUTF8)+len(payload))
	p = append(p, rxFlags)
	p = append(p, topicUTF8...)
	p = append(p, payload...)
	return p
}

func (p PubMessage) RxQoS() uint8 {
	return (p[0] & 0x06) >> 1
}

func (p PubMessage) Duplicate() bool {
	return p[0]&0x08 > 0
}

func (p PubMessage) Retain() bool {
	return p[0]&0x01 > 0
}

func (p PubMessage) Topic() []byte {
	tLen := binary.BigEndian.Uint16(p[1:])
	return p[3 : 3+tLen]
}

func (p PubMessage) Payload() []byte {
	tLen := binary.BigEndian.Uint16(p[1:])
	return p[3+tLen:]
}

// WirePacket encodes p as a complete QoS 0 PUBLISH control packet.
// DUP, QoS and RETAIN are always 0 on delivery.
func (p PubMessage) WirePacket() []byte {
	rl := len(p) - 1
	out := make([]byte, 1, 1+LengthToNumberOfVariableLengthBytes(rl)+rl)
	out[0] = PUBLISH
	out = VariableLengthEncode(out, rl)
	return append(out, p[1:]...)
}
