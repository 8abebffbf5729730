package mqttserver

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Control packet types of MQTT 3.1.1.
const (
	typeConnect     byte = 1
	typeConnack     byte = 2
	typePublish     byte = 3
	typePuback      byte = 4
	typeSubscribe   byte = 8
	typeSuback      byte = 9
	typeUnsubscribe byte = 10
	typeUnsuback    byte = 11
	typePingreq     byte = 12
	typePingresp    byte = 13
	typeDisconnect  byte = 14
)

// CONNACK return codes.
const (
	connAccepted       byte = 0x00
	connBadProtocol    byte = 0x01
	connBadCredentials byte = 0x04
)

const maxPacketSize = 256 << 10

var errMalformed = errors.New("malformed packet")

type packet struct {
	kind  byte
	flags byte
	body  []byte
}

func readPacket(r *bufio.Reader) (packet, error) {
	first, err := r.ReadByte()
	if err != nil {
		return packet{}, err
	}
	length, err := readRemainingLength(r)
	if err != nil {
		return packet{}, err
	}
	if length > maxPacketSize {
		return packet{}, fmt.Errorf("packet of %d bytes exceeds limit", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return packet{}, err
	}
	return packet{kind: first >> 4, flags: first & 0x0F, body: body}, nil
}

func readRemainingLength(r io.ByteReader) (int, error) {
	multiplier, value := 1, 0
	for i := 0; i < 4; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(b&127) * multiplier
		if b&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("%w: remaining length", errMalformed)
}

func encodeRemainingLength(n int) []byte {
	var out []byte
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 128
		}
		out = append(out, b)
		if n == 0 {
			return out
		}
	}
}

func encode(kind, flags byte, body []byte) []byte {
	out := []byte{kind<<4 | flags&0x0F}
	out = append(out, encodeRemainingLength(len(body))...)
	return append(out, body...)
}

// reader walks a packet body.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) u8() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, errMalformed
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) u16() (uint16, error) {
	if r.pos+2 > len(r.buf) {
		return 0, errMalformed
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) field() ([]byte, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.buf) {
		return nil, errMalformed
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *reader) str() (string, error) {
	b, err := r.field()
	return string(b), err
}

func (r *reader) rest() []byte { return r.buf[r.pos:] }

func (r *reader) done() bool { return r.pos >= len(r.buf) }

type connectPacket struct {
	protocolLevel byte
	clientID      string
	keepAlive     uint16
	username      string
	password      string
	hasUsername   bool
}

func parseConnect(body []byte) (connectPacket, error) {
	r := &reader{buf: body}
	var c connectPacket
	name, err := r.str()
	if err != nil {
		return c, err
	}
	if c.protocolLevel, err = r.u8(); err != nil {
		return c, err
	}
	if name != "MQTT" && name != "MQIsdp" {
		return c, fmt.Errorf("%w: protocol name %q", errMalformed, name)
	}
	flags, err := r.u8()
	if err != nil {
		return c, err
	}
	if c.keepAlive, err = r.u16(); err != nil {
		return c, err
	}
	if c.clientID, err = r.str(); err != nil {
		return c, err
	}
	if flags&0x04 != 0 {
		if _, err = r.field(); err != nil {
			return c, err
		}
		if _, err = r.field(); err != nil {
			return c, err
		}
	}
	if flags&0x80 != 0 {
		c.hasUsername = true
		if c.username, err = r.str(); err != nil {
			return c, err
		}
	}
	if flags&0x40 != 0 {
		if c.password, err = r.str(); err != nil {
			return c, err
		}
	}
	return c, nil
}

type publishPacket struct {
	topic    string
	qos      byte
	packetID uint16
	payload  []byte
}

func parsePublish(flags byte, body []byte) (publishPacket, error) {
	r := &reader{buf: body}
	p := publishPacket{qos: (flags >> 1) & 0x03}
	if p.qos > 2 {
		return p, fmt.Errorf("%w: qos %d", errMalformed, p.qos)
	}
	var err error
	if p.topic, err = r.str(); err != nil {
		return p, err
	}
	if p.qos > 0 {
		if p.packetID, err = r.u16(); err != nil {
			return p, err
		}
	}
	p.payload = r.rest()
	return p, nil
}

// parseSubscribe returns the packet id and the number of topic filters.
func parseSubscribe(body []byte, withQoS bool) (uint16, int, error) {
	r := &reader{buf: body}
	id, err := r.u16()
	if err != nil {
		return 0, 0, err
	}
	n := 0
	for !r.done() {
		if _, err := r.str(); err != nil {
			return 0, 0, err
		}
		if withQoS {
			if _, err := r.u8(); err != nil {
				return 0, 0, err
			}
		}
		n++
	}
	if n == 0 {
		return 0, 0, fmt.Errorf("%w: empty topic list", errMalformed)
	}
	return id, n, nil
}

func connack(code byte) []byte { return encode(typeConnack, 0, []byte{0x00, code}) }

func ack(kind byte, id uint16) []byte {
	return encode(kind, 0, binary.BigEndian.AppendUint16(nil, id))
}

func suback(id uint16, n int) []byte {
	body := binary.BigEndian.AppendUint16(nil, id)
	// every filter is granted QoS 0
	body = append(body, make([]byte, n)...)
	return encode(typeSuback, 0, body)
}

func publishQoS0(topic string, payload []byte) []byte {
	body := binary.BigEndian.AppendUint16(nil, uint16(len(topic)))
	body = append(body, topic...)
	body = append(body, payload...)
	return encode(typePublish, 0, body)
}
