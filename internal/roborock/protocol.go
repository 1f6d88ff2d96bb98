package roborock

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math/rand"
	"time"
)

// ProtocolKind identifies which command/transport implementation a device
// requires, keyed on the catalog's pv tag.
type ProtocolKind string

const (
	// ProtocolV1 is the classic MQTT request/response protocol.
	ProtocolV1 ProtocolKind = "1.0"
	// ProtocolA01 is reserved. Devices carrying it are recognized but
	// have no client implementation yet.
	ProtocolA01 ProtocolKind = "A01"
)

type messageProtocol uint16

const (
	protocolGeneralReq  messageProtocol = 4
	protocolGeneralResp messageProtocol = 5
	protocolRpcRequest  messageProtocol = 101
	protocolRpcResponse messageProtocol = 102
)

// message is one framed unit on the device channel. Payloads are
// encrypted per message with a key derived from the device localKey and
// the frame timestamp.
type message struct {
	Seq       uint32
	Random    uint32
	Timestamp uint32
	Protocol  messageProtocol
	Payload   []byte
}

const frameHeaderLen = 3 + 4 + 4 + 4 + 2 // version, seq, random, ts, protocol

// encodeFrame serializes and encrypts a message into the wire frame
// published on the MQTT request topic.
func encodeFrame(msg message, localKey string) ([]byte, error) {
	if msg.Timestamp == 0 {
		msg.Timestamp = nowTimestamp()
	}
	if msg.Seq == 0 {
		msg.Seq = uint32(nextInt(100000, 999999))
	}
	if msg.Random == 0 {
		msg.Random = uint32(nextInt(10000, 99999))
	}

	var payload []byte
	if len(msg.Payload) > 0 {
		key := payloadKey(localKey, msg.Timestamp)
		enc, err := aesEcbEncrypt(msg.Payload, key)
		if err != nil {
			return nil, err
		}
		payload = enc
	}

	buf := &bytes.Buffer{}
	buf.Write([]byte(ProtocolV1))
	_ = binary.Write(buf, binary.BigEndian, msg.Seq)
	_ = binary.Write(buf, binary.BigEndian, msg.Random)
	_ = binary.Write(buf, binary.BigEndian, msg.Timestamp)
	_ = binary.Write(buf, binary.BigEndian, uint16(msg.Protocol))
	_ = binary.Write(buf, binary.BigEndian, uint16(len(payload)))
	buf.Write(payload)
	_ = binary.Write(buf, binary.BigEndian, crc32.ChecksumIEEE(buf.Bytes()))
	return buf.Bytes(), nil
}

// decodeFrame parses one frame from the response topic. Frames arriving
// with a 4-byte length prefix are accepted too; some firmware versions
// prepend it.
func decodeFrame(frame []byte, localKey string) (message, error) {
	if len(frame) >= 4+frameHeaderLen && !isVersionTag(frame[:3]) {
		length := binary.BigEndian.Uint32(frame[:4])
		if int(length)+4 <= len(frame) && isVersionTag(frame[4:7]) {
			frame = frame[4 : 4+length]
		}
	}
	if len(frame) < frameHeaderLen+4 {
		return message{}, errors.New("frame too short")
	}
	if !isVersionTag(frame[:3]) {
		return message{}, fmt.Errorf("unknown frame version %q", frame[:3])
	}

	checksumOffset := len(frame) - 4
	data := frame[:checksumOffset]
	checksum := binary.BigEndian.Uint32(frame[checksumOffset:])
	if checksum != 0 && crc32.ChecksumIEEE(data) != checksum {
		return message{}, errors.New("checksum mismatch")
	}

	msg := message{
		Seq:       binary.BigEndian.Uint32(frame[3:7]),
		Random:    binary.BigEndian.Uint32(frame[7:11]),
		Timestamp: binary.BigEndian.Uint32(frame[11:15]),
		Protocol:  messageProtocol(binary.BigEndian.Uint16(frame[15:17])),
	}
	if len(data) == frameHeaderLen {
		return msg, nil
	}

	payloadLen := int(binary.BigEndian.Uint16(data[17:19]))
	if frameHeaderLen+2+payloadLen > len(data) {
		return message{}, errors.New("payload length out of range")
	}
	if payloadLen == 0 {
		return msg, nil
	}
	key := payloadKey(localKey, msg.Timestamp)
	payload, err := aesEcbDecrypt(data[frameHeaderLen+2:frameHeaderLen+2+payloadLen], key)
	if err != nil {
		return message{}, fmt.Errorf("decrypt payload: %w", err)
	}
	msg.Payload = payload
	return msg, nil
}

func isVersionTag(b []byte) bool {
	switch string(b) {
	case string(ProtocolV1), string(ProtocolA01), "L01", "B01":
		return true
	}
	return false
}

func payloadKey(localKey string, timestamp uint32) []byte {
	return md5Bytes(append(append(encodeTimestamp(timestamp), []byte(localKey)...), []byte(roborockSalt)...))
}

// encodeTimestamp scrambles the hex timestamp into the vendor's key
// derivation order.
func encodeTimestamp(ts uint32) []byte {
	hex := fmt.Sprintf("%08x", ts)
	order := []int{5, 6, 3, 7, 1, 2, 0, 4}
	out := make([]byte, 8)
	for i, idx := range order {
		out[i] = hex[idx]
	}
	return out
}

func nowTimestamp() uint32 {
	return uint32(time.Now().Unix())
}

func nextInt(min, max int) int {
	if max <= min {
		return min
	}
	return rand.Intn(max-min) + min
}
