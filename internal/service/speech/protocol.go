package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// 火山引擎语音 WebSocket 二进制帧：4 字节头 + 可选序号/事件 + 4 字节长度 + payload。

type frameType uint8

const (
	frameClientRequest frameType = 0b0001
	frameClientAudio   frameType = 0b0010
	frameServerFull    frameType = 0b1001
	frameServerAudio   frameType = 0b1011
	frameServerError   frameType = 0b1111
)

type frameFlags uint8

const (
	flagNone        frameFlags = 0b0000
	flagSequence    frameFlags = 0b0001
	flagLast        frameFlags = 0b0010
	flagLastWithSeq frameFlags = 0b0011
	flagEvent       frameFlags = 0b0100
)

const (
	serialNone uint8 = 0b0000
	serialJSON uint8 = 0b0001

	compressNone uint8 = 0b0000
	compressGzip uint8 = 0b0001
)

const protocolVersion = 0b0001

// 服务端事件编号，仅列出需要特殊处理的。
const (
	eventConnectionStarted  int32 = 50
	eventConnectionFailed   int32 = 51
	eventConnectionFinished int32 = 52
	eventSessionFinished    int32 = 152
)

type frame struct {
	kind        frameType
	flags       frameFlags
	serial      uint8
	compression uint8
	sequence    int32
	event       int32
	sessionID   string
	connectID   string
	errorCode   uint32
	payload     []byte
}

func (f *frame) last() bool {
	return f.flags&flagLast != 0
}

func (f *frame) hasEvent() bool {
	return f.flags&flagEvent != 0
}

func (f *frame) hasSequence() bool {
	return f.flags&0b0011 == flagSequence || f.flags&0b0011 == flagLastWithSeq
}

// body 返回解压后的 payload。
func (f *frame) body() ([]byte, error) {
	return unpackPayload(f.payload, f.compression)
}

func newRequestFrame(payload []byte, compression uint8) *frame {
	return &frame{kind: frameClientRequest, serial: serialJSON, compression: compression, payload: payload}
}

// newAudioFrame 创建音频帧，最后一包使用负序号。
func newAudioFrame(chunk []byte, sequence int32, last bool, compression uint8) *frame {
	f := &frame{kind: frameClientAudio, serial: serialNone, compression: compression, payload: chunk}
	switch {
	case last && sequence != 0:
		f.flags = flagLastWithSeq
		f.sequence = -sequence
	case last:
		f.flags = flagLast
	case sequence > 0:
		f.flags = flagSequence
		f.sequence = sequence
	}
	return f
}

func eventCarriesSession(event int32) bool {
	// 连接级事件（1/2/50/51/52）不带 session id。
	return event != 1 && event != 2 && !eventCarriesConnect(event)
}

func eventCarriesConnect(event int32) bool {
	return event == eventConnectionStarted || event == eventConnectionFailed || event == eventConnectionFinished
}

func encodeFrame(f *frame) []byte {
	var buf bytes.Buffer
	buf.WriteByte(protocolVersion<<4 | 0b0001)
	buf.WriteByte(uint8(f.kind)<<4 | uint8(f.flags))
	buf.WriteByte(f.serial<<4 | f.compression)
	buf.WriteByte(0)

	word := make([]byte, 4)
	putWord := func(v uint32) {
		binary.BigEndian.PutUint32(word, v)
		buf.Write(word)
	}
	putString := func(s string) {
		putWord(uint32(len(s)))
		buf.WriteString(s)
	}

	if f.hasSequence() {
		putWord(uint32(f.sequence))
	}
	if f.hasEvent() {
		putWord(uint32(f.event))
		if eventCarriesSession(f.event) {
			putString(f.sessionID)
		}
		if eventCarriesConnect(f.event) {
			putString(f.connectID)
		}
	}
	if f.kind == frameServerError {
		putWord(f.errorCode)
	}
	putWord(uint32(len(f.payload)))
	buf.Write(f.payload)
	return buf.Bytes()
}

func decodeFrame(data []byte) (*frame, error) {
	r := bytes.NewReader(data)
	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	if version := head[0] >> 4; version != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", version)
	}
	if extra := int(head[0]&0x0F)*4 - 4; extra > 0 {
		if _, err := r.Seek(int64(extra), io.SeekCurrent); err != nil {
			return nil, fmt.Errorf("skip extended header: %w", err)
		}
	}

	f := &frame{
		kind:        frameType(head[1] >> 4),
		flags:       frameFlags(head[1] & 0x0F),
		serial:      head[2] >> 4,
		compression: head[2] & 0x0F,
	}

	readWord := func(what string) (uint32, error) {
		var v uint32
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return 0, fmt.Errorf("read %s: %w", what, err)
		}
		return v, nil
	}
	readString := func(what string) (string, error) {
		n, err := readWord(what + " size")
		if err != nil {
			return "", err
		}
		if int(n) > r.Len() {
			return "", fmt.Errorf("%s size %d exceeds frame", what, n)
		}
		b := make([]byte, n)
		_, _ = io.ReadFull(r, b)
		return string(b), nil
	}

	if f.hasSequence() {
		v, err := readWord("sequence")
		if err != nil {
			return nil, err
		}
		f.sequence = int32(v)
	}
	if f.hasEvent() {
		v, err := readWord("event")
		if err != nil {
			return nil, err
		}
		f.event = int32(v)
		if eventCarriesSession(f.event) {
			if f.sessionID, err = readString("session id"); err != nil {
				return nil, err
			}
		}
		if eventCarriesConnect(f.event) {
			if f.connectID, err = readString("connect id"); err != nil {
				return nil, err
			}
		}
	}
	if f.kind == frameServerError {
		code, err := readWord("error code")
		if err != nil {
			return nil, err
		}
		f.errorCode = code
	}

	size, err := readWord("payload size")
	if err != nil {
		return nil, err
	}
	if int(size) > r.Len() {
		return nil, fmt.Errorf("payload size %d exceeds frame (%d bytes left)", size, r.Len())
	}
	f.payload = make([]byte, size)
	_, _ = io.ReadFull(r, f.payload)
	return f, nil
}

func packPayload(data []byte, compression uint8) ([]byte, error) {
	switch compression {
	case compressNone:
		return data, nil
	case compressGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("gzip write failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip close failed: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", compression)
	}
}

func unpackPayload(data []byte, compression uint8) ([]byte, error) {
	switch compression {
	case compressNone:
		return data, nil
	case compressGzip:
		if len(data) == 0 {
			return nil, nil
		}
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader creation failed: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip read failed: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", compression)
	}
}
