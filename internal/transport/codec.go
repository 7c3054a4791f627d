package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/signalsfoundry/leo-relay-simulator/model"
)

var be = binary.BigEndian

// Wire flags. Data and Ack share a flag; direction tells them apart.
const (
	FlagInquiry uint32 = 0
	FlagData    uint32 = 1
)

// Fixed sizes in bytes, checksum included.
const (
	ChecksumSize      = 4
	InquirySize       = 16 + ChecksumSize
	PositionReplySize = 16 + ChecksumSize
	AckSize           = 12 + ChecksumSize
	DataHeaderSize    = 16
	MinDataSize       = DataHeaderSize + ChecksumSize
)

const microdegrees = 1e6

var (
	// ErrChecksum covers both checksum mismatches and input too short to
	// carry a checksum. Such datagrams are dropped without a reply.
	ErrChecksum = errors.New("checksum mismatch")
	// ErrUnknownFlag is returned for a valid checksum over an unknown flag.
	ErrUnknownFlag = errors.New("unknown packet flag")
	// ErrMalformed is returned when a checksummed datagram has the wrong
	// shape for its flag.
	ErrMalformed = errors.New("malformed packet")
)

// Kind identifies a packet variant.
type Kind int

const (
	KindInquiry Kind = iota
	KindPositionReply
	KindData
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindInquiry:
		return "inquiry"
	case KindPositionReply:
		return "position_reply"
	case KindData:
		return "data"
	case KindAck:
		return "ack"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Packet is one of Inquiry, PositionReply, Data or Ack.
type Packet interface {
	Kind() Kind
	appendTo(b []byte) []byte
}

// Inquiry asks a satellite for its current position.
type Inquiry struct {
	Sender uint32
}

// PositionReply answers an Inquiry.
type PositionReply struct {
	Satellite uint32
	Position  model.GeoPosition
}

// Available reports whether the satellite had a position to report.
func (p PositionReply) Available() bool { return p.Position.Available() }

// Data carries one chunk of a payload originating at Sender.
type Data struct {
	Sender  uint32
	Seq     uint32
	Total   uint32
	Payload []byte
}

// Ack confirms receipt of the Data chunk with the same Seq by Relay.
type Ack struct {
	Relay uint32
	Seq   uint32
}

func (Inquiry) Kind() Kind       { return KindInquiry }
func (PositionReply) Kind() Kind { return KindPositionReply }
func (Data) Kind() Kind          { return KindData }
func (Ack) Kind() Kind           { return KindAck }

func (p Inquiry) appendTo(b []byte) []byte {
	b = be.AppendUint32(b, FlagInquiry)
	b = be.AppendUint32(b, p.Sender)
	b = be.AppendUint32(b, 0)
	return be.AppendUint32(b, 0)
}

func (p PositionReply) appendTo(b []byte) []byte {
	b = be.AppendUint32(b, FlagInquiry)
	b = be.AppendUint32(b, p.Satellite)
	b = be.AppendUint32(b, uint32(toMicrodegrees(p.Position.Latitude)))
	return be.AppendUint32(b, uint32(toMicrodegrees(p.Position.Longitude)))
}

func (p Data) appendTo(b []byte) []byte {
	b = be.AppendUint32(b, FlagData)
	b = be.AppendUint32(b, p.Sender)
	b = be.AppendUint32(b, p.Seq)
	b = be.AppendUint32(b, p.Total)
	return append(b, p.Payload...)
}

func (p Ack) appendTo(b []byte) []byte {
	b = be.AppendUint32(b, FlagData)
	b = be.AppendUint32(b, p.Relay)
	return be.AppendUint32(b, p.Seq)
}

// Encode serializes p and appends a CRC32 over everything before it.
func Encode(p Packet) []byte {
	size := InquirySize
	if d, ok := p.(Data); ok {
		size = MinDataSize + len(d.Payload)
	}
	b := p.appendTo(make([]byte, 0, size))
	return be.AppendUint32(b, crc32.ChecksumIEEE(b))
}

// DecodeRequest parses a datagram arriving at a relay: Inquiry or Data.
func DecodeRequest(b []byte) (Packet, error) {
	flag, body, err := verify(b)
	if err != nil {
		return nil, err
	}
	switch flag {
	case FlagInquiry:
		if len(b) != InquirySize {
			return nil, fmt.Errorf("%w: inquiry of %d bytes", ErrMalformed, len(b))
		}
		return Inquiry{Sender: be.Uint32(body[4:8])}, nil
	case FlagData:
		if len(b) < MinDataSize {
			return nil, fmt.Errorf("%w: data of %d bytes", ErrMalformed, len(b))
		}
		d := Data{
			Sender: be.Uint32(body[4:8]),
			Seq:    be.Uint32(body[8:12]),
			Total:  be.Uint32(body[12:16]),
		}
		if d.Total == 0 || d.Seq >= d.Total {
			return nil, fmt.Errorf("%w: seq %d of %d", ErrMalformed, d.Seq, d.Total)
		}
		d.Payload = append([]byte(nil), body[DataHeaderSize:]...)
		return d, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFlag, flag)
	}
}

// DecodeResponse parses a datagram arriving at a sender: PositionReply or Ack.
func DecodeResponse(b []byte) (Packet, error) {
	flag, body, err := verify(b)
	if err != nil {
		return nil, err
	}
	switch flag {
	case FlagInquiry:
		if len(b) != PositionReplySize {
			return nil, fmt.Errorf("%w: position reply of %d bytes", ErrMalformed, len(b))
		}
		return PositionReply{
			Satellite: be.Uint32(body[4:8]),
			Position: model.GeoPosition{
				Latitude:  fromMicrodegrees(int32(be.Uint32(body[8:12]))),
				Longitude: fromMicrodegrees(int32(be.Uint32(body[12:16]))),
			},
		}, nil
	case FlagData:
		if len(b) != AckSize {
			return nil, fmt.Errorf("%w: ack of %d bytes", ErrMalformed, len(b))
		}
		return Ack{Relay: be.Uint32(body[4:8]), Seq: be.Uint32(body[8:12])}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFlag, flag)
	}
}

// verify checks the trailing checksum and returns the flag and the bytes it
// covers. Anything too short for a flag, an id and a checksum fails here.
func verify(b []byte) (uint32, []byte, error) {
	if len(b) < 8+ChecksumSize {
		return 0, nil, ErrChecksum
	}
	body := b[:len(b)-ChecksumSize]
	if crc32.ChecksumIEEE(body) != be.Uint32(b[len(b)-ChecksumSize:]) {
		return 0, nil, ErrChecksum
	}
	return be.Uint32(body[0:4]), body, nil
}

func toMicrodegrees(deg float64) int32 {
	v := math.Round(deg * microdegrees)
	return int32(math.Max(math.MinInt32, math.Min(math.MaxInt32, v)))
}

func fromMicrodegrees(v int32) float64 {
	return float64(v) / microdegrees
}
