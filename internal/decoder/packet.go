// Package decoder parses MeshCore-style LoRa frames and decrypts their
// channel and direct-message payloads. Every function here is pure: no I/O,
// no global state, no logging.
package decoder

import "errors"

// PayloadType identifies the kind of payload carried by a frame.
type PayloadType uint8

const (
	PayloadRequest      PayloadType = 0x00
	PayloadResponse     PayloadType = 0x01
	PayloadTextMessage  PayloadType = 0x02
	PayloadAck          PayloadType = 0x03
	PayloadAdvert       PayloadType = 0x04
	PayloadGroupText    PayloadType = 0x05
	PayloadGroupData    PayloadType = 0x06
	PayloadAnonRequest  PayloadType = 0x07
	PayloadPath         PayloadType = 0x08
	PayloadTrace        PayloadType = 0x09
	PayloadMultipart    PayloadType = 0x0A
	PayloadControl      PayloadType = 0x0B
	PayloadRawCustom    PayloadType = 0x0F
)

// String renders the payload type the way the gateway logs it; unknown
// values fall back to "Unknown" to match the classification behavior of
// process_raw_packet.
func (p PayloadType) String() string {
	switch p {
	case PayloadRequest:
		return "Request"
	case PayloadResponse:
		return "Response"
	case PayloadTextMessage:
		return "TextMessage"
	case PayloadAck:
		return "Ack"
	case PayloadAdvert:
		return "Advert"
	case PayloadGroupText:
		return "GroupText"
	case PayloadGroupData:
		return "GroupData"
	case PayloadAnonRequest:
		return "AnonRequest"
	case PayloadPath:
		return "Path"
	case PayloadTrace:
		return "Trace"
	case PayloadMultipart:
		return "Multipart"
	case PayloadControl:
		return "Control"
	case PayloadRawCustom:
		return "RawCustom"
	default:
		return "Unknown"
	}
}

// RouteType identifies how a frame was routed.
type RouteType uint8

const (
	RouteTransportFlood  RouteType = 0x00
	RouteFlood           RouteType = 0x01
	RouteDirect          RouteType = 0x02
	RouteTransportDirect RouteType = 0x03
)

// ErrMalformed is returned (wrapped or bare) whenever a frame fails a length
// check during parsing. It never carries a partial result.
var ErrMalformed = errors.New("decoder: malformed packet")

// PacketInfo is the result of a successful header/path parse.
type PacketInfo struct {
	RouteType      RouteType
	PayloadType    PayloadType
	PayloadVersion uint8
	PathLength     uint8
	Path           []byte
	Payload        []byte
}

// ParsePacket parses the header and path of a raw frame. It returns
// ErrMalformed if any length check fails; there is no partial result on
// failure.
func ParsePacket(raw []byte) (*PacketInfo, error) {
	if len(raw) < 2 {
		return nil, ErrMalformed
	}

	header := raw[0]
	route := RouteType(header & 0x03)
	payloadType := PayloadType((header >> 2) & 0x0F)
	payloadVersion := (header >> 6) & 0x03

	offset := 1
	if route == RouteTransportFlood || route == RouteTransportDirect {
		if len(raw) < offset+4 {
			return nil, ErrMalformed
		}
		offset += 4
	}

	if len(raw) < offset+1 {
		return nil, ErrMalformed
	}
	pathLen := raw[offset]
	offset++

	if len(raw) < offset+int(pathLen) {
		return nil, ErrMalformed
	}
	path := raw[offset : offset+int(pathLen)]
	offset += int(pathLen)

	payload := raw[offset:]

	return &PacketInfo{
		RouteType:      route,
		PayloadType:    payloadType,
		PayloadVersion: payloadVersion,
		PathLength:     pathLen,
		Path:           path,
		Payload:        payload,
	}, nil
}

// ExtractPayload returns just the payload bytes, skipping header and path.
// It is a thin wrapper over ParsePacket for callers that only need the
// payload (the raw-packet dedup hash, for instance), and it returns nil,
// ErrMalformed on the same conditions ParsePacket would reject.
func ExtractPayload(raw []byte) ([]byte, error) {
	info, err := ParsePacket(raw)
	if err != nil {
		return nil, err
	}
	return info.Payload, nil
}

// PayloadTypeOf returns the payload type of a raw frame without parsing the
// path, or false if the frame is too short to carry a header byte.
func PayloadTypeOf(raw []byte) (PayloadType, bool) {
	if len(raw) < 1 {
		return 0, false
	}
	return PayloadType((raw[0] >> 2) & 0x0F), true
}
