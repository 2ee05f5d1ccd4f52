// Package codec implements Stockbit's bespoke protobuf-flavored wire
// protocol for the orderbook WebSocket feed: base-128 varints and
// length-delimited fields, encoded and decoded by hand because the
// message shape is Stockbit-internal and matches no published .proto.
//
// Grounded on original_source/orderbook_streamer.py's
// encode_websocket_request / decode_orderbook_message /
// decode_nested_orderbook / _encode_varint / _decode_varint.
package codec

import (
	"strconv"
	"strings"

	pkgerrors "stockbit-ingest/internal/errors"
)

const (
	wireVarint     = 0
	wireLengthDelim = 2
)

func tag(fieldNumber, wireType int) uint64 {
	return uint64(fieldNumber<<3) | uint64(wireType)
}

// appendVarint appends value encoded as a base-128 varint to buf.
func appendVarint(buf []byte, value uint64) []byte {
	for value > 0x7f {
		buf = append(buf, byte(value&0x7f)|0x80)
		value >>= 7
	}
	return append(buf, byte(value&0x7f))
}

func appendFieldString(buf []byte, fieldNumber int, value string) []byte {
	buf = appendVarint(buf, tag(fieldNumber, wireLengthDelim))
	buf = appendVarint(buf, uint64(len(value)))
	return append(buf, value...)
}

// EncodeSubscription builds the WebSocket subscription frame sent once a
// session connects. It reproduces the four ticker-name variants the
// server expects inside field 2's nested container (plain, "2"-prefixed,
// ":"-prefixed, and "J"-prefixed), in that order.
func EncodeSubscription(userID string, tickers []string, tradingKey, accessToken string) []byte {
	var inner []byte
	for _, t := range tickers {
		inner = appendFieldString(inner, 2, t)
	}
	for _, t := range tickers {
		inner = appendFieldString(inner, 2, "2"+t)
	}
	for _, t := range tickers {
		inner = appendFieldString(inner, 2, ":"+t)
	}
	for _, t := range tickers {
		inner = appendFieldString(inner, 2, "J"+t)
	}

	var msg []byte
	msg = appendVarint(msg, tag(1, wireVarint))
	uid, _ := strconv.ParseUint(userID, 10, 64)
	msg = appendVarint(msg, uid)

	msg = appendVarint(msg, tag(2, wireLengthDelim))
	msg = appendVarint(msg, uint64(len(inner)))
	msg = append(msg, inner...)

	msg = appendFieldString(msg, 3, tradingKey)
	msg = appendFieldString(msg, 5, accessToken)

	return msg
}

// Subscription is a decoded client subscription frame: the inverse of
// EncodeSubscription, kept mainly for the codec's own round-trip tests
// (testable property: decode(encode(x)) == x modulo field order within
// the repeated ticker group) but also usable by anything that needs to
// inspect a frame before it goes out on the wire.
type Subscription struct {
	UserID      string
	Tickers     []string
	TradingKey  string
	AccessToken string
}

// DecodeSubscription parses a subscription frame produced by
// EncodeSubscription. It recovers the original ticker list by reading
// field 2's nested container (four repeated variants of N tickers each,
// in the order EncodeSubscription wrote them) and returning only the
// first of the four groups.
func DecodeSubscription(data []byte) (*Subscription, error) {
	sub := &Subscription{}
	pos := 0
	for pos < len(data) {
		rawTag, next, err := readVarint(data, pos)
		if err != nil {
			return nil, err
		}
		pos = next

		fieldNumber := int(rawTag >> 3)
		wireType := int(rawTag & 0x7)

		switch wireType {
		case wireVarint:
			v, next, err := readVarint(data, pos)
			if err != nil {
				return nil, err
			}
			pos = next
			if fieldNumber == 1 {
				sub.UserID = strconv.FormatUint(v, 10)
			}
		case wireLengthDelim:
			length, next, err := readVarint(data, pos)
			if err != nil {
				return nil, err
			}
			pos = next
			if length > uint64(len(data)-pos) {
				return nil, pkgerrors.NewCodecError("subscription", "length-delimited field overruns message", nil)
			}
			value := data[pos : pos+int(length)]
			pos += int(length)

			switch fieldNumber {
			case 2:
				tickers, err := decodeTickerGroup(value)
				if err != nil {
					return nil, err
				}
				sub.Tickers = tickers
			case 3:
				sub.TradingKey = string(value)
			case 5:
				sub.AccessToken = string(value)
			}
		default:
			return nil, pkgerrors.NewCodecError("subscription", "unknown wire type", nil)
		}
	}
	return sub, nil
}

// decodeTickerGroup decodes field 2's nested container -- a flat
// sequence of repeated (field 2, length-delimited) entries -- and
// returns just the first of the four N-sized variant groups
// EncodeSubscription wrote (plain tickers before the prefixed ones).
func decodeTickerGroup(data []byte) ([]string, error) {
	var all []string
	pos := 0
	for pos < len(data) {
		rawTag, next, err := readVarint(data, pos)
		if err != nil {
			return nil, err
		}
		pos = next

		fieldNumber := int(rawTag >> 3)
		wireType := int(rawTag & 0x7)
		if wireType != wireLengthDelim || fieldNumber != 2 {
			return nil, pkgerrors.NewCodecError("subscription", "unexpected field in ticker group", nil)
		}

		length, next, err := readVarint(data, pos)
		if err != nil {
			return nil, err
		}
		pos = next
		if length > uint64(len(data)-pos) {
			return nil, pkgerrors.NewCodecError("subscription", "length-delimited ticker entry overruns container", nil)
		}
		all = append(all, string(data[pos:pos+int(length)]))
		pos += int(length)
	}
	if len(all)%4 != 0 {
		return nil, pkgerrors.NewCodecError("subscription", "ticker group length is not a multiple of 4", nil)
	}
	return all[:len(all)/4], nil
}

// readVarint decodes a base-128 varint from data starting at pos,
// returning the value and the position just past it.
func readVarint(data []byte, pos int) (uint64, int, error) {
	var result uint64
	var shift uint
	for pos < len(data) {
		b := data[pos]
		pos++
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, pos, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, pos, pkgerrors.NewCodecError("varint", "varint too long", nil)
		}
	}
	return 0, pos, pkgerrors.NewCodecError("varint", "truncated varint", nil)
}

// Frame is a decoded top-level orderbook message: the nested Field 10
// container unwrapped, keyed by sub-field number, plus a convenience
// Ticker/Payload pair and the opaque timestamp carried in sub-fields 5/9.
type Frame struct {
	Ticker    string
	Payload   string
	Timestamp string // sub-field 5, falling back to sub-field 9; kept as an opaque string
	Fields    map[int]string
}

// DecodeFrame walks a raw WebSocket message and, upon finding field 10
// (the nested orderbook container), decodes its sub-fields and returns a
// Frame. Any other top-level field is skipped; fields with an unknown
// wire type stop the scan (the remainder of the message is assumed
// corrupt) per the original decoder's behavior.
func DecodeFrame(data []byte) (*Frame, error) {
	pos := 0
	for pos < len(data) {
		rawTag, next, err := readVarint(data, pos)
		if err != nil {
			return nil, err
		}
		pos = next

		fieldNumber := int(rawTag >> 3)
		wireType := int(rawTag & 0x7)

		switch wireType {
		case wireVarint:
			_, next, err := readVarint(data, pos)
			if err != nil {
				return nil, err
			}
			pos = next
		case wireLengthDelim:
			length, next, err := readVarint(data, pos)
			if err != nil {
				return nil, err
			}
			pos = next
			if length > uint64(len(data)-pos) {
				return nil, pkgerrors.NewCodecError("frame", "length-delimited field overruns message", nil)
			}
			value := data[pos : pos+int(length)]
			pos += int(length)

			if fieldNumber == 10 {
				return decodeNested(value)
			}
		default:
			return nil, pkgerrors.NewCodecError("frame", "unknown wire type", nil)
		}
	}
	return nil, pkgerrors.NewCodecError("frame", "no field 10 container present", nil)
}

// decodeNested decodes the sub-fields of field 10's nested container.
// Sub-field 1 is the ticker symbol, sub-field 2 the raw orderbook
// payload string, and sub-fields 5/9 carry timestamps whose exact format
// Stockbit has not documented -- they are kept as opaque strings rather
// than parsed.
func decodeNested(data []byte) (*Frame, error) {
	fields := make(map[int]string)
	pos := 0
	for pos < len(data) {
		rawTag, next, err := readVarint(data, pos)
		if err != nil {
			return nil, err
		}
		pos = next

		fieldNumber := int(rawTag >> 3)
		wireType := int(rawTag & 0x7)

		switch wireType {
		case wireVarint:
			v, next, err := readVarint(data, pos)
			if err != nil {
				return nil, err
			}
			pos = next
			fields[fieldNumber] = strconv.FormatUint(v, 10)
		case wireLengthDelim:
			length, next, err := readVarint(data, pos)
			if err != nil {
				return nil, err
			}
			pos = next
			if length > uint64(len(data)-pos) {
				return nil, pkgerrors.NewCodecError("nested_frame", "length-delimited sub-field overruns container", nil)
			}
			fields[fieldNumber] = string(data[pos : pos+int(length)])
			pos += int(length)
		default:
			return nil, pkgerrors.NewCodecError("nested_frame", "unknown wire type", nil)
		}
	}

	frame := &Frame{
		Ticker:  strings.ToUpper(strings.TrimSpace(fields[1])),
		Payload: fields[2],
		Fields:  fields,
	}
	if ts, ok := fields[5]; ok && ts != "" {
		frame.Timestamp = ts
	} else {
		frame.Timestamp = fields[9]
	}
	return frame, nil
}

// Level is a single price level parsed out of an orderbook payload
// string: "#O|TICKER|SIDE|PRICE;LOTS;VALUE|PRICE;LOTS;VALUE|...".
type Level struct {
	Side       string // "BID" or "OFFER", verbatim from the server
	Price      string // kept as a verbatim string; see DESIGN.md
	Lots       string
	TotalValue string // kept as a verbatim string; see DESIGN.md
}

// ParsePayload parses an orderbook payload string into its price levels.
// Price and TotalValue are preserved as the broker's own strings rather
// than coerced to float64, since Stockbit's notation (thousands
// separators, trailing zeros) is lossy to round-trip through a float.
func ParsePayload(raw string) ([]Level, error) {
	parts := strings.Split(raw, "|")
	if len(parts) < 4 {
		return nil, pkgerrors.NewCodecError("payload", "orderbook payload has fewer than 4 pipe-delimited parts", nil)
	}

	side := strings.TrimSpace(parts[2])

	var levels []Level
	for _, raw := range parts[3:] {
		level := strings.TrimSpace(raw)
		if level == "" {
			continue
		}
		fields := strings.Split(level, ";")
		if len(fields) < 3 {
			continue
		}
		levels = append(levels, Level{
			Side:       side,
			Price:      strings.TrimSpace(fields[0]),
			Lots:       strings.TrimSpace(fields[1]),
			TotalValue: strings.TrimSpace(fields[2]),
		})
	}
	return levels, nil
}
