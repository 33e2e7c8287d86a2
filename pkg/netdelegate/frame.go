package netdelegate

import (
	"encoding/binary"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/raskyld/warren"
)

// encodeMessage writes msg's three regions to w, each length-prefixed with
// a protobuf-style varint, in Header, Payload, Ports order.
func encodeMessage(w io.Writer, msg *warren.Message) error {
	for _, region := range [][]byte{msg.Header, msg.Payload, msg.Ports} {
		if err := writeFrame(w, region); err != nil {
			return err
		}
	}
	return nil
}

func writeFrame(w io.Writer, region []byte) error {
	prefixed := protowire.AppendVarint(nil, uint64(len(region)))
	prefixed = append(prefixed, region...)
	_, err := w.Write(prefixed)
	return err
}

// decodeMessage reads a Message back out of r in the format written by
// encodeMessage.
func decodeMessage(r io.Reader) (*warren.Message, error) {
	header, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	ports, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	return &warren.Message{Header: header, Payload: payload, Ports: ports}, nil
}

func readFrame(r io.Reader) ([]byte, error) {
	varintBuf := make([]byte, 0, binary.MaxVarintLen64)
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		varintBuf = append(varintBuf, b[0])
		if b[0] < 0x80 {
			break
		}
	}
	size, n := protowire.ConsumeVarint(varintBuf)
	if err := protowire.ParseError(n); err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
