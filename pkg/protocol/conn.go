package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// Message is a fully decoded wire message: a header plus its raw JSON
// payload bytes.
type Message struct {
	Header  Header
	Payload []byte
}

// WriteMessage encodes op/jobID/payload and writes header then payload to
// w as a single logical message. The payload may be nil (e.g. ABORT).
func WriteMessage(w io.Writer, op OpCode, jobID uint64, payload any) error {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("protocol: marshal payload: %w", err)
		}
		body = b
	}
	header := PackHeader(op, jobID, uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("protocol: write header: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("protocol: write payload: %w", err)
		}
	}
	return nil
}

// ReadMessage reads exactly one header and its declared payload from r.
// It validates the version byte and that the payload, if any, is valid
// JSON-shaped bytes (decoding is left to the caller via Decode).
func ReadMessage(r io.Reader) (*Message, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, fmt.Errorf("protocol: read header: %w", err)
	}
	header, err := UnpackHeader(headerBuf)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, header.PayloadLen)
	if header.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("protocol: read payload: %w", err)
		}
		if !json.Valid(payload) {
			return nil, fmt.Errorf("protocol: payload for %s is not valid JSON", header.Op)
		}
	}
	return &Message{Header: header, Payload: payload}, nil
}

// Decode unmarshals the message payload into v. Called after validating
// Header.Op matches the expected opcode for the schema v represents.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode payload for %s: %w", m.Header.Op, err)
	}
	return nil
}
