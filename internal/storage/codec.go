package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
)

// Data log record layout:
//
//	op(1) idLen(4) payloadLen(4) id payload
//
// where the payload of an upsert is metaLen(4), metadata JSON, then the
// packed float32 vector. Delete records carry no payload. The same payload
// bytes double as the WAL entry value, so replay and load share one decoder.

func encodePayload(meta map[string]any, vec []float32) ([]byte, error) {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	buf := make([]byte, 4+len(metaBytes)+len(vec)*4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(metaBytes)))
	copy(buf[4:], metaBytes)
	off := 4 + len(metaBytes)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[off+i*4:], math.Float32bits(v))
	}
	return buf, nil
}

func decodePayload(buf []byte, dim int) (map[string]any, []float32, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("payload too short: %d bytes", len(buf))
	}
	metaLen := int(binary.LittleEndian.Uint32(buf[0:4]))
	if len(buf) != 4+metaLen+dim*4 {
		return nil, nil, fmt.Errorf("payload size mismatch: got %d bytes, want %d", len(buf), 4+metaLen+dim*4)
	}
	var meta map[string]any
	if err := json.Unmarshal(buf[4:4+metaLen], &meta); err != nil {
		return nil, nil, fmt.Errorf("decode metadata: %w", err)
	}
	vec := make([]float32, dim)
	off := 4 + metaLen
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off+i*4:]))
	}
	return meta, vec, nil
}

func encodeRecord(op byte, id string, payload []byte) []byte {
	idBytes := []byte(id)
	buf := make([]byte, 9+len(idBytes)+len(payload))
	buf[0] = op
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(idBytes)))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(payload)))
	copy(buf[9:], idBytes)
	copy(buf[9+len(idBytes):], payload)
	return buf
}

// readRecord reads one record from r. Returns io.EOF on a clean end and
// io.ErrUnexpectedEOF on a truncated tail, which callers treat as the end of
// usable data.
func readRecord(r io.Reader) (op byte, id string, payload []byte, err error) {
	header := make([]byte, 9)
	if _, err = io.ReadFull(r, header); err != nil {
		return 0, "", nil, err
	}
	op = header[0]
	idLen := binary.LittleEndian.Uint32(header[1:5])
	payloadLen := binary.LittleEndian.Uint32(header[5:9])

	body := make([]byte, idLen+payloadLen)
	if _, err = io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, "", nil, err
	}
	return op, string(body[:idLen]), body[idLen:], nil
}
