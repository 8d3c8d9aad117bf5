package crashdb

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

func encodeReport(r *Report) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(r)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("crashdb: failed to encode report %v: %w", r.ID, err)
	}
	return buf.Bytes(), nil
}

func decodeReport(key, value []byte) (*Report, error) {
	id, err := uuid.FromBytes(key)
	if err != nil {
		return nil, fmt.Errorf("crashdb: invalid report key %x: %w", key, err)
	}
	r := &Report{ID: id}

	dec := msgpack.GetDecoder()
	dec.Reset(bytes.NewReader(value))
	err = dec.Decode(r)
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, fmt.Errorf("crashdb: failed to decode report %v: %w", id, err)
	}
	r.Created = r.Created.UTC()
	r.LastAttempt = r.LastAttempt.UTC()
	return r, nil
}
