package storage

import (
	"bytes"
	"math"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tchajed/docdb/dberr"
)

// Every record starts with a one-byte codec tag, so a storage can hold a mix
// of compressed and plain records (compression can be toggled between opens).
const (
	codecMsgpack byte = 'm'
	codecSnappy  byte = 's'
)

func encodeRecord(rec map[string]interface{}, compress bool) ([]byte, error) {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "encode record")
	}
	if compress {
		z := snappy.Encode(nil, data)
		return append([]byte{codecSnappy}, z...), nil
	}
	return append([]byte{codecMsgpack}, data...), nil
}

func decodeRecord(b []byte) (map[string]interface{}, error) {
	if len(b) == 0 {
		return nil, errors.Wrap(dberr.ErrStorage, "empty record")
	}
	data := b[1:]
	switch b[0] {
	case codecMsgpack:
	case codecSnappy:
		var err error
		data, err = snappy.Decode(nil, data)
		if err != nil {
			return nil, errors.Wrapf(dberr.ErrStorage, "decompress record: %v", err)
		}
	default:
		return nil, errors.Wrapf(dberr.ErrStorage, "unknown record codec %q", b[0])
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	var rec map[string]interface{}
	if err := dec.Decode(&rec); err != nil {
		return nil, errors.Wrapf(dberr.ErrStorage, "decode record: %v", err)
	}
	for k, v := range rec {
		rec[k] = widen(v)
	}
	return rec, nil
}

// widen maps the narrowest type msgpack decodes a value to onto int64,
// float64, or uint64 for integers past math.MaxInt64. Other values ([]byte
// included) keep their decoded type.
func widen(v interface{}) interface{} {
	switch v := v.(type) {
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint:
		return widen(uint64(v))
	case uint64:
		if v <= math.MaxInt64 {
			return int64(v)
		}
		return v
	case float32:
		return float64(v)
	case []interface{}:
		for i := range v {
			v[i] = widen(v[i])
		}
		return v
	case map[string]interface{}:
		for k, x := range v {
			v[k] = widen(x)
		}
		return v
	case map[interface{}]interface{}:
		for k, x := range v {
			v[k] = widen(x)
		}
		return v
	}
	return v
}

// Clone returns a deep copy of rec as a storage would read it back.
func Clone(rec map[string]interface{}) (map[string]interface{}, error) {
	b, err := encodeRecord(rec, false)
	if err != nil {
		return nil, err
	}
	return decodeRecord(b)
}
