package cache

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeValue serializes a typed value into the opaque payload stored in an
// entry. The cache itself only ever sees bytes.
func EncodeValue[T any](val T) ([]byte, error) {
	data, err := msgpack.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to marshal value: %w", err)
	}
	return data, nil
}

// DecodeValue deserializes a payload previously produced by EncodeValue.
func DecodeValue[T any](data []byte) (T, error) {
	var result T
	if err := msgpack.Unmarshal(data, &result); err != nil {
		var zero T
		return zero, fmt.Errorf("cache: failed to unmarshal value: %w", err)
	}
	return result, nil
}
