package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type user struct {
	Name  string `msgpack:"name"`
	Email string `msgpack:"email"`
}

func TestEncodeDecodeValue(t *testing.T) {
	data, err := EncodeValue(user{Name: "A", Email: "a@example.com"})
	require.NoError(t, err)

	decoded, err := DecodeValue[user](data)
	require.NoError(t, err)
	assert.Equal(t, "A", decoded.Name)
	assert.Equal(t, "a@example.com", decoded.Email)
}

func TestDecodeValueRejectsGarbage(t *testing.T) {
	_, err := DecodeValue[user]([]byte{0xc1, 0xff})
	assert.Error(t, err)
}
