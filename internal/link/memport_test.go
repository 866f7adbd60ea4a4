package link

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemPortKeepsInjectsWhole(t *testing.T) {
	m := NewMemPort()
	m.Inject([]byte{0xAA, 0x55, 0x03, 0x00, 0x00, 0x00, 0x00, 0x02})
	m.Inject([]byte{0x00, 0x10})
	m.Inject(nil)

	buf := make([]byte, 256)
	n, err := m.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0x55, 0x03, 0x00, 0x00, 0x00, 0x00, 0x02}, buf[:n])

	n, err = m.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x10}, buf[:n])
}

func TestMemPortSplitsForShortBuffer(t *testing.T) {
	m := NewMemPort()
	m.Inject([]byte{1, 2, 3, 4, 5})

	buf := make([]byte, 3)
	n, err := m.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf[:n])

	n, err = m.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, buf[:n])

	require.NoError(t, m.Close())
	_, err = m.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}
