package loopback

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairDeliversBytesInOrder(t *testing.T) {
	a, b := Pair()

	var mu sync.Mutex
	var got []byte
	b.SetFeed(func(by byte) {
		mu.Lock()
		got = append(got, by)
		mu.Unlock()
	})
	require.NoError(t, b.Open())
	require.NoError(t, a.Open())

	require.NoError(t, a.SendBytes([]byte{1, 2, 3}))
	require.NoError(t, a.SendByte(4))

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("bytes were not delivered")
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
	mu.Unlock()

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	assert.False(t, a.IsOpen())
}

func TestSendAfterCloseFails(t *testing.T) {
	a, b := Pair()
	require.NoError(t, b.Open())
	require.NoError(t, a.Open())
	require.NoError(t, a.Close())

	assert.Error(t, a.SendByte(0xCD))
	require.NoError(t, b.Close())
}
