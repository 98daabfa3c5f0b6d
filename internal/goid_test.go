package internal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGoroutineIDStable(t *testing.T) {
	require.NotZero(t, GoroutineID())
	require.Equal(t, GoroutineID(), GoroutineID())
}

func TestGoroutineIDDiffersAcrossGoroutines(t *testing.T) {
	own := GoroutineID()
	ch := make(chan uint64)
	go func() { ch <- GoroutineID() }()
	require.NotEqual(t, own, <-ch)
}

func TestParseGID(t *testing.T) {
	require.EqualValues(t, 123, parseGID([]byte("goroutine 123 [running]:")))
	require.EqualValues(t, 1, parseGID([]byte("goroutine 1 [running]:\nmain.main()")))
	require.Zero(t, parseGID([]byte("nonsense")))
	require.Zero(t, parseGID(nil))
}
