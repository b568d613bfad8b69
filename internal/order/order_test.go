package order

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	cases := []ClientMessage{
		{Kind: Lock, Order: Order{ClientID: 1, Action: Use, Points: 5}},
		{Kind: Free, Order: Order{ClientID: 2, Action: Use, Points: 0}},
		{Kind: Commit, Order: Order{ClientID: 65535, Action: Fill, Points: 999}},
	}

	for _, want := range cases {
		buf, err := EncodeFrame(want)
		require.NoError(t, err)
		require.Len(t, buf, FrameSize)

		got, err := DecodeFrame(buf)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestDecodeFrameRejectsShortFrame(t *testing.T) {
	_, err := DecodeFrame([]byte{1, 0, 1, 1, 0})
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestDecodeFrameRejectsUnknownTags(t *testing.T) {
	_, err := DecodeFrame([]byte{9, 0, 1, 1, 0, 0, 5})
	require.ErrorIs(t, err, ErrInvalidFrame)

	_, err = DecodeFrame([]byte{1, 0, 1, 9, 0, 0, 5})
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestEncodeFrameRejectsOutOfRangePoints(t *testing.T) {
	_, err := EncodeFrame(ClientMessage{Kind: Commit, Order: Order{ClientID: 1, Action: Fill, Points: 1000}})
	require.Error(t, err)
}
