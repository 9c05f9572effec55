package gitpkt_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ttys3/chartered-git/internal/gitpkt"
)

func TestData(t *testing.T) {
	t.Parallel()

	testcases := map[string]struct {
		input    []byte
		expected []byte
		wantErr  error
	}{
		"a + LF": {
			input:    []byte("a\n"),
			expected: []byte("0006a\n"),
		},
		"a": {
			input:    []byte("a"),
			expected: []byte("0005a"),
		},
		"empty": {
			input:    []byte(""),
			expected: []byte("0004"),
		},
		"data too large": {
			input:   make([]byte, gitpkt.MaxDataSize+1),
			wantErr: gitpkt.ErrDataTooLarge,
		},
		"exact max size": {
			input: make([]byte, gitpkt.MaxDataSize),
			expected: append(
				[]byte(fmt.Sprintf("%04x", gitpkt.MaxDataSize+4)),
				make([]byte, gitpkt.MaxDataSize)...,
			),
		},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			actual, err := gitpkt.Data(tc.input)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, actual)
		})
	}
}

func TestSidebandData_Chunking(t *testing.T) {
	t.Parallel()

	payload := make([]byte, gitpkt.MaxDataSize*2+10)
	for i := range payload {
		payload[i] = byte(i)
	}

	encoded, err := gitpkt.SidebandData(payload)
	require.NoError(t, err)

	dec := &gitpkt.Decoder{}
	dec.Write(encoded)

	var reassembled []byte
	frames := 0
	for {
		frame, ok, err := dec.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		frames++
		require.Equal(t, gitpkt.SidebandPack, frame[0])
		reassembled = append(reassembled, frame[1:]...)
	}

	require.Greater(t, frames, 2, "payload larger than one pkt-line must be chunked")
	require.Equal(t, payload, reassembled)
}

func TestDecoder_RoundTrip(t *testing.T) {
	t.Parallel()

	for n := 1; n <= gitpkt.MaxDataSize; n += 9973 {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i % 251)
		}

		encoded, err := gitpkt.Data(payload)
		require.NoError(t, err)

		dec := &gitpkt.Decoder{}
		dec.Write(encoded)
		got, ok, err := dec.Next()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, payload, got)
	}
}

func TestDecoder_ControlFramesAreConsumedNotYielded(t *testing.T) {
	t.Parallel()

	dec := &gitpkt.Decoder{}
	dec.Write([]byte("0015agent=git/2.32.0"))

	got, ok, err := dec.Next()
	require.NoError(t, err)
	require.False(t, ok, "partial frame should request more bytes")
	require.Nil(t, got)

	dec.Write([]byte("\n"))
	dec.Write([]byte("0002")) // response-end
	dec.Write([]byte("0004")) // empty payload frame
	dec.Write([]byte("0005a"))

	got, ok, err = dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("agent=git/2.32.0"), got)

	got, ok, err = dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{}, got, "the response-end control frame must be skipped silently")

	got, ok, err = dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a"), got)

	_, ok, err = dec.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDecoder_LengthFourIsEmptyNotFlush(t *testing.T) {
	t.Parallel()

	dec := &gitpkt.Decoder{}
	dec.Write([]byte("0004"))

	got, ok, err := dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{}, got)
}

func TestDecoder_RejectsOutOfRangeLength(t *testing.T) {
	t.Parallel()

	dec := &gitpkt.Decoder{}
	dec.Write([]byte("0003xyz"))

	_, _, err := dec.Next()
	require.ErrorIs(t, err, gitpkt.ErrProtocolAbuse)
}

func TestDecoder_RejectsNonHexLength(t *testing.T) {
	t.Parallel()

	dec := &gitpkt.Decoder{}
	dec.Write([]byte("zzzzpayload"))

	_, _, err := dec.Next()
	require.ErrorIs(t, err, gitpkt.ErrProtocolAbuse)
}

func TestFlushDelimiterResponseEnd_EncodeLiterally(t *testing.T) {
	t.Parallel()

	require.Equal(t, "0000", string(gitpkt.Flush))
	require.Equal(t, "0001", string(gitpkt.Delimiter))
	require.Equal(t, "0002", string(gitpkt.ResponseEnd))
}
