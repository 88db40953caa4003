package execution

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOutputBufferKeepsWhatFits(t *testing.T) {
	out := newOutputBuffer(8)

	require.NoError(t, out.writeLine("abc"))
	require.ErrorIs(t, out.writeLine("defghij"), ErrResourceExceeded)
	require.True(t, out.exceeded)
	require.Equal(t, "abc\ndefg", out.String())

	require.ErrorIs(t, out.writeLine("x"), ErrResourceExceeded)
	require.Equal(t, "abc\ndefg", out.String())
}

func TestTruncateUTF8DoesNotSplitRunes(t *testing.T) {
	require.Equal(t, "h", truncateUTF8("héllo", 2))
	require.Equal(t, "hé", truncateUTF8("héllo", 3))
	require.Equal(t, "", truncateUTF8("héllo", 0))
	require.Equal(t, "hi", truncateUTF8("hi", 10))
}
