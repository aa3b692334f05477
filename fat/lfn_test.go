package fat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeShortName11DotEntries(t *testing.T) {
	dot := encodeShortName11(".")
	require.Equal(t, [11]byte{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}, dot)

	dotdot := encodeShortName11("..")
	require.Equal(t, [11]byte{'.', '.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}, dotdot)
}

func TestEncodeShortName11OrdinaryName(t *testing.T) {
	got := encodeShortName11("FOO.TXT")
	want := padShortName11("FOO", "TXT")
	require.Equal(t, want, got)
}

func TestNeedsLongName(t *testing.T) {
	require.False(t, needsLongName("FOO.TXT"))
	require.False(t, needsLongName("."))
	require.False(t, needsLongName(".."))
	require.True(t, needsLongName("foo.txt"), "lowercase requires an LFN")
	require.True(t, needsLongName("A.B.C"), "more than one dot requires an LFN")
	require.True(t, needsLongName("Space Name.txt"))
	require.True(t, needsLongName("REALLYLONGNAME.TXT"), "body over 8 chars requires an LFN")
}

func TestEncodeDecodeLFNFragmentsRoundTrip(t *testing.T) {
	shortName11 := padShortName11("LONGNA~1", "TXT")
	longName := "Long File Name With Spaces.txt"

	fragments := encodeLFNFragments(longName, shortName11)
	require.NotEmpty(t, fragments)

	// Round trip through the byte encoding, exactly as dirops.go does when
	// writing/reading a directory's raw bytes.
	var roundTripped []RawLongDirent
	for _, frag := range fragments {
		raw := rawLongDirentToBytes(frag)
		roundTripped = append(roundTripped, rawLongDirentFromBytes(raw))
	}

	got := decodeLFNFragments(roundTripped, shortName11)
	require.Equal(t, longName, got)
}

func TestDecodeLFNFragmentsRejectsChecksumMismatch(t *testing.T) {
	shortName11 := padShortName11("LONGNA~1", "TXT")
	otherShortName11 := padShortName11("LONGNA~2", "TXT")
	fragments := encodeLFNFragments("Long File Name.txt", shortName11)

	got := decodeLFNFragments(fragments, otherShortName11)
	require.Empty(t, got, "a checksum mismatch must not produce a name")
}

func TestGenerateNumericTailSequence(t *testing.T) {
	base, ext := "LONGFI", "TXT"

	b1, e1 := generateNumericTail(base, ext, "Long File Name.txt", 1)
	require.Equal(t, "LONGFI~1", b1)
	require.Equal(t, "TXT", e1)

	b2, _ := generateNumericTail(base, ext, "Long File Name.txt", 2)
	require.Equal(t, "LONGFI~2", b2)
	require.NotEqual(t, b1, b2)
}

func TestGenerateNumericTailFallsBackToHashPastFive(t *testing.T) {
	base, ext := "LONGFI", "TXT"
	b, e := generateNumericTail(base, ext, "Long File Name.txt", 6)

	require.Contains(t, b, "~")
	require.Equal(t, "TXT", e)
}

func TestBuildBaseShortNameTruncatesAndStrips(t *testing.T) {
	base, ext := buildBaseShortName("a very long file name.txt")
	require.LessOrEqual(t, len(base), 8)
	require.LessOrEqual(t, len(ext), 3)
	require.NotContains(t, base, " ")
	require.Equal(t, "TXT", ext)
}
