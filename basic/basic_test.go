package basic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHGR2Tokenise(t *testing.T) {
	prog, err := TokenizeApplesoft([]string{
		"10 HGR2 : REM SOMETHING",
		"20 REM SOMETHING ELSE",
	})
	require.NoError(t, err)
	assert.Equal(t, byte(0x90), prog[4])

	s, err := ListApplesoft(prog)
	require.NoError(t, err)
	assert.Contains(t, s, "HGR2 ")
	assert.Contains(t, s, "SOMETHING ELSE")
}

func TestHGRTokenise(t *testing.T) {
	prog, err := TokenizeApplesoft([]string{"10 HGR : REM SOMETHING"})
	require.NoError(t, err)
	assert.Equal(t, byte(0x91), prog[4])

	s, err := ListApplesoft(prog)
	require.NoError(t, err)
	assert.Contains(t, s, "HGR ")
}

func TestApplesoftLinks(t *testing.T) {
	prog, err := TokenizeApplesoft([]string{"10 PRINT \"HI\"", "20 GOTO 10"})
	require.NoError(t, err)

	// first line: link(2) number(2) PRINT "HI" 0
	first := 4 + 1 + 4 + 1
	assert.Equal(t, ApplesoftBase+first, int(prog[0])|int(prog[1])<<8)
	assert.Equal(t, []byte{0, 0}, prog[len(prog)-2:])

	s, err := ListApplesoft(prog)
	require.NoError(t, err)
	assert.Contains(t, s, "10  PRINT \"HI\"")
	assert.Contains(t, s, "20  GOTO 10")
}

func TestApplesoftQuotedKeywords(t *testing.T) {
	prog, err := TokenizeApplesoft([]string{"10 PRINT \"GOTO\""})
	require.NoError(t, err)
	assert.Contains(t, string(prog), "\"GOTO\"")
}

func TestApplesoftTruncated(t *testing.T) {
	prog, err := TokenizeApplesoft([]string{"10 END"})
	require.NoError(t, err)

	s, err := ListApplesoft(prog[:len(prog)-3])
	assert.ErrorIs(t, err, ErrTruncated)
	assert.Contains(t, s, "10")
}

func TestBadLineNumber(t *testing.T) {
	_, err := TokenizeApplesoft([]string{"PRINT"})
	assert.ErrorIs(t, err, ErrBadLine)
	_, err = TokenizeInteger([]string{"X = 1"})
	assert.ErrorIs(t, err, ErrBadLine)
}

func TestIntegerRoundTrip(t *testing.T) {
	prog, err := TokenizeInteger([]string{
		"10 PRINT \"HELLO\"",
		"20 REM DONE",
	})
	require.NoError(t, err)
	assert.Equal(t, int(prog[0]), 3+1+7+1)

	s, err := ListInteger(prog)
	require.NoError(t, err)
	assert.Contains(t, s, "10 ")
	assert.Contains(t, s, "PRINT")
	assert.Contains(t, s, "\"HELLO\"")
	assert.Contains(t, s, "REM DONE")
}

func TestIntegerConstant(t *testing.T) {
	prog := []byte{
		7, 10, 0, // length, line 10
		0xb9, 0x2a, 0x00, // 42
		intEOL,
		0,
	}
	s, err := ListInteger(prog)
	require.NoError(t, err)
	assert.Equal(t, "10 42\n", s)
}
