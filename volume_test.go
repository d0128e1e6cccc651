package main

import (
	"testing"

	"github.com/paleotronic/diskm8/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePutName(t *testing.T) {
	tests := []struct {
		host string
		want putName
	}{
		{"/tmp/HELLO#0x2000.BIN", putName{Name: "HELLO", Type: disk.FileType_PD_BIN, Aux: 0x2000, Limit: -1}},
		{"STARTUP#0x0801.BAS", putName{Name: "STARTUP", Type: disk.FileType_PD_APP, Aux: 0x0801, Limit: -1}},
		{"README.TXT", putName{Name: "README", Type: disk.FileType_PD_TXT, Limit: -1}},
		{"PRODOS.SYSTEM", putName{Name: "PRODOS.SYSTEM", Type: disk.FileType_PD_SYS, Aux: 0x2000, Limit: -1}},
		{"GAME,A$0300", putName{Name: "GAME", Type: disk.FileType_PD_BIN, Aux: 0x0300, Limit: -1}},
		{"GAME.BIN,A0x4000,L$10", putName{Name: "GAME", Type: disk.FileType_PD_BIN, Aux: 0x4000, Limit: 16}},
		{"src/prog.app.asc", putName{Name: "prog", Type: disk.FileType_PD_APP, Aux: 0x0801, Limit: -1, Tokenize: true}},
		{"LEMON.INT.ASC", putName{Name: "LEMON", Type: disk.FileType_PD_INT, Aux: 0x0801, Limit: -1, Tokenize: true}},
		{"ODD#0x00ff.$C9", putName{Name: "ODD", Type: disk.ProDOSFileType(0xc9), Aux: 0xff, Limit: -1}},
		{`C:\apple\DATA`, putName{Name: "DATA", Type: disk.FileType_PD_BIN, Aux: 0x0801, Limit: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			got, err := parsePutName(tt.host)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeForPut(t *testing.T) {
	data, err := encodeForPut(putName{Type: disk.FileType_PD_BIN, Limit: 2}, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, data)

	data, err = encodeForPut(putName{Type: disk.FileType_PD_APP, Limit: -1, Tokenize: true}, []byte("10 END\r\n"))
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	assert.NotContains(t, string(data), "END")
}

func TestPlainText(t *testing.T) {
	in := []byte{'H' | 0x80, 'I' | 0x80, '\r' | 0x80, 'O', 'K', '\r', 0, 0}
	assert.Equal(t, "HI\nOK\n", plainText(in))
}

func TestParseNumber(t *testing.T) {
	n, err := parseNumber("$C000")
	require.NoError(t, err)
	assert.Equal(t, int64(0xc000), n)

	n, err = parseNumber("0x10")
	require.NoError(t, err)
	assert.Equal(t, int64(16), n)

	_, err = parseNumber("$ZZ")
	assert.ErrorIs(t, err, disk.ErrInvalidArg)
}

func TestFileTypeFromExt(t *testing.T) {
	assert.Equal(t, disk.FileType_PD_TXT, fileTypeFromExt("txt"))
	assert.Equal(t, disk.ProDOSFileType(0xe0), fileTypeFromExt("$E0"))
	assert.Equal(t, disk.FileType_PD_BIN, fileTypeFromExt("whatever"))
}

func TestCreateParams(t *testing.T) {
	p := createParams("/x/Game.2MG")
	assert.Equal(t, disk.FileFormat2MG, p.FileFormat)

	p = createParams("disk.hdv.gz")
	assert.Equal(t, disk.OuterFormatGzip, p.Outer)
	assert.Equal(t, disk.FileFormatSim2eHDV, p.FileFormat)

	p = createParams("raw.nib")
	assert.Equal(t, disk.PhysicalFormatNib525_6656, p.Physical)

	p = createParams("plain.po")
	assert.Equal(t, disk.CreateParams{Path: "plain.po"}, p)
}
