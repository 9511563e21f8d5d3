package proc

import (
	"os"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMaps = `55d0c9a00000-55d0c9a2c000 r--p 00000000 08:02 173521                     /opt/app/app.test
55d0c9a2c000-55d0c9b10000 r-xp 0002c000 08:02 173521                     /opt/app/app.test
55d0c9b10000-55d0c9b50000 r--p 00110000 08:02 173521                     /opt/app/app.test
7f1a2c000000-7f1a2c021000 rw-p 00000000 00:00 0
7ffd4b5e1000-7ffd4b602000 rw-p 00000000 00:00 0                          [stack]
`

func TestGetKernelVersion(t *testing.T) {
	assert.NotEmpty(t, GetKernelVersion())
}

func TestParseMaps(t *testing.T) {
	mappings, err := parseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Len(t, mappings, 5)

	assert.Equal(t, uint64(0x55d0c9a00000), mappings[0].Start)
	assert.Equal(t, uint64(0x55d0c9a2c000), mappings[0].End)
	assert.Equal(t, "/opt/app/app.test", mappings[0].Path)
	assert.False(t, mappings[0].Executable())

	assert.True(t, mappings[1].Executable())
	assert.Equal(t, uint64(0x2c000), mappings[1].Offset)

	assert.Empty(t, mappings[3].Path)
	assert.Equal(t, "[stack]", mappings[4].Path)
}

func TestLoadBias(t *testing.T) {
	mappings, err := parseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	bias, err := loadBias(mappings, "/opt/app/app.test", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x55d0c9a00000), bias)

	_, err = loadBias(mappings, "/opt/other", 0)
	assert.Error(t, err)
}

func TestSelfInspection(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}

	path, err := GetBinaryPath(os.Getpid())
	require.NoError(t, err)
	assert.NotEmpty(t, path)

	mappings, err := ReadMaps(os.Getpid())
	require.NoError(t, err)
	assert.NotEmpty(t, mappings)

	assert.GreaterOrEqual(t, PtraceScope(), 0)
}
