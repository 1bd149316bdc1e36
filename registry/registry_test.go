package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "names.txt")
	err := os.WriteFile(path, []byte("person\r\nchair\n\ntable\n"), 0o644)
	assert.NoError(t, err)

	lines, err := ReadLines(path)
	assert.NoError(t, err)
	assert.Equal(t, []string{"person", "chair", "table"}, lines)
}

func TestReadLines_Missing(t *testing.T) {
	_, err := ReadLines(filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}

func TestParseEnvironment(t *testing.T) {
	for in, want := range map[string]Environment{
		"indoor":   Indoor,
		"Outdoor":  Outdoor,
		" OUTDOOR": Outdoor,
	} {
		env, err := ParseEnvironment(in)
		assert.NoError(t, err)
		assert.Equal(t, want, env)
	}

	_, err := ParseEnvironment("underwater")
	assert.Error(t, err)
}

func TestSelect_UnknownEnvironment(t *testing.T) {
	r := &Registry{}
	_, _, err := r.Select(Environment("space"))
	assert.Error(t, err)
}

func TestOutdoorClassNames(t *testing.T) {
	assert.Len(t, OutdoorClassNames, 10)
	assert.Equal(t, "Ambulance", OutdoorClassNames[0])
	assert.Equal(t, "zebra-crossing", OutdoorClassNames[9])
}
