package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lat.conf")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadMainFileParsesAllDirectives(t *testing.T) {
	path := writeTempConfig(t, `
# leading comment
Anchor: 1; 0,0
Anchor: 2; 10,0
Tag: 7
Reference: doorway; 5,5
Reference: desk; 2,3
LocationServer: locserv.local, 6868
LatServer: latserv.local, 9292
min_x: -1
max_x: 20
min_y: -1
max_y: 20
`)

	cfg, err := LoadMainFile(path)
	require.NoError(t, err)

	assert.Len(t, cfg.Anchors, 2)
	assert.Equal(t, 0.0, cfg.Anchors[1].X)
	assert.Equal(t, 10.0, cfg.Anchors[2].X)
	assert.Equal(t, []uint32{7}, cfg.TagIDs)
	require.Len(t, cfg.References, 2)
	assert.Equal(t, "doorway", cfg.References[0].Name)
	assert.Equal(t, "desk", cfg.References[1].Name)
	assert.Equal(t, "locserv.local", cfg.LocationServerHost)
	assert.Equal(t, 6868, cfg.LocationServerPort)
	assert.Equal(t, "latserv.local", cfg.LatServerHost)
	assert.Equal(t, 9292, cfg.LatServerPort)
	assert.True(t, cfg.HasBounds())
	assert.Equal(t, -1.0, cfg.MinX)
	assert.Equal(t, 20.0, cfg.MaxX)
}

func TestLoadMainFileDefaultsServerPorts(t *testing.T) {
	path := writeTempConfig(t, `Anchor: 1; 0,0`)
	cfg, err := LoadMainFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultLocationServerPort, cfg.LocationServerPort)
	assert.Equal(t, DefaultLatServerPort, cfg.LatServerPort)
	assert.False(t, cfg.HasBounds())
}

func TestLoadMainFileCollectsMultipleErrors(t *testing.T) {
	path := writeTempConfig(t, `
Anchor: notanumber; 0,0
Tag: alsobad
Foo: bar
`)
	cfg, err := LoadMainFile(path)
	require.Error(t, err)
	assert.NotNil(t, cfg)

	var multi *MultiError
	require.ErrorAs(t, err, &multi)
	assert.Len(t, multi.Errors, 3)
}

func TestLoadMainFileIgnoresCaseInLabels(t *testing.T) {
	path := writeTempConfig(t, `ANCHOR: 3; 1,1`)
	cfg, err := LoadMainFile(path)
	require.NoError(t, err)
	require.Contains(t, cfg.Anchors, uint32(3))
}
