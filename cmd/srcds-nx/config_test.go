package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrdl/nxdetour/fixer/games"
)

func TestSplitArgs(t *testing.T) {
	own, server := splitArgs([]string{"-console", "--nx-log-level=debug", "-game", "doi", "--nx-game=doi", "+map", "bastogne"})

	assert.Equal(t, []string{"--log-level=debug", "--game=doi"}, own)
	assert.Equal(t, []string{"-console", "-game", "doi", "+map", "bastogne"}, server)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, server, err := LoadConfig([]string{"-game", "left4dead2"}, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "dedicated", cfg.Dedicated)
	assert.Empty(t, cfg.LogFile)
	assert.Empty(t, cfg.Game)
	assert.Empty(t, cfg.SearchPath)
	assert.Equal(t, []string{"-game", "left4dead2"}, server)
}

func TestLoadConfigSources(t *testing.T) {
	dir := t.TempDir()
	yaml := "log_level: warn\ndedicated: dedicated_srv\nsearch_path:\n  - /srv/doi\n  - /srv/doi/bin\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "srcds-nx.yaml"), []byte(yaml), 0o644))
	t.Setenv("SRCDS_NX_GAME", "ins")
	t.Setenv("SRCDS_NX_LOG_LEVEL", "error")

	cfg, _, err := LoadConfig([]string{"--nx-log-level=debug"}, dir)
	require.NoError(t, err)

	expected := &Config{
		LogLevel:   "debug", // flag beats env beats file
		Dedicated:  "dedicated_srv",
		Game:       "ins",
		SearchPath: []string{"/srv/doi", "/srv/doi/bin"},
	}
	if diff := deep.Equal(cfg, expected); diff != nil {
		t.Error(diff)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	_, _, err := LoadConfig([]string{"--nx-unknown=1"})
	assert.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "srcds-nx.yaml"), []byte("log_level: [\n"), 0o644))
	_, _, err = LoadConfig(nil, dir)
	assert.Error(t, err)
}

func TestInitLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "srcds-nx.log")
	logger, closer, err := InitLogger(&Config{LogLevel: "debug", LogFile: path})
	require.NoError(t, err)

	assert.Equal(t, logrus.DebugLevel, logger.Level)
	logger.Debug("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=hello")

	_, _, err = InitLogger(&Config{LogLevel: "loud"})
	assert.Error(t, err)
}

func TestSearchPath(t *testing.T) {
	assert.Equal(t, []string{"/srv/doi", "/srv/doi/bin"},
		searchPath(&Config{}, "/srv/doi/srcds_osx"))
	assert.Equal(t, []string{"/Games/doi", "/Games/doi/bin"},
		searchPath(&Config{}, "/Games/doi/srcds.app/Contents/MacOS/srcds"))
	assert.Equal(t, []string{"/opt/libs"},
		searchPath(&Config{SearchPath: []string{"/opt/libs"}}, "/srv/doi/srcds_osx"))
}

func TestBranchOverride(t *testing.T) {
	b, err := branch(&Config{Game: "doi"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, games.DayOfInfamy, b)

	_, err = branch(&Config{Game: "portal"}, nil, nil)
	assert.Error(t, err)
}
