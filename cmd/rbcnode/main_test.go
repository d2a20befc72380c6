package main

import (
	"flag"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/drand/rbc/config"
)

func runCommand(t *testing.T, name string, args []string) {
	t.Helper()
	set := flag.NewFlagSet("test", 0)
	for _, f := range appCommands {
		if f.Name == name {
			for _, fl := range f.Flags {
				require.NoError(t, fl.Apply(set))
			}
		}
	}
	require.NoError(t, set.Parse(args))
	ctx := cli.NewContext(cli.NewApp(), set, nil)

	var cmd *cli.Command
	for _, c := range appCommands {
		if c.Name == name {
			cmd = c
		}
	}
	require.NotNil(t, cmd)
	require.NoError(t, cmd.Action(ctx))
}

func TestKeygenWritesLoadableConfigs(t *testing.T) {
	dir := t.TempDir()
	runCommand(t, "keygen", []string{
		"--n", "4",
		"--t", "1",
		"--base-addr", "127.0.0.1:31500",
		"--client-addr", "127.0.0.1:9500",
		"--out", dir,
	})

	for i := 0; i < 4; i++ {
		path := filepath.Join(dir, "config-"+strconv.Itoa(i)+".toml")
		cfg, err := config.Load(path)
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
		require.Equal(t, i, cfg.ID)
		require.Equal(t, 4, len(cfg.NetMap))
		require.Equal(t, 4, len(cfg.SKMap))
	}
}
