package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/checkpoint/memory"
	"github.com/getpup/searchsync/checkpoint/pebblestore"
	"github.com/getpup/searchsync/checkpoint/sqlstore"
	"github.com/getpup/searchsync/internal/config"
	"github.com/getpup/searchsync/pkg/version"
	"github.com/getpup/searchsync/resume"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "searchsync "+version.Version+"\n", out.String())
}

func TestRunCommand_RejectsInvalidConfig(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"run", "--database", "shop", "--checkpoint-driver", "redis"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "mongodb.collection is required")
	assert.Contains(t, err.Error(), `checkpoint.driver "redis"`)
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger(config.LogConfig{Level: "debug", Format: "json"})
	assert.NoError(t, err)

	_, err = newLogger(config.LogConfig{Level: "loud", Format: "text"})
	assert.Error(t, err)
}

func TestOpenCheckpoints(t *testing.T) {
	gen := searchsync.GenerationID{IndexID: "products-title", Generation: 1}
	info := &resume.ChangeStream{
		Namespace:   resume.Namespace{Database: "shop", Collection: "products"},
		ResumeToken: resume.Token(primitive.Timestamp{T: 10, I: 1}),
	}

	tests := []struct {
		name string
		cfg  func(t *testing.T) config.CheckpointConfig
		want interface{}
	}{
		{
			name: "memory",
			cfg: func(t *testing.T) config.CheckpointConfig {
				return config.CheckpointConfig{Driver: config.DriverMemory}
			},
			want: &memory.Store{},
		},
		{
			name: "sqlite3",
			cfg: func(t *testing.T) config.CheckpointConfig {
				return config.CheckpointConfig{
					Driver: config.DriverSQLite,
					DSN:    filepath.Join(t.TempDir(), "checkpoints.db"),
					Table:  "checkpoints",
				}
			},
			want: &sqlstore.Store{},
		},
		{
			name: "pebble",
			cfg: func(t *testing.T) config.CheckpointConfig {
				return config.CheckpointConfig{Driver: config.DriverPebble, DSN: t.TempDir()}
			},
			want: &pebblestore.Store{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store, closeStore, err := openCheckpoints(ctx, tt.cfg(t))
			require.NoError(t, err)
			defer func() { assert.NoError(t, closeStore()) }()

			assert.IsType(t, tt.want, store)
			require.NoError(t, store.Save(ctx, gen, info))
			loaded, err := store.Load(ctx, gen)
			require.NoError(t, err)
			assert.Equal(t, info, loaded)
		})
	}
}

func TestOpenCheckpoints_UnknownDriver(t *testing.T) {
	_, _, err := openCheckpoints(context.Background(), config.CheckpointConfig{Driver: "redis"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown checkpoint driver")
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "searchsync.yaml")
	content := "mongodb:\n  database: shop\n  collection: products\n" +
		"index:\n  id: products-title\n  generation: 3\n" +
		"checkpoint:\n  driver: pebble\n  dsn: " + filepath.Join(dir, "checkpoints") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCheckpointCommand_SetShowDelete(t *testing.T) {
	path := writeConfig(t)
	want := &resume.ChangeStream{
		Namespace:   resume.Namespace{Database: "shop", Collection: "products"},
		ResumeToken: resume.Token(primitive.Timestamp{T: 10, I: 1}),
	}
	data, err := resume.MarshalExtJSON(want)
	require.NoError(t, err)

	out, err := execute(t, string(data), "checkpoint", "set", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "saved changeStream checkpoint for generation products-title/3\n", out)

	out, err = execute(t, "", "checkpoint", "show", "--config", path)
	require.NoError(t, err)
	shown, err := resume.UnmarshalExtJSON([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, want, shown)

	_, err = execute(t, "", "checkpoint", "delete", "--config", path)
	require.NoError(t, err)

	_, err = execute(t, "", "checkpoint", "show", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no checkpoint for generation")
}

func TestCheckpointCommand_RejectsInvalidJSON(t *testing.T) {
	path := writeConfig(t)

	_, err := execute(t, `{"unrelated": true}`, "checkpoint", "set", "--config", path)

	assert.ErrorIs(t, err, resume.ErrUnknownFormat)
}

func TestCheckpointCommand_RejectsMemoryStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "searchsync.yaml")
	content := "mongodb:\n  database: shop\n  collection: products\nindex:\n  id: products-title\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := execute(t, "", "checkpoint", "show", "--config", path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory checkpoint store")
}
