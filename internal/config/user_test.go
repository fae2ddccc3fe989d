package config

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticUserConfigInjectsUserKeys(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-shared")
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	src := NewStaticUserConfig(cfg)
	src.SetUserKey("alice", "openai", "sk-alice")
	ctx := context.Background()

	mine, err := src.TargetsFor(ctx, "alice", []string{"openai/gpt-4o", "local/qwen2.5"})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "sk-alice", mine[0].APIKey)
	assert.Equal(t, "ollama", mine[1].APIKey)

	theirs, err := src.TargetsFor(ctx, "bob", []string{"openai/gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "sk-shared", theirs[0].APIKey)

	assert.ElementsMatch(t, []string{"sk-shared", "ollama", "sk-alice"}, src.Secrets())

	src.ForgetUser("alice")
	mine, err = src.TargetsFor(ctx, "alice", []string{"openai/gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "sk-shared", mine[0].APIKey)
}

func TestStaticUserConfigUnknownTarget(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	_, err = NewStaticUserConfig(cfg).TargetsFor(context.Background(), "alice", []string{"nope/x"})
	assert.True(t, errors.Is(err, ErrUnknownTarget))
}

func TestSetUserKeyEmptyRemoves(t *testing.T) {
	src := NewStaticUserConfig(DefaultConfig())
	src.SetUserKey("alice", "openai", "sk-1")
	src.SetUserKey("alice", "openai", "")
	assert.Empty(t, src.Secrets())
}
