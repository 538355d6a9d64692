package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.chatsync/internal/config"
	"sudooom.im.chatsync/internal/snowflake"
	"sudooom.im.chatsync/internal/store"
	"sudooom.im.chatsync/internal/translate"
)

func testConfig() *config.Config {
	return &config.Config{
		Store: config.StoreConfig{Driver: "memory"},
		Translate: config.TranslateConfig{
			Provider:   "none",
			Limiter:    "memory",
			RateLimit:  12,
			RateWindow: time.Minute,
		},
	}
}

func TestOpenStore_Memory(t *testing.T) {
	st, err := openStore(context.Background(), testConfig(), snowflake.NewNode(1))
	require.NoError(t, err)
	defer st.Close()

	_, ok := st.(*store.Memory)
	assert.True(t, ok)
}

func TestSeedIdentities_Verified(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(snowflake.NewNode(1))

	err := seedIdentities(ctx, st, []config.SeedIdentity{
		{ID: "alice", Name: "Alice", Language: "en"},
		{ID: "bob", Name: "Bob", Language: "hi"},
	})
	require.NoError(t, err)

	bob, err := st.FindIdentity(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, bob.IsVerified)
	assert.Equal(t, "hi", bob.PreferredLanguage)
}

func TestNewOverlay_NoProviderKeepsOriginal(t *testing.T) {
	overlay, err := newOverlay(testConfig(), nil, slog.Default())
	require.NoError(t, err)

	res := overlay.Translate(context.Background(), "hello", "en", "hi")
	assert.Equal(t, translate.Result{Text: "hello"}, res)
}

func TestTokenCommand(t *testing.T) {
	cfg = &config.Config{Auth: config.AuthConfig{Secret: "s3cret", AccessExpire: time.Hour, Issuer: "chatsync"}}
	tokenUser = "alice"
	t.Cleanup(func() { tokenUser = "" })

	var out, errOut bytes.Buffer
	tokenCmd.SetOut(&out)
	tokenCmd.SetErr(&errOut)
	require.NoError(t, tokenCmd.RunE(tokenCmd, nil))

	assert.NotEmpty(t, out.String())
	assert.Contains(t, errOut.String(), "expires at")
}
