package tools

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func invoke(t *testing.T, tool Tool, args map[string]any) map[string]any {
	t.Helper()
	out, err := tool.Invoke(context.Background(), args)
	require.NoError(t, err)
	m, ok := out.(map[string]any)
	require.True(t, ok, "expected map output, got %T", out)
	return m
}

func TestCryptoHash(t *testing.T) {
	tool := &cryptoHashTool{}

	out := invoke(t, tool, map[string]any{"data": "hello"})
	assert.Equal(t, "sha256", out["algorithm"])
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", out["hash"])

	out = invoke(t, tool, map[string]any{"data": "hello", "algorithm": "md5"})
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", out["hash"])
}

func TestCryptoHash_BadArgs(t *testing.T) {
	tool := &cryptoHashTool{}

	_, err := tool.Invoke(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, err.(*schema.EngineError).Code)

	_, err = tool.Invoke(context.Background(), map[string]any{"data": "x", "algorithm": "rot13"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported hash algorithm")
}

func TestCryptoHMAC(t *testing.T) {
	tool := &cryptoHMACTool{}

	out := invoke(t, tool, map[string]any{"data": "hello", "key": "secret"})
	assert.Equal(t, "sha256", out["algorithm"])
	assert.Equal(t, "88aab3ede8d3adf94d26ab90d3bafd4a2083070c3bcce9c014ee04a443847c0b", out["hmac"])

	_, err := tool.Invoke(context.Background(), map[string]any{"data": "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'key'")
}

func TestCryptoUUID(t *testing.T) {
	tool := &cryptoUUIDTool{}

	out := invoke(t, tool, nil)
	id, ok := out["uuid"].(string)
	require.True(t, ok)
	_, err := uuid.Parse(id)
	require.NoError(t, err)

	again := invoke(t, tool, nil)
	assert.NotEqual(t, out["uuid"], again["uuid"])
}
