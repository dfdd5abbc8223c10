package embedder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/openiti-search/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		cfg      func(c *config.EmbeddingConfig)
		wantErr  error
		provider string
	}{
		{
			name:     "local default",
			cfg:      func(c *config.EmbeddingConfig) {},
			provider: ProviderLocal,
		},
		{
			name:    "disabled",
			cfg:     func(c *config.EmbeddingConfig) { c.Enabled = false },
			wantErr: ErrNoProviderEnabled,
		},
		{
			name:    "unknown provider",
			cfg:     func(c *config.EmbeddingConfig) { c.Provider = "word2vec" },
			wantErr: ErrUnsupportedModel,
		},
		{
			name:    "openai without key",
			cfg:     func(c *config.EmbeddingConfig) { c.Provider = ProviderOpenAI },
			wantErr: ErrInvalidInput,
		},
		{
			name: "openai with key",
			cfg: func(c *config.EmbeddingConfig) {
				c.Provider = "OpenAI"
				c.APIKey = "sk-test"
			},
			provider: ProviderOpenAI,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig().Embedding
			tt.cfg(&cfg)

			emb, err := New(cfg, nil, nil)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			defer emb.Close()
			assert.Equal(t, tt.provider, emb.Provider())
			assert.Equal(t, cfg.Dimension, emb.Dimension())
		})
	}
}

func TestNew_LocalEndToEnd(t *testing.T) {
	cfg := config.DefaultConfig().Embedding
	emb, err := New(cfg, nil, nil)
	require.NoError(t, err)

	resp, err := emb.GenerateBatch(context.Background(), BatchEmbeddingRequest{
		Texts: []string{"الحمد لله", "بسم الله"},
		Role:  RolePassage,
	})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 2)
	assert.Len(t, resp.Embeddings[0].Vector, cfg.Dimension)
	assert.Equal(t, ProviderLocal, resp.Provider)
}
