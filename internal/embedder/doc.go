// Package embedder turns text into unit-length vectors for the semantic
// side of the search engine.
//
// Every text is prepared the same way before it reaches a provider: the
// script normalizer runs first, then the role prefix is added ("query: "
// for search input, "passage: " for corpus chunks). Asymmetric retrieval
// models are trained on that convention.
//
// # Providers
//
// The provider is chosen by embedding.provider:
//
//   - openai: POST {base_url}/embeddings, Bearer auth
//   - jina: same request shape as openai, different default base URL
//   - tei: a text-embeddings-inference server, POST {base_url}/embed
//   - local: deterministic feature hashing, no network and no model files
//
// Remote calls are throttled with a token bucket (embedding.requests_per_second)
// and retried with exponential backoff on transport errors, 429 and 5xx.
//
// # Usage
//
//	emb, err := embedder.New(cfg.Embedding, normalizer, logger)
//	if err != nil {
//	    return err
//	}
//	defer emb.Close()
//
//	resp, err := emb.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{
//	    Texts: texts,
//	    Role:  embedder.RolePassage,
//	})
//
// # Caching
//
// Results are cached in an LRU keyed by the SHA-256 of model and prepared
// text, so re-ingesting unchanged chunks and repeated queries skip the
// provider. Cached vectors are copied on read and write.
//
// # Errors
//
// Provider failures are classified as types.KindEmbedding. The search engine
// uses that kind to fall back to lexical results in hybrid mode.
package embedder
