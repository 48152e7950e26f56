// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package embedder

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/config"
)

func openAITestServer(t *testing.T, handler http.HandlerFunc) config.EmbeddingConfig {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.EmbeddingConfig{
		Provider:   "openai",
		Model:      "text-embedding-3-small",
		Dimension:  3,
		Host:       srv.URL,
		APIKey:     "test-key",
		MaxRetries: 1,
		BatchSize:  2,
	}
	return cfg
}

func TestOpenAIEmbedder_NormalizesAndPreservesOrder(t *testing.T) {
	cfg := openAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		// Return embeddings out of order to force index-based reassembly.
		resp := map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{0, 2, 0}, "index": 1},
				{"embedding": []float32{3, 0, 0}, "index": 0},
			},
			"model": req.Model,
		}
		json.NewEncoder(w).Encode(resp)
	})

	e, err := NewOpenAIEmbedder(cfg)
	require.NoError(t, err)

	vectors, err := e.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)

	assert.InDelta(t, 1.0, float64(vectors[0][0]), 1e-6) // normalized {3,0,0}
	assert.InDelta(t, 1.0, float64(vectors[1][1]), 1e-6) // normalized {0,2,0}

	var norm float64
	for _, f := range vectors[0] {
		norm += float64(f) * float64(f)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
}

func TestOpenAIEmbedder_ClassifiesContextLengthAsPermanent(t *testing.T) {
	cfg := openAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message": "This model's maximum context length is 8192 tokens",
				"type":    "invalid_request_error",
				"code":    "context_length_exceeded",
			},
		})
	})

	e, err := NewOpenAIEmbedder(cfg)
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "enormous text")
	assert.ErrorIs(t, err, ErrInputTooLarge)
}

func TestOpenAIEmbedder_ServerErrorIsTransient(t *testing.T) {
	cfg := openAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	e, err := NewOpenAIEmbedder(cfg)
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOpenAIEmbedder_RequiresAPIKey(t *testing.T) {
	_, err := NewOpenAIEmbedder(config.EmbeddingConfig{Provider: "openai", Model: "m", Dimension: 3})
	assert.Error(t, err)
}

func TestNormalize_ZeroVectorUnchanged(t *testing.T) {
	v := []float32{0, 0, 0}
	assert.Equal(t, []float32{0, 0, 0}, Normalize(v))
}

func TestFactory_UnknownProviderRejected(t *testing.T) {
	_, err := New(config.EmbeddingConfig{Provider: "cohere"})
	assert.Error(t, err)
}
