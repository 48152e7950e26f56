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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/config"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/httpclient"
)

// ollamaEmbedMu serializes all Ollama embedding requests.
// Ollama's llama runner aborts when it receives concurrent embedding
// calls ("decode: cannot decode batches with this context"), so one
// in-flight request per process is the ceiling regardless of caller
// concurrency.
var ollamaEmbedMu sync.Mutex

// OllamaEmbedder talks to a local Ollama instance's /api/embeddings
// endpoint, one text per request.
type OllamaEmbedder struct {
	client    *httpclient.Client
	baseURL   string
	model     string
	dimension int
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaEmbedder builds the provider from the embedding config.
func NewOllamaEmbedder(cfg config.EmbeddingConfig) (*OllamaEmbedder, error) {
	baseURL := cfg.Host
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	timeout := 30 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
	)

	return &OllamaEmbedder{
		client:    client,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()
	return e.embedOne(ctx, text)
}

// EmbedBatch maps Embed over texts; Ollama has no native batch
// endpoint and cannot take concurrent calls anyway.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = v
	}
	return vectors, nil
}

func (e *OllamaEmbedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("embedder: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("embedder: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		message := string(body)
		if len(message) > 300 {
			message = message[:300]
		}
		if strings.Contains(strings.ToLower(message), "context") && strings.Contains(strings.ToLower(message), "length") {
			return nil, fmt.Errorf("%w: %s", ErrInputTooLarge, message)
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, message)
	}

	var response ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if len(response.Embedding) == 0 {
		return nil, fmt.Errorf("%w: received empty embedding", ErrUnavailable)
	}
	if e.dimension > 0 && len(response.Embedding) != e.dimension {
		return nil, fmt.Errorf("embedder: model returned dimension %d, configured %d", len(response.Embedding), e.dimension)
	}
	return Normalize(response.Embedding), nil
}

func (e *OllamaEmbedder) Dimension() int { return e.dimension }

func (e *OllamaEmbedder) Model() string { return e.model }

func (e *OllamaEmbedder) Close() error { return nil }
