// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package utils provides small shared helpers.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// EstimateTokens provides a rough token estimation for rate
// accounting: about 4 characters per token.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// EnsureDataDir ensures the .kpath data directory exists under the
// given base path (current directory when basePath is empty or ".").
// Snapshots and embedded vector stores live beneath it.
func EnsureDataDir(basePath string) (string, error) {
	var dir string
	if basePath == "" || basePath == "." {
		dir = ".kpath"
	} else {
		dir = filepath.Join(basePath, ".kpath")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory at '%s': %w", dir, err)
	}

	return dir, nil
}
