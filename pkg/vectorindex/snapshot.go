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

package vectorindex

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// magic identifies a KPATH vector snapshot file. The header that
// follows makes the file self-describing: the embedding model
// identifier, the vector dimension, the entry count, and a
// service_id -> byte-offset table, with a SHA-256 of everything
// before it as the trailer.
var magic = [4]byte{'K', 'P', 'V', '1'}

type snapshotRecord struct {
	ServiceID  int64
	VersionTag int64
	Vector     []float32
}

// recordSize is the fixed on-disk size of one record for the given
// dimension: service_id, version_tag, then the raw float32s.
func recordSize(dimension int) int {
	return 8 + 8 + 4*dimension
}

// writeSnapshot writes the snapshot to a temp file in path's
// directory and returns the temp path; the caller renames it into
// place under the index's write lock, so readers only ever observe a
// complete file.
func writeSnapshot(path, model string, dimension int, records []snapshotRecord) (tmpPath string, err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return "", fmt.Errorf("vectorindex: create temp snapshot: %w", err)
	}
	tmpPath = tmp.Name()
	defer tmp.Close()

	h := sha256.New()
	bw := bufio.NewWriter(io.MultiWriter(tmp, h))

	if _, err := bw.Write(magic[:]); err != nil {
		return tmpPath, err
	}
	modelBytes := []byte(model)
	if err := writeUint32(bw, uint32(len(modelBytes))); err != nil {
		return tmpPath, err
	}
	if _, err := bw.Write(modelBytes); err != nil {
		return tmpPath, err
	}
	if err := writeUint32(bw, uint32(dimension)); err != nil {
		return tmpPath, err
	}
	if err := writeUint32(bw, uint32(len(records))); err != nil {
		return tmpPath, err
	}

	// Offset table: records are laid out back to back right after the
	// table, so every offset is computable up front.
	headerSize := 4 + 4 + len(modelBytes) + 4 + 4
	tableSize := 16 * len(records)
	offset := headerSize + tableSize
	for _, r := range records {
		if err := writeUint64(bw, uint64(r.ServiceID)); err != nil {
			return tmpPath, err
		}
		if err := writeUint64(bw, uint64(offset)); err != nil {
			return tmpPath, err
		}
		offset += recordSize(dimension)
	}

	for _, r := range records {
		if err := writeUint64(bw, uint64(r.ServiceID)); err != nil {
			return tmpPath, err
		}
		if err := writeUint64(bw, uint64(r.VersionTag)); err != nil {
			return tmpPath, err
		}
		for _, f := range r.Vector {
			if err := writeUint32(bw, math.Float32bits(f)); err != nil {
				return tmpPath, err
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return tmpPath, err
	}
	if _, err := tmp.Write(h.Sum(nil)); err != nil {
		return tmpPath, err
	}
	return tmpPath, nil
}

// readSnapshot validates the trailer hash and header, then decodes
// every record.
func readSnapshot(path string) (model string, dimension int, records []snapshotRecord, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, nil, fmt.Errorf("vectorindex: read snapshot: %w", err)
	}
	if len(data) < sha256.Size+len(magic) {
		return "", 0, nil, fmt.Errorf("vectorindex: snapshot too short")
	}
	body, trailer := data[:len(data)-sha256.Size], data[len(data)-sha256.Size:]

	sum := sha256.Sum256(body)
	if subtle.ConstantTimeCompare(sum[:], trailer) != 1 {
		return "", 0, nil, fmt.Errorf("vectorindex: snapshot checksum mismatch")
	}

	r := bytes.NewReader(body)
	var gotMagic [4]byte
	if _, err := io.ReadFull(r, gotMagic[:]); err != nil || gotMagic != magic {
		return "", 0, nil, fmt.Errorf("vectorindex: bad snapshot magic")
	}
	modelLen, err := readUint32(r)
	if err != nil {
		return "", 0, nil, err
	}
	modelBytes := make([]byte, modelLen)
	if _, err := io.ReadFull(r, modelBytes); err != nil {
		return "", 0, nil, err
	}
	dim, err := readUint32(r)
	if err != nil {
		return "", 0, nil, err
	}
	count, err := readUint32(r)
	if err != nil {
		return "", 0, nil, err
	}

	// The offset table is redundant for a sequential read; skip it.
	if _, err := r.Seek(int64(16*count), io.SeekCurrent); err != nil {
		return "", 0, nil, fmt.Errorf("vectorindex: snapshot truncated offset table")
	}

	records = make([]snapshotRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		rec, err := readRecord(r, int(dim))
		if err != nil {
			return "", 0, nil, err
		}
		records = append(records, rec)
	}
	return string(modelBytes), int(dim), records, nil
}

func readRecord(r io.Reader, dimension int) (snapshotRecord, error) {
	id, err := readUint64(r)
	if err != nil {
		return snapshotRecord{}, err
	}
	tag, err := readUint64(r)
	if err != nil {
		return snapshotRecord{}, err
	}
	vec := make([]float32, dimension)
	for i := range vec {
		bits, err := readUint32(r)
		if err != nil {
			return snapshotRecord{}, err
		}
		vec[i] = math.Float32frombits(bits)
	}
	return snapshotRecord{ServiceID: int64(id), VersionTag: int64(tag), Vector: vec}, nil
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// SnapshotInfo is the decoded self-description of a snapshot file.
type SnapshotInfo struct {
	Model     string
	Dimension int
	Count     int
	BodyHash  string
	Entries   []SnapshotEntry
}

// SnapshotEntry is one (service_id, version_tag) pair from a
// snapshot, without its vector.
type SnapshotEntry struct {
	ServiceID  int64
	VersionTag int64
}

// InspectSnapshot reads a snapshot's header and entry list without
// building an index from it, so a manager can decide compatibility
// (same model and dimension, version_tags current) before loading.
func InspectSnapshot(path string) (*SnapshotInfo, error) {
	model, dimension, records, err := readSnapshot(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: reread snapshot: %w", err)
	}
	body := data[:len(data)-sha256.Size]
	sum := sha256.Sum256(body)

	info := &SnapshotInfo{
		Model:     model,
		Dimension: dimension,
		Count:     len(records),
		BodyHash:  fmt.Sprintf("%x", sum),
		Entries:   make([]SnapshotEntry, 0, len(records)),
	}
	for _, r := range records {
		info.Entries = append(info.Entries, SnapshotEntry{ServiceID: r.ServiceID, VersionTag: r.VersionTag})
	}
	return info, nil
}
