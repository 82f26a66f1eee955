package skillstore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// File names inside a store directory.
const (
	MatrixFile = "embeddings.mat"
	IndexFile  = "index.yaml"
)

var matrixMagic = [8]byte{'V', 'O', 'Y', 'M', 'A', 'T', '0', '1'}

type indexFile struct {
	Version int     `yaml:"version"`
	Dim     int     `yaml:"dim"`
	Entries []Entry `yaml:"entries"`
}

// Save rewrites both files in dir in full.
func (s *Store) Save(dir string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	var matrix bytes.Buffer
	matrix.Write(matrixMagic[:])
	header := [2]uint32{uint32(len(s.entries)), uint32(s.dim)}
	if err := binary.Write(&matrix, binary.LittleEndian, header); err != nil {
		return err
	}
	for _, e := range s.entries {
		if err := binary.Write(&matrix, binary.LittleEndian, e.Embedding); err != nil {
			return err
		}
	}

	idx, err := yaml.Marshal(indexFile{Version: 1, Dim: s.dim, Entries: s.entries})
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}

	if err := writeAtomic(filepath.Join(dir, MatrixFile), matrix.Bytes()); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, IndexFile), idx)
}

// Open loads a store saved by Save. A directory without either file yields an
// error wrapping os.ErrNotExist.
func Open(dir string) (*Store, error) {
	rawIdx, err := os.ReadFile(filepath.Join(dir, IndexFile))
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var idx indexFile
	if err := yaml.Unmarshal(rawIdx, &idx); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}

	f, err := os.Open(filepath.Join(dir, MatrixFile))
	if err != nil {
		return nil, fmt.Errorf("open matrix: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("read matrix header: %w", err)
	}
	if magic != matrixMagic {
		return nil, errors.New("matrix file has an unknown format")
	}
	var header [2]uint32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("read matrix header: %w", err)
	}
	rows, dim := int(header[0]), int(header[1])
	if rows != len(idx.Entries) {
		return nil, fmt.Errorf("matrix has %d rows but index lists %d entries", rows, len(idx.Entries))
	}
	if idx.Dim != 0 && idx.Dim != dim {
		return nil, fmt.Errorf("matrix dimension %d disagrees with index dimension %d", dim, idx.Dim)
	}

	s, err := New(dim)
	if err != nil {
		return nil, err
	}
	for i := range idx.Entries {
		vec := make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return nil, fmt.Errorf("read row %d: %w", i, err)
		}
		idx.Entries[i].Embedding = vec
	}
	if _, err := r.ReadByte(); !errors.Is(err, io.EOF) {
		return nil, errors.New("matrix file has trailing data")
	}
	if err := s.PutBatch(idx.Entries); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenOrNew opens dir, or returns an empty store when nothing was saved yet.
func OpenOrNew(dir string, dim int) (*Store, error) {
	s, err := Open(dir)
	if errors.Is(err, os.ErrNotExist) {
		return New(dim)
	}
	if err != nil {
		return nil, err
	}
	if s.Dim() != dim {
		return nil, fmt.Errorf("stored embeddings have dimension %d, configured %d", s.Dim(), dim)
	}
	return s, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
