// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package file stores the retained message set as a single JSON file.
package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/absmach/mqttlab/storage"
	"github.com/klauspost/compress/zstd"
)

// DefaultPath is the file name used when none is configured. It is resolved
// against the process working directory.
const DefaultPath = "Retained.json"

// Compression modes.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

var _ storage.RetainedStore = (*Store)(nil)

// Config holds file store configuration.
type Config struct {
	Path        string
	Compression string // "none" or "zstd"
	OnError     storage.ErrorHandler
}

// Store implements storage.RetainedStore on one file.
//
// Every call goes to disk; nothing is cached.
type Store struct {
	path     string
	compress bool
	onError  storage.ErrorHandler
}

// New creates a file store.
func New(cfg Config) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve retained file path: %w", err)
	}

	var compress bool
	switch cfg.Compression {
	case "", CompressionNone:
	case CompressionZstd:
		compress = true
	default:
		return nil, fmt.Errorf("unknown compression %q", cfg.Compression)
	}

	onError := cfg.OnError
	if onError == nil {
		onError = storage.IgnoreErrors
	}

	return &Store{
		path:     abs,
		compress: compress,
		onError:  onError,
	}, nil
}

// Path returns the absolute location of the backing file.
func (s *Store) Path() string {
	return s.path
}

// Load reads the retained set from disk.
func (s *Store) Load() []storage.Message {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.onError(fmt.Errorf("%w: %w", storage.ErrUnreadable, err))
		}
		return []storage.Message{}
	}

	msgs, err := s.decode(data)
	if err != nil {
		s.onError(fmt.Errorf("%w: %s: %w", storage.ErrCorrupt, s.path, err))
		return []storage.Message{}
	}
	return msgs
}

// Save replaces the file via write-to-temp and rename so readers never see
// a partial file.
func (s *Store) Save(msgs []storage.Message) error {
	data, err := s.encode(msgs)
	if err != nil {
		return fmt.Errorf("failed to encode retained set: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write retained set: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync retained set: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace retained file: %w", err)
	}
	return nil
}

// Clear deletes the file.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove retained file: %w", err)
	}
	return nil
}

// Close is a no-op; the store holds no open handles.
func (s *Store) Close() error {
	return nil
}

func (s *Store) encode(msgs []storage.Message) ([]byte, error) {
	if msgs == nil {
		msgs = []storage.Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return nil, err
	}
	if !s.compress {
		return data, nil
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func (s *Store) decode(data []byte) ([]storage.Message, error) {
	if s.compress {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		if data, err = dec.DecodeAll(data, nil); err != nil {
			return nil, err
		}
	}

	var msgs []storage.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, err
	}
	if msgs == nil {
		// A literal "null" parses cleanly.
		msgs = []storage.Message{}
	}
	return msgs, nil
}
