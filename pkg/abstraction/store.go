// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-esapi.
//
// go-esapi is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package abstraction

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/jeremyhahn/go-esapi/pkg/structures"
)

// FSEXT_TPM_CONTEXT is the file extension of a stored saved context.
const FSEXT_TPM_CONTEXT = ".ctx"

var ErrNotFound = errors.New("abstraction: saved context not found")

// Store keeps saved contexts as files named by a random id.
type Store struct {
	fs  afero.Fs
	dir string
}

// NewStore returns a store rooted at dir on fs. Use afero.NewOsFs for disk
// storage and afero.NewMemMapFs in tests.
func NewStore(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir}
}

func (s *Store) path(id uuid.UUID) string {
	return filepath.Join(s.dir, id.String()+FSEXT_TPM_CONTEXT)
}

// Put stores saved under a new id.
func (s *Store) Put(saved *structures.SavedContext) (uuid.UUID, error) {
	if saved == nil {
		return uuid.Nil, errors.New("abstraction: nil saved context")
	}
	if err := s.fs.MkdirAll(s.dir, 0700); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create directory %s: %w", s.dir, err)
	}
	id := uuid.New()
	filename := s.path(id)
	if err := afero.WriteFile(s.fs, filename, saved.Marshal(), 0600); err != nil {
		return uuid.Nil, fmt.Errorf("failed to write context file %s: %w", filename, err)
	}
	return id, nil
}

// Get reads the saved context stored under id.
func (s *Store) Get(id uuid.UUID) (*structures.SavedContext, error) {
	filename := s.path(id)
	data, err := afero.ReadFile(s.fs, filename)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read context file %s: %w", filename, err)
	}
	saved, err := structures.UnmarshalSavedContext(data)
	if err != nil {
		return nil, fmt.Errorf("context file %s: %w", filename, err)
	}
	return saved, nil
}

// Delete removes the saved context stored under id.
func (s *Store) Delete(id uuid.UUID) error {
	err := s.fs.Remove(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

// List returns the stored ids in lexical order.
func (s *Store) List() ([]uuid.UUID, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.dir, err)
	}
	var ids []uuid.UUID
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, FSEXT_TPM_CONTEXT) {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(name, FSEXT_TPM_CONTEXT))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}
