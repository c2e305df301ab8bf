// Package store implements the facade that binds the B+-tree index
// (pkg/btree, pkg/txn) to the append-only blob file (pkg/flatfile): every
// value lives in the flat file, and the tree only ever stores its offset.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nainya/chainkv/pkg/btree"
	"github.com/nainya/chainkv/pkg/flatfile"
	"github.com/nainya/chainkv/pkg/mmapstore"
	"github.com/nainya/chainkv/pkg/txn"
)

const (
	indexFileName = "index.db"
	blobFileName  = "data.blob"
)

// Recorder receives operational metrics. internal/metrics.Metrics
// implements it; callers that don't care about observability pass nil.
// Store always reports split=false to ObserveInsert: btree.Insert does not
// tell it whether an insert split a node.
type Recorder interface {
	ObserveInsert(d time.Duration, split bool)
	ObserveGet(d time.Duration, hit bool)
	ObserveCheckpoint(d time.Duration, reclaimed int)
}

// Store is the embedded key-value store: New/Open construct one over a
// directory, Insert/Get/InsertMany operate on it, and Checkpoint persists a
// durable snapshot.
type Store struct {
	mgr          *txn.Manager
	checkpointer *txn.Checkpointer
	flat         *flatfile.File
	indexFile    *os.File
	settings     mmapstore.Settings
	Recorder     Recorder
}

// New creates a fresh store under dir, which must not already contain an
// index file. pageSize and keyBufferSize are fixed for the life of the
// store; Open later reads them back from the Settings record and rejects a
// record with a wrong magic number or with values that fail Validate.
func New(dir string, pageSize uint16, keyBufferSize uint32) (*Store, error) {
	settings := mmapstore.Settings{PageSize: pageSize, KeyBufferSize: keyBufferSize}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: %s: %w", dir, mmapstore.ErrInvalidDirectory)
	}

	indexFile, err := os.OpenFile(filepath.Join(dir, indexFileName), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: create index: %w", mmapstore.ErrIO)
	}

	if err := mmapstore.WriteSettings(indexFile, settings); err != nil {
		indexFile.Close()
		return nil, err
	}

	storage, err := mmapstore.OpenMmapStorage(indexFile)
	if err != nil {
		indexFile.Close()
		return nil, err
	}
	pages := mmapstore.NewPages(storage, pageSize)
	pm := mmapstore.NewPageManager()

	rootID := pm.NewID()
	if err := pages.Extend(rootID); err != nil {
		indexFile.Close()
		return nil, fmt.Errorf("store: %w", mmapstore.ErrIO)
	}
	wh := pages.MutPage(rootID)
	btree.InitLeaf(btree.Node(wh.Bytes()), keyBufferSize)
	wh.Release()

	if err := mmapstore.WriteMetadata(indexFile, pageSize, mmapstore.Metadata{Root: rootID, NextPage: pm.NextPage}); err != nil {
		indexFile.Close()
		return nil, err
	}

	flat, err := flatfile.New(filepath.Join(dir, blobFileName))
	if err != nil {
		indexFile.Close()
		return nil, err
	}

	mgr := txn.NewManager(pages, indexFile, keyBufferSize, rootID, pm)
	return &Store{
		mgr:          mgr,
		checkpointer: txn.NewCheckpointer(mgr),
		flat:         flat,
		indexFile:    indexFile,
		settings:     settings,
	}, nil
}

// Open reopens a store previously created with New.
func Open(dir string) (*Store, error) {
	indexFile, err := os.OpenFile(filepath.Join(dir, indexFileName), os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open index: %w", mmapstore.ErrIO)
	}

	settings, err := mmapstore.ReadSettings(indexFile)
	if err != nil {
		indexFile.Close()
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		indexFile.Close()
		return nil, fmt.Errorf("store: on-disk settings: %w", err)
	}

	storage, err := mmapstore.OpenMmapStorage(indexFile)
	if err != nil {
		indexFile.Close()
		return nil, err
	}
	pages := mmapstore.NewPages(storage, settings.PageSize)

	meta, err := mmapstore.ReadMetadata(indexFile, settings.PageSize)
	if err != nil {
		indexFile.Close()
		return nil, err
	}
	pm := &mmapstore.PageManager{NextPage: meta.NextPage, FreeList: meta.FreeList}

	flat, err := flatfile.Open(filepath.Join(dir, blobFileName))
	if err != nil {
		indexFile.Close()
		return nil, err
	}

	mgr := txn.NewManager(pages, indexFile, settings.KeyBufferSize, meta.Root, pm)
	return &Store{
		mgr:          mgr,
		checkpointer: txn.NewCheckpointer(mgr),
		flat:         flat,
		indexFile:    indexFile,
		settings:     settings,
	}, nil
}

// Settings returns the store's fixed page_size/key_buffer_size.
func (s *Store) Settings() mmapstore.Settings { return s.settings }

// Insert appends value to the flat file, inserts (key, its offset) into
// the tree, fsyncs the flat file, and checkpoints — in that exact order.
// flatfile-append-then-tree-commit-then-sync-then-checkpoint is the
// sequencing that keeps a crash from ever leaving a committed tree
// pointing at a blob that isn't durable yet.
func (s *Store) Insert(key btree.Key, value []byte) error {
	start := time.Now()
	off, err := s.flat.Append(value)
	if err != nil {
		return err
	}

	tx := s.mgr.BeginInsert()
	if err := tx.Insert(key, off); err != nil {
		tx.Abort()
		return err
	}
	tx.Commit()

	if err := s.flat.Sync(); err != nil {
		return err
	}
	cpStart := time.Now()
	reclaimed, err := s.checkpointer.Run()
	if err != nil {
		return err
	}
	if s.Recorder != nil {
		s.Recorder.ObserveInsert(time.Since(start), false)
		s.Recorder.ObserveCheckpoint(time.Since(cpStart), reclaimed)
	}
	return nil
}

// Pair is one (key, value) to insert via InsertMany.
type Pair struct {
	Key   btree.Key
	Value []byte
}

// InsertMany inserts every pair as a single transaction: either all of them
// land, or (on the first duplicate key) none do. Flat-file appends happen
// up front, the flat file is synced once, and the store checkpoints once,
// after the whole batch commits.
func (s *Store) InsertMany(pairs []Pair) error {
	start := time.Now()
	type appended struct {
		key btree.Key
		off uint64
	}
	items := make([]appended, 0, len(pairs))
	for _, p := range pairs {
		off, err := s.flat.Append(p.Value)
		if err != nil {
			return err
		}
		items = append(items, appended{key: p.Key, off: off})
	}

	tx := s.mgr.BeginInsert()
	for _, it := range items {
		if err := tx.Insert(it.key, it.off); err != nil {
			tx.Abort()
			return err
		}
	}
	tx.Commit()

	if err := s.flat.Sync(); err != nil {
		return err
	}
	cpStart := time.Now()
	reclaimed, err := s.checkpointer.Run()
	if err != nil {
		return err
	}
	if s.Recorder != nil {
		s.Recorder.ObserveInsert(time.Since(start), false)
		s.Recorder.ObserveCheckpoint(time.Since(cpStart), reclaimed)
	}
	return nil
}

// Get returns the value stored under key, or mmapstore.ErrKeyNotFound.
func (s *Store) Get(key btree.Key) ([]byte, error) {
	start := time.Now()
	rtx := s.mgr.Begin()
	defer rtx.Close()

	off, found := rtx.Lookup(key)
	if !found {
		if s.Recorder != nil {
			s.Recorder.ObserveGet(time.Since(start), false)
		}
		return nil, fmt.Errorf("store: %w", mmapstore.ErrKeyNotFound)
	}
	value, err := s.flat.Get(off)
	if s.Recorder != nil {
		s.Recorder.ObserveGet(time.Since(start), err == nil)
	}
	return value, err
}

// Checkpoint reclaims retired versions and persists a durable Metadata
// record. Insert already checkpoints after every commit; exposed
// separately for callers (e.g. the CLI's "checkpoint" subcommand) that
// want to force one without a write.
func (s *Store) Checkpoint() (reclaimed int, err error) {
	start := time.Now()
	reclaimed, err = s.checkpointer.Run()
	if s.Recorder != nil && err == nil {
		s.Recorder.ObserveCheckpoint(time.Since(start), reclaimed)
	}
	return reclaimed, err
}

// Close releases the underlying file descriptors. It does not checkpoint;
// callers that want a durable final state should Checkpoint first.
func (s *Store) Close() error {
	if err := s.flat.Close(); err != nil {
		return err
	}
	return s.indexFile.Close()
}
