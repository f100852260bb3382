// Package prefs stores per-artifact settings of downloaded images.
package prefs

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"

	"github.com/ShoshinNikita/imgcache/imgcache"
	"github.com/ShoshinNikita/imgcache/pkg/rlog"
)

const (
	// ImageMaxAge is the max age of downloaded images. Older images are downloaded again.
	ImageMaxAge = 7 * 24 * time.Hour

	keySeparator = '#'
)

var storeNamespace = datastore.NewKey("/image-cache")

// Store keeps settings by keys '<relative artifact path>#<setting name>'. All settings are
// kept in memory and saved to a snapshot file on [Store.Save], [Store.CleanUp] and
// [Store.Shutdown].
type Store struct {
	snapshotPath string

	root datastore.Batching // used for snapshots
	ds   datastore.Batching

	saveMu sync.Mutex
}

// NewStore creates a new store and loads the snapshot, if it exists. An empty snapshot path
// disables persistence.
func NewStore(ctx context.Context, snapshotPath string) (*Store, error) {
	root := dssync.MutexWrap(datastore.NewMapDatastore())

	s := &Store{
		snapshotPath: snapshotPath,
		root:         root,
		ds:           namespace.Wrap(root, storeNamespace),
	}
	if err := s.load(ctx); err != nil {
		return nil, fmt.Errorf("couldn't load snapshot: %w", err)
	}
	return s, nil
}

// For returns the preferences of an artifact. The path must be relative to the image dir.
func (s *Store) For(rel string) imgcache.Preferences {
	return &artifactPrefs{
		store: s,
		rel:   filepath.ToSlash(rel),
	}
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	value, err := s.ds.Get(ctx, datastore.NewKey(key))
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return string(value), nil
}

// set removes the setting if the value is empty.
func (s *Store) set(ctx context.Context, key, value string) error {
	if value == "" {
		return s.ds.Delete(ctx, datastore.NewKey(key))
	}
	return s.ds.Put(ctx, datastore.NewKey(key), []byte(value))
}

// Keys returns all keys of the store.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	res, err := s.ds.Query(ctx, query.Query{KeysOnly: true})
	if err != nil {
		return nil, fmt.Errorf("couldn't query keys: %w", err)
	}
	defer res.Close()

	entries, err := res.Rest()
	if err != nil {
		return nil, fmt.Errorf("couldn't read keys: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, strings.TrimPrefix(e.Key, "/"))
	}
	return keys, nil
}

// CleanUp removes settings of artifacts that don't exist. Keys without a setting name or
// without an artifact path are ignored. All settings are removed in a single batch.
func (s *Store) CleanUp(ctx context.Context, exists func(rel string) bool) (removed int, err error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}

	batch, err := s.ds.Batch(ctx)
	if err != nil {
		return 0, fmt.Errorf("couldn't create batch: %w", err)
	}
	for _, key := range keys {
		index := strings.LastIndexByte(key, keySeparator)
		if index <= 0 || index == len(key)-1 {
			continue
		}
		if exists(key[:index]) {
			continue
		}

		rlog.Debugf("remove setting %q of missing artifact", key)

		if err := batch.Delete(ctx, datastore.NewKey(key)); err != nil {
			return 0, fmt.Errorf("couldn't delete key %q: %w", key, err)
		}
		removed++
	}
	if removed == 0 {
		return 0, nil
	}

	if err := batch.Commit(ctx); err != nil {
		return 0, fmt.Errorf("couldn't commit batch: %w", err)
	}
	if err := s.Save(ctx); err != nil {
		return removed, err
	}
	return removed, nil
}

// Save writes all settings to the snapshot file.
func (s *Store) Save(ctx context.Context) error {
	if s.snapshotPath == "" {
		return nil
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	res, err := s.root.Query(ctx, query.Query{})
	if err != nil {
		return fmt.Errorf("couldn't query entries: %w", err)
	}
	defer res.Close()

	entries, err := res.Rest()
	if err != nil {
		return fmt.Errorf("couldn't read entries: %w", err)
	}

	snapshot := make(map[string][]byte, len(entries))
	for _, e := range entries {
		snapshot[e.Key] = e.Value
	}

	buf := bytes.NewBuffer(nil)
	if err := gob.NewEncoder(buf).Encode(snapshot); err != nil {
		return fmt.Errorf("gob encode failed: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.snapshotPath), 0o700); err != nil {
		return fmt.Errorf("couldn't create snapshot dir: %w", err)
	}
	tempPath := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tempPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("couldn't write snapshot: %w", err)
	}
	if err := os.Rename(tempPath, s.snapshotPath); err != nil {
		return fmt.Errorf("couldn't rename snapshot: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context) error {
	if s.snapshotPath == "" {
		return nil
	}

	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	var snapshot map[string][]byte
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snapshot); err != nil {
		return fmt.Errorf("gob decode failed: %w", err)
	}

	batch, err := s.root.Batch(ctx)
	if err != nil {
		return fmt.Errorf("couldn't create batch: %w", err)
	}
	for key, value := range snapshot {
		if err := batch.Put(ctx, datastore.NewKey(key), value); err != nil {
			return fmt.Errorf("couldn't put key %q: %w", key, err)
		}
	}
	if err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("couldn't commit batch: %w", err)
	}

	rlog.Debugf("%d settings have been loaded from %q", len(snapshot), s.snapshotPath)

	return nil
}

func (s *Store) Shutdown(ctx context.Context) error {
	if err := s.Save(ctx); err != nil {
		return err
	}
	return s.root.Close()
}

type artifactPrefs struct {
	store *Store
	rel   string
}

func (p *artifactPrefs) MaxAge() time.Duration {
	return ImageMaxAge
}

func (p *artifactPrefs) Get(ctx context.Context, name string) (string, error) {
	return p.store.get(ctx, p.key(name))
}

func (p *artifactPrefs) Set(ctx context.Context, name, value string) error {
	return p.store.set(ctx, p.key(name), value)
}

func (p *artifactPrefs) key(name string) string {
	return p.rel + string(keySeparator) + name
}
