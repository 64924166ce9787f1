package store

import (
	"context"

	"github.com/cubefs/tabletstore/common/kvstore"
)

// MetaCF holds serialized tablet headers and the rowset id watermark.
const MetaCF = kvstore.CF("meta")

type Config struct {
	Path     string         `json:"path"`
	KVOption kvstore.Option `json:"kv_option"`
}

// Store is the durable side of one data directory: a rocksdb instance under
// <root>/meta plus a raw posix FS rooted at the directory itself.
type Store struct {
	kvStore      kvstore.Store
	defaultRawFS RawFS

	cfg *Config
}

func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	kvStorePath := cfg.Path + "/meta"
	cfg.KVOption.ColumnFamily = append(cfg.KVOption.ColumnFamily, MetaCF)
	kvStore, err := kvstore.NewKVStore(ctx, kvStorePath, kvstore.RocksdbLsmKVType, &cfg.KVOption)
	if err != nil {
		return nil, err
	}

	return &Store{
		kvStore:      kvStore,
		defaultRawFS: &posixRawFS{path: cfg.Path},
		cfg:          cfg,
	}, nil
}

func (s *Store) KVStore() kvstore.Store {
	return s.kvStore
}

func (s *Store) NewRawFS(path string) RawFS {
	return &posixRawFS{path: s.cfg.Path + "/" + path}
}

func (s *Store) DefaultRawFS() RawFS {
	return s.defaultRawFS
}

func (s *Store) Stats() (Stats, error) {
	return StatFS(s.cfg.Path)
}

func (s *Store) Close() {
	s.kvStore.Close()
}
