package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/tabletstore/errors"
	"github.com/cubefs/tabletstore/proto"
	"github.com/cubefs/tabletstore/tabletserver/store"
)

// memMetaStore keeps tablet headers in memory, standing in for the rocksdb
// meta store in registry tests.
type memMetaStore struct {
	mu        sync.Mutex
	metas     map[proto.TabletInfo][]byte
	watermark proto.RowsetID
}

func newMemMetaStore() *memMetaStore {
	return &memMetaStore{metas: make(map[proto.TabletInfo][]byte)}
}

func (m *memMetaStore) SaveTabletMeta(ctx context.Context, tabletID proto.TabletID, schemaHash proto.SchemaHash, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(blob))
	copy(cp, blob)
	m.metas[proto.TabletInfo{TabletID: tabletID, SchemaHash: schemaHash}] = cp
	return nil
}

func (m *memMetaStore) GetTabletMeta(ctx context.Context, tabletID proto.TabletID, schemaHash proto.SchemaHash) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.metas[proto.TabletInfo{TabletID: tabletID, SchemaHash: schemaHash}]
	if !ok {
		return nil, apierrors.ErrTabletNotFound
	}
	return blob, nil
}

func (m *memMetaStore) RemoveTabletMeta(ctx context.Context, tabletID proto.TabletID, schemaHash proto.SchemaHash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metas, proto.TabletInfo{TabletID: tabletID, SchemaHash: schemaHash})
	return nil
}

func (m *memMetaStore) RangeTabletMeta(ctx context.Context, f func(proto.TabletID, proto.SchemaHash, []byte) error) error {
	m.mu.Lock()
	snapshot := make(map[proto.TabletInfo][]byte, len(m.metas))
	for info, blob := range m.metas {
		snapshot[info] = blob
	}
	m.mu.Unlock()
	for info, blob := range snapshot {
		if err := f(info.TabletID, info.SchemaHash, blob); err != nil {
			return err
		}
	}
	return nil
}

func (m *memMetaStore) LoadRowsetIDWatermark(ctx context.Context) (proto.RowsetID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark, nil
}

func (m *memMetaStore) SaveRowsetIDWatermark(ctx context.Context, id proto.RowsetID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermark = id
	return nil
}

func (m *memMetaStore) Close() {}

// writeTestMtab fabricates a mount table naming root so mount discovery is
// deterministic regardless of the machine running the tests.
func writeTestMtab(t *testing.T, root string) string {
	t.Helper()
	mtab := filepath.Join(t.TempDir(), "mtab")
	require.NoError(t, os.WriteFile(mtab, []byte("tmpfs "+root+" tmpfs rw 0 0\n"), 0o644))
	return mtab
}

type testDataDirOption func(*DataDirConfig)

func withCapacity(capacity int64) testDataDirOption {
	return func(cfg *DataDirConfig) { cfg.CapacityBytes = capacity }
}

func withProbeOpen(open func(string) (*os.File, error)) testDataDirOption {
	return func(cfg *DataDirConfig) { cfg.ProbeOpen = open }
}

// newTestDataDir builds and initializes a DataDir over root with an
// in-memory meta store and a plain (non direct-I/O) probe opener.
func newTestDataDir(t *testing.T, root string, opts ...testDataDirOption) (*DataDir, *memMetaStore) {
	t.Helper()
	meta := newMemMetaStore()
	cfg := DataDirConfig{
		Path:          root,
		CapacityBytes: -1,
		MtabPath:      writeTestMtab(t, root),
		MetaOpener: func(ctx context.Context, _ *store.Config) (MetaStore, error) {
			return meta, nil
		},
		ProbeOpen: func(path string) (*os.File, error) {
			return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	dir := NewDataDir(cfg)
	require.NoError(t, dir.Init(context.Background()))
	t.Cleanup(dir.Close)
	return dir, meta
}

func testSchema(schemaHash proto.SchemaHash) proto.TabletSchema {
	return proto.TabletSchema{
		SchemaHash:      schemaHash,
		ShortKeyColumns: 1,
		RowsPerRowBlock: 1024,
		Columns: []proto.Column{
			{Name: "a", Type: "int", IsKey: true},
			{Name: "b", Type: "int"},
		},
	}
}

func testCreateReq(tabletID proto.TabletID, schemaHash proto.SchemaHash, version int64) *proto.CreateTabletReq {
	return &proto.CreateTabletReq{
		TableID:      1,
		PartitionID:  2,
		TabletID:     tabletID,
		TabletSchema: testSchema(schemaHash),
		Version:      version,
		VersionHash:  4711,
	}
}

// testBackend satisfies EngineBackend for registry tests.
type testBackend struct {
	mu      sync.Mutex
	stores  []*DataDir
	unused  []*Rowset
	expired map[proto.TabletInfo][]proto.TxnID
}

func (b *testBackend) GetStores(availableOnly bool) []*DataDir {
	ret := make([]*DataDir, 0, len(b.stores))
	for _, dir := range b.stores {
		if availableOnly && !dir.IsUsed() {
			continue
		}
		ret = append(ret, dir)
	}
	return ret
}

func (b *testBackend) AddUnusedRowset(rs *Rowset) {
	b.mu.Lock()
	b.unused = append(b.unused, rs)
	b.mu.Unlock()
}

func (b *testBackend) ExpiredTxns(tabletID proto.TabletID, schemaHash proto.SchemaHash) []proto.TxnID {
	return b.expired[proto.TabletInfo{TabletID: tabletID, SchemaHash: schemaHash}]
}

func newTestManager(t *testing.T, dirs ...*DataDir) (*TabletManager, *testBackend) {
	t.Helper()
	backend := &testBackend{stores: dirs, expired: make(map[proto.TabletInfo][]proto.TxnID)}
	mgr := NewTabletManager(ManagerConfig{
		StatCacheUpdateIntervalSec: 300,
		Backend:                    backend,
	})
	return mgr, backend
}
