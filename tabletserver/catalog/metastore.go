package catalog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/tabletstore/common/kvstore"
	apierrors "github.com/cubefs/tabletstore/errors"
	"github.com/cubefs/tabletstore/proto"
	"github.com/cubefs/tabletstore/tabletserver/store"
)

const (
	tabletMetaPrefix    = "tmh_"
	rowsetIDWatermarkKey = "rowset_id_watermark"

	rowsetIDBatchSize = 1 << 10
)

// MetaStore is the durable key -> blob sink scoped to one data directory.
// Keys are tablet identities; values are serialized tablet headers. Writes
// are durable once the call returns.
type MetaStore interface {
	SaveTabletMeta(ctx context.Context, tabletID proto.TabletID, schemaHash proto.SchemaHash, blob []byte) error
	GetTabletMeta(ctx context.Context, tabletID proto.TabletID, schemaHash proto.SchemaHash) ([]byte, error)
	RemoveTabletMeta(ctx context.Context, tabletID proto.TabletID, schemaHash proto.SchemaHash) error
	RangeTabletMeta(ctx context.Context, f func(tabletID proto.TabletID, schemaHash proto.SchemaHash, blob []byte) error) error

	LoadRowsetIDWatermark(ctx context.Context) (proto.RowsetID, error)
	SaveRowsetIDWatermark(ctx context.Context, id proto.RowsetID) error

	Close()
}

// MetaOpener opens the meta store rooted at a data directory. Injected so
// the registry can be exercised without a rocksdb instance.
type MetaOpener func(ctx context.Context, cfg *store.Config) (MetaStore, error)

func OpenKVMetaStore(ctx context.Context, cfg *store.Config) (MetaStore, error) {
	s, err := store.NewStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &kvMetaStore{store: s}, nil
}

type kvMetaStore struct {
	store *store.Store
}

func tabletMetaKey(tabletID proto.TabletID, schemaHash proto.SchemaHash) []byte {
	return []byte(fmt.Sprintf("%s%d_%d", tabletMetaPrefix, tabletID, schemaHash))
}

func parseTabletMetaKey(key []byte) (proto.TabletID, proto.SchemaHash, error) {
	raw := strings.TrimPrefix(string(key), tabletMetaPrefix)
	parts := strings.SplitN(raw, "_", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid tablet meta key: %s", string(key))
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	hash, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return 0, 0, err
	}
	return proto.TabletID(id), proto.SchemaHash(hash), nil
}

func (m *kvMetaStore) SaveTabletMeta(ctx context.Context, tabletID proto.TabletID, schemaHash proto.SchemaHash, blob []byte) error {
	return m.store.KVStore().SetRaw(ctx, store.MetaCF, tabletMetaKey(tabletID, schemaHash), blob)
}

func (m *kvMetaStore) GetTabletMeta(ctx context.Context, tabletID proto.TabletID, schemaHash proto.SchemaHash) ([]byte, error) {
	blob, err := m.store.KVStore().GetRaw(ctx, store.MetaCF, tabletMetaKey(tabletID, schemaHash))
	if err == kvstore.ErrNotFound {
		return nil, apierrors.ErrTabletNotFound
	}
	return blob, err
}

// RemoveTabletMeta is idempotent: removing an absent key succeeds.
func (m *kvMetaStore) RemoveTabletMeta(ctx context.Context, tabletID proto.TabletID, schemaHash proto.SchemaHash) error {
	return m.store.KVStore().Delete(ctx, store.MetaCF, tabletMetaKey(tabletID, schemaHash))
}

func (m *kvMetaStore) RangeTabletMeta(ctx context.Context, f func(proto.TabletID, proto.SchemaHash, []byte) error) error {
	lr := m.store.KVStore().List(ctx, store.MetaCF, []byte(tabletMetaPrefix), nil)
	defer lr.Close()
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return errors.Info(err, "read next tablet meta failed")
		}
		if key == nil {
			return nil
		}
		tabletID, schemaHash, err := parseTabletMetaKey(key)
		if err != nil {
			return err
		}
		if err := f(tabletID, schemaHash, value); err != nil {
			return err
		}
	}
}

func (m *kvMetaStore) LoadRowsetIDWatermark(ctx context.Context) (proto.RowsetID, error) {
	raw, err := m.store.KVStore().GetRaw(ctx, store.MetaCF, []byte(rowsetIDWatermarkKey))
	if err == kvstore.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, errors.Info(err, "parse rowset id watermark failed")
	}
	return proto.RowsetID(id), nil
}

func (m *kvMetaStore) SaveRowsetIDWatermark(ctx context.Context, id proto.RowsetID) error {
	return m.store.KVStore().SetRaw(ctx, store.MetaCF, []byte(rowsetIDWatermarkKey), []byte(strconv.FormatInt(int64(id), 10)))
}

func (m *kvMetaStore) Close() {
	m.store.Close()
}

// rowsetIDGenerator hands out monotonic rowset ids, persisting the high
// watermark in batches so a restart can never reuse an id.
type rowsetIDGenerator struct {
	meta MetaStore

	mu     sync.Mutex
	nextID proto.RowsetID
	endID  proto.RowsetID
}

func newRowsetIDGenerator(ctx context.Context, meta MetaStore) (*rowsetIDGenerator, error) {
	watermark, err := meta.LoadRowsetIDWatermark(ctx)
	if err != nil {
		return nil, err
	}
	return &rowsetIDGenerator{
		meta:   meta,
		nextID: watermark,
		endID:  watermark,
	}, nil
}

func (g *rowsetIDGenerator) NextID(ctx context.Context) (proto.RowsetID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.nextID >= g.endID {
		end := g.nextID + rowsetIDBatchSize
		if err := g.meta.SaveRowsetIDWatermark(ctx, end); err != nil {
			return 0, err
		}
		g.endID = end
	}
	id := g.nextID
	g.nextID++
	return id, nil
}
