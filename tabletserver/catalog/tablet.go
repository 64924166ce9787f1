package catalog

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/tabletstore/errors"
	"github.com/cubefs/tabletstore/proto"
)

// incRowsetExpireSec bounds how long an incremental rowset stays around for
// lagging consumers before the sweeper reclaims it.
const incRowsetExpireSec = 1800

// Tablet is the runtime object bound to one TabletMeta and one DataDir. It
// is shared between the registry and the background threads; liveness after
// removal from the registry is handled with explicit retain/release counting.
type Tablet struct {
	meta    *TabletMeta
	dataDir *DataDir

	// headerLock guards meta and the rowset lists. Acquire order is always
	// registry map lock first, then headerLock.
	headerLock sync.RWMutex

	rowsets    []*Rowset
	incRowsets []*Rowset

	initSucceeded bool
	refs          int64
}

func newTablet(meta *TabletMeta, dataDir *DataDir) *Tablet {
	return &Tablet{meta: meta, dataDir: dataDir}
}

// Init materializes the runtime rowset handles out of the meta. Idempotent
// on success.
func (t *Tablet) Init(ctx context.Context) error {
	t.headerLock.Lock()
	defer t.headerLock.Unlock()
	if t.initSucceeded {
		return nil
	}
	t.rowsets = t.rowsets[:0]
	for _, rsMeta := range t.meta.RowsetMetas {
		t.rowsets = append(t.rowsets, newRowset(&t.meta.Schema, t.tabletPathUnlocked(), rsMeta, nil))
	}
	sort.Slice(t.rowsets, func(i, j int) bool {
		return t.rowsets[i].EndVersion() < t.rowsets[j].EndVersion()
	})
	t.incRowsets = t.incRowsets[:0]
	for _, rsMeta := range t.meta.IncRowsetMetas {
		t.incRowsets = append(t.incRowsets, newRowset(&t.meta.Schema, t.tabletPathUnlocked(), rsMeta, nil))
	}
	t.initSucceeded = true
	return nil
}

func (t *Tablet) InitSucceeded() bool {
	t.headerLock.RLock()
	defer t.headerLock.RUnlock()
	return t.initSucceeded
}

func (t *Tablet) Retain() {
	atomic.AddInt64(&t.refs, 1)
}

func (t *Tablet) Release() {
	atomic.AddInt64(&t.refs, -1)
}

func (t *Tablet) RefCount() int64 {
	return atomic.LoadInt64(&t.refs)
}

func (t *Tablet) TabletID() proto.TabletID     { return t.meta.TabletID }
func (t *Tablet) SchemaHash() proto.SchemaHash { return t.meta.SchemaHash }
func (t *Tablet) PartitionID() proto.PartitionID {
	return t.meta.PartitionID
}

func (t *Tablet) FullName() string {
	return fmt.Sprintf("%d.%d", t.meta.TabletID, t.meta.SchemaHash)
}

func (t *Tablet) Equal(tabletID proto.TabletID, schemaHash proto.SchemaHash) bool {
	return t.meta.TabletID == tabletID && t.meta.SchemaHash == schemaHash
}

func (t *Tablet) CreationTime() int64 {
	t.headerLock.RLock()
	defer t.headerLock.RUnlock()
	return t.meta.CreationTime
}

func (t *Tablet) SetCreationTime(creationTime int64) {
	t.headerLock.Lock()
	t.meta.CreationTime = creationTime
	t.headerLock.Unlock()
}

func (t *Tablet) DataDir() *DataDir { return t.dataDir }

// IsUsed reports whether the backing data directory is still healthy.
func (t *Tablet) IsUsed() bool {
	return t.dataDir.IsUsed()
}

func (t *Tablet) Schema() *proto.TabletSchema {
	return &t.meta.Schema
}

func (t *Tablet) Meta() *TabletMeta { return t.meta }

func (t *Tablet) tabletPathUnlocked() string {
	return t.dataDir.TabletPath(t.meta.ShardID, t.meta.TabletID, t.meta.SchemaHash)
}

// TabletPath is <root>/data/<shard>/<tablet_id>/<schema_hash>.
func (t *Tablet) TabletPath() string {
	return t.tabletPathUnlocked()
}

func (t *Tablet) ShardID() uint32 { return t.meta.ShardID }

func (t *Tablet) State() proto.TabletState {
	t.headerLock.RLock()
	defer t.headerLock.RUnlock()
	return t.meta.State
}

func (t *Tablet) SetState(state proto.TabletState) {
	t.headerLock.Lock()
	t.meta.State = state
	t.headerLock.Unlock()
}

// HeaderLock exposes the tablet's header lock for callers that compose
// multi-step reads, like the compaction selector.
func (t *Tablet) HeaderLock() *sync.RWMutex {
	return &t.headerLock
}

// SaveMeta persists the header into the data directory's meta store.
func (t *Tablet) SaveMeta(ctx context.Context) error {
	t.headerLock.RLock()
	blob, err := t.meta.Serialize()
	t.headerLock.RUnlock()
	if err != nil {
		return err
	}
	return t.dataDir.MetaStore().SaveTabletMeta(ctx, t.meta.TabletID, t.meta.SchemaHash, blob)
}

// AddRowset appends a visible rowset. End versions must keep strictly
// growing within non-overlapping ranges.
func (t *Tablet) AddRowset(ctx context.Context, rowset *Rowset) error {
	t.headerLock.Lock()
	defer t.headerLock.Unlock()
	for _, rs := range t.rowsets {
		v, nv := rs.Version(), rowset.Version()
		if nv.First <= v.Second && v.First <= nv.Second {
			return errors.Info(apierrors.ErrParams, "overlapped rowset version", fmt.Sprint(nv))
		}
	}
	t.rowsets = append(t.rowsets, rowset)
	sort.Slice(t.rowsets, func(i, j int) bool {
		return t.rowsets[i].EndVersion() < t.rowsets[j].EndVersion()
	})
	t.meta.AddRowsetMeta(rowset.Meta())
	return nil
}

func (t *Tablet) RowsetWithMaxVersion() *Rowset {
	t.headerLock.RLock()
	defer t.headerLock.RUnlock()
	return t.rowsetWithMaxVersionUnlocked()
}

func (t *Tablet) rowsetWithMaxVersionUnlocked() *Rowset {
	if len(t.rowsets) == 0 {
		return nil
	}
	return t.rowsets[len(t.rowsets)-1]
}

func (t *Tablet) MaxVersion() proto.Version {
	t.headerLock.RLock()
	defer t.headerLock.RUnlock()
	rs := t.rowsetWithMaxVersionUnlocked()
	if rs == nil {
		return proto.Version{First: -1, Second: 0}
	}
	return rs.Version()
}

// MaxContinuousVersion walks the sorted rowsets from version 0 and returns
// the highest version reachable without a hole.
func (t *Tablet) MaxContinuousVersion() (proto.Version, proto.VersionHash) {
	t.headerLock.RLock()
	defer t.headerLock.RUnlock()
	version := proto.Version{First: -1, Second: 0}
	var hash proto.VersionHash
	next := int64(0)
	for _, rs := range t.rowsets {
		v := rs.Version()
		if v.First > next {
			break
		}
		version = v
		hash = rs.Meta().VersionHash
		next = v.Second + 1
	}
	return version, hash
}

func (t *Tablet) VersionCount() int {
	t.headerLock.RLock()
	defer t.headerLock.RUnlock()
	return len(t.rowsets)
}

func (t *Tablet) NumRows() int64 {
	t.headerLock.RLock()
	defer t.headerLock.RUnlock()
	var n int64
	for _, rs := range t.rowsets {
		n += rs.NumRows()
	}
	return n
}

// TabletFootprint is the on-disk byte size of all visible rowsets.
func (t *Tablet) TabletFootprint() int64 {
	t.headerLock.RLock()
	defer t.headerLock.RUnlock()
	var n int64
	for _, rs := range t.rowsets {
		n += rs.DataSize()
	}
	return n
}

func (t *Tablet) AlterTask() *AlterTask {
	t.headerLock.RLock()
	defer t.headerLock.RUnlock()
	return t.meta.AlterTask
}

func (t *Tablet) SetAlterTask(task *AlterTask) {
	t.headerLock.Lock()
	t.meta.AlterTask = task
	t.headerLock.Unlock()
}

func (t *Tablet) SetAlterState(state proto.AlterState) {
	t.headerLock.Lock()
	if t.meta.AlterTask != nil {
		t.meta.AlterTask.AlterState = state
	}
	t.headerLock.Unlock()
}

// DeleteAlterTaskLocked clears the alter link. Callers hold headerLock in
// write mode already (drop-of-peer path).
func (t *Tablet) DeleteAlterTaskLocked() {
	t.meta.DeleteAlterTask()
}

// saveMetaLocked persists under an already-held header lock.
func (t *Tablet) saveMetaLocked(ctx context.Context) error {
	blob, err := t.meta.Serialize()
	if err != nil {
		return err
	}
	return t.dataDir.MetaStore().SaveTabletMeta(ctx, t.meta.TabletID, t.meta.SchemaHash, blob)
}

func (t *Tablet) SetCumulativeLayerPoint(v int64) {
	t.headerLock.Lock()
	t.meta.CumulativeLayerPoint = v
	t.headerLock.Unlock()
}

func (t *Tablet) CanDoCompaction() bool {
	return t.IsUsed() && t.InitSucceeded()
}

// CalcBaseCompactionScore counts rowsets whose end version is below the
// cumulative layer point; callers hold the header read lock.
func (t *Tablet) CalcBaseCompactionScore() uint32 {
	var score uint32
	for _, rs := range t.rowsets {
		if rs.EndVersion() < t.meta.CumulativeLayerPoint {
			score++
		}
	}
	if score <= 1 {
		return 0
	}
	return score
}

// CalcCumulativeCompactionScore counts rowsets whose end version is at or
// above the cumulative layer point; callers hold the header read lock.
func (t *Tablet) CalcCumulativeCompactionScore() uint32 {
	var score uint32
	for _, rs := range t.rowsets {
		if rs.EndVersion() >= t.meta.CumulativeLayerPoint {
			score++
		}
	}
	if score <= 1 {
		return 0
	}
	return score
}

func (t *Tablet) NextRowsetID(ctx context.Context) (proto.RowsetID, error) {
	return t.dataDir.NextRowsetID(ctx)
}

func (t *Tablet) RegisterIntoDir() {
	t.dataDir.RegisterTablet(proto.TabletInfo{TabletID: t.meta.TabletID, SchemaHash: t.meta.SchemaHash})
}

func (t *Tablet) DeregisterFromDir() {
	t.dataDir.DeregisterTablet(proto.TabletInfo{TabletID: t.meta.TabletID, SchemaHash: t.meta.SchemaHash})
}

// DeleteExpiredIncRowsets drops incremental rowsets older than the retention
// window, persisting the meta once when anything was dropped.
func (t *Tablet) DeleteExpiredIncRowsets(ctx context.Context) error {
	now := time.Now().Unix()
	t.headerLock.Lock()
	defer t.headerLock.Unlock()

	kept := t.incRowsets[:0]
	keptMetas := t.meta.IncRowsetMetas[:0]
	dropped := 0
	for i, rs := range t.incRowsets {
		if now-rs.CreationTime() > incRowsetExpireSec {
			dropped++
			continue
		}
		kept = append(kept, rs)
		keptMetas = append(keptMetas, t.meta.IncRowsetMetas[i])
	}
	if dropped == 0 {
		return nil
	}
	t.incRowsets = kept
	t.meta.IncRowsetMetas = keptMetas
	return t.saveMetaLocked(ctx)
}

// DeleteAllFiles removes the tablet directory tree. Used on create-failure
// cleanup before the tablet ever became visible.
func (t *Tablet) DeleteAllFiles() error {
	return os.RemoveAll(t.TabletPath())
}
