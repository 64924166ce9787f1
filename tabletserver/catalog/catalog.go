package catalog

import (
	"context"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	apierrors "github.com/cubefs/tabletstore/errors"
	"github.com/cubefs/tabletstore/metrics"
	"github.com/cubefs/tabletstore/proto"
)

const tabletIDPendingPrefix = "tabletid_"

type (
	// EngineBackend is the slice of the storage engine the registry calls
	// back into. Injected so the registry stays testable without process
	// globals.
	EngineBackend interface {
		GetStores(availableOnly bool) []*DataDir
		AddUnusedRowset(rs *Rowset)
		ExpiredTxns(tabletID proto.TabletID, schemaHash proto.SchemaHash) []proto.TxnID
	}

	ManagerConfig struct {
		// StatCacheUpdateIntervalSec bounds the staleness of the tablet
		// stat cache.
		StatCacheUpdateIntervalSec int64 `json:"tablet_stat_cache_update_interval_second"`

		Backend EngineBackend `json:"-"`
	}
)

// tableInstances groups every schema version of one tablet id: the per-id
// schema-change lock plus the tablets ordered by ascending creation time.
type tableInstances struct {
	schemaChangeLock sync.Mutex
	tabletArr        []*Tablet
}

func (ti *tableInstances) sortByCreationTime() {
	sort.SliceStable(ti.tabletArr, func(i, j int) bool {
		return ti.tabletArr[i].CreationTime() < ti.tabletArr[j].CreationTime()
	})
}

// TabletManager is the process-wide tablet registry. The map lock covers
// tabletMap and shutdownTablets; tablet header locks nest strictly inside it.
type TabletManager struct {
	cfg ManagerConfig

	lock            sync.RWMutex
	tabletMap       map[proto.TabletID]*tableInstances
	shutdownTablets []*Tablet

	statCache             map[proto.TabletID]proto.TabletStat
	statCacheUpdateTimeMs int64

	availableStorageMediumTypeCount uint32
}

func NewTabletManager(cfg ManagerConfig) *TabletManager {
	if cfg.StatCacheUpdateIntervalSec <= 0 {
		cfg.StatCacheUpdateIntervalSec = 300
	}
	return &TabletManager{
		cfg:       cfg,
		tabletMap: make(map[proto.TabletID]*tableInstances),
		statCache: make(map[proto.TabletID]proto.TabletStat),
	}
}

// CreateTablet is idempotent: an exact identity match returns success, the
// same tablet id under a different schema hash is rejected.
func (m *TabletManager) CreateTablet(ctx context.Context, req *proto.CreateTabletReq, stores []*DataDir) error {
	span := trace.SpanFromContextSafe(ctx)
	m.lock.Lock()
	defer m.lock.Unlock()

	metrics.CreateTabletRequestsTotal.Inc()
	if m.checkTabletIDExistUnlocked(req.TabletID) {
		if t := m.getTabletUnlocked(req.TabletID, req.TabletSchema.SchemaHash); t != nil {
			span.Infof("create tablet success for tablet already exist, tablet_id=%d", req.TabletID)
			return nil
		}
		span.Warnf("tablet with different schema hash already exists, tablet_id=%d", req.TabletID)
		return apierrors.ErrTabletIDExists
	}

	if _, err := m.internalCreateTablet(ctx, req, false, nil, stores); err != nil {
		return err
	}
	return nil
}

// CreateSchemaChangeTablet creates the target tablet of a schema change or
// rollup, linked to refTablet.
func (m *TabletManager) CreateSchemaChangeTablet(ctx context.Context, req *proto.CreateTabletReq, refTablet *Tablet, stores []*DataDir) (*Tablet, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.internalCreateTablet(ctx, req, true, refTablet, stores)
}

func (m *TabletManager) internalCreateTablet(ctx context.Context, req *proto.CreateTabletReq,
	isSchemaChange bool, refTablet *Tablet, stores []*DataDir) (*Tablet, error) {
	span := trace.SpanFromContextSafe(ctx)
	schemaHash := req.TabletSchema.SchemaHash

	if checked := m.getTabletUnlocked(req.TabletID, schemaHash); checked != nil {
		span.Warnf("tablet already exist, tablet_id=%d schema_hash=%d", req.TabletID, schemaHash)
		return nil, apierrors.ErrTabletExists
	}

	tablet, err := m.createTabletMetaAndDir(ctx, req, isSchemaChange, refTablet, stores)
	if err != nil {
		metrics.CreateTabletRequestsFailed.Inc()
		return nil, err
	}

	isAdded := false
	err = func() error {
		if err := tablet.Init(ctx); err != nil {
			return errors.Info(err, "tablet init failed", tablet.FullName())
		}
		if !isSchemaChange {
			// seed the initial rowset before the tablet becomes visible,
			// which keeps the write out of every registry lock but this one
			if err := m.createInitialRowset(ctx, tablet, req); err != nil {
				return errors.Info(err, "create initial version failed", tablet.FullName())
			}
		} else {
			// second-granularity clocks (or time going backward) can leave
			// the child no younger than its base; bump so ordering by
			// creation time stays meaningful
			if tablet.CreationTime() <= refTablet.CreationTime() {
				span.Warnf("new tablet creation time %d <= ref tablet %d, bump it",
					tablet.CreationTime(), refTablet.CreationTime())
				tablet.SetCreationTime(refTablet.CreationTime() + 1)
			}
		}
		if err := m.addTabletUnlocked(ctx, req.TabletID, schemaHash, tablet, true, false); err != nil {
			return errors.Info(err, "add tablet failed", tablet.FullName())
		}
		isAdded = true
		return nil
	}()

	tablet.DataDir().RemovePendingID(tabletIDPendingPrefix + strconv.FormatInt(int64(req.TabletID), 10))

	if err != nil {
		metrics.CreateTabletRequestsFailed.Inc()
		if isAdded {
			if dropErr := m.dropTabletUnlocked(ctx, req.TabletID, schemaHash, false); dropErr != nil {
				span.Warnf("drop tablet when create failed: %s", dropErr)
			}
		} else {
			if rmErr := tablet.DeleteAllFiles(); rmErr != nil {
				span.Warnf("remove tablet files when create failed: %s", rmErr)
			}
			if rmErr := tablet.DataDir().MetaStore().RemoveTabletMeta(ctx, req.TabletID, schemaHash); rmErr != nil {
				span.Warnf("remove tablet meta when create failed: %s", rmErr)
			}
		}
		return nil, err
	}
	return tablet, nil
}

// createTabletMetaAndDir tries each candidate data dir in order until one of
// them takes the tablet.
func (m *TabletManager) createTabletMetaAndDir(ctx context.Context, req *proto.CreateTabletReq,
	isSchemaChange bool, refTablet *Tablet, stores []*DataDir) (*Tablet, error) {
	span := trace.SpanFromContextSafe(ctx)
	pendingID := tabletIDPendingPrefix + strconv.FormatInt(int64(req.TabletID), 10)

	var lastDir *DataDir
	for _, dataDir := range stores {
		if lastDir != nil {
			// previous round failed after marking its dir
			lastDir.RemovePendingID(pendingID)
		}
		lastDir = dataDir

		meta, err := m.createTabletMeta(ctx, req, dataDir, isSchemaChange, refTablet)
		if err != nil {
			span.Warnf("create tablet meta failed: %s, root=%s", err, dataDir.Path())
			continue
		}

		schemaHashDir := dataDir.TabletPath(meta.ShardID, req.TabletID, req.TabletSchema.SchemaHash)
		if _, err := os.Stat(schemaHashDir); os.IsNotExist(err) {
			dataDir.AddPendingID(pendingID)
			if err := os.MkdirAll(schemaHashDir, 0o755); err != nil {
				span.Warnf("create dir failed: %s, path=%s", err, schemaHashDir)
				continue
			}
		}

		return newTablet(meta, dataDir), nil
	}
	return nil, errors.Info(apierrors.ErrParams, "no data dir can hold the new tablet")
}

// createTabletMeta allocates a shard on the data dir and assigns per-column
// unique ids. On schema change a column keeps the unique id of its namesake
// in the reference tablet; brand new columns draw fresh ids starting at the
// reference tablet's next unique id.
func (m *TabletManager) createTabletMeta(ctx context.Context, req *proto.CreateTabletReq,
	dataDir *DataDir, isSchemaChange bool, refTablet *Tablet) (*TabletMeta, error) {
	shardID, err := dataDir.GetShard()
	if err != nil {
		return nil, errors.Info(err, "get shard failed")
	}

	var nextUniqueID uint32
	colOrdinalToUniqueID := make(map[uint32]uint32, len(req.TabletSchema.Columns))
	if !isSchemaChange {
		for ord := range req.TabletSchema.Columns {
			colOrdinalToUniqueID[uint32(ord)] = uint32(ord)
		}
		nextUniqueID = uint32(len(req.TabletSchema.Columns))
	} else {
		nextUniqueID = refTablet.Meta().NextUniqueID
		refColumns := refTablet.Schema().Columns
		for ord, column := range req.TabletSchema.Columns {
			found := false
			for i := range refColumns {
				if refColumns[i].Name == column.Name {
					colOrdinalToUniqueID[uint32(ord)] = refColumns[i].UniqueID
					found = true
					break
				}
			}
			if !found {
				colOrdinalToUniqueID[uint32(ord)] = nextUniqueID
				nextUniqueID++
			}
		}
	}

	return NewTabletMeta(req.TableID, req.PartitionID, req.TabletID,
		req.TabletSchema.SchemaHash, shardID, req.TabletSchema,
		nextUniqueID, colOrdinalToUniqueID), nil
}

// createInitialRowset seeds version (0, req.Version) into a fresh tablet.
func (m *TabletManager) createInitialRowset(ctx context.Context, tablet *Tablet, req *proto.CreateTabletReq) error {
	span := trace.SpanFromContextSafe(ctx)
	if req.Version < 1 {
		span.Warnf("init version of tablet should at least 1, got %d", req.Version)
		return apierrors.ErrParams
	}

	rowsetID, err := tablet.NextRowsetID(ctx)
	if err != nil {
		return err
	}
	writer := NewAlphaRowsetWriter()
	err = writer.Init(RowsetWriterContext{
		RowsetID:    rowsetID,
		TabletID:    tablet.TabletID(),
		PartitionID: tablet.PartitionID(),
		SchemaHash:  tablet.SchemaHash(),
		RowsetState: proto.RowsetStateVisible,
		PathPrefix:  tablet.TabletPath(),
		Schema:      tablet.Schema(),
		Version:     proto.Version{First: 0, Second: req.Version},
		VersionHash: req.VersionHash,
	})
	if err != nil {
		return err
	}

	rowset, err := writer.Build()
	if err != nil {
		return err
	}
	if err := tablet.AddRowset(ctx, rowset); err != nil {
		m.cfg.Backend.AddUnusedRowset(rowset)
		return err
	}

	tablet.SetCumulativeLayerPoint(req.Version + 1)
	if err := tablet.SaveMeta(ctx); err != nil {
		return err
	}
	// keep a header snapshot next to the data files
	return tablet.Meta().Save(tablet.TabletPath())
}

// AddTablet registers an externally built tablet, as the restore and
// snapshot-clone paths do. force swaps out a same-identity entry regardless
// of versions, keeping the displaced tablet's files on disk.
func (m *TabletManager) AddTablet(ctx context.Context, tabletID proto.TabletID,
	schemaHash proto.SchemaHash, tablet *Tablet, updateMeta, force bool) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.addTabletUnlocked(ctx, tabletID, schemaHash, tablet, updateMeta, force)
}

// addTabletUnlocked registers a tablet under the already-held map write
// lock. An entry with the same identity is only displaced when force is set
// or the incomer is strictly fresher (higher end version, or same version
// and younger creation time).
func (m *TabletManager) addTabletUnlocked(ctx context.Context, tabletID proto.TabletID,
	schemaHash proto.SchemaHash, tablet *Tablet, updateMeta, force bool) error {
	span := trace.SpanFromContextSafe(ctx)

	var existing *Tablet
	if instances := m.tabletMap[tabletID]; instances != nil {
		for _, item := range instances.tabletArr {
			if item.Equal(tabletID, schemaHash) {
				existing = item
				break
			}
		}
	}

	if existing == nil {
		return m.addTabletToMapUnlocked(ctx, tabletID, schemaHash, tablet, updateMeta, false, false)
	}

	if !force {
		if existing.TabletPath() == tablet.TabletPath() {
			span.Warnf("add the same tablet twice, tablet_id=%d schema_hash=%d", tabletID, schemaHash)
			return apierrors.ErrTabletExists
		}
		if existing.DataDir() == tablet.DataDir() {
			span.Warnf("add tablet with same data dir twice, tablet_id=%d schema_hash=%d", tabletID, schemaHash)
			return apierrors.ErrTabletExists
		}
	}

	existing.HeaderLock().RLock()
	oldRowset := existing.rowsetWithMaxVersionUnlocked()
	existing.HeaderLock().RUnlock()
	newRowset := tablet.RowsetWithMaxVersion()

	// an incomer with no rowsets can only be a half-built schema change
	// child; the existing entry should have been dropped before we got here
	if newRowset == nil {
		span.Errorf("new tablet is empty and old tablet exists, tablet_id=%d schema_hash=%d",
			tabletID, schemaHash)
		return apierrors.ErrTabletExists
	}
	oldTime, oldVersion := int64(-1), int64(-1)
	if oldRowset != nil {
		oldTime, oldVersion = oldRowset.CreationTime(), oldRowset.EndVersion()
	}
	newTime, newVersion := newRowset.CreationTime(), newRowset.EndVersion()

	// In restore, the downloaded snapshot replaces the files in place and
	// the registry entry is force-swapped; the displaced tablet must not
	// take the freshly landed files down with it.
	keepFiles := force
	if force || newVersion > oldVersion || (newVersion == oldVersion && newTime > oldTime) {
		return m.addTabletToMapUnlocked(ctx, tabletID, schemaHash, tablet, updateMeta, keepFiles, true)
	}
	span.Warnf("add duplicated tablet, force=%v tablet_id=%d schema_hash=%d old_version=%d new_version=%d",
		force, tabletID, schemaHash, oldVersion, newVersion)
	return apierrors.ErrTabletExists
}

func (m *TabletManager) addTabletToMapUnlocked(ctx context.Context, tabletID proto.TabletID,
	schemaHash proto.SchemaHash, tablet *Tablet, updateMeta, keepFiles, dropOld bool) error {
	span := trace.SpanFromContextSafe(ctx)
	if updateMeta {
		if err := tablet.SaveMeta(ctx); err != nil {
			return errors.Info(err, "save new tablet meta failed", tablet.FullName())
		}
	}
	if dropOld {
		if err := m.dropTabletUnlocked(ctx, tabletID, schemaHash, keepFiles); err != nil {
			return errors.Info(err, "drop old tablet failed", tablet.FullName())
		}
	}
	tablet.RegisterIntoDir()

	instances := m.tabletMap[tabletID]
	if instances == nil {
		instances = &tableInstances{}
		m.tabletMap[tabletID] = instances
	}
	tablet.Retain()
	instances.tabletArr = append(instances.tabletArr, tablet)
	instances.sortByCreationTime()
	span.Infof("add tablet to map, tablet_id=%d schema_hash=%d", tabletID, schemaHash)
	return nil
}

// DropTablet removes a tablet. Absent identities succeed; the base of a
// still-running schema change is refused.
func (m *TabletManager) DropTablet(ctx context.Context, tabletID proto.TabletID, schemaHash proto.SchemaHash, keepFiles bool) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	metrics.DropTabletRequestsTotal.Inc()
	return m.dropTabletUnlocked(ctx, tabletID, schemaHash, keepFiles)
}

func (m *TabletManager) dropTabletUnlocked(ctx context.Context, tabletID proto.TabletID, schemaHash proto.SchemaHash, keepFiles bool) error {
	span := trace.SpanFromContextSafe(ctx)

	dropped := m.getTabletUnlocked(tabletID, schemaHash)
	if dropped == nil {
		span.Warnf("tablet to drop does not exist, tablet_id=%d schema_hash=%d", tabletID, schemaHash)
		return nil
	}

	alterTask := dropped.AlterTask()
	if alterTask == nil {
		return m.dropTabletDirectlyUnlocked(ctx, tabletID, schemaHash, keepFiles)
	}

	related := m.getTabletUnlocked(alterTask.RelatedTabletID, alterTask.RelatedSchemaHash)
	if related == nil {
		span.Warnf("drop tablet directly when related tablet not found, tablet_id=%d schema_hash=%d",
			alterTask.RelatedTabletID, alterTask.RelatedSchemaHash)
		return m.dropTabletDirectlyUnlocked(ctx, tabletID, schemaHash, keepFiles)
	}

	isDropBase := dropped.CreationTime() < related.CreationTime()
	if isDropBase && alterTask.AlterState != proto.AlterStateFinished {
		span.Warnf("base tablet in schema change cannot be dropped, tablet=%s", dropped.FullName())
		return apierrors.ErrPreviousSchemaChangeNotFinished
	}

	// break the link before dropping: a link to a missing tablet after a
	// restart is worse than a dangling drop
	related.HeaderLock().Lock()
	related.DeleteAlterTaskLocked()
	if err := related.saveMetaLocked(ctx); err != nil {
		span.Errorf("save related tablet meta failed: %s, tablet=%s", err, related.FullName())
	}
	err := m.dropTabletDirectlyUnlocked(ctx, tabletID, schemaHash, keepFiles)
	related.HeaderLock().Unlock()
	if err != nil {
		span.Warnf("drop tablet which in schema change failed, tablet=%s", dropped.FullName())
		return err
	}
	return nil
}

func (m *TabletManager) dropTabletDirectlyUnlocked(ctx context.Context, tabletID proto.TabletID, schemaHash proto.SchemaHash, keepFiles bool) error {
	span := trace.SpanFromContextSafe(ctx)

	dropped := m.getTabletUnlocked(tabletID, schemaHash)
	if dropped == nil {
		span.Warnf("drop not existed tablet, tablet_id=%d schema_hash=%d", tabletID, schemaHash)
		return apierrors.ErrTabletNotFound
	}

	var firstErr error
	instances := m.tabletMap[tabletID]
	kept := instances.tabletArr[:0]
	for _, tablet := range instances.tabletArr {
		if !tablet.Equal(tabletID, schemaHash) {
			kept = append(kept, tablet)
			continue
		}
		if !keepFiles {
			// flip the runtime object, never the stored meta directly:
			// another holder may persist the header concurrently and an
			// unflipped copy would resurrect the tablet at restart
			tablet.SetState(proto.TabletStateShutdown)
			if err := tablet.SaveMeta(ctx); err != nil {
				if firstErr == nil {
					firstErr = errors.Info(err, "save shutdown tablet meta failed")
				}
				kept = append(kept, tablet)
				continue
			}
			// registry reference transfers to the shutdown queue
			m.shutdownTablets = append(m.shutdownTablets, tablet)
		} else {
			tablet.Release()
		}
	}
	instances.tabletArr = kept
	if len(instances.tabletArr) == 0 {
		delete(m.tabletMap, tabletID)
	}

	dropped.DeregisterFromDir()
	return firstErr
}

// DropTabletsOnErrorRootPath evicts tablets living on a failed data dir from
// the registry. Files and metas are left alone: the dir is gone.
func (m *TabletManager) DropTabletsOnErrorRootPath(ctx context.Context, tabletInfos []proto.TabletInfo) error {
	span := trace.SpanFromContextSafe(ctx)
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, info := range tabletInfos {
		instances := m.tabletMap[info.TabletID]
		if instances == nil {
			span.Warnf("dropping tablet not exist, tablet_id=%d schema_hash=%d", info.TabletID, info.SchemaHash)
			continue
		}
		kept := instances.tabletArr[:0]
		for _, tablet := range instances.tabletArr {
			if tablet.Equal(info.TabletID, info.SchemaHash) {
				tablet.Release()
				continue
			}
			kept = append(kept, tablet)
		}
		instances.tabletArr = kept
		if len(instances.tabletArr) == 0 {
			delete(m.tabletMap, info.TabletID)
		}
	}
	return nil
}

// GetTablet returns the live tablet of the identity, optionally searching
// the shutdown queue too. Tablets on an unhealthy data dir read as absent.
func (m *TabletManager) GetTablet(tabletID proto.TabletID, schemaHash proto.SchemaHash, includeDeleted bool) *Tablet {
	m.lock.RLock()
	defer m.lock.RUnlock()

	tablet := m.getTabletUnlocked(tabletID, schemaHash)
	if tablet == nil && includeDeleted {
		for _, deleted := range m.shutdownTablets {
			if deleted.Equal(tabletID, schemaHash) {
				tablet = deleted
				break
			}
		}
	}
	if tablet != nil && !tablet.IsUsed() {
		return nil
	}
	return tablet
}

func (m *TabletManager) getTabletUnlocked(tabletID proto.TabletID, schemaHash proto.SchemaHash) *Tablet {
	instances := m.tabletMap[tabletID]
	if instances == nil {
		return nil
	}
	for _, tablet := range instances.tabletArr {
		if tablet.Equal(tabletID, schemaHash) {
			return tablet
		}
	}
	return nil
}

func (m *TabletManager) CheckTabletIDExist(tabletID proto.TabletID) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.checkTabletIDExistUnlocked(tabletID)
}

func (m *TabletManager) checkTabletIDExistUnlocked(tabletID proto.TabletID) bool {
	instances := m.tabletMap[tabletID]
	return instances != nil && len(instances.tabletArr) != 0
}

// TrySchemaChangeLock acquires the per-tablet-id schema change lock without
// blocking.
func (m *TabletManager) TrySchemaChangeLock(tabletID proto.TabletID) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	instances := m.tabletMap[tabletID]
	if instances == nil {
		log.Warnf("tablet does not exist, tablet_id=%d", tabletID)
		return false
	}
	return instances.schemaChangeLock.TryLock()
}

func (m *TabletManager) ReleaseSchemaChangeLock(tabletID proto.TabletID) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	instances := m.tabletMap[tabletID]
	if instances == nil {
		log.Warnf("tablet does not exist, tablet_id=%d", tabletID)
		return
	}
	instances.schemaChangeLock.Unlock()
}

func (m *TabletManager) UpdateStorageMediumTypeCount(count uint32) {
	m.lock.Lock()
	m.availableStorageMediumTypeCount = count
	m.lock.Unlock()
}
