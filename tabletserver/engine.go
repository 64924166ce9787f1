package tabletserver

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"golang.org/x/sync/errgroup"

	apierrors "github.com/cubefs/tabletstore/errors"
	"github.com/cubefs/tabletstore/proto"
	"github.com/cubefs/tabletstore/tabletserver/catalog"
	"github.com/cubefs/tabletstore/tabletserver/store"
)

const defaultTaskPoolSize = 8

type (
	StorePath struct {
		Path     string `json:"path"`
		Capacity int64  `json:"capacity"`
	}

	// TxnExpirer reports the expired transaction ids of a tablet; wired in
	// by the transaction manager, nil when loads are not enabled.
	TxnExpirer func(tabletID proto.TabletID, schemaHash proto.SchemaHash) []proto.TxnID

	Config struct {
		StorePaths  []StorePath  `json:"store_paths"`
		StoreConfig store.Config `json:"store_config"`

		StatCacheUpdateIntervalSec int64 `json:"tablet_stat_cache_update_interval_second"`
		HealthCheckIntervalSec     int64 `json:"health_check_interval_second"`
		TrashSweepIntervalSec      int64 `json:"trash_sweep_interval_second"`

		Expirer TxnExpirer `json:"-"`
		// MetaOpener overrides the per-dir meta store binding in tests.
		MetaOpener catalog.MetaOpener `json:"-"`
	}
)

// StorageEngine owns the data directories and the tablet registry, and runs
// the health-check and trash-sweep loops over them.
type StorageEngine struct {
	cfg *Config

	dataDirs  map[string]*catalog.DataDir
	tabletMgr *catalog.TabletManager

	effectiveClusterID int32

	unusedMu      sync.Mutex
	unusedRowsets map[proto.RowsetID]*catalog.Rowset

	taskPool  taskpool.TaskPool
	done      chan struct{}
	closeOnce sync.Once
}

func Open(ctx context.Context, cfg *Config) (*StorageEngine, error) {
	span := trace.SpanFromContextSafe(ctx)
	initConfig(cfg)

	engine := &StorageEngine{
		cfg:                cfg,
		dataDirs:           make(map[string]*catalog.DataDir, len(cfg.StorePaths)),
		effectiveClusterID: -1,
		unusedRowsets:      make(map[proto.RowsetID]*catalog.Rowset),
		taskPool:           taskpool.New(defaultTaskPoolSize, defaultTaskPoolSize),
		done:               make(chan struct{}),
	}
	engine.tabletMgr = catalog.NewTabletManager(catalog.ManagerConfig{
		StatCacheUpdateIntervalSec: cfg.StatCacheUpdateIntervalSec,
		Backend:                    engine,
	})

	if err := engine.openDataDirs(ctx); err != nil {
		return nil, err
	}
	if err := engine.judgeClusterID(ctx); err != nil {
		return nil, err
	}
	engine.loadTablets(ctx)
	engine.tabletMgr.CancelUnfinishedSchemaChange(ctx)
	engine.tabletMgr.UpdateStorageMediumTypeCount(engine.storageMediumTypeCount())

	span.Infof("storage engine opened with %d data dirs", len(engine.dataDirs))
	go engine.loop(ctx)
	return engine, nil
}

// openDataDirs initializes every configured root concurrently and keeps the
// ones that came up. No usable dir fails the open.
func (e *StorageEngine) openDataDirs(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)

	dirs := make([]*catalog.DataDir, len(e.cfg.StorePaths))
	var eg errgroup.Group
	for i := range e.cfg.StorePaths {
		i := i
		eg.Go(func() error {
			dir := catalog.NewDataDir(catalog.DataDirConfig{
				Path:          e.cfg.StorePaths[i].Path,
				CapacityBytes: e.cfg.StorePaths[i].Capacity,
				StoreConfig:   e.cfg.StoreConfig,
				MetaOpener:    e.cfg.MetaOpener,
			})
			if err := dir.Init(ctx); err != nil {
				span.Warnf("init data dir failed: %s, path=%s", errors.Detail(err), e.cfg.StorePaths[i].Path)
				dir.Close()
				return nil
			}
			dirs[i] = dir
			return nil
		})
	}
	eg.Wait()

	for _, dir := range dirs {
		if dir != nil {
			e.dataDirs[dir.Path()] = dir
		}
	}
	if len(e.dataDirs) == 0 {
		return errors.Info(apierrors.ErrInvalidStorePath, "no usable data dir")
	}
	return nil
}

// judgeClusterID requires one consistent cluster id across the dirs and
// propagates it onto unassigned ones.
func (e *StorageEngine) judgeClusterID(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	id := int32(-1)
	for _, dir := range e.dataDirs {
		if dir.ClusterID() == -1 {
			continue
		}
		if id == -1 {
			id = dir.ClusterID()
			continue
		}
		if id != dir.ClusterID() {
			span.Errorf("cluster id mismatch between data dirs: %d vs %d", id, dir.ClusterID())
			return apierrors.ErrClusterIDAssigned
		}
	}
	e.effectiveClusterID = id
	if id == -1 {
		return nil
	}
	for _, dir := range e.dataDirs {
		if err := dir.SetClusterID(id); err != nil {
			return err
		}
	}
	return nil
}

// SetClusterID assigns the whole engine to one cluster, first use only.
func (e *StorageEngine) SetClusterID(clusterID int32) error {
	if e.effectiveClusterID != -1 && e.effectiveClusterID != clusterID {
		return apierrors.ErrClusterIDAssigned
	}
	for _, dir := range e.dataDirs {
		if err := dir.SetClusterID(clusterID); err != nil {
			return err
		}
	}
	e.effectiveClusterID = clusterID
	return nil
}

func (e *StorageEngine) EffectiveClusterID() int32 { return e.effectiveClusterID }

// loadTablets replays each dir's meta store into the registry.
func (e *StorageEngine) loadTablets(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	var eg errgroup.Group
	for _, dir := range e.dataDirs {
		dir := dir
		eg.Go(func() error {
			err := dir.MetaStore().RangeTabletMeta(ctx, func(tabletID proto.TabletID, schemaHash proto.SchemaHash, blob []byte) error {
				loadErr := e.tabletMgr.LoadTabletFromMeta(ctx, dir, tabletID, schemaHash, blob, false, false)
				if loadErr != nil && loadErr != apierrors.ErrTabletAlreadyDeleted {
					span.Warnf("load tablet from meta failed: %s, tablet_id=%d schema_hash=%d",
						loadErr, tabletID, schemaHash)
				}
				return nil
			})
			if err != nil {
				span.Warnf("range tablet meta failed: %s, path=%s", err, dir.Path())
			}
			return nil
		})
	}
	eg.Wait()
}

func (e *StorageEngine) storageMediumTypeCount() uint32 {
	mediums := make(map[proto.StorageMedium]struct{})
	for _, dir := range e.dataDirs {
		if !dir.IsUsed() {
			continue
		}
		mediums[dir.StorageMedium()] = struct{}{}
	}
	return uint32(len(mediums))
}

// GetStores implements catalog.EngineBackend.
func (e *StorageEngine) GetStores(availableOnly bool) []*catalog.DataDir {
	ret := make([]*catalog.DataDir, 0, len(e.dataDirs))
	for _, dir := range e.dataDirs {
		if availableOnly && !dir.IsUsed() {
			continue
		}
		ret = append(ret, dir)
	}
	return ret
}

// AddUnusedRowset implements catalog.EngineBackend: parks a rowset whose
// tablet refused it until the reaper removes its files.
func (e *StorageEngine) AddUnusedRowset(rs *catalog.Rowset) {
	if rs == nil {
		return
	}
	e.unusedMu.Lock()
	e.unusedRowsets[rs.RowsetID()] = rs
	e.unusedMu.Unlock()
}

// ExpiredTxns implements catalog.EngineBackend.
func (e *StorageEngine) ExpiredTxns(tabletID proto.TabletID, schemaHash proto.SchemaHash) []proto.TxnID {
	if e.cfg.Expirer == nil {
		return nil
	}
	return e.cfg.Expirer(tabletID, schemaHash)
}

func (e *StorageEngine) TabletManager() *catalog.TabletManager { return e.tabletMgr }

func (e *StorageEngine) DataDir(path string) *catalog.DataDir { return e.dataDirs[path] }

func (e *StorageEngine) cleanUnusedRowsets(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	e.unusedMu.Lock()
	rowsets := make([]*catalog.Rowset, 0, len(e.unusedRowsets))
	for _, rs := range e.unusedRowsets {
		rowsets = append(rowsets, rs)
	}
	e.unusedRowsets = make(map[proto.RowsetID]*catalog.Rowset)
	e.unusedMu.Unlock()

	for _, rs := range rowsets {
		if err := rs.RemoveAllFiles(); err != nil {
			span.Warnf("remove unused rowset files failed: %s, rowset_id=%d", err, rs.RowsetID())
			e.AddUnusedRowset(rs)
		}
	}
}

func (e *StorageEngine) loop(ctx context.Context) {
	healthTicker := time.NewTicker(time.Duration(e.cfg.HealthCheckIntervalSec) * time.Second)
	sweepTicker := time.NewTicker(time.Duration(e.cfg.TrashSweepIntervalSec) * time.Second)
	defer func() {
		healthTicker.Stop()
		sweepTicker.Stop()
	}()

	for {
		select {
		case <-healthTicker.C:
			span, ctx := trace.StartSpanFromContext(ctx, "")
			for _, dir := range e.dataDirs {
				dir := dir
				e.taskPool.Run(func() {
					if err := dir.HealthCheck(ctx); err != nil {
						span.Warnf("data dir unhealthy: %s, path=%s", err, dir.Path())
						e.evictDeadDir(ctx, dir)
					}
				})
			}
		case <-sweepTicker.C:
			span, ctx := trace.StartSpanFromContext(ctx, "")
			if err := e.tabletMgr.StartTrashSweep(ctx); err != nil {
				span.Warnf("trash sweep failed: %s", err)
			}
			e.cleanUnusedRowsets(ctx)
			sweepTicker.Reset(time.Duration(e.cfg.TrashSweepIntervalSec+int64(rand.Intn(10))) * time.Second)
		case <-e.done:
			return
		}
	}
}

// evictDeadDir drains a failed dir's tablets out of the registry.
func (e *StorageEngine) evictDeadDir(ctx context.Context, dir *catalog.DataDir) {
	var infos []proto.TabletInfo
	dir.ClearTablets(&infos)
	if len(infos) == 0 {
		return
	}
	if err := e.tabletMgr.DropTabletsOnErrorRootPath(ctx, infos); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("drop tablets on error root path failed: %s", err)
	}
	e.tabletMgr.UpdateStorageMediumTypeCount(e.storageMediumTypeCount())
}

func (e *StorageEngine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.taskPool.Close()
		for _, dir := range e.dataDirs {
			dir.Close()
		}
	})
}

func initConfig(cfg *Config) {
	if cfg.StatCacheUpdateIntervalSec <= 0 {
		cfg.StatCacheUpdateIntervalSec = 300
	}
	if cfg.HealthCheckIntervalSec <= 0 {
		cfg.HealthCheckIntervalSec = 10
	}
	if cfg.TrashSweepIntervalSec <= 0 {
		cfg.TrashSweepIntervalSec = 60
	}
	for i := range cfg.StorePaths {
		if cfg.StorePaths[i].Capacity == 0 {
			cfg.StorePaths[i].Capacity = -1
		}
	}
}
