package catalog

import (
	"context"
	"os"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/tabletstore/errors"
	"github.com/cubefs/tabletstore/metrics"
	"github.com/cubefs/tabletstore/proto"
)

// StartTrashSweep runs one sweep round: expired incremental rowsets on live
// tablets, then the shutdown queue. A queued tablet only moves to the trash
// once no other thread holds it and its persisted state still says shutdown.
func (m *TabletManager) StartTrashSweep(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)

	m.lock.RLock()
	live := make([]*Tablet, 0, len(m.tabletMap))
	for _, instances := range m.tabletMap {
		live = append(live, instances.tabletArr...)
	}
	m.lock.RUnlock()
	for _, tablet := range live {
		if err := tablet.DeleteExpiredIncRowsets(ctx); err != nil {
			span.Warnf("delete expired inc rowsets failed: %s, tablet=%s", err, tablet.FullName())
		}
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	remaining := m.shutdownTablets[:0]
	for _, tablet := range m.shutdownTablets {
		// the queue itself holds one reference
		if tablet.RefCount() > 1 {
			remaining = append(remaining, tablet)
			continue
		}

		blob, err := tablet.DataDir().MetaStore().GetTabletMeta(ctx, tablet.TabletID(), tablet.SchemaHash())
		if err == nil {
			stored := new(TabletMeta)
			if parseErr := stored.Deserialize(blob); parseErr != nil {
				span.Warnf("parse stored meta failed, skip this tablet, tablet=%s", tablet.FullName())
				remaining = append(remaining, tablet)
				continue
			}
			if stored.State != proto.TabletStateShutdown {
				span.Warnf("tablet state changed to normal, skip remove dirs, tablet=%s", tablet.FullName())
				tablet.Release()
				continue
			}
			if _, statErr := os.Stat(tablet.TabletPath()); statErr == nil {
				// snapshot the header next to the data so the trash copy is
				// self-describing
				if saveErr := tablet.Meta().Save(tablet.TabletPath()); saveErr != nil {
					span.Warnf("snapshot meta before trash failed: %s, tablet=%s", saveErr, tablet.FullName())
					remaining = append(remaining, tablet)
					continue
				}
				span.Infof("start to move path to trash, tablet_path=%s", tablet.TabletPath())
				if _, mvErr := tablet.DataDir().MoveToTrash(tablet.TabletPath()); mvErr != nil {
					span.Warnf("move dir to trash failed: %s, dir=%s", mvErr, tablet.TabletPath())
					remaining = append(remaining, tablet)
					continue
				}
			}
			if rmErr := tablet.DataDir().MetaStore().RemoveTabletMeta(ctx, tablet.TabletID(), tablet.SchemaHash()); rmErr != nil {
				span.Warnf("remove tablet meta failed: %s, tablet=%s", rmErr, tablet.FullName())
				remaining = append(remaining, tablet)
				continue
			}
			span.Infof("successfully move tablet to trash, tablet=%s", tablet.FullName())
			tablet.Release()
			continue
		}

		if err == apierrors.ErrTabletNotFound {
			if _, statErr := os.Stat(tablet.TabletPath()); statErr == nil {
				span.Warnf("no meta but dir still exists, skip this tablet, tablet=%s", tablet.FullName())
				remaining = append(remaining, tablet)
			} else {
				span.Infof("tablet dir gone, remove from gc queue, tablet=%s", tablet.FullName())
				tablet.Release()
			}
			continue
		}

		span.Warnf("load meta from store failed: %s, skip this tablet, tablet=%s", err, tablet.FullName())
		remaining = append(remaining, tablet)
	}
	m.shutdownTablets = remaining
	return nil
}

// GetTabletStat serves the cached per-id stat map, refreshing it in place
// when older than the configured interval.
func (m *TabletManager) GetTabletStat(ctx context.Context) map[proto.TabletID]proto.TabletStat {
	currentMs := time.Now().UnixMilli()
	m.lock.Lock()
	defer m.lock.Unlock()
	if currentMs-m.statCacheUpdateTimeMs > m.cfg.StatCacheUpdateIntervalSec*1000 {
		m.buildTabletStatUnlocked()
	}

	ret := make(map[proto.TabletID]proto.TabletStat, len(m.statCache))
	for id, stat := range m.statCache {
		ret[id] = stat
	}
	return ret
}

func (m *TabletManager) buildTabletStatUnlocked() {
	m.statCache = make(map[proto.TabletID]proto.TabletStat, len(m.tabletMap))
	for tabletID, instances := range m.tabletMap {
		if len(instances.tabletArr) == 0 {
			continue
		}
		// only the first (oldest) tablet of the id feeds the stat
		tablet := instances.tabletArr[0]
		m.statCache[tabletID] = proto.TabletStat{
			TabletID: tabletID,
			DataSize: tablet.TabletFootprint(),
			RowNum:   tablet.NumRows(),
		}
	}
	m.statCacheUpdateTimeMs = time.Now().UnixMilli()
}

// FindBestTabletToCompaction picks the highest scoring compactable tablet,
// skipping schema change children whose alter is still running.
func (m *TabletManager) FindBestTabletToCompaction(compactionType proto.CompactionType) *Tablet {
	m.lock.RLock()
	defer m.lock.RUnlock()

	var (
		best         *Tablet
		highestScore uint32
	)
	for _, instances := range m.tabletMap {
		for _, tablet := range instances.tabletArr {
			alterTask := tablet.AlterTask()
			if alterTask != nil &&
				alterTask.AlterState != proto.AlterStateFinished &&
				alterTask.AlterState != proto.AlterStateFailed {
				related := m.getTabletUnlocked(alterTask.RelatedTabletID, alterTask.RelatedSchemaHash)
				if related != nil && tablet.CreationTime() > related.CreationTime() {
					// the child of a running schema change does not compact
					continue
				}
			}
			if !tablet.InitSucceeded() || !tablet.CanDoCompaction() {
				continue
			}

			tablet.HeaderLock().RLock()
			var score uint32
			switch compactionType {
			case proto.BaseCompaction:
				score = tablet.CalcBaseCompactionScore()
			case proto.CumulativeCompaction:
				score = tablet.CalcCumulativeCompactionScore()
			}
			tablet.HeaderLock().RUnlock()

			if score > highestScore {
				highestScore = score
				best = tablet
			}
		}
	}
	return best
}

// ReportTabletInfo fills a report for one tablet.
func (m *TabletManager) ReportTabletInfo(ctx context.Context, tabletID proto.TabletID, schemaHash proto.SchemaHash) (proto.TabletReport, error) {
	span := trace.SpanFromContextSafe(ctx)
	metrics.ReportTabletRequestsTotal.Inc()

	tablet := m.GetTablet(tabletID, schemaHash, false)
	if tablet == nil {
		span.Warnf("can't find tablet, tablet_id=%d schema_hash=%d", tabletID, schemaHash)
		return proto.TabletReport{}, apierrors.ErrTabletNotFound
	}
	return m.buildTabletReport(tablet), nil
}

// ReportAllTabletsInfo assembles the full report map, id -> every schema
// version of the id.
func (m *TabletManager) ReportAllTabletsInfo(ctx context.Context) (map[proto.TabletID][]proto.TabletReport, error) {
	metrics.ReportAllTabletsRequestsTotal.Inc()
	m.lock.RLock()
	defer m.lock.RUnlock()

	ret := make(map[proto.TabletID][]proto.TabletReport, len(m.tabletMap))
	for tabletID, instances := range m.tabletMap {
		if len(instances.tabletArr) == 0 {
			continue
		}
		reports := make([]proto.TabletReport, 0, len(instances.tabletArr))
		for _, tablet := range instances.tabletArr {
			report := m.buildTabletReport(tablet)
			report.TxnIDs = m.cfg.Backend.ExpiredTxns(tablet.TabletID(), tablet.SchemaHash())
			reports = append(reports, report)
		}
		ret[tabletID] = reports
	}
	return ret, nil
}

func (m *TabletManager) buildTabletReport(tablet *Tablet) proto.TabletReport {
	version, versionHash := tablet.MaxContinuousVersion()
	report := proto.TabletReport{
		TabletID:     tablet.TabletID(),
		SchemaHash:   tablet.SchemaHash(),
		RowCount:     tablet.NumRows(),
		DataSize:     tablet.TabletFootprint(),
		Version:      version.Second,
		VersionHash:  versionHash,
		VersionCount: tablet.VersionCount(),
		PathHash:     tablet.DataDir().PathHash(),
	}
	if m.availableStorageMediumTypeCount > 1 {
		report.StorageMedium = tablet.DataDir().StorageMedium()
	}
	return report
}

// UpdateRootPathInfo rolls tablet footprints up into the per-dir infos.
func (m *TabletManager) UpdateRootPathInfo(pathMap map[string]*proto.DataDirInfo, tabletCounter *int) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	for _, instances := range m.tabletMap {
		for _, tablet := range instances.tabletArr {
			*tabletCounter++
			info, ok := pathMap[tablet.DataDir().Path()]
			if !ok {
				continue
			}
			if info.IsUsed {
				info.DataUsedCapacity += tablet.TabletFootprint()
			}
		}
	}
}
