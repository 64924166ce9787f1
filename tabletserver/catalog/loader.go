package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/tabletstore/errors"
	"github.com/cubefs/tabletstore/proto"
)

// LoadTabletFromMeta rebuilds a tablet from a serialized header, typically
// while replaying a data dir's meta store at startup. A header in shutdown
// state goes straight to the trash queue and reports already-deleted so the
// caller skips it.
func (m *TabletManager) LoadTabletFromMeta(ctx context.Context, dataDir *DataDir,
	tabletID proto.TabletID, schemaHash proto.SchemaHash, metaBlob []byte, updateMeta, force bool) error {
	span := trace.SpanFromContextSafe(ctx)
	m.lock.Lock()
	defer m.lock.Unlock()

	meta := new(TabletMeta)
	if err := meta.Deserialize(metaBlob); err != nil {
		span.Warnf("parse meta blob failed, tablet_id=%d schema_hash=%d", tabletID, schemaHash)
		return apierrors.ErrHeaderParse
	}

	tablet := newTablet(meta, dataDir)
	if meta.State == proto.TabletStateShutdown {
		span.Infof("tablet is to be deleted, skip load it, tablet_id=%d schema_hash=%d",
			meta.TabletID, meta.SchemaHash)
		tablet.Retain()
		m.shutdownTablets = append(m.shutdownTablets, tablet)
		return apierrors.ErrTabletAlreadyDeleted
	}

	// a tablet with no delta at all is only legal mid schema change
	if meta.MaxVersion().First == -1 && meta.AlterTask == nil {
		span.Warnf("tablet not in schema change state without delta is invalid, tablet=%s", tablet.FullName())
		return apierrors.ErrIndexValidate
	}

	if err := tablet.Init(ctx); err != nil {
		return errors.Info(err, "tablet init failed", tablet.FullName())
	}
	if err := m.addTabletUnlocked(ctx, tabletID, schemaHash, tablet, updateMeta, force); err != nil {
		span.Warnf("failed to add tablet, tablet=%s err=%s", tablet.FullName(), err)
		return err
	}
	return nil
}

// LoadTabletFromDir reloads a tablet from its .hdr snapshot, rewriting the
// recorded shard to the one in the path so relocated snapshots land where
// they actually are.
func (m *TabletManager) LoadTabletFromDir(ctx context.Context, dataDir *DataDir,
	tabletID proto.TabletID, schemaHash proto.SchemaHash, schemaHashPath string, force bool) error {
	span := trace.SpanFromContextSafe(ctx)

	headerPath := filepath.Join(schemaHashPath, fmt.Sprintf("%d.hdr", tabletID))
	if _, err := os.Stat(headerPath); err != nil {
		span.Warnf("fail to find header file, header_path=%s", headerPath)
		return apierrors.ErrTabletNotFound
	}

	// path is .../data/<shard>/<tablet_id>/<schema_hash>
	shardStr := filepath.Base(filepath.Dir(filepath.Dir(schemaHashPath)))
	shard, err := strconv.ParseUint(shardStr, 10, 32)
	if err != nil {
		return errors.Info(apierrors.ErrInvalidStorePath, "parse shard from path failed", schemaHashPath)
	}

	meta, err := LoadTabletMetaFromFile(headerPath)
	if err != nil {
		span.Warnf("fail to load tablet meta, file_path=%s", headerPath)
		return apierrors.ErrHeaderParse
	}
	meta.ShardID = uint32(shard)
	blob, err := meta.Serialize()
	if err != nil {
		return err
	}
	return m.LoadTabletFromMeta(ctx, dataDir, tabletID, schemaHash, blob, true, force)
}

// CancelUnfinishedSchemaChange fails every in-flight alter link. Runs once
// at engine restart before any concurrency exists; the upper layer redoes
// the schema change from scratch.
func (m *TabletManager) CancelUnfinishedSchemaChange(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	canceled := 0

	for _, instances := range m.tabletMap {
		for _, tablet := range instances.tabletArr {
			alterTask := tablet.AlterTask()
			if alterTask == nil {
				continue
			}

			related := m.getTabletUnlocked(alterTask.RelatedTabletID, alterTask.RelatedSchemaHash)
			if related == nil {
				span.Warnf("tablet created by alter does not exist, tablet=%s related_tablet_id=%d",
					tablet.FullName(), alterTask.RelatedTabletID)
				continue
			}

			// a finished pair survives restart untouched
			relatedTask := related.AlterTask()
			if alterTask.AlterState == proto.AlterStateFinished &&
				relatedTask != nil && relatedTask.AlterState == proto.AlterStateFinished {
				continue
			}

			tablet.SetAlterState(proto.AlterStateFailed)
			if err := tablet.SaveMeta(ctx); err != nil {
				span.Errorf("fail to save base tablet meta: %s, tablet=%s", err, tablet.FullName())
				return
			}
			related.SetAlterState(proto.AlterStateFailed)
			if err := related.SaveMeta(ctx); err != nil {
				span.Errorf("fail to save new tablet meta: %s, tablet=%s", err, related.FullName())
				return
			}
			canceled++
		}
	}
	span.Infof("finish to cancel unfinished schema change, canceled_num=%d", canceled)
}
