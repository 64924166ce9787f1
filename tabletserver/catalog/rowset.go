package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cubefs/tabletstore/proto"
)

// ColumnStat is the per-column pruning statistic emitted by the writer, in
// column order.
type ColumnStat struct {
	Min      string `json:"min"`
	Max      string `json:"max"`
	NullFlag bool   `json:"null_flag"`
}

// SegmentGroupMeta is the persisted form of one segment group.
type SegmentGroupMeta struct {
	SegmentGroupID int32        `json:"segment_group_id"`
	NumSegments    int          `json:"num_segments"`
	IndexSize      int64        `json:"index_size"`
	DataSize       int64        `json:"data_size"`
	NumRows        int64        `json:"num_rows"`
	Empty          bool         `json:"empty"`
	ColumnStats    []ColumnStat `json:"column_pruning,omitempty"`

	// set only on pending segment groups
	LoadID *proto.LoadID `json:"load_id,omitempty"`
}

// RowsetMeta is the persisted form of one rowset. A visible rowset carries a
// version range; a pending one carries (txn id, load id) instead until the
// load becomes visible.
type RowsetMeta struct {
	RowsetID     proto.RowsetID    `json:"rowset_id"`
	TabletID     proto.TabletID    `json:"tablet_id"`
	SchemaHash   proto.SchemaHash  `json:"tablet_schema_hash"`
	PartitionID  proto.PartitionID `json:"partition_id"`
	State        proto.RowsetState `json:"rowset_state"`
	Version      proto.Version     `json:"version"`
	VersionHash  proto.VersionHash `json:"version_hash"`
	TxnID        proto.TxnID       `json:"txn_id,omitempty"`
	LoadID       *proto.LoadID     `json:"load_id,omitempty"`
	CreationTime int64             `json:"creation_time"`

	SegmentGroups        []*SegmentGroupMeta `json:"segment_groups,omitempty"`
	PendingSegmentGroups []*SegmentGroupMeta `json:"pending_segment_groups,omitempty"`
}

func (m *RowsetMeta) NumRows() int64 {
	var n int64
	for _, sg := range m.SegmentGroups {
		n += sg.NumRows
	}
	for _, sg := range m.PendingSegmentGroups {
		n += sg.NumRows
	}
	return n
}

func (m *RowsetMeta) DataSize() int64 {
	var n int64
	for _, sg := range m.SegmentGroups {
		n += sg.DataSize + sg.IndexSize
	}
	for _, sg := range m.PendingSegmentGroups {
		n += sg.DataSize + sg.IndexSize
	}
	return n
}

// SegmentGroup is the runtime handle of a group of row segments under one
// rowset. Shared between the writer and the built rowset through explicit
// acquire/release counting.
type SegmentGroup struct {
	segmentGroupID int32
	rowsetID       proto.RowsetID
	tabletID       proto.TabletID
	pathPrefix     string
	pending        bool
	txnID          proto.TxnID
	loadID         proto.LoadID

	numSegments int
	indexSize   int64
	dataSize    int64
	numRows     int64
	columnStats []ColumnStat

	refs int64
}

func newSegmentGroup(rowsetID proto.RowsetID, tabletID proto.TabletID, pathPrefix string, id int32) *SegmentGroup {
	return &SegmentGroup{
		segmentGroupID: id,
		rowsetID:       rowsetID,
		tabletID:       tabletID,
		pathPrefix:     pathPrefix,
	}
}

func (sg *SegmentGroup) Acquire() {
	atomic.AddInt64(&sg.refs, 1)
}

func (sg *SegmentGroup) Release() {
	atomic.AddInt64(&sg.refs, -1)
}

func (sg *SegmentGroup) RefCount() int64 {
	return atomic.LoadInt64(&sg.refs)
}

func (sg *SegmentGroup) SegmentGroupID() int32 { return sg.segmentGroupID }
func (sg *SegmentGroup) NumSegments() int      { return sg.numSegments }
func (sg *SegmentGroup) IndexSize() int64      { return sg.indexSize }
func (sg *SegmentGroup) DataSize() int64       { return sg.dataSize }
func (sg *SegmentGroup) NumRows() int64        { return sg.numRows }
func (sg *SegmentGroup) Empty() bool           { return sg.numRows == 0 }

func (sg *SegmentGroup) ColumnStats() []ColumnStat {
	return sg.columnStats
}

func (sg *SegmentGroup) dataFilePath(segment int) string {
	return filepath.Join(sg.pathPrefix, fmt.Sprintf("%d_%d_%d.dat", sg.rowsetID, sg.segmentGroupID, segment))
}

func (sg *SegmentGroup) indexFilePath(segment int) string {
	return filepath.Join(sg.pathPrefix, fmt.Sprintf("%d_%d_%d.idx", sg.rowsetID, sg.segmentGroupID, segment))
}

// Rowset is an immutable artifact covering one version range of a tablet.
type Rowset struct {
	meta       *RowsetMeta
	schema     *proto.TabletSchema
	pathPrefix string
	segGroups  []*SegmentGroup
}

func newRowset(schema *proto.TabletSchema, pathPrefix string, meta *RowsetMeta, segGroups []*SegmentGroup) *Rowset {
	return &Rowset{
		meta:       meta,
		schema:     schema,
		pathPrefix: pathPrefix,
		segGroups:  segGroups,
	}
}

func (r *Rowset) Meta() *RowsetMeta           { return r.meta }
func (r *Rowset) RowsetID() proto.RowsetID    { return r.meta.RowsetID }
func (r *Rowset) Version() proto.Version      { return r.meta.Version }
func (r *Rowset) EndVersion() int64           { return r.meta.Version.Second }
func (r *Rowset) CreationTime() int64         { return r.meta.CreationTime }
func (r *Rowset) NumRows() int64              { return r.meta.NumRows() }
func (r *Rowset) DataSize() int64             { return r.meta.DataSize() }
func (r *Rowset) Pending() bool               { return r.meta.State != proto.RowsetStateVisible }

// RemoveAllFiles deletes every segment file of the rowset. The rowset must
// not be referenced by a visible tablet when this is called.
func (r *Rowset) RemoveAllFiles() error {
	pattern := filepath.Join(r.pathPrefix, fmt.Sprintf("%d_*", r.meta.RowsetID))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	for _, sg := range r.segGroups {
		sg.Release()
	}
	return nil
}
