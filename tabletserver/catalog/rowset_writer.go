package catalog

import (
	"bufio"
	"os"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/tabletstore/errors"
	"github.com/cubefs/tabletstore/proto"
)

// ColumnDataWriter encodes rows into the segments of one segment group. The
// concrete encoder lives outside this package; segmentWriter below is the
// default binding.
type ColumnDataWriter interface {
	Write(row *proto.Row) error
	Next(row *proto.Row)
	Finalize() error
	RowCount() int64
	DataSize() int64
	IndexSize() int64
	ColumnStats() []ColumnStat
}

type ColumnWriterFactory func(sg *SegmentGroup, schema *proto.TabletSchema) (ColumnDataWriter, error)

type writerState int

const (
	writerStateNew writerState = iota
	writerStateWritingGroup
	writerStateFlushedGroup
	writerStateBuilt
)

// RowsetWriterContext carries everything the writer needs to place and
// describe the rowset it is building.
type RowsetWriterContext struct {
	RowsetID    proto.RowsetID
	TabletID    proto.TabletID
	PartitionID proto.PartitionID
	SchemaHash  proto.SchemaHash
	RowsetState proto.RowsetState
	PathPrefix  string
	Schema      *proto.TabletSchema

	// visible rowsets
	Version     proto.Version
	VersionHash proto.VersionHash

	// pending rowsets
	TxnID  proto.TxnID
	LoadID proto.LoadID

	// NewColumnWriter overrides the encoder binding; nil selects the
	// built-in segment writer.
	NewColumnWriter ColumnWriterFactory
}

// AlphaRowsetWriter builds a rowset out of one or more segment groups.
// Group ids start at 1 and grow monotonically within the rowset.
type AlphaRowsetWriter struct {
	ctx              RowsetWriterContext
	state            writerState
	pending          bool
	segmentGroupID   int32
	curSegmentGroup  *SegmentGroup
	columnDataWriter ColumnDataWriter
	segmentGroups    []*SegmentGroup
	meta             *RowsetMeta
}

func NewAlphaRowsetWriter() *AlphaRowsetWriter {
	return &AlphaRowsetWriter{state: writerStateNew}
}

func (w *AlphaRowsetWriter) Init(ctx RowsetWriterContext) error {
	if w.state != writerStateNew {
		return apierrors.ErrWriterState
	}
	w.ctx = ctx
	if ctx.NewColumnWriter == nil {
		w.ctx.NewColumnWriter = newSegmentWriter
	}
	w.pending = ctx.RowsetState == proto.RowsetStatePreparing || ctx.RowsetState == proto.RowsetStateCommitted

	w.meta = &RowsetMeta{
		RowsetID:     ctx.RowsetID,
		TabletID:     ctx.TabletID,
		SchemaHash:   ctx.SchemaHash,
		PartitionID:  ctx.PartitionID,
		State:        ctx.RowsetState,
		CreationTime: time.Now().Unix(),
	}
	if w.pending {
		w.meta.TxnID = ctx.TxnID
		loadID := ctx.LoadID
		w.meta.LoadID = &loadID
	} else {
		w.meta.Version = ctx.Version
		w.meta.VersionHash = ctx.VersionHash
	}

	return w.openSegmentGroup()
}

func (w *AlphaRowsetWriter) openSegmentGroup() error {
	w.segmentGroupID++
	sg := newSegmentGroup(w.ctx.RowsetID, w.ctx.TabletID, w.ctx.PathPrefix, w.segmentGroupID)
	sg.pending = w.pending
	sg.txnID = w.ctx.TxnID
	sg.loadID = w.ctx.LoadID
	sg.Acquire()

	writer, err := w.ctx.NewColumnWriter(sg, w.ctx.Schema)
	if err != nil {
		sg.Release()
		return errors.Info(err, "create column data writer failed")
	}

	w.curSegmentGroup = sg
	w.columnDataWriter = writer
	w.segmentGroups = append(w.segmentGroups, sg)
	w.state = writerStateWritingGroup
	return nil
}

// AddRow feeds one row through the encoder. Encoder failures propagate
// unchanged.
func (w *AlphaRowsetWriter) AddRow(row *proto.Row) error {
	if w.state != writerStateWritingGroup {
		return apierrors.ErrWriterState
	}
	if err := w.columnDataWriter.Write(row); err != nil {
		return err
	}
	w.columnDataWriter.Next(row)
	return nil
}

// Flush finalizes the current segment group and opens the next one.
func (w *AlphaRowsetWriter) Flush() error {
	if w.state != writerStateWritingGroup {
		return apierrors.ErrWriterState
	}
	if err := w.columnDataWriter.Finalize(); err != nil {
		return err
	}
	w.finishCurrentGroup()
	w.state = writerStateFlushedGroup
	return w.openSegmentGroup()
}

func (w *AlphaRowsetWriter) finishCurrentGroup() {
	sg := w.curSegmentGroup
	sg.numSegments = 1
	sg.numRows = w.columnDataWriter.RowCount()
	sg.dataSize = w.columnDataWriter.DataSize()
	sg.indexSize = w.columnDataWriter.IndexSize()
	sg.columnStats = w.columnDataWriter.ColumnStats()
	w.columnDataWriter = nil
	w.curSegmentGroup = nil
}

// Build finalizes any open group, assembles the segment-group records in
// creation order, and returns the rowset handle. Ownership of the acquired
// segment groups transfers to the rowset.
func (w *AlphaRowsetWriter) Build() (*Rowset, error) {
	if w.state == writerStateNew || w.state == writerStateBuilt {
		return nil, apierrors.ErrWriterState
	}
	if w.state == writerStateWritingGroup && w.columnDataWriter != nil {
		if err := w.columnDataWriter.Finalize(); err != nil {
			return nil, err
		}
		w.finishCurrentGroup()
	}

	for _, sg := range w.segmentGroups {
		sgMeta := &SegmentGroupMeta{
			SegmentGroupID: sg.SegmentGroupID(),
			NumSegments:    sg.NumSegments(),
			IndexSize:      sg.IndexSize(),
			DataSize:       sg.DataSize(),
			NumRows:        sg.NumRows(),
			Empty:          sg.Empty(),
			ColumnStats:    sg.ColumnStats(),
		}
		if w.pending {
			loadID := sg.loadID
			sgMeta.LoadID = &loadID
			w.meta.PendingSegmentGroups = append(w.meta.PendingSegmentGroups, sgMeta)
		} else {
			w.meta.SegmentGroups = append(w.meta.SegmentGroups, sgMeta)
		}
	}

	w.state = writerStateBuilt
	return newRowset(w.ctx.Schema, w.ctx.PathPrefix, w.meta, w.segmentGroups), nil
}

// segmentWriter is the built-in encoder: length-prefixed cells into the
// group's data file, a row-count stub index, per-column min/max/null
// tracking. It exists so an initial or seeded rowset materializes real files
// without the full columnar encoder.
type segmentWriter struct {
	sg     *SegmentGroup
	schema *proto.TabletSchema

	dataFile  *os.File
	indexFile *os.File
	buf       *bufio.Writer

	rowCount  int64
	dataSize  int64
	stats     []segmentColumnStat
}

type segmentColumnStat struct {
	min     []byte
	max     []byte
	hasNull bool
	seen    bool
}

func newSegmentWriter(sg *SegmentGroup, schema *proto.TabletSchema) (ColumnDataWriter, error) {
	dataFile, err := os.OpenFile(sg.dataFilePath(0), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	indexFile, err := os.OpenFile(sg.indexFilePath(0), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		dataFile.Close()
		return nil, err
	}
	return &segmentWriter{
		sg:        sg,
		schema:    schema,
		dataFile:  dataFile,
		indexFile: indexFile,
		buf:       bufio.NewWriter(dataFile),
		stats:     make([]segmentColumnStat, len(schema.Columns)),
	}, nil
}

func (s *segmentWriter) Write(row *proto.Row) error {
	for i, cell := range row.Cells {
		var header [4]byte
		if cell == nil {
			header[0], header[1], header[2], header[3] = 0xff, 0xff, 0xff, 0xff
		} else {
			n := uint32(len(cell))
			header[0] = byte(n >> 24)
			header[1] = byte(n >> 16)
			header[2] = byte(n >> 8)
			header[3] = byte(n)
		}
		if _, err := s.buf.Write(header[:]); err != nil {
			return err
		}
		if cell != nil {
			if _, err := s.buf.Write(cell); err != nil {
				return err
			}
		}
		s.dataSize += int64(4 + len(cell))
		s.observe(i, cell)
	}
	return nil
}

func (s *segmentWriter) observe(col int, cell []byte) {
	if col >= len(s.stats) {
		return
	}
	st := &s.stats[col]
	if cell == nil {
		st.hasNull = true
		return
	}
	if !st.seen {
		st.min = append([]byte(nil), cell...)
		st.max = append([]byte(nil), cell...)
		st.seen = true
		return
	}
	if string(cell) < string(st.min) {
		st.min = append(st.min[:0], cell...)
	}
	if string(cell) > string(st.max) {
		st.max = append(st.max[:0], cell...)
	}
}

func (s *segmentWriter) Next(row *proto.Row) {
	s.rowCount++
}

func (s *segmentWriter) Finalize() error {
	if err := s.buf.Flush(); err != nil {
		return err
	}
	if err := s.dataFile.Sync(); err != nil {
		return err
	}
	if err := s.dataFile.Close(); err != nil {
		return err
	}
	var count [8]byte
	n := uint64(s.rowCount)
	for i := 0; i < 8; i++ {
		count[i] = byte(n >> (56 - 8*i))
	}
	if _, err := s.indexFile.Write(count[:]); err != nil {
		return err
	}
	if err := s.indexFile.Sync(); err != nil {
		return err
	}
	return s.indexFile.Close()
}

func (s *segmentWriter) RowCount() int64 { return s.rowCount }
func (s *segmentWriter) DataSize() int64 { return s.dataSize }
func (s *segmentWriter) IndexSize() int64 { return 8 }

func (s *segmentWriter) ColumnStats() []ColumnStat {
	ret := make([]ColumnStat, len(s.stats))
	for i := range s.stats {
		ret[i] = ColumnStat{
			Min:      string(s.stats[i].min),
			Max:      string(s.stats[i].max),
			NullFlag: s.stats[i].hasNull,
		}
	}
	return ret
}
