package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/tabletstore/proto"
)

func TestTabletMeta_RoundTrip(t *testing.T) {
	meta := NewTabletMeta(1, 2, 10, 0xabc, 3, testSchema(0xabc), 2, map[uint32]uint32{0: 0, 1: 1})
	meta.CumulativeLayerPoint = 2
	meta.AlterTask = &AlterTask{
		AlterState:        proto.AlterStateRunning,
		RelatedTabletID:   10,
		RelatedSchemaHash: 0xdef,
	}
	meta.AddRowsetMeta(&RowsetMeta{
		RowsetID:     7,
		TabletID:     10,
		SchemaHash:   0xabc,
		State:        proto.RowsetStateVisible,
		Version:      proto.Version{First: 0, Second: 1},
		VersionHash:  4711,
		CreationTime: 1000,
		SegmentGroups: []*SegmentGroupMeta{{
			SegmentGroupID: 1,
			NumSegments:    1,
			IndexSize:      8,
			DataSize:       64,
			NumRows:        4,
			ColumnStats:    []ColumnStat{{Min: "1", Max: "9"}, {Max: "z", NullFlag: true}},
		}},
	})

	blob, err := meta.Serialize()
	require.NoError(t, err)

	decoded := new(TabletMeta)
	require.NoError(t, decoded.Deserialize(blob))
	require.Equal(t, meta, decoded)
}

func TestTabletMeta_DeserializeGarbage(t *testing.T) {
	meta := new(TabletMeta)
	require.Error(t, meta.Deserialize([]byte("not a header")))
}

func TestTabletMeta_SaveLoadFile(t *testing.T) {
	dir := t.TempDir()
	meta := NewTabletMeta(1, 2, 10, 0xabc, 0, testSchema(0xabc), 2, map[uint32]uint32{0: 0, 1: 1})
	require.NoError(t, meta.Save(dir))

	loaded, err := LoadTabletMetaFromFile(filepath.Join(dir, "10.hdr"))
	require.NoError(t, err)
	require.Equal(t, meta, loaded)
}

func TestTabletMeta_UniqueIDAssignment(t *testing.T) {
	schema := testSchema(0xabc)
	meta := NewTabletMeta(1, 2, 10, 0xabc, 0, schema, 2, map[uint32]uint32{0: 0, 1: 1})
	require.EqualValues(t, 0, meta.Schema.Columns[0].UniqueID)
	require.EqualValues(t, 1, meta.Schema.Columns[1].UniqueID)
	require.EqualValues(t, 2, meta.NextUniqueID)
}

func TestTabletMeta_MaxVersion(t *testing.T) {
	meta := NewTabletMeta(1, 2, 10, 0xabc, 0, testSchema(0xabc), 2, map[uint32]uint32{0: 0, 1: 1})
	require.Equal(t, proto.Version{First: -1, Second: 0}, meta.MaxVersion())

	meta.AddRowsetMeta(&RowsetMeta{Version: proto.Version{First: 0, Second: 1}})
	meta.AddRowsetMeta(&RowsetMeta{Version: proto.Version{First: 2, Second: 5}})
	require.Equal(t, proto.Version{First: 2, Second: 5}, meta.MaxVersion())
}
