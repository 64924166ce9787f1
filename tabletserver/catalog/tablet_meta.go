package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"

	apierrors "github.com/cubefs/tabletstore/errors"
	"github.com/cubefs/tabletstore/proto"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AlterTask links a tablet to its schema-change or rollup peer.
type AlterTask struct {
	AlterState        proto.AlterState `json:"alter_state"`
	RelatedTabletID   proto.TabletID   `json:"related_tablet_id"`
	RelatedSchemaHash proto.SchemaHash `json:"related_schema_hash"`
}

// TabletMeta is the serializable description of one tablet: identity, schema,
// placement, state and version history. It is the unit persisted into the
// meta store and snapshotted as <tablet_id>.hdr next to the data files.
type TabletMeta struct {
	TableID     proto.TableID     `json:"table_id"`
	PartitionID proto.PartitionID `json:"partition_id"`
	TabletID    proto.TabletID    `json:"tablet_id"`
	SchemaHash  proto.SchemaHash  `json:"schema_hash"`
	ShardID     uint32            `json:"shard_id"`

	CreationTime         int64             `json:"creation_time"`
	CumulativeLayerPoint int64             `json:"cumulative_layer_point"`
	State                proto.TabletState `json:"tablet_state"`

	Schema       proto.TabletSchema `json:"schema"`
	NextUniqueID uint32             `json:"next_unique_id"`

	RowsetMetas    []*RowsetMeta `json:"rs_metas"`
	IncRowsetMetas []*RowsetMeta `json:"inc_rs_metas"`

	AlterTask *AlterTask `json:"alter_task,omitempty"`
}

// NewTabletMeta builds the meta of a fresh tablet. colOrdinalToUniqueID maps
// column ordinals of the request schema to their assigned unique ids.
func NewTabletMeta(tableID proto.TableID, partitionID proto.PartitionID,
	tabletID proto.TabletID, schemaHash proto.SchemaHash, shardID uint32,
	schema proto.TabletSchema, nextUniqueID uint32, colOrdinalToUniqueID map[uint32]uint32,
) *TabletMeta {
	for ord := range schema.Columns {
		schema.Columns[ord].UniqueID = colOrdinalToUniqueID[uint32(ord)]
	}
	schema.SchemaHash = schemaHash
	return &TabletMeta{
		TableID:      tableID,
		PartitionID:  partitionID,
		TabletID:     tabletID,
		SchemaHash:   schemaHash,
		ShardID:      shardID,
		CreationTime: time.Now().Unix(),
		State:        proto.TabletStateRunning,
		Schema:       schema,
		NextUniqueID: nextUniqueID,
	}
}

func (m *TabletMeta) Serialize() ([]byte, error) {
	return json.Marshal(m)
}

func (m *TabletMeta) Deserialize(blob []byte) error {
	if err := json.Unmarshal(blob, m); err != nil {
		return apierrors.ErrHeaderParse
	}
	return nil
}

// Save snapshots the meta as <dir>/<tablet_id>.hdr. The write goes through a
// temp file and a rename so a crashed snapshot never leaves a torn header.
func (m *TabletMeta) Save(dir string) error {
	blob, err := m.Serialize()
	if err != nil {
		return err
	}
	final := filepath.Join(dir, fmt.Sprintf("%d.hdr", m.TabletID))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// LoadTabletMetaFromFile reads a .hdr snapshot back.
func LoadTabletMetaFromFile(path string) (*TabletMeta, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	meta := new(TabletMeta)
	if err := meta.Deserialize(blob); err != nil {
		return nil, err
	}
	return meta, nil
}

// MaxVersion returns the highest visible version range, {-1, 0} when the
// tablet holds no rowsets yet.
func (m *TabletMeta) MaxVersion() proto.Version {
	max := proto.Version{First: -1, Second: 0}
	for _, rs := range m.RowsetMetas {
		if rs.Version.Second > max.Second || max.First == -1 {
			max = rs.Version
		}
	}
	return max
}

func (m *TabletMeta) AddRowsetMeta(rs *RowsetMeta) {
	m.RowsetMetas = append(m.RowsetMetas, rs)
}

func (m *TabletMeta) DeleteAlterTask() {
	m.AlterTask = nil
}
