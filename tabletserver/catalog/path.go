package catalog

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/cubefs/tabletstore/proto"
)

var (
	tabletPathPattern = regexp.MustCompile(`data/\d+/(\d+)(?:/(\d+))?`)
	rowsetPathPattern = regexp.MustCompile(`data/\d+/\d+/\d+/(\d+)_`)
)

// GetTabletIDAndSchemaHashFromPath resolves the owning data dir and parses
// data/<shard>/<tablet_id>[/<schema_hash>] out of the path. A missing schema
// hash parses as 0.
func (m *TabletManager) GetTabletIDAndSchemaHashFromPath(path string) (proto.TabletID, proto.SchemaHash, bool) {
	for _, dataDir := range m.cfg.Backend.GetStores(true) {
		if !strings.Contains(path, dataDir.Path()) {
			continue
		}
		sub := tabletPathPattern.FindStringSubmatch(path[strings.Index(path, dataDir.Path()):])
		if sub == nil {
			continue
		}
		tabletID, err := strconv.ParseInt(sub[1], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		var schemaHash int64
		if sub[2] != "" {
			schemaHash, err = strconv.ParseInt(sub[2], 10, 32)
			if err != nil {
				return 0, 0, false
			}
		}
		return proto.TabletID(tabletID), proto.SchemaHash(schemaHash), true
	}
	return 0, 0, false
}

// RootPathFromSchemaHashPathInTrash walks a trashed schema-hash directory
// (<root>/trash/<label>/<tablet_id>/<schema_hash>) back up to the data dir
// root.
func RootPathFromSchemaHashPathInTrash(schemaHashDirInTrash string) string {
	return filepath.Dir(filepath.Dir(filepath.Dir(filepath.Dir(filepath.Clean(schemaHashDirInTrash)))))
}

// GetRowsetIDFromPath parses the rowset id out of a segment file path like
// .../data/<shard>/<tablet_id>/<schema_hash>/<rowset_id>_<...>.
func GetRowsetIDFromPath(path string) (proto.RowsetID, bool) {
	sub := rowsetPathPattern.FindStringSubmatch(path)
	if sub == nil {
		return 0, false
	}
	rowsetID, err := strconv.ParseInt(sub[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return proto.RowsetID(rowsetID), true
}
