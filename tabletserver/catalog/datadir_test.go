package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/tabletstore/errors"
	"github.com/cubefs/tabletstore/proto"
	"github.com/cubefs/tabletstore/tabletserver/store"
)

func TestDataDir_Init(t *testing.T) {
	root := t.TempDir()
	dir, _ := newTestDataDir(t, root)

	require.True(t, dir.IsUsed())
	require.EqualValues(t, -1, dir.ClusterID())
	require.Equal(t, proto.StorageMediumHDD, dir.StorageMedium())
	require.NotEmpty(t, dir.FileSystem())
	require.NotZero(t, dir.PathHash())
	require.Greater(t, dir.Capacity(), int64(0))

	// the data prefix must exist after init
	st, err := os.Stat(filepath.Join(root, "data"))
	require.NoError(t, err)
	require.True(t, st.IsDir())
}

func TestDataDir_InitMissingPath(t *testing.T) {
	dir := NewDataDir(DataDirConfig{Path: "/nonexistent/really/not/here", CapacityBytes: -1})
	require.Error(t, dir.Init(context.Background()))
}

func TestDataDir_InitAlignTag(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".align_tag"), nil, 0o644))

	dir := NewDataDir(DataDirConfig{Path: root, CapacityBytes: -1, MtabPath: writeTestMtab(t, root)})
	require.ErrorIs(t, dir.Init(context.Background()), apierrors.ErrInvalidStorePath)
}

func TestDataDir_MediumExtension(t *testing.T) {
	base := t.TempDir()

	ssdRoot := filepath.Join(base, "disk1.ssd")
	require.NoError(t, os.MkdirAll(ssdRoot, 0o755))
	ssd, _ := newTestDataDir(t, ssdRoot)
	require.Equal(t, proto.StorageMediumSSD, ssd.StorageMedium())

	hddRoot := filepath.Join(base, "disk2.HDD")
	require.NoError(t, os.MkdirAll(hddRoot, 0o755))
	hdd, _ := newTestDataDir(t, hddRoot)
	require.Equal(t, proto.StorageMediumHDD, hdd.StorageMedium())

	badRoot := filepath.Join(base, "disk3.nvme")
	require.NoError(t, os.MkdirAll(badRoot, 0o755))
	bad := NewDataDir(DataDirConfig{Path: badRoot, CapacityBytes: -1, MtabPath: writeTestMtab(t, badRoot)})
	require.ErrorIs(t, bad.Init(context.Background()), apierrors.ErrInvalidStorePath)
}

func TestDataDir_CapacityExceedsDisk(t *testing.T) {
	root := t.TempDir()
	stats, err := store.StatFS(root)
	require.NoError(t, err)

	dir := NewDataDir(DataDirConfig{
		Path:          root,
		CapacityBytes: stats.Total + 1,
		MtabPath:      writeTestMtab(t, root),
	})
	require.ErrorIs(t, dir.Init(context.Background()), apierrors.ErrInvalidStorePath)
}

func TestDataDir_ClusterID(t *testing.T) {
	root := t.TempDir()
	dir, _ := newTestDataDir(t, root)

	require.EqualValues(t, -1, dir.ClusterID())
	require.NoError(t, dir.SetClusterID(42))
	require.EqualValues(t, 42, dir.ClusterID())

	// same id again is a no-op, another id is refused
	require.NoError(t, dir.SetClusterID(42))
	require.ErrorIs(t, dir.SetClusterID(43), apierrors.ErrClusterIDAssigned)

	raw, err := os.ReadFile(filepath.Join(root, "cluster_id"))
	require.NoError(t, err)
	require.Equal(t, "42", string(raw))
}

func TestDataDir_ClusterIDPersisted(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "cluster_id"), []byte("7"), 0o600))

	dir, _ := newTestDataDir(t, root)
	require.EqualValues(t, 7, dir.ClusterID())
}

func TestDataDir_ClusterIDCorrupt(t *testing.T) {
	for _, content := range []string{"abc", "-2", "12 junk"} {
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, "cluster_id"), []byte(content), 0o600))
		dir := NewDataDir(DataDirConfig{Path: root, CapacityBytes: -1, MtabPath: writeTestMtab(t, root)})
		require.ErrorIs(t, dir.Init(context.Background()), apierrors.ErrClusterIDCorrupt, content)
	}
}

func TestDataDir_StoreLocked(t *testing.T) {
	root := t.TempDir()
	newTestDataDir(t, root)

	// the first dir holds the advisory lock, a second claimant must fail
	second := NewDataDir(DataDirConfig{Path: root, CapacityBytes: -1, MtabPath: writeTestMtab(t, root)})
	require.ErrorIs(t, second.Init(context.Background()), apierrors.ErrStorePathLocked)
}

func TestDataDir_GetShardRoundRobin(t *testing.T) {
	root := t.TempDir()
	dir, _ := newTestDataDir(t, root)

	for i := 0; i < proto.MaxShardNum; i++ {
		shard, err := dir.GetShard()
		require.NoError(t, err)
		require.EqualValues(t, i, shard)
	}
	// the counter wraps silently
	shard, err := dir.GetShard()
	require.NoError(t, err)
	require.EqualValues(t, 0, shard)

	st, err := os.Stat(filepath.Join(root, "data", "0"))
	require.NoError(t, err)
	require.True(t, st.IsDir())
}

func TestDataDir_TabletRegistry(t *testing.T) {
	dir, _ := newTestDataDir(t, t.TempDir())

	info1 := proto.TabletInfo{TabletID: 1, SchemaHash: 10}
	info2 := proto.TabletInfo{TabletID: 2, SchemaHash: 20}
	dir.RegisterTablet(info1)
	dir.RegisterTablet(info2)
	require.Equal(t, 2, dir.TabletCount())

	dir.DeregisterTablet(info1)
	require.Equal(t, 1, dir.TabletCount())

	var drained []proto.TabletInfo
	dir.ClearTablets(&drained)
	require.Equal(t, []proto.TabletInfo{info2}, drained)
	require.Equal(t, 0, dir.TabletCount())
}

func TestDataDir_HealthCheck(t *testing.T) {
	root := t.TempDir()
	dir, _ := newTestDataDir(t, root)

	require.NoError(t, dir.HealthCheck(context.Background()))
	require.True(t, dir.IsUsed())
	_, err := os.Stat(filepath.Join(root, ".testfile"))
	require.True(t, os.IsNotExist(err))
}

func TestDataDir_HealthCheckMismatch(t *testing.T) {
	dir, _ := newTestDataDir(t, t.TempDir())

	// /dev/zero swallows the write and reads back zeroes, so the probe
	// observes a byte mismatch
	dir.probeOpen = func(path string) (*os.File, error) {
		return os.OpenFile("/dev/zero", os.O_RDWR, 0)
	}
	err := dir.HealthCheck(context.Background())
	require.ErrorIs(t, err, apierrors.ErrTestFile)
	require.False(t, dir.IsUsed())

	// a dead dir skips further probes
	require.NoError(t, dir.HealthCheck(context.Background()))
}

func TestDataDir_HealthCheckIOError(t *testing.T) {
	dir, _ := newTestDataDir(t, t.TempDir())

	dir.probeOpen = func(path string) (*os.File, error) {
		return nil, os.ErrPermission
	}
	err := dir.HealthCheck(context.Background())
	require.Error(t, err)
	require.False(t, dir.IsUsed())
}

func TestDataDir_MoveToTrash(t *testing.T) {
	root := t.TempDir()
	dir, _ := newTestDataDir(t, root)

	tabletPath := dir.TabletPath(0, 5, 2)
	require.NoError(t, os.MkdirAll(tabletPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tabletPath, "1_1_0.dat"), []byte("x"), 0o644))

	dest, err := dir.MoveToTrash(tabletPath)
	require.NoError(t, err)
	require.Contains(t, dest, filepath.Join(root, "trash"))
	require.Equal(t, "2", filepath.Base(dest))
	require.Equal(t, "5", filepath.Base(filepath.Dir(dest)))

	_, err = os.Stat(filepath.Join(dest, "1_1_0.dat"))
	require.NoError(t, err)
	_, err = os.Stat(tabletPath)
	require.True(t, os.IsNotExist(err))

	paths := dir.FindTabletInTrash(5)
	require.Len(t, paths, 1)
	require.Equal(t, "5", filepath.Base(paths[0]))
	require.Empty(t, dir.FindTabletInTrash(6))
}

func TestDataDir_NextRowsetID(t *testing.T) {
	dir, meta := newTestDataDir(t, t.TempDir())

	ctx := context.Background()
	last := proto.RowsetID(-1)
	for i := 0; i < 2500; i++ {
		id, err := dir.NextRowsetID(ctx)
		require.NoError(t, err)
		require.Greater(t, id, last)
		last = id
	}
	// watermark stays ahead of every handed-out id
	watermark, err := meta.LoadRowsetIDWatermark(ctx)
	require.NoError(t, err)
	require.Greater(t, watermark, last)
}

func TestDataDir_TabletPath(t *testing.T) {
	root := t.TempDir()
	dir, _ := newTestDataDir(t, root)
	require.Equal(t,
		filepath.Join(root, "data", "3", "10", strconv.Itoa(0xabc)),
		dir.TabletPath(3, 10, 0xabc))
}
