package catalog

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/ncw/directio"
	"golang.org/x/sys/unix"

	apierrors "github.com/cubefs/tabletstore/errors"
	"github.com/cubefs/tabletstore/metrics"
	"github.com/cubefs/tabletstore/proto"
	"github.com/cubefs/tabletstore/tabletserver/store"
	"github.com/cubefs/tabletstore/util"
)

const (
	clusterIDFileName = "cluster_id"
	testFileName      = ".testfile"
	alignTagFileName  = ".align_tag"
	dataPrefix        = "data"
	trashPrefix       = "trash"

	mtabPath       = "/etc/mtab"
	procMountsPath = "/proc/mounts"

	trashTimeLabelFormat = "20060102150405"

	// one direct-I/O block for each side of the probe
	testFileBufSize = directio.BlockSize
)

type DataDirConfig struct {
	Path          string       `json:"path"`
	CapacityBytes int64        `json:"capacity_bytes"`
	StoreConfig   store.Config `json:"-"`

	// MetaOpener and ProbeOpen are injection points for tests; nil selects
	// the rocksdb meta store and the O_DIRECT opener.
	MetaOpener MetaOpener                          `json:"-"`
	ProbeOpen  func(path string) (*os.File, error) `json:"-"`
	// MtabPath overrides the mount table location; empty means /etc/mtab
	// with a /proc/mounts fallback.
	MtabPath string `json:"-"`
}

// DataDir owns one filesystem root: it validates the path, discovers the
// backing mount, guards the cluster-id file with an exclusive advisory lock,
// probes disk health with aligned direct I/O, allocates shards and tracks
// the tablets registered on it.
type DataDir struct {
	path          string
	capacityBytes int64
	medium        proto.StorageMedium
	fileSystem    string
	pathHash      int64

	clusterID     int32
	clusterIDFile *os.File

	isUsed      atomic.Bool
	toBeDeleted atomic.Bool

	mu           sync.Mutex
	currentShard uint32
	tabletSet    map[proto.TabletInfo]struct{}
	pendingIDs   map[string]struct{}

	meta       MetaStore
	metaOpener MetaOpener
	kvConfig   store.Config
	idGen      *rowsetIDGenerator

	probeOpen    func(path string) (*os.File, error)
	mtabPath     string
	testReadBuf  []byte
	testWriteBuf []byte
	rndMu        sync.Mutex
	rnd          *rand.Rand
}

func NewDataDir(cfg DataDirConfig) *DataDir {
	d := &DataDir{
		path:          filepath.Clean(cfg.Path),
		capacityBytes: cfg.CapacityBytes,
		clusterID:     -1,
		tabletSet:     make(map[proto.TabletInfo]struct{}),
		pendingIDs:    make(map[string]struct{}),
		probeOpen:     cfg.ProbeOpen,
		mtabPath:      cfg.MtabPath,
	}
	if d.probeOpen == nil {
		d.probeOpen = func(path string) (*os.File, error) {
			return directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		}
	}
	if d.mtabPath == "" {
		d.mtabPath = mtabPath
	}
	d.metaOpener = cfg.MetaOpener
	if d.metaOpener == nil {
		d.metaOpener = OpenKVMetaStore
	}
	d.kvConfig = cfg.StoreConfig
	return d
}

// Init brings the directory online: path check, cluster id, extension and
// capacity, mount discovery, meta store, rowset id generator. Any failed
// step leaves the directory unusable.
func (d *DataDir) Init(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)

	d.rnd = rand.New(rand.NewSource(time.Now().Unix()))
	d.testWriteBuf = directio.AlignedBlock(testFileBufSize)
	d.testReadBuf = directio.AlignedBlock(testFileBufSize)

	if err := d.checkPathExist(); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(d.path, alignTagFileName)); err == nil {
		span.Warnf("align tag was found, path=%s", d.path)
		return apierrors.ErrInvalidStorePath
	}

	if err := d.initClusterID(ctx); err != nil {
		return err
	}
	if err := d.initExtensionAndCapacity(ctx); err != nil {
		return err
	}
	if err := d.initFileSystem(ctx); err != nil {
		return err
	}
	if err := d.initMeta(ctx); err != nil {
		return err
	}

	idGen, err := newRowsetIDGenerator(ctx, d.meta)
	if err != nil {
		return errors.Info(err, "rowset id generator init failed")
	}
	d.idGen = idGen

	d.isUsed.Store(true)
	return nil
}

func (d *DataDir) checkPathExist() error {
	if _, err := os.ReadDir(d.path); err != nil {
		return errors.Info(apierrors.ErrIO, "opendir failed", d.path)
	}
	return nil
}

func (d *DataDir) initClusterID(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	clusterIDPath := filepath.Join(d.path, clusterIDFileName)

	f, err := os.OpenFile(clusterIDPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		span.Warnf("open cluster id path failed: %s", clusterIDPath)
		return errors.Info(apierrors.ErrInvalidStorePath, "open cluster id failed")
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		span.Warnf("lock cluster id file failed: %s", clusterIDPath)
		f.Close()
		return apierrors.ErrStorePathLocked
	}
	// the handle stays open for the life of the directory to hold the lock
	d.clusterIDFile = f

	clusterID, err := readClusterID(f)
	if err != nil {
		return err
	}
	d.clusterID = clusterID
	return nil
}

// readClusterID parses the cluster id file: empty means unassigned (-1), a
// single non-negative decimal integer is the id, anything else is corrupt.
func readClusterID(f *os.File) (int32, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return -1, errors.Info(apierrors.ErrIO, "seek cluster id file failed")
	}
	raw, err := os.ReadFile(f.Name())
	if err != nil {
		return -1, errors.Info(apierrors.ErrIO, "read cluster id file failed")
	}
	content := strings.TrimSpace(string(raw))
	if content == "" {
		return -1, nil
	}
	id, err := strconv.ParseInt(content, 10, 32)
	if err != nil || id < 0 {
		return -1, apierrors.ErrClusterIDCorrupt
	}
	return int32(id), nil
}

// SetClusterID assigns the directory to a cluster. Assigning the current id
// again is a no-op; assigning over a different id fails.
func (d *DataDir) SetClusterID(clusterID int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clusterID != -1 {
		if d.clusterID == clusterID {
			return nil
		}
		return apierrors.ErrClusterIDAssigned
	}
	if err := d.clusterIDFile.Truncate(0); err != nil {
		return errors.Info(apierrors.ErrIO, "truncate cluster id file failed")
	}
	if _, err := d.clusterIDFile.WriteAt([]byte(strconv.FormatInt(int64(clusterID), 10)), 0); err != nil {
		return errors.Info(apierrors.ErrIO, "write cluster id file failed")
	}
	if err := d.clusterIDFile.Sync(); err != nil {
		return errors.Info(apierrors.ErrIO, "sync cluster id file failed")
	}
	d.clusterID = clusterID
	return nil
}

func (d *DataDir) initExtensionAndCapacity(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)

	switch ext := strings.ToLower(filepath.Ext(d.path)); ext {
	case "":
		d.medium = proto.StorageMediumHDD
	case ".ssd":
		d.medium = proto.StorageMediumSSD
	case ".hdd":
		d.medium = proto.StorageMediumHDD
	default:
		span.Warnf("store path has wrong extension %s, path=%s", ext, d.path)
		return apierrors.ErrInvalidStorePath
	}

	stats, err := store.StatFS(d.path)
	if err != nil {
		return errors.Info(apierrors.ErrIO, "statfs failed", d.path)
	}
	if d.capacityBytes == -1 {
		d.capacityBytes = stats.Total
	} else if d.capacityBytes > stats.Total {
		span.Warnf("configured capacity %d exceeds disk capacity %d, path=%s",
			d.capacityBytes, stats.Total, d.path)
		return apierrors.ErrInvalidStorePath
	}

	dataPath := filepath.Join(d.path, dataPrefix)
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return errors.Info(apierrors.ErrInvalidStorePath, "create data directory failed", dataPath)
	}
	return nil
}

func (d *DataDir) initFileSystem(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)

	var st unix.Stat_t
	if err := unix.Stat(d.path, &st); err != nil {
		return errors.Info(apierrors.ErrIO, "stat failed", d.path)
	}
	mountDevice := uint64(st.Dev)
	if st.Mode&unix.S_IFMT == unix.S_IFBLK {
		mountDevice = uint64(st.Rdev)
	}

	f, err := os.Open(d.mtabPath)
	if err != nil {
		f, err = os.Open(procMountsPath)
		if err != nil {
			return errors.Info(apierrors.ErrIO, "open mount table failed")
		}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		fsname, dir := fields[0], fields[1]
		if d.path == dir || d.path == fsname {
			d.fileSystem = fsname
			return nil
		}
		var es unix.Stat_t
		if unix.Stat(fsname, &es) == nil && uint64(es.Rdev) == mountDevice {
			d.fileSystem = fsname
			return nil
		}
		if unix.Stat(dir, &es) == nil && uint64(es.Dev) == mountDevice {
			d.fileSystem = fsname
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Info(apierrors.ErrIO, "scan mount table failed")
	}

	span.Warnf("fail to find file system, path=%s", d.path)
	return errors.Info(apierrors.ErrInvalidStorePath, "find file system failed")
}

func (d *DataDir) initMeta(ctx context.Context) error {
	d.pathHash = int64(xxhash.Sum64String(util.LocalHostName() + d.path))

	cfg := d.kvConfig
	cfg.Path = d.path
	meta, err := d.metaOpener(ctx, &cfg)
	if err != nil {
		return errors.Info(err, "open meta store failed", d.path)
	}
	d.meta = meta
	return nil
}

// HealthCheck probes the disk with an aligned direct-I/O write/read/compare
// round trip. A failing probe takes the directory out of service.
func (d *DataDir) HealthCheck(ctx context.Context) error {
	if !d.isUsed.Load() {
		return nil
	}
	span := trace.SpanFromContextSafe(ctx)
	if err := d.readWriteTestFile(); err != nil {
		span.Warnf("store read/write test file occur IO Error, path=%s, err=%s", d.path, err)
		metrics.DataDirHealthCheckFailed.WithLabelValues(d.path).Inc()
		d.isUsed.Store(false)
		return err
	}
	return nil
}

func (d *DataDir) readWriteTestFile() error {
	testFile := filepath.Join(d.path, testFileName)

	if _, err := os.Stat(testFile); err == nil {
		if err := os.Remove(testFile); err != nil {
			return errors.Info(apierrors.ErrIO, "delete test file failed")
		}
	} else if !os.IsNotExist(err) {
		return errors.Info(apierrors.ErrIO, "access test file failed")
	}

	f, err := d.probeOpen(testFile)
	if err != nil {
		return errors.Info(apierrors.ErrIO, "create test file failed")
	}
	defer os.Remove(testFile)

	d.rndMu.Lock()
	for i := range d.testWriteBuf {
		d.testWriteBuf[i] = byte(d.rnd.Int31())
	}
	d.rndMu.Unlock()

	if _, err := f.WriteAt(d.testWriteBuf, 0); err != nil {
		f.Close()
		return errors.Info(apierrors.ErrIO, "write test file failed")
	}
	if _, err := f.ReadAt(d.testReadBuf, 0); err != nil {
		f.Close()
		return errors.Info(apierrors.ErrIO, "read test file failed")
	}
	if !bytes.Equal(d.testWriteBuf, d.testReadBuf) {
		f.Close()
		return apierrors.ErrTestFile
	}
	if err := f.Close(); err != nil {
		return errors.Info(apierrors.ErrIO, "close test file failed")
	}
	return nil
}

// GetShard hands out the next shard in 0..MaxShardNum-1 round robin and
// makes sure the shard directory exists.
func (d *DataDir) GetShard() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := d.currentShard
	d.currentShard = (d.currentShard + 1) % proto.MaxShardNum
	shardPath := filepath.Join(d.path, dataPrefix, strconv.FormatUint(uint64(next), 10))
	if err := os.MkdirAll(shardPath, 0o755); err != nil {
		return 0, errors.Info(apierrors.ErrIO, "create shard path failed", shardPath)
	}
	return next, nil
}

func (d *DataDir) RegisterTablet(info proto.TabletInfo) {
	d.mu.Lock()
	d.tabletSet[info] = struct{}{}
	d.mu.Unlock()
}

func (d *DataDir) DeregisterTablet(info proto.TabletInfo) {
	d.mu.Lock()
	delete(d.tabletSet, info)
	d.mu.Unlock()
}

// ClearTablets drains the registered identity set into out.
func (d *DataDir) ClearTablets(out *[]proto.TabletInfo) {
	d.mu.Lock()
	for info := range d.tabletSet {
		*out = append(*out, info)
	}
	d.tabletSet = make(map[proto.TabletInfo]struct{})
	d.mu.Unlock()
}

func (d *DataDir) TabletCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tabletSet)
}

func (d *DataDir) AddPendingID(id string) {
	d.mu.Lock()
	d.pendingIDs[id] = struct{}{}
	d.mu.Unlock()
}

func (d *DataDir) RemovePendingID(id string) {
	d.mu.Lock()
	delete(d.pendingIDs, id)
	d.mu.Unlock()
}

func (d *DataDir) Path() string                       { return d.path }
func (d *DataDir) PathHash() int64                    { return d.pathHash }
func (d *DataDir) Capacity() int64                    { return d.capacityBytes }
func (d *DataDir) ClusterID() int32                   { return d.clusterID }
func (d *DataDir) StorageMedium() proto.StorageMedium { return d.medium }
func (d *DataDir) FileSystem() string                 { return d.fileSystem }
func (d *DataDir) MetaStore() MetaStore               { return d.meta }

func (d *DataDir) IsUsed() bool      { return d.isUsed.Load() }
func (d *DataDir) SetToBeDeleted()   { d.toBeDeleted.Store(true) }
func (d *DataDir) ToBeDeleted() bool { return d.toBeDeleted.Load() }

func (d *DataDir) NextRowsetID(ctx context.Context) (proto.RowsetID, error) {
	return d.idGen.NextID(ctx)
}

// TabletPath is <root>/data/<shard>/<tablet_id>/<schema_hash>.
func (d *DataDir) TabletPath(shard uint32, tabletID proto.TabletID, schemaHash proto.SchemaHash) string {
	return filepath.Join(d.path, dataPrefix,
		strconv.FormatUint(uint64(shard), 10),
		strconv.FormatInt(int64(tabletID), 10),
		strconv.FormatInt(int64(schemaHash), 10))
}

func (d *DataDir) ShardPath(shard uint32) string {
	return filepath.Join(d.path, dataPrefix, strconv.FormatUint(uint64(shard), 10))
}

// FindTabletInTrash lists every trash sub-path holding the given tablet id.
func (d *DataDir) FindTabletInTrash(tabletID proto.TabletID) []string {
	trashPath := filepath.Join(d.path, trashPrefix)
	entries, err := os.ReadDir(trashPath)
	if err != nil {
		return nil
	}
	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		tabletPath := filepath.Join(trashPath, entry.Name(), strconv.FormatInt(int64(tabletID), 10))
		if _, err := os.Stat(tabletPath); err == nil {
			paths = append(paths, tabletPath)
		}
	}
	return paths
}

// MoveToTrash renames a schema-hash directory into
// <root>/trash/<time_label>/<tablet_id>/<schema_hash>. The label collides at
// second granularity; a numeric suffix keeps the rename from clobbering.
func (d *DataDir) MoveToTrash(tabletPath string) (string, error) {
	schemaHash := filepath.Base(tabletPath)
	tabletID := filepath.Base(filepath.Dir(tabletPath))

	label := time.Now().Format(trashTimeLabelFormat)
	dest := filepath.Join(d.path, trashPrefix, label, tabletID, schemaHash)
	for suffix := 1; ; suffix++ {
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			break
		}
		dest = filepath.Join(d.path, trashPrefix,
			fmt.Sprintf("%s.%d", label, suffix), tabletID, schemaHash)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", errors.Info(apierrors.ErrIO, "create trash path failed", dest)
	}
	if err := os.Rename(tabletPath, dest); err != nil {
		return "", errors.Info(apierrors.ErrIO, "move to trash failed", tabletPath)
	}
	return dest, nil
}

// Close releases the meta store and the cluster-id advisory lock. Only used
// on full engine shutdown.
func (d *DataDir) Close() {
	if d.meta != nil {
		d.meta.Close()
	}
	if d.clusterIDFile != nil {
		unix.Flock(int(d.clusterIDFile.Fd()), unix.LOCK_UN)
		d.clusterIDFile.Close()
	}
}
