package results

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostshell/app/canary/common"
)

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func result(name string, success bool) common.TestResult {
	return common.TestResult{
		Target:        "192.0.2.1:443",
		TestDate:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		TransportName: name,
		Success:       success,
	}
}

func TestAppendWritesHeaderOnce(t *testing.T) {
	runTime := time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC)
	store := NewStore(filepath.Join(t.TempDir(), "out"), runTime, nil)
	assert.Equal(t, "CanaryResults2024_05_01_12_30_45.csv", filepath.Base(store.Path()))

	require.NoError(t, store.Append(result("shadow", true)))
	require.NoError(t, store.Append(result("noise", false)))

	rows := readRows(t, store.Path())
	require.Len(t, rows, 3)
	assert.Equal(t, Header, rows[0])
	assert.Equal(t, []string{"2024-05-01T12:00:00Z", "192.0.2.1:443", "shadow", "true"}, rows[1])
	assert.Equal(t, []string{"2024-05-01T12:00:00Z", "192.0.2.1:443", "noise", "false"}, rows[2])
	assert.Equal(t, 2, store.Rows())
}

func TestAppendToExistingFileSkipsHeader(t *testing.T) {
	dir := t.TempDir()
	runTime := time.Now()
	require.NoError(t, NewStore(dir, runTime, nil).Append(result("a", true)))
	require.NoError(t, NewStore(dir, runTime, nil).Append(result("b", true)))

	rows := readRows(t, NewStore(dir, runTime, nil).Path())
	require.Len(t, rows, 3)
	assert.Equal(t, Header, rows[0])
}

func TestAppendConcurrentRowsDoNotInterleave(t *testing.T) {
	store := NewStore(t.TempDir(), time.Now(), nil)
	const writers, perWriter = 8, 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				name := fmt.Sprintf("transport-%d-%d-%s", w, i, strings.Repeat("x", 200))
				assert.NoError(t, store.Append(result(name, i%2 == 0)))
			}
		}(w)
	}
	wg.Wait()

	rows := readRows(t, store.Path())
	require.Len(t, rows, writers*perWriter+1)
	for _, row := range rows[1:] {
		require.Len(t, row, 4)
		assert.True(t, strings.HasPrefix(row[2], "transport-"))
	}
}

func TestAppendFailureIsPersistenceError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	store := NewStore(filepath.Join(blocker, "sub"), time.Now(), nil)
	err := store.Append(result("a", true))
	var perr *common.PersistenceError
	require.ErrorAs(t, err, &perr)
}

func TestArchiveMissingSourceIsNoop(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "dest")
	path, err := Archive(context.Background(), filepath.Join(t.TempDir(), "adversary_data"), dest, nil)
	require.NoError(t, err)
	assert.Empty(t, path)
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestArchiveEmptySourceIsNoop(t *testing.T) {
	src := filepath.Join(t.TempDir(), "adversary_data")
	require.NoError(t, os.MkdirAll(src, 0755))
	dest := filepath.Join(t.TempDir(), "dest")

	path, err := Archive(context.Background(), src, dest, nil)
	require.NoError(t, err)
	assert.Empty(t, path)

	// Empty classification folders hold no capture data either.
	require.NoError(t, os.MkdirAll(filepath.Join(src, "target", "blocked"), 0755))
	path, err = Archive(context.Background(), src, dest, nil)
	require.NoError(t, err)
	assert.Empty(t, path)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestArchiveZipsCaptureDirectory(t *testing.T) {
	src := filepath.Join(t.TempDir(), "adversary_data")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "target", "allowed"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "target", "allowed", "a.pcap"), []byte("pcap-bytes"), 0644))
	dest := t.TempDir()

	path, err := Archive(context.Background(), src, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, dest, filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "adversary_data_"))
	assert.Equal(t, ".zip", filepath.Ext(path))

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	assert.Contains(t, names, "adversary_data/target/allowed/a.pcap")

	second, err := Archive(context.Background(), src, dest, nil)
	require.NoError(t, err)
	assert.NotEqual(t, path, second)
}

func TestArchiveHonoursCancelledContext(t *testing.T) {
	src := filepath.Join(t.TempDir(), "adversary_data")
	require.NoError(t, os.MkdirAll(src, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.pcap"), []byte("pcap-bytes"), 0644))
	dest := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Archive(ctx, src, dest, nil)
	require.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
