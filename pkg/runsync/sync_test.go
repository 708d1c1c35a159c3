package runsync

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/poretools/nanosync/pkg/config"
)

// writeTree creates files (with parent directories) under root.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755), "creating parent of %s", rel)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644), "writing %s", rel)
	}
}

func newTestConfig(t *testing.T, source, destination string) *config.Config {
	t.Helper()
	cfg := config.New()
	cfg.Source = source
	cfg.Destination = destination
	require.NoError(t, cfg.Validate(context.Background()), "validating test config")
	return cfg
}

// truncatingCopier copies for real, then truncates one destination file to
// force a verification mismatch.
type truncatingCopier struct {
	inner    Copier
	truncate string
}

func (c *truncatingCopier) CopyTree(ctx context.Context, source, destination string) error {
	if err := c.inner.CopyTree(ctx, source, destination); err != nil {
		return err
	}
	return os.Truncate(filepath.Join(destination, c.truncate), 0)
}

// metadataFailingCopier copies for real, then reports a benign metadata
// failure.
type metadataFailingCopier struct {
	inner Copier
}

func (c *metadataFailingCopier) CopyTree(ctx context.Context, source, destination string) error {
	if err := c.inner.CopyTree(ctx, source, destination); err != nil {
		return err
	}
	return &MetadataError{Errs: []error{errors.New("chmod: operation not permitted")}}
}

// failingCopier always fails outright.
type failingCopier struct{}

func (c *failingCopier) CopyTree(ctx context.Context, source, destination string) error {
	return errors.New("disk on fire")
}

func TestSyncSuccess(t *testing.T) {
	tmp := t.TempDir()
	source := filepath.Join(tmp, "input", "20231001_1200_run_a_12345678")
	destRoot := filepath.Join(tmp, "output")
	require.NoError(t, os.MkdirAll(source, 0o755), "creating source run")
	require.NoError(t, os.MkdirAll(destRoot, 0o755), "creating destination root")

	writeTree(t, source, map[string]string{
		"a.txt":             "aaaa",
		"b.txt":             "bb",
		"c/d.txt":           "dddddd",
		"final_summary.txt": "done",
	})

	cfg := newTestConfig(t, filepath.Join(tmp, "input"), destRoot)
	res := NewSyncer(cfg, nil).Sync(context.Background(), source)

	assert.Equal(t, OutcomeSuccess, res.Outcome, "sync should succeed")
	assert.Equal(t, res.SourceBytes, res.DestBytes, "verified sizes should agree")
	assert.Positive(t, res.SourceBytes, "source size should be counted")

	for rel, want := range map[string]string{
		"a.txt":             "aaaa",
		"b.txt":             "bb",
		"c/d.txt":           "dddddd",
		"final_summary.txt": "done",
	} {
		got, err := os.ReadFile(filepath.Join(destRoot, "20231001_1200_run_a_12345678", filepath.FromSlash(rel)))
		require.NoError(t, err, "reading copied %s", rel)
		assert.Equal(t, want, string(got), "copied %s should match", rel)
	}
}

func TestSyncAlreadyExists(t *testing.T) {
	tmp := t.TempDir()
	source := filepath.Join(tmp, "input", "20231001_1200_run_a_12345678")
	destRoot := filepath.Join(tmp, "output")
	existing := filepath.Join(destRoot, "20231001_1200_run_a_12345678")
	require.NoError(t, os.MkdirAll(source, 0o755), "creating source run")
	require.NoError(t, os.MkdirAll(existing, 0o755), "creating pre-existing destination")

	writeTree(t, source, map[string]string{"a.txt": "new content"})
	writeTree(t, existing, map[string]string{"keep.txt": "precious"})

	cfg := newTestConfig(t, filepath.Join(tmp, "input"), destRoot)
	res := NewSyncer(cfg, nil).Sync(context.Background(), source)

	assert.Equal(t, OutcomeAlreadyExists, res.Outcome, "existing destination should be reported")

	// The pre-existing destination is untouched: nothing added, nothing
	// changed.
	got, err := os.ReadFile(filepath.Join(existing, "keep.txt"))
	require.NoError(t, err, "reading pre-existing file")
	assert.Equal(t, "precious", string(got), "pre-existing content should be unmodified")
	_, err = os.Stat(filepath.Join(existing, "a.txt"))
	assert.True(t, os.IsNotExist(err), "nothing should have been copied")
}

func TestSyncMissingDestinationRoot(t *testing.T) {
	tmp := t.TempDir()
	source := filepath.Join(tmp, "input", "20231001_1200_run_a_12345678")
	require.NoError(t, os.MkdirAll(source, 0o755), "creating source run")

	cfg := newTestConfig(t, filepath.Join(tmp, "input"), filepath.Join(tmp, "no_such_dir"))
	res := NewSyncer(cfg, nil).Sync(context.Background(), source)

	assert.Equal(t, OutcomeCopyFailed, res.Outcome, "missing destination root should fail the sync")
	require.Error(t, res.Err, "failure should carry an error")
	assert.Contains(t, res.Err.Error(), "missing destination root", "error should name the cause")
}

func TestSyncSizeMismatch(t *testing.T) {
	tmp := t.TempDir()
	source := filepath.Join(tmp, "input", "20231001_1200_run_a_12345678")
	destRoot := filepath.Join(tmp, "output")
	require.NoError(t, os.MkdirAll(source, 0o755), "creating source run")
	require.NoError(t, os.MkdirAll(destRoot, 0o755), "creating destination root")

	writeTree(t, source, map[string]string{
		"a.txt": "aaaaaaaa",
		"b.txt": "bbbb",
	})

	cfg := newTestConfig(t, filepath.Join(tmp, "input"), destRoot)
	copier := &truncatingCopier{inner: NewTreeCopier(nil), truncate: "a.txt"}
	res := NewSyncer(cfg, copier).Sync(context.Background(), source)

	assert.Equal(t, OutcomeSizeMismatch, res.Outcome, "mismatch should be reported")
	assert.Equal(t, int64(12), res.SourceBytes, "source size should be the full tree")
	assert.Equal(t, int64(4), res.DestBytes, "destination size should reflect the truncation")

	// No cleanup, no retry: the copy stays in place for inspection.
	_, err := os.Stat(filepath.Join(destRoot, "20231001_1200_run_a_12345678", "b.txt"))
	assert.NoError(t, err, "mismatched copy should be left in place")
}

func TestSyncBenignMetadataFailure(t *testing.T) {
	tmp := t.TempDir()
	source := filepath.Join(tmp, "input", "20231001_1200_run_a_12345678")
	destRoot := filepath.Join(tmp, "output")
	require.NoError(t, os.MkdirAll(source, 0o755), "creating source run")
	require.NoError(t, os.MkdirAll(destRoot, 0o755), "creating destination root")

	writeTree(t, source, map[string]string{"a.txt": "aaaa"})

	cfg := newTestConfig(t, filepath.Join(tmp, "input"), destRoot)
	copier := &metadataFailingCopier{inner: NewTreeCopier(nil)}
	res := NewSyncer(cfg, copier).Sync(context.Background(), source)

	assert.Equal(t, OutcomeSuccess, res.Outcome, "metadata-only failure should not fail the sync")
}

func TestSyncCopyFailure(t *testing.T) {
	tmp := t.TempDir()
	source := filepath.Join(tmp, "input", "20231001_1200_run_a_12345678")
	destRoot := filepath.Join(tmp, "output")
	require.NoError(t, os.MkdirAll(source, 0o755), "creating source run")
	require.NoError(t, os.MkdirAll(destRoot, 0o755), "creating destination root")

	cfg := newTestConfig(t, filepath.Join(tmp, "input"), destRoot)
	res := NewSyncer(cfg, &failingCopier{}).Sync(context.Background(), source)

	assert.Equal(t, OutcomeCopyFailed, res.Outcome, "copier failure should fail the sync")
	require.Error(t, res.Err, "failure should carry an error")
	assert.Contains(t, res.Err.Error(), "disk on fire", "error should carry the copier's reason")
}

func TestSyncVerifyDisabled(t *testing.T) {
	tmp := t.TempDir()
	source := filepath.Join(tmp, "input", "20231001_1200_run_a_12345678")
	destRoot := filepath.Join(tmp, "output")
	require.NoError(t, os.MkdirAll(source, 0o755), "creating source run")
	require.NoError(t, os.MkdirAll(destRoot, 0o755), "creating destination root")

	writeTree(t, source, map[string]string{"a.txt": "aaaa"})

	cfg := newTestConfig(t, filepath.Join(tmp, "input"), destRoot)
	cfg.Verify = false
	copier := &truncatingCopier{inner: NewTreeCopier(nil), truncate: "a.txt"}
	res := NewSyncer(cfg, copier).Sync(context.Background(), source)

	assert.Equal(t, OutcomeSuccess, res.Outcome, "mismatch goes unnoticed with verification off")
	assert.Zero(t, res.SourceBytes, "sizes are not computed with verification off")
}

func TestSyncExcludeGlobsStayConsistent(t *testing.T) {
	tmp := t.TempDir()
	source := filepath.Join(tmp, "input", "20231001_1200_run_a_12345678")
	destRoot := filepath.Join(tmp, "output")
	require.NoError(t, os.MkdirAll(source, 0o755), "creating source run")
	require.NoError(t, os.MkdirAll(destRoot, 0o755), "creating destination root")

	writeTree(t, source, map[string]string{
		"a.txt":          "aaaa",
		"scratch.tmp":    "ignore me",
		"logs/x.log.tmp": "ignore me too",
	})

	cfg := newTestConfig(t, filepath.Join(tmp, "input"), destRoot)
	cfg.ExcludeGlobs = []string{"**/*.tmp", "*.tmp"}
	res := NewSyncer(cfg, nil).Sync(context.Background(), source)

	// Excluded files are skipped on both sides of the verification scan,
	// so a clean copy still verifies.
	assert.Equal(t, OutcomeSuccess, res.Outcome, "exclusions should not break verification")
	assert.Equal(t, int64(4), res.SourceBytes, "excluded files should not be counted")

	_, err := os.Stat(filepath.Join(destRoot, "20231001_1200_run_a_12345678", "scratch.tmp"))
	assert.True(t, os.IsNotExist(err), "excluded file should not be copied")
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "already-exists", OutcomeAlreadyExists.String())
	assert.Equal(t, "size-mismatch", OutcomeSizeMismatch.String())
	assert.Equal(t, "copy-failed", OutcomeCopyFailed.String())
}
