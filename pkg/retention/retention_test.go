package retention_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/vas-core/pkg/logger"
	"github.com/ethan/vas-core/pkg/retention"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)
	return log
}

func writeDateDir(t *testing.T, root, cameraID string, date time.Time, payload string) string {
	t.Helper()
	dir := filepath.Join(root, cameraID, date.Format("20060102"))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment0.ts"), []byte(payload), 0o644))
	return dir
}

func TestManager_CleanupDeletesOnlyExpiredDirectories(t *testing.T) {
	root := t.TempDir()

	old := writeDateDir(t, root, "cam-1", time.Now().AddDate(0, 0, -10), "stale data")
	fresh := writeDateDir(t, root, "cam-1", time.Now(), "fresh data")

	cfg := retention.DefaultConfig()
	cfg.RecordingsRoot = root
	cfg.RetentionDays = 7
	cfg.FirstRunDelay = 0
	cfg.Interval = time.Hour
	m := retention.New(cfg, testLogger(t))
	m.Start(t.Context())
	defer m.Stop()

	require.Eventually(t, func() bool {
		_, err := os.Stat(old)
		return os.IsNotExist(err)
	}, 2*time.Second, 20*time.Millisecond)

	_, err := os.Stat(fresh)
	assert.NoError(t, err, "fresh recording must survive a retention pass")
}

func TestManager_StopHaltsBackgroundLoop(t *testing.T) {
	root := t.TempDir()
	cfg := retention.DefaultConfig()
	cfg.RecordingsRoot = root
	cfg.FirstRunDelay = time.Hour // never fires during the test
	m := retention.New(cfg, testLogger(t))

	m.Start(t.Context())
	m.Stop() // must return promptly, not block on FirstRunDelay
}
