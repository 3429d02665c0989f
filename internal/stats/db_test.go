package stats

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/stopgate/pkg/models"
)

// setupTestDB creates a new temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMigrated(filepath.Join(t.TempDir(), "stats.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func result(criterion string, success, cached bool, d time.Duration, at time.Time) *models.Result {
	return &models.Result{
		Criterion:  criterion,
		Success:    success,
		Cached:     cached,
		Duration:   d,
		FinishedAt: at,
	}
}

func TestOpen_CreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "stats.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("database file does not exist at %s", path)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}

	var version int
	if err := db.conn.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("query version: %v", err)
	}
	if version != 2 {
		t.Errorf("schema version = %d, want 2", version)
	}
}

func TestStats(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()

	runs := []*models.Result{
		result(models.CriterionBuild, true, false, 2*time.Second, now.Add(-3*time.Minute)),
		result(models.CriterionBuild, false, false, 4*time.Second, now.Add(-2*time.Minute)),
		result(models.CriterionBuild, true, true, 0, now.Add(-time.Minute)),
		result(models.CriterionLint, true, false, time.Second, now),
	}
	for _, r := range runs {
		if err := db.Record("agentA", r); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	if err := db.Record("agentA", nil); err != nil {
		t.Fatalf("Record(nil) failed: %v", err)
	}

	stats, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 criteria, got %d", len(stats))
	}

	build := stats[0]
	if build.Criterion != models.CriterionBuild {
		t.Fatalf("first criterion = %s", build.Criterion)
	}
	if build.Runs != 3 || build.Successes != 2 || build.CachedHits != 1 {
		t.Errorf("build counts = %+v", build)
	}
	// Cached hits do not drag the mean toward zero.
	if build.MeanDuration != 3*time.Second {
		t.Errorf("build mean = %v, want 3s", build.MeanDuration)
	}
	if build.SuccessRate < 0.66 || build.SuccessRate > 0.67 {
		t.Errorf("build success rate = %v", build.SuccessRate)
	}
	if build.LastRunAt == nil || !build.LastRunAt.Equal(now.Add(-time.Minute)) {
		t.Errorf("build last run = %v", build.LastRunAt)
	}
}

func TestEstimatesRequireMinimumRuns(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()

	for i := 0; i < MinRunsForEstimate; i++ {
		if err := db.Record("", result(models.CriterionTest, true, false, time.Duration(i+1)*time.Second, now)); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < MinRunsForEstimate-1; i++ {
		if err := db.Record("", result(models.CriterionType, true, false, time.Second, now)); err != nil {
			t.Fatal(err)
		}
	}
	// Cached runs never count toward an estimate.
	if err := db.Record("", result(models.CriterionType, true, true, 0, now)); err != nil {
		t.Fatal(err)
	}

	est, err := db.Estimates()
	if err != nil {
		t.Fatalf("Estimates failed: %v", err)
	}
	if got := est[models.CriterionTest]; got != 2*time.Second {
		t.Errorf("test estimate = %v, want 2s", got)
	}
	if _, ok := est[models.CriterionType]; ok {
		t.Error("type estimate should need more executed runs")
	}
}

func TestRecentAndPurge(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()

	old := result(models.CriterionSecurity, false, false, time.Second, now.Add(-48*time.Hour))
	old.Degraded = true
	if err := db.Record("agentB", old); err != nil {
		t.Fatal(err)
	}
	if err := db.Record("agentA", result(models.CriterionLint, true, false, time.Second, now)); err != nil {
		t.Fatal(err)
	}

	recent, err := db.Recent(10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(recent))
	}
	if recent[0].Criterion != models.CriterionLint || recent[0].AgentID != "agentA" {
		t.Errorf("newest run = %+v", recent[0])
	}
	if !recent[1].Degraded || recent[1].Success {
		t.Errorf("oldest run = %+v", recent[1])
	}

	n, err := db.PurgeOlderThan(24 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeOlderThan failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d runs, want 1", n)
	}
}
