package metrics

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	. "github.com/roelfdiedericks/lessongen/internal/logging"
	"github.com/roelfdiedericks/lessongen/internal/paths"
)

const (
	saveInterval  = 5 * time.Minute
	pruneMaxAge   = 7 * 24 * time.Hour
	dbOpenOptions = "?_busy_timeout=5000"
)

const schemaSQL = `CREATE TABLE IF NOT EXISTS metrics (
	path       TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// EnablePersistence opens the metrics DB at dbPath, loads persisted data,
// prunes stale entries and starts a background save ticker.
// On error the manager keeps working in memory.
func (m *MetricsManager) EnablePersistence(dbPath string) error {
	if m.db != nil {
		return nil
	}
	if err := paths.EnsureParentDir(dbPath); err != nil {
		return err
	}

	db, err := sql.Open("sqlite3", dbPath+dbOpenOptions)
	if err != nil {
		return fmt.Errorf("open metrics db: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return fmt.Errorf("create metrics schema: %w", err)
	}

	m.db = db
	m.stopSave = make(chan struct{})

	loaded, err := m.load()
	if err != nil {
		L_warn("metrics: failed to load persisted data", "error", err)
	} else if loaded > 0 {
		L_info("metrics: loaded persisted data", "count", loaded)
	}

	pruned, err := m.prune()
	if err != nil {
		L_warn("metrics: failed to prune stale data", "error", err)
	} else if pruned > 0 {
		L_info("metrics: pruned stale metrics", "count", pruned)
	}

	go m.saveLoop(m.stopSave)
	return nil
}

// saveLoop runs periodic saves until stop is closed.
func (m *MetricsManager) saveLoop(stop chan struct{}) {
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.save(); err != nil {
				L_warn("metrics: periodic save failed", "error", err)
			}
		case <-stop:
			return
		}
	}
}

// Close stops the background save ticker, performs a final save, and closes the DB.
// Safe to call even if persistence was never enabled.
func (m *MetricsManager) Close() error {
	if m.db == nil {
		return nil
	}
	close(m.stopSave)

	if err := m.save(); err != nil {
		L_warn("metrics: final save failed", "error", err)
	}

	err := m.db.Close()
	m.db = nil
	return err
}

// Save flushes all metrics to the database immediately.
func (m *MetricsManager) Save() error {
	return m.save()
}

// save writes all metrics to the database in a single transaction.
func (m *MetricsManager) save() error {
	if m.db == nil {
		return nil
	}

	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT INTO metrics (path, type, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().Unix()

	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := saveMapEntries(stmt, now, m.timings, TypeTiming, marshalTiming); err != nil {
		return err
	}
	if err := saveMapEntries(stmt, now, m.counters, TypeCounter, marshalCounter); err != nil {
		return err
	}
	if err := saveMapEntries(stmt, now, m.gauges, TypeGauge, marshalGauge); err != nil {
		return err
	}
	if err := saveMapEntries(stmt, now, m.successFail, TypeSuccessFail, marshalSuccessFail); err != nil {
		return err
	}
	if err := saveMapEntries(stmt, now, m.outcomes, TypeOutcome, marshalOutcome); err != nil {
		return err
	}

	return tx.Commit()
}

// saveMapEntries serializes all entries in a metric map and upserts them.
func saveMapEntries[T any](stmt *sql.Stmt, now int64, metrics map[string]*T, metricType MetricType, marshal func(*T) ([]byte, error)) error {
	for path, metric := range metrics {
		data, err := marshal(metric)
		if err != nil {
			L_warn("metrics: failed to marshal metric", "path", path, "type", metricType, "error", err)
			continue
		}
		if _, err := stmt.Exec(path, string(metricType), data, now); err != nil {
			return err
		}
	}
	return nil
}

// load reads all persisted metrics from the database and restores them in memory.
func (m *MetricsManager) load() (int, error) {
	rows, err := m.db.Query("SELECT path, type, data FROM metrics")
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for rows.Next() {
		var path, metricType string
		var data []byte
		if err := rows.Scan(&path, &metricType, &data); err != nil {
			L_warn("metrics: failed to scan row", "error", err)
			continue
		}
		if err := m.restoreMetric(path, MetricType(metricType), data); err != nil {
			L_warn("metrics: failed to restore metric", "path", path, "type", metricType, "error", err)
			continue
		}
		count++
	}

	return count, rows.Err()
}

// prune deletes metrics not updated within the retention period.
func (m *MetricsManager) prune() (int, error) {
	cutoff := time.Now().Add(-pruneMaxAge).Unix()
	result, err := m.db.Exec("DELETE FROM metrics WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// restoreMetric deserializes a metric and registers it.
// Must be called with m.mu held.
func (m *MetricsManager) restoreMetric(path string, metricType MetricType, data []byte) error {
	switch metricType {
	case TypeTiming:
		var p persistTiming
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		m.timings[path] = &TimingMetric{Count: p.Count, Total: p.Total, Min: p.Min, Max: p.Max, Last: p.Last}
	case TypeCounter:
		var p persistCounter
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		m.counters[path] = &CounterMetric{Value: p.Value, Last: p.Last}
	case TypeGauge:
		var p persistGauge
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		m.gauges[path] = &GaugeMetric{Value: p.Value, Min: p.Min, Max: p.Max, Last: p.Last}
	case TypeSuccessFail:
		var p persistSuccessFail
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if p.FailureReasons == nil {
			p.FailureReasons = make(map[string]int64)
		}
		m.successFail[path] = &SuccessFailMetric{
			Success:        p.Success,
			Failures:       p.Failures,
			LastSuccess:    p.LastSuccess,
			LastFailure:    p.LastFailure,
			FailureReasons: p.FailureReasons,
		}
	case TypeOutcome:
		var p persistOutcome
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if p.Outcomes == nil {
			p.Outcomes = make(map[string]int64)
		}
		m.outcomes[path] = &OutcomeMetric{Outcomes: p.Outcomes, Total: p.Total, LastOutcome: p.LastOutcome, LastTime: p.LastTime}
	default:
		return fmt.Errorf("unknown metric type %q", metricType)
	}
	return nil
}

// ---- Intermediary structs for serialization ----
// These mirror metric fields but are JSON-safe (no mutex, no sliding window).

type persistTiming struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Last  time.Duration `json:"last"`
}

type persistCounter struct {
	Value int64     `json:"value"`
	Last  time.Time `json:"last"`
}

type persistGauge struct {
	Value int64     `json:"value"`
	Min   int64     `json:"min"`
	Max   int64     `json:"max"`
	Last  time.Time `json:"last"`
}

type persistSuccessFail struct {
	Success        int64            `json:"success"`
	Failures       int64            `json:"failures"`
	LastSuccess    time.Time        `json:"lastSuccess"`
	LastFailure    time.Time        `json:"lastFailure"`
	FailureReasons map[string]int64 `json:"failureReasons,omitempty"`
}

type persistOutcome struct {
	Outcomes    map[string]int64 `json:"outcomes"`
	Total       int64            `json:"total"`
	LastOutcome string           `json:"lastOutcome"`
	LastTime    time.Time        `json:"lastTime"`
}

func marshalTiming(t *TimingMetric) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return json.Marshal(persistTiming{Count: t.Count, Total: t.Total, Min: t.Min, Max: t.Max, Last: t.Last})
}

func marshalCounter(c *CounterMetric) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(persistCounter{Value: c.Value, Last: c.Last})
}

func marshalGauge(g *GaugeMetric) ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return json.Marshal(persistGauge{Value: g.Value, Min: g.Min, Max: g.Max, Last: g.Last})
}

func marshalSuccessFail(s *SuccessFailMetric) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(persistSuccessFail{
		Success:        s.Success,
		Failures:       s.Failures,
		LastSuccess:    s.LastSuccess,
		LastFailure:    s.LastFailure,
		FailureReasons: s.FailureReasons,
	})
}

func marshalOutcome(o *OutcomeMetric) ([]byte, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return json.Marshal(persistOutcome{Outcomes: o.Outcomes, Total: o.Total, LastOutcome: o.LastOutcome, LastTime: o.LastTime})
}
