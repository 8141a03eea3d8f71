// Package runlog keeps a SQLite ledger of fine-tuning runs and their logged
// metrics. A Store doubles as a trainer.EventPublisher so the trainer can
// record progress without knowing about the database.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"instructune/internal/common/fsutil"
	"instructune/internal/trainer"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Run is one row of the runs table.
type Run struct {
	ID        string         `json:"id"`
	BaseModel string         `json:"base_model"`
	Dataset   string         `json:"dataset"`
	OutputDir string         `json:"output_dir"`
	Status    trainer.Status `json:"status"`
	Error     string         `json:"error,omitempty"`
	Steps     int            `json:"steps"`
	FinalLoss float64        `json:"final_loss"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Metric is one logged training step.
type Metric struct {
	RunID        string  `json:"run_id"`
	Step         int     `json:"step"`
	Epoch        float64 `json:"epoch"`
	Loss         float64 `json:"loss"`
	LearningRate float64 `json:"learning_rate"`
	GradNorm     float64 `json:"grad_norm"`
}

// Store wraps the ledger database.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

var _ trainer.EventPublisher = (*Store)(nil)

// Open creates or opens the ledger at path. ":memory:" opens a private
// in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		p, err := fsutil.ExpandHome(path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
		dsn = p
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection so ":memory:" is one database
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	return &Store{db: db, log: zerolog.Nop(), now: time.Now}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs(
			id TEXT PRIMARY KEY,
			base_model TEXT NOT NULL,
			dataset TEXT NOT NULL,
			output_dir TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			steps INTEGER NOT NULL DEFAULT 0,
			final_loss REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS metrics(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id),
			step INTEGER NOT NULL,
			epoch REAL NOT NULL,
			loss REAL NOT NULL,
			learning_rate REAL NOT NULL,
			grad_norm REAL NOT NULL
		)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS metrics_run ON metrics(run_id, step)`)
	return err
}

// SetLogger installs a logger for publish failures.
func (s *Store) SetLogger(l zerolog.Logger) { s.log = l }

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Create inserts a pending run and returns its id.
func (s *Store) Create(ctx context.Context, baseModel, dataset, outputDir string) (Run, error) {
	now := s.now().UTC()
	r := Run{
		ID:        uuid.NewString(),
		BaseModel: baseModel,
		Dataset:   dataset,
		OutputDir: outputDir,
		Status:    trainer.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO runs(id, base_model, dataset, output_dir, status, created_at, updated_at) VALUES(?,?,?,?,?,?,?)",
		r.ID, r.BaseModel, r.Dataset, r.OutputDir, string(r.Status), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return r, nil
}

// SetStatus moves a run to status. errMsg is stored for failed runs.
func (s *Store) SetStatus(ctx context.Context, id string, status trainer.Status, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?",
		string(status), errMsg, s.now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	return mustAffect(res, id)
}

// Finish records the final step count and loss of a trained run.
func (s *Store) Finish(ctx context.Context, id string, steps int, loss float64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET status = ?, steps = ?, final_loss = ?, updated_at = ? WHERE id = ?",
		string(trainer.StatusTrained), steps, loss, s.now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	return mustAffect(res, id)
}

// MarkMergedByOutput flags every trained run that wrote outputDir as merged.
func (s *Store) MarkMergedByOutput(ctx context.Context, outputDir string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET status = ?, updated_at = ? WHERE output_dir = ? AND status = ?",
		string(trainer.StatusMerged), s.now().UTC().UnixMilli(), outputDir, string(trainer.StatusTrained))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// AddMetric appends one logged step.
func (s *Store) AddMetric(ctx context.Context, m Metric) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO metrics(run_id, step, epoch, loss, learning_rate, grad_norm) VALUES(?,?,?,?,?,?)",
		m.RunID, m.Step, m.Epoch, m.Loss, m.LearningRate, m.GradNorm)
	return err
}

// Get returns one run.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, selectRuns+" WHERE id = ?", id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// List returns runs newest first. limit <= 0 returns all of them.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	q := selectRuns + " ORDER BY created_at DESC, rowid DESC"
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Metrics returns the logged steps of a run in step order.
func (s *Store) Metrics(ctx context.Context, runID string) ([]Metric, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id, step, epoch, loss, learning_rate, grad_norm FROM metrics WHERE run_id = ? ORDER BY step, id", runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.RunID, &m.Step, &m.Epoch, &m.Loss, &m.LearningRate, &m.GradNorm); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Publish records trainer events: start and failure move the run status,
// logged steps become metric rows, done stores the final numbers.
func (s *Store) Publish(e trainer.Event) {
	if e.RunID == "" {
		return
	}
	ctx := context.Background()
	var err error
	switch e.Name {
	case trainer.EventStart:
		err = s.SetStatus(ctx, e.RunID, trainer.StatusTraining, "")
	case trainer.EventStep:
		err = s.AddMetric(ctx, Metric{
			RunID:        e.RunID,
			Step:         intField(e.Fields, "step"),
			Epoch:        floatField(e.Fields, "epoch"),
			Loss:         floatField(e.Fields, "loss"),
			LearningRate: floatField(e.Fields, "learning_rate"),
			GradNorm:     floatField(e.Fields, "grad_norm"),
		})
	case trainer.EventDone:
		err = s.Finish(ctx, e.RunID, intField(e.Fields, "step"), floatField(e.Fields, "loss"))
	case trainer.EventFailed:
		msg, _ := e.Fields["error"].(string)
		err = s.SetStatus(ctx, e.RunID, trainer.StatusFailed, msg)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("run_id", e.RunID).Str("event", e.Name).Msg("ledger publish failed")
	}
}

const selectRuns = "SELECT id, base_model, dataset, output_dir, status, error, steps, final_loss, created_at, updated_at FROM runs"

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r                Run
		status           string
		created, updated int64
	)
	if err := sc.Scan(&r.ID, &r.BaseModel, &r.Dataset, &r.OutputDir, &status, &r.Error, &r.Steps, &r.FinalLoss, &created, &updated); err != nil {
		return Run{}, err
	}
	r.Status = trainer.Status(strings.ToLower(status))
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.UpdatedAt = time.UnixMilli(updated).UTC()
	return r, nil
}

func mustAffect(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

func intField(f map[string]any, k string) int {
	switch v := f[k].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func floatField(f map[string]any, k string) float64 {
	switch v := f[k].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}
