package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	fileKindStaged    = "staged"
	fileKindGenerated = "generated"
	fileKindOriginal  = "original"
	fileKindNew       = "new"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			test_success BOOLEAN NULL,
			test_detail TEXT NOT NULL DEFAULT '',
			test_files INTEGER NOT NULL DEFAULT 0,
			tested_at TIMESTAMPTZ NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks (created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS task_files (
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			seq INTEGER NOT NULL,
			path TEXT NOT NULL,
			content TEXT NOT NULL,
			PRIMARY KEY (task_id, kind, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS proposals (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			target_file TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_task ON proposals (task_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS task_history (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_history_task ON task_history (task_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS activity_log (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL DEFAULT '',
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTask(ctx context.Context, task Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		testSuccess *bool
		testDetail  string
		testFiles   int
		testedAt    *time.Time
	)
	if task.TestResults != nil {
		ok := task.TestResults.Success
		testSuccess = &ok
		testDetail = task.TestResults.Detail
		testFiles = task.TestResults.TestedFiles
		at := task.TestResults.At
		testedAt = &at
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO tasks (
			id, prompt, status, error, test_success, test_detail, test_files, tested_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			prompt=EXCLUDED.prompt,
			status=EXCLUDED.status,
			error=EXCLUDED.error,
			test_success=EXCLUDED.test_success,
			test_detail=EXCLUDED.test_detail,
			test_files=EXCLUDED.test_files,
			tested_at=EXCLUDED.tested_at,
			created_at=EXCLUDED.created_at,
			updated_at=EXCLUDED.updated_at`,
		task.ID,
		task.Prompt,
		string(task.Status),
		task.Error,
		testSuccess,
		testDetail,
		testFiles,
		testedAt,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM task_files WHERE task_id=$1`, task.ID); err != nil {
		return fmt.Errorf("delete prior task files: %w", err)
	}

	insertFiles := func(kind string, files []StagedFile) error {
		for i, f := range files {
			if _, err := tx.Exec(ctx,
				`INSERT INTO task_files (task_id, kind, seq, path, content) VALUES ($1,$2,$3,$4,$5)`,
				task.ID, kind, i, f.Path, f.Content,
			); err != nil {
				return fmt.Errorf("insert %s file: %w", kind, err)
			}
		}
		return nil
	}
	if err := insertFiles(fileKindStaged, task.StagedFiles); err != nil {
		return err
	}
	if err := insertFiles(fileKindGenerated, task.GeneratedFiles); err != nil {
		return err
	}
	if err := insertFiles(fileKindOriginal, mapToFiles(task.OriginalContents)); err != nil {
		return err
	}
	if err := insertFiles(fileKindNew, mapToFiles(task.NewContents)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, prompt, status, error, test_success, test_detail, test_files, tested_at, created_at, updated_at
		   FROM tasks WHERE id=$1`,
		taskID,
	)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	if err := s.loadTaskFiles(ctx, &task); err != nil {
		return Task{}, err
	}
	if task.ProposalIDs, err = s.loadProposalIDs(ctx, task.ID); err != nil {
		return Task{}, err
	}
	return task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, prompt, status, error, test_success, test_detail, test_files, tested_at, created_at, updated_at
		   FROM tasks ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	for i := range out {
		if err := s.loadTaskFiles(ctx, &out[i]); err != nil {
			return nil, err
		}
		if out[i].ProposalIDs, err = s.loadProposalIDs(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	// Files, proposals and history ride the ON DELETE CASCADE.
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id=$1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *PostgresStore) SaveProposal(ctx context.Context, p Proposal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO proposals (id, task_id, target_file, payload, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (id) DO UPDATE SET
			target_file=EXCLUDED.target_file,
			payload=EXCLUDED.payload,
			status=EXCLUDED.status`,
		p.ID, p.TaskID, p.TargetFile, p.Payload, string(p.Status), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert proposal: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, task_id, target_file, payload, status, created_at FROM proposals WHERE id=$1`,
		proposalID,
	)
	p, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrStoreNotFound
		}
		return Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListProposalsByTask(ctx context.Context, taskID string) ([]Proposal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, target_file, payload, status, created_at
		   FROM proposals WHERE task_id=$1 ORDER BY created_at ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	out := make([]Proposal, 0, 4)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposal rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateProposalStatus(ctx context.Context, proposalID string, status ProposalStatus) (Proposal, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE proposals SET status=$2 WHERE id=$1
		 RETURNING id, task_id, target_file, payload, status, created_at`,
		proposalID, string(status),
	)
	p, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrStoreNotFound
		}
		return Proposal{}, fmt.Errorf("update proposal status: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) DeleteProposalsByTask(ctx context.Context, taskID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM proposals WHERE task_id=$1`, taskID); err != nil {
		return fmt.Errorf("delete proposals: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendHistory(ctx context.Context, e HistoryEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_history (id, task_id, from_status, to_status, detail, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.TaskID, string(e.FromStatus), string(e.ToStatus), e.Detail, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListHistoryByTask(ctx context.Context, taskID string) ([]HistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, from_status, to_status, detail, created_at
		   FROM task_history WHERE task_id=$1 ORDER BY created_at ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	out := make([]HistoryEntry, 0, 8)
	for rows.Next() {
		var (
			e    HistoryEntry
			from string
			to   string
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &from, &to, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.FromStatus = TaskStatus(from)
		e.ToStatus = TaskStatus(to)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteHistoryByTask(ctx context.Context, taskID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM task_history WHERE task_id=$1`, taskID); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, e LogEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO activity_log (id, task_id, level, message, created_at) VALUES ($1,$2,$3,$4,$5)`,
		e.ID, e.TaskID, e.Level, e.Message, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *PostgresStore) loadTaskFiles(ctx context.Context, task *Task) error {
	rows, err := s.pool.Query(ctx,
		`SELECT kind, path, content FROM task_files WHERE task_id=$1 ORDER BY kind, seq ASC`,
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("list task files: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind, path, content string
		if err := rows.Scan(&kind, &path, &content); err != nil {
			return fmt.Errorf("scan task file: %w", err)
		}
		switch kind {
		case fileKindStaged:
			task.StagedFiles = append(task.StagedFiles, StagedFile{Path: path, Content: content})
		case fileKindGenerated:
			task.GeneratedFiles = append(task.GeneratedFiles, StagedFile{Path: path, Content: content})
		case fileKindOriginal:
			if task.OriginalContents == nil {
				task.OriginalContents = make(map[string]string)
			}
			task.OriginalContents[path] = content
		case fileKindNew:
			if task.NewContents == nil {
				task.NewContents = make(map[string]string)
			}
			task.NewContents[path] = content
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate task file rows: %w", err)
	}
	return nil
}

func (s *PostgresStore) loadProposalIDs(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM proposals WHERE task_id=$1 ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list proposal ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan proposal id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposal id rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		task        Task
		status      string
		testSuccess *bool
		testDetail  string
		testFiles   int
		testedAt    *time.Time
	)
	if err := row.Scan(
		&task.ID,
		&task.Prompt,
		&status,
		&task.Error,
		&testSuccess,
		&testDetail,
		&testFiles,
		&testedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return Task{}, err
	}
	task.Status = TaskStatus(status)
	if testSuccess != nil {
		tr := VerificationResult{Success: *testSuccess, Detail: testDetail, TestedFiles: testFiles}
		if testedAt != nil {
			tr.At = *testedAt
		}
		task.TestResults = &tr
	}
	return task, nil
}

func scanProposal(row pgx.Row) (Proposal, error) {
	var (
		p      Proposal
		status string
	)
	if err := row.Scan(&p.ID, &p.TaskID, &p.TargetFile, &p.Payload, &status, &p.CreatedAt); err != nil {
		return Proposal{}, err
	}
	p.Status = ProposalStatus(status)
	return p, nil
}

func mapToFiles(m map[string]string) []StagedFile {
	if len(m) == 0 {
		return nil
	}
	out := make([]StagedFile, 0, len(m))
	for path, content := range m {
		out = append(out, StagedFile{Path: path, Content: content})
	}
	return out
}
