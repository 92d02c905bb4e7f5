package task

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go sqlite driver, registers as "sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("task: not found")

// statements groups the store's prepared statements into a small, named set
// instead of a flat list of fields — same grouping idiom the teacher uses for
// its own prepared-statement sets.
type statements struct {
	nextReadyBatch   *sql.Stmt
	nextPendingLarge *sql.Stmt
	markPendingLarge *sql.Stmt
	latestUploadID   *sql.Stmt
	recordUploadID   *sql.Stmt
	clearUploads     *sql.Stmt
	deleteTask       *sql.Stmt
	deleteDeps       *sql.Stmt
	rewriteFolderID  *sql.Stmt
	rewriteFileID    *sql.Stmt
	fixupFolderID    *sql.Stmt
	fixupText1       *sql.Stmt
	insertTask       *sql.Stmt
	insertDepend     *sql.Stmt
	countByStatus    *sql.Stmt
	oldestReady      *sql.Stmt
}

// Store is the sqlite-backed implementation of the Task Store component
// (SPEC_FULL.md §6, spec.md §4.1). Each multi-row mutation (Complete,
// InsertTask) runs in one transaction — for Complete this is the
// correctness condition behind invariant 2 in spec.md §3.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	stmts  statements

	pendingMu     sync.Mutex
	pendingByFldr map[int64]int
}

const (
	walJournalSizeLimit = 67108864 // 64 MiB
)

// Open opens (or creates) the sqlite database at dbPath, applies embedded
// goose migrations, and prepares all repeated statements. Use ":memory:"
// for tests.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening task store", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("task: open sqlite: %w", err)
	}

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger, pendingByFldr: map[int64]int{}}

	if err := s.prepare(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("task: prepare statements: %w", err)
	}

	return s, nil
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("task: set pragma %q: %w", p, err)
		}
	}

	return nil
}

// runMigrations applies all pending schema migrations using goose's
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("task: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("task: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("task: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

func (s *Store) prepare(ctx context.Context) error {
	defs := []stmtDef{
		{&s.stmts.nextReadyBatch, sqlNextReadyBatch, "nextReadyBatch"},
		{&s.stmts.nextPendingLarge, sqlNextPendingLarge, "nextPendingLarge"},
		{&s.stmts.markPendingLarge, sqlMarkPendingLarge, "markPendingLarge"},
		{&s.stmts.latestUploadID, sqlLatestUploadID, "latestUploadID"},
		{&s.stmts.recordUploadID, sqlRecordUploadID, "recordUploadID"},
		{&s.stmts.clearUploads, sqlClearUploads, "clearUploads"},
		{&s.stmts.deleteTask, sqlDeleteTask, "deleteTask"},
		{&s.stmts.deleteDeps, sqlDeleteDeps, "deleteDeps"},
		{&s.stmts.rewriteFolderID, sqlRewriteFolderID, "rewriteFolderID"},
		{&s.stmts.rewriteFileID, sqlRewriteFileID, "rewriteFileID"},
		{&s.stmts.fixupFolderID, sqlFixupFolderID, "fixupFolderID"},
		{&s.stmts.fixupText1, sqlFixupText1, "fixupText1"},
		{&s.stmts.insertTask, sqlInsertTask, "insertTask"},
		{&s.stmts.insertDepend, sqlInsertDepend, "insertDepend"},
		{&s.stmts.countByStatus, sqlCountByStatus, "countByStatus"},
		{&s.stmts.oldestReady, sqlOldestReady, "oldestReady"},
	}

	for _, d := range defs {
		stmt, err := s.db.PrepareContext(ctx, d.sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", d.name, err)
		}

		*d.dest = stmt
	}

	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for components (e.g. the admin surface)
// that need read-only ad hoc queries outside the prepared-statement set.
func (s *Store) DB() *sql.DB { return s.db }

const batchLimit = 32

// NextReadyBatch returns up to limit tasks with status=ready and no
// unresolved dependency edge, ordered by id ascending (spec.md §4.1). If
// limit <= 0, the default batch size constant is used.
func (s *Store) NextReadyBatch(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = batchLimit
	}

	rows, err := s.stmts.nextReadyBatch.QueryContext(ctx, int(StatusReady), limit)
	if err != nil {
		return nil, fmt.Errorf("task: next ready batch: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// NextPendingLarge returns the lowest-id CreateFile task with
// status=pending-large, or ErrNotFound if there is none.
func (s *Store) NextPendingLarge(ctx context.Context) (*Task, error) {
	row := s.stmts.nextPendingLarge.QueryRowContext(ctx, int(StatusPendingLarge), int(CreateFile))

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("task: next pending large: %w", err)
	}

	return t, nil
}

// MarkPendingLarge transitions a CreateFile task to status=pending-large.
func (s *Store) MarkPendingLarge(ctx context.Context, id int64) error {
	if _, err := s.stmts.markPendingLarge.ExecContext(ctx, int(StatusPendingLarge), id); err != nil {
		return fmt.Errorf("task: mark pending large %d: %w", id, err)
	}

	return nil
}

// LatestUploadID returns the highest recorded upload_id for taskID, the
// resume candidate per spec.md §3 ("the latest (highest id) is the resume
// candidate"). Returns ErrNotFound if none is recorded.
func (s *Store) LatestUploadID(ctx context.Context, taskID int64) (int64, error) {
	var uploadID int64
	err := s.stmts.latestUploadID.QueryRowContext(ctx, taskID).Scan(&uploadID)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}

	if err != nil {
		return 0, fmt.Errorf("task: latest upload id for %d: %w", taskID, err)
	}

	return uploadID, nil
}

// RecordUploadID persists a new server-side upload handle for taskID. A
// task may accumulate multiple across retries (spec.md §3).
func (s *Store) RecordUploadID(ctx context.Context, taskID, uploadID int64) error {
	if _, err := s.stmts.recordUploadID.ExecContext(ctx, taskID, uploadID); err != nil {
		return fmt.Errorf("task: record upload id: %w", err)
	}

	return nil
}

// AllUploadIDs returns every recorded upload_id for taskID, newest first.
// Used when an "upload superseded" response requires deleting every
// outstanding server-side handle (spec.md §4.5 step 8).
func (s *Store) AllUploadIDs(ctx context.Context, taskID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT uploadid FROM fstaskupload WHERE fstaskid = ? ORDER BY uploadid DESC", taskID)
	if err != nil {
		return nil, fmt.Errorf("task: all upload ids: %w", err)
	}
	defer rows.Close()

	var ids []int64

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("task: scan upload id: %w", err)
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// ClearUploads removes every recorded upload handle for taskID.
func (s *Store) ClearUploads(ctx context.Context, taskID int64) error {
	if _, err := s.stmts.clearUploads.ExecContext(ctx, taskID); err != nil {
		return fmt.Errorf("task: clear uploads: %w", err)
	}

	return nil
}

// FixupFolderID mutates a task's folderid in place — used by error handlers
// reacting to parent-missing/access-denied responses (spec.md §4.3).
func (s *Store) FixupFolderID(ctx context.Context, id, folderID int64) error {
	if _, err := s.stmts.fixupFolderID.ExecContext(ctx, folderID, id); err != nil {
		return fmt.Errorf("task: fixup folderid: %w", err)
	}

	return nil
}

// FixupText1 mutates a task's text1 in place — used by invalid-name handlers.
func (s *Store) FixupText1(ctx context.Context, id int64, text1 string) error {
	if _, err := s.stmts.fixupText1.ExecContext(ctx, text1, id); err != nil {
		return fmt.Errorf("task: fixup text1: %w", err)
	}

	return nil
}

// DeleteTask removes a task row outright — used for unrecoverable local
// errors (missing cache file) and for idempotent-success paths that have no
// entity to rewrite.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	if _, err := s.stmts.deleteTask.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("task: delete task %d: %w", id, err)
	}

	return nil
}

// CompleteResult reports what Complete did, so callers can decide whether
// to wake the dispatcher.
type CompleteResult struct {
	DependentsUnblocked bool
}

// Complete finalizes a successfully-processed task inside one transaction
// (spec.md §4.1, invariant 2): if the task created an entity, every other
// task's folderid/fileid referencing placeholder -task.ID is rewritten to
// assignedRemoteID; the task's own dependency edges are deleted; the task
// row itself is deleted. Pass assignedRemoteID=0 and createdEntity=false
// for ops that create nothing (RmDir, Unlink).
func (s *Store) Complete(ctx context.Context, t Task, assignedRemoteID int64, createdEntity bool) (CompleteResult, error) {
	var result CompleteResult

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if createdEntity {
			switch t.Type {
			case MkDir:
				if _, err := tx.StmtContext(ctx, s.stmts.rewriteFolderID).ExecContext(ctx, assignedRemoteID, -t.ID); err != nil {
					return fmt.Errorf("rewrite folderid: %w", err)
				}
			case CreateFile:
				if _, err := tx.StmtContext(ctx, s.stmts.rewriteFileID).ExecContext(ctx, assignedRemoteID, -t.ID); err != nil {
					return fmt.Errorf("rewrite fileid: %w", err)
				}
			case RmDir, Unlink:
				// no entity created; nothing to rewrite.
			}
		}

		res, err := tx.StmtContext(ctx, s.stmts.deleteDeps).ExecContext(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("delete dependency edges: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected for deleted edges: %w", err)
		}

		result.DependentsUnblocked = affected > 0

		if _, err := tx.StmtContext(ctx, s.stmts.deleteTask).ExecContext(ctx, t.ID); err != nil {
			return fmt.Errorf("delete task row: %w", err)
		}

		return nil
	})
	if err != nil {
		return CompleteResult{}, fmt.Errorf("task: complete %d: %w", t.ID, err)
	}

	if key, ok := pendingFolderKey(t); ok {
		s.pendingMu.Lock()
		if s.pendingByFldr[key] > 0 {
			s.pendingByFldr[key]--
		}
		s.pendingMu.Unlock()
	}

	return result, nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error — the same shape as the original C implementation's
// psync_sql_start_transaction/commit bracket around psync_fsupload_process_tasks.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

// InsertTask inserts a new task row and its dependency edges in one
// transaction, returning the assigned id. This stands in for the
// unspecified producer API (spec.md §6): real producers (mutation APIs not
// covered by this spec) would call the equivalent of this directly against
// the same database.
func (s *Store) InsertTask(ctx context.Context, t Task, dependsOn ...int64) (int64, error) {
	var id int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.StmtContext(ctx, s.stmts.insertTask).ExecContext(ctx,
			int(t.Type), int(t.Status), t.FolderID, t.FileID, t.Text1, t.Text2, t.Int1, t.Int2, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}

		for _, dep := range dependsOn {
			if _, err := tx.StmtContext(ctx, s.stmts.insertDepend).ExecContext(ctx, id, dep); err != nil {
				return fmt.Errorf("insert dependency edge (%d depends on %d): %w", id, dep, err)
			}
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("task: insert task: %w", err)
	}

	if key, ok := pendingFolderKey(t); ok {
		s.pendingMu.Lock()
		s.pendingByFldr[key]++
		s.pendingMu.Unlock()
	}

	return id, nil
}

// pendingFolderKey returns the remote folder id a task counts against for
// the admin surface's PendingTaskCount display, and whether the task type
// has one. MkDir/CreateFile count against their parent folder; RmDir
// counts against the folder it targets; Unlink has no folder scope.
func pendingFolderKey(t Task) (int64, bool) {
	switch t.Type {
	case MkDir, CreateFile:
		return t.FolderID, true
	case RmDir:
		return t.Int1, true
	default:
		return 0, false
	}
}

// PendingTaskCounts returns the in-memory per-folder pending task count
// used by the admin surface (SPEC_FULL.md §5). This is not persisted and
// resets across restarts — it is explicitly not load-bearing for dispatch
// correctness, only an operator-facing hint.
func (s *Store) PendingTaskCounts() map[int64]int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	out := make(map[int64]int, len(s.pendingByFldr))
	for k, v := range s.pendingByFldr {
		out[k] = v
	}

	return out
}

// CountByStatus returns the number of tasks in each status, for the admin
// surface and the Prometheus queue-depth gauge.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.stmts.countByStatus.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("task: count by status: %w", err)
	}
	defer rows.Close()

	counts := map[Status]int{}

	for rows.Next() {
		var status, count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("task: scan status count: %w", err)
		}

		counts[Status(status)] = count
	}

	return counts, rows.Err()
}

// OldestReadyAge returns the age of the oldest ready task, for admin-surface
// staleness reporting. Returns ok=false if there are no ready tasks.
func (s *Store) OldestReadyAge(ctx context.Context, now time.Time) (age time.Duration, ok bool, err error) {
	var createdAt int64

	row := s.stmts.oldestReady.QueryRowContext(ctx, int(StatusReady))
	if scanErr := row.Scan(&createdAt); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return 0, false, nil
		}

		return 0, false, fmt.Errorf("task: oldest ready age: %w", scanErr)
	}

	return now.Sub(time.Unix(createdAt, 0)), true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var typ, status int
	var text1, text2 sql.NullString

	if err := row.Scan(&t.ID, &typ, &status, &t.FolderID, &t.FileID, &text1, &text2, &t.Int1, &t.Int2); err != nil {
		return nil, err
	}

	t.Type = Type(typ)
	t.Status = Status(status)
	t.Text1 = text1.String
	t.Text2 = text2.String

	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task

	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("task: scan: %w", err)
		}

		out = append(out, *t)
	}

	return out, rows.Err()
}

const taskColumns = `id, type, status, folderid, fileid, text1, text2, int1, int2`

const (
	sqlNextReadyBatch = `SELECT ` + taskColumns + ` FROM fstask f
		WHERE status = ? AND NOT EXISTS (
			SELECT 1 FROM fstaskdepend d WHERE d.fstaskid = f.id
		)
		ORDER BY f.id ASC LIMIT ?`

	sqlNextPendingLarge = `SELECT ` + taskColumns + ` FROM fstask
		WHERE status = ? AND type = ? ORDER BY id ASC LIMIT 1`

	sqlMarkPendingLarge = `UPDATE fstask SET status = ? WHERE id = ?`

	sqlLatestUploadID = `SELECT uploadid FROM fstaskupload
		WHERE fstaskid = ? ORDER BY uploadid DESC LIMIT 1`

	sqlRecordUploadID = `INSERT INTO fstaskupload (fstaskid, uploadid) VALUES (?, ?)`

	sqlClearUploads = `DELETE FROM fstaskupload WHERE fstaskid = ?`

	sqlDeleteTask = `DELETE FROM fstask WHERE id = ?`

	sqlDeleteDeps = `DELETE FROM fstaskdepend WHERE dependfstaskid = ?`

	sqlRewriteFolderID = `UPDATE fstask SET folderid = ? WHERE folderid = ?`

	sqlRewriteFileID = `UPDATE fstask SET fileid = ? WHERE fileid = ?`

	sqlFixupFolderID = `UPDATE fstask SET folderid = ? WHERE id = ?`

	sqlFixupText1 = `UPDATE fstask SET text1 = ? WHERE id = ?`

	sqlInsertTask = `INSERT INTO fstask (type, status, folderid, fileid, text1, text2, int1, int2, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlInsertDepend = `INSERT INTO fstaskdepend (fstaskid, dependfstaskid) VALUES (?, ?)`

	sqlCountByStatus = `SELECT status, COUNT(*) FROM fstask GROUP BY status`

	sqlOldestReady = `SELECT created_at FROM fstask WHERE status = ? ORDER BY created_at ASC LIMIT 1`
)
