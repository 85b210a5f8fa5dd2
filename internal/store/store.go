package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/pavelanni/autograder/internal/model"

	_ "modernc.org/sqlite"
)

// ErrConflict is returned when a conditional status update matched no row.
var ErrConflict = model.ErrConflict

type Store struct {
	db *sql.DB
}

// New opens the SQLite database at dbPath and applies the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS papers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		total_score INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		standard_answer TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS paper_questions (
		paper_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		score INTEGER,
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (paper_id, question_id),
		FOREIGN KEY (paper_id) REFERENCES papers(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS exam_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		paper_id INTEGER NOT NULL,
		student_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'in_progress',
		score INTEGER NOT NULL DEFAULT 0,
		summary_text TEXT,
		start_time DATETIME NOT NULL,
		end_time DATETIME,
		tamper_signal_count INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (paper_id) REFERENCES papers(id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_exam_sessions_active
		ON exam_sessions(paper_id, student_name) WHERE status = 'in_progress';

	CREATE TABLE IF NOT EXISTS answer_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		raw_answer_text TEXT NOT NULL DEFAULT '',
		score INTEGER,
		correctness TEXT,
		judge_feedback TEXT,
		FOREIGN KEY (session_id) REFERENCES exam_sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_answer_entries_session ON answer_entries(session_id);

	CREATE TABLE IF NOT EXISTS exam_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertPaper stores a paper together with its questions in paper order.
func (s *Store) InsertPaper(ctx context.Context, p model.PaperImport) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO papers (name, total_score) VALUES (?, ?)`, p.Name, p.TotalScore)
	if err != nil {
		return 0, fmt.Errorf("insert paper: %w", err)
	}
	paperID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for i, q := range p.Questions {
		if !q.Type.Valid() {
			return 0, &model.ValidationError{Field: "type", Message: fmt.Sprintf("question %d: unknown type %q", i+1, q.Type)}
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO questions (type, title, standard_answer) VALUES (?, ?, ?)`,
			q.Type, q.Title, q.StandardAnswer)
		if err != nil {
			return 0, fmt.Errorf("insert question %d: %w", i+1, err)
		}
		qID, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		var score any
		if q.Score > 0 {
			score = q.Score
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO paper_questions (paper_id, question_id, score, position) VALUES (?, ?, ?, ?)`,
			paperID, qID, score, i); err != nil {
			return 0, fmt.Errorf("link question %d: %w", i+1, err)
		}
	}

	return paperID, tx.Commit()
}

// GetPaperWithQuestions returns a paper and its questions in paper order.
// Questions without a paper score get model.DefaultQuestionScore.
func (s *Store) GetPaperWithQuestions(ctx context.Context, paperID int64) (model.Paper, error) {
	var p model.Paper
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, total_score FROM papers WHERE id = ?`, paperID,
	).Scan(&p.ID, &p.Name, &p.TotalScore)
	if errors.Is(err, sql.ErrNoRows) {
		return p, &model.NotFoundError{Resource: "paper", ID: paperID}
	}
	if err != nil {
		return p, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT q.id, q.type, q.title, q.standard_answer, pq.score
		 FROM paper_questions pq JOIN questions q ON q.id = pq.question_id
		 WHERE pq.paper_id = ? ORDER BY pq.position, q.id`, paperID)
	if err != nil {
		return p, err
	}
	defer rows.Close()
	for rows.Next() {
		var q model.QuestionRef
		var score sql.NullInt64
		if err := rows.Scan(&q.ID, &q.Type, &q.Title, &q.StandardAnswer, &score); err != nil {
			return p, err
		}
		q.MaxScore = model.DefaultQuestionScore
		if score.Valid {
			q.MaxScore = int(score.Int64)
		}
		p.Questions = append(p.Questions, q)
	}
	return p, rows.Err()
}

// ListPapers returns all papers without their questions.
func (s *Store) ListPapers(ctx context.Context) ([]model.Paper, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, total_score FROM papers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var papers []model.Paper
	for rows.Next() {
		var p model.Paper
		if err := rows.Scan(&p.ID, &p.Name, &p.TotalScore); err != nil {
			return nil, err
		}
		papers = append(papers, p)
	}
	return papers, rows.Err()
}

// PaperCount returns the number of papers in the database.
func (s *Store) PaperCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM papers`).Scan(&count)
	return count, err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
