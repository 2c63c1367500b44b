package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite pragmas: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS memory_items (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_unix INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_items_namespace ON memory_items(namespace);`,
	}
	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Write(ctx context.Context, namespace, content string) (Item, error) {
	namespace = strings.TrimSpace(namespace)
	content = strings.TrimSpace(content)
	if namespace == "" || content == "" {
		return Item{}, fmt.Errorf("memory write requires namespace and content")
	}
	item := Item{
		ID:        uuid.NewString(),
		Namespace: namespace,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO memory_items (id, namespace, content, created_at_unix) VALUES (?, ?, ?, ?)`,
		item.ID,
		item.Namespace,
		item.Content,
		item.CreatedAt.Unix(),
	)
	if err != nil {
		return Item{}, fmt.Errorf("insert memory item: %w", err)
	}
	return item, nil
}

func (s *SQLiteStore) Retrieve(ctx context.Context, query Query) ([]Item, error) {
	if query.TopK <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, namespace, content, created_at_unix
		 FROM memory_items WHERE namespace = ? ORDER BY created_at_unix DESC`,
		strings.TrimSpace(query.Namespace),
	)
	if err != nil {
		return nil, fmt.Errorf("query memory items: %w", err)
	}
	defer rows.Close()

	queryTokens := tokenize(query.Text)
	var scored []Item
	for rows.Next() {
		var item Item
		var createdUnix int64
		if err := rows.Scan(&item.ID, &item.Namespace, &item.Content, &createdUnix); err != nil {
			return nil, fmt.Errorf("scan memory item: %w", err)
		}
		item.CreatedAt = time.Unix(createdUnix, 0).UTC()
		item.Relevance = score(queryTokens, item.Content)
		if item.Relevance < query.MinRelevance {
			continue
		}
		scored = append(scored, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory items: %w", err)
	}

	// Newest-first order from the query breaks relevance ties.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Relevance > scored[j].Relevance
	})
	if len(scored) > query.TopK {
		scored = scored[:query.TopK]
	}
	return scored, nil
}

// Compact folds every summary namespace's entries older than maxAge
// into a single merged item, oldest first, so long-lived threads do not
// accumulate unbounded rows.
func (s *SQLiteStore) Compact(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Unix()
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, namespace, content FROM memory_items
		 WHERE namespace LIKE 'summaries/%' AND created_at_unix < ?
		 ORDER BY namespace, created_at_unix ASC`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("query stale summaries: %w", err)
	}
	defer rows.Close()

	type group struct {
		ids      []string
		contents []string
	}
	groups := map[string]*group{}
	var order []string
	for rows.Next() {
		var id, namespace, content string
		if err := rows.Scan(&id, &namespace, &content); err != nil {
			return 0, fmt.Errorf("scan stale summary: %w", err)
		}
		g, ok := groups[namespace]
		if !ok {
			g = &group{}
			groups[namespace] = g
			order = append(order, namespace)
		}
		g.ids = append(g.ids, id)
		g.contents = append(g.contents, content)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate stale summaries: %w", err)
	}

	compacted := 0
	for _, namespace := range order {
		g := groups[namespace]
		if len(g.ids) < 2 {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return compacted, fmt.Errorf("begin compaction: %w", err)
		}
		merged := strings.Join(g.contents, "\n")
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO memory_items (id, namespace, content, created_at_unix) VALUES (?, ?, ?, ?)`,
			uuid.NewString(),
			namespace,
			merged,
			time.Now().UTC().Unix(),
		)
		if err == nil {
			for _, id := range g.ids {
				if _, err = tx.ExecContext(ctx, `DELETE FROM memory_items WHERE id = ?`, id); err != nil {
					break
				}
			}
		}
		if err != nil {
			tx.Rollback()
			return compacted, fmt.Errorf("compact namespace %s: %w", namespace, err)
		}
		if err := tx.Commit(); err != nil {
			return compacted, fmt.Errorf("commit compaction: %w", err)
		}
		compacted += len(g.ids)
	}
	return compacted, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func tokenize(text string) map[string]struct{} {
	tokens := map[string]struct{}{}
	for _, field := range strings.Fields(strings.ToLower(text)) {
		token := strings.Trim(field, ".,:;!?'\"()[]{}<>")
		if len(token) < 2 {
			continue
		}
		tokens[token] = struct{}{}
	}
	return tokens
}

// score is the fraction of query tokens present in the item. An empty
// query matches everything, so pure recency retrievals pass a blank
// query text with MinRelevance zero.
func score(queryTokens map[string]struct{}, content string) float64 {
	if len(queryTokens) == 0 {
		return 1
	}
	contentTokens := tokenize(content)
	matched := 0
	for token := range queryTokens {
		if _, ok := contentTokens[token]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}
