package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/s123104/night-pilot/pkg/nperrors"
)

const promptColumns = "id, title, content, tags, created_at_ms, updated_at_ms"

// PromptFilter narrows ListPrompts.
type PromptFilter struct {
	// Tag keeps only prompts carrying the label.
	Tag string
	// Search keeps prompts whose title or content contains the needle.
	Search string
	// Limit caps the result count; 0 means no cap.
	Limit int
}

func scanPrompt(row dbutil.Scannable) (*Prompt, error) {
	var p Prompt
	var tags string
	var createdMs, updatedMs int64
	if err := row.Scan(&p.ID, &p.Title, &p.Content, &tags, &createdMs, &updatedMs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
		return nil, fmt.Errorf("decode prompt tags: %w", err)
	}
	p.CreatedAt = msToTime(createdMs)
	p.UpdatedAt = msToTime(updatedMs)
	return &p, nil
}

// CreatePrompt inserts a prompt and returns it with its assigned id.
func (s *Store) CreatePrompt(ctx context.Context, title, content string, tags []string) (*Prompt, error) {
	if tags == nil {
		tags = []string{}
	}
	encodedTags, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode prompt tags: %w", err)
	}
	now := time.Now().UTC()
	prompt := &Prompt{Title: title, Content: content, Tags: tags, CreatedAt: now, UpdatedAt: now}
	err = s.doWrite(ctx, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx,
			`INSERT INTO prompts (title, content, tags, created_at_ms, updated_at_ms) VALUES ($1, $2, $3, $4, $5)`,
			title, content, string(encodedTags), now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return err
		}
		prompt.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return prompt, nil
}

// GetPrompt fetches one prompt by id.
func (s *Store) GetPrompt(ctx context.Context, id int64) (*Prompt, error) {
	prompt, err := scanPrompt(s.db.QueryRow(ctx,
		`SELECT `+promptColumns+` FROM prompts WHERE id=$1`, id))
	if err != nil {
		return nil, s.wrapError(err)
	}
	return prompt, nil
}

// UpdatePrompt rewrites a prompt's mutable fields.
func (s *Store) UpdatePrompt(ctx context.Context, prompt *Prompt) error {
	encodedTags, err := json.Marshal(prompt.Tags)
	if err != nil {
		return fmt.Errorf("encode prompt tags: %w", err)
	}
	prompt.UpdatedAt = time.Now().UTC()
	return s.doWrite(ctx, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx,
			`UPDATE prompts SET title=$1, content=$2, tags=$3, updated_at_ms=$4 WHERE id=$5`,
			prompt.Title, prompt.Content, string(encodedTags), prompt.UpdatedAt.UnixMilli(), prompt.ID)
		if err != nil {
			return err
		}
		return requireRowAffected(res, "prompt", prompt.ID)
	})
}

// ListPrompts returns prompts newest first, optionally filtered.
func (s *Store) ListPrompts(ctx context.Context, filter PromptFilter) ([]*Prompt, error) {
	query := `SELECT ` + promptColumns + ` FROM prompts`
	args := make([]any, 0, 2)
	if needle := strings.TrimSpace(filter.Search); needle != "" {
		query += ` WHERE title LIKE '%' || $1 || '%' OR content LIKE '%' || $1 || '%'`
		args = append(args, needle)
	}
	query += ` ORDER BY created_at_ms DESC`
	if filter.Limit > 0 && filter.Tag == "" {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer rows.Close()
	prompts := make([]*Prompt, 0)
	for rows.Next() {
		prompt, err := scanPrompt(rows)
		if err != nil {
			return nil, s.wrapError(err)
		}
		if filter.Tag != "" && !containsTag(prompt.Tags, filter.Tag) {
			continue
		}
		prompts = append(prompts, prompt)
		if filter.Limit > 0 && len(prompts) >= filter.Limit {
			break
		}
	}
	return prompts, s.wrapError(rows.Err())
}

// DeletePrompt removes a prompt; jobs, results, and audits cascade away in
// the same transaction.
func (s *Store) DeletePrompt(ctx context.Context, id int64) error {
	return s.doWrite(ctx, func(ctx context.Context) error {
		return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
			res, err := s.db.Exec(ctx, `DELETE FROM prompts WHERE id=$1`, id)
			if err != nil {
				return err
			}
			return requireRowAffected(res, "prompt", id)
		})
	})
}

func containsTag(tags []string, wanted string) bool {
	for _, tag := range tags {
		if tag == wanted {
			return true
		}
	}
	return false
}

func requireRowAffected(res sql.Result, entity string, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return nperrors.NotFoundf("%s %d", entity, id)
	}
	return nil
}
