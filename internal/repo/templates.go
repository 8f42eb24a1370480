package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

// TemplateStore reads message templates. The gateway never writes them.
type TemplateStore interface {
	// GetTemplate returns the template of owner named name. An empty
	// language matches any.
	GetTemplate(ctx context.Context, ownerID, name, language string) (*model.Template, error)
}

var (
	_ TemplateStore = (*PostgresStore)(nil)
	_ TemplateStore = (*MemoryStore)(nil)
)

func (s *PostgresStore) GetTemplate(ctx context.Context, ownerID, name, language string) (*model.Template, error) {
	var t model.Template
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, name, language, body
		FROM message_templates
		WHERE owner_id = $1 AND name = $2 AND ($3 = '' OR language = $3)
		ORDER BY language
		LIMIT 1
	`, ownerID, name, language).Scan(&t.OwnerID, &t.Name, &t.Language, &t.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("template %q not found", name)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *MemoryStore) GetTemplate(ctx context.Context, ownerID, name, language string) (*model.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *model.Template
	for i := range s.templates {
		t := &s.templates[i]
		if t.OwnerID != ownerID || t.Name != name {
			continue
		}
		if language != "" && t.Language != language {
			continue
		}
		if found == nil || t.Language < found.Language {
			found = t
		}
	}
	if found == nil {
		return nil, apperr.NotFound("template %q not found", name)
	}
	cp := *found
	return &cp, nil
}

// AddTemplate seeds a template into the in-memory store.
func (s *MemoryStore) AddTemplate(t model.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates = append(s.templates, t)
}
