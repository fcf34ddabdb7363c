package control

import (
	"context"

	"github.com/google/uuid"

	apperrors "github.com/legionhq/legiond/internal/common/errors"
	"github.com/legionhq/legiond/internal/store"
)

// CreateTemplate creates the first revision of a template.
func (s *Service) CreateTemplate(ctx context.Context, args CreateTemplateArgs) (*store.Template, error) {
	if args.Name == "" {
		return nil, apperrors.BadRequest("template name is required")
	}
	mode := args.PermissionMode
	if mode == "" {
		mode = store.PermissionDefault
	}
	if !store.ValidPermissionMode(mode) {
		return nil, apperrors.BadRequest("invalid permission mode")
	}
	id := uuid.New().String()
	tmpl := &store.Template{
		ID:             id,
		BaseID:         id,
		Revision:       1,
		Name:           args.Name,
		PermissionMode: mode,
		AllowedTools:   args.AllowedTools,
		Model:          args.Model,
		InitContext:    args.InitContext,
	}
	if err := s.store.CreateTemplate(tmpl); err != nil {
		return nil, err
	}
	return tmpl, nil
}

// GetTemplate returns a template revision by id.
func (s *Service) GetTemplate(ctx context.Context, id string) (*store.Template, error) {
	return s.store.GetTemplate(id)
}

// ListTemplates returns every template revision.
func (s *Service) ListTemplates(ctx context.Context) []*store.Template {
	return s.store.ListTemplates()
}

// UpdateTemplate creates a new revision; templates are immutable by
// identity, so existing sessions keep referencing the revision they were
// created from.
func (s *Service) UpdateTemplate(ctx context.Context, id string, args CreateTemplateArgs) (*store.Template, error) {
	cur, err := s.store.GetTemplate(id)
	if err != nil {
		return nil, err
	}
	name := args.Name
	if name == "" {
		name = cur.Name
	}
	mode := args.PermissionMode
	if mode == "" {
		mode = cur.PermissionMode
	}
	if !store.ValidPermissionMode(mode) {
		return nil, apperrors.BadRequest("invalid permission mode")
	}
	next := &store.Template{
		ID:             uuid.New().String(),
		BaseID:         cur.BaseID,
		Revision:       cur.Revision + 1,
		Name:           name,
		PermissionMode: mode,
		AllowedTools:   args.AllowedTools,
		Model:          args.Model,
		InitContext:    args.InitContext,
	}
	if err := s.store.CreateTemplate(next); err != nil {
		return nil, err
	}
	return next, nil
}

// DeleteTemplate removes a template revision.
func (s *Service) DeleteTemplate(ctx context.Context, id string) error {
	return s.store.DeleteTemplate(id)
}
