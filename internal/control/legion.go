package control

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/legionhq/legiond/internal/legion"
	"github.com/legionhq/legiond/internal/store"
)

// ListMinions lists the legion's non-disposed minions.
func (s *Service) ListMinions(ctx context.Context, legionID string) ([]*legion.MinionInfo, error) {
	return s.coord.ListMinions(legionID)
}

// GetHierarchy returns the minion parent/child tree.
func (s *Service) GetHierarchy(ctx context.Context, legionID string) ([]*legion.HierarchyNode, error) {
	return s.coord.Hierarchy(legionID)
}

// SendComm routes a typed message within a legion.
func (s *Service) SendComm(ctx context.Context, legionID string, args SendCommArgs) (*legion.Comm, error) {
	ctx, span := s.tracer.Start(ctx, "control.SendComm")
	defer span.End()

	from := args.From
	if from == "" {
		from = legion.OrchestratorRecipient
	}
	comm, err := s.router.Send(ctx, legionID, legion.SendArgs{
		From:     from,
		To:       args.To,
		Kind:     args.Kind,
		Summary:  args.Summary,
		Body:     args.Body,
		Priority: args.Priority,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("comm_id", comm.ID))
	return comm, nil
}

// HaltAll interrupts every active minion and latches the halt flag.
func (s *Service) HaltAll(ctx context.Context, legionID string) error {
	return s.coord.HaltAll(legionID)
}

// ResumeAll clears the halt flag and resumes queues.
func (s *Service) ResumeAll(ctx context.Context, legionID string) error {
	return s.coord.ResumeAll(legionID)
}

// CreateMinion spawns a minion from a template under a parent session.
func (s *Service) CreateMinion(ctx context.Context, legionID string, args CreateMinionArgs) (*store.Session, error) {
	ctx, span := s.tracer.Start(ctx, "control.CreateMinion")
	defer span.End()

	return s.coord.Spawn(ctx, legion.SpawnArgs{
		LegionID:   legionID,
		ParentID:   args.ParentID,
		TemplateID: args.TemplateID,
		Name:       args.Name,
		Role:       args.Role,
		Context:    args.Context,
	})
}

// DisposeMinion terminates a minion and removes it from the name map.
func (s *Service) DisposeMinion(ctx context.Context, legionID, name, knowledge string) error {
	return s.coord.Dispose(ctx, legionID, name, knowledge)
}
