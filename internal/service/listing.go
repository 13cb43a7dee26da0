package service

import (
	"context"
	"fmt"

	"shopcore/backend/internal/domain"
	"shopcore/backend/internal/query"
	"shopcore/backend/internal/store"
)

// List runs the query engine for entity within the caller's shop. A shop key
// in the request filter is ignored.
func (s *Service) List(ctx context.Context, entityName string, req query.Request) (domain.ResponsePayload, error) {
	entity, err := s.registry.Lookup(entityName)
	if err != nil {
		return domain.ResponsePayload{}, err
	}
	if entity.Collection == domain.CollectionAuditLogs {
		if _, err := s.requireAdmin(ctx); err != nil {
			return domain.ResponsePayload{}, err
		}
	}

	if len(req.Filter) > 0 {
		filter := make(map[string]any, len(req.Filter))
		for k, v := range req.Filter {
			if k != "shop" {
				filter[k] = v
			}
		}
		req.Filter = filter
	}
	return s.engine.List(ctx, entity, req, store.Eq("shop", s.actor(ctx).Shop))
}

// Archive moves the caller's shop documents into the entity's archive log.
func (s *Service) Archive(ctx context.Context, entityName string, ids []string) (domain.ResponsePayload, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.ResponsePayload{}, err
	}
	entity, err := s.registry.Lookup(entityName)
	if err != nil {
		return domain.ResponsePayload{}, err
	}

	result, err := s.archiver.ArchiveDelete(ctx, entity, actor.Shop, ids, actor.ID)
	if err != nil {
		return domain.ResponsePayload{}, err
	}
	s.logAudit(ctx, actor.Shop, "archive", entity.Name, joinIDs(result.IDs), fmt.Sprintf("count=%d", result.Count))
	count := int64(result.Count)
	return domain.ResponsePayload{
		Success: true,
		Message: fmt.Sprintf("%d %s archived", result.Count, entity.Name),
		Data:    result,
		Count:   &count,
	}, nil
}

func (s *Service) Restore(ctx context.Context, entityName string, ids []string) (domain.ResponsePayload, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.ResponsePayload{}, err
	}
	entity, err := s.registry.Lookup(entityName)
	if err != nil {
		return domain.ResponsePayload{}, err
	}

	result, err := s.archiver.Restore(ctx, entity, actor.Shop, ids)
	if err != nil {
		return domain.ResponsePayload{}, err
	}
	count := int64(result.Count)
	if result.Count == 0 {
		return domain.ResponsePayload{Success: true, Message: "nothing to restore", Data: result, Count: &count}, nil
	}
	s.logAudit(ctx, actor.Shop, "restore", entity.Name, joinIDs(result.IDs), fmt.Sprintf("count=%d", result.Count))
	return domain.ResponsePayload{
		Success: true,
		Message: fmt.Sprintf("%d %s restored", result.Count, entity.Name),
		Data:    result,
		Count:   &count,
	}, nil
}

func joinIDs(ids []string) string {
	if len(ids) == 1 {
		return ids[0]
	}
	return fmt.Sprintf("%s (+%d)", ids[0], len(ids)-1)
}
