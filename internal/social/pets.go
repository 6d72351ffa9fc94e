package social

import (
	"context"

	"github.com/dogtale/companion-core/internal/cache"
	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/remote"
	"github.com/dogtale/companion-core/internal/uuid"
)

// PetService owns the signed-in user's pet profiles.
type PetService struct {
	*core
	cache *cache.Cache[models.Pet]
}

// NewPetService creates a PetService.
func NewPetService(deps Deps) *PetService {
	s := &PetService{
		core:  newCore(deps, remote.TablePets),
		cache: cache.New((*models.Pet).Clone),
	}
	s.orphan = s.HandlePush
	return s
}

// Load fetches ownerID's pets. When offline the last fetched list is used.
func (s *PetService) Load(ctx context.Context, ownerID string) ([]*models.Pet, error) {
	items, _, err := fetch(ctx, s.core, "pets:"+ownerID, func(ctx context.Context) ([]*models.Pet, error) {
		rows, err := s.deps.Remote.Select(ctx, remote.TablePets, remote.Filter{"owner_id": ownerID})
		if err != nil {
			return nil, err
		}
		return decodeRows[models.Pet](rows)
	})
	if err != nil {
		return nil, err
	}
	for _, p := range items {
		s.cache.Load(p.ID, p)
	}
	return items, nil
}

// Get returns the visible state of a pet.
func (s *PetService) Get(id string) (*models.Pet, bool) {
	return s.cache.Get(id)
}

// All returns every visible pet.
func (s *PetService) All() []*models.Pet {
	return s.cache.All()
}

// Entry returns the cache entry of a pet.
func (s *PetService) Entry(id string) (cache.Entry[models.Pet], bool) {
	return s.cache.View(id)
}

// Save creates or replaces a pet profile owned by actor.
func (s *PetService) Save(ctx context.Context, actor string, pet *models.Pet) (*models.Pet, error) {
	p := pet.Clone()
	op := models.OperationUpdate
	if p.ID == "" {
		p.ID = uuid.New()
		op = models.OperationInsert
	}
	if p.OwnerID == "" {
		p.OwnerID = actor
	}
	if p.OwnerID != actor {
		return nil, errors.New(errors.ErrPermission, "only the owner can edit a pet")
	}
	if existing, ok := s.cache.Get(p.ID); ok && existing.OwnerID != actor {
		return nil, errors.New(errors.ErrPermission, "only the owner can edit a pet")
	}
	p.UpdatedAt = s.now()
	if err := s.validateStruct(p); err != nil {
		return nil, err
	}

	opID := uuid.New()
	shown, err := s.cache.ApplyOptimistic(p.ID, opID, func(*models.Pet) (*models.Pet, error) {
		return p.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	err = s.write(ctx, mutation{
		table:      remote.TablePets,
		op:         op,
		row:        petRow(p),
		key:        opID,
		resourceID: p.ID,
		confirm: func(row remote.Row) {
			server := p.Clone()
			if decoded, err := decodeRow[models.Pet](row); err == nil && decoded.ID != "" {
				server = decoded
			}
			s.cache.Confirm(p.ID, opID, server)
		},
		reject: func(error) { s.cache.Reject(p.ID, opID) },
	})
	if err != nil {
		return nil, err
	}
	return shown, nil
}

// HandlePush applies a pushed pet change.
func (s *PetService) HandlePush(ev remote.Event) {
	if ev.Table != remote.TablePets {
		return
	}
	id := rowID(ev.Row())
	if id == "" {
		return
	}
	if ev.Type == remote.EventDelete {
		s.cache.ApplyPush(id, nil)
		return
	}
	p, err := decodeRow[models.Pet](ev.Record)
	if err != nil {
		return
	}
	s.cache.ApplyPush(id, p)
}

// Watch subscribes to changes on ownerID's pets.
func (s *PetService) Watch(ctx context.Context, feed remote.PushFeed, ownerID string) error {
	return watch(ctx, feed, remote.TablePets, remote.Filter{"owner_id": ownerID}, s.HandlePush)
}

// Reset drops every cached pet. Used on sign-out.
func (s *PetService) Reset() {
	s.cache.Clear()
	s.reset()
}
