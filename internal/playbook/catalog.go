// SPDX-License-Identifier: Apache-2.0

package playbook

import (
	"context"
	"sort"
	"sync"

	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/google/uuid"
)

// Catalog is an in-memory playbook store for the CLI and tests.
type Catalog struct {
	mu        sync.RWMutex
	playbooks map[uuid.UUID]domain.Playbook
}

func NewCatalog() *Catalog {
	return &Catalog{playbooks: make(map[uuid.UUID]domain.Playbook)}
}

// Put normalizes pb and stores it, replacing any playbook with the same id.
func (c *Catalog) Put(pb domain.Playbook) (domain.Playbook, error) {
	if pb.ID == uuid.Nil {
		pb.ID = uuid.New()
	}
	normalized, err := Normalize(pb)
	if err != nil {
		return domain.Playbook{}, err
	}
	c.mu.Lock()
	c.playbooks[normalized.ID] = normalized
	c.mu.Unlock()
	return normalized, nil
}

func (c *Catalog) GetPlaybook(_ context.Context, id uuid.UUID) (domain.Playbook, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pb, ok := c.playbooks[id]
	if !ok {
		return domain.Playbook{}, domain.ErrPlaybookNotFound
	}
	return clone(pb), nil
}

// List returns all playbooks sorted by name.
func (c *Catalog) List() []domain.Playbook {
	c.mu.RLock()
	out := make([]domain.Playbook, 0, len(c.playbooks))
	for _, pb := range c.playbooks {
		out = append(out, clone(pb))
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
