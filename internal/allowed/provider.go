// Package allowed implements the allowed-items provider: per-user-group
// allow-lists of plan and device names, plus the argument schema used to
// validate a submitted item before it is ever inserted into the queue.
package allowed

import (
	"fmt"
	"os"
	"sync"

	"github.com/ksunden/bluesky-queueserver/internal/apierr"
	"github.com/ksunden/bluesky-queueserver/internal/common"
	"github.com/ksunden/bluesky-queueserver/internal/models"
	"github.com/pelletier/go-toml/v2"
)

// ItemSchema describes the accepted keyword-argument names for one plan.
// Names outside Required+Optional are rejected; every name in Required
// must be present in the submitted item's kwargs.
type ItemSchema struct {
	Required []string `toml:"required"`
	Optional []string `toml:"optional"`
}

func (s ItemSchema) allowedNames() map[string]bool {
	allowed := make(map[string]bool, len(s.Required)+len(s.Optional))
	for _, n := range s.Required {
		allowed[n] = true
	}
	for _, n := range s.Optional {
		allowed[n] = true
	}
	return allowed
}

// GroupConfig is the allow-list for a single user_group.
type GroupConfig struct {
	Plans       []string              `toml:"plans"`
	Devices     []string              `toml:"devices"`
	PlanSchemas map[string]ItemSchema `toml:"plan_schemas"`
}

type fileConfig struct {
	Groups map[string]GroupConfig `toml:"groups"`
}

// FileProvider loads per-group allow-lists from a TOML file on disk. It
// holds no mutable state beyond the cached lists, which are re-read whole
// by PermissionsReload.
type FileProvider struct {
	logger *common.Logger
	path   string

	mu     sync.RWMutex
	groups map[string]GroupConfig
}

// NewFileProvider loads the allow-list file at path.
func NewFileProvider(logger *common.Logger, path string) (*FileProvider, error) {
	p := &FileProvider{logger: logger, path: path, groups: make(map[string]GroupConfig)}
	if err := p.PermissionsReload(); err != nil {
		return nil, err
	}
	return p, nil
}

// PermissionsReload re-reads the allow-list file from disk.
func (p *FileProvider) PermissionsReload() error {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("failed to read allowed-items file %s: %w", p.path, err)
	}
	var cfg fileConfig
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("failed to parse allowed-items file %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.groups = cfg.Groups
	p.mu.Unlock()

	p.logger.Info().Str("path", p.path).Int("groups", len(cfg.Groups)).Msg("allowed-items permissions reloaded")
	return nil
}

func (p *FileProvider) group(userGroup string) (GroupConfig, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	g, ok := p.groups[userGroup]
	if !ok {
		return GroupConfig{}, apierr.Reference("unknown user_group %q", userGroup)
	}
	return g, nil
}

// AllowedPlans returns the set of plan names allowed for userGroup.
func (p *FileProvider) AllowedPlans(userGroup string) (map[string]bool, error) {
	g, err := p.group(userGroup)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(g.Plans))
	for _, n := range g.Plans {
		out[n] = true
	}
	return out, nil
}

// AllowedDevices returns the set of device names allowed for userGroup.
func (p *FileProvider) AllowedDevices(userGroup string) (map[string]bool, error) {
	g, err := p.group(userGroup)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(g.Devices))
	for _, n := range g.Devices {
		out[n] = true
	}
	return out, nil
}

// Validate checks item against the allow-list and argument schema for
// item.UserGroup. Instructions are validated against the closed set of
// recognized instruction names rather than the plan allow-list.
func (p *FileProvider) Validate(item models.Item) error {
	if item.ItemType == models.ItemTypeInstruction {
		if item.Name != models.InstructionQueueStop {
			return apierr.Validation("unrecognized instruction %q", item.Name)
		}
		return nil
	}
	if item.ItemType != models.ItemTypePlan {
		return apierr.Validation("unsupported item_type %q", item.ItemType)
	}

	g, err := p.group(item.UserGroup)
	if err != nil {
		return err
	}

	allowedPlan := false
	for _, n := range g.Plans {
		if n == item.Name {
			allowedPlan = true
			break
		}
	}
	if !allowedPlan {
		return apierr.Validation("plan %q is not allowed for user_group %q", item.Name, item.UserGroup)
	}

	schema, ok := g.PlanSchemas[item.Name]
	if !ok {
		return nil
	}
	allowedNames := schema.allowedNames()
	for k := range item.Kwargs {
		if !allowedNames[k] {
			return apierr.Validation("plan %q does not accept argument %q", item.Name, k)
		}
	}
	for _, req := range schema.Required {
		if _, ok := item.Kwargs[req]; !ok {
			return apierr.Validation("plan %q requires argument %q", item.Name, req)
		}
	}
	return nil
}
