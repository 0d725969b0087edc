// Package template defines saga template lookups consumed by the state
// machine. Templates are read-only content: the engine never mutates them.
package template

import (
	"strings"

	apperrors "github.com/emberveil/sagalog/internal/platform/errors"
)

// TriggerDef declares a trigger known to a template. Every declared trigger
// is seeded into initial state so derived state has no missing keys.
type TriggerDef struct {
	Ref  string `yaml:"ref"`
	Name string `yaml:"name"`
}

// EntityDef declares a spawnable entity and its health ceiling.
type EntityDef struct {
	Ref       string `yaml:"ref"`
	Name      string `yaml:"name"`
	MaxHealth int    `yaml:"max_health"`
}

// QuestDef declares a quest arc and its final stage.
type QuestDef struct {
	Ref        string `yaml:"ref"`
	Name       string `yaml:"name"`
	FinalStage int    `yaml:"final_stage"`
}

// RewardDef declares the one-time reward granted on first visit to a target.
type RewardDef struct {
	TargetRef string         `yaml:"target_ref"`
	Items     map[string]int `yaml:"items"`
	Traits    []string       `yaml:"traits"`
	Currency  int            `yaml:"currency"`
}

// Template is one saga definition: the triggers, entities, quests, and
// first-visit rewards a replay can resolve against.
type Template struct {
	Ref      string       `yaml:"ref"`
	Name     string       `yaml:"name"`
	Triggers []TriggerDef `yaml:"triggers"`
	Entities []EntityDef  `yaml:"entities"`
	Quests   []QuestDef   `yaml:"quests"`
	Rewards  []RewardDef  `yaml:"rewards"`
}

// Entity resolves an entity definition by ref.
func (t Template) Entity(ref string) (EntityDef, bool) {
	for _, def := range t.Entities {
		if def.Ref == ref {
			return def, true
		}
	}
	return EntityDef{}, false
}

// Trigger resolves a trigger definition by ref.
func (t Template) Trigger(ref string) (TriggerDef, bool) {
	for _, def := range t.Triggers {
		if def.Ref == ref {
			return def, true
		}
	}
	return TriggerDef{}, false
}

// Quest resolves a quest definition by ref.
func (t Template) Quest(ref string) (QuestDef, bool) {
	for _, def := range t.Quests {
		if def.Ref == ref {
			return def, true
		}
	}
	return QuestDef{}, false
}

// VisitReward resolves the first-visit reward for a target, if any.
func (t Template) VisitReward(targetRef string) (RewardDef, bool) {
	for _, def := range t.Rewards {
		if def.TargetRef == targetRef {
			return def, true
		}
	}
	return RewardDef{}, false
}

// Validate checks structural template invariants before a template is served.
func (t Template) Validate() error {
	if strings.TrimSpace(t.Ref) == "" {
		return apperrors.New(apperrors.CodeTemplateInvalid, "template ref is required")
	}
	seen := map[string]struct{}{}
	for _, def := range t.Triggers {
		if strings.TrimSpace(def.Ref) == "" {
			return apperrors.WithMetadata(apperrors.CodeTemplateInvalid,
				"trigger ref is required", map[string]string{"template": t.Ref})
		}
		if _, dup := seen["trigger/"+def.Ref]; dup {
			return apperrors.WithMetadata(apperrors.CodeTemplateInvalid,
				"duplicate trigger ref", map[string]string{"template": t.Ref, "ref": def.Ref})
		}
		seen["trigger/"+def.Ref] = struct{}{}
	}
	for _, def := range t.Entities {
		if strings.TrimSpace(def.Ref) == "" {
			return apperrors.WithMetadata(apperrors.CodeTemplateInvalid,
				"entity ref is required", map[string]string{"template": t.Ref})
		}
		if def.MaxHealth <= 0 {
			return apperrors.WithMetadata(apperrors.CodeTemplateInvalid,
				"entity max health must be positive",
				map[string]string{"template": t.Ref, "ref": def.Ref})
		}
		if _, dup := seen["entity/"+def.Ref]; dup {
			return apperrors.WithMetadata(apperrors.CodeTemplateInvalid,
				"duplicate entity ref", map[string]string{"template": t.Ref, "ref": def.Ref})
		}
		seen["entity/"+def.Ref] = struct{}{}
	}
	for _, def := range t.Quests {
		if strings.TrimSpace(def.Ref) == "" {
			return apperrors.WithMetadata(apperrors.CodeTemplateInvalid,
				"quest ref is required", map[string]string{"template": t.Ref})
		}
	}
	return nil
}

// Catalog is the read-only template lookup the engine consumes.
type Catalog interface {
	// Template resolves a template by ref. Returns an error carrying
	// CodeTemplateNotFound when the ref is unknown.
	Template(ref string) (Template, error)
}

// NotFound constructs the canonical unknown-template error.
func NotFound(ref string) error {
	return apperrors.WithMetadata(apperrors.CodeTemplateNotFound,
		"template not found", map[string]string{"ref": ref})
}
