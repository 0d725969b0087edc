package template

import (
	"errors"
	"testing"
	"testing/fstest"

	apperrors "github.com/emberveil/sagalog/internal/platform/errors"
)

const dragonLairYAML = `ref: dragon_lair
name: Dragon Lair
triggers:
  - ref: lair_entrance
    name: Lair Entrance
  - ref: treasure_vault
    name: Treasure Vault
entities:
  - ref: dragon
    name: Elder Dragon
    max_health: 100
quests:
  - ref: slay_the_dragon
    name: Slay the Dragon
    final_stage: 3
rewards:
  - target_ref: treasure_vault
    items:
      ancient_blade: 1
    traits:
      - dragonslayer
    currency: 500
`

func TestLoadYAMLCatalog(t *testing.T) {
	fsys := fstest.MapFS{
		"dragon_lair.yaml": &fstest.MapFile{Data: []byte(dragonLairYAML)},
	}

	catalog, err := LoadYAMLCatalog(fsys)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	tmpl, err := catalog.Template("dragon_lair")
	if err != nil {
		t.Fatalf("resolve template: %v", err)
	}
	if len(tmpl.Triggers) != 2 {
		t.Fatalf("expected 2 triggers, got %d", len(tmpl.Triggers))
	}
	entity, ok := tmpl.Entity("dragon")
	if !ok || entity.MaxHealth != 100 {
		t.Fatalf("unexpected entity %+v ok=%v", entity, ok)
	}
	reward, ok := tmpl.VisitReward("treasure_vault")
	if !ok || reward.Currency != 500 || reward.Items["ancient_blade"] != 1 {
		t.Fatalf("unexpected reward %+v ok=%v", reward, ok)
	}
	if refs := catalog.Refs(); len(refs) != 1 || refs[0] != "dragon_lair" {
		t.Fatalf("unexpected refs %v", refs)
	}
}

func TestLoadYAMLCatalogUnknownRef(t *testing.T) {
	catalog, err := LoadYAMLCatalog(fstest.MapFS{})
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	_, err = catalog.Template("missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, apperrors.New(apperrors.CodeTemplateNotFound, "")) {
		t.Fatalf("expected template-not-found code, got %v", err)
	}
}

func TestLoadYAMLCatalogRejectsInvalidTemplate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing ref", "name: No Ref\n"},
		{"zero max health", "ref: bad\nentities:\n  - ref: ghost\n    max_health: 0\n"},
		{"duplicate trigger", "ref: bad\ntriggers:\n  - ref: t1\n  - ref: t1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := fstest.MapFS{
				"bad.yaml": &fstest.MapFile{Data: []byte(tt.yaml)},
			}
			if _, err := LoadYAMLCatalog(fsys); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadYAMLCatalogRejectsDuplicateTemplateRef(t *testing.T) {
	fsys := fstest.MapFS{
		"a.yaml": &fstest.MapFile{Data: []byte("ref: same\n")},
		"b.yaml": &fstest.MapFile{Data: []byte("ref: same\n")},
	}
	if _, err := LoadYAMLCatalog(fsys); err == nil {
		t.Fatal("expected duplicate ref error")
	}
}
