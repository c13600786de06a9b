package datastore

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/pmassist/pkg/models"
)

// SeedFile is the YAML layout accepted by LoadSeed.
type SeedFile struct {
	Projects []SeedProject `yaml:"projects"`
}

// SeedProject groups the records of one project.
type SeedProject struct {
	ID      string       `yaml:"id"`
	Records []SeedRecord `yaml:"records"`
}

// SeedRecord is one record in a seed file.
type SeedRecord struct {
	ID         string         `yaml:"id"`
	Kind       string         `yaml:"kind"`
	RefCode    string         `yaml:"ref"`
	Title      string         `yaml:"title"`
	Status     string         `yaml:"status"`
	ResourceID string         `yaml:"resource_id"`
	PartnerID  string         `yaml:"partner_id"`
	Fields     map[string]any `yaml:"fields"`
}

// LoadSeed reads a YAML seed file and creates its records in store.
func LoadSeed(ctx context.Context, store Store, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed: %w", err)
	}
	return LoadSeedBytes(ctx, store, data)
}

// LoadSeedBytes is LoadSeed for in-memory content.
func LoadSeedBytes(ctx context.Context, store Store, data []byte) (int, error) {
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("parse seed: %w", err)
	}

	created := 0
	for _, project := range seed.Projects {
		if project.ID == "" {
			return created, fmt.Errorf("seed project missing id")
		}
		for i, sr := range project.Records {
			kind, err := models.ParseEntityKind(sr.Kind)
			if err != nil {
				return created, fmt.Errorf("project %s record %d: %w", project.ID, i, err)
			}
			if sr.Title == "" {
				return created, fmt.Errorf("project %s record %d: title is required", project.ID, i)
			}
			fields := sr.Fields
			if kind == models.KindRAID {
				if _, ok := fields["category"]; !ok {
					if fields == nil {
						fields = map[string]any{}
					}
					fields["category"] = raidCategory(sr.Kind)
				}
			}
			rec := models.Record{
				ID:         sr.ID,
				Kind:       kind,
				ProjectID:  project.ID,
				RefCode:    sr.RefCode,
				Title:      sr.Title,
				Status:     sr.Status,
				ResourceID: sr.ResourceID,
				PartnerID:  sr.PartnerID,
				Fields:     fields,
			}
			if _, err := store.Create(ctx, rec); err != nil {
				return created, fmt.Errorf("project %s record %q: %w", project.ID, sr.Title, err)
			}
			created++
		}
	}
	return created, nil
}

func raidCategory(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "assumption":
		return models.RAIDAssumption
	case "issue", "issues":
		return models.RAIDIssue
	case "dependency":
		return models.RAIDDependency
	default:
		return models.RAIDRisk
	}
}
