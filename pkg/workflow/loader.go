package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dukex/operion-engine/pkg/models"
	"gopkg.in/yaml.v3"
)

var definitionExtensions = []string{".yaml", ".yml", ".json"}

// LoadFlows reads flow definitions from path, either a single file or a
// directory of *.yaml, *.yml and *.json files (one flow per file, read in
// name order). JSON files are read with the YAML decoder.
func LoadFlows(path string) ([]*models.FlowDefinition, error) {
	files, err := definitionFiles(path)
	if err != nil {
		return nil, err
	}

	flows := make([]*models.FlowDefinition, 0, len(files))

	for _, file := range files {
		var def models.FlowDefinition
		if err := decodeFile(file, &def); err != nil {
			return nil, err
		}

		if def.ID == "" {
			def.ID = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		}

		if def.Name == "" {
			def.Name = def.ID
		}

		fillStepIDs(&def)
		flows = append(flows, &def)
	}

	return flows, nil
}

type cronFile struct {
	Entries []cronDocument `yaml:"cron"`
}

type cronDocument struct {
	models.CronJobEntry `yaml:",inline"`

	// Active defaults to true when omitted.
	Enabled *bool `yaml:"active"`
}

// LoadCronEntries reads cron entries from path (a file or a directory). Each
// file holds a "cron" list.
func LoadCronEntries(path string) ([]*models.CronJobEntry, error) {
	files, err := definitionFiles(path)
	if err != nil {
		return nil, err
	}

	var entries []*models.CronJobEntry

	for _, file := range files {
		var doc cronFile
		if err := decodeFile(file, &doc); err != nil {
			return nil, err
		}

		for _, d := range doc.Entries {
			entry := d.CronJobEntry
			entry.Active = d.Enabled == nil || *d.Enabled

			entries = append(entries, &entry)
		}
	}

	return entries, nil
}

func definitionFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions: %w", err)
	}

	if !info.IsDir() {
		return []string{path}, nil
	}

	dirEntries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions: %w", err)
	}

	files := make([]string, 0, len(dirEntries))

	for _, e := range dirEntries {
		if e.IsDir() || !slices.Contains(definitionExtensions, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}

		files = append(files, filepath.Join(path, e.Name()))
	}

	slices.Sort(files)

	return files, nil
}

func decodeFile(file string, out any) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", file, err)
	}

	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", file, err)
	}

	return nil
}
