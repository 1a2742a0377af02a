package registry

import "github.com/dukex/operion-engine/pkg/protocol"

// StepInfo describes a registered step type.
type StepInfo struct {
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// Schema returns the configuration schema of stepType, if it publishes one.
func (r *Registry) Schema(stepType string) (map[string]any, bool) {
	step, err := r.Resolve(stepType)
	if err != nil {
		return nil, false
	}

	sp, ok := step.(protocol.SchemaProvider)
	if !ok {
		return nil, false
	}

	return sp.Schema(), true
}

// Describe lists every registered step type with its metadata.
func (r *Registry) Describe() []StepInfo {
	types := r.Types()
	infos := make([]StepInfo, 0, len(types))

	for _, t := range types {
		info := StepInfo{Type: t}

		step, err := r.Resolve(t)
		if err != nil {
			continue
		}

		if d, ok := step.(protocol.Describer); ok {
			info.Name = d.Name()
			info.Description = d.Description()
		}

		if sp, ok := step.(protocol.SchemaProvider); ok {
			info.Schema = sp.Schema()
		}

		infos = append(infos, info)
	}

	return infos
}
