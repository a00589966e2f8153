package report

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opgroeien/flowd/pkg/models"
)

// LoadProcedures reads the procedure corpus the report flow runs over.
// The file is a YAML (or JSON) list of procedures with id, title and
// content fields.
func LoadProcedures(path string) ([]models.Procedure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read procedures %s: %w", path, err)
	}
	var procedures []models.Procedure
	if err := yaml.Unmarshal(data, &procedures); err != nil {
		return nil, fmt.Errorf("parse procedures %s: %w", path, err)
	}
	if len(procedures) == 0 {
		return nil, fmt.Errorf("procedures %s: empty corpus", path)
	}
	for i, p := range procedures {
		if p.ID == "" {
			return nil, fmt.Errorf("procedures %s: entry %d has no id", path, i)
		}
	}
	return procedures, nil
}
