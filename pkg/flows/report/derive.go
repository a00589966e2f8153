package report

import (
	"strings"

	"github.com/opgroeien/flowd/pkg/models"
)

// clusterKey maps a procedure id prefix to the cluster it belongs to.
// The safe key doubles as the cluster's file_id.
type clusterKey struct {
	Department string
	Topic      string
	SafeKey    string
}

var clusterKeys = map[string]clusterKey{
	"PR-KO": {"Kinderopvang", "Organisatie van de opvang", "kinderopvang"},
	"PR-JH": {"Jeugdhulp", "Trajecten jeugdhulp", "jeugdhulp"},
	"PR-GP": {"Gezinsbijslag", "Toekenning groeipakket", "groeipakket"},
	"PR-AV": {"Personeel", "Aanwezigheid en verlof", "aanwezigheid_verlof"},
	"PR-PZ": {"Personeel", "Personeelszaken", "personeelszaken"},
	"PR-IT": {"ICT", "Informatiebeheer", "informatiebeheer"},
	"RG":    {"Juridische dienst", "Regelgeving", "regelgeving"},
}

// DeriveClusters groups procedures by their id prefix, in first-seen
// order. Unknown prefixes form their own cluster keyed on the
// lowercased prefix.
func DeriveClusters(procedures []models.Procedure) []models.Cluster {
	var order []string
	byKey := make(map[string]*models.Cluster)

	for _, proc := range procedures {
		key := keyFor(proc.ID)
		cluster, ok := byKey[key.SafeKey]
		if !ok {
			cluster = &models.Cluster{
				FileID:         key.SafeKey,
				DepartmentName: key.Department,
				TopicName:      key.Topic,
			}
			byKey[key.SafeKey] = cluster
			order = append(order, key.SafeKey)
		}
		cluster.Procedures = append(cluster.Procedures, proc)
	}

	out := make([]models.Cluster, 0, len(order))
	for _, safeKey := range order {
		out = append(out, *byKey[safeKey])
	}
	return out
}

// keyFor resolves the cluster key for a procedure id such as
// "PR-AV-001": the prefix is the id minus its trailing numeric segment.
func keyFor(id string) clusterKey {
	prefix := id
	if i := strings.LastIndex(id, "-"); i > 0 && isNumeric(id[i+1:]) {
		prefix = id[:i]
	}
	if key, ok := clusterKeys[prefix]; ok {
		return key
	}
	safe := strings.ToLower(strings.NewReplacer("-", "_", " ", "_").Replace(prefix))
	if safe == "" {
		safe = "overig"
	}
	return clusterKey{Department: "Onbekend", Topic: prefix, SafeKey: safe}
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
