// Package eval scores investigations against a scenario with a known root
// cause.
//
// A scenario pairs the ground truth planted by the warehouse seeder with a
// set of questions of increasing difficulty. Each question is investigated
// from scratch and the resulting report is scored on:
//
//   - root cause recall: platform, region, app version and date named
//   - deployment match: the culprit release is correlated
//   - segment hits: the platform and country appear as affected segments
//
// A case passes when the root cause names the platform and region and the
// release is matched. The run passes when at least half the cases do.
package eval

import (
	"embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kubilitics/metric-investigator/internal/models"
)

//go:embed scenarios/*.yaml
var scenarioFS embed.FS

// DefaultScenario matches the dataset written by the warehouse seeder.
const DefaultScenario = "dau_drop"

// GroundTruth is the planted cause of the anomaly.
type GroundTruth struct {
	Platform     string `yaml:"platform" json:"platform"`
	Country      string `yaml:"country" json:"country"`
	CountryName  string `yaml:"country_name" json:"country_name"`
	AppVersion   string `yaml:"app_version" json:"app_version"`
	DeploymentID string `yaml:"deployment_id" json:"deployment_id"`
	AnomalyDate  string `yaml:"anomaly_date" json:"anomaly_date"`
}

// Case is one question asked of the investigator.
type Case struct {
	ID         string `yaml:"id" json:"id"`
	Query      string `yaml:"query" json:"query"`
	Difficulty string `yaml:"difficulty" json:"difficulty"`
}

// Scenario is a ground truth and the cases scored against it.
type Scenario struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description" json:"description"`
	GroundTruth GroundTruth `yaml:"ground_truth" json:"ground_truth"`
	Cases       []Case      `yaml:"cases" json:"cases"`
}

// LoadScenario reads an embedded scenario by name.
func LoadScenario(name string) (*Scenario, error) {
	data, err := scenarioFS.ReadFile("scenarios/" + name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("scenario %q not found (available: %s): %w",
			name, strings.Join(ListScenarios(), ", "), err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("parse scenario %q: %w", name, err)
	}
	return s, nil
}

// ListScenarios returns the names of all embedded scenarios, sorted.
func ListScenarios() []string {
	entries, _ := scenarioFS.ReadDir("scenarios")
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".yaml") {
			names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
		}
	}
	sort.Strings(names)
	return names
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the fields scoring depends on.
func (s *Scenario) Validate() error {
	gt := s.GroundTruth
	if gt.Platform == "" || gt.Country == "" || gt.DeploymentID == "" {
		return fmt.Errorf("ground truth needs platform, country and deployment_id")
	}
	if _, err := models.ParseDate(gt.AnomalyDate); err != nil {
		return fmt.Errorf("ground truth anomaly_date: %w", err)
	}
	if len(s.Cases) == 0 {
		return fmt.Errorf("scenario has no cases")
	}
	seen := map[string]bool{}
	for _, c := range s.Cases {
		if c.ID == "" || strings.TrimSpace(c.Query) == "" {
			return fmt.Errorf("every case needs an id and a query")
		}
		if seen[c.ID] {
			return fmt.Errorf("duplicate case id %q", c.ID)
		}
		seen[c.ID] = true
	}
	return nil
}

// Filter keeps only the cases whose id is in ids. An empty ids keeps all.
func (s *Scenario) Filter(ids []string) (*Scenario, error) {
	if len(ids) == 0 {
		return s, nil
	}
	byID := make(map[string]Case, len(s.Cases))
	for _, c := range s.Cases {
		byID[c.ID] = c
	}
	out := *s
	out.Cases = nil
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown case %q", id)
		}
		out.Cases = append(out.Cases, c)
	}
	return &out, nil
}
