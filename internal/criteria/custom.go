package criteria

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/stopgate/internal/exec"
	"github.com/ShayCichocki/stopgate/pkg/models"
)

// CustomCriterion is a project-defined rule from the custom criteria file.
type CustomCriterion struct {
	ID                string           `yaml:"id" json:"id"`
	Description       string           `yaml:"description" json:"description,omitempty"`
	Command           string           `yaml:"command" json:"command"`
	Timeout           time.Duration    `yaml:"timeout" json:"timeout,omitempty"`
	Retries           int              `yaml:"retries" json:"retries,omitempty"`
	RetryDelay        time.Duration    `yaml:"retry_delay" json:"retry_delay,omitempty"`
	Required          bool             `yaml:"required" json:"required"`
	DependsOn         []string         `yaml:"depends_on" json:"depends_on,omitempty"`
	EstimatedDuration time.Duration    `yaml:"estimated_duration" json:"estimated_duration,omitempty"`
	Success           SuccessPredicate `yaml:"success" json:"success"`

	patterns []*regexp.Regexp
}

// SuccessPredicate combines the checks a custom criterion must satisfy.
// Every populated field must hold.
type SuccessPredicate struct {
	ExitCodes         []int             `yaml:"exit_codes" json:"exit_codes,omitempty"`
	OutputContains    []string          `yaml:"output_contains" json:"output_contains,omitempty"`
	OutputNotContains []string          `yaml:"output_not_contains" json:"output_not_contains,omitempty"`
	OutputMatches     []string          `yaml:"output_matches" json:"output_matches,omitempty"`
	FilesExist        []string          `yaml:"files_exist" json:"files_exist,omitempty"`
	FileContains      map[string]string `yaml:"file_contains" json:"file_contains,omitempty"`
}

type customFile struct {
	Criteria []CustomCriterion `yaml:"criteria"`
}

// LoadCustom reads custom criteria from path. A missing file yields none.
func LoadCustom(path string) ([]CustomCriterion, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read custom criteria: %w", err)
	}
	return ParseCustom(data)
}

// ParseCustom decodes and validates a custom criteria document.
func ParseCustom(data []byte) ([]CustomCriterion, error) {
	var f customFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse custom criteria: %w", err)
	}

	seen := map[string]bool{}
	for i := range f.Criteria {
		c := &f.Criteria[i]
		c.ID = strings.TrimSpace(c.ID)
		switch {
		case c.ID == "":
			return nil, fmt.Errorf("custom criterion %d: id is required", i)
		case models.IsBuiltin(c.ID):
			return nil, fmt.Errorf("custom criterion %q: id collides with a built-in criterion", c.ID)
		case seen[c.ID]:
			return nil, fmt.Errorf("custom criterion %q: duplicate id", c.ID)
		case strings.TrimSpace(c.Command) == "":
			return nil, fmt.Errorf("custom criterion %q: command is required", c.ID)
		case c.Retries < 0:
			return nil, fmt.Errorf("custom criterion %q: retries must be >= 0", c.ID)
		}
		seen[c.ID] = true
		for _, expr := range c.Success.OutputMatches {
			re, err := regexp.Compile("(?m)" + expr)
			if err != nil {
				return nil, fmt.Errorf("custom criterion %q: output_matches %q: %w", c.ID, expr, err)
			}
			c.patterns = append(c.patterns, re)
		}
	}
	return f.Criteria, nil
}

// Criterion returns the planner node for c.
func (c CustomCriterion) Criterion() models.Criterion {
	return models.Criterion{
		ID:                c.ID,
		DependsOn:         c.DependsOn,
		EstimatedDuration: c.EstimatedDuration,
		Parallelizable:    true,
	}
}

// evaluate returns the failed checks for one run. Empty means success.
func (c CustomCriterion) evaluate(root string, res *exec.Result) []string {
	var failed []string
	output := string(res.Output)

	if res.TimedOut {
		return []string{fmt.Sprintf("timed out after %s", res.Duration.Round(time.Millisecond))}
	}

	codes := c.Success.ExitCodes
	if len(codes) == 0 {
		codes = []int{0}
	}
	codeOK := false
	for _, code := range codes {
		if res.ExitCode == code {
			codeOK = true
			break
		}
	}
	if !codeOK {
		failed = append(failed, fmt.Sprintf("exit code %d not in %v", res.ExitCode, codes))
	}

	for _, s := range c.Success.OutputContains {
		if !strings.Contains(output, s) {
			failed = append(failed, fmt.Sprintf("output missing %q", s))
		}
	}
	for _, s := range c.Success.OutputNotContains {
		if strings.Contains(output, s) {
			failed = append(failed, fmt.Sprintf("output contains forbidden %q", s))
		}
	}
	for _, re := range c.patterns {
		if !re.MatchString(output) {
			failed = append(failed, fmt.Sprintf("output does not match /%s/", strings.TrimPrefix(re.String(), "(?m)")))
		}
	}
	for _, rel := range c.Success.FilesExist {
		if _, err := os.Stat(resolve(root, rel)); err != nil {
			failed = append(failed, fmt.Sprintf("file %s does not exist", rel))
		}
	}
	files := make([]string, 0, len(c.Success.FileContains))
	for rel := range c.Success.FileContains {
		files = append(files, rel)
	}
	sort.Strings(files)
	for _, rel := range files {
		want := c.Success.FileContains[rel]
		data, err := os.ReadFile(resolve(root, rel))
		if err != nil {
			failed = append(failed, fmt.Sprintf("file %s unreadable", rel))
			continue
		}
		if !strings.Contains(string(data), want) {
			failed = append(failed, fmt.Sprintf("file %s missing %q", rel, want))
		}
	}
	return failed
}

func resolve(root, rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(root, rel)
}
