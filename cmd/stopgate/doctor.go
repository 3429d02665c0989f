package main

import (
	"fmt"
	"os"
	osexec "os/exec"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/stopgate/internal/config"
	"github.com/ShayCichocki/stopgate/internal/orchestrator"
	"github.com/ShayCichocki/stopgate/internal/store"
	"github.com/ShayCichocki/stopgate/pkg/models"
)

// doctorReport describes how stopgate sees the project.
type doctorReport struct {
	ProjectRoot   string              `json:"project_root"`
	StateDir      string              `json:"state_dir"`
	ConfigSources []string            `json:"config_sources"`
	Ecosystems    []string            `json:"ecosystems"`
	Git           bool                `json:"git"`
	Commands      map[string][]string `json:"commands"`
	Custom        []string            `json:"custom_criteria"`
	RequiredSteps []string            `json:"required_steps"`
	Policies      map[string]bool     `json:"policies"`
	GraphIssues   []string            `json:"graph_issues"`
	Stats         bool                `json:"stats"`
	Warnings      []string            `json:"warnings"`
}

func (a *app) diagnose(eng *orchestrator.Engine) *doctorReport {
	project := eng.Project()
	r := &doctorReport{
		ProjectRoot:   project.RootPath,
		StateDir:      project.StateDir,
		ConfigSources: []string{"defaults"},
		Commands:      map[string][]string{},
		Custom:        []string{},
		RequiredSteps: eng.Executor().RequiredSteps(),
		Policies:      eng.Config().Policies,
		GraphIssues:   []string{},
		Warnings:      []string{},
	}

	if path := config.GetUserConfigPath(); fileExists(path) {
		r.ConfigSources = append(r.ConfigSources, path)
	}
	if path := config.GetProjectConfigPath(project.RootPath); path != "" {
		r.ConfigSources = append(r.ConfigSources, path)
	}
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "STOPGATE_") {
			r.ConfigSources = append(r.ConfigSources, "env:"+strings.SplitN(env, "=", 2)[0])
		}
	}

	for _, eco := range eng.Executor().Project().Ecosystems {
		r.Ecosystems = append(r.Ecosystems, string(eco))
	}
	if len(r.Ecosystems) == 0 {
		r.Ecosystems = []string{}
		r.Warnings = append(r.Warnings, "no ecosystem marker found (package.json, go.mod, pyproject.toml, Cargo.toml)")
	}

	_, err := osexec.LookPath("git")
	r.Git = err == nil
	if !r.Git {
		r.Warnings = append(r.Warnings, "git not found; caching falls back to file timestamps and snapshots cannot stash")
	}

	for _, c := range models.BuiltinCriteria() {
		if c == models.CriterionFocusedCodebase {
			continue
		}
		cands := eng.Executor().Candidates(c)
		if cands == nil {
			cands = []string{}
			r.Warnings = append(r.Warnings, fmt.Sprintf("%s: no command available; only a degradation policy can pass it", c))
		}
		r.Commands[c] = cands
	}
	for _, c := range eng.Executor().Custom() {
		r.Custom = append(r.Custom, c.ID)
	}

	if g, err := eng.Graph(); err != nil {
		r.GraphIssues = append(r.GraphIssues, err.Error())
	} else {
		r.GraphIssues = append(r.GraphIssues, g.ValidateGraph().Issues...)
	}

	_, err = eng.Stats()
	r.Stats = err == nil
	if !r.Stats {
		r.Warnings = append(r.Warnings, "execution statistics unavailable")
	}
	return r
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func printDoctor(a *app, r *doctorReport) {
	w := a.stdout
	fmt.Fprintf(w, "Project: %s\n", color.CyanString(r.ProjectRoot))
	fmt.Fprintf(w, "Config:  %s\n", strings.Join(r.ConfigSources, ", "))

	printHeading(w, "Environment")
	if len(r.Ecosystems) > 0 {
		printStatus(w, "✓", "Ecosystems: "+strings.Join(r.Ecosystems, ", "), color.FgGreen)
	} else {
		printStatus(w, "⚠", "No ecosystem detected", color.FgYellow)
	}
	if r.Git {
		printStatus(w, "✓", "Git found", color.FgGreen)
	} else {
		printStatus(w, "✗", "Git not found", color.FgRed)
	}
	if r.Stats {
		printStatus(w, "✓", "Statistics database available", color.FgGreen)
	} else {
		printStatus(w, "⚠", "Statistics database unavailable", color.FgYellow)
	}

	printHeading(w, "Criteria")
	ids := make([]string, 0, len(r.Commands))
	for id := range r.Commands {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if cmds := r.Commands[id]; len(cmds) > 0 {
			printStatus(w, "✓", fmt.Sprintf("%s: %s", id, cmds[0]), color.FgGreen)
		} else {
			printStatus(w, "⚠", id+": no command available", color.FgYellow)
		}
	}
	for _, id := range r.Custom {
		printStatus(w, "✓", id+" (custom)", color.FgGreen)
	}

	if len(r.GraphIssues) > 0 {
		printHeading(w, "Dependency graph")
		for _, issue := range r.GraphIssues {
			printStatus(w, "✗", issue, color.FgRed)
		}
	}
}

func (a *app) doctorCmd() *cobra.Command {
	var pretty bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Report detected ecosystems, available tools and config sources",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *orchestrator.Engine) error {
				r := a.diagnose(eng)
				if pretty {
					printDoctor(a, r)
					return nil
				}
				next := "stopgate start-authorization <agentId>"
				if len(r.GraphIssues) > 0 {
					next = "fix .stopgate/dependencies.yaml; planning uses the static grouping until then"
				}
				return a.respond(map[string]any{"doctor": r}, next)
			})
		},
	}
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Print coloured text instead of JSON")
	return cmd
}

func (a *app) stateDryRunCmd() *cobra.Command {
	var suggest, approve, implement []string
	cmd := &cobra.Command{
		Use:   "state-dry-run",
		Short: "Preview feature store changes without writing them",
		Long: `Apply feature changes to a copy of the shared state document and print the
resulting diff and focus violations. Nothing is persisted.

  stopgate state-dry-run --suggest auth=Login --approve auth --implement auth`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(suggest)+len(approve)+len(implement) == 0 {
				return fmt.Errorf("%w: pass at least one of --suggest, --approve, --implement", errUsage)
			}
			return a.withEngine(func(eng *orchestrator.Engine) error {
				res, err := eng.Store().DryRun(cmd.Context(), func(doc *store.Document) (any, error) {
					now := time.Now().UTC()
					for _, s := range suggest {
						id, title, _ := strings.Cut(s, "=")
						if err := doc.SuggestFeature(id, title); err != nil {
							return nil, fmt.Errorf("%w: %v", errUsage, err)
						}
					}
					for _, id := range approve {
						if err := doc.ApproveFeature(id, now); err != nil {
							return nil, fmt.Errorf("%w: %v", errUsage, err)
						}
					}
					for _, id := range implement {
						if err := doc.MarkImplemented(id, now); err != nil {
							return nil, fmt.Errorf("%w: %v", errUsage, err)
						}
					}
					return map[string]any{"focus_violations": nonNil(doc.FocusViolations())}, nil
				})
				if err != nil {
					return err
				}
				return a.respond(map[string]any{
					"result": res.Result,
					"diff":   res.Diff,
				}, "dry run only; nothing was written")
			})
		},
	}
	cmd.Flags().StringArrayVar(&suggest, "suggest", nil, "Suggest a feature as id=title")
	cmd.Flags().StringArrayVar(&approve, "approve", nil, "Approve a suggested feature")
	cmd.Flags().StringArrayVar(&implement, "implement", nil, "Mark a feature implemented")
	return cmd
}
