package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"bitten-master/src/contracts"
)

// withEnv opens the store for the duration of fn.
func withEnv(a *app, fn func(e *env) error) error {
	e, err := a.open()
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e)
}

// describe prints field errors one per line under the error itself.
func describe(err error) error {
	var ve *contracts.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	var b strings.Builder
	b.WriteString("invalid input:")
	for _, f := range ve.Fields {
		fmt.Fprintf(&b, "\n  %s: %s", f.Field, f.Message)
	}
	return errors.New(b.String())
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage build configurations",
	}

	var cfg contracts.Configuration
	var recipeFile string
	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Create a build configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Name = args[0]
			if recipeFile != "" {
				data, err := os.ReadFile(recipeFile)
				if err != nil {
					return fmt.Errorf("failed to read recipe: %w", err)
				}
				cfg.Recipe = string(data)
			}
			return withEnv(a, func(e *env) error {
				created, err := e.admin.CreateConfig(cmd.Context(), cfg)
				if err != nil {
					return describe(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created configuration %s (%s)\n", created.Name, created.Path)
				return nil
			})
		},
	}
	add.Flags().StringVar(&cfg.Path, "path", "", "repository path the configuration builds")
	add.Flags().StringVar(&cfg.Label, "label", "", "display label (defaults to the name)")
	add.Flags().StringVar(&cfg.Description, "description", "", "description")
	add.Flags().StringVar(&recipeFile, "recipe", "", "file holding the build recipe")
	add.Flags().StringVar(&cfg.MinRev, "min-rev", "", "oldest revision to build")
	add.Flags().StringVar(&cfg.MaxRev, "max-rev", "", "youngest revision to build")
	add.Flags().BoolVar(&cfg.Active, "active", false, "activate the configuration")

	list := &cobra.Command{
		Use:   "list",
		Short: "List build configurations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(a, func(e *env) error {
				configs, err := e.store.ListConfigs(cmd.Context())
				if err != nil {
					return err
				}
				t := table.New().
					Border(lipgloss.NormalBorder()).
					Headers("NAME", "LABEL", "PATH", "ACTIVE", "PLATFORMS")
				for _, c := range configs {
					platforms, err := e.store.ListPlatforms(cmd.Context(), c.Name)
					if err != nil {
						return err
					}
					names := make([]string, len(platforms))
					for i, p := range platforms {
						names[i] = fmt.Sprintf("%s (#%d)", p.Name, p.ID)
					}
					t.Row(c.Name, c.Label, c.Path, strconv.FormatBool(c.Active), strings.Join(names, ", "))
				}
				fmt.Fprintln(cmd.OutOrStdout(), t.Render())
				return nil
			})
		},
	}

	remove := &cobra.Command{
		Use:   "remove NAME",
		Short: "Delete a build configuration with its platforms and builds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(a, func(e *env) error {
				if err := e.admin.DeleteConfig(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted configuration %s\n", args[0])
				return nil
			})
		},
	}

	setActive := func(use, short, done string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " NAME...",
			Short: short,
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEnv(a, func(e *env) error {
					if err := e.admin.SetActive(cmd.Context(), args, active); err != nil {
						return describe(err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", done, strings.Join(args, ", "))
					return nil
				})
			},
		}
	}

	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Create configurations and platforms from a YAML file",
		Long: `Creates configurations and their platforms from a YAML file:

  configurations:
    - name: linux-build
      path: /trunk
      active: true
      recipe: |
        steps:
          - id: compile
            run: make
      platforms:
        - name: linux
          rules:
            - property: family
              pattern: posix

Nothing is created unless every entry is valid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			return withEnv(a, func(e *env) error {
				n, err := e.admin.Import(cmd.Context(), data)
				if err != nil {
					return describe(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d configurations\n", n)
				return nil
			})
		},
	}

	cmd.AddCommand(add, list, remove,
		setActive("activate", "Activate configurations", "Activated", true),
		setActive("deactivate", "Deactivate configurations", "Deactivated", false),
		importCmd)
	return cmd
}

// parseRules reads property=pattern pairs.
func parseRules(specs []string) ([]contracts.Rule, error) {
	rules := make([]contracts.Rule, 0, len(specs))
	for _, s := range specs {
		prop, pattern, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("rule %q is not property=pattern: %w", s, contracts.ErrInvalid)
		}
		rules = append(rules, contracts.Rule{Property: strings.TrimSpace(prop), Pattern: pattern})
	}
	return rules, nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, len(args))
	for i, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", arg, contracts.ErrInvalid)
		}
		ids[i] = id
	}
	return ids, nil
}

func newPlatformCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "platform",
		Short: "Manage target platforms of configurations",
	}

	var ruleSpecs []string
	add := &cobra.Command{
		Use:   "add CONFIG NAME",
		Short: "Add a target platform to a configuration",
		Example: `  bitten-master platform add linux-build linux --rule family=posix --rule 'os=Linux|FreeBSD'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := parseRules(ruleSpecs)
			if err != nil {
				return err
			}
			return withEnv(a, func(e *env) error {
				p, err := e.admin.AddPlatform(cmd.Context(), contracts.Platform{Config: args[0], Name: args[1], Rules: rules})
				if err != nil {
					return describe(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added platform %s (#%d) to %s\n", p.Name, p.ID, p.Config)
				return nil
			})
		},
	}
	add.Flags().StringArrayVar(&ruleSpecs, "rule", nil, "property=pattern rule (repeatable)")

	remove := &cobra.Command{
		Use:   "remove ID...",
		Short: "Remove target platforms",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withEnv(a, func(e *env) error {
				if err := e.admin.RemovePlatforms(cmd.Context(), ids); err != nil {
					return describe(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d platforms\n", len(ids))
				return nil
			})
		},
	}

	cmd.AddCommand(add, remove)
	return cmd
}

func newBuildCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Manage builds",
	}
	invalidate := &cobra.Command{
		Use:   "invalidate ID",
		Short: "Discard the results of a build and queue it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withEnv(a, func(e *env) error {
				b, err := e.admin.InvalidateBuild(cmd.Context(), ids[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Build %d of %s [%s] is %s again\n", b.ID, b.Config, b.Rev, b.Status)
				return nil
			})
		},
	}
	cmd.AddCommand(invalidate)
	return cmd
}

// newOptionsCmd changes the options of a running master through its API.
// Options are process state, so the store cannot carry them.
func newOptionsCmd(a *app) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "options",
		Short: "Show or change the options of a running master",
	}
	cmd.PersistentFlags().StringVar(&url, "url", "http://localhost:8080", "base URL of the running master")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the active options",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return optionsRequest(cmd.OutOrStdout(), http.MethodGet, url, nil)
		},
	}
	set := &cobra.Command{
		Use:     "set KEY=VALUE...",
		Short:   "Change options",
		Example: `  bitten-master options set build_all=true slave_timeout_ms=1800000`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := make(map[string]string, len(args))
			for _, arg := range args {
				k, v, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("option %q is not key=value: %w", arg, contracts.ErrInvalid)
				}
				raw[k] = v
			}
			return optionsRequest(cmd.OutOrStdout(), http.MethodPatch, url, raw)
		},
	}
	cmd.AddCommand(show, set)
	return cmd
}

func optionsRequest(out io.Writer, method, baseURL string, body map[string]string) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, strings.TrimRight(baseURL, "/")+"/api/options", reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach master: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("master responded %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") != nil {
		pretty.Reset()
		pretty.Write(data)
	}
	fmt.Fprintln(out, pretty.String())
	return nil
}
