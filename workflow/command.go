package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Command is `scanline validate`.
func Command() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "compile a workflow file and print its diagnostics",
		ArgsUsage: "[workflow.yml]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "ref",
				Usage: "ref to match the workflow against",
				Value: "refs/heads/" + DefaultBranch,
			},
			&cli.BoolFlag{
				Name:  "print",
				Usage: "print the workflow as yaml after validation",
			},
		},
		Action: validate,
	}
}

func validate(ctx context.Context, cmd *cli.Command) error {
	wf := Default()

	if path := cmd.Args().First(); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading workflow: %w", err)
		}
		wf, err = FromFile(filepath.Base(path), contents)
		if err != nil {
			return fmt.Errorf("parsing workflow: %w", err)
		}
	}

	c := Compiler{Trigger: Trigger{Kind: TriggerKindPush, Ref: cmd.String("ref")}}
	matched := c.Compile([]Workflow{wf})

	out := cmd.Root().Writer
	for _, e := range c.Diagnostics.Errors {
		fmt.Fprintln(out, e.String())
	}
	for _, w := range c.Diagnostics.Warnings {
		fmt.Fprintln(out, w.String())
	}

	if c.Diagnostics.IsErr() {
		return cli.Exit(fmt.Sprintf("%s: %d error(s)", wf.Name, len(c.Diagnostics.Errors)), 1)
	}

	if len(matched) == 0 {
		fmt.Fprintf(out, "%s: does not run for %s\n", wf.Name, cmd.String("ref"))
		return nil
	}

	if cmd.Bool("print") {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(wf); err != nil {
			return err
		}
		return enc.Close()
	}

	fmt.Fprintf(out, "%s: ok (%d steps)\n", wf.Name, len(wf.Steps))
	return nil
}
