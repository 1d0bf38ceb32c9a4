package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/coalesce/pkg/coalesce"
	"github.com/ajitpratap0/coalesce/pkg/errors"
	"github.com/ajitpratap0/coalesce/pkg/json"
	"github.com/ajitpratap0/coalesce/pkg/logger"
)

// planDescription is the JSON form of explain.
type planDescription struct {
	Node                string           `json:"node"`
	Display             string           `json:"display"`
	TargetBatchSize     int64            `json:"target_batch_size"`
	Fetch               *int64           `json:"fetch,omitempty"`
	Partitions          int              `json:"partitions"`
	MaintainsInputOrder bool             `json:"maintains_input_order"`
	Schema              []fieldDesc      `json:"schema"`
	Input               *planDescription `json:"input,omitempty"`
}

type fieldDesc struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

func newExplainCmd(global *globalFlags) *cobra.Command {
	var flags planFlags
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Show the plan run would execute",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, cfg); err != nil {
				return err
			}
			exec, err := flags.build(cfg, memory.DefaultAllocator, logger.With(zap.String("component", "coalesce-cli")))
			if err != nil {
				return err
			}
			if asJSON {
				if err := json.WriteIndented(cmd.OutOrStdout(), describe(exec)); err != nil {
					return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode plan")
				}
				return nil
			}
			printPlan(cmd.OutOrStdout(), exec)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the plan as JSON")
	return cmd
}

// printPlan writes one line per node, children indented below their parent.
func printPlan(w io.Writer, exec *coalesce.CoalesceBatchesExec) {
	fmt.Fprintln(w, exec.String())
	input := exec.Input()
	fmt.Fprintf(w, "  %s: partitions=%d\n", input.Name(), input.OutputPartitions())
	for _, f := range input.Schema().Fields() {
		fmt.Fprintf(w, "    %s: %s\n", f.Name, f.Type)
	}
}

func describe(exec *coalesce.CoalesceBatchesExec) *planDescription {
	d := &planDescription{
		Node:                exec.Name(),
		Display:             exec.String(),
		TargetBatchSize:     exec.TargetBatchSize(),
		Partitions:          exec.OutputPartitions(),
		MaintainsInputOrder: exec.MaintainsInputOrder(),
		Schema:              describeSchema(exec),
	}
	if fetch, ok := exec.Fetch(); ok {
		d.Fetch = &fetch
	}

	input := exec.Input()
	d.Input = &planDescription{
		Node:       input.Name(),
		Display:    fmt.Sprintf("%s: partitions=%d", input.Name(), input.OutputPartitions()),
		Partitions: input.OutputPartitions(),
	}
	return d
}

func describeSchema(exec *coalesce.CoalesceBatchesExec) []fieldDesc {
	fields := exec.Schema().Fields()
	out := make([]fieldDesc, len(fields))
	for i, f := range fields {
		out[i] = fieldDesc{
			Name:     f.Name,
			Type:     strings.ToLower(f.Type.String()),
			Nullable: f.Nullable,
		}
	}
	return out
}
