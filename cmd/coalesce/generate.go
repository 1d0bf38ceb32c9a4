package main

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/coalesce/pkg/arrowio"
	"github.com/ajitpratap0/coalesce/pkg/compression"
	"github.com/ajitpratap0/coalesce/pkg/errors"
	"github.com/ajitpratap0/coalesce/pkg/logger"
)

// sparseFactor is how many rows the backing array of a sparse batch holds
// for every row the batch exposes.
const sparseFactor = 16

// generateOptions describe a synthetic input file.
type generateOptions struct {
	Batches     int
	Rows        int
	StringWidth int
	Sparse      bool
}

var generatedSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "payload", Type: arrow.BinaryTypes.StringView, Nullable: true},
}, nil)

func newGenerateCmd(global *globalFlags) *cobra.Command {
	var output, algoName string
	opts := generateOptions{}

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a synthetic Arrow IPC file of small batches",
		Long: `Generate writes --batches record batches of --rows rows each. Every batch has
an int64 id column and a string view payload column of --string-width bytes.
With --sparse each batch is a narrow slice of a much larger array, so its
payload column keeps data buffers far bigger than the values it exposes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(global); err != nil {
				return err
			}
			algo, err := compression.ParseAlgorithm(algoName)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeValidation, "invalid --compression")
			}
			if err := generateFile(output, algo, opts, memory.DefaultAllocator); err != nil {
				return err
			}
			logger.Info("generated input",
				zap.String("path", output),
				zap.Int("batches", opts.Batches),
				zap.Int("rows", opts.Rows),
				zap.Bool("sparse", opts.Sparse))
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows in %d batches to %s\n",
				opts.Batches*opts.Rows, opts.Batches, output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file")
	cmd.Flags().StringVar(&algoName, "compression", "none", "Compression of the generated file")
	cmd.Flags().IntVar(&opts.Batches, "batches", 10, "Number of batches")
	cmd.Flags().IntVar(&opts.Rows, "rows", 8, "Rows per batch")
	cmd.Flags().IntVar(&opts.StringWidth, "string-width", 40, "Length of each payload value")
	cmd.Flags().BoolVar(&opts.Sparse, "sparse", false, "Emit slices of a larger array")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

// generateFile writes the synthetic batches described by opts to path.
func generateFile(path string, algo compression.Algorithm, opts generateOptions, mem memory.Allocator) error {
	if opts.Batches < 0 || opts.Rows < 0 || opts.StringWidth < 0 {
		return errors.New(errors.ErrorTypeValidation, "batches, rows and string width cannot be negative")
	}

	sink, err := arrowio.CreateIPCFile(path, generatedSchema, algo, compression.Default, mem)
	if err != nil {
		return err
	}
	defer sink.Close()

	var next int64
	for i := 0; i < opts.Batches; i++ {
		rec := generateBatch(mem, next, opts)
		next += int64(opts.Rows)
		err := sink.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	return sink.Close()
}

// generateBatch returns opts.Rows rows whose ids start at first. Every
// seventh payload is null.
func generateBatch(mem memory.Allocator, first int64, opts generateOptions) arrow.Record {
	rows := opts.Rows
	offset := 0
	if opts.Sparse {
		offset = rows * (sparseFactor / 2)
		rows *= sparseFactor
	}
	start := first - int64(offset)

	ids := array.NewInt64Builder(mem)
	defer ids.Release()
	payloads := array.NewStringViewBuilder(mem)
	defer payloads.Release()

	for i := 0; i < rows; i++ {
		id := start + int64(i)
		ids.Append(id)
		if id%7 == 6 {
			payloads.AppendNull()
			continue
		}
		payloads.Append(payload(id, opts.StringWidth))
	}

	idCol := ids.NewArray()
	defer idCol.Release()
	payloadCol := payloads.NewArray()
	defer payloadCol.Release()

	rec := array.NewRecord(generatedSchema, []arrow.Array{idCol, payloadCol}, int64(rows))
	if !opts.Sparse {
		return rec
	}
	defer rec.Release()
	return rec.NewSlice(int64(offset), int64(offset+opts.Rows))
}

// payload returns a value of width bytes derived from id.
func payload(id int64, width int) string {
	v := fmt.Sprintf("row-%d-", id)
	if len(v) >= width {
		return v[:width]
	}
	return v + strings.Repeat(string(rune('a'+id%26)), width-len(v))
}
