package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tablesync/opstore/internal/store/docstore"
	"github.com/tablesync/opstore/internal/store/schema"
)

func newOpsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ops <collection> <doc-id>",
		GroupID: "inspect",
		Short:   "Print the stored operations of a document",
		Long: `Print the operations of a document stored at versions from..to-1.
--to 0 reads to the end of the log. The create operation is stored at
version 1.

Example:
  opstore ops rec_tbl1 rec1 --from 2 --to 5 -o yaml`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetInt64("from")
			to, _ := cmd.Flags().GetInt64("to")
			format, _ := cmd.Flags().GetString("output")

			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ops, err := a.store.GetOps(cmd.Context(), args[0], args[1], from, to, docstore.Options{})
			if err != nil {
				return err
			}
			if ops == nil {
				ops = []*schema.RawOp{}
			}
			return writeOutput(cmd.OutOrStdout(), format, ops)
		},
	}
	cmd.Flags().Int64("from", 0, "first version (inclusive)")
	cmd.Flags().Int64("to", 0, "first version not printed, 0 for the latest")
	addOutputFlag(cmd)
	return cmd
}

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "snapshot <collection> <doc-id>...",
		GroupID: "inspect",
		Short:   "Print document snapshots",
		Long: `Print the current snapshot of one or more documents. Documents that
were never created are printed with version 0 and no data.

Example:
  opstore snapshot rec_tbl1 rec1 rec2 --fields fldA`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, _ := cmd.Flags().GetStringSlice("fields")
			format, _ := cmd.Flags().GetString("output")

			var projection schema.Projection
			if len(fields) > 0 {
				projection = make(schema.Projection, len(fields))
				for _, f := range fields {
					projection[f] = true
				}
			}

			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ids := args[1:]
			snaps, err := a.store.GetSnapshotBulk(cmd.Context(), args[0], ids, projection, docstore.Options{})
			if err != nil {
				return err
			}
			ordered := make([]schema.Snapshot, 0, len(ids))
			for _, id := range ids {
				ordered = append(ordered, snaps[id])
			}
			return writeOutput(cmd.OutOrStdout(), format, ordered)
		},
	}
	cmd.Flags().StringSlice("fields", nil, "only include these keys (record field ids for records)")
	addOutputFlag(cmd)
	return cmd
}

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "query <collection>",
		GroupID: "inspect",
		Short:   "Query the documents of a collection",
		Long: `Run a query over a collection and print the matching snapshots, or only
their ids with --ids.

--where takes key=value pairs; values that parse as JSON (numbers, true,
false, null, quoted strings) are compared as such, anything else as a string.
--order takes a key, optionally suffixed with :desc.

Example:
  opstore query fld_tbl1 --where type=singleLineText --order name
  opstore query rec_tbl1 --where fldStatus=done --limit 10 --ids`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			where, _ := cmd.Flags().GetStringArray("where")
			order, _ := cmd.Flags().GetStringArray("order")
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			idsOnly, _ := cmd.Flags().GetBool("ids")
			format, _ := cmd.Flags().GetString("output")

			q, err := buildQuery(where, order)
			if err != nil {
				return err
			}
			q.Limit = limit
			q.Offset = offset

			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if idsOnly {
				ids, err := a.store.QueryPoll(cmd.Context(), args[0], q, docstore.Options{})
				if err != nil {
					return err
				}
				if ids == nil {
					ids = []string{}
				}
				return writeOutput(cmd.OutOrStdout(), format, ids)
			}

			snaps, err := a.store.Query(cmd.Context(), args[0], q, nil, docstore.Options{})
			if err != nil {
				return err
			}
			if snaps == nil {
				snaps = []schema.Snapshot{}
			}
			return writeOutput(cmd.OutOrStdout(), format, snaps)
		},
	}
	cmd.Flags().StringArray("where", nil, "equality filter key=value (repeatable)")
	cmd.Flags().StringArray("order", nil, "sort key, key:desc for descending (repeatable)")
	cmd.Flags().Int("limit", 0, "maximum number of results, 0 for all")
	cmd.Flags().Int("offset", 0, "number of results to skip")
	cmd.Flags().Bool("ids", false, "print only document ids")
	addOutputFlag(cmd)
	return cmd
}

func buildQuery(where, order []string) (schema.Query, error) {
	var q schema.Query
	for _, w := range where {
		key, raw, ok := strings.Cut(w, "=")
		if !ok || key == "" {
			return q, fmt.Errorf("invalid --where %q, want key=value", w)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		if q.Where == nil {
			q.Where = make(map[string]any)
		}
		q.Where[key] = value
	}
	for _, o := range order {
		key, dir, _ := strings.Cut(o, ":")
		switch dir {
		case "", "asc":
			q.OrderBy = append(q.OrderBy, schema.Sort{Key: key})
		case "desc":
			q.OrderBy = append(q.OrderBy, schema.Sort{Key: key, Desc: true})
		default:
			return q, fmt.Errorf("invalid --order %q, want key or key:desc", o)
		}
	}
	return q, nil
}
