package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"recurd/internal/model"
	"recurd/internal/recur"
	"recurd/internal/service"
	"recurd/internal/store"
)

type occurrenceView struct {
	ID         string            `json:"id"`
	SeriesID   string            `json:"seriesId,omitempty"`
	Kind       model.Kind        `json:"kind"`
	OccursAt   string            `json:"occursAt"`
	IsPrimary  bool              `json:"isPrimary"`
	IsDetached bool              `json:"isDetached"`
	Cancelled  bool              `json:"cancelled,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

type seriesView struct {
	Series      store.Record     `json:"series"`
	Occurrences []occurrenceView `json:"occurrences"`
}

func viewOccurrences(occs []model.Occurrence, loc *time.Location) []occurrenceView {
	out := make([]occurrenceView, 0, len(occs))
	for _, o := range occs {
		out = append(out, occurrenceView{
			ID:         o.ID,
			SeriesID:   o.SeriesID,
			Kind:       o.Kind,
			OccursAt:   o.OccursAt.In(loc).Format(time.RFC3339),
			IsPrimary:  o.IsPrimary,
			IsDetached: o.IsDetached,
			Cancelled:  o.Cancelled,
			Fields:     o.Fields,
		})
	}
	return out
}

func printOccurrences(w io.Writer, occs []occurrenceView) {
	for _, o := range occs {
		mark := " "
		switch {
		case o.IsPrimary:
			mark = "*"
		case o.Cancelled:
			mark = "x"
		case o.IsDetached:
			mark = "~"
		}
		fmt.Fprintf(w, "%s %s  %s  %s\n", mark, o.OccursAt, o.ID, o.Fields["title"])
	}
}

func printSeries(w io.Writer, v seriesView) {
	fmt.Fprintf(w, "series %s\n", v.Series.ID)
	if v.Series.ParentID != "" {
		fmt.Fprintf(w, "  split from %s\n", v.Series.ParentID)
	}
	for _, seg := range v.Series.Segments {
		end := "open"
		if seg.EffectiveEnd != nil {
			end = *seg.EffectiveEnd
		}
		fmt.Fprintf(w, "  #%d %s  [%s, %s)\n", seg.Sequence, seg.RuleText, seg.EffectiveStart, end)
		for _, ex := range seg.ExceptionInstants {
			fmt.Fprintf(w, "     except %s\n", ex)
		}
	}
	printOccurrences(w, v.Occurrences)
}

// parseInstant accepts RFC3339, or a local date-time / date interpreted in
// loc.
func parseInstant(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339 or YYYY-MM-DD[THH:MM[:SS]]", s)
}

// CreateOptions holds flags for the create command.
type CreateOptions struct {
	*RootOptions
	Rule   string
	Start  string
	Kind   string
	Fields map[string]string
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a recurring series",
		Long: `Create a recurring series and materialize its first occurrences.

Example:
  recurd create --rule "FREQ=WEEKLY;BYDAY=MO,WE" --start 2025-01-06T09:00 --field title=Standup`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Rule, "rule", "", "recurrence rule, e.g. FREQ=DAILY;COUNT=5")
	cmd.Flags().StringVar(&opts.Start, "start", "", "first candidate instant (default now)")
	cmd.Flags().StringVar(&opts.Kind, "kind", string(model.KindEvent), "record kind (event|reminder)")
	cmd.Flags().StringToStringVar(&opts.Fields, "field", nil, "payload field key=value, repeatable")
	_ = cmd.MarkFlagRequired("rule")

	return cmd
}

func runCreate(opts *CreateOptions, cmd *cobra.Command) error {
	a, err := opts.open()
	if err != nil {
		return WrapExitError(ExitCommandError, "open store", err)
	}
	defer a.Close()

	loc := a.svc.Location()
	start := time.Now()
	if opts.Start != "" {
		if start, err = parseInstant(opts.Start, loc); err != nil {
			return err
		}
	}

	series, occs, err := a.svc.Create(cmd.Context(), opts.actor(), service.CreateRequest{
		RuleText: opts.Rule,
		Start:    start,
		Kind:     model.Kind(opts.Kind),
		Fields:   opts.Fields,
	})
	if err != nil {
		return err
	}
	v := seriesView{Series: a.codec.ToRecord(series), Occurrences: viewOccurrences(occs, loc)}
	return opts.output(cmd).Success(v, func(w io.Writer) { printSeries(w, v) })
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <series-id>",
		Short:         "Show a series and its materialized occurrences",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open()
			if err != nil {
				return WrapExitError(ExitCommandError, "open store", err)
			}
			defer a.Close()

			series, occs, err := a.svc.Get(cmd.Context(), rootOpts.actor(), args[0])
			if err != nil {
				return err
			}
			model.SortByTime(occs)
			v := seriesView{Series: a.codec.ToRecord(series), Occurrences: viewOccurrences(occs, a.svc.Location())}
			return rootOpts.output(cmd).Success(v, func(w io.Writer) { printSeries(w, v) })
		},
	}
}

// ExpandOptions holds flags for the expand command.
type ExpandOptions struct {
	*RootOptions
	From string
	To   string
	Max  int
}

// NewExpandCommand creates the expand command.
func NewExpandCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExpandOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "expand <series-id>",
		Short:         "List the instants a series produces in a window",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExpand(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "", "window start (default now)")
	cmd.Flags().StringVar(&opts.To, "to", "", "window end (default from + 30 days)")
	cmd.Flags().IntVar(&opts.Max, "max", 100, "maximum number of instants")

	return cmd
}

func runExpand(opts *ExpandOptions, id string, cmd *cobra.Command) error {
	a, err := opts.open()
	if err != nil {
		return WrapExitError(ExitCommandError, "open store", err)
	}
	defer a.Close()

	loc := a.svc.Location()
	from := time.Now()
	if opts.From != "" {
		if from, err = parseInstant(opts.From, loc); err != nil {
			return err
		}
	}
	to := from.AddDate(0, 0, 30)
	if opts.To != "" {
		if to, err = parseInstant(opts.To, loc); err != nil {
			return err
		}
	}

	instants, err := a.svc.Expand(cmd.Context(), opts.actor(), id, from, to, opts.Max)
	if err != nil {
		return err
	}
	out := make([]string, 0, len(instants))
	for _, t := range instants {
		out = append(out, t.In(loc).Format(time.RFC3339))
	}
	return opts.output(cmd).Success(out, func(w io.Writer) {
		for _, s := range out {
			fmt.Fprintln(w, s)
		}
	})
}

// MutateOptions holds flags for the mutate command.
type MutateOptions struct {
	*RootOptions
	Scope    string
	Op       string
	Pivot    string
	Rule     string
	Start    string
	Set      map[string]string
	Unset    []string
	OccursAt string
}

// NewMutateCommand creates the mutate command.
func NewMutateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mutate <series-id>",
		Short: "Edit or delete occurrences of a series",
		Long: `Edit or delete occurrences of a series.

Scopes: single, future, all, fromTime. Passing --rule "" clears the rule and
leaves the targeted occurrence as a standalone record.

Examples:
  recurd mutate S1 --scope single --op delete --pivot 2025-01-08T09:00:00Z
  recurd mutate S1 --scope future --op edit --pivot 2025-01-13T09:00:00Z --rule FREQ=WEEKLY;BYDAY=TU`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Scope, "scope", string(model.ScopeSingle), "single|future|all|fromTime")
	cmd.Flags().StringVar(&opts.Op, "op", string(model.OpEdit), "edit|delete")
	cmd.Flags().StringVar(&opts.Pivot, "pivot", "", "target occurrence instant or cut time")
	cmd.Flags().StringVar(&opts.Rule, "rule", "", "new recurrence rule (empty clears it)")
	cmd.Flags().StringVar(&opts.Start, "start", "", "anchor for the new rule")
	cmd.Flags().StringToStringVar(&opts.Set, "set", nil, "payload field key=value to set, repeatable")
	cmd.Flags().StringSliceVar(&opts.Unset, "unset", nil, "payload fields to remove")
	cmd.Flags().StringVar(&opts.OccursAt, "occurs-at", "", "move a single occurrence to this instant")

	return cmd
}

func runMutate(opts *MutateOptions, id string, cmd *cobra.Command) error {
	scope, err := model.ParseScope(opts.Scope)
	if err != nil {
		return err
	}
	op, err := model.ParseOp(opts.Op)
	if err != nil {
		return err
	}

	a, err := opts.open()
	if err != nil {
		return WrapExitError(ExitCommandError, "open store", err)
	}
	defer a.Close()
	loc := a.svc.Location()

	req := recur.MutateRequest{
		Scope: scope,
		Op:    op,
		Patch: model.FieldPatch{Set: opts.Set, Unset: opts.Unset},
	}
	if opts.Pivot != "" {
		if req.Pivot, err = parseInstant(opts.Pivot, loc); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("rule") {
		r := opts.Rule
		req.NewRule = &r
	}
	if opts.Start != "" {
		t, err := parseInstant(opts.Start, loc)
		if err != nil {
			return err
		}
		req.NewStart = &t
	}
	if opts.OccursAt != "" {
		t, err := parseInstant(opts.OccursAt, loc)
		if err != nil {
			return err
		}
		req.Patch.OccursAt = &t
	}

	res, err := a.svc.Mutate(cmd.Context(), opts.actor(), id, req)
	if err != nil && !recur.IsExhausted(err) {
		return err
	}

	v := struct {
		SeriesDeleted bool             `json:"seriesDeleted"`
		NewSeriesID   string           `json:"newSeriesId,omitempty"`
		Deleted       []string         `json:"deleted"`
		Upserted      []occurrenceView `json:"upserted"`
		Exhausted     bool             `json:"exhausted"`
	}{
		SeriesDeleted: res.SeriesDeleted,
		Deleted:       res.Delete,
		Upserted:      viewOccurrences(res.Upsert, loc),
		Exhausted:     res.Exhausted,
	}
	if res.NewSeries != nil {
		v.NewSeriesID = res.NewSeries.ID
	}
	return opts.output(cmd).Success(v, func(w io.Writer) {
		fmt.Fprintf(w, "deleted %d, upserted %d\n", len(v.Deleted), len(v.Upserted))
		if v.NewSeriesID != "" {
			fmt.Fprintf(w, "new series %s\n", v.NewSeriesID)
		}
		if v.SeriesDeleted {
			fmt.Fprintln(w, "series deleted")
		}
		if v.Exhausted {
			fmt.Fprintln(w, "series exhausted")
		}
		printOccurrences(w, v.Upserted)
	})
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:           "export <series-id>",
		Short:         "Write a series as an iCalendar document",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open()
			if err != nil {
				return WrapExitError(ExitCommandError, "open store", err)
			}
			defer a.Close()

			body, err := a.svc.Export(cmd.Context(), rootOpts.actor(), args[0])
			if err != nil {
				return err
			}
			if outPath == "" {
				_, err = cmd.OutOrStdout().Write(body)
				return err
			}
			return os.WriteFile(outPath, body, 0o644)
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write to file instead of stdout")

	return cmd
}
