package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fixitnow/internal/domain"
	"fixitnow/internal/engine"
	"fixitnow/internal/store"
)

func issueCmd() *cobra.Command {
	is := &cobra.Command{
		Use:   "issue",
		Short: "Report and work on issues",
		Long: `Customers create, edit, approve, reject, cancel and rate issues.
Matched workers accept them; the assigned worker starts and submits the work.`,
	}
	is.AddCommand(issueCreateCmd())
	is.AddCommand(issueListCmd())
	is.AddCommand(issueShowCmd())
	is.AddCommand(issueEditCmd())
	is.AddCommand(issueTransitionCmd("accept", "Accept a job request (matched worker)", engine.Engine.Accept))
	is.AddCommand(issueTransitionCmd("start", "Start accepted work (assigned worker)", engine.Engine.Start))
	is.AddCommand(issueTransitionCmd("approve", "Approve submitted work (customer)", engine.Engine.Approve))
	is.AddCommand(issueTransitionCmd("cancel", "Cancel an issue (customer)", engine.Engine.Cancel))
	is.AddCommand(issueSubmitCmd())
	is.AddCommand(issueRejectCmd())
	is.AddCommand(issueRateCmd())
	is.AddCommand(issueWatchCmd())
	return is
}

type locationFlags struct {
	address, city, state, zip string
	lat, lng                  float64
}

func (l locationFlags) toDomain(cmd *cobra.Command) domain.Location {
	loc := domain.Location{Address: l.address, City: l.city, State: l.state, ZipCode: l.zip}
	if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
		loc.Coordinates = &domain.Coordinates{Lat: l.lat, Lng: l.lng}
	}
	return loc
}

func addLocationFlags(cmd *cobra.Command, l *locationFlags) {
	cmd.Flags().StringVar(&l.address, "address", "", "street address")
	cmd.Flags().StringVar(&l.city, "city", "", "city")
	cmd.Flags().StringVar(&l.state, "state", "", "state")
	cmd.Flags().StringVar(&l.zip, "zip", "", "zip code")
	cmd.Flags().Float64Var(&l.lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&l.lng, "lng", 0, "longitude")
}

type budgetFlags struct {
	min, max float64
	currency string
}

func (b budgetFlags) toDomain(cmd *cobra.Command) *domain.Budget {
	if !cmd.Flags().Changed("budget-min") && !cmd.Flags().Changed("budget-max") && !cmd.Flags().Changed("currency") {
		return nil
	}
	return &domain.Budget{Min: b.min, Max: b.max, Currency: b.currency}
}

func addBudgetFlags(cmd *cobra.Command, b *budgetFlags) {
	cmd.Flags().Float64Var(&b.min, "budget-min", 0, "lowest acceptable price")
	cmd.Flags().Float64Var(&b.max, "budget-max", 0, "highest acceptable price")
	cmd.Flags().StringVar(&b.currency, "currency", "", "budget currency (default USD)")
}

func issueCreateCmd() *cobra.Command {
	var category, title, desc, urgency, phone string
	var images []string
	var loc locationFlags
	var budget budgetFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Report an issue (customer)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := domain.ParseCategory(category)
			if err != nil {
				return err
			}
			urg, err := domain.ParseUrgency(urgency)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				issue, err := e.CreateIssue(ctx, actor, domain.NewIssueInput{
					Category:     cat,
					Title:        title,
					Description:  desc,
					Urgency:      urg,
					Budget:       budget.toDomain(cmd),
					Location:     loc.toDomain(cmd),
					ContactPhone: phone,
					Images:       images,
				})
				if err != nil {
					return err
				}
				return printIssue(issue)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "electrical, plumbing, vehicle, furniture, appliance, hvac or general")
	cmd.Flags().StringVar(&title, "title", "", "short title")
	cmd.Flags().StringVar(&desc, "description", "", "what is wrong")
	cmd.Flags().StringVar(&urgency, "urgency", "medium", "low, medium, high or emergency")
	cmd.Flags().StringVar(&phone, "phone", "", "contact phone")
	cmd.Flags().StringSliceVar(&images, "image", nil, "image reference (repeatable)")
	addLocationFlags(cmd, &loc)
	addBudgetFlags(cmd, &budget)
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func issueListCmd() *cobra.Command {
	var scope, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues in a view",
		Long: `Views: mine (a customer's issues), matched (job requests offered to a worker),
assigned (a worker's jobs) and all (admin). The default depends on --role.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := domain.ParseStatuses(status)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				items, err := e.ListIssues(ctx, actor, engine.Scope(scope), statuses)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderIssues(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "mine, matched, assigned or all")
	cmd.Flags().StringVar(&status, "status", "", "comma separated statuses")
	return cmd
}

func issueShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				issue, err := e.ViewIssue(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printIssue(issue)
			})
		},
	}
	return cmd
}

func issueEditCmd() *cobra.Command {
	var title, desc, urgency, phone string
	var loc locationFlags
	var budget budgetFlags
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit an issue that has not been matched yet (customer)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var edit domain.IssueEdit
			if cmd.Flags().Changed("title") {
				edit.Title = &title
			}
			if cmd.Flags().Changed("description") {
				edit.Description = &desc
			}
			if cmd.Flags().Changed("urgency") {
				u, err := domain.ParseUrgency(urgency)
				if err != nil {
					return err
				}
				edit.Urgency = &u
			}
			if cmd.Flags().Changed("phone") {
				edit.ContactPhone = &phone
			}
			if cmd.Flags().Changed("address") {
				l := loc.toDomain(cmd)
				edit.Location = &l
			}
			edit.Budget = budget.toDomain(cmd)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				issue, err := e.EditIssue(ctx, actor, args[0], edit)
				if err != nil {
					return err
				}
				return printIssue(issue)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "short title")
	cmd.Flags().StringVar(&desc, "description", "", "what is wrong")
	cmd.Flags().StringVar(&urgency, "urgency", "", "low, medium, high or emergency")
	cmd.Flags().StringVar(&phone, "phone", "", "contact phone")
	addLocationFlags(cmd, &loc)
	addBudgetFlags(cmd, &budget)
	return cmd
}

type transitionFunc func(e engine.Engine, ctx context.Context, actor domain.Actor, id string) (domain.Issue, error)

func issueTransitionCmd(name, short string, fn transitionFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				issue, err := fn(e, ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printIssue(issue)
			})
		},
	}
	return cmd
}

func issueSubmitCmd() *cobra.Command {
	var evidence []string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit completion evidence (assigned worker)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				issue, err := e.Submit(ctx, actor, args[0], evidence)
				if err != nil {
					return err
				}
				return printIssue(issue)
			})
		},
	}
	cmd.Flags().StringSliceVar(&evidence, "evidence", nil, "evidence reference (repeatable)")
	return cmd
}

func issueRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Send submitted work back (customer)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				issue, err := e.Reject(ctx, actor, args[0], reason)
				if err != nil {
					return err
				}
				return printIssue(issue)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "what still needs doing")
	return cmd
}

func issueRateCmd() *cobra.Command {
	var rating int
	cmd := &cobra.Command{
		Use:   "rate <id>",
		Short: "Rate completed work 1-5 (customer, once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				issue, err := e.Rate(ctx, actor, args[0], rating)
				if err != nil {
					return err
				}
				return printIssue(issue)
			})
		},
	}
	cmd.Flags().IntVar(&rating, "rating", 0, "score from 1 to 5")
	_ = cmd.MarkFlagRequired("rating")
	return cmd
}

func issueWatchCmd() *cobra.Command {
	var scope, status string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a view until interrupted",
		Long:  "Prints the whole view each time it changes, including changes made by other processes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := domain.ParseStatuses(status)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				sub, err := e.WatchIssues(ctx, actor, engine.Scope(scope), statuses, func(se store.SubscriptionError) {
					fmt.Fprintf(os.Stderr, "refresh failed (attempt %d): %v\n", se.Attempt, se.Err)
				})
				if err != nil {
					return err
				}
				defer sub.Unsubscribe()
				for {
					select {
					case <-ctx.Done():
						return nil
					case snap, ok := <-sub.Updates():
						if !ok {
							return nil
						}
						if viper.GetBool("json") {
							if err := printJSON(snap); err != nil {
								return err
							}
							continue
						}
						stale := ""
						if snap.Stale {
							stale = " (stale)"
						}
						fmt.Printf("%s%s\n", snap.At.Format("15:04:05"), stale)
						renderIssues(snap.Issues)
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "mine, matched, assigned or all")
	cmd.Flags().StringVar(&status, "status", "", "comma separated statuses")
	return cmd
}

func renderIssues(items []domain.Issue) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Category", "Urgency", "Status", "Worker", "Matched"})
	for _, it := range items {
		tw.AppendRow(table.Row{it.ID, it.Title, it.Category, it.Urgency, it.Status, it.AssignedWorker, len(it.MatchedWorkers)})
	}
	tw.Render()
}

func printIssue(issue domain.Issue) error {
	if viper.GetBool("json") {
		return printJSON(issue)
	}
	fmt.Printf("Issue %s: %s [%s]\n", issue.ID, issue.Title, issue.Status)
	fmt.Printf("  category: %s  urgency: %s  customer: %s\n", issue.Category, issue.Urgency, issue.CustomerID)
	if issue.AssignedWorker != "" {
		fmt.Printf("  assigned: %s\n", issue.AssignedWorker)
	}
	if len(issue.MatchedWorkers) > 0 {
		fmt.Printf("  matched: %s\n", strings.Join(issue.MatchedWorkers, ", "))
	}
	if len(issue.CompletionEvidence) > 0 {
		fmt.Printf("  evidence: %s\n", strings.Join(issue.CompletionEvidence, ", "))
	}
	if issue.Rating != nil {
		fmt.Printf("  rating: %d\n", *issue.Rating)
	}
	if next := engine.Allowed(issue.Status); len(next) > 0 {
		names := make([]string, 0, len(next))
		for _, t := range next {
			if t == engine.TransitionEdit && issue.MatchedAt != nil {
				continue
			}
			names = append(names, string(t))
		}
		fmt.Printf("  next: %s\n", strings.Join(names, ", "))
	}
	return nil
}
