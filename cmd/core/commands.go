package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dogtale/companion-core/internal/app"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/stories"
	"github.com/dogtale/companion-core/internal/sync/scheduler"
)

// withApp assembles the app for one command and closes it afterwards.
func withApp(cmd *cobra.Command, opts *options, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, opts.cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =====================================================
// Service
// =====================================================

func newServeCmd(opts *options) *cobra.Command {
	var addr, userID string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync coordinator and the local status and events endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withApp(cmd, opts, func(_ context.Context, a *app.App) error {
				a.Start(ctx)
				if err := a.Watch(ctx, userID); err != nil {
					a.Stop(context.Background())
					return err
				}
				srvErr := serve(ctx, addr, a)
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.Stop(shutdownCtx); err != nil && srvErr == nil {
					srvErr = err
				}
				return srvErr
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8090", "listen address for /api/health, /api/status and /api/events")
	cmd.Flags().StringVar(&userID, "user", "", "signed-in user whose friendships, pets and feed follow pushed changes")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print connectivity, queue and cache state as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				return writeJSON(cmd.OutOrStdout(), a.Status(ctx))
			})
		},
	}
}

// =====================================================
// Queue
// =====================================================

func newDrainCmd(opts *options) *cobra.Command {
	var table string
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Send queued changes to the remote now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				if a.Prober != nil {
					a.Prober.Check(ctx)
				}
				var (
					res *scheduler.DrainResult
					err error
				)
				if table != "" {
					res, err = a.Coordinator.DrainTable(ctx, table)
				} else {
					res, err = a.Coordinator.Drain(ctx)
				}
				if err != nil {
					return err
				}
				printDrain(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "drain only this table")
	return cmd
}

func printDrain(w io.Writer, res *scheduler.DrainResult) {
	if res.Offline {
		fmt.Fprintln(w, "offline: nothing sent")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tBATCHES\tRESOLVED\tRETRIED\tFAILED\tNOTE")
	for _, t := range res.Tables {
		note := ""
		switch {
		case t.Skipped:
			note = "already draining"
		case t.Err != nil:
			note = t.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", t.Table, t.Batches, t.Resolved, t.Retried, t.Failed, note)
	}
	tw.Flush()
	fmt.Fprintf(w, "resolved %d, retried %d, failed %d in %s\n", res.Resolved, res.Retried, res.Failed, res.Duration.Round(time.Millisecond))
}

func newPendingCmd(opts *options) *cobra.Command {
	var (
		table  string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List changes waiting for the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				changes, err := a.Queue.List(ctx, table)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), changes)
				}
				printPending(cmd.OutOrStdout(), changes)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "only list changes for this table")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printPending(w io.Writer, changes []*models.PendingChange) {
	if len(changes) == 0 {
		fmt.Fprintln(w, "no pending changes")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTABLE\tOP\tSTATUS\tATTEMPTS\tCREATED\tLAST ERROR")
	for _, c := range changes {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			c.ID, c.TableName, c.Operation, c.Status, c.Attempts,
			c.CreatedAtTime().Format(time.RFC3339), c.LastError)
	}
	tw.Flush()
}

func newRetryCmd(opts *options) *cobra.Command {
	var drain bool
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-queue changes the remote rejected",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				n, err := a.Queue.RetryFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "re-queued %d changes\n", n)
				if !drain || n == 0 {
					return nil
				}
				res, err := a.Coordinator.Drain(ctx)
				if err != nil {
					return err
				}
				printDrain(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "drain immediately after re-queueing")
	return cmd
}

// =====================================================
// Content
// =====================================================

// petFlags describe the pet and the account generating for it.
type petFlags struct {
	userID  string
	tier    string
	name    string
	species string
	breed   string
	bio     string
}

func (p *petFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.userID, "user", "local-user", "user id the generation is metered against")
	cmd.Flags().StringVar(&p.tier, "tier", string(models.TierFree), "account tier: free, premium or luxury")
	cmd.Flags().StringVar(&p.name, "name", "Buddy", "pet name")
	cmd.Flags().StringVar(&p.species, "species", "dog", "dog, cat or other")
	cmd.Flags().StringVar(&p.breed, "breed", "", "pet breed")
	cmd.Flags().StringVar(&p.bio, "bio", "", "a few words about the pet's personality")
}

func (p *petFlags) account() models.Account {
	return models.Account{UserID: p.userID, Tier: models.Tier(strings.ToLower(p.tier))}
}

func (p *petFlags) pet() models.Pet {
	return models.Pet{ID: "cli-pet", OwnerID: p.userID, Name: p.name, Species: strings.ToLower(p.species), Breed: p.breed, Bio: p.bio}
}

// streamTo writes fragments as they arrive.
func streamTo(w io.Writer) func(string, bool) {
	return func(fragment string, done bool) {
		if done {
			fmt.Fprintln(w)
			return
		}
		fmt.Fprint(w, fragment)
	}
}

func printSource(w io.Writer, r *models.GenerationResult) {
	if r.IsTemplateGenerated {
		fmt.Fprintln(w, "(offline template)")
		return
	}
	fmt.Fprintf(w, "(%s %s)\n", r.Provider, r.Model)
}

func newStoryCmd(opts *options) *cobra.Command {
	var (
		pf        petFlags
		storyType string
		offline   bool
		save      bool
	)
	cmd := &cobra.Command{
		Use:   "story",
		Short: "Generate a story about a pet, streaming it to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				out := cmd.OutOrStdout()
				res, err := a.Stories.GenerateStory(ctx, stories.StoryRequest{
					Account:      pf.account(),
					Pet:          pf.pet(),
					Type:         models.StoryType(storyType),
					UseTemplates: offline,
				}, streamTo(out))
				if err != nil {
					return err
				}
				if res.Title != "" {
					fmt.Fprintf(out, "Title: %s\n", res.Title)
				}
				printSource(out, res)
				if !save {
					return nil
				}
				wr, err := a.Stories.SaveStory(ctx, pf.account(), res)
				if err != nil {
					return err
				}
				if wr.Queued {
					fmt.Fprintln(out, "saved (queued until online)")
				} else {
					fmt.Fprintln(out, "saved")
				}
				return nil
			})
		},
	}
	pf.register(cmd)
	cmd.Flags().StringVar(&storyType, "type", string(models.StoryDayInLife), "adventure, day_in_life, friendship, mystery or comedy")
	cmd.Flags().BoolVar(&offline, "templates", false, "skip remote providers and use offline templates")
	cmd.Flags().BoolVar(&save, "save", false, "save the story to the account")
	return cmd
}

func newTributeCmd(opts *options) *cobra.Command {
	var (
		pf          petFlags
		tributeType string
		memorial    string
	)
	cmd := &cobra.Command{
		Use:   "tribute",
		Short: "Generate a memorial tribute for a pet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				out := cmd.OutOrStdout()
				pet := pf.pet()
				pet.MemorialMessage = memorial
				res, err := a.Stories.GenerateTribute(ctx, stories.TributeRequest{
					Account: pf.account(),
					Pet:     pet,
					Type:    models.TributeType(tributeType),
				}, streamTo(out))
				if err != nil {
					return err
				}
				printSource(out, res)
				return nil
			})
		},
	}
	pf.register(cmd)
	cmd.Flags().StringVar(&tributeType, "type", string(models.TributeFull), "short, full, poem or caption")
	cmd.Flags().StringVar(&memorial, "memorial", "", "memorial message to include")
	return cmd
}

func newChatCmd(opts *options) *cobra.Command {
	var pf petFlags
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one message to the pet and print its reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				out := cmd.OutOrStdout()
				res, err := a.Stories.Chat(ctx, stories.ChatRequest{
					Account: pf.account(),
					Pet:     pf.pet(),
					Turns:   []models.Turn{{Role: models.RoleUser, Content: strings.Join(args, " ")}},
				}, streamTo(out))
				if err != nil {
					return err
				}
				printSource(out, res)
				return nil
			})
		},
	}
	pf.register(cmd)
	return cmd
}
