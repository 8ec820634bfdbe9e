package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"escrowline/internal/app"
	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/migrate"
	"escrowline/internal/repo"
	"escrowline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "esc",
	Short: "Escrowline CLI",
	Long: `Escrowline settles milestone-based work through an escrow ledger.
Customers fund an order up front; the money sits in escrow per milestone.
The contractor delivers, generates an acceptance act, and both sides sign.
A completed act releases that milestone's share to the contractor; if the
customer goes quiet, the act auto-signs after the configured deadline.
Group orders elect a representative whose signature counts for the
customer side. Every change lands in the event log ('esc log tail').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ESCROWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(actCmd())
	rootCmd.AddCommand(settleCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorID() string { return viper.GetString("actor-id") }

// --- user ---

func userCmd() *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage users and the ledger",
	}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userShowCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userDepositCmd())
	user.AddCommand(userWithdrawCmd())
	user.AddCommand(userStatementCmd())
	return user
}

func userCreateCmd() *cobra.Command {
	var id, name, role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUser(ctx, id, name, role)
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "customer", "role (customer, contractor, platform)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func userShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "Name", "Role", "Balance"})
				for _, u := range items {
					t.AppendRow(table.Row{u.ID, u.Name, u.Role, u.Balance.String()})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func userDepositCmd() *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "deposit <user-id>",
		Short: "Deposit funds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseAmount(amount)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.Deposit(ctx, args[0], d)
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount to deposit")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func userWithdrawCmd() *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "withdraw <user-id>",
		Short: "Withdraw funds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseAmount(amount)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.Withdraw(ctx, args[0], d)
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount to withdraw")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func userStatementCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "statement <user-id>",
		Short: "Show the user's ledger journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Statement(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "Type", "Amount", "Order", "Milestone", "At"})
				for _, tr := range items {
					t.AppendRow(table.Row{tr.ID, tr.Type, tr.Amount.String(), deref(tr.OrderID), deref(tr.MilestoneID), tr.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries")
	return cmd
}

// --- order ---

func orderCmd() *cobra.Command {
	order := &cobra.Command{
		Use:   "order",
		Short: "Manage orders and milestones",
		Long:  "Orders carry milestones with escrowed amounts. They flow created -> funded -> in_progress -> completed; cancellation refunds what escrow still holds.",
	}
	order.AddCommand(orderCreateCmd())
	order.AddCommand(orderListCmd())
	order.AddCommand(orderShowCmd())
	order.AddCommand(orderFundCmd())
	order.AddCommand(orderContractorCmd())
	order.AddCommand(orderMilestoneCmd())
	order.AddCommand(orderVoteCmd())
	order.AddCommand(orderCancelCmd())
	return order
}

// parseMilestoneSpec parses "amount|deadline|description".
func parseMilestoneSpec(raw string) (engine.MilestoneSpec, error) {
	parts := strings.SplitN(raw, "|", 3)
	if len(parts) != 3 {
		return engine.MilestoneSpec{}, fmt.Errorf("milestone %q: expected amount|deadline|description", raw)
	}
	amount, err := parseAmount(parts[0])
	if err != nil {
		return engine.MilestoneSpec{}, fmt.Errorf("milestone %q: %w", raw, err)
	}
	return engine.MilestoneSpec{
		Amount:      amount,
		Deadline:    strings.TrimSpace(parts[1]),
		Description: strings.TrimSpace(parts[2]),
	}, nil
}

func orderCreateCmd() *cobra.Command {
	var id, title, representative string
	var customers, milestones []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an order",
		Example: `  esc order create --title "Site build" --customer alice \
    --milestone "500.00|2026-09-01T00:00:00Z|Backend" \
    --milestone "300.00|2026-10-01T00:00:00Z|Frontend"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			specs := make([]engine.MilestoneSpec, 0, len(milestones))
			for _, raw := range milestones {
				spec, err := parseMilestoneSpec(raw)
				if err != nil {
					return err
				}
				specs = append(specs, spec)
			}
			if len(customers) == 0 {
				customers = []string{actorID()}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.OrderCreateOptions{
					ID:               id,
					Title:            title,
					CustomerIDs:      customers,
					RepresentativeID: representative,
					Milestones:       specs,
					ActorID:          actorID(),
				}
				var (
					o   domain.Order
					err error
				)
				if len(customers) > 1 {
					o, err = e.CreateGroupOrder(ctx, opts)
				} else {
					o, err = e.CreateOrder(ctx, customers[0], title, specs, actorID())
				}
				if err != nil {
					return err
				}
				return printJSON(o)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "order id (generated when omitted)")
	cmd.Flags().StringVar(&title, "title", "", "order title")
	cmd.Flags().StringArrayVar(&customers, "customer", nil, "customer id (repeat for a group order)")
	cmd.Flags().StringVar(&representative, "representative", "", "initial representative for group orders")
	cmd.Flags().StringArrayVar(&milestones, "milestone", nil, "milestone as amount|deadline|description (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("milestone")
	return cmd
}

func orderListCmd() *cobra.Command {
	var status, customer string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListOrders(ctx, repo.OrderFilters{Status: status, CustomerID: customer, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "Title", "Status", "Funded", "Total", "Contractor"})
				for _, o := range items {
					t.AppendRow(table.Row{o.ID, o.Title, o.Status, o.FundedAmount.String(), o.TotalAmount.String(), deref(o.ContractorID)})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&customer, "customer", "", "customer id filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max orders")
	return cmd
}

func orderShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <order-id>",
		Short: "Show an order with its milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.GetOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(o)
			})
		},
	}
	return cmd
}

func orderFundCmd() *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "fund <order-id>",
		Short: "Move funds from your balance into the order's escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseAmount(amount)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.Fund(ctx, args[0], actorID(), d)
				if err != nil {
					return err
				}
				return printJSON(o)
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount to escrow")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func orderContractorCmd() *cobra.Command {
	var contractor string
	cmd := &cobra.Command{
		Use:   "contractor <order-id>",
		Short: "Assign the executing contractor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.AssignContractor(ctx, args[0], contractor, actorID())
				if err != nil {
					return err
				}
				return printJSON(o)
			})
		},
	}
	cmd.Flags().StringVar(&contractor, "id", "", "contractor user id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func orderMilestoneCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "milestone <order-id> <milestone-id>",
		Short: "Update a milestone's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.UpdateMilestoneStatus(ctx, args[0], args[1], status, actorID())
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (in_progress, awaiting_acceptance, completed, rejected)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func orderVoteCmd() *cobra.Command {
	var candidate string
	cmd := &cobra.Command{
		Use:   "vote <order-id>",
		Short: "Vote for the group order representative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				changed, rep, err := e.VoteForRepresentative(ctx, args[0], actorID(), candidate)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"changed": changed, "representative_id": rep})
			})
		},
	}
	cmd.Flags().StringVar(&candidate, "for", "", "candidate user id")
	_ = cmd.MarkFlagRequired("for")
	return cmd
}

func orderCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel an order and refund remaining escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.CancelOrder(ctx, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printJSON(o)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

// --- doc ---

func docCmd() *cobra.Command {
	doc := &cobra.Command{
		Use:   "doc",
		Short: "Manage order documents",
		Long:  "Documents cover the definition of ready, roadmap, definition of done, specifications, and the contractor's deliverables. Generated kinds come from the configured content generator.",
	}
	doc.AddCommand(docAddCmd())
	doc.AddCommand(docListCmd())
	doc.AddCommand(docShowCmd())
	doc.AddCommand(docReplaceCmd())
	doc.AddCommand(docApproveCmd())
	doc.AddCommand(docGenerateCmd())
	doc.AddCommand(docCheckCmd())
	return doc
}

func docAddCmd() *cobra.Command {
	var kind, name, content, phaseID string
	var attachments []string
	cmd := &cobra.Command{
		Use:   "add <order-id>",
		Short: "Attach a document to an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDocument(ctx, engine.DocumentCreateOptions{
					OrderID:     args[0],
					Kind:        kind,
					Name:        name,
					Content:     content,
					PhaseID:     phaseID,
					Attachments: attachments,
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "deliverable", "document kind")
	cmd.Flags().StringVar(&name, "name", "", "document name")
	cmd.Flags().StringVar(&content, "content", "", "document content")
	cmd.Flags().StringVar(&phaseID, "phase", "", "roadmap phase id")
	cmd.Flags().StringArrayVar(&attachments, "attachment", nil, "attachment reference (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func docListCmd() *cobra.Command {
	var kind, phaseID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list <order-id>",
		Short: "List an order's documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListDocuments(ctx, repo.DocumentFilters{
					OrderID: args[0],
					Kind:    kind,
					PhaseID: phaseID,
					Limit:   limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "Kind", "Name", "Phase", "Approvals"})
				for _, d := range items {
					t.AppendRow(table.Row{d.ID, d.Kind, d.Name, deref(d.PhaseID), len(d.ApprovedBy)})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&phaseID, "phase", "", "phase filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max documents")
	return cmd
}

func docShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <doc-id>",
		Short: "Show a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDocument(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	return cmd
}

func docReplaceCmd() *cobra.Command {
	var content string
	var attachments []string
	cmd := &cobra.Command{
		Use:   "replace <doc-id>",
		Short: "Replace a document's content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.ReplaceDocumentContent(ctx, args[0], content, attachments, actorID())
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "new content")
	cmd.Flags().StringArrayVar(&attachments, "attachment", nil, "attachment reference (repeatable)")
	return cmd
}

func docApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <doc-id>",
		Short: "Approve the current document variant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.ApproveDocument(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	return cmd
}

func docGenerateCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "generate <order-id>",
		Short: "Generate a document from the order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					d   domain.Document
					err error
				)
				switch kind {
				case "readiness":
					d, err = e.GenerateReadinessDoc(ctx, args[0], actorID())
				case "roadmap":
					d, _, err = e.GenerateRoadmapDoc(ctx, args[0], actorID())
				case "done-criteria":
					d, err = e.GenerateDoneCriteriaDoc(ctx, args[0], actorID())
				default:
					return fmt.Errorf("unknown kind %q (readiness, roadmap, done-criteria)", kind)
				}
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "what to generate (readiness, roadmap, done-criteria)")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func docCheckCmd() *cobra.Command {
	var phaseID string
	cmd := &cobra.Command{
		Use:   "check <order-id>",
		Short: "Check a phase's deliverables against the done criteria",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.CheckDeliverable(ctx, args[0], phaseID, actorID())
				if err != nil {
					return err
				}
				return printJSON(v)
			})
		},
	}
	cmd.Flags().StringVar(&phaseID, "phase", "", "roadmap phase id")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

// --- act ---

func actCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "act",
		Short: "Manage acceptance acts",
		Long:  "An act is the acceptance document for one milestone. The contractor generates it; it completes when both sides sign, releasing the milestone's escrow share. The customer side auto-signs after the configured deadline.",
	}
	act.AddCommand(actGenerateCmd())
	act.AddCommand(actListCmd())
	act.AddCommand(actShowCmd())
	act.AddCommand(actSignCmd())
	act.AddCommand(actRejectCmd())
	return act
}

func actGenerateCmd() *cobra.Command {
	var milestoneID, name string
	var deliverables []string
	cmd := &cobra.Command{
		Use:   "generate <order-id>",
		Short: "Generate an acceptance act for a milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GenerateAct(ctx, args[0], milestoneID, name, deliverables, actorID())
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&milestoneID, "milestone", "", "milestone id")
	cmd.Flags().StringVar(&name, "name", "", "act name")
	cmd.Flags().StringArrayVar(&deliverables, "deliverable", nil, "deliverable document id (repeatable)")
	_ = cmd.MarkFlagRequired("milestone")
	return cmd
}

func actListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <order-id>",
		Short: "List an order's acts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListActs(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "Milestone", "Status", "Signatures", "Auto-sign at"})
				for _, a := range items {
					t.AppendRow(table.Row{a.ID, a.MilestoneID, a.Status, len(a.Signatures), deref(a.AutoSignAt)})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func actShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <act-id>",
		Short: "Show an act",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAct(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	return cmd
}

func actSignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign <act-id>",
		Short: "Sign an act",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SignAct(ctx, args[0], actorID())
				var rec engine.ReconciliationError
				if errors.As(err, &rec) {
					// The act completed; only the payout is stuck.
					fmt.Fprintf(os.Stderr, "warning: settlement pending for milestone %s: %v\n", rec.MilestoneID, rec.Err)
					return printJSON(a)
				}
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	return cmd
}

func actRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <act-id>",
		Short: "Reject an act",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RejectAct(ctx, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

// --- settle ---

func settleCmd() *cobra.Command {
	settle := &cobra.Command{
		Use:   "settle",
		Short: "Inspect and retry settlements",
	}
	settle.AddCommand(settlePendingCmd())
	settle.AddCommand(settleRetryCmd())
	return settle
}

func settlePendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List payouts waiting on reconciliation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.PendingPayouts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable()
				t.AppendHeader(table.Row{"Order", "Milestone", "Amount", "Description"})
				for _, m := range items {
					t.AppendRow(table.Row{m.OrderID, m.ID, m.Amount.String(), m.Description})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func settleRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <order-id> <milestone-id>",
		Short: "Retry a pending settlement",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RetrySettlement(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}
	return cmd
}

// --- log / config / status / serve ---

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var orderID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListEvents(ctx, n, 0, orderID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&orderID, "order", "", "order id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage settlement config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the config stored in the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSON(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertSettlementConfig(ctx, cfg); err != nil {
					return err
				}
				return printJSON(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default escrowline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Users: %d\n", s.Users)
				fmt.Println("Orders:")
				for status, c := range s.Orders {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Println("Acts:")
				for status, c := range s.Acts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Printf("Pending payouts: %d\n", s.PendingPayouts)
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
			if err := migrate.Run(conn, logger); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			e.Log = logger
			sched := engine.NewScheduler(logger)
			e.Timers = sched
			sched.Bind(e)
			restored, err := sched.Restore(cmd.Context())
			if err != nil {
				return err
			}
			defer sched.Stop()

			authCfg := server.AuthConfig{
				JWTSecret:        os.Getenv("ESCROWLINE_JWT_SECRET"),
				AllowActorHeader: allowActorHeader,
				Logger:           logger,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader {
				return fmt.Errorf("ESCROWLINE_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Escrowline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs); %d auto-sign timer(s) restored\n", addr, basePath, basePath, restored)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id without JWT (local only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	sched := engine.NewScheduler(zerolog.Nop())
	e.Timers = sched
	sched.Bind(e)
	defer sched.Stop()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func parseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid amount %q", raw)
	}
	return d, nil
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	return t
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
