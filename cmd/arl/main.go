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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"agentrelay/internal/config"
	"agentrelay/internal/db"
	"agentrelay/internal/directory"
	"agentrelay/internal/domain"
	"agentrelay/internal/engine"
	"agentrelay/internal/migrate"
	"agentrelay/internal/planner"
	"agentrelay/internal/relay"
	"agentrelay/internal/server"
	"agentrelay/internal/wallet"
	agentrelaysdk "agentrelay/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "arl",
	Short: "Agentrelay CLI",
	Long: `Agentrelay turns a natural-language brief into a priced project plan,
assigns each sub-task to a provider from the directory, and tracks simulated
MNEE settlement as work is approved.

- Workspace: the .agentrelay directory holding the provider database.
- Directory: the catalogue of providers, matched to tasks by category.
- Pipeline: brief -> decomposition -> assignment -> review -> payment.
- Relay: the forwarder that keeps the model credential server-side.`,
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("AGENTRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("addr", "http://127.0.0.1:8080", "API address for dashboard commands")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(providerCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(receiptCmd())
	rootCmd.AddCommand(walletCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("%s already exists, leaving it alone\n", path)
				return nil
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, store *directory.SQLStore) error {
				if err := store.SeedDefaults(ctx); err != nil {
					return err
				}
				fmt.Printf("Workspace ready: wrote %s and seeded the provider directory\n", path)
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			store := directory.NewSQLStore(conn)
			if err := store.SeedDefaults(cmd.Context()); err != nil {
				return err
			}

			gen := planner.NewClient(cfg.Planner.Endpoint, time.Duration(cfg.Planner.TimeoutMS)*time.Millisecond)
			w, cleanup := buildWallet(cmd.Context(), cfg, logger)
			defer cleanup()

			e := engine.New(store, gen, w, cfg, logger)
			forwarder := relay.NewForwarder(cfg.Relay.Upstream, cfg.APIKey, logger)
			handler, err := server.New(server.Config{
				Engine:   e,
				Relay:    forwarder,
				BasePath: basePath,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e, logger)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Agentrelay API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func relayCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Start a standalone credential-hiding relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()
			mux := http.NewServeMux()
			mux.Handle("/v0/relay/generate", relay.NewForwarder(cfg.Relay.Upstream, cfg.APIKey, logger))
			srv := &http.Server{Addr: addr, Handler: mux}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Relaying model calls on http://%s/v0/relay/generate\n", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "127.0.0.1:8090", "listen address")
	return cmd
}

// buildWallet dials the on-chain provider when an RPC endpoint is set, and
// falls back to the simulator otherwise.
func buildWallet(ctx context.Context, cfg *config.Config, logger *zap.Logger) (wallet.Provider, func()) {
	if cfg.Wallet.RPCURL != "" {
		w, err := wallet.DialOnChain(ctx, cfg.Wallet.RPCURL, cfg.Wallet.Contract, cfg.Wallet.Address)
		if err == nil {
			return w, w.Close
		}
		logger.Warn("on-chain wallet unavailable, using simulator", zap.Error(err))
	}
	return wallet.NewSimulated(), func() {}
}

func providerCmd() *cobra.Command {
	prov := &cobra.Command{Use: "provider", Short: "Manage the provider directory"}
	prov.AddCommand(providerListCmd())
	prov.AddCommand(providerAddCmd())
	prov.AddCommand(providerRemoveCmd())
	return prov
}

func providerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List providers in directory order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *directory.SQLStore) error {
				providers, err := store.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(providers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Category", "Wallet"})
				for _, p := range providers {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Category, p.Wallet})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func providerAddCmd() *cobra.Command {
	var name, walletAddr, category, description string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Onboard a provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *directory.SQLStore) error {
				p, err := store.Add(ctx, toDomainProvider(name, walletAddr, category, description))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "provider name")
	cmd.Flags().StringVar(&walletAddr, "wallet", "", "payment wallet")
	cmd.Flags().StringVar(&category, "category", "Tech", "category (Tech, Research, Content, Marketing, Design)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("wallet")
	return cmd
}

func providerRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *directory.SQLStore) error {
				return store.Delete(ctx, args[0])
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	var budget float64
	var company, clientWallet string
	cmd := &cobra.Command{
		Use:   "run <brief>",
		Short: "Run the orchestration pipeline against a server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := apiClient()
			plan, err := client.RunPipeline(cmd.Context(), strings.Join(args, " "), budget, company, clientWallet)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(plan)
			}
			fmt.Printf("%s for %s: budget %.2f MNEE, margin %.2f MNEE\n",
				plan.ProjectName, plan.CompanyName, plan.TotalBudget, plan.EstimatedMargin)
			renderTasks(plan.Tasks)
			return nil
		},
	}
	cmd.Flags().Float64Var(&budget, "budget", 0, "budget in MNEE (default from server config)")
	cmd.Flags().StringVar(&company, "company", "", "client company name")
	cmd.Flags().StringVar(&clientWallet, "client-wallet", "", "client wallet address")
	return cmd
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Active project plan"}
	plan.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the active plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := apiClient().Plan(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(p)
			}
			fmt.Printf("%s: remaining %.2f of %.2f MNEE\n", p.ProjectName, p.RemainingBudget, p.TotalBudget)
			renderTasks(p.Tasks)
			return nil
		},
	})
	return plan
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Drive sub-task lifecycle"}
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskRejectCmd())
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskFailCmd())
	return task
}

func taskApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Approve work and release payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := apiClient().ApproveTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	return cmd
}

func taskRejectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <task-id>",
		Short: "Request a revision and reassign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := apiClient().RejectTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	return cmd
}

func taskSubmitCmd() *cobra.Command {
	var fileType, ext, size string
	cmd := &cobra.Command{
		Use:   "submit <task-id>",
		Short: "Submit a deliverable for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := apiClient().SubmitDeliverable(cmd.Context(), args[0], agentrelaysdk.FileMetadata{
				Type:      fileType,
				Extension: ext,
				Size:      size,
			})
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().StringVar(&fileType, "type", "Final Delivery", "deliverable type")
	cmd.Flags().StringVar(&ext, "ext", "pdf", "file extension")
	cmd.Flags().StringVar(&size, "size", "", "file size")
	return cmd
}

func taskFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <task-id>",
		Short: "Mark a sub-task as unrecoverable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := apiClient().FailTask(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Execution log"}
	var after int64
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show execution log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := apiClient().Log(cmd.Context(), after)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(entries)
			}
			for _, e := range entries {
				fmt.Printf("%s [%s] %s\n", e.Timestamp, e.Type, e.Message)
			}
			return nil
		},
	}
	tail.Flags().Int64Var(&after, "after", 0, "only entries with seq greater than this")
	log.AddCommand(tail)
	return log
}

func receiptCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "receipt",
		Short: "Download the payment receipt",
		RunE: func(cmd *cobra.Command, args []string) error {
			content, filename, err := apiClient().Receipt(cmd.Context())
			if err != nil {
				return err
			}
			if out == "" {
				out = filename
			}
			if out == "-" {
				fmt.Print(content)
				return nil
			}
			if err := os.WriteFile(out, []byte(content), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file (default: server-provided name, '-' for stdout)")
	return cmd
}

func walletCmd() *cobra.Command {
	w := &cobra.Command{Use: "wallet", Short: "Relay wallet"}
	w.AddCommand(&cobra.Command{
		Use:   "connect",
		Short: "Connect the relay wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := apiClient().ConnectWallet(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(acct)
		},
	})
	return w
}

func withStore(ctx context.Context, fn func(context.Context, *directory.SQLStore) error) error {
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return err
	}
	conn, err := db.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, directory.NewSQLStore(conn))
}

func apiClient() *agentrelaysdk.Client {
	return agentrelaysdk.New(viper.GetString("addr"))
}

func renderTasks(tasks []agentrelaysdk.SubTask) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Agent", "Cost", "Status", "Provider"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Name, t.AgentType, fmt.Sprintf("%.2f", t.CostMNEE), t.Status, t.AssignedProviderID})
	}
	tw.Render()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func toDomainProvider(name, walletAddr, category, description string) domain.ServiceProvider {
	return domain.ServiceProvider{
		Name:        name,
		Wallet:      walletAddr,
		Category:    domain.Category(category),
		Description: description,
	}
}
