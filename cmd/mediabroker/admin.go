package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"

	mbotel "github.com/Strob0t/MediaBroker/internal/adapter/otel"
	"github.com/Strob0t/MediaBroker/internal/adapter/postgres"
	"github.com/Strob0t/MediaBroker/internal/config"
	"github.com/Strob0t/MediaBroker/internal/domain/worker"
	"github.com/Strob0t/MediaBroker/internal/logger"
	"github.com/Strob0t/MediaBroker/internal/middleware"
	"github.com/Strob0t/MediaBroker/internal/service"
)

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runAdminMigrate(args[1:])
	case "rollback":
		return runAdminRollback(args[1:])
	case "version":
		return runAdminVersion(args[1:])
	case "list-workers":
		return runAdminListWorkers(args[1:])
	case "unregister-worker":
		return runAdminUnregisterWorker(args[1:])
	case "requeue":
		return runAdminRequeue(args[1:])
	case "reconcile":
		return runAdminReconcile(args[1:])
	case "drain-queues":
		return runAdminDrainQueues(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: mediabroker admin <command> [options]

Commands:
  migrate            Apply pending database migrations
  rollback           Roll back database migrations
  version            Print the current schema version
  list-workers       List registered workers
  unregister-worker  Unregister a worker and fail its in-flight tasks
  requeue            Push every QUEUED task back onto the task queue
  reconcile          Run one reconciliation pass now
  drain-queues       Empty all task queues (task records are kept)
  help               Show this help message

Examples:
  mediabroker admin migrate
  mediabroker admin rollback --steps 2
  mediabroker admin list-workers --status ACTIVE
  mediabroker admin unregister-worker --id 5f0c...
  mediabroker admin drain-queues --yes
`)
}

// adminDeps is the service graph used by the operational subcommands.
type adminDeps struct {
	tasks      *service.TaskManager
	broker     *service.Broker
	reconciler *service.Reconciler
}

func loadAdminDeps(ctx context.Context) (*adminDeps, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, closeLog := logger.New(cfg.Logging)
	slog.SetDefault(log)

	prov, err := openProviders(ctx, cfg, false)
	if err != nil {
		closeLog.Close()
		return nil, nil, err
	}
	metrics, err := mbotel.NewMetrics()
	if err != nil {
		prov.Close()
		closeLog.Close()
		return nil, nil, fmt.Errorf("otel metrics: %w", err)
	}

	groups := service.NewGroupDirectory(prov.store, nil, 0)
	tasks := service.NewTaskManager(prov.store, prov.queue, prov.bus, groups, prov.dispatcher(cfg), metrics, cfg.Broker)
	deps := &adminDeps{
		tasks:      tasks,
		broker:     service.NewBroker(prov.store, prov.queue, tasks, metrics),
		reconciler: service.NewReconciler(prov.store, tasks, cfg.Broker.ReconcileBatch),
	}

	cleanup := func() {
		prov.Close()
		closeLog.Close()
	}
	return deps, cleanup, nil
}

func adminContext() context.Context {
	return middleware.WithPrincipal(context.Background(), "admin")
}

func databaseDSN() (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	if cfg.Backends.Store != config.BackendPostgres {
		return "", fmt.Errorf("store backend is %q, migrations need %q", cfg.Backends.Store, config.BackendPostgres)
	}
	return cfg.Postgres.DSN, nil
}

func runAdminMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	dsn, err := databaseDSN()
	if err != nil {
		return err
	}
	if err := postgres.RunMigrations(context.Background(), dsn); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Fprintln(os.Stderr, "Migrations applied.")
	return nil
}

func runAdminRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	steps := fs.Int("steps", 1, "number of migrations to roll back")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *steps < 1 {
		return fmt.Errorf("--steps must be at least 1")
	}
	dsn, err := databaseDSN()
	if err != nil {
		return err
	}
	if err := postgres.RollbackMigrations(context.Background(), dsn, *steps); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Rolled back %d migration(s).\n", *steps)
	return nil
}

func runAdminVersion(args []string) error {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	dsn, err := databaseDSN()
	if err != nil {
		return err
	}
	v, err := postgres.MigrationVersion(context.Background(), dsn)
	if err != nil {
		return fmt.Errorf("schema version: %w", err)
	}
	fmt.Printf("binary %s, schema version %d\n", version, v)
	return nil
}

func runAdminListWorkers(args []string) error {
	fs := flag.NewFlagSet("list-workers", flag.ContinueOnError)
	status := fs.String("status", "", "only workers in this status (STARTING, ACTIVE, STOPPING)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := adminContext()
	deps, cleanup, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	workers, err := deps.broker.FindWorkers(ctx, worker.Filter{Status: worker.Status(strings.ToUpper(*status))})
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	if len(workers) == 0 {
		fmt.Println("No workers found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tTASKS\tEXTERNAL_IDS\tCREATED")
	for i := range workers {
		wk := &workers[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			wk.ID, wk.Name, wk.Status, len(wk.Tasks), strings.Join(wk.ExternalIDs, ","), wk.Created.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runAdminUnregisterWorker(args []string) error {
	fs := flag.NewFlagSet("unregister-worker", flag.ContinueOnError)
	id := fs.String("id", "", "worker id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}

	ctx := adminContext()
	deps, cleanup, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := deps.broker.UnregisterWorker(ctx, *id); err != nil {
		return fmt.Errorf("unregister worker: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Worker %s unregistered.\n", *id)
	return nil
}

func runAdminRequeue(args []string) error {
	fs := flag.NewFlagSet("requeue", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := adminContext()
	deps, cleanup, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := deps.tasks.RequeueAll(ctx)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Requeued %d task(s).\n", n)
	return nil
}

func runAdminReconcile(args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := middleware.WithPrincipal(context.Background(), middleware.SystemPrincipal)
	deps, cleanup, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := deps.reconciler.Run(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Orphaned tasks failed: %d, failed tasks retried: %d\n", report.Orphaned, report.Retried)
	return nil
}

func runAdminDrainQueues(args []string) error {
	fs := flag.NewFlagSet("drain-queues", flag.ContinueOnError)
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*yes {
		ok, err := confirm("Empty every task queue? Queued tasks stay QUEUED but will not be handed out until requeued. [y/N] ")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	ctx := adminContext()
	deps, cleanup, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := deps.tasks.DrainQueues(ctx); err != nil {
		return fmt.Errorf("drain queues: %w", err)
	}
	fmt.Fprintln(os.Stderr, "Task queues drained.")
	return nil
}

// confirm asks a yes/no question on the terminal. Without a terminal it
// refuses, so scripts must pass --yes.
func confirm(prompt string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) { //nolint:gosec // fd fits in int
		return false, fmt.Errorf("stdin is not a terminal; pass --yes to confirm")
	}
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("read answer: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
