// Command copierctl manages trade copier accounts from the terminal: client
// onboarding, CSV import, master rotation, and connectivity checks.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/stratbase/tradecopier/internal/brokerage"
	"github.com/stratbase/tradecopier/internal/config"
	"github.com/stratbase/tradecopier/internal/crypto"
	"github.com/stratbase/tradecopier/internal/domain"
	"github.com/stratbase/tradecopier/internal/keystore"
	"github.com/stratbase/tradecopier/internal/store/postgres"
)

const usage = `usage: copierctl [-config path] <command> [flags]

commands:
  add              add or update a client account
  list             list client accounts
  deactivate       deactivate a client account (history kept)
  delete           remove a client account entirely
  import           bulk-import client accounts from CSV
  set-master       set the active master account
  test-connection  verify a client's brokerage credentials
`

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("loading config %s: %v", *configPath, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		fatal("%v", err)
	}
	defer cleanup()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "add":
		err = cmdAdd(ctx, store, args)
	case "list":
		err = cmdList(ctx, store, args)
	case "deactivate":
		err = cmdDeactivate(ctx, store, args)
	case "delete":
		err = cmdDelete(ctx, store, args)
	case "import":
		err = cmdImport(ctx, store, args)
	case "set-master":
		err = cmdSetMaster(ctx, store, args)
	case "test-connection":
		err = cmdTestConnection(ctx, store, cfg, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatal("%s: %v", cmd, err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "copierctl: "+format+"\n", args...)
	os.Exit(1)
}

// openStore connects to Postgres and builds the encrypted key store.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*keystore.KeyStore, func(), error) {
	cipher, err := crypto.New(cfg.Encryption.Key)
	if err != nil {
		return nil, nil, err
	}

	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			pgClient.Close()
			return nil, nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return keystore.New(pgClient.Pool(), cipher, logger), pgClient.Close, nil
}

func cmdAdd(ctx context.Context, store *keystore.KeyStore, args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	accountID := fs.String("account-id", "", "brokerage account id (required)")
	apiKey := fs.String("api-key", "", "API key (required)")
	secretKey := fs.String("secret-key", "", "API secret (required)")
	name := fs.String("name", "", "display name")
	email := fs.String("email", "", "contact email")
	risk := fs.Float64("risk", 1.0, "risk multiplier")
	direction := fs.String("direction", "both", "trade direction: long, short, or both")
	inactive := fs.Bool("inactive", false, "create the account deactivated")
	_ = fs.Parse(args)

	if *accountID == "" || *apiKey == "" || *secretKey == "" {
		return fmt.Errorf("account-id, api-key, and secret-key are required")
	}
	dir := domain.TradeDirection(*direction)
	switch dir {
	case domain.DirectionLong, domain.DirectionShort, domain.DirectionBoth:
	default:
		return fmt.Errorf("invalid direction %q", *direction)
	}

	err := store.UpsertClient(ctx, domain.ClientAccount{
		AccountID:      *accountID,
		AccountName:    *name,
		Email:          *email,
		IsActive:       !*inactive,
		RiskMultiplier: *risk,
		TradeDirection: dir,
	}, domain.Credentials{APIKey: *apiKey, SecretKey: *secretKey})
	if err != nil {
		return err
	}
	fmt.Printf("client %s saved\n", *accountID)
	return nil
}

func cmdList(ctx context.Context, store *keystore.KeyStore, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	activeOnly := fs.Bool("active", false, "only active accounts")
	_ = fs.Parse(args)

	clients, err := store.ListClients(ctx, *activeOnly)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tNAME\tACTIVE\tBREAKER\tFAILURES\tRISK\tDIRECTION\tLAST SUCCESS")
	for _, c := range clients {
		lastSuccess := "-"
		if c.LastSuccessfulTrade != nil {
			lastSuccess = c.LastSuccessfulTrade.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%d\t%g\t%s\t%s\n",
			c.AccountID, c.AccountName, c.IsActive, c.BreakerState,
			c.FailureCount, c.RiskMultiplier, c.TradeDirection, lastSuccess)
	}
	return w.Flush()
}

func cmdDeactivate(ctx context.Context, store *keystore.KeyStore, args []string) error {
	fs := flag.NewFlagSet("deactivate", flag.ExitOnError)
	accountID := fs.String("account-id", "", "brokerage account id (required)")
	_ = fs.Parse(args)

	if *accountID == "" {
		return fmt.Errorf("account-id is required")
	}
	if err := store.Deactivate(ctx, *accountID); err != nil {
		return err
	}
	fmt.Printf("client %s deactivated\n", *accountID)
	return nil
}

func cmdDelete(ctx context.Context, store *keystore.KeyStore, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	accountID := fs.String("account-id", "", "brokerage account id (required)")
	_ = fs.Parse(args)

	if *accountID == "" {
		return fmt.Errorf("account-id is required")
	}
	if err := store.Delete(ctx, *accountID); err != nil {
		return err
	}
	fmt.Printf("client %s deleted\n", *accountID)
	return nil
}

// cmdImport bulk-loads clients from a CSV file with the header
// account_id,api_key,secret_key[,account_name][,email][,is_active].
func cmdImport(ctx context.Context, store *keystore.KeyStore, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	file := fs.String("file", "", "CSV file path (required)")
	_ = fs.Parse(args)

	if *file == "" {
		return fmt.Errorf("file is required")
	}

	f, err := os.Open(*file)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("reading CSV header: %w", err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, required := range []string{"account_id", "api_key", "secret_key"} {
		if _, ok := col[required]; !ok {
			return fmt.Errorf("CSV missing required column %q", required)
		}
	}

	field := func(row []string, name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	imported, line := 0, 1
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}

		accountID := field(row, "account_id")
		apiKey := field(row, "api_key")
		secretKey := field(row, "secret_key")
		if accountID == "" || apiKey == "" || secretKey == "" {
			return fmt.Errorf("line %d: account_id, api_key, and secret_key must not be empty", line)
		}

		active := true
		if v := field(row, "is_active"); v != "" {
			active, err = strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("line %d: invalid is_active %q", line, v)
			}
		}

		err = store.UpsertClient(ctx, domain.ClientAccount{
			AccountID:      accountID,
			AccountName:    field(row, "account_name"),
			Email:          field(row, "email"),
			IsActive:       active,
			RiskMultiplier: 1.0,
			TradeDirection: domain.DirectionBoth,
		}, domain.Credentials{APIKey: apiKey, SecretKey: secretKey})
		if err != nil {
			return fmt.Errorf("line %d (%s): %w", line, accountID, err)
		}
		imported++
	}

	fmt.Printf("imported %d client(s)\n", imported)
	return nil
}

func cmdSetMaster(ctx context.Context, store *keystore.KeyStore, args []string) error {
	fs := flag.NewFlagSet("set-master", flag.ExitOnError)
	accountID := fs.String("account-id", "", "brokerage account id (required)")
	apiKey := fs.String("api-key", "", "API key (required)")
	secretKey := fs.String("secret-key", "", "API secret (required)")
	_ = fs.Parse(args)

	if *accountID == "" || *apiKey == "" || *secretKey == "" {
		return fmt.Errorf("account-id, api-key, and secret-key are required")
	}
	if err := store.SetMaster(ctx, *accountID, domain.Credentials{
		APIKey:    *apiKey,
		SecretKey: *secretKey,
	}); err != nil {
		return err
	}
	fmt.Printf("master account set to %s\n", *accountID)
	return nil
}

// cmdTestConnection decrypts a stored client's credentials and calls the
// brokerage account endpoint with them.
func cmdTestConnection(ctx context.Context, store *keystore.KeyStore, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("test-connection", flag.ExitOnError)
	accountID := fs.String("account-id", "", "brokerage account id (required)")
	master := fs.Bool("master", false, "test the master account instead")
	_ = fs.Parse(args)

	var creds domain.Credentials
	switch {
	case *master:
		var err error
		_, creds, err = store.GetMaster(ctx)
		if err != nil {
			return err
		}
	case *accountID != "":
		eligible, err := store.ListEligibleClients(ctx)
		if err != nil {
			return err
		}
		for _, c := range eligible {
			if c.AccountID == *accountID {
				creds = c.Credentials
				break
			}
		}
		if creds.APIKey == "" {
			return fmt.Errorf("no eligible client %s (inactive, breaker open, or unknown)", *accountID)
		}
	default:
		return fmt.Errorf("account-id or -master is required")
	}

	api := brokerage.NewClient(cfg.Brokerage.TradingHost, cfg.Brokerage.DataHost,
		creds.APIKey, creds.SecretKey)
	acct, err := api.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("brokerage rejected credentials: %w", err)
	}

	fmt.Printf("connection ok: account=%s status=%s equity=%.2f buying_power=%.2f\n",
		acct.ID, acct.Status, acct.Equity, acct.BuyingPower)
	return nil
}
