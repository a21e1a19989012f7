// Inspects and maintains the durable store of the CRM: lists, reads, writes and sweeps keys of the local medium
// (a SQLite file, or a Postgres table when a DSN is given) or of the process-lifetime session medium.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/nobletooth/tiercache/pkg/config"
	"github.com/nobletooth/tiercache/pkg/crm"
	"github.com/nobletooth/tiercache/pkg/storage"
	"github.com/nobletooth/tiercache/pkg/utils"
)

var (
	printVersion      = flag.Bool("print_version", false, "Print the version and exit.")
	dataDir           = flag.String("data_dir", "./data", "Directory of the SQLite file backing the local medium.")
	postgresDSN       = flag.String("postgres_dsn", "", "Back the local medium by Postgres instead of SQLite.")
	postgresTable     = flag.String("postgres_table", "tiercache_local", "Table of the Postgres local medium.")
	localQuotaBytes   = flag.Int64("local_quota_bytes", 5<<20, "Capacity of the local medium; <= 0 is unlimited.")
	sessionQuotaBytes = flag.Int64("session_quota_bytes", 5<<20, "Capacity of the session medium; <= 0 is unlimited.")
	scopeName         = flag.String("scope", string(storage.Local),
		"Scope of the command: local/session. The session medium lives as long as one invocation.")
	transformName     = flag.String("transform", "identity", "At-rest transform of items: identity/obfuscate/checksum.")
	itemTTL           = flag.Duration("ttl", 0, "Lifetime of items written by set; 0 never expires.")
)

const usage = `usage: tiercache [flags] <command> [args]

commands:
  keys               list the keys of the scope
  get <key>          print the value of a key as JSON
  set <key> <value>  store a JSON value (anything else is stored as a string)
  rm <key>           remove a key
  size               print the bytes used by the scope
  sweep              remove expired and unreadable entries of both scopes
  clear              remove every key of the scope
  whoami             print the user logged into the CRM

The session scope is an in-memory medium created for each invocation: items set
there are gone when the command exits. Use it to check quotas and transforms.`

var errUsage = errors.New(usage)

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("tiercache build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := run(ctx, flag.Args(), os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			_, _ = fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		slog.Error("Command failed.", "args", flag.Args(), "error", err)
		os.Exit(1)
	}
}

// openLocalMedium opens the Postgres medium if a DSN is configured and the SQLite file under --data_dir otherwise.
func openLocalMedium(ctx context.Context) (storage.Medium, error) {
	if *postgresDSN != "" {
		return storage.OpenPostgresMedium(ctx, *postgresDSN, *postgresTable, *localQuotaBytes)
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return storage.OpenSQLiteMedium(ctx, filepath.Join(*dataDir, "local.db"), *localQuotaBytes)
}

func parseTransform(name string) (storage.Transform, error) {
	switch strings.ToLower(name) {
	case "identity", "":
		return storage.Identity, nil
	case "obfuscate":
		return crm.UserTransform, nil
	case "checksum":
		return storage.Checksum, nil
	default:
		return nil, fmt.Errorf("unknown transform %q", name)
	}
}

// run executes the command in `args` and writes its output to `out`.
func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	scope, err := storage.ParseScope(*scopeName)
	if err != nil {
		return err
	}
	transform, err := parseTransform(*transformName)
	if err != nil {
		return err
	}

	local, err := openLocalMedium(ctx)
	if err != nil {
		return err
	}
	store, err := storage.NewStore(ctx, storage.Options{
		Session:         storage.NewMemoryMedium(*sessionQuotaBytes),
		Local:           local,
		KnownTransforms: []storage.Transform{crm.UserTransform, storage.Checksum},
	})
	if err != nil {
		_ = local.Close()
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("Failed to close the store.", "error", err)
		}
	}()

	itemOpts := []storage.ItemOption{storage.InScope(scope), storage.WithTransform(transform)}
	command, params := args[0], args[1:]
	switch {
	case command == "keys" && len(params) == 0:
		keys, err := store.GetAllKeys(ctx, scope)
		if err != nil {
			return err
		}
		for _, key := range keys {
			_, _ = fmt.Fprintln(out, key)
		}
	case command == "get" && len(params) == 1:
		var value json.RawMessage
		found, err := store.GetItem(ctx, params[0], &value, itemOpts...)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", storage.ErrKeyNotFound, params[0])
		}
		_, _ = fmt.Fprintln(out, string(value))
	case command == "set" && len(params) == 2:
		var value any = json.RawMessage(params[1])
		if !json.Valid([]byte(params[1])) {
			value = params[1]
		}
		return store.SetItem(ctx, params[0], value, append(itemOpts, storage.WithTTL(*itemTTL))...)
	case command == "rm" && len(params) == 1:
		return store.RemoveItem(ctx, params[0], itemOpts...)
	case command == "size" && len(params) == 0:
		size, err := store.GetSize(ctx, scope)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out, size)
	case command == "sweep" && len(params) == 0:
		removed, err := store.Sweep(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out, removed)
	case command == "clear" && len(params) == 0:
		return store.Clear(ctx, scope)
	case command == "whoami" && len(params) == 0:
		manager, err := crm.NewSessionManager(ctx, store)
		if err != nil {
			return err
		}
		user, err := manager.Current(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "%s %s <%s> %s\n", user.FirstName, user.LastName, user.Email, user.Role)
	default:
		return errUsage
	}
	return nil
}
