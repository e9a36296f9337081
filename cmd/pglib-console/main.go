package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pglib/pglib"
	"github.com/pglib/pglib/internal/config"
	"github.com/pglib/pglib/internal/console/api"
	"github.com/pglib/pglib/internal/console/ui"
	"github.com/pglib/pglib/internal/metrics"
	"github.com/pglib/pglib/pkg/logger"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// Global flags
var (
	cfgFile string
	noColor bool
	quiet   bool
	output  string
)

// connect flags
var (
	flagHost       string
	flagPort       int
	flagDatabase   string
	flagUser       string
	flagPassword   string
	flagEncryption string
	flagAPI        bool
	flagAPIAddr    string
)

var (
	cfg *config.Config
	out *ui.Output
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if out != nil {
			out.Error(err.Error())
		} else {
			fmt.Fprintln(os.Stderr, err) //nolint:errcheck
		}
		return 1
	}
	return 0
}

var rootCmd = &cobra.Command{
	Use:   "pglib-console",
	Short: "An interactive console for the pglib PostgreSQL frontend engine",
	Long: `pglib-console drives a single pglib.Conn interactively: connect,
run queries, watch the transaction status and backend notices as they
arrive, and optionally expose a health/metrics HTTP endpoint alongside it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "completion" || cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		format := ui.OutputFormat(output)
		out = ui.NewOutput(format, noColor, quiet)

		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
		logger.SetLevel(cfg.Log.Level)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pglib-console %s\n", version)
		fmt.Printf("  Commit: %s\n", commit)
		fmt.Printf("  Built:  %s\n", buildTime)
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a PostgreSQL backend and drop into an interactive session",
	Long: `connect opens a TCP transport, logs in, and then reads SQL statements
from stdin one at a time, running each as a simple query and rendering
its result. Empty lines are skipped; enter \q (or end the input) to
leave the session.`,
	Example: `  pglib-console connect --host localhost --port 5432 --user postgres
  pglib-console connect --database mydb --encryption require`,
	RunE: runConnect,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the console's configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out.Title("pglib-console configuration")
		out.KeyValue("host", cfg.Connection.Host)
		out.KeyValue("port", strconv.Itoa(cfg.Connection.Port))
		out.KeyValue("user", cfg.Connection.User)
		out.KeyValue("ssl_mode", cfg.Connection.SSLMode)
		out.KeyValue("history_file", cfg.Console.HistoryFile)
		out.KeyValue("api.listen_addr", cfg.API.ListenAddr)
		out.KeyValue("log.level", cfg.Log.Level)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value and persist it to disk",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.pglib-console/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable color output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "output format (table, json, yaml)")

	connectCmd.Flags().StringVar(&flagHost, "host", "", "backend host (default from config)")
	connectCmd.Flags().IntVar(&flagPort, "port", 0, "backend port (default from config)")
	connectCmd.Flags().StringVar(&flagDatabase, "database", "", "database name")
	connectCmd.Flags().StringVar(&flagUser, "user", "", "user name (default from config)")
	connectCmd.Flags().StringVar(&flagPassword, "password", "", "password (prompted before connecting if this is empty)")
	connectCmd.Flags().StringVar(&flagEncryption, "encryption", "", "disable, prefer, or require (default from config)")
	connectCmd.Flags().BoolVar(&flagAPI, "api", false, "also serve /health and /metrics")
	connectCmd.Flags().StringVar(&flagAPIAddr, "api-addr", "", "health/metrics listen address (default from config)")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(configCmd)
}

// runConfigSet updates one known configuration key on the in-memory cfg
// and persists the whole configuration back to disk.
func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	switch key {
	case "connection.host":
		cfg.Connection.Host = value
	case "connection.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", value, err)
		}
		cfg.Connection.Port = port
	case "connection.user":
		cfg.Connection.User = value
	case "connection.ssl_mode":
		cfg.Connection.SSLMode = value
	case "api.listen_addr":
		cfg.API.ListenAddr = value
	case "log.level":
		cfg.Log.Level = value
	default:
		return fmt.Errorf("unknown configuration key %q", key)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	path := firstNonEmpty(cfg.ConfigFile, config.DefaultConfigPath())
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	out.Success(fmt.Sprintf("set %s = %s (saved to %s)", key, value, path))
	return nil
}

func runConnect(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	host := firstNonEmpty(flagHost, cfg.Connection.Host)
	port := flagPort
	if port == 0 {
		port = cfg.Connection.Port
	}
	user := firstNonEmpty(flagUser, cfg.Connection.User)
	encryptionName := firstNonEmpty(flagEncryption, cfg.Connection.SSLMode)

	encryption, err := parseEncryption(encryptionName)
	if err != nil {
		return err
	}

	password := flagPassword
	if password == "" {
		password, err = ui.Password(fmt.Sprintf("Password for %s@%s", user, host))
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
	}

	params := map[string]string{}
	if flagDatabase != "" {
		params["database"] = flagDatabase
	}

	collector := metrics.New()

	addr := pglib.Addr{Network: "tcp", Address: net.JoinHostPort(host, strconv.Itoa(port))}

	spinner := ui.NewSimpleSpinner(fmt.Sprintf("connecting to %s...", addr.Address))
	spinner.Start()

	dialer := func(ctx context.Context, addr pglib.Addr) (pglib.Transport, error) {
		d := net.Dialer{Timeout: cfg.Connection.ConnectTimeout}
		return d.DialContext(ctx, addr.Network, addr.Address)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Connection.ConnectTimeout)
	transport, err := dialer(ctx, addr)
	cancel()
	if err != nil {
		spinner.StopFail("connection failed")
		return fmt.Errorf("dialing %s: %w", addr.Address, err)
	}

	conn := pglib.NewConn(transport, addr, pglib.Options{
		User:       user,
		Password:   password,
		Params:     params,
		Encryption: encryption,
		Upgrade:    upgradeTLS(host),
		Dialer:     dialer,
		Metrics:    collector,
	})

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- conn.Serve() }()

	loginCtx, loginCancel := context.WithTimeout(cmd.Context(), cfg.Connection.ConnectTimeout)
	defer loginCancel()
	if _, err := conn.Login(loginCtx); err != nil {
		spinner.StopFail("login failed")
		return err
	}
	spinner.Stop(fmt.Sprintf("connected (backend pid %d)", conn.BackendPID()))

	var apiServer *api.Server
	if flagAPI || cfg.API.Enabled {
		addr := firstNonEmpty(flagAPIAddr, cfg.API.ListenAddr)
		apiServer = api.NewServer(conn, collector)
		if err := apiServer.Start(addr); err != nil {
			out.Warning(fmt.Sprintf("could not start health/metrics server: %v", err))
		} else {
			out.Info(fmt.Sprintf("health/metrics listening on %s", addr))
		}
	}
	if apiServer != nil {
		defer func() { _ = apiServer.Stop() }()
	}

	if cfg.ConfigFile != "" {
		watcher, err := config.NewWatcher(cfg.ConfigFile, func(reloaded *config.Config) {
			logger.SetLevel(reloaded.Log.Level)
			if apiServer != nil && reloaded.API.ListenAddr != cfg.API.ListenAddr {
				out.Info(fmt.Sprintf("api.listen_addr changed to %s, rebinding", reloaded.API.ListenAddr))
				_ = apiServer.Stop()
				apiServer = api.NewServer(conn, collector)
				if serr := apiServer.Start(reloaded.API.ListenAddr); serr != nil {
					out.Warning(fmt.Sprintf("could not rebind health/metrics server: %v", serr))
				}
			}
			cfg = reloaded
		})
		if err != nil {
			out.Warning(fmt.Sprintf("could not watch config file: %v", err))
		} else {
			defer func() { _ = watcher.Stop() }()
		}
	}

	runREPL(cmd.Context(), conn)

	termination := conn.Terminate()
	select {
	case <-termination.Done():
	case <-time.After(2 * time.Second):
	}
	select {
	case <-serveErrCh:
	case <-time.After(2 * time.Second):
	}
	return nil
}

// runREPL reads one statement per line from stdin until EOF, \q, or the
// context is cancelled, rendering each Result as it completes.
func runREPL(ctx context.Context, conn *pglib.Conn) {
	scanner := bufio.NewScanner(os.Stdin)
	out.Print("")
	out.Info(fmt.Sprintf("connected, phase=%s tx=%s - enter SQL, \\q to quit", conn.Phase(), string(conn.TxStatus())))

	for {
		fmt.Print("pglib> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "\\q" || line == "\\quit" {
			break
		}

		if strings.HasPrefix(line, "\\copyin ") || strings.HasPrefix(line, "\\copyout ") {
			runCopyCommand(conn, line)
			continue
		}

		spinner := ui.NewSimpleSpinner("query running...")
		spinner.Start()

		completion := conn.Execute(line)
		select {
		case <-completion.Done():
		case <-ctx.Done():
			spinner.StopFail("cancelled")
			return
		}
		res, err := completion.Wait()
		if err != nil {
			spinner.StopFail(err.Error())
			continue
		}
		spinner.Stop(fmt.Sprintf("done (tx=%s)", string(conn.TxStatus())))
		out.RenderResult(res)
	}
}

// upgradeTLS builds the Options.Upgrade callback for the 'S' encryption
// reply. No third-party TLS library appears anywhere in this corpus, so
// this is the one ambient concern left to the standard library.
func upgradeTLS(serverName string) func(pglib.Transport) (pglib.Transport, error) {
	return func(t pglib.Transport) (pglib.Transport, error) {
		conn, ok := t.(net.Conn)
		if !ok {
			return nil, fmt.Errorf("transport does not support TLS upgrade")
		}
		tlsConn := tls.Client(conn, &tls.Config{ServerName: serverName})
		if err := tlsConn.HandshakeContext(context.Background()); err != nil {
			return nil, err
		}
		return tlsConn, nil
	}
}

// runCopyCommand handles "\copyin <file> <sql>" and "\copyout <file> <sql>",
// the console's bulk-transfer shortcuts around ExecuteCopyIn/ExecuteCopyOut.
func runCopyCommand(conn *pglib.Conn, line string) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) != 3 {
		out.Error("usage: \\copyin <file> <sql>  or  \\copyout <file> <sql>")
		return
	}
	command, path, sql := fields[0], fields[1], fields[2]

	var completion *pglib.Completion[*pglib.Result]
	switch command {
	case "\\copyin":
		producer, err := newFileCopyInProducer(path)
		if err != nil {
			out.Error(err.Error())
			return
		}
		completion = conn.ExecuteCopyIn(sql, producer)
	case "\\copyout":
		consumer, err := newFileCopyOutConsumer(path)
		if err != nil {
			out.Error(err.Error())
			return
		}
		completion = conn.ExecuteCopyOut(sql, consumer)
	}

	res, err := completion.Wait()
	if err != nil {
		out.Error(err.Error())
		return
	}
	out.RenderResult(res)
}

func parseEncryption(name string) (pglib.EncryptionMode, error) {
	switch strings.ToLower(name) {
	case "", "disable":
		return pglib.EncryptionDisable, nil
	case "allow":
		return pglib.EncryptionAllow, nil
	case "prefer":
		return pglib.EncryptionPrefer, nil
	case "require":
		return pglib.EncryptionRequire, nil
	default:
		return 0, fmt.Errorf("unknown encryption mode %q", name)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
