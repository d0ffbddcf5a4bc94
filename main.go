package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"fxaclient/fxa"
)

func main() {
	configPath := flag.String("config", os.Getenv("FXA_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	configFile := *configPath
	if configFile == "" {
		configFile = "./config.yaml"
	}

	// Handle config commands (init/validate)
	if *configCmd != "" {
		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized", "path", configFile)
			return
		case "validate":
			if _, err := fxa.LoadConfig(configFile); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	command := "login"
	if args := flag.Args(); len(args) > 0 {
		command = args[0]
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "login":
		err = runFlow(ctx, cfg, logger, fxa.FlowDefault)
	case "delete-account":
		err = runFlow(ctx, cfg, logger, fxa.FlowAccountDeletion)
	default:
		log.Fatalf("unknown command %q. Use 'login' or 'delete-account'", command)
	}
	if err != nil {
		logger.Error("flow failed", "command", command, "error", err)
		os.Exit(1)
	}
}

// runFlow drives the authentication state machine from the terminal. Session
// operations block and dispatch their events synchronously, so after each
// coordinator call the state has already advanced and the loop can prompt
// for whatever the next step needs.
func runFlow(ctx context.Context, cfg fxa.Config, logger *slog.Logger, flowType fxa.FlowType) error {
	reader := bufio.NewReader(os.Stdin)

	coord := fxa.NewCoordinator(logger)
	coord.StateChanged = func(state fxa.State) {
		logger.Debug("state changed", "state", state.String())
	}
	coord.ErrorOccurred = func(kind fxa.ErrorKind, retryAfter int) {
		if retryAfter > 0 {
			fmt.Printf("Error: %s (retry in %d seconds)\n", kind, retryAfter)
			return
		}
		fmt.Printf("Error: %s\n", kind)
	}

	client := fxa.NewClient(cfg, nil, logger)
	session := fxa.NewSession(coord, client, flowType, cfg.Features, logger)

	var (
		finalCode string
		flowErr   error
		done      bool
	)
	session.Completed = func(code string) {
		finalCode = code
		if flowType == fxa.FlowAccountDeletion {
			// The deletion flow authenticates first, then walks the
			// attached-clients confirmation before the destructive call.
			session.StartAccountDeletionFlow(ctx)
			return
		}
		done = true
	}
	session.Failed = func(kind fxa.ErrorKind) {
		flowErr = fmt.Errorf("authentication failed: %s", kind)
		done = true
	}
	session.AccountDeleted = func() {
		fmt.Println("Account deleted.")
		done = true
	}
	session.FallbackRequired = func() {
		flowErr = runBrowserFallback(ctx, logger, &finalCode)
		done = true
	}
	session.Terminated = func() {
		logger.Debug("session terminated")
	}

	pkce := fxa.NewPKCE()
	if err := session.Start(ctx, pkce.CodeChallenge, pkce.ChallengeMethod, ""); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	for !done {
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		switch coord.State() {
		case fxa.StateStart:
			email := askRequired(reader, "Email address")
			if !fxa.ValidateEmailAddress(email) {
				fmt.Println("That does not look like a valid email address.")
				continue
			}
			err = coord.CheckAccount(ctx, email)

		case fxa.StateSignIn:
			password := askPassword("Password")
			if err = coord.SetPassword(password); err != nil {
				break
			}
			err = coord.SignIn(ctx)

		case fxa.StateSignUp:
			password := askPassword("Choose a password (8+ characters)")
			if !fxa.ValidatePasswordLength(password) {
				fmt.Println("Password too short.")
				continue
			}
			if !coord.ValidatePasswordEmail(password) {
				fmt.Println("Password must not be part of your email address.")
				continue
			}
			if err = coord.SetPassword(password); err != nil {
				break
			}
			err = coord.SignUp(ctx)

		case fxa.StateUnblockCodeNeeded:
			code := askRequired(reader, "Unblock code (check your email)")
			err = coord.VerifyUnblockCode(ctx, code)

		case fxa.StateVerificationSessionByEmailNeeded:
			code := askRequired(reader, "Verification code (check your email)")
			err = coord.VerifySessionEmailCode(ctx, code)

		case fxa.StateVerificationSessionByTotpNeeded:
			code := askRequired(reader, "TOTP code")
			err = coord.VerifySessionTotpCode(ctx, code)

		case fxa.StateAccountDeletionRequest:
			fmt.Println("The following clients are attached to this account:")
			for _, name := range coord.AttachedClients() {
				fmt.Printf("  - %s\n", name)
			}
			if askYesNo(reader, "Really delete this account?", false) {
				err = coord.DeleteAccount(ctx)
			} else {
				coord.TerminateSession(ctx)
				return fmt.Errorf("account deletion aborted")
			}

		default:
			// Transient states never persist across a blocking operation.
			return fmt.Errorf("flow stalled in state %s", coord.State())
		}
		if err != nil {
			return err
		}
	}

	if flowErr != nil {
		return flowErr
	}
	if flowType == fxa.FlowDefault && finalCode != "" {
		fmt.Printf("Authentication completed, code: %s\n", finalCode)
	}
	return nil
}

// runBrowserFallback handles accounts that cannot authenticate in-app: a
// loopback listener captures the code once the user finishes in the browser.
func runBrowserFallback(ctx context.Context, logger *slog.Logger, finalCode *string) error {
	listener := fxa.NewRedirectListener(logger)
	redirectURI, err := listener.Start()
	if err != nil {
		return fmt.Errorf("start redirect listener: %w", err)
	}
	defer listener.Close(context.Background())

	fmt.Println("This account requires signing in with a browser.")
	fmt.Printf("Complete the sign-in there; the app is listening on %s\n", redirectURI)

	code, err := listener.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait for browser authentication: %w", err)
	}
	*finalCode = code
	fmt.Printf("Authentication completed, code: %s\n", code)
	return nil
}

func loadConfig(path string, logger *slog.Logger) (fxa.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			logger.Debug("no config file, using defaults", "path", path)
			return fxa.DefaultConfig(), nil
		}
		return fxa.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return fxa.LoadConfig(path)
}

func runConfigInit(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	return writeConfigFile(path, fxa.DefaultConfig())
}

func writeConfigFile(path string, cfg fxa.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func askRequired(reader *bufio.Reader, prompt string) string {
	for {
		fmt.Printf("%s: ", prompt)
		input, _ := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		fmt.Println("This value is required. Please enter a value.")
	}
}

func askPassword(prompt string) string {
	fmt.Printf("%s: ", prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err == nil {
			return string(pw)
		}
	}
	reader := bufio.NewReader(os.Stdin)
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func askYesNo(reader *bufio.Reader, prompt string, def bool) bool {
	defLabel := "N"
	if def {
		defLabel = "Y"
	}
	for {
		fmt.Printf("%s [%s]: ", prompt, defLabel)
		input, _ := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			fmt.Println("Please enter 'y' or 'n'.")
		}
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}
