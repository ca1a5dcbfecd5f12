package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/eugenenazirov/restplate/internal/application"
	"github.com/eugenenazirov/restplate/internal/config"
	"github.com/eugenenazirov/restplate/internal/images"
	"github.com/eugenenazirov/restplate/internal/logging"
)

var signalNotify = signal.Notify

const commandTimeout = 5 * time.Minute

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type cli struct {
	app *kingpin.Application

	configFile     *string
	envFile        *string
	port           *string
	baseDir        *string
	databaseURL    *string
	debug          bool
	debugSet       bool
	rateLimitRPS   *float64
	rateLimitBurst *int

	serve        *kingpin.CmdClause
	check        *kingpin.CmdClause
	settings     *kingpin.CmdClause
	collect      *kingpin.CmdClause
	warm         *kingpin.CmdClause
	warmSpecs    *[]string
	warmSources  *[]string
	tokenIssue   *kingpin.CmdClause
	issueUser    *string
	tokenRevoke  *kingpin.CmdClause
	revokeKey    *string
	tokenListing *kingpin.CmdClause
}

func newCLI(stdout io.Writer) *cli {
	c := &cli{app: kingpin.New("restplate", "REST web application template server")}
	c.app.UsageWriter(stdout)

	c.configFile = c.app.Flag("config", "Path to YAML configuration file").String()
	c.envFile = c.app.Flag("env-file", "Path to a .env file loaded before the environment is read").String()
	c.port = c.app.Flag("port", "HTTP port exposed by the service").String()
	c.baseDir = c.app.Flag("base-dir", "Project base directory").String()
	c.databaseURL = c.app.Flag("database-url", "Database connection URL").String()
	c.app.Flag("debug", "Enable debug mode").IsSetByUser(&c.debugSet).BoolVar(&c.debug)
	c.rateLimitRPS = c.app.Flag("rate-limit-rps", "Requests per second allowed per client (set 0 to disable)").Default("-1").Float64()
	c.rateLimitBurst = c.app.Flag("rate-limit-burst", "Burst capacity for rate limiter (set 0 to disable)").Default("-1").Int()

	c.serve = c.app.Command("serve", "Run the HTTP server").Default()
	c.check = c.app.Command("check", "Validate settings and check the database connection")
	c.settings = c.app.Command("settings", "Print the resolved settings with secrets masked")
	c.collect = c.app.Command("collectstatic", "Copy static files into the static root")

	c.warm = c.app.Command("warm-images", "Pre-generate image variants")
	c.warmSpecs = c.warm.Flag("spec", "Variant spec such as thumbnail__100x100, crop__400x400 or filters__invert").Default("thumbnail__100x100").Strings()
	c.warmSources = c.warm.Arg("sources", "Images below the media root; all images when omitted").Strings()

	token := c.app.Command("token", "Manage API tokens")
	c.tokenIssue = token.Command("issue", "Issue or return the token of a user")
	c.issueUser = c.tokenIssue.Arg("user", "User id").Required().String()
	c.tokenRevoke = token.Command("revoke", "Revoke a token")
	c.revokeKey = c.tokenRevoke.Arg("key", "Token key").Required().String()
	c.tokenListing = token.Command("list", "List issued tokens")

	return c
}

func (c *cli) overrides() *config.CLIOverrides {
	overrides := &config.CLIOverrides{
		ConfigFile: *c.configFile,
		DotEnvFile: *c.envFile,
	}

	if *c.port != "" {
		overrides.Port = c.port
	}

	if *c.baseDir != "" {
		overrides.BaseDir = c.baseDir
	}

	if *c.databaseURL != "" {
		overrides.DatabaseURL = c.databaseURL
	}

	if c.debugSet {
		overrides.Debug = &c.debug
	}

	if *c.rateLimitRPS >= 0 {
		overrides.RateLimitRPS = c.rateLimitRPS
	}

	if *c.rateLimitBurst >= 0 {
		overrides.RateLimitBurst = c.rateLimitBurst
	}

	return overrides
}

func run(args []string, stdout io.Writer) error {
	c := newCLI(stdout)
	command, err := c.app.Parse(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(c.overrides())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if command == c.settings.FullCommand() {
		return printSettings(stdout, cfg)
	}

	if command == c.serve.FullCommand() {
		return serve(cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	app, err := application.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.Close(ctx)

	switch command {
	case c.check.FullCommand():
		if err := app.Check(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "System check identified no issues.")
	case c.collect.FullCommand():
		return collectStatic(ctx, stdout, app)
	case c.warm.FullCommand():
		return warmImages(ctx, stdout, app, *c.warmSpecs, *c.warmSources)
	case c.tokenIssue.FullCommand():
		token, err := app.Tokens().Issue(ctx, *c.issueUser)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, token.Key)
	case c.tokenRevoke.FullCommand():
		return app.Tokens().Revoke(ctx, *c.revokeKey)
	case c.tokenListing.FullCommand():
		tokens, err := app.Tokens().List(ctx)
		if err != nil {
			return err
		}
		for _, token := range tokens {
			fmt.Fprintf(stdout, "%s\t%s\t%s\n", token.UserID, token.Key, token.Created.Format(time.RFC3339))
		}
	}
	return nil
}

func printSettings(w io.Writer, cfg config.Settings) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg.Redacted()); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return enc.Close()
}

func collectStatic(ctx context.Context, w io.Writer, app *application.App) error {
	files := app.Static()
	if files == nil {
		return errors.New("staticfiles is not installed")
	}
	collected, err := files.Collect(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d static files copied.\n", len(collected))
	return nil
}

func warmImages(ctx context.Context, w io.Writer, app *application.App, rawSpecs, sources []string) error {
	service := app.Images()
	if service == nil {
		return errors.New("images is not installed")
	}

	specs := make([]images.Spec, 0, len(rawSpecs))
	for _, raw := range rawSpecs {
		spec, err := images.ParseSpec(raw)
		if err != nil {
			return err
		}
		specs = append(specs, spec)
	}

	if len(sources) == 0 {
		var err error
		if sources, err = service.Sources(); err != nil {
			return fmt.Errorf("list images: %w", err)
		}
	}

	created, err := service.Warm(ctx, sources, specs)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d image variants ready.\n", created)
	return nil
}

func serve(cfg config.Settings) error {
	bootstrap, err := logging.New()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = bootstrap.Sync()
	}()

	app, err := application.New(context.Background(), cfg)
	if err != nil {
		bootstrap.Error("failed to initialize application", zap.Error(err))
		return err
	}
	logger := app.Logger()

	if err := app.Start(); err != nil {
		logger.Error("failed to start server", zap.Error(err))
		return err
	}

	shutdown(app.Server(), cfg.Server.ShutdownGracePeriod, logger)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGracePeriod)
	defer cancel()
	if err := app.Close(ctx); err != nil {
		logger.Warn("cleanup failed", zap.Error(err))
	}
	return nil
}

func shutdown(server *http.Server, timeout time.Duration, logger *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signalNotify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		if closeErr := server.Close(); closeErr != nil {
			logger.Error("forced close failed", zap.Error(closeErr))
		}
	}
}
