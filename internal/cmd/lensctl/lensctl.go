// Package lensctl parses client command flags and runs the analyze, usage and whoami commands
// against a gateway.
package lensctl

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tfkr-ae/lensgate/client"
	"github.com/tfkr-ae/lensgate/domain"
	"github.com/tfkr-ae/lensgate/identity"
)

const usageText = "usage: lensctl [flags] analyze <file> | usage | whoami"

// ErrUsage is returned when the command line names no known command.
var ErrUsage = errors.New(usageText)

// Config holds client command configuration.
type Config struct {
	GatewayURL string        `env:"LENSCTL_GATEWAY_URL" envDefault:"http://localhost:3000"`
	Prefix     string        `env:"LENSCTL_PREFIX" envDefault:"/api/"`
	TokenEnv   string        `env:"LENSCTL_TOKEN_ENV" envDefault:"LENSCTL_TOKEN"`
	TokenFile  string        `env:"LENSCTL_TOKEN_FILE"`
	Timeout    time.Duration `env:"LENSCTL_TIMEOUT" envDefault:"2m"`
	Verbose    bool          `env:"LENSCTL_VERBOSE"`

	// Token is a bearer token given on the command line. It wins over TokenFile and TokenEnv.
	Token string
	// Args are the command and its arguments.
	Args []string
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	fs.StringVar(&cfg.GatewayURL, "gateway", cfg.GatewayURL, "Gateway origin")
	fs.StringVar(&cfg.Prefix, "prefix", cfg.Prefix, "Public prefix the gateway serves the backend under")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "Bearer token")
	fs.StringVar(&cfg.TokenFile, "token-file", cfg.TokenFile, "File holding the bearer token, read on every call")
	fs.StringVar(&cfg.TokenEnv, "token-env", cfg.TokenEnv, "Environment variable holding the bearer token")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Timeout of each gateway call")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Log gateway calls to stderr")
	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.Args = fs.Args()
	return cfg, nil
}

// TokenSource picks the bearer token source: the -token flag, then the token file, then the
// environment variable.
func (cfg Config) TokenSource() identity.TokenSource {
	switch {
	case cfg.Token != "":
		return identity.StaticTokenSource(cfg.Token)
	case cfg.TokenFile != "":
		return identity.FileTokenSource{Path: cfg.TokenFile}
	default:
		return identity.EnvTokenSource{Name: cfg.TokenEnv}
	}
}

// Run executes the command named in cfg.Args, writing its output to out. A failed call prints the
// user-facing message to out and returns the underlying error.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if len(cfg.Args) == 0 {
		return ErrUsage
	}

	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	tokens := cfg.TokenSource()
	c, err := client.New(cfg.GatewayURL, tokens,
		client.WithPrefix(cfg.Prefix),
		client.WithLogger(logger),
		client.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	)
	if err != nil {
		return err
	}

	switch cfg.Args[0] {
	case "analyze":
		if len(cfg.Args) != 2 {
			return ErrUsage
		}
		return report(out, analyze(ctx, out, c, logger, cfg.Args[1]))
	case "usage":
		usage, err := c.Usage(ctx)
		if err != nil {
			return report(out, err)
		}
		writeUsage(out, usage)
		return nil
	case "whoami":
		return report(out, whoami(ctx, out, identity.NewSession(tokens)))
	default:
		return ErrUsage
	}
}

// analyze runs the signed-in flow: the usage snapshot is loaded first and never blocks the
// analysis, then the file is checked, uploaded and the result shown with the freshest usage.
func analyze(ctx context.Context, out io.Writer, c *client.Client, logger *slog.Logger, path string) error {
	usage := client.LoadUsage(ctx, c, logger)

	upload, err := c.OpenUpload(path)
	if err != nil {
		return err
	}
	result, err := c.Analyze(ctx, upload)
	if err != nil {
		return err
	}
	if result.Usage != nil {
		usage = result.Usage
	}

	if err := writeAnalysis(out, result); err != nil {
		return err
	}
	if usage != nil {
		fmt.Fprintln(out)
		writeUsage(out, usage)
	}
	return nil
}

func whoami(ctx context.Context, out io.Writer, session *identity.Session) error {
	claims, err := session.Claims(ctx)
	if err != nil {
		if errors.Is(err, identity.ErrExpired) || errors.Is(err, identity.ErrNoToken) {
			return fmt.Errorf("%w : %w", client.ErrNotSignedIn, err)
		}
		// opaque tokens are still sent as bearer tokens, only their claims are unknown
		if errors.Is(err, identity.ErrMalformedToken) {
			fmt.Fprintln(out, "Signed in (opaque token)")
			return nil
		}
		return err
	}

	subject := claims.Subject
	if subject == "" {
		subject = "unknown user"
	}
	fmt.Fprintf(out, "Signed in as %s\n", subject)
	if claims.Issuer != "" {
		fmt.Fprintf(out, "Issuer: %s\n", claims.Issuer)
	}
	if !claims.ExpiresAt.IsZero() {
		fmt.Fprintf(out, "Expires: %s\n", claims.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// writeAnalysis prints the analysis text, or the whole payload when the backend sent no text.
func writeAnalysis(out io.Writer, result *domain.AnalysisResult) error {
	if result.Analysis != "" {
		_, err := fmt.Fprintln(out, result.Analysis)
		return err
	}
	pretty, err := json.MarshalIndent(result.Raw, "", "  ")
	if err != nil {
		return fmt.Errorf("rendering analysis : %w", err)
	}
	_, err = fmt.Fprintln(out, string(pretty))
	return err
}

// writeUsage renders the usage card. Remaining is hidden for unlimited plans.
func writeUsage(out io.Writer, usage *domain.Usage) {
	tier := "Free"
	if usage.Premium() {
		tier = "Premium"
	}
	fmt.Fprintf(out, "Tier: %s\n", tier)
	fmt.Fprintf(out, "Analyses used: %d / %s\n", usage.AnalysesUsed, usage.Limit)
	if !usage.Remaining.Unlimited {
		fmt.Fprintf(out, "Remaining: %s\n", usage.Remaining)
	}
}

func report(out io.Writer, err error) error {
	if err != nil {
		fmt.Fprintf(out, "Error: %s\n", client.Message(err))
	}
	return err
}
