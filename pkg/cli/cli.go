package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/createtree2017/createtree/pkg/cmd/generate"
	"github.com/createtree2017/createtree/pkg/cmd/migrate"
	"github.com/createtree2017/createtree/pkg/cmd/reconcile"
	"github.com/createtree2017/createtree/pkg/cmd/web"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/peterbourgon/ff/v3/ffyaml"
	"github.com/rs/zerolog"
)

const envPrefix = "CREATETREE"

func New(version, commit, date string) *ffcli.Command {
	fs := flag.NewFlagSet("createtree", flag.ExitOnError)

	return &ffcli.Command{
		ShortUsage: "createtree [flags] <subcommand>",
		FlagSet:    fs,
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
		Subcommands: []*ffcli.Command{
			newVersionCommand(version, commit, date),
			newMigrateCommand(),
			newGenerateCommand(),
			newServeCommand(),
			newReconcileCommand(),
		},
	}
}

func newVersionCommand(version, commit, date string) *ffcli.Command {
	return &ffcli.Command{
		Name:       "version",
		ShortUsage: "createtree version",
		ShortHelp:  "print version",
		Exec: func(ctx context.Context, args []string) error {
			v := version
			if v == "" {
				if buildInfo, ok := debug.ReadBuildInfo(); ok {
					v = buildInfo.Main.Version
				}
			}
			if v == "" {
				v = "dev"
			}
			versionFields := []string{v}
			if commit != "" {
				versionFields = append(versionFields, commit)
			}
			if date != "" {
				versionFields = append(versionFields, date)
			}
			fmt.Println(strings.Join(versionFields, " "))
			return nil
		},
	}
}

func options() []ff.Option {
	return []ff.Option{
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ffyaml.Parser),
		ff.WithEnvVarPrefix(envPrefix),
	}
}

// withDebug sets the global log level before running exec.
func withDebug(debug *bool, exec func(ctx context.Context, args []string) error) func(ctx context.Context, args []string) error {
	return func(ctx context.Context, args []string) error {
		if *debug {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
		return exec(ctx, args)
	}
}

func newMigrateCommand() *ffcli.Command {
	cmd := "migrate"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &migrate.Config{}

	fs.BoolVar(&cfg.Debug, "debug", false, "debug mode")
	fs.StringVar(&cfg.DBType, "db-type", "sqlite", "db type (sqlite, mysql, postgres)")
	fs.StringVar(&cfg.DBConn, "db-conn", "createtree.db", "path for sqlite, dsn for mysql or postgres")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("createtree %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "create or upgrade the job tables",
		FlagSet:    fs,
		Exec: withDebug(&cfg.Debug, func(ctx context.Context, args []string) error {
			return migrate.Run(ctx, cfg)
		}),
	}
}

func newGenerateCommand() *ffcli.Command {
	cmd := "generate"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &generate.Config{}
	cfg.Register(fs)

	req := &cfg.Request
	fs.StringVar(&req.Prompt, "prompt", "", "prompt of the song")
	fs.StringVar(&req.Style, "style", "", "style of the song")
	fs.StringVar(&req.Title, "title", "", "title of the song")
	fs.IntVar(&req.Duration, "duration", 0, "target duration in seconds (0 lets the provider decide)")
	fs.BoolVar(&req.Instrumental, "instrumental", false, "instrumental song")
	fs.BoolVar(&req.GenerateLyrics, "lyrics", true, "generate lyrics")
	fs.StringVar(&req.Lyrics, "lyrics-text", "", "lyrics to use instead of generating them")
	fs.StringVar(&req.SubjectName, "name", "", "name to personalize the song with")
	fs.StringVar(&req.Gender, "gender", "", "gender of the named child (boy, girl)")
	fs.StringVar(&req.Language, "lang", "", "lyrics language (defaults to --language)")
	fs.StringVar(&req.UserID, "user", "cli", "user id stored with the job")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("createtree %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "generate a song and wait for it",
		FlagSet:    fs,
		Exec: withDebug(&cfg.Debug, func(ctx context.Context, args []string) error {
			return generate.Run(ctx, cfg)
		}),
	}
}

func newServeCommand() *ffcli.Command {
	cmd := "serve"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &web.Config{}
	cfg.Register(fs)

	fs.StringVar(&cfg.Addr, "addr", ":8080", "address to listen on")
	fs.DurationVar(&cfg.ResumeInterval, "resume-interval", time.Minute, "how often to pick up unfinished jobs (0 disables)")
	fsMapVar(fs, &cfg.Credentials, "creds", nil, "credentials to use (semicolon separated) Example: user1:pass1;user2:pass2")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("createtree %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "serve the music generation api",
		FlagSet:    fs,
		Exec: withDebug(&cfg.Debug, func(ctx context.Context, args []string) error {
			return web.Serve(ctx, cfg)
		}),
	}
}

func newReconcileCommand() *ffcli.Command {
	cmd := "reconcile"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &reconcile.Config{}
	cfg.Register(fs)

	fs.IntVar(&cfg.Concurrency, "concurrency", 4, "number of jobs settled at once")
	fs.IntVar(&cfg.Limit, "limit", 0, "max jobs of each kind (0 means no limit)")
	fs.DurationVar(&cfg.MinAge, "min-age", 5*time.Minute, "skip jobs updated more recently than this")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("createtree %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "settle timed out jobs and retry failed storage migrations",
		FlagSet:    fs,
		Exec: withDebug(&cfg.Debug, func(ctx context.Context, args []string) error {
			return reconcile.Run(ctx, cfg)
		}),
	}
}

type mapValue struct {
	v *map[string]string
}

func (m *mapValue) String() string {
	if m.v == nil {
		return ""
	}
	return fmt.Sprintf("%v", map[string]string(*m.v))
}

func (m *mapValue) Set(value string) error {
	if m.v == nil {
		return errors.New("nil map reference")
	}
	pairs := strings.Split(value, ";")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid map entry: %s", pair)
		}
		(*m.v)[parts[0]] = parts[1]
	}
	return nil
}

func fsMapVar(fs *flag.FlagSet, p *map[string]string, name string, value map[string]string, usage string) {
	if value == nil {
		value = make(map[string]string)
	}
	*p = value
	fs.Var(&mapValue{p}, name, usage)
}
