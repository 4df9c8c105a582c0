package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"posetl/internal/conf"
	"posetl/internal/service"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/config"
	"github.com/go-kratos/kratos/v2/config/env"
	"github.com/go-kratos/kratos/v2/config/file"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
	_ "go.uber.org/automaxprocs"
)

// go build -ldflags "-X main.Version=x.y.z"
var (
	// Name is the name of the compiled software.
	Name = "posetl"
	// Version is the version of the compiled software.
	Version string
	// flagconf is the config flag.
	flagconf string

	// one-shot flags
	flagDomain   string
	flagLevel    string
	flagStage    string
	flagStart    string
	flagEnd      string
	flagBranches string
	flagMode     string
	flagUpstream string
	flagStrict   bool

	id, _ = os.Hostname()
)

func init() {
	flag.StringVar(&flagconf, "conf", "../../configs", "config path, eg: -conf config.yaml")
	flag.StringVar(&flagDomain, "domain", "", "run one fetch for this domain and exit")
	flag.StringVar(&flagLevel, "level", "", "mart level configured under pipeline.domains.<domain>.marts")
	flag.StringVar(&flagStage, "stage", "mart", "target stage: raw, core or mart")
	flag.StringVar(&flagStart, "start", "", "first day, YYYY-MM-DD")
	flag.StringVar(&flagEnd, "end", "", "last day, YYYY-MM-DD")
	flag.StringVar(&flagBranches, "branches", "", "comma separated branches, empty for all")
	flag.StringVar(&flagMode, "mode", "missing", "run mode: missing or force")
	flag.StringVar(&flagUpstream, "upstream-mode", "", "run mode for upstream stages, defaults to missing")
	flag.BoolVar(&flagStrict, "strict", false, "fail when any partition fails")
}

func newApp(logger log.Logger, hs *http.Server, executor *service.RunExecutor, cs *service.CronService, trigger *service.RunTriggerService) *kratos.App {
	return kratos.New(
		kratos.ID(id),
		kratos.Name(Name),
		kratos.Version(Version),
		kratos.Metadata(map[string]string{}),
		kratos.Logger(logger),
		kratos.Server(
			hs,
			executor,
			cs,
			trigger,
		),
	)
}

func newLogger(c *conf.Log, w io.Writer) log.Logger {
	logger := log.With(log.NewStdLogger(w),
		"ts", log.DefaultTimestamp,
		"caller", log.DefaultCaller,
		"service.id", id,
		"service.name", Name,
		"service.version", Version,
	)
	level := log.LevelInfo
	if c != nil && c.Level != "" {
		level = log.ParseLevel(c.Level)
	}
	return log.NewFilter(logger, log.FilterLevel(level))
}

func main() {
	flag.Parse()

	c := config.New(
		config.WithSource(
			env.NewSource("POSETL_"),
			file.NewSource(flagconf),
		),
	)
	defer c.Close()

	if err := c.Load(); err != nil {
		panic(err)
	}

	var bc conf.Bootstrap
	if err := c.Scan(&bc); err != nil {
		panic(err)
	}
	if flagDomain != "" {
		// stdout carries the JSON result
		code := runOnce(&bc, newLogger(bc.Log, os.Stderr))
		c.Close()
		os.Exit(code)
	}
	logger := newLogger(bc.Log, os.Stdout)

	app, cleanup, err := wireApp(bc.Server, bc.Data, bc.Pipeline, bc.Wansoft, bc.Cron, logger)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	// start and wait for stop signal
	if err := app.Run(); err != nil {
		panic(err)
	}
}

// runOnce 执行一次 Fetch 并输出 JSON 结果，失败返回非零退出码
func runOnce(bc *conf.Bootstrap, logger log.Logger) int {
	helper := log.NewHelper(logger)
	svc, cleanup, err := wireOneShot(bc.Data, bc.Pipeline, bc.Wansoft, logger)
	if err != nil {
		helper.Errorf("Failed to initialize: %v", err)
		return 1
	}
	defer cleanup()

	req := &service.FetchRequest{
		Domain:       flagDomain,
		Level:        flagLevel,
		Stage:        flagStage,
		Start:        flagStart,
		End:          flagEnd,
		Branches:     splitFlagList(flagBranches),
		Mode:         flagMode,
		UpstreamMode: flagUpstream,
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "strict" {
			strict := flagStrict
			req.Strict = &strict
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reply, err := svc.Fetch(ctx, req)
	if err != nil {
		helper.Errorf("Fetch failed: %v", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reply); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if len(reply.Failed) > 0 {
		helper.Warnf("Fetch finished with %d failed range(s)", len(reply.Failed))
	}
	return 0
}

func splitFlagList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
