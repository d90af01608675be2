package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/guseggert/stdiosse/bridge"
	"github.com/guseggert/stdiosse/bridge/process"
	"github.com/guseggert/stdiosse/internal/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const stopTimeout = 10 * time.Second

var serveFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "listen-addr",
		Usage:   "The address for the HTTP server to listen on. Overrides --port.",
		EnvVars: []string{"LISTEN_ADDR"},
	},
	&cli.IntFlag{
		Name:    "port",
		Usage:   "The port to listen on, on all interfaces.",
		Value:   8808,
		EnvVars: []string{"PORT"},
	},
	&cli.StringFlag{
		Name:    "command",
		Usage:   "The subprocess to run.",
		Value:   "npx",
		EnvVars: []string{"STDIOSSE_COMMAND"},
	},
	&cli.StringSliceFlag{
		Name:  "arg",
		Usage: "An argument to the subprocess. May be repeated.",
		Value: cli.NewStringSlice("-y", "@felores/airtable-mcp-server"),
	},
	&cli.StringFlag{
		Name:  "credential-env",
		Usage: "The environment variable holding the subprocess's credential. Empty disables the check.",
		Value: config.DefaultCredentialEnv,
	},
	&cli.StringFlag{
		Name:  "credential-marker",
		Usage: "The prefix the credential starts with. Anything before it is stripped.",
		Value: config.DefaultCredentialMarker,
	},
	&cli.StringFlag{
		Name:  "env-file",
		Usage: "A dotenv file to load. Defaults to the nearest .env in the working directory or its parents.",
	},
	&cli.StringFlag{
		Name:    "log-level",
		Usage:   "One of [debug,info,warn,error].",
		Value:   "info",
		EnvVars: []string{"LOG_LEVEL"},
	},
	&cli.DurationFlag{
		Name:  "write-timeout",
		Usage: "How long a relayed message may wait on the subprocess's input before the relay fails.",
		Value: 5 * time.Second,
	},
	&cli.Float64Flag{
		Name:  "relay-rate",
		Usage: "Relayed messages allowed per second across all clients. Zero is unlimited.",
	},
	&cli.IntFlag{
		Name:  "relay-burst",
		Usage: "Burst size for --relay-rate.",
		Value: 10,
	},
	&cli.BoolFlag{
		Name:  "normalize",
		Usage: "Rewrite result.content into a single fenced text block.",
		Value: true,
	},
	&cli.StringSliceFlag{
		Name:  "cors-origin",
		Usage: "An origin allowed to call the bridge from a browser. May be repeated.",
		Value: cli.NewStringSlice("*"),
	},
	&cli.IntFlag{
		Name:  "queue-size",
		Usage: "Messages a client may fall behind by before it is disconnected.",
		Value: 64,
	},
	&cli.DurationFlag{
		Name:  "keep-alive",
		Usage: "Interval of keep-alive comments on idle event streams. Zero disables them.",
		Value: 30 * time.Second,
	},
	&cli.IntFlag{
		Name:  "max-line-size",
		Usage: "Longest subprocess output line in bytes. Zero is unlimited.",
	},
}

var clientFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "url",
		Usage:   "The base URL of the bridge.",
		Value:   "http://127.0.0.1:8808",
		EnvVars: []string{"STDIOSSE_URL"},
	},
}

func main() {
	app := &cli.App{
		Name:   "stdiosse",
		Usage:  "bridge a stdio JSON-RPC subprocess to HTTP streaming clients",
		Flags:  serveFlags,
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the bridge (default)",
				Flags:  serveFlags,
				Action: serve,
			},
			{
				Name:      "send",
				Usage:     "send one message to a running bridge",
				ArgsUsage: "[message, or read from stdin]",
				Flags:     clientFlags,
				Action:    send,
			},
			{
				Name:   "tail",
				Usage:  "print messages broadcast by a running bridge, one per line",
				Flags:  clientFlags,
				Action: tail,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(levelStr string) (*zap.Logger, zapcore.Level, error) {
	level, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		return nil, level, fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(level))
	if err != nil {
		return nil, level, fmt.Errorf("building logger: %w", err)
	}
	return logger, level, nil
}

func listenAddr(ctx *cli.Context) string {
	if addr := ctx.String("listen-addr"); addr != "" {
		return addr
	}
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(ctx.Int("port")))
}

func serve(ctx *cli.Context) error {
	logger, level, err := newLogger(ctx.String("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync()
	sugar := logger.Named("main").Sugar()

	envFile, err := config.LoadEnvFile(ctx.String("env-file"))
	if err != nil {
		return err
	}
	if envFile != "" {
		sugar.Infow("loaded env file", "Path", envFile)
	}

	procCfg := process.Config{
		Command:      ctx.String("command"),
		Args:         ctx.StringSlice("arg"),
		WriteTimeout: ctx.Duration("write-timeout"),
	}
	if name := ctx.String("credential-env"); name != "" {
		cred, err := config.LoadCredential(os.LookupEnv, name, ctx.String("credential-marker"))
		if err != nil {
			return fmt.Errorf("loading credential: %w", err)
		}
		sugar.Infow("loaded credential", "Credential", cred.String())
		procCfg.Env = append(procCfg.Env, cred.Env())
	}

	opts := []bridge.Option{
		bridge.WithLogger(logger),
		bridge.WithLogLevel(level),
		bridge.WithListenAddr(listenAddr(ctx)),
		bridge.WithQueueSize(ctx.Int("queue-size")),
		bridge.WithKeepAlive(ctx.Duration("keep-alive")),
		bridge.WithNormalize(ctx.Bool("normalize")),
		bridge.WithMaxLineSize(ctx.Int("max-line-size")),
		bridge.WithCORSOrigins(ctx.StringSlice("cors-origin")...),
	}
	if r := ctx.Float64("relay-rate"); r > 0 {
		opts = append(opts, bridge.WithRelayRateLimit(rate.Limit(r), ctx.Int("relay-burst")))
	}
	b, err := bridge.New(procCfg, opts...)
	if err != nil {
		return fmt.Errorf("building bridge: %w", err)
	}

	sugar.Infow("spawning process", "Command", procCfg.Command, "Args", procCfg.Args)
	// a launch failure is logged by the bridge, which keeps serving so clients see the failure
	_ = b.StartProcess()

	sigCtx, stopSignals := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	group, groupCtx := errgroup.WithContext(sigCtx)
	group.Go(b.Run)
	group.Go(func() error {
		<-groupCtx.Done()
		sugar.Info("shutting down")
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		return b.Stop(stopCtx)
	})
	return group.Wait()
}

func send(ctx *cli.Context) error {
	logger, _, err := newLogger("warn")
	if err != nil {
		return err
	}
	client := bridge.NewClient(logger.Sugar(), ctx.String("url"))

	var body []byte
	if ctx.Args().Present() {
		body = []byte(ctx.Args().First())
	} else {
		body, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
	}
	return client.Send(ctx.Context, body)
}

func tail(ctx *cli.Context) error {
	logger, _, err := newLogger("warn")
	if err != nil {
		return err
	}
	client := bridge.NewClient(logger.Sugar(), ctx.String("url"))

	sigCtx, stopSignals := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	stream, err := client.Stream(sigCtx)
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) || sigCtx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}
		if ev.Event == "message" {
			fmt.Println(ev.Data)
		}
	}
}
