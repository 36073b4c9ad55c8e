package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/ubershmekel/jenkins/internal/version"
)

var CLI struct {
	Config  string           `short:"c" help:"Server configuration file path" default:"server.yaml"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `help:"Print version and exit"`

	Serve struct{} `cmd:"" default:"1" help:"Run the build controller"`

	Trigger struct {
		Job     string `arg:"" help:"Full job name, e.g. team/app"`
		Server  string `short:"s" help:"Controller base URL" default:"http://127.0.0.1:8080"`
		Subject string `help:"Identity for the request" default:"cli"`
		Cause   string `help:"Optional cause note attached to the build"`
	} `cmd:"" help:"Schedule a build of a job on a running controller"`

	Wipe struct {
		Job     string `arg:"" help:"Full job name, e.g. team/app"`
		Server  string `short:"s" help:"Controller base URL" default:"http://127.0.0.1:8080"`
		Subject string `help:"Identity for the request" default:"cli"`
	} `cmd:"" help:"Delete a job's workspace on a running controller"`
}

func main() {
	// A .env next to the binary may carry deployment settings; missing is fine.
	_ = godotenv.Load()

	ctx := kong.Parse(&CLI, kong.Vars{"version": version.String()})

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	var err error
	switch ctx.Command() {
	case "serve":
		err = runServe(CLI.Config)
	case "trigger <job>":
		err = runTrigger(CLI.Trigger.Server, CLI.Trigger.Subject, CLI.Trigger.Job, CLI.Trigger.Cause)
	case "wipe <job>":
		err = runWipe(CLI.Wipe.Server, CLI.Wipe.Subject, CLI.Wipe.Job)
	default:
		err = ctx.PrintUsage(false)
	}
	if err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
