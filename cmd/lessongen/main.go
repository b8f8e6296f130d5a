package main

import (
	"github.com/alecthomas/kong"

	. "github.com/roelfdiedericks/lessongen/internal/logging"
)

const version = "0.1.0"

// Globals are flags shared by every command.
type Globals struct {
	Config string `short:"c" help:"Config file (default: ./lessongen.{json,toml,yaml} then ~/.lessongen/)" type:"path"`
	Debug  bool   `short:"d" help:"Debug logging"`
	Trace  bool   `help:"Trace logging (very verbose)"`
}

type CLI struct {
	Globals

	Run      RunCmd      `cmd:"" help:"Generate every prompt in a JSONL file through the admission queue"`
	Generate GenerateCmd `cmd:"" help:"Generate a single prompt and print the result"`
	Check    CheckCmd    `cmd:"" help:"Validate config and show providers, keys and models"`
	Stats    StatsCmd    `cmd:"" help:"Print the persisted metrics snapshot"`
	Configs  ConfigCmd   `cmd:"" name:"config" help:"Config file helpers"`
	Version  VersionCmd  `cmd:"" help:"Print version"`
}

type ConfigCmd struct {
	Init ConfigInitCmd `cmd:"" help:"Write an example config"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("lessongen"),
		kong.Description("Dispatches educational content generation across LLM providers with key rotation, fallback and admission control."),
		kong.UsageOnError(),
	)

	level := LevelInfo
	if cli.Debug {
		level = LevelDebug
	}
	if cli.Trace {
		level = LevelTrace
	}
	Init(&Config{Level: level, TimeFormat: "15:04:05", ShowCaller: cli.Debug || cli.Trace})

	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}
