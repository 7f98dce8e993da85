package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
)

type cli struct {
	args []string
}

type command interface {
	Name() string
	Help() string
	Run(context.Context) error
	Register(*flag.FlagSet)
}

func (c *cli) run(ctx context.Context) int {
	cmdName, args := parseArgs(c.args)
	if cmdName == "" {
		printUsage(os.Stdout)
		return errorExitCode
	}

	for _, cmd := range commands {
		if cmd.Name() == cmdName {
			flags := flag.NewFlagSet(cmdName, flag.ContinueOnError)
			cmd.Register(flags)
			if err := flags.Parse(args); err != nil {
				flags.PrintDefaults()
				return errorExitCode
			}
			if err := cmd.Run(ctx); err != nil {
				fmt.Printf("Command failed: %v\n", err)
				return errorExitCode
			}
			return successExitCode
		}
	}

	fmt.Printf("Unknown command: %s\n", cmdName)
	printUsage(os.Stdout)
	return errorExitCode
}

var (
	successExitCode = 0
	errorExitCode   = 1
	commands        []command
)

func main() {
	commands = defaultCommands(os.Stdout)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	c := cli{
		args: os.Args,
	}
	code := c.run(ctx)
	stop()
	os.Exit(code)
}

func defaultCommands(out io.Writer) []command {
	return []command{
		newBitratesCommand(out),
		newFramesizesCommand(out),
		newTimestampsCommand(out),
	}
}

func parseArgs(args []string) (string, []string) {
	if len(args) < 2 {
		return "", nil
	}
	return args[1], args[2:]
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Graphctl runs streaming graph scenarios")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: graphctl <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "\t%s\t%s\n", cmd.Name(), cmd.Help())
	}
}
