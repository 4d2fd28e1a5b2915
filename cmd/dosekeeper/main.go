package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/gmsas95/dosekeeper/internal/app"
	"github.com/gmsas95/dosekeeper/internal/cli"
)

var (
	configPath = flag.String("config", "", "Path to config file")
	dataDir    = flag.String("data", "", "Path to data directory")
	version    = "dev"
)

func main() {
	flag.Usage = func() { cli.PrintHelp(os.Stderr) }
	flag.Parse()
	cli.Version = version

	args := flag.Args()
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	opts := cli.Options{ConfigPath: *configPath, DataDir: *dataDir}
	ctx := context.Background()

	var err error
	switch command {
	case "serve", "server", "run":
		err = cli.HandleServeCommand(opts)
	case "doses":
		err = cli.HandleDosesCommand(os.Stdout, args)
	case "status":
		cfg, loadErr := cli.LoadConfig(opts)
		if loadErr != nil {
			fail(loadErr)
		}
		cli.HandleStatusCommand(os.Stdout, cfg)
	case "token":
		cfg, loadErr := cli.LoadConfig(opts)
		if loadErr != nil {
			fail(loadErr)
		}
		err = cli.HandleTokenCommand(os.Stdout, cfg, args)
	case "plan":
		err = withApp(opts, func(a *app.App) error {
			return cli.HandlePlanCommand(ctx, os.Stdout, a, args)
		})
	case "recover":
		err = withApp(opts, func(a *app.App) error {
			return cli.HandleRecoverCommand(ctx, os.Stdout, a)
		})
	case "stock":
		err = withApp(opts, func(a *app.App) error {
			return cli.HandleStockCommand(ctx, os.Stdout, a)
		})
	case "triggers":
		err = withApp(opts, func(a *app.App) error {
			return cli.HandleTriggersCommand(os.Stdout, a)
		})
	case "version", "--version", "-v":
		fmt.Printf("Dosekeeper version %s\n", version)
	case "help", "--help", "-h":
		cli.PrintHelp(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		cli.PrintHelp(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		fail(err)
	}
}

// withApp opens storage for a one-shot command. It fails while a server
// holds the data directory.
func withApp(opts cli.Options, fn func(*app.App) error) error {
	a, err := cli.Bootstrap(opts)
	if err != nil {
		return err
	}
	defer a.Store.Close()
	defer a.Logger.Sync()
	return fn(a)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
