package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ergochat/readline"

	"github.com/lutraconsulting/geodiff"
	"github.com/lutraconsulting/geodiff/driver"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("diff"),
	readline.PcItem("apply"),
	readline.PcItem("dump"),
	readline.PcItem("invert"),
	readline.PcItem("concat"),
	readline.PcItem("tables"),
	readline.PcItem("drivers"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

const usage = `usage: geodiff [-driver name] [-config file.yaml] <command> [args]

commands:
  diff <base> <modified> <out.diff>   write the difference between two databases
  apply <base> <changeset>            replay a changeset onto a database
  dump <changeset>                    print a changeset as JSON
  invert <src> <dst>                  write a changeset undoing another
  concat <out> <src>...               concatenate changesets
  tables <base>                       list the user tables of a database
  drivers                             list available drivers
  shell                               interactive session

with -config, <base>/<modified> arguments come from the file instead`

var errBadCommand = errors.New("bad command or arguments")

func runCommand(driverName string, conf *Config, args []string) error {
	if len(args) == 0 {
		return errBadCommand
	}
	conn := func(base, modified string) driver.Connection {
		c := driver.Connection{}
		if conf != nil {
			base, modified = conf.Base, conf.Modified
		}
		c[driver.ConnBase] = base
		if modified != "" {
			c[driver.ConnModified] = modified
		}
		return c
	}
	if conf != nil && conf.Driver != "" {
		driverName = conf.Driver
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "diff":
		var out string
		var c driver.Connection
		switch {
		case conf != nil && len(rest) == 1:
			c, out = conn("", ""), rest[0]
		case len(rest) == 3:
			c, out = conn(rest[0], rest[1]), rest[2]
		default:
			return errBadCommand
		}
		return geodiff.CreateChangeset(driverName, c, out)
	case "apply":
		var path string
		var c driver.Connection
		switch {
		case conf != nil && len(rest) == 1:
			c, path = driver.Connection{driver.ConnBase: conf.Base}, rest[0]
		case len(rest) == 2:
			c, path = conn(rest[0], ""), rest[1]
		default:
			return errBadCommand
		}
		return geodiff.ApplyChangeset(driverName, c, path)
	case "dump":
		if len(rest) != 1 {
			return errBadCommand
		}
		return geodiff.ExportChangesetJSON(rest[0], os.Stdout)
	case "invert":
		if len(rest) != 2 {
			return errBadCommand
		}
		return geodiff.InvertChangeset(rest[0], rest[1])
	case "concat":
		if len(rest) < 2 {
			return errBadCommand
		}
		return geodiff.ConcatChangesets(rest[0], rest[1:]...)
	case "tables":
		var c driver.Connection
		switch {
		case conf != nil && len(rest) == 0:
			c = driver.Connection{driver.ConnBase: conf.Base}
		case len(rest) == 1:
			c = conn(rest[0], "")
		default:
			return errBadCommand
		}
		tables, err := geodiff.ListTables(driverName, c)
		if err != nil {
			return err
		}
		for _, name := range tables {
			fmt.Println(name)
		}
		return nil
	case "drivers":
		for _, name := range driver.Names() {
			fmt.Println(name)
		}
		return nil
	case "help":
		fmt.Println(usage)
		return nil
	}
	return errBadCommand
}

func shell(driverName string, conf *Config) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:              "geodiff> ",
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		AutoComplete:        completer,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			return nil
		}
		args := strings.Fields(strings.TrimSpace(line))
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			return nil
		}
		if err := runCommand(driverName, conf, args); err != nil {
			if errors.Is(err, errBadCommand) {
				fmt.Println(usage)
				continue
			}
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func main() {
	driverName := flag.String("driver", "sqlite", "database driver to use")
	configPath := flag.String("config", "", "YAML connection file")
	flag.Parse()

	var conf *Config
	if *configPath != "" {
		var err error
		conf, err = LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	}

	args := flag.Args()
	if len(args) > 0 && args[0] == "shell" {
		if err := shell(*driverName, conf); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}
	if err := runCommand(*driverName, conf, args); err != nil {
		if errors.Is(err, errBadCommand) {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
