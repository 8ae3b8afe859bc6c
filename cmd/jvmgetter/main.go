package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"
	"gopkg.in/yaml.v3"

	"github.com/grafana/jvmgetter/pkg/jvmgetter"
	"github.com/grafana/jvmgetter/pkg/symtab"
)

var cfg struct {
	verbose    bool
	configFile string
	pid        int
	elf        struct {
		file   string
		symbol string
	}
}

var (
	consoleOutput            = os.Stderr
	logger        log.Logger = log.NewLogfmtLogger(consoleOutput)
)

// command is a subcommand registered by an optional part of the build.
type command struct {
	clause *kingpin.CmdClause
	run    func(out io.Writer) error
}

var extraCommands []func(app *kingpin.Application) command

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Locate and inspect the Java virtual machine of a process.").UsageWriter(os.Stdout)
	app.Version(version.Print("jvmgetter"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)
	app.Flag("config.file", "YAML file with jvmgetter configuration.").StringVar(&cfg.configFile)

	entryPointCmd := app.Command("entry-point", "Resolve the function enumerating the created virtual machines.")
	entryPointCmd.Flag("pid", "Process to scan, 0 for this one.").Default("0").IntVar(&cfg.pid)

	modulesCmd := app.Command("modules", "List the modules scanned for the entry point, in scan order.")
	modulesCmd.Flag("pid", "Process to scan, 0 for this one.").Default("0").IntVar(&cfg.pid)

	elfSymbolCmd := app.Command("elf-symbol", "Look a symbol up in a single ELF file.")
	elfSymbolCmd.Arg("file", "ELF file.").Required().ExistingFileVar(&cfg.elf.file)
	elfSymbolCmd.Arg("symbol", "Symbol name.").Required().StringVar(&cfg.elf.symbol)

	versionCmd := app.Command("version", "Print version information.")

	extra := make(map[string]command, len(extraCommands))
	for _, register := range extraCommands {
		c := register(app)
		extra[c.clause.FullCommand()] = c
	}

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	out := os.Stdout
	switch parsedCmd {
	case entryPointCmd.FullCommand():
		os.Exit(checkError(entryPoint(out)))
	case modulesCmd.FullCommand():
		os.Exit(checkError(modules(out)))
	case elfSymbolCmd.FullCommand():
		os.Exit(checkError(elfSymbol(out, cfg.elf.file, cfg.elf.symbol)))
	case versionCmd.FullCommand():
		fmt.Fprintln(out, version.Print("jvmgetter"))
	default:
		if c, ok := extra[parsedCmd]; ok {
			os.Exit(checkError(c.run(out)))
		}
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

// loadConfig returns the flag defaults overridden by the config file.
func loadConfig() (jvmgetter.Config, error) {
	c := jvmgetter.DefaultConfig()
	if cfg.configFile != "" {
		data, err := os.ReadFile(cfg.configFile)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("parsing %s: %w", cfg.configFile, err)
		}
	}
	if cfg.pid != 0 {
		c.Symtab.Pid = cfg.pid
	}
	return c, c.Validate()
}

func newResolver() (*symtab.ProcessResolver, jvmgetter.Config, error) {
	c, err := loadConfig()
	if err != nil {
		return nil, c, err
	}
	r, err := symtab.NewProcessResolver(log.With(logger, "component", "symtab"), c.Symtab, nil)
	return r, c, err
}

// moduleOf returns the module with the highest base at or below addr.
func moduleOf(mods []symtab.Module, addr uintptr) (symtab.Module, bool) {
	sorted := append([]symtab.Module(nil), mods...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })
	var found symtab.Module
	ok := false
	for _, m := range sorted {
		if m.Base > addr {
			break
		}
		found, ok = m, true
	}
	return found, ok
}

func entryPoint(out io.Writer) error {
	r, c, err := newResolver()
	if err != nil {
		return err
	}
	addr, err := r.Resolve(c.Symtab.EntryPoint)
	if err != nil {
		return err
	}
	path := "?"
	if mods, err := r.Modules(); err == nil {
		if m, ok := moduleOf(mods, addr); ok {
			path = m.Path
		}
	} else {
		level.Debug(logger).Log("msg", "listing modules failed", "err", err)
	}
	fmt.Fprintf(out, "%s\t%#x\t%s\n", c.Symtab.EntryPoint, addr, path)
	return nil
}

func modules(out io.Writer) error {
	r, _, err := newResolver()
	if err != nil {
		return err
	}
	mods, err := r.Modules()
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Path", "Base", "Hinted"})
	for _, m := range mods {
		table.Append([]string{m.Path, fmt.Sprintf("%#x", m.Base), fmt.Sprint(m.Hinted)})
	}
	table.Render()
	return nil
}

func elfSymbol(out io.Writer, file, name string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	sym, err := symtab.LookupELF(file, name, c.Symtab.MiniDebugInfo)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Name", "Value", "Section"})
	table.Append([]string{sym.Name, fmt.Sprintf("%#x", sym.Value), sym.Section})
	table.Render()
	return nil
}
