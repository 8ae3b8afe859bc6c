//go:build jvmintrospect

package main

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/jvmgetter/pkg/introspect"
)

func init() {
	extraCommands = append(extraCommands, func(app *kingpin.Application) command {
		var file string
		clause := app.Command("layouts", "List the runtime layouts known to the introspection fallback.")
		clause.Flag("layout-file", "YAML file with additional layouts.").StringVar(&file)
		return command{clause: clause, run: func(out io.Writer) error {
			ls := introspect.BuiltinLayouts()
			if file != "" {
				if err := ls.LoadFile(file); err != nil {
					return err
				}
			}
			return printLayouts(out, ls)
		}}
	})
}

func printLayouts(out io.Writer, ls *introspect.Layouts) error {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"API level", "Pointer", "Class linker distances", "Class loaders", "Boot table", "Status shift", "Initialized", "Pointer tag mask"})
	for _, lvl := range ls.Levels() {
		l, _, err := ls.Get(lvl, false)
		if err != nil {
			return err
		}
		table.Append([]string{
			fmt.Sprint(l.APILevel),
			fmt.Sprint(l.PointerSize),
			fmt.Sprint(l.ClassLinkerDistances),
			fmt.Sprint(l.ClassLinkerClassLoaders),
			fmt.Sprint(l.ClassLinkerBootClassTable),
			fmt.Sprint(l.StatusShift),
			fmt.Sprint(l.StatusInitialized),
			fmt.Sprintf("%#x", l.PointerTagMask),
		})
	}
	table.Render()
	return nil
}
