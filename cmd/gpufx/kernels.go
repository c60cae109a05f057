package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/fxnlabs/gpufx/internal/gpu"
	"github.com/fxnlabs/gpufx/internal/kernels"
	"github.com/fxnlabs/gpufx/internal/shaders"
)

func kernelsCommand() *cli.Command {
	return &cli.Command{
		Name:  "kernels",
		Usage: "List the built-in transition kernels",
		Action: func(c *cli.Context) error {
			w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tENTRY\tPARAMS\tBYTES\tDESCRIPTION")
			for _, k := range kernels.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", k.Name, k.Entry, k.Params.Type.Name(), k.Params.Size, k.Description)
			}
			return w.Flush()
		},
	}
}

func parseDialect(s string) (gpu.Dialect, error) {
	switch d := gpu.Dialect(s); d {
	case gpu.DialectCUDA, gpu.DialectMetal, gpu.DialectWGSL:
		return d, nil
	default:
		return "", fmt.Errorf("unknown dialect %q (cuda, metal or wgsl)", s)
	}
}

func flattenCommand() *cli.Command {
	return &cli.Command{
		Name:      "flatten",
		Usage:     "Print a kernel source with its includes expanded, or list the embedded sources",
		ArgsUsage: "[kernel]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dialect", Value: string(gpu.DialectCUDA), Usage: "cuda, metal or wgsl"},
			&cli.StringFlag{Name: "dir", Usage: "Read sources from this directory instead of the embedded copy"},
			&cli.StringSliceFlag{Name: "include", Usage: "Extra include directory, relative to --dir"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() > 1 {
				return cli.ShowCommandHelp(c, "flatten")
			}
			dialect, err := parseDialect(c.String("dialect"))
			if err != nil {
				return err
			}
			if c.NArg() == 0 {
				for _, name := range shaders.Names(dialect) {
					fmt.Fprintln(c.App.Writer, name)
				}
				return nil
			}
			name := c.Args().First()

			var src string
			if dir := c.String("dir"); dir != "" {
				includes := append([]string{shaders.IncludeDir}, c.StringSlice("include")...)
				src, err = shaders.Flatten(os.DirFS(dir), shaders.SourcePath(shaders.SourceDir, name, dialect), includes)
			} else {
				src, err = shaders.Source(name, dialect)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(c.App.Writer, src)
			return err
		},
	}
}
