package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dexsmali/dex"
	"dexsmali/internal/render"
	"dexsmali/smali"
)

func closeAll(files []*dex.File) {
	for _, f := range files {
		f.Close()
	}
}

// load opens the single file argument of a command, a .dex or an .apk.
func load(c *cli.Context) ([]*dex.File, error) {
	if c.NArg() != 1 {
		return nil, errors.Errorf("%s needs exactly one DEX or APK file", c.Command.Name)
	}
	return dex.Load(c.Args().First())
}

func (rt *runtime) infoCommand() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "print header fields, pool sizes and integrity of a DEX file",
		ArgsUsage: "<file.dex|file.apk>",
		Action: func(c *cli.Context) error {
			files, err := load(c)
			if err != nil {
				return err
			}
			defer closeAll(files)
			for _, f := range files {
				rt.info(f)
			}
			return nil
		},
	}
}

func (rt *runtime) info(f *dex.File) {
	h := f.Header
	integrity := "ok"
	if err := f.Verify(); err != nil {
		integrity = err.Error()
	}
	w := rt.stdout
	fmt.Fprintf(w, "[+] %s\n", f.Name)
	fmt.Fprintf(w, "    %-12s %s\n", "version", h.Version())
	fmt.Fprintf(w, "    %-12s %d\n", "file size", h.FileSize)
	fmt.Fprintf(w, "    %-12s 0x%08x\n", "checksum", h.Checksum)
	fmt.Fprintf(w, "    %-12s %s\n", "signature", hex.EncodeToString(h.Signature[:]))
	fmt.Fprintf(w, "    %-12s %s\n", "integrity", integrity)
	fmt.Fprintf(w, "    %-12s %d\n", "strings", f.NumStrings())
	fmt.Fprintf(w, "    %-12s %d\n", "types", f.NumTypes())
	fmt.Fprintf(w, "    %-12s %d\n", "protos", f.NumProtos())
	fmt.Fprintf(w, "    %-12s %d\n", "fields", f.NumFields())
	fmt.Fprintf(w, "    %-12s %d\n", "methods", f.NumMethods())
	fmt.Fprintf(w, "    %-12s %d\n", "classes", len(f.Classes()))
	fmt.Fprintf(w, "    %-12s %d\n", "code items", len(f.CodeItems()))
}

func (rt *runtime) classesCommand() *cli.Command {
	return &cli.Command{
		Name:      "classes",
		Usage:     "list classes and their methods with code offsets",
		ArgsUsage: "<file.dex|file.apk>",
		Action: func(c *cli.Context) error {
			files, err := load(c)
			if err != nil {
				return err
			}
			defer closeAll(files)
			for _, f := range files {
				if err := rt.classes(f); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (rt *runtime) classes(f *dex.File) error {
	w := rt.stdout
	for _, cd := range f.Classes() {
		fmt.Fprintln(w, cd.Class)
		for _, em := range cd.Methods() {
			m, err := f.Method(em.Method)
			if err != nil {
				return errors.Wrapf(err, "%s class %s", f.Name, cd.Class)
			}
			if m.CodeOffset == 0 {
				fmt.Fprintf(w, "    [%d] %s\n", m.Index, m.Pretty())
				continue
			}
			fmt.Fprintf(w, "    [%d] %s @0x%x\n", m.Index, m.Pretty(), uint32(m.CodeOffset))
		}
	}
	return nil
}

func (rt *runtime) disasmCommand() *cli.Command {
	return &cli.Command{
		Name:      "disasm",
		Usage:     "disassemble classes to smali",
		ArgsUsage: "<file.dex|file.apk>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "class", Usage: "only classes whose descriptor contains this"},
			&cli.StringFlag{Name: "method", Usage: "only methods with this name, printed to stdout"},
			&cli.StringFlag{Name: "out", Usage: "write one .smali file per class under this directory"},
			&cli.BoolFlag{Name: "color", Usage: "colour tokens by type"},
			&cli.IntFlag{Name: "workers", Usage: "classes disassembled in parallel with --out"},
		},
		Action: func(c *cli.Context) error {
			cfg := rt.cfg
			if c.IsSet("out") {
				cfg.Output = c.String("out")
			}
			if c.IsSet("color") {
				cfg.Color = c.Bool("color")
			}
			if c.IsSet("workers") {
				cfg.Workers = c.Int("workers")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			method := c.String("method")
			if method != "" && cfg.Output != "" {
				return errors.New("--method prints to stdout and cannot be used with an output directory")
			}

			files, err := load(c)
			if err != nil {
				return err
			}
			defer closeAll(files)

			job := &disasmJob{
				printer: render.New(render.Options{Color: cfg.Color, Indent: cfg.Indent}),
				logger:  rt.logger,
				class:   c.String("class"),
				method:  method,
			}
			for _, f := range files {
				job.file = f
				job.dis = smali.NewDisassembler(f, rt.logger)
				if cfg.Output == "" {
					err = job.toWriter(rt.stdout)
				} else {
					var n int
					n, err = job.toDir(c, cfg.Output, cfg.Workers)
					if err == nil {
						fmt.Fprintf(rt.stdout, "[+] Wrote %d classes from %s to %s\n", n, f.Name, cfg.Output)
					}
				}
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
}

type disasmJob struct {
	file    *dex.File
	dis     *smali.Disassembler
	printer *render.Printer
	logger  *zap.Logger
	class   string
	method  string
}

func (j *disasmJob) selected() []*dex.ClassDef {
	var out []*dex.ClassDef
	classes := j.file.Classes()
	for i := range classes {
		if strings.Contains(classes[i].Class, j.class) {
			out = append(out, &classes[i])
		}
	}
	return out
}

func (j *disasmJob) toWriter(w io.Writer) error {
	bw := bufio.NewWriter(w)
	defer bw.Flush()
	for i, cd := range j.selected() {
		if j.method == "" {
			if i > 0 {
				fmt.Fprintln(bw)
			}
			if err := j.printer.Class(bw, j.file, cd, j.dis); err != nil {
				return err
			}
			continue
		}
		for _, em := range cd.Methods() {
			m, err := j.file.Method(em.Method)
			if err != nil {
				return err
			}
			if m.Name != j.method {
				continue
			}
			fmt.Fprintf(bw, "# %s\n", cd.Class)
			if err := j.printer.Method(bw, j.file, em, j.dis); err != nil {
				return err
			}
			fmt.Fprintln(bw)
		}
	}
	return nil
}

// smaliPath maps Lcom/example/Foo; to dir/com/example/Foo.smali.
func smaliPath(dir, desc string) string {
	name := strings.TrimSuffix(strings.TrimPrefix(desc, "L"), ";")
	return filepath.Join(dir, filepath.FromSlash(name)+".smali")
}

func (j *disasmJob) toDir(c *cli.Context, dir string, workers int) (int, error) {
	classes := j.selected()
	g, ctx := errgroup.WithContext(c.Context)
	g.SetLimit(workers)
	for _, cd := range classes {
		cd := cd
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return j.writeClass(dir, cd)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(classes), nil
}

func (j *disasmJob) writeClass(dir string, cd *dex.ClassDef) error {
	path := smaliPath(dir, cd.Class)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}
	out, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	bw := bufio.NewWriter(out)
	err = j.printer.Class(bw, j.file, cd, j.dis)
	if ferr := bw.Flush(); err == nil {
		err = ferr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	j.logger.Debug("wrote class", zap.String("class", cd.Class), zap.String("path", path))
	return nil
}

func (rt *runtime) patchCommand() *cli.Command {
	return &cli.Command{
		Name:  "patch",
		Usage: "write dumped method code from a JSON record file into a DEX and re-sign it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dex", Usage: "input DEX file", Required: true},
			&cli.StringFlag{Name: "json", Usage: "code records, [{\"name\", \"method_idx\", \"code\"}]", Required: true},
			&cli.StringFlag{Name: "out", Usage: "patched DEX to write", Required: true},
		},
		Action: func(c *cli.Context) error {
			st, err := dex.PatchFile(c.String("dex"), c.String("json"), c.String("out"))
			if err != nil {
				return errors.Wrapf(err, "failed to patch %s", c.String("dex"))
			}
			fmt.Fprintf(rt.stdout, "[+] applied %d, skipped %d, length mismatch %d\n",
				st.Applied, st.Skipped, st.LengthMismatch)
			fmt.Fprintf(rt.stdout, "[+] Wrote %s\n", c.String("out"))
			return nil
		},
	}
}

func (rt *runtime) fixCommand() *cli.Command {
	return &cli.Command{
		Name:      "fix",
		Usage:     "patch every dex_<begin>_<size>.dex in a dump directory with its _code.json",
		ArgsUsage: "<dir>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("fix needs exactly one directory")
			}
			written, err := dex.FixDirectory(c.Args().First(), rt.logger)
			if err != nil {
				return err
			}
			for _, path := range written {
				fmt.Fprintf(rt.stdout, "[+] Wrote %s\n", path)
			}
			return nil
		},
	}
}
