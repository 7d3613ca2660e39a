// fattool inspects and modifies FAT images and block devices.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/aligator/fatengine"
	"github.com/aligator/fatengine/block"
	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:      "fattool",
		Usage:     "inspect and modify FAT12, FAT16 and FAT32 volumes",
		ArgsUsage: "IMAGE",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log verbosity",
			},
		},
		Before: func(c *cli.Context) error {
			// glog registers its flags on the standard flag set.
			if err := flag.CommandLine.Parse(nil); err != nil {
				return err
			}
			if err := flag.Set("logtostderr", "true"); err != nil {
				return err
			}
			return flag.Set("v", strconv.Itoa(c.Int("verbose")))
		},
		After: func(c *cli.Context) error {
			glog.Flush()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "detect",
				Usage:     "check whether IMAGE contains a FAT volume",
				ArgsUsage: "IMAGE",
				Action:    detect,
			},
			{
				Name:      "format",
				Usage:     "create a new FAT volume",
				ArgsUsage: "IMAGE",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Value: "auto", Usage: "fat12, fat16, fat32 or auto"},
					&cli.StringFlag{Name: "label", Aliases: []string{"l"}, Usage: "volume label"},
					&cli.StringFlag{Name: "size", Aliases: []string{"s"}, Usage: "create IMAGE with this size, for example 32MiB"},
					&cli.BoolFlag{Name: "long", Usage: "zero the whole volume"},
				},
				Action: format,
			},
			{
				Name:      "info",
				Usage:     "show the volume geometry and free space",
				ArgsUsage: "IMAGE",
				Action:    info,
			},
			{
				Name:      "ls",
				Usage:     "list a directory",
				ArgsUsage: "IMAGE [PATH]",
				Action:    ls,
			},
			{
				Name:      "cat",
				Usage:     "print a file",
				ArgsUsage: "IMAGE PATH",
				Action:    cat,
			},
			{
				Name:      "put",
				Usage:     "copy a local file into the volume",
				ArgsUsage: "IMAGE SOURCE DEST",
				Action:    put,
			},
			{
				Name:      "mkdir",
				Usage:     "create a directory and its parents",
				ArgsUsage: "IMAGE PATH",
				Action:    mkdir,
			},
			{
				Name:      "rm",
				Usage:     "remove a file or an empty directory",
				ArgsUsage: "IMAGE PATH",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}, Usage: "remove directories and their content"},
				},
				Action: rm,
			},
			{
				Name:      "defrag",
				Usage:     "make all files and directories contiguous",
				ArgsUsage: "IMAGE",
				Action:    defrag,
			},
			{
				Name:      "resize",
				Usage:     "grow or shrink the volume, SIZE may be omitted to print the possible range",
				ArgsUsage: "IMAGE [SIZE]",
				Action:    resize,
			},
			{
				Name:      "clobber",
				Usage:     "destroy the FAT signature",
				ArgsUsage: "IMAGE",
				Action:    clobber,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		glog.Flush()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDevice(c *cli.Context, readOnly bool) (*block.File, error) {
	if c.Args().Len() < 1 {
		return nil, cli.Exit("missing IMAGE", 2)
	}
	return block.Open(afero.NewOsFs(), c.Args().Get(0), readOnly)
}

// withFs mounts IMAGE, runs fn and unmounts it again.
func withFs(c *cli.Context, readOnly bool, fn func(fs *fatengine.Fs) error) error {
	dev, err := openDevice(c, readOnly)
	if err != nil {
		return err
	}
	defer dev.Close()

	fs, err := fatengine.New(dev, fatengine.MountOptions{ReadOnly: readOnly})
	if err != nil {
		return err
	}
	err = fn(fs)
	if unmountErr := fs.Unmount(); err == nil {
		err = unmountErr
	}
	return err
}

// runWithProgress runs op and prints its progress until it finishes.
func runWithProgress(progress *fatengine.Progress, op func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- op()
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err == nil {
				fmt.Printf("\r%3d%% %-60s\n", progress.Percent(), progress.Status())
			} else {
				fmt.Println()
			}
			return err
		case <-ticker.C:
			fmt.Printf("\r%3d%% %-60s", progress.Percent(), progress.Status())
		}
	}
}

func detect(c *cli.Context) error {
	dev, err := openDevice(c, true)
	if err != nil {
		return err
	}
	defer dev.Close()

	ok, err := fatengine.Detect(dev)
	if err != nil {
		return err
	}
	if !ok {
		return cli.Exit("no FAT volume found", 1)
	}
	fmt.Println("FAT volume found")
	return nil
}

func parseType(s string) (fatengine.FSType, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return fatengine.FSTypeAuto, nil
	case "fat12":
		return fatengine.FAT12, nil
	case "fat16":
		return fatengine.FAT16, nil
	case "fat32":
		return fatengine.FAT32, nil
	}
	return 0, cli.Exit(fmt.Sprintf("unknown FAT type %q", s), 2)
}

func format(c *cli.Context) error {
	typ, err := parseType(c.String("type"))
	if err != nil {
		return err
	}

	if size := c.String("size"); size != "" {
		bytes, err := humanize.ParseBytes(size)
		if err != nil {
			return err
		}
		if c.Args().Len() < 1 {
			return cli.Exit("missing IMAGE", 2)
		}
		f, err := os.OpenFile(c.Args().Get(0), os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return err
		}
		err = f.Truncate(int64(bytes))
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return err
		}
	}

	dev, err := openDevice(c, false)
	if err != nil {
		return err
	}
	defer dev.Close()

	opts := fatengine.FormatOptions{
		Type:  typ,
		Label: c.String("label"),
		Long:  c.Bool("long"),
	}
	progress := &fatengine.Progress{}
	return runWithProgress(progress, func() error {
		return fatengine.Format(dev, opts, progress)
	})
}

func info(c *cli.Context) error {
	return withFs(c, true, func(fs *fatengine.Fs) error {
		v := fs.Volume()
		free, err := v.FreeBytes()
		if err != nil {
			return err
		}
		total := uint64(v.Clusters()) * uint64(v.BlockSize())

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
		fmt.Fprintf(w, "Type:\t%v\n", v.Type())
		fmt.Fprintf(w, "Label:\t%s\n", v.Label())
		fmt.Fprintf(w, "Cluster size:\t%s\n", humanize.IBytes(uint64(v.BlockSize())))
		fmt.Fprintf(w, "Clusters:\t%d\n", v.Clusters())
		fmt.Fprintf(w, "Size:\t%s\n", humanize.IBytes(total))
		fmt.Fprintf(w, "Free:\t%s (%.1f%%)\n", humanize.IBytes(free), float64(free)*100/float64(total))
		if n, err := v.FragmentedEntries(); err == nil {
			fmt.Fprintf(w, "Fragmented:\t%d\n", n)
		}
		return w.Flush()
	})
}

func argPath(c *cli.Context, i int) (string, error) {
	if c.Args().Len() <= i {
		return "", cli.Exit("missing PATH", 2)
	}
	return c.Args().Get(i), nil
}

func ls(c *cli.Context) error {
	name := "/"
	if c.Args().Len() > 1 {
		name = c.Args().Get(1)
	}

	return withFs(c, true, func(fs *fatengine.Fs) error {
		infos, err := afero.ReadDir(fs, name)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		for _, fi := range infos {
			size := humanize.IBytes(uint64(fi.Size()))
			if fi.IsDir() {
				size = "-"
			}
			fmt.Fprintf(w, "%v\t%s\t%s\t%s\n", fi.Mode(), size, fi.ModTime().Format("2006-01-02 15:04"), fi.Name())
		}
		return w.Flush()
	})
}

func cat(c *cli.Context) error {
	name, err := argPath(c, 1)
	if err != nil {
		return err
	}

	return withFs(c, true, func(fs *fatengine.Fs) error {
		f, err := fs.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(os.Stdout, f)
		return err
	})
}

func put(c *cli.Context) error {
	if c.Args().Len() < 3 {
		return cli.Exit("usage: put IMAGE SOURCE DEST", 2)
	}
	source, dest := c.Args().Get(1), c.Args().Get(2)

	src, err := os.Open(source)
	if err != nil {
		return err
	}
	defer src.Close()

	return withFs(c, false, func(fs *fatengine.Fs) error {
		if info, err := fs.Stat(dest); err == nil && info.IsDir() {
			dest = path.Join(dest, path.Base(source))
		}

		f, err := fs.Create(dest)
		if err != nil {
			return err
		}
		n, err := io.Copy(f, src)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err == nil {
			glog.V(1).Infof("Copied %s to %s", humanize.IBytes(uint64(n)), dest)
		}
		return err
	})
}

func mkdir(c *cli.Context) error {
	name, err := argPath(c, 1)
	if err != nil {
		return err
	}
	return withFs(c, false, func(fs *fatengine.Fs) error {
		return fs.MkdirAll(name, 0755)
	})
}

func rm(c *cli.Context) error {
	name, err := argPath(c, 1)
	if err != nil {
		return err
	}
	return withFs(c, false, func(fs *fatengine.Fs) error {
		if c.Bool("recursive") {
			return fs.RemoveAll(name)
		}
		return fs.Remove(name)
	})
}

func defrag(c *cli.Context) error {
	return withFs(c, false, func(fs *fatengine.Fs) error {
		progress := &fatengine.Progress{}
		return runWithProgress(progress, func() error {
			return fs.Volume().Defragment(progress)
		})
	})
}

func resize(c *cli.Context) error {
	dev, err := openDevice(c, c.Args().Len() < 2)
	if err != nil {
		return err
	}
	defer dev.Close()

	ss := uint64(dev.SectorSize())
	minSectors, maxSectors, err := fatengine.ResizeConstraints(dev)
	if err != nil {
		return err
	}
	if c.Args().Len() < 2 {
		fmt.Printf("Minimum: %s (%d sectors)\n", humanize.IBytes(minSectors*ss), minSectors)
		fmt.Printf("Maximum: %s (%d sectors)\n", humanize.IBytes(maxSectors*ss), maxSectors)
		return nil
	}

	size, err := humanize.ParseBytes(c.Args().Get(1))
	if err != nil {
		return err
	}
	sectors := size / ss
	if sectors < minSectors || sectors > maxSectors {
		return cli.Exit(fmt.Sprintf("%s is outside of %s to %s", humanize.IBytes(size),
			humanize.IBytes(minSectors*ss), humanize.IBytes(maxSectors*ss)), 1)
	}

	progress := &fatengine.Progress{}
	return runWithProgress(progress, func() error {
		return fatengine.Resize(dev, sectors, progress)
	})
}

func clobber(c *cli.Context) error {
	dev, err := openDevice(c, false)
	if err != nil {
		return err
	}
	defer dev.Close()
	return fatengine.Clobber(dev)
}
