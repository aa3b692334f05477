package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/dargueta/gofat"
	"github.com/dargueta/gofat/device"
	"github.com/dargueta/gofat/disks"
	"github.com/dargueta/gofat/fat"
)

func main() {
	app := cli.App{
		Name:  "fatutil",
		Usage: "Inspect and manipulate FAT12/16/32 disk images",
		Commands: []*cli.Command{
			formatCommand,
			lsCommand,
			catCommand,
			mkdirCommand,
			rmCommand,
			statCommand,
			mountCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

// openImage opens an existing image file and wraps it as a [device.Device],
// assuming the common 512-byte sector size every predefined geometry in
// disks.go uses. The caller is responsible for closing the returned file.
func openImage(path string, readOnly bool) (device.Device, *os.File, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o666)
	if err != nil {
		return device.Device{}, nil, err
	}

	blocks, err := device.DetermineBlockCount(f, 512)
	if err != nil {
		f.Close()
		return device.Device{}, nil, err
	}
	return device.NewSectorDevice(f, blocks), f, nil
}

var formatCommand = &cli.Command{
	Name:      "format",
	Usage:     "Create a new FAT image file, or reformat an existing one",
	ArgsUsage: "IMAGE_PATH",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "geometry", Usage: "a predefined disk geometry slug, see `fatutil format --list-geometries`"},
		&cli.BoolFlag{Name: "list-geometries"},
		&cli.Uint64Flag{Name: "total-sectors"},
		&cli.Uint64Flag{Name: "bytes-per-sector", Value: 512},
		&cli.IntFlag{Name: "version", Usage: "12, 16, or 32; 0 auto-selects"},
		&cli.StringFlag{Name: "label"},
	},
	Action: formatImage,
}

func formatImage(c *cli.Context) error {
	if c.Bool("list-geometries") {
		for _, slug := range disks.ListPredefinedDiskGeometries() {
			fmt.Println(slug)
		}
		return nil
	}

	if c.NArg() != 1 {
		return cli.Exit("expected exactly one argument: IMAGE_PATH", 1)
	}
	path := c.Args().Get(0)

	cfg := fat.FormatConfig{
		BytesPerSector: uint16(c.Uint64("bytes-per-sector")),
		TotalSectors:   uint32(c.Uint64("total-sectors")),
		Version:        c.Int("version"),
		VolumeLabel:    c.String("label"),
	}

	if slug := c.String("geometry"); slug != "" {
		geom, err := disks.GetPredefinedDiskGeometry(slug)
		if err != nil {
			return err
		}
		cfg.BytesPerSector = uint16(geom.SectorSizeBytes())
		cfg.TotalSectors = uint32(geom.TotalSectors())
	}

	if cfg.TotalSectors == 0 {
		return cli.Exit("must specify --total-sectors or --geometry", 1)
	}

	imageSize := int64(cfg.TotalSectors) * int64(cfg.BytesPerSector)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(imageSize); err != nil {
		return err
	}

	dev := device.NewSectorDevice(f, uint(cfg.TotalSectors))
	vol, err := fat.Format(dev, cfg)
	if err != nil {
		return err
	}
	return vol.Unmount()
}

var mountCommand = &cli.Command{
	Name:      "mount",
	Usage:     "Check that an image mounts cleanly and print its volume geometry",
	ArgsUsage: "IMAGE_PATH",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("expected exactly one argument: IMAGE_PATH", 1)
		}
		dev, f, err := openImage(c.Args().Get(0), true)
		if err != nil {
			return err
		}
		defer f.Close()

		vol, err := fat.Mount(dev, fat.Config{ReadOnly: true})
		if err != nil {
			return err
		}
		defer vol.Unmount()

		boot := vol.BootSector()
		free, total, err := vol.GetFree()
		if err != nil {
			return err
		}
		fmt.Printf("FAT%d volume %q\n", boot.Version, boot.VolumeLabel)
		fmt.Printf("  bytes/sector:  %d\n", boot.BytesPerSector)
		fmt.Printf("  sectors/cluster: %d\n", boot.SectorsPerClst)
		fmt.Printf("  clusters: %d free / %d total\n", free, total)
		return nil
	},
}

var lsCommand = &cli.Command{
	Name:      "ls",
	Usage:     "List the contents of a directory",
	ArgsUsage: "IMAGE_PATH [PATH]",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return cli.Exit("expected at least one argument: IMAGE_PATH [PATH]", 1)
		}
		dev, f, err := openImage(c.Args().Get(0), true)
		if err != nil {
			return err
		}
		defer f.Close()

		vol, err := fat.Mount(dev, fat.Config{ReadOnly: true})
		if err != nil {
			return err
		}
		defer vol.Unmount()

		path := ""
		if c.NArg() >= 2 {
			path = c.Args().Get(1)
		}

		dir, err := vol.OpenDir(path)
		if err != nil {
			return err
		}
		defer dir.Close()

		entries, err := dir.Readdir(-1)
		if err != nil && err != io.EOF {
			return err
		}
		for _, e := range entries {
			kind := "-"
			if e.IsDir() {
				kind = "d"
			}
			fmt.Printf("%s %10d %s\n", kind, e.Size, e.Name())
		}
		return nil
	},
}

var catCommand = &cli.Command{
	Name:      "cat",
	Usage:     "Print a file's contents to stdout",
	ArgsUsage: "IMAGE_PATH PATH",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.Exit("expected exactly two arguments: IMAGE_PATH PATH", 1)
		}
		dev, f, err := openImage(c.Args().Get(0), true)
		if err != nil {
			return err
		}
		defer f.Close()

		vol, err := fat.Mount(dev, fat.Config{ReadOnly: true})
		if err != nil {
			return err
		}
		defer vol.Unmount()

		file, err := vol.Open(c.Args().Get(1), gofat.O_RDONLY)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(os.Stdout, file)
		return err
	},
}

var mkdirCommand = &cli.Command{
	Name:      "mkdir",
	Usage:     "Create a new, empty directory",
	ArgsUsage: "IMAGE_PATH PATH",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.Exit("expected exactly two arguments: IMAGE_PATH PATH", 1)
		}
		dev, f, err := openImage(c.Args().Get(0), false)
		if err != nil {
			return err
		}
		defer f.Close()

		vol, err := fat.Mount(dev, fat.Config{})
		if err != nil {
			return err
		}
		defer vol.Unmount()

		return vol.Mkdir(c.Args().Get(1))
	},
}

var rmCommand = &cli.Command{
	Name:      "rm",
	Usage:     "Remove a file or empty directory",
	ArgsUsage: "IMAGE_PATH PATH",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.Exit("expected exactly two arguments: IMAGE_PATH PATH", 1)
		}
		dev, f, err := openImage(c.Args().Get(0), false)
		if err != nil {
			return err
		}
		defer f.Close()

		vol, err := fat.Mount(dev, fat.Config{})
		if err != nil {
			return err
		}
		defer vol.Unmount()

		return vol.Remove(c.Args().Get(1))
	},
}

var statCommand = &cli.Command{
	Name:      "stat",
	Usage:     "Print metadata for a file or directory",
	ArgsUsage: "IMAGE_PATH PATH",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.Exit("expected exactly two arguments: IMAGE_PATH PATH", 1)
		}
		dev, f, err := openImage(c.Args().Get(0), true)
		if err != nil {
			return err
		}
		defer f.Close()

		vol, err := fat.Mount(dev, fat.Config{ReadOnly: true})
		if err != nil {
			return err
		}
		defer vol.Unmount()

		stat, err := vol.Stat(c.Args().Get(1))
		if err != nil {
			return err
		}
		fmt.Printf("size:      %d\n", stat.Size)
		fmt.Printf("mode:      %s\n", stat.ModeFlags)
		fmt.Printf("modified:  %s\n", stat.LastModified)
		return nil
	},
}
