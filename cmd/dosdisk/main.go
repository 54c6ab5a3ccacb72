package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Usage: "Manipulate FAT filesystem images without mounting them",
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "Create a FAT filesystem in an image",
				Action:    formatImage,
				ArgsUsage: "IMAGE",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "tracks", Aliases: []string{"t"}},
					&cli.UintFlag{Name: "heads", Aliases: []string{"H"}},
					&cli.UintFlag{Name: "sectors", Aliases: []string{"n"}},
					&cli.UintFlag{Name: "tot-sectors", Aliases: []string{"T"}},
					&cli.UintFlag{Name: "size", Aliases: []string{"f"}, Usage: "capacity in KB (classic floppy sizes)"},
					&cli.UintFlag{Name: "cluster-size", Aliases: []string{"c"}},
					&cli.UintFlag{Name: "root-entries", Aliases: []string{"r"}, Usage: "root directory size, in sectors"},
					&cli.UintFlag{Name: "fat-len", Aliases: []string{"L"}},
					&cli.UintFlag{Name: "reserved", Aliases: []string{"R"}, Usage: "reserved (boot) sectors"},
					&cli.UintFlag{Name: "num-fat", Aliases: []string{"d"}, Value: 2},
					&cli.BoolFlag{Name: "fat32", Aliases: []string{"F"}},
					&cli.BoolFlag{Name: "create", Aliases: []string{"C"}, Usage: "create the image file"},
					&cli.StringFlag{Name: "label", Aliases: []string{"v"}},
					&cli.UintFlag{Name: "serial", Aliases: []string{"N"}},
					&cli.UintFlag{Name: "partition", Aliases: []string{"p"}},
					&cli.Int64Flag{Name: "offset"},
				},
			},
			{
				Name:      "dir",
				Usage:     "List a directory",
				Action:    listDirectory,
				ArgsUsage: "IMAGE [PATH]",
				Flags:     imageFlags(),
			},
			{
				Name:      "copy",
				Usage:     "Copy a file into or out of the image",
				Action:    copyFile,
				ArgsUsage: "IMAGE ::DOSNAME HOSTFILE | IMAGE HOSTFILE ::DOSNAME",
				Flags: append(imageFlags(),
					&cli.BoolFlag{Name: "batch", Aliases: []string{"b"}, Usage: "batch mode: pad tail writes to cluster boundaries"},
				),
			},
			{
				Name:      "del",
				Usage:     "Delete a file or empty directory from the image",
				Action:    deleteFile,
				ArgsUsage: "IMAGE ::PATH",
				Flags:     imageFlags(),
			},
			{
				Name:      "label",
				Usage:     "Show or set the volume label",
				Action:    volumeLabel,
				ArgsUsage: "IMAGE [LABEL]",
				Flags:     imageFlags(),
			},
			{
				Name:      "mkdir",
				Usage:     "Create a directory inside the image",
				Action:    makeDirectory,
				ArgsUsage: "IMAGE ::PATH",
				Flags:     imageFlags(),
			},
			{
				Name:      "cat",
				Usage:     "Dump the raw medium to stdout",
				Action:    catImage,
				ArgsUsage: "IMAGE",
				Flags:     imageFlags(),
			},
			{
				Name:      "partition",
				Usage:     "Show or create the partition table",
				Action:    partitionImage,
				ArgsUsage: "IMAGE",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "create", Usage: "create partition N from --begin to the end of the medium, or --length sectors"},
					&cli.UintFlag{Name: "begin", Usage: "first sector of the new partition", Value: 2048},
					&cli.UintFlag{Name: "length", Usage: "sector count of the new partition"},
					&cli.BoolFlag{Name: "activate", Aliases: []string{"a"}},
				},
			},
			{
				Name:      "info",
				Usage:     "Print filesystem parameters and free space",
				Action:    printInfo,
				ArgsUsage: "IMAGE",
				Flags:     imageFlags(),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func imageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.UintFlag{Name: "partition", Aliases: []string{"p"}, Usage: "use primary partition N (1-4)"},
		&cli.Int64Flag{Name: "offset", Usage: "filesystem starts at byte offset"},
		&cli.StringFlag{Name: "data-map", Usage: "remap layer specification"},
		&cli.BoolFlag{Name: "swap", Usage: "byte-swap 16-bit words"},
		&cli.IntFlag{Name: "codepage", Usage: "DOS codepage for shortnames"},
	}
}
