package main

import (
	"context"
	"log"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "vsst_tools",
		Usage: "visualize and manipulate .vsst files",
		Commands: []*cli.Command{
			{
				Name:   "visualize",
				Action: visualizeSSTFile,
			},
			{
				Name:   "construct",
				Action: constructSSTFile,
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:        "seq",
						DefaultText: "1",
						Value:       1,
						Usage:       "sequence number of the new file",
					},
					&cli.UintFlag{
						Name:        "block-size",
						DefaultText: "4096",
						Value:       4096,
						Usage:       "data block size in bytes",
					},
				},
			},
			{
				Name:   "merge",
				Action: mergeSSTFiles,
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:        "max-file-size",
						DefaultText: "67108864",
						Value:       64 * 1024 * 1024,
						Usage:       "rotation threshold for merged outputs",
					},
					&cli.UintFlag{
						Name:        "block-size",
						DefaultText: "4096",
						Value:       4096,
						Usage:       "data block size in bytes",
					},
					&cli.BoolFlag{
						Name:  "keep-removed",
						Usage: "carry tombstones into the output",
					},
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
