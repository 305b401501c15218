package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/navijation/vsst/storage/sstable"
	"github.com/urfave/cli/v3"
)

// mergeSSTFiles merges a source .vsst into destination .vsst files sorted by
// min key, writing outputs into out_dir.
func mergeSSTFiles(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() < 2 {
		return errors.New("usage: merge out_dir src_path [dst_path_1 ...]")
	}

	outDir := cmd.Args().Get(0)
	srcPath := cmd.Args().Get(1)

	var dstPaths []string
	for i := 2; i < cmd.Args().Len(); i++ {
		dstPaths = append(dstPaths, cmd.Args().Get(i))
	}

	outputs, err := sstable.Merge(sstable.MergeArgs{
		SrcPath:     srcPath,
		DstPaths:    dstPaths,
		OutDir:      outDir,
		MaxFileSize: uint64(cmd.Uint("max-file-size")),
		BlockSize:   uint32(cmd.Uint("block-size")),
		KeepRemoved: cmd.Bool("keep-removed"),
	})
	if err != nil {
		return err
	}

	for _, out := range outputs {
		fmt.Printf("===== %s\n", out.Path())
		if err := visualizeSSTFileHelper(out); err != nil {
			return err
		}
		_ = out.Close()
	}

	return nil
}
