package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/navijation/vsst/storage/sstable"
	"github.com/urfave/cli/v3"
)

func visualizeSSTFile(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return errors.New("usage: visualize sst_path")
	}

	path := cmd.Args().First()

	file, err := sstable.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", path, err)
	}
	defer file.Close()

	return visualizeSSTFileHelper(file)
}

func visualizeSSTFileHelper(file *sstable.SSTFile) error {
	fmt.Printf(
		"Header\n"+
			"  Sequence: %d\n"+
			"  Blocks: %d\n"+
			"  Key range: %q .. %q\n\n",
		file.SeqNum(),
		file.NumBlocks(),
		file.MinKey(),
		file.MaxKey(),
	)

	index := file.Index()
	fmt.Printf("Index\n")
	for i, indexEntry := range index {
		fmt.Printf("   - block %d: %q @%d\n", i, indexEntry.MinKey, indexEntry.Offset)
	}

	nextBlock := 0

	fmt.Printf("\n" + "Entries:\n")
	for item, err := range file.Entries() {
		if err != nil {
			return fmt.Errorf("failed to read SST entry: %w", err)
		}

		if nextBlock < len(index) && string(index[nextBlock].MinKey) == string(item.Key) {
			fmt.Printf("----- block %d @%d\n", nextBlock, index[nextBlock].Offset)
			nextBlock++
		}
		fmt.Printf("  - %q -> %s (expiration %d)\n",
			item.Key, item.Stored.Value, item.Stored.ExpirationMS,
		)
	}

	return nil
}
