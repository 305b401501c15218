package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/navijation/vsst/storage/entry"
	"github.com/navijation/vsst/storage/sstable"
	"github.com/urfave/cli/v3"
)

// constructSSTFile builds a .vsst from "key: value" lines on stdin. Lines of
// the form "key:" become tombstones. Input must arrive in key order.
func constructSSTFile(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return errors.New("usage: construct sst_path")
	}

	path := cmd.Args().First()

	builder, err := sstable.NewBuilder(path, uint32(cmd.Uint("block-size")), uint64(cmd.Uint("seq")))
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", path, err)
	}
	defer builder.Abort()

	reader := bufio.NewReader(os.Stdin)
	for {
		line, _, err := reader.ReadLine()
		if err != nil {
			break
		}

		fragments := strings.SplitN(string(line), ":", 2)
		if len(fragments) != 2 {
			fmt.Fprintf(os.Stderr, "Entry must be in \"key: value\" format, or \"key:\" format\n")
			continue
		}

		key, value := strings.TrimSpace(fragments[0]), strings.TrimSpace(fragments[1])
		var stored entry.Stored
		if value == "" {
			stored = entry.Tombstone()
		} else {
			stored = entry.Stored{Value: entry.String(value)}
		}

		if err := builder.AddEntry([]byte(key), stored); err != nil {
			return err
		}
	}

	file, err := builder.Finalize()
	if err != nil {
		return err
	}
	if file == nil {
		return errors.New("no entries provided")
	}
	defer file.Close()

	return visualizeSSTFileHelper(file)
}
