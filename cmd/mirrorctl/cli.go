package main

import (
	"fmt"
	"os"
	"strings"

	rpc "github.com/pyropy/mirror/rpc/volume"
	"github.com/urfave/cli/v2"
)

var nameFlag = &cli.StringFlag{
	Name:     "name",
	Required: true,
	Usage:    "Volume name",
}

var createCmd = &cli.Command{
	Name:  "create",
	Usage: "Create a mirrored volume",
	Flags: []cli.Flag{
		nameFlag,
		&cli.Int64Flag{
			Name:     "blocks",
			Required: true,
			Usage:    "Volume size in blocks",
		},
		&cli.StringSliceFlag{
			Name:     "device",
			Required: true,
			Usage:    "Backing device of a chunk, repeat once per chunk (mem://name for memory)",
		},
		&cli.StringSliceFlag{
			Name:  "spare",
			Usage: "Hotspare device, may be repeated",
		},
	},
	Action: func(ctx *cli.Context) error {
		args := rpc.CreateArgs{
			Name:    ctx.String("name"),
			Blocks:  ctx.Int64("blocks"),
			Devices: ctx.StringSlice("device"),
			Spares:  ctx.StringSlice("spare"),
		}

		var reply rpc.CreateReply
		if err := call(ctx, "Create", &args, &reply); err != nil {
			return err
		}

		printVolume(reply.Volume)
		return nil
	},
}

var listCmd = &cli.Command{
	Name:  "list",
	Usage: "List all volumes",
	Action: func(ctx *cli.Context) error {
		var reply rpc.ListReply
		if err := call(ctx, "List", &rpc.ListArgs{}, &reply); err != nil {
			return err
		}

		for _, v := range reply.Volumes {
			fmt.Printf("%s\t%s\t%s\t%d blocks\n", v.Name, v.ID, v.Status, v.Blocks)
		}

		return nil
	},
}

var statusCmd = &cli.Command{
	Name:  "status",
	Usage: "Show a volume and its chunks",
	Flags: []cli.Flag{nameFlag},
	Action: func(ctx *cli.Context) error {
		var reply rpc.StatusReply
		if err := call(ctx, "Status", &rpc.StatusArgs{Name: ctx.String("name")}, &reply); err != nil {
			return err
		}

		printVolume(reply.Volume)
		return nil
	},
}

var writeCmd = &cli.Command{
	Name:  "write",
	Usage: "Write a local file to a volume",
	Flags: []cli.Flag{
		nameFlag,
		&cli.StringFlag{
			Name:     "file-path",
			Required: true,
			Usage:    "Path to file you want to write",
		},
		&cli.Int64Flag{
			Name:  "block",
			Usage: "First block to write",
		},
	},
	Action: func(ctx *cli.Context) error {
		content, err := os.ReadFile(ctx.String("file-path"))
		if err != nil {
			return err
		}

		args := rpc.WriteArgs{
			Name:  ctx.String("name"),
			Block: ctx.Int64("block"),
			Data:  content,
		}

		var reply rpc.WriteReply
		if err := call(ctx, "Write", &args, &reply); err != nil {
			return err
		}

		log.Infow("write", "status", "blocks written", "blocks", reply.Blocks, "block", args.Block)
		return nil
	},
}

var readCmd = &cli.Command{
	Name:  "read",
	Usage: "Read blocks from a volume into a local file",
	Flags: []cli.Flag{
		nameFlag,
		&cli.StringFlag{
			Name:     "file-path",
			Required: true,
			Usage:    "Path the data is written to",
		},
		&cli.Int64Flag{
			Name:  "block",
			Usage: "First block to read",
		},
		&cli.Int64Flag{
			Name:  "count",
			Value: 1,
			Usage: "Number of blocks to read",
		},
	},
	Action: func(ctx *cli.Context) error {
		args := rpc.ReadArgs{
			Name:  ctx.String("name"),
			Block: ctx.Int64("block"),
			Count: ctx.Int64("count"),
		}

		var reply rpc.ReadReply
		if err := call(ctx, "Read", &args, &reply); err != nil {
			return err
		}

		return os.WriteFile(ctx.String("file-path"), reply.Data, 0644)
	},
}

var setStateCmd = &cli.Command{
	Name:  "set-state",
	Usage: "Move a chunk to another state (online, offline, scrub, rebuild, hotspare)",
	Flags: []cli.Flag{
		nameFlag,
		&cli.IntFlag{
			Name:     "chunk",
			Required: true,
			Usage:    "Chunk index",
		},
		&cli.StringFlag{
			Name:     "state",
			Required: true,
			Usage:    "New chunk state",
		},
	},
	Action: func(ctx *cli.Context) error {
		args := rpc.SetChunkStateArgs{
			Name:   ctx.String("name"),
			Chunk:  ctx.Int("chunk"),
			Status: strings.ToLower(ctx.String("state")),
		}

		var reply rpc.SetChunkStateReply
		if err := call(ctx, "SetChunkState", &args, &reply); err != nil {
			return err
		}

		printVolume(reply.Volume)
		return nil
	},
}

var addSpareCmd = &cli.Command{
	Name:  "add-spare",
	Usage: "Register a hotspare device with a volume",
	Flags: []cli.Flag{
		nameFlag,
		&cli.StringFlag{
			Name:     "device",
			Required: true,
			Usage:    "Hotspare device",
		},
	},
	Action: func(ctx *cli.Context) error {
		args := rpc.AddHotspareArgs{
			Name:   ctx.String("name"),
			Device: ctx.String("device"),
		}

		var reply rpc.AddHotspareReply
		if err := call(ctx, "AddHotspare", &args, &reply); err != nil {
			return err
		}

		printVolume(reply.Volume)
		return nil
	},
}

var scrubCmd = &cli.Command{
	Name:  "scrub",
	Usage: "Verify a chunk against a mirror and repair differences",
	Flags: []cli.Flag{
		nameFlag,
		&cli.IntFlag{
			Name:     "chunk",
			Required: true,
			Usage:    "Chunk index",
		},
	},
	Action: func(ctx *cli.Context) error {
		args := rpc.ScrubArgs{
			Name:  ctx.String("name"),
			Chunk: ctx.Int("chunk"),
		}

		var reply rpc.ScrubReply
		if err := call(ctx, "Scrub", &args, &reply); err != nil {
			return err
		}

		fmt.Printf("chunk %d checked against chunk %d: %d blocks, %d mismatched, %d repaired\n",
			reply.Chunk, reply.Source, reply.Blocks, reply.Mismatches, reply.Repaired)
		return nil
	},
}

func printVolume(v rpc.VolumeInfo) {
	fmt.Printf("%s (%s)\n", v.Name, v.ID)
	fmt.Printf("  status:    %s\n", v.Status)
	fmt.Printf("  size:      %d blocks of %d bytes\n", v.Blocks, v.BlockSize)
	fmt.Printf("  pending:   %d in flight, %d deferred\n", v.Inflight, v.Deferred)
	if v.Halted != "" {
		fmt.Printf("  halted:    %s\n", v.Halted)
	}

	for _, c := range v.Chunks {
		fmt.Printf("  chunk %d:   %-8s %s errors=%d\n", c.Index, c.Status, c.Device, c.Errors)
	}

	for _, s := range v.Spares {
		fmt.Printf("  spare:     %-8s %s\n", s.Status, s.Device)
	}
}
