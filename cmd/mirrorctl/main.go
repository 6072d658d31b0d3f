package main

import (
	"net/rpc"
	"os"

	"github.com/pyropy/mirror/lib/logger"
	"github.com/urfave/cli/v2"
)

var log, _ = logger.New("mirrorctl")

func main() {
	app := &cli.App{
		Name:  "mirrorctl",
		Usage: "Manage mirrored volumes served by mirrord",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "rpc-url",
				Value:   "localhost:1234",
				Usage:   "Address of the mirrord rpc server",
				EnvVars: []string{"MIRRORD_ADDR"},
			},
		},
		Commands: []*cli.Command{
			createCmd,
			listCmd,
			statusCmd,
			writeCmd,
			readCmd,
			setStateCmd,
			addSpareCmd,
			scrubCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalw("mirrorctl", "error", err)
	}
}

func call(ctx *cli.Context, method string, args, reply any) error {
	client, err := rpc.DialHTTP("tcp", ctx.String("rpc-url"))
	if err != nil {
		return err
	}
	defer client.Close()

	return client.Call("VolumeAPI."+method, args, reply)
}
