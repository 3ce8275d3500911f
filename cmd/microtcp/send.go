package main

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-microtcp/microtcp"
)

type sendCommand struct {
	addr    string
	in      string
	verbose bool
}

func (*sendCommand) Name() string { return "send" }

func (*sendCommand) Synopsis() string { return "connect and send a stream" }

func (*sendCommand) Usage() string {
	return `microtcp send -addr <host:port> [-f <file>]
	Connect to a listening peer and send the file (stdin by default) as one
	stream, then shut the connection down.
`
}

func (c *sendCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.addr, "addr", "", "peer address to connect to")
	f.StringVar(&c.in, "f", "", "input file (default stdin)")
	f.BoolVar(&c.verbose, "v", false, "debug logging")
}

func (c *sendCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	setVerbosity(c.verbose)
	if c.addr == "" {
		log.Error().Msg("missing -addr")
		return subcommands.ExitUsageError
	}
	if err := c.run(); err != nil {
		log.Error().Err(err).Msg("send failed")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *sendCommand) run() error {
	in := io.Reader(os.Stdin)
	if c.in != "" {
		f, err := os.Open(c.in)
		if err != nil {
			return errors.Wrap(err, "open input file")
		}
		defer f.Close()
		in = f
	}

	sock, err := microtcp.NewSocket(microtcp.DefaultConfig())
	if err != nil {
		return err
	}
	defer sock.Close()

	if err := sock.Connect(c.addr); err != nil {
		return err
	}
	log.Info().Str("peer", sock.RemoteAddr().String()).Msg("connected")

	var total int64
	buf := make([]byte, 32*1024)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, serr := sock.Send(buf[:n]); serr != nil {
				return serr
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return errors.Wrap(rerr, "read input")
		}
	}
	if err := sock.Shutdown(); err != nil {
		return err
	}

	stats := sock.Stats()
	log.Info().
		Int64("bytes", total).
		Uint64("packetsSent", stats.PacketsSent).
		Uint64("packetsLost", stats.PacketsLost).
		Dur("meanTxInterval", stats.TxInterval.Mean).
		Msg("stream sent")
	return nil
}
