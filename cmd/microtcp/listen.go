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

type listenCommand struct {
	addr    string
	out     string
	verbose bool
}

func (*listenCommand) Name() string { return "listen" }

func (*listenCommand) Synopsis() string { return "accept one connection and receive a stream" }

func (*listenCommand) Usage() string {
	return `microtcp listen -addr <host:port> [-o <file>]
	Accept a single connection and write the received stream to the file
	(stdout by default) until the peer shuts down.
`
}

func (c *listenCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.addr, "addr", ":9000", "local address to bind")
	f.StringVar(&c.out, "o", "", "output file (default stdout)")
	f.BoolVar(&c.verbose, "v", false, "debug logging")
}

func (c *listenCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	setVerbosity(c.verbose)
	if err := c.run(); err != nil {
		log.Error().Err(err).Msg("listen failed")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *listenCommand) run() error {
	out := io.Writer(os.Stdout)
	if c.out != "" {
		f, err := os.Create(c.out)
		if err != nil {
			return errors.Wrap(err, "create output file")
		}
		defer f.Close()
		out = f
	}

	sock, err := microtcp.NewSocket(microtcp.DefaultConfig())
	if err != nil {
		return err
	}
	defer sock.Close()

	if err := sock.Bind(c.addr); err != nil {
		return err
	}
	if err := sock.Listen(); err != nil {
		return err
	}
	log.Info().Str("addr", sock.LocalAddr().String()).Msg("listening")

	peer, err := sock.Accept()
	if err != nil {
		return err
	}
	log.Info().Str("peer", peer.String()).Msg("connection accepted")

	var total int64
	buf := make([]byte, 32*1024)
	for {
		n, err := sock.Recv(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return errors.Wrap(werr, "write output")
			}
			total += int64(n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	if err := sock.Shutdown(); err != nil {
		return err
	}

	stats := sock.Stats()
	log.Info().
		Int64("bytes", total).
		Uint64("packetsReceived", stats.PacketsReceived).
		Uint64("packetsLost", stats.PacketsLost).
		Dur("meanRxInterval", stats.RxInterval.Mean).
		Msg("stream received")
	return nil
}
