// Command serv runs the relay platform's coordinator and/or node server,
// selected by -mode. Flag parsing and mode dispatch follow the shape of the
// teacher repo's own cmd binaries: flags override internal/config's package
// variables, and the long-running process is supervised with
// golang.org/x/sync/errgroup so that any goroutine's failure tears the
// whole process down.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/logiface"

	"github.com/turnrelay/turnrelay/internal/bufpool"
	"github.com/turnrelay/turnrelay/internal/config"
	"github.com/turnrelay/turnrelay/internal/coordinator"
	"github.com/turnrelay/turnrelay/internal/ioloop"
	"github.com/turnrelay/turnrelay/internal/node"
	"github.com/turnrelay/turnrelay/internal/rlog"
	"github.com/turnrelay/turnrelay/internal/timer"
)

func main() {
	mode := flag.String("mode", "full", "one of: center, node, full")
	clientPort := flag.Int("client-port", config.ClientLoginPort, "coordinator UDP client-login port")
	nodePort := flag.Int("node-port", config.NodeServLoginPort, "coordinator TCP node-login port")
	coordHost := flag.String("coordinator", "127.0.0.1", "coordinator host, for -mode=node")
	verbose := flag.Bool("v", false, "debug-level logging")
	flag.Parse()

	level := logiface.LevelInformational
	if *verbose {
		level = logiface.LevelDebug
	}
	log := rlog.New(os.Stderr, level)

	config.ClientLoginPort = *clientPort
	config.NodeServLoginPort = *nodePort

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *mode, *coordHost, log); err != nil {
		log.Crit().Err(err).Log("serv: exiting")
		os.Exit(1)
	}
}

func run(ctx context.Context, mode, coordHost string, log *rlog.Logger) error {
	switch mode {
	case "center":
		return runCenter(ctx, log)
	case "node":
		return runNode(ctx, coordHost, log)
	case "full":
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return runCenter(ctx, log) })
		g.Go(func() error { return runNode(ctx, "127.0.0.1", log) })
		return g.Wait()
	default:
		return fmt.Errorf("serv: unknown -mode %q", mode)
	}
}

func runCenter(ctx context.Context, log *rlog.Logger) error {
	pool := bufpool.New(config.PacketBufferCapacity, 256, 0)
	svc := timer.New()
	defer svc.Close()

	clientPoller, err := ioloop.New()
	if err != nil {
		return err
	}
	nodePoller, err := ioloop.New()
	if err != nil {
		return err
	}
	clientReactor := ioloop.NewReactor(clientPoller, log)
	nodeReactor := ioloop.NewReactor(nodePoller, log)

	c := coordinator.New(clientReactor, nodeReactor, pool, svc, log)

	if err := c.ListenClients(&net.UDPAddr{Port: config.ClientLoginPort}); err != nil {
		return err
	}
	if err := c.ListenNodes(&net.TCPAddr{Port: config.NodeServLoginPort}); err != nil {
		return err
	}
	log.Info().Int("client_port", config.ClientLoginPort).Int("node_port", config.NodeServLoginPort).
		Log("serv: coordinator listening")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(clientReactor.Run)
	g.Go(nodeReactor.Run)
	g.Go(func() error {
		<-ctx.Done()
		_ = clientReactor.Close()
		_ = nodeReactor.Close()
		return nil
	})
	return g.Wait()
}

func runNode(ctx context.Context, coordHost string, log *rlog.Logger) error {
	pool := bufpool.New(config.PacketBufferCapacity, 256, 0)

	poller, err := ioloop.New()
	if err != nil {
		return err
	}
	reactor := ioloop.NewReactor(poller, log)
	n := node.New(reactor, pool, log)

	addr, err := net.ResolveTCPAddr("tcp4", fmt.Sprintf("%s:%d", coordHost, config.NodeServLoginPort))
	if err != nil {
		return err
	}
	if err := n.Connect(addr); err != nil {
		return err
	}
	log.Info().Str("coordinator", addr.String()).Log("serv: node connected")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(reactor.Run)
	g.Go(func() error {
		<-ctx.Done()
		_ = reactor.Close()
		return nil
	})
	return g.Wait()
}
