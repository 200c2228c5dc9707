// Command relaycli is a demo client for the relay platform: it logs in,
// creates or joins a group, and relays lines typed on stdin as commands,
// printing whatever the relay delivers back. Received state images are only
// reported by size; the demo has no state-image save/load or FIFO handoff.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/turnrelay/turnrelay/internal/bufpool"
	"github.com/turnrelay/turnrelay/internal/client"
	"github.com/turnrelay/turnrelay/internal/config"
	"github.com/turnrelay/turnrelay/internal/ioloop"
	"github.com/turnrelay/turnrelay/internal/rlog"
	"github.com/turnrelay/turnrelay/internal/timer"
	"github.com/turnrelay/turnrelay/internal/wire"
)

func main() {
	coordAddr := flag.String("coordinator", "127.0.0.1", "coordinator host")
	coordPort := flag.Int("port", config.ClientLoginPort, "coordinator UDP client-login port")
	groupName := flag.String("name", "", "group name, for -create")
	passwd := flag.String("passwd", "", "group passphrase")
	create := flag.Bool("create", false, "create a new group instead of joining")
	joinID := flag.Uint("join", 0, "group id to join (ignored with -create)")
	flag.Parse()

	log := rlog.Default()

	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", *coordAddr, *coordPort))
	if err != nil {
		log.Crit().Err(err).Log("relaycli: resolve coordinator")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, addr, *create, uint32(*joinID), *groupName, *passwd, log); err != nil {
		log.Crit().Err(err).Log("relaycli: exiting")
		os.Exit(1)
	}
}

func run(ctx context.Context, coordAddr *net.UDPAddr, create bool, groupID uint32, name, passwd string, log *rlog.Logger) error {
	pool := bufpool.New(config.PacketBufferCapacity, 64, 0)
	svc := timer.New()
	defer svc.Close()

	poller, err := ioloop.New()
	if err != nil {
		return err
	}
	reactor := ioloop.NewReactor(poller, log)
	go func() {
		if err := reactor.Run(); err != nil {
			log.Warning().Err(err).Log("relaycli: reactor stopped")
		}
	}()
	defer reactor.Close()

	c := client.New(reactor, pool, svc, log)
	c.OnEvent = func(ev client.Event) {
		switch ev.Inner {
		case wire.InnerStateImage:
			fmt.Printf("[state image, %d bytes]\n", len(ev.Payload))
		default:
			fmt.Printf("peer %d: %s\n", ev.UserID, string(ev.Payload))
		}
	}

	if err := c.Dial(coordAddr); err != nil {
		return err
	}
	defer c.Close()

	uid, err := c.Login()
	if err != nil {
		return err
	}
	log.Info().Int("user_id", int(uid)).Log("relaycli: logged in")

	if create {
		gid, err := c.CreateGroup(wire.GroupOpened, name, passwd)
		if err != nil {
			return err
		}
		log.Info().Int("group_id", int(gid)).Log("relaycli: group created")
	} else {
		if err := c.JoinGroup(groupID, passwd); err != nil {
			return err
		}
		log.Info().Int("group_id", int(groupID)).Log("relaycli: group joined")
	}

	go heartbeatLoop(ctx, c)

	scanner := bufio.NewScanner(os.Stdin)
	go func() {
		for scanner.Scan() {
			line := scanner.Text()
			if err := c.SendCommand([]byte(line)); err != nil {
				log.Warning().Err(err).Log("relaycli: send failed")
			}
		}
	}()

	<-ctx.Done()
	c.LeaveGroup()
	c.Logout()
	return nil
}

func heartbeatLoop(ctx context.Context, c *client.Client) {
	ticker := time.NewTicker(config.HeartbeatPeriod / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Heartbeat()
		}
	}
}
