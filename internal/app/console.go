package app

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/petervdpas/callkit/internal/background"
	"github.com/petervdpas/callkit/internal/compositor"
	"github.com/petervdpas/callkit/internal/directory"
	"github.com/petervdpas/callkit/internal/p2p"
	"github.com/petervdpas/callkit/internal/proto"
	"github.com/petervdpas/callkit/internal/session"
)

// segmenter is the pluggable segmentation backend.  Left nil the compositor
// passes raw frames through, so blur/image backgrounds are inert until a
// model is wired in.
var segmenter compositor.Segmenter

// console drives the peer from stdin.
type console struct {
	ctrl    *session.Controller
	inbox   *session.Inbox
	node    *p2p.Node
	dir     *directory.Client
	bgStore *background.Store
	catalog *background.Catalog

	pending *session.Invite
}

func (c *console) run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		in := bufio.NewScanner(os.Stdin)
		for in.Scan() {
			select {
			case lines <- strings.TrimSpace(in.Text()):
			case <-ctx.Done():
				return
			}
		}
		close(lines)
	}()

	fmt.Println("Type 'help' for commands.")
	fmt.Print("> ")

	for {
		select {
		case <-ctx.Done():
			return nil

		case inv, ok := <-c.inbox.C():
			if !ok {
				return nil
			}
			c.pending = &inv
			name := c.dir.Lookup(ctx, inv.Caller).Name
			fmt.Printf("\rincoming %s call from %s — 'accept' or 'reject'\n> ", inv.CallType, name)

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				fmt.Print("> ")
				continue
			}
			if quit := c.dispatch(ctx, line); quit {
				return nil
			}
			fmt.Print("> ")
		}
	}
}

func (c *console) dispatch(ctx context.Context, line string) (quit bool) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		printHelp()

	case "id":
		fmt.Printf("%s (%d connected peers)\n", c.node.ID(), c.node.ConnectedPeers())
		for _, a := range c.node.Addrs() {
			fmt.Println(" ", a)
		}

	case "connect":
		if len(args) < 1 {
			fmt.Println("usage: connect <multiaddr>")
			return false
		}
		if err := c.node.Connect(ctx, args[0]); err != nil {
			fmt.Printf("connect failed: %v\n", err)
		}

	case "call":
		if len(args) < 1 {
			fmt.Println("usage: call <peer-id> [audio]")
			return false
		}
		if err := c.ctrl.Start(ctx, session.StartOptions{
			NotifyTarget: args[0],
			CallType:     callType(args),
		}); err != nil {
			fmt.Printf("call failed: %v\n", err)
		}

	case "room":
		if len(args) < 1 {
			fmt.Println("usage: room new|<room-id> [audio]")
			return false
		}
		roomID := args[0]
		if roomID == "new" {
			roomID = proto.NewRoomID()
			fmt.Printf("room id: %s\n", roomID)
		}
		if err := c.ctrl.Start(ctx, session.StartOptions{
			RoomID:   roomID,
			CallType: callType(args),
			Group:    true,
		}); err != nil {
			fmt.Printf("call failed: %v\n", err)
		}

	case "accept":
		if c.pending == nil {
			fmt.Println("no pending call")
			return false
		}
		inv := *c.pending
		c.pending = nil
		if err := c.ctrl.Accept(ctx, inv.RoomID, inv.CallType, inv.Caller); err != nil {
			fmt.Printf("accept failed: %v\n", err)
		}

	case "reject":
		if c.pending == nil {
			fmt.Println("no pending call")
			return false
		}
		inv := *c.pending
		c.pending = nil
		if err := c.inbox.Reject(ctx, inv); err != nil {
			fmt.Printf("reject failed: %v\n", err)
		}

	case "mic":
		c.toggle(args, c.ctrl.SetMicEnabled)

	case "cam":
		c.toggle(args, c.ctrl.SetCameraEnabled)

	case "bg":
		if len(args) < 1 {
			fmt.Println("usage: bg none|blur|<image-name>")
			return false
		}
		c.setBackground(args[0])

	case "bgs":
		items := c.catalog.List()
		if len(items) == 0 {
			fmt.Println("no background images (drop .jpg/.png files into the backgrounds dir)")
		}
		for _, it := range items {
			fmt.Println(" ", it.Name)
		}

	case "end":
		c.ctrl.End()

	case "quit", "exit":
		return true

	default:
		fmt.Printf("unknown command %q — try 'help'\n", cmd)
	}
	return false
}

func (c *console) toggle(args []string, set func(bool) error) {
	if len(args) < 1 || (args[0] != "on" && args[0] != "off") {
		fmt.Println("usage: mic|cam on|off")
		return
	}
	if err := set(args[0] == "on"); err != nil {
		fmt.Printf("%v\n", err)
	}
}

// setBackground persists the choice and, when a call is active, hot-swaps it.
func (c *console) setBackground(arg string) {
	sel := background.Selection{Kind: arg}
	if arg != "none" && arg != "blur" {
		sel = background.Selection{Kind: "image", Image: arg}
	}
	if err := c.bgStore.SetSelection(sel); err != nil {
		fmt.Printf("%v\n", err)
		return
	}
	if c.ctrl.State() != session.StateActive {
		fmt.Println("saved — applies on the next call")
		return
	}
	c.applySelection(sel)
}

func (c *console) applySavedBackground() {
	sel, err := c.bgStore.Selection()
	if err != nil || sel.Kind == "" || sel.Kind == "none" {
		return
	}
	c.applySelection(sel)
}

func (c *console) applySelection(sel background.Selection) {
	prof, err := background.Resolve(sel, c.catalog)
	if err != nil {
		fmt.Printf("%v\n", err)
		return
	}
	if err := c.ctrl.SetBackground(prof, segmenter); err != nil {
		fmt.Printf("background switch failed: %v\n", err)
	}
}

func callType(args []string) proto.CallType {
	for _, a := range args[1:] {
		if a == "audio" {
			return proto.CallAudio
		}
	}
	return proto.CallVideo
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  id                       Show this peer's id and addresses")
	fmt.Println("  connect <multiaddr>      Dial a peer by address")
	fmt.Println("  call <peer-id> [audio]   Ring a peer (video by default)")
	fmt.Println("  room new|<room-id> [audio]  Create or join a group room")
	fmt.Println("  accept | reject          Answer the pending incoming call")
	fmt.Println("  mic on|off               Toggle microphone")
	fmt.Println("  cam on|off               Toggle camera")
	fmt.Println("  bg none|blur|<name>      Switch background treatment")
	fmt.Println("  bgs                      List background images")
	fmt.Println("  end                      Hang up")
	fmt.Println("  quit                     Exit")
}
