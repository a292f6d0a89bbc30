package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rudransh-shrivastava/peer-touch/internal/identity"
	"github.com/rudransh-shrivastava/peer-touch/internal/session"
	"github.com/rudransh-shrivastava/peer-touch/internal/tracker"
	"github.com/rudransh-shrivastava/peer-touch/internal/transport/webrtc"
	"github.com/spf13/cobra"
)

const peerHelp = `commands:
  connect <id>  connect to a peer
  down          start touching
  up            stop touching
  id            print your id
  status        print the session state
  quit          leave
`

var errQuit = errors.New("quit")

// controller is the part of a session the prompt drives.
type controller interface {
	ConnectTo(peerID string) error
	TouchStart() error
	TouchEnd() error
	Snapshot() session.Snapshot
}

func newPeerCmd(opts *options) *cobra.Command {
	var ephemeral bool

	cmd := &cobra.Command{
		Use:   "peer",
		Short: "joins the tracker and waits for or dials a peer",
		Long: `registers with the tracker, prints your id and then either waits for a peer to
connect or connects to the id you type. Type "help" at the prompt for commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var store session.IdentityStore
			if ephemeral {
				store = identity.NewMemoryStore("")
			} else {
				db, err := identity.Open(opts.cfg.IdentityDB)
				if err != nil {
					return err
				}
				defer db.Close()
				store = db
			}

			return runPeer(ctx, opts, store, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("tracker", "", "tracker websocket URL (overrides tracker_url)")
	cmd.Flags().String("db", "", "identity database path (overrides identity_db)")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "do not persist the identity")
	return cmd
}

func runPeer(ctx context.Context, opts *options, store session.IdentityStore, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := opts.logger
	signaler := tracker.NewClient(opts.cfg.TrackerURL, log)
	tr := webrtc.New(signaler, opts.cfg.WebRTC(), log)
	defer tr.Close()

	ui := newConsole(out, isTerminal(out))
	defer ui.close()

	sess, err := session.New(session.Options{
		Transport:      tr,
		Store:          store,
		Logger:         log,
		ConnectTimeout: opts.cfg.ConnectTimeout,
		OnChange:       ui.render,
		OnViolation:    ui.violation,
	})
	if err != nil {
		return err
	}

	go func() {
		defer cancel()
		if err := readCommands(in, sess, ui); err != nil && !errors.Is(err, errQuit) {
			log.Warnf("Reading commands failed: %v", err)
		}
	}()

	err = sess.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func readCommands(in io.Reader, ctl controller, ui *console) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := runCommand(scanner.Text(), ctl, ui); err != nil {
			if errors.Is(err, errQuit) || errors.Is(err, session.ErrStopped) {
				return err
			}
			ui.printf("%v\n", err)
		}
	}
	return scanner.Err()
}

func runCommand(line string, ctl controller, ui *console) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "connect":
		if len(fields) != 2 {
			return errors.New("usage: connect <id>")
		}
		snap := ctl.Snapshot()
		if !snap.State.IsWaiting() {
			return fmt.Errorf("cannot connect while %s", snap.State)
		}
		if fields[1] == snap.Identity {
			return errors.New("cannot connect to yourself")
		}
		return ctl.ConnectTo(fields[1])
	case "down":
		return ctl.TouchStart()
	case "up":
		return ctl.TouchEnd()
	case "id":
		snap := ctl.Snapshot()
		if snap.Identity == "" {
			return errors.New("no identity yet")
		}
		ui.printf("%s\n", snap.Identity)
	case "status":
		snap := ctl.Snapshot()
		if snap.PeerID != "" {
			ui.printf("%s peer=%s\n", snap.State, snap.PeerID)
		} else {
			ui.printf("%s\n", snap.State)
		}
	case "help":
		ui.printf("%s", peerHelp)
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, type help", fields[0])
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
