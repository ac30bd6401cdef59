package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"crabcity/internal/wire"
)

// detachByte is the escape keystroke (Ctrl-]) that ends an attach session
// without killing the instance, mirroring the teacher's attach protocol.
const detachByte = 0x1D

func attachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <instance-id>",
		Short: "Attach an interactive terminal to a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(args[0])
		},
	}
}

func runAttach(instanceID string) error {
	conn, _, err := dial()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	fd := int(os.Stdin.Fd())
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		cols, rows = 80, 24
	}

	if err := send(conn, wire.ClientMessage{
		Type:       wire.TypeSubscribe,
		InstanceID: instanceID,
		Cols:       cols,
		Rows:       rows,
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	subscribed, err := recv(conn)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if subscribed.Type == wire.TypeError {
		return fmt.Errorf("subscribe: %s", subscribed.Message)
	}
	if subscribed.Type != wire.TypeSubscribed {
		return fmt.Errorf("subscribe: unexpected reply %q", subscribed.Type)
	}
	if history, err := wire.UnB64(subscribed.HistoryBytes); err == nil {
		os.Stdout.Write(history)
	}

	if err := send(conn, wire.ClientMessage{Type: wire.TypeSetFocus, InstanceID: instanceID, Focused: true}); err != nil {
		return fmt.Errorf("set_focus: %w", err)
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("set raw mode: %w", err)
	}
	restore := func() { term.Restore(fd, oldState) }
	defer restore()

	fmt.Fprintf(os.Stdout, "\r\n[crabctl] attached to %s  (detach: Ctrl-])\r\n", instanceID)

	done := make(chan struct{}, 1)
	signalDone := func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}

	// Goroutine 1: server -> stdout.
	go func() {
		for {
			msg, err := recv(conn)
			if err != nil {
				signalDone()
				return
			}
			switch msg.Type {
			case wire.TypeOutput:
				if data, err := wire.UnB64(msg.Data); err == nil {
					os.Stdout.Write(data)
				}
			case wire.TypeInstanceStopped:
				fmt.Fprintf(os.Stdout, "\r\n[crabctl] %s exited\r\n", instanceID)
				signalDone()
				return
			case wire.TypeOutputLagged:
				fmt.Fprintf(os.Stderr, "\r\n[crabctl] output lagged, %d messages dropped\r\n", msg.Dropped)
			}
		}
	}()

	// Goroutine 2: stdin -> server, watching for the detach keystroke.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				for i := 0; i < n; i++ {
					if buf[i] == detachByte {
						signalDone()
						return
					}
				}
				_ = send(conn, wire.ClientMessage{
					Type:       wire.TypeInput,
					InstanceID: instanceID,
					Data:       wire.B64(buf[:n]),
				})
			}
			if err != nil {
				if err != io.EOF {
					signalDone()
				}
				return
			}
		}
	}()

	// Forward terminal resizes for as long as the session is attached.
	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	defer signal.Stop(winchCh)
	go func() {
		for range winchCh {
			if cols, rows, err := term.GetSize(fd); err == nil {
				_ = send(conn, wire.ClientMessage{Type: wire.TypeResize, InstanceID: instanceID, Cols: cols, Rows: rows})
			}
		}
	}()

	<-done
	_ = send(conn, wire.ClientMessage{Type: wire.TypeUnsubscribe, InstanceID: instanceID})
	fmt.Fprintf(os.Stdout, "\n[crabctl] detached from %s\n", instanceID)
	return nil
}
