package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/asheshgoplani/agent-ptyd/internal/ptyd"
)

const (
	// ctrlQ detaches without touching the session.
	ctrlQ = 17

	// Terminal capability replies arriving right after raw mode is entered
	// are dropped instead of being typed into the session.
	controlSeqTimeout = 50 * time.Millisecond
)

func handleAttach(args []string) error {
	fs := flag.NewFlagSet("attach", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Println("Usage: ptyd attach <session-id>")
		fmt.Println()
		fmt.Println("Attach this terminal to a daemon-hosted session. Ctrl+Q detaches;")
		fmt.Println("the session keeps running.")
	}
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errUsage
	}
	target := fs.Arg(0)

	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		return errors.New("attach needs an interactive terminal")
	}

	cfg, _, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := dialDaemon(ctx, cfg.DaemonAddr())
	if err != nil {
		return err
	}
	defer client.Close()

	var info ptyd.TerminalInfo
	if err := client.Call(ctx, ptyd.MethodGet, ptyd.IDParams{ID: target}, &info); err != nil {
		if errors.Is(err, ptyd.ErrRemoteNotFound) {
			return fmt.Errorf("session %s not found", target)
		}
		return err
	}
	return attachSession(ctx, client, info.ID, os.Stdin, os.Stdout, stdinFd)
}

// attachSession streams id's output to out and forwards in to it until the
// user detaches, the session exits, or the connection fails.
func attachSession(ctx context.Context, client *ptyd.Client, id string, in io.Reader, out io.Writer, fd int) error {
	exited := make(chan int, 1)
	client.OnNotification(func(method string, params json.RawMessage) {
		switch method {
		case ptyd.NotifyData:
			var n ptyd.DataNotification
			if json.Unmarshal(params, &n) == nil && n.ID == id {
				_, _ = out.Write(n.Data)
			}
		case ptyd.NotifyExit:
			var n ptyd.ExitNotification
			if json.Unmarshal(params, &n) == nil && n.ID == id {
				select {
				case exited <- n.ExitCode:
				default:
				}
			}
		}
	})
	if err := client.Call(ctx, ptyd.MethodSubscribe, ptyd.IDParams{ID: id}, nil); err != nil {
		return fmt.Errorf("subscribe to %s: %w", id, err)
	}
	defer func() {
		unsubCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = client.Call(unsubCtx, ptyd.MethodUnsubscribe, ptyd.IDParams{ID: id}, nil)
	}()

	// fd < 0: in is not a terminal; no raw mode and no resizes.
	if fd >= 0 {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer func() { _ = term.Restore(fd, oldState) }()
	}

	resize := func() {
		if fd < 0 {
			return
		}
		cols, rows, err := terminalSize(fd)
		if err != nil {
			return
		}
		rctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		if err := client.Call(rctx, ptyd.MethodResize, ptyd.ResizeParams{ID: id, Cols: cols, Rows: rows}, nil); err != nil {
			cliLog.Debug("attach_resize_failed", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	resize()
	stopResize := watchResize(resize)
	defer stopResize()

	detach := make(chan struct{})
	ioErrors := make(chan error, 1)
	startTime := time.Now()
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := in.Read(buf)
			if err != nil {
				if err != io.EOF {
					ioErrors <- fmt.Errorf("stdin read error: %w", err)
					return
				}
				close(detach)
				return
			}
			if time.Since(startTime) < controlSeqTimeout {
				continue
			}
			if n == 1 && buf[0] == ctrlQ {
				close(detach)
				return
			}
			data := append([]byte(nil), buf[:n]...)
			if err := client.Call(ctx, ptyd.MethodWrite, ptyd.WriteParams{ID: id, Data: data}, nil); err != nil {
				ioErrors <- fmt.Errorf("write to %s: %w", id, err)
				return
			}
		}
	}()

	select {
	case <-detach:
		fmt.Fprint(out, "\r\n[detached]\r\n")
		return nil
	case code := <-exited:
		fmt.Fprintf(out, "\r\n[session exited with code %d]\r\n", code)
		return nil
	case err := <-ioErrors:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
