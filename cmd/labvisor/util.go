package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/loykin/labvisor/internal/auth"
	"github.com/loykin/labvisor/pkg/client"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printVersions(w io.Writer, vs []client.Version) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "VERSION\tSTATUS\tPORT\tPID\tUPTIME\tERROR")
	for _, v := range vs {
		port, pid, up := "-", "-", "-"
		if v.Port > 0 {
			port = fmt.Sprint(v.Port)
		}
		if v.PID > 0 {
			pid = fmt.Sprint(v.PID)
		}
		if v.StartedAt != nil && v.Running() {
			up = time.Since(*v.StartedAt).Truncate(time.Second).String()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", v.ID, v.Status, port, pid, up, v.LastError)
	}
	return tw.Flush()
}

func printOutcomes(w io.Writer, out []client.Outcome) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "VERSION\tRESULT\tDETAIL")
	for _, o := range out {
		switch {
		case o.OK && o.Version != nil && o.Version.Port > 0:
			_, _ = fmt.Fprintf(tw, "%s\tok\tport %d\n", o.ID, o.Version.Port)
		case o.OK:
			_, _ = fmt.Fprintf(tw, "%s\tok\t\n", o.ID)
		default:
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", o.ID, o.Code, o.Error)
		}
	}
	return tw.Flush()
}

func printEntries(w io.Writer, es []client.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tMODIFIED\tPATH")
	for _, e := range es {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", e.ID, e.ModTime.Local().Format("2006-01-02 15:04"), e.Path)
	}
	return tw.Flush()
}

func printEvent(w io.Writer, ev client.Event) error {
	if ev.Log != nil {
		l := ev.Log
		id := l.VersionID
		if id == "" {
			id = "-"
		}
		_, err := fmt.Fprintf(w, "%s %-7s %-16s %s\n", l.Timestamp.Local().Format("15:04:05"), l.Kind, id, l.Text)
		return err
	}
	running := 0
	for _, v := range ev.State {
		if v.Running() {
			running++
		}
	}
	_, err := fmt.Fprintf(w, "%s state   %d versions, %d running\n", time.Now().Format("15:04:05"), len(ev.State), running)
	return err
}

// readPassword prompts on the terminal without echo, or reads one line when
// stdin is not a terminal.
func readPassword(in io.Reader, prompt io.Writer, label string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		_, _ = fmt.Fprint(prompt, label)
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return nonEmpty(string(b))
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return nonEmpty(line)
}

func nonEmpty(p string) (string, error) {
	p = strings.TrimRight(p, "\r\n")
	if p == "" {
		return "", errors.New("password cannot be empty")
	}
	return p, nil
}

func hashPassword(w io.Writer, password string, cost int) error {
	h, err := auth.HashPassword(password, cost)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, h)
	return err
}

// notifyContext is canceled on SIGINT or SIGTERM.
func notifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
