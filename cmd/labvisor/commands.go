package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/loykin/labvisor/pkg/client"
)

// command runs the remote subcommands against a daemon.
type command struct {
	flags    *GlobalFlags
	sessions *SessionManager
}

// client builds an API client. An explicit --token wins over the saved
// session, which is only used for the server it was issued by.
func (c command) client() (*client.Client, error) {
	cfg := client.Config{
		BaseURL: c.flags.APIUrl,
		Timeout: c.flags.APITimeout,
		Token:   c.flags.Token,
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = client.DefaultBaseURL
	}
	if cfg.Token == "" && c.sessions != nil {
		s, err := c.sessions.LoadSession()
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		if s != nil && sameServer(s.ServerURL, cfg.BaseURL) {
			cfg.Token = s.Token
		}
	}
	return client.New(cfg)
}

func sameServer(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}

func (c command) List(ctx context.Context, w io.Writer) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	vs, err := cl.ListVersions(ctx)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return printJSON(w, vs)
	}
	return printVersions(w, vs)
}

func (c command) Start(ctx context.Context, w io.Writer, id string, port int) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	v, err := cl.Start(ctx, id, port)
	if err != nil {
		return withOutput(w, err)
	}
	if c.flags.JSON {
		return printJSON(w, v)
	}
	_, err = fmt.Fprintf(w, "%s running on port %d (pid %d)\n", v.ID, v.Port, v.PID)
	return err
}

func (c command) Stop(ctx context.Context, w io.Writer, id string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	v, err := cl.Stop(ctx, id)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return printJSON(w, v)
	}
	_, err = fmt.Fprintf(w, "%s stopped\n", v.ID)
	return err
}

func (c command) BulkStart(ctx context.Context, w io.Writer, ids []string) error {
	return c.bulk(w, func(cl *client.Client) ([]client.Outcome, error) { return cl.BulkStart(ctx, ids) })
}

func (c command) BulkStop(ctx context.Context, w io.Writer, ids []string) error {
	return c.bulk(w, func(cl *client.Client) ([]client.Outcome, error) { return cl.BulkStop(ctx, ids) })
}

func (c command) StopAll(ctx context.Context, w io.Writer) error {
	return c.bulk(w, func(cl *client.Client) ([]client.Outcome, error) { return cl.StopAll(ctx) })
}

// bulk prints every outcome and fails when any id failed.
func (c command) bulk(w io.Writer, fn func(*client.Client) ([]client.Outcome, error)) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	out, err := fn(cl)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		if err := printJSON(w, out); err != nil {
			return err
		}
	} else if err := printOutcomes(w, out); err != nil {
		return err
	}
	failed := 0
	for _, o := range out {
		if !o.OK {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d versions failed", failed, len(out))
	}
	return nil
}

func (c command) Upload(ctx context.Context, w io.Writer, path string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	v, err := cl.UploadFile(ctx, path)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return printJSON(w, v)
	}
	_, err = fmt.Fprintf(w, "uploaded %s to %s\n", v.ID, v.Path)
	return err
}

func (c command) ListTrash(ctx context.Context, w io.Writer) error {
	return c.entries(w, func(cl *client.Client) ([]client.Entry, error) { return cl.ListTrash(ctx) })
}

func (c command) ListArchive(ctx context.Context, w io.Writer) error {
	return c.entries(w, func(cl *client.Client) ([]client.Entry, error) { return cl.ListArchive(ctx) })
}

func (c command) ListSnapshots(ctx context.Context, w io.Writer, id string) error {
	return c.entries(w, func(cl *client.Client) ([]client.Entry, error) { return cl.ListSnapshots(ctx, id) })
}

func (c command) entries(w io.Writer, fn func(*client.Client) ([]client.Entry, error)) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	es, err := fn(cl)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return printJSON(w, es)
	}
	return printEntries(w, es)
}

func (c command) MoveToTrash(ctx context.Context, w io.Writer, id string) error {
	return c.entry(w, "trashed", func(cl *client.Client) (client.Entry, error) { return cl.MoveToTrash(ctx, id) })
}

func (c command) Archive(ctx context.Context, w io.Writer, id string) error {
	return c.entry(w, "archived", func(cl *client.Client) (client.Entry, error) { return cl.Archive(ctx, id) })
}

func (c command) Snapshot(ctx context.Context, w io.Writer, id string) error {
	return c.entry(w, "snapshot", func(cl *client.Client) (client.Entry, error) { return cl.Snapshot(ctx, id) })
}

func (c command) entry(w io.Writer, verb string, fn func(*client.Client) (client.Entry, error)) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	e, err := fn(cl)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return printJSON(w, e)
	}
	_, err = fmt.Fprintf(w, "%s %s -> %s\n", verb, e.ID, e.Path)
	return err
}

func (c command) Restore(ctx context.Context, w io.Writer, id string) error {
	return c.restored(w, func(cl *client.Client) (client.Version, error) { return cl.Restore(ctx, id) })
}

func (c command) RestoreArchive(ctx context.Context, w io.Writer, id string) error {
	return c.restored(w, func(cl *client.Client) (client.Version, error) { return cl.RestoreArchive(ctx, id) })
}

func (c command) restored(w io.Writer, fn func(*client.Client) (client.Version, error)) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	v, err := fn(cl)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return printJSON(w, v)
	}
	_, err = fmt.Fprintf(w, "restored %s\n", v.ID)
	return err
}

func (c command) EmptyTrash(ctx context.Context, w io.Writer) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	removed, err := cl.EmptyTrash(ctx)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return printJSON(w, removed)
	}
	_, err = fmt.Fprintf(w, "removed %d versions from the trash\n", len(removed))
	return err
}

func (c command) Delete(ctx context.Context, w io.Writer, id string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	if err := cl.Delete(ctx, id); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "deleted %s\n", id)
	return err
}

func (c command) Stats(ctx context.Context, w io.Writer, id string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	st, err := cl.Stats(ctx, id)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return printJSON(w, st)
	}
	_, err = fmt.Fprintf(w, "pid %d: %d processes, %.1f%% cpu, %.1f MB rss, %d threads, up %.0fs\n",
		st.PID, st.Processes, st.CPUPercent, st.MemoryMB, st.NumThreads, st.Uptime)
	return err
}

func (c command) Health(ctx context.Context, w io.Writer) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	h, err := cl.Health(ctx)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return printJSON(w, h)
	}
	_, err = fmt.Fprintf(w, "%s: %d versions, %d running, %d subscribers\n", h.Status, h.Versions, h.Running, h.Subscribers)
	return err
}

// Events follows the stream until ctx is canceled or the daemon goes away.
func (c command) Events(ctx context.Context, w io.Writer, logsOnly bool) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	err = cl.Events(ctx, func(ev client.Event) error {
		if logsOnly && ev.Log == nil {
			return nil
		}
		if c.flags.JSON {
			if ev.Log != nil {
				return printJSON(w, ev.Log)
			}
			return printJSON(w, ev.State)
		}
		return printEvent(w, ev)
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (c command) Login(ctx context.Context, w io.Writer, username, password string) error {
	if c.sessions == nil {
		return errors.New("sessions are disabled")
	}
	cl, err := c.client()
	if err != nil {
		return err
	}
	tok, err := cl.Login(ctx, username, password)
	if err != nil {
		return err
	}
	base := c.flags.APIUrl
	if base == "" {
		base = client.DefaultBaseURL
	}
	if err := c.sessions.SaveSession(&Session{
		Token:     tok.Value,
		TokenType: tok.Type,
		ExpiresAt: tok.ExpiresAt,
		Username:  username,
		ServerURL: base,
	}); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	_, err = fmt.Fprintf(w, "logged in as %s until %s\n", username, tok.ExpiresAt.Local().Format("2006-01-02 15:04"))
	return err
}

func (c command) Logout(w io.Writer) error {
	if c.sessions == nil {
		return nil
	}
	if err := c.sessions.ClearSession(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, "logged out")
	return err
}

// withOutput prints the captured dev server output attached to a failed start.
func withOutput(w io.Writer, err error) error {
	var ae *client.APIError
	if errors.As(err, &ae) && len(ae.Output) > 0 {
		_, _ = fmt.Fprintln(w, "--- last output ---")
		for _, l := range ae.Output {
			_, _ = fmt.Fprintln(w, l)
		}
	}
	return err
}
