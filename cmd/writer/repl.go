package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"lyricsync/internal/cache"
	"lyricsync/internal/config"
	"lyricsync/internal/editor"
	"lyricsync/internal/realtime"
	"lyricsync/internal/remote"
	"lyricsync/internal/replay"
	"lyricsync/internal/wire"
)

const helpText = `commands:
  sessions                 list sessions
  new <title>              create a session and open it
  open <id>                open a session
  show                     print the open session
  add <text>               append a line in the current section
  insert <n> <text>        insert a line at position n
  edit <n> <text>          replace line n
  del <n>                  delete line n
  move <n> <pos>           move line n to pos
  section <name>           set the section for new lines
  undo | redo
  improve <n> <kind>       rewrite line n with the assistant
  suggest <prefix>         stream a draft line
  accept | cancel          take or drop the draft
  status                   connectivity and queue
  sync                     replay queued writes now
  quit`

type repl struct {
	cfg     config.Writer
	store   *cache.Store
	client  *remote.Client
	monitor *replay.Monitor
	runner  *replay.Runner
	out     io.Writer

	editor *editor.Editor
	live   *realtime.Client
	cancel context.CancelFunc
}

func (r *repl) run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Fprintln(r.out, `lyricsync writer, "help" lists commands`)
	for {
		fmt.Fprint(r.out, "> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := r.exec(ctx, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

// exec runs one command and reports whether the loop should stop.
func (r *repl) exec(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	var err error
	switch cmd {
	case "help":
		fmt.Fprintln(r.out, helpText)
	case "quit", "exit":
		return true
	case "sessions":
		err = r.listSessions(ctx)
	case "new":
		err = r.create(ctx, rest)
	case "open":
		err = r.open(ctx, rest)
	case "status":
		r.status()
	case "sync":
		r.monitor.ScheduleSync()
	default:
		if r.editor == nil {
			err = errors.New("no session open")
			break
		}
		err = r.edit(ctx, cmd, rest)
	}
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
	}
	return false
}

func (r *repl) edit(ctx context.Context, cmd, rest string) error {
	ed := r.editor
	switch cmd {
	case "show":
		r.show()
		return nil
	case "add":
		_, err := ed.AddLine(ctx, rest, ed.Snapshot().Section)
		return r.showAfter(err)
	case "insert":
		n, text, err := r.position(rest)
		if err != nil {
			return err
		}
		_, err = ed.InsertLineAt(ctx, n, text, ed.Snapshot().Section)
		return r.showAfter(err)
	case "edit":
		clientID, text, err := r.lineRef(rest)
		if err != nil {
			return err
		}
		ed.BeginEdit(clientID)
		_, err = ed.UpdateLine(ctx, clientID, text)
		ed.EndEdit()
		return r.showAfter(err)
	case "del":
		clientID, _, err := r.lineRef(rest)
		if err != nil {
			return err
		}
		return r.showAfter(ed.DeleteLine(ctx, clientID))
	case "move":
		clientID, arg, err := r.lineRef(rest)
		if err != nil {
			return err
		}
		pos, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil {
			return fmt.Errorf("move needs a target position")
		}
		return r.showAfter(ed.MoveLine(ctx, clientID, pos))
	case "section":
		ed.SetSection(rest)
		return nil
	case "undo":
		return r.showAfter(ed.Undo(ctx))
	case "redo":
		return r.showAfter(ed.Redo(ctx))
	case "improve":
		clientID, kind, err := r.lineRef(rest)
		if err != nil {
			return err
		}
		ed.SelectLine(clientID)
		ed.SetImprovement(strings.TrimSpace(kind))
		ed.BeginEdit(clientID)
		_, err = ed.ApplyImprovement(ctx)
		ed.EndEdit()
		return r.showAfter(err)
	case "suggest":
		r.typing(true)
		go func() {
			if err := ed.RequestSuggestion(ctx, rest); err != nil {
				fmt.Fprintf(r.out, "\nerror: %v\n", err)
				return
			}
			fmt.Fprintf(r.out, "\ndraft: %s\n", ed.Snapshot().Draft)
		}()
		return nil
	case "accept":
		r.typing(false)
		_, err := ed.AcceptSuggestion(ctx)
		return r.showAfter(err)
	case "cancel":
		r.typing(false)
		ed.CancelSuggestion()
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func (r *repl) listSessions(ctx context.Context) error {
	sessions, err := r.client.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		fmt.Fprintf(r.out, "%s  %s  (%d bpm, %s)\n", s.ID, s.Title, s.BPM, time.Duration(s.TimeSpentSeconds)*time.Second)
	}
	return nil
}

func (r *repl) create(ctx context.Context, title string) error {
	created, err := r.client.CreateSession(ctx, wire.CreateSessionRequest{Title: title})
	if err != nil {
		return err
	}
	return r.open(ctx, created.ID)
}

// open makes sessionID the active session: an editor, its live channel,
// replay confirmation and the time-tracking heartbeat.
func (r *repl) open(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("open needs a session id")
	}
	r.closeSession()

	sctx, cancel := context.WithCancel(ctx)
	ed, err := editor.Open(sctx, sessionID, editor.Options{
		Remote:       r.client,
		Queue:        r.store,
		HistoryLimit: r.cfg.HistoryLimit,
	})
	if err != nil {
		cancel()
		return err
	}
	live, err := realtime.New(realtime.Options{
		BaseURL:   r.cfg.APIURL,
		SessionID: sessionID,
		WriterID:  r.cfg.WriterID,
		Token:     r.cfg.Token,
		Target:    ed,
		OnConnect: r.monitor.ScheduleSync,
		OnPresence: func(p realtime.Presence) {
			if len(p.Typing) > 0 {
				log.Printf("writer: %s typing", strings.Join(p.Typing, ", "))
			}
		},
	})
	if err != nil {
		cancel()
		ed.Close()
		return err
	}

	r.editor, r.live, r.cancel = ed, live, cancel
	r.runner.SetConfirmer(ed)
	go func() {
		if err := live.Run(sctx); err != nil && sctx.Err() == nil {
			log.Printf("writer: live channel stopped: %v", err)
		}
	}()
	go r.heartbeat(sctx, ed)
	r.monitor.ScheduleSync()

	if ed.Snapshot().Stale {
		fmt.Fprintln(r.out, "offline: showing the cached copy")
	}
	r.show()
	return nil
}

func (r *repl) closeSession() {
	if r.editor == nil {
		return
	}
	r.runner.SetConfirmer(nil)
	r.cancel()
	r.editor.Close()
	r.editor, r.live, r.cancel = nil, nil, nil
}

func (r *repl) heartbeat(ctx context.Context, ed *editor.Editor) {
	interval := r.cfg.HeartbeatInterval.Duration
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ed.Heartbeat(ctx, interval); err != nil && ctx.Err() == nil {
				log.Printf("writer: %v", err)
			}
		}
	}
}

func (r *repl) typing(on bool) {
	if r.live == nil {
		return
	}
	_ = r.live.SendTyping(on)
}

func (r *repl) status() {
	queued, err := r.store.QueueLen()
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
	}
	fmt.Fprintf(r.out, "online: %t, queued writes: %d\n", r.monitor.Online(), queued)
	if r.live != nil {
		p := r.live.Presence()
		fmt.Fprintf(r.out, "live: %t, writers: %s\n", r.live.Connected(), strings.Join(p.Writers, ", "))
	}
}

func (r *repl) showAfter(err error) error {
	if err != nil {
		return err
	}
	r.show()
	return nil
}

func (r *repl) show() {
	snap := r.editor.Snapshot()
	fmt.Fprintf(r.out, "# %s (%s)\n", snap.Session.Title, snap.Session.ID)
	section := ""
	for i, line := range snap.Lines {
		if line.Section != "" && line.Section != section {
			fmt.Fprintf(r.out, "[%s]\n", line.Section)
		}
		section = line.Section
		marker := " "
		if line.Pending {
			marker = "*"
		}
		fmt.Fprintf(r.out, "%3d%s %s\n", i+1, marker, line.Content)
	}
}

// lineRef parses "<n> rest" and resolves n to the line's client id.
func (r *repl) lineRef(args string) (string, string, error) {
	n, rest, err := r.position(args)
	if err != nil {
		return "", "", err
	}
	lines := r.editor.Lines()
	if n < 1 || n > len(lines) {
		return "", "", fmt.Errorf("no line %d", n)
	}
	return lines[n-1].ClientID, rest, nil
}

func (r *repl) position(args string) (int, string, error) {
	head, rest, _ := strings.Cut(strings.TrimSpace(args), " ")
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0, "", fmt.Errorf("expected a line number, got %q", head)
	}
	return n, strings.TrimSpace(rest), nil
}
