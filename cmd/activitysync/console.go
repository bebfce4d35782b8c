package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/elderdiet/activitysync/internal/credential"
)

const consoleHelp = `commands:
  login [userId]              start a session (userId defaults to the token's claim)
  logout                      end the session and unregister the device
  foreground | background     app lifecycle transitions
  page <id> [name] [path]     open a page visit
  leave [reason]              close the open page visit
  feature <name> [json]       track a feature event
  interaction <name> [json]   track an interaction event
  tab <from> <to>             track a tab switch
  auth <name> [result]        track an auth event
  tracking on|off             enable or disable event collection
  push all|meal|reminder on|off
  flush                       ask the sync worker to send now
  status                      show session, registration and outbox depth
  quit
`

// console reads commands until EOF, quit, or ctx ends. On exit the open page
// is closed and the outbox gets one last drain attempt.
func (a *app) console(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()
	defer a.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := a.execute(ctx, line)
			if err != nil {
				a.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (a *app) shutdown() {
	a.core.OnBackground()
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout)
	defer cancel()
	if err := a.worker.DrainOnce(ctx); err != nil {
		a.log.Info().Err(err).Int("outbox_depth", a.queue.Depth()).Msg("outbox left for next run")
	}
}

// execute runs one console command. quit reports whether the console should
// stop.
func (a *app) execute(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "help", "?":
		a.printf("%s", consoleHelp)
	case "quit", "exit":
		return true, nil
	case "login":
		var userID string
		if len(args) > 0 {
			userID = args[0]
		} else {
			userID, err = a.tokenUserID(ctx)
			if err != nil {
				return false, err
			}
		}
		a.report(a.core.OnLogin(ctx, userID).Local, "session started for "+userID)
	case "logout":
		a.report(a.core.OnLogout(ctx).Local, "logged out")
	case "foreground", "fg":
		a.report(a.core.OnForeground(ctx).Local, "foreground")
	case "background", "bg":
		a.report(a.core.OnBackground().Local, "background")
	case "page":
		if len(args) == 0 {
			return false, fmt.Errorf("usage: page <id> [name] [path]")
		}
		name, path := args[0], ""
		if len(args) > 1 {
			name = args[1]
		}
		if len(args) > 2 {
			path = args[2]
		}
		a.report(a.core.Pages.StartPageVisit(args[0], name, path).Local, "page "+args[0])
	case "leave":
		reason := "navigation"
		if len(args) > 0 {
			reason = args[0]
		}
		a.report(a.core.Pages.EndPageVisit(reason).Local, "page closed")
	case "feature", "interaction":
		if len(args) == 0 {
			return false, fmt.Errorf("usage: %s <name> [json]", cmd)
		}
		payload, err := parsePayload(strings.Join(args[1:], " "))
		if err != nil {
			return false, err
		}
		if cmd == "feature" {
			a.report(a.core.Events.TrackFeatureEvent(args[0], payload).Local, cmd+" "+args[0])
		} else {
			a.report(a.core.Events.TrackInteractionEvent(args[0], payload).Local, cmd+" "+args[0])
		}
	case "tab":
		if len(args) != 2 {
			return false, fmt.Errorf("usage: tab <from> <to>")
		}
		a.report(a.core.Events.TrackTabSwitch(args[0], args[1]).Local, "tab "+args[1])
	case "auth":
		if len(args) == 0 {
			return false, fmt.Errorf("usage: auth <name> [result]")
		}
		result := ""
		if len(args) > 1 {
			result = args[1]
		}
		a.report(a.core.Events.TrackAuthEvent(args[0], result).Local, "auth "+args[0])
	case "tracking":
		on, err := parseSwitch(args, 0)
		if err != nil {
			return false, err
		}
		a.core.SetEnabled(on)
		a.printf("tracking enabled: %t\n", on)
	case "push":
		return false, a.updatePush(ctx, args)
	case "flush":
		a.worker.Flush()
		a.printf("flush requested\n")
	case "status":
		a.printStatus()
	default:
		return false, fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return false, nil
}

func (a *app) report(local bool, what string) {
	if local {
		a.printf("ok: %s\n", what)
		return
	}
	a.printf("dropped: %s\n", what)
}

func (a *app) tokenUserID(ctx context.Context) (string, error) {
	token, err := a.creds.Token(ctx)
	if err != nil {
		return "", err
	}
	userID, err := credential.UserID(token)
	if err != nil {
		return "", fmt.Errorf("login needs a userId: %w", err)
	}
	return userID, nil
}

func (a *app) updatePush(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: push all|meal|reminder on|off")
	}
	on, err := parseSwitch(args, 1)
	if err != nil {
		return err
	}
	settings := a.registrar.Registration().Settings
	switch strings.ToLower(args[0]) {
	case "all":
		settings.PushEnabled = on
	case "meal":
		settings.MealRecordPushEnabled = on
	case "reminder":
		settings.ReminderPushEnabled = on
	default:
		return fmt.Errorf("unknown push setting %q", args[0])
	}
	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	select {
	case err := <-a.registrar.UpdatePushSettings(ctx, settings):
		if err != nil {
			a.printf("push settings saved locally; backend update failed: %v\n", err)
			return nil
		}
		a.printf("push settings updated\n")
	case <-waitCtx.Done():
		a.printf("push settings saved locally; backend update pending\n")
	}
	return nil
}

func (a *app) printStatus() {
	state := a.core.Sessions.State()
	session, _ := a.core.Sessions.CurrentSession()
	reg := a.registrar.Registration()
	a.printf("session: %s id=%s sync=%s\n", state, session.SessionID, session.SyncState)
	a.printf("device: %s token=%s source=%s\n", reg.State, reg.DeviceToken, reg.IdentitySource)
	a.printf("outbox: %d queued, %d evicted, suspended=%t\n", a.queue.Depth(), a.queue.Evicted(), a.worker.Suspended())
}

func parsePayload(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}

func parseSwitch(args []string, idx int) (bool, error) {
	if idx >= len(args) {
		return false, fmt.Errorf("expected on or off")
	}
	switch strings.ToLower(args[idx]) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", args[idx])
}
