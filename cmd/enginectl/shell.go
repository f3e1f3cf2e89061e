package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/xtxerr/enginedash/internal/client"
	"github.com/xtxerr/enginedash/internal/client/state"
	"github.com/xtxerr/enginedash/internal/constants"
	"github.com/xtxerr/enginedash/internal/errors"
)

// pendingTimeout bounds how long an optimistic task change may wait.
const pendingTimeout = 30 * time.Second

type command struct {
	name    string
	args    string
	help    string
	needsUp bool
	run     func(s *shell, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"login", "[email]", "log in with email and password", false, (*shell).login},
		{"token", "<token>", "use an API or static token", false, (*shell).useToken},
		{"health", "", "server health", false, (*shell).health},
		{"overview", "", "dashboard counters", true, (*shell).overview},
		{"agents", "[status]", "list agents", true, (*shell).agents},
		{"agent", "<id>", "agent detail with sessions", true, (*shell).agent},
		{"metrics", "<agent> [1h|24h|7d|30d] [interval]", "bucketed agent metrics", true, (*shell).metrics},
		{"tasks", "[status] [search]", "list tasks", true, (*shell).tasks},
		{"task", "<start|pause|retry|cancel|complete|fail> <id>", "change a task's status", true, (*shell).task},
		{"codex", "[id]", "list codices or open one", true, (*shell).codex},
		{"vote", "<commandment> <agree|disagree|abstain>", "vote in the open codex", true, (*shell).vote},
		{"view", "[agentops|codex|unified]", "show or switch the view", false, (*shell).view},
		{"watch", "", "toggle the live event stream", true, (*shell).watch},
		{"help", "", "this list", false, (*shell).help},
		{"quit", "", "leave", false, nil},
	}
}

// shell runs enginectl commands against one client. The snapshot is the
// only mutable state; watch events update it from another goroutine.
type shell struct {
	c   *client.Client
	out io.Writer
	in  *os.File

	mu   sync.Mutex
	snap state.Snapshot

	watchCancel context.CancelFunc
}

func newShell(c *client.Client, out io.Writer, in *os.File) *shell {
	return &shell{c: c, out: out, in: in, snap: state.New()}
}

func (s *shell) snapshot() state.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// update applies a pure action under the lock.
func (s *shell) update(fn func(state.Snapshot) state.Snapshot) state.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = fn(s.snap)
	return s.snap
}

func (s *shell) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// Execute runs one input line.
func (s *shell) Execute(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	name, args := fields[0], fields[1:]
	if isQuit(name) {
		return
	}
	for _, cmd := range commands {
		if cmd.name != name || cmd.run == nil {
			continue
		}
		if cmd.needsUp && !s.c.IsReady() {
			s.fail(fmt.Errorf("not logged in (use login or token)"))
			return
		}
		if err := cmd.run(s, args); err != nil {
			s.fail(err)
		}
		return
	}
	s.fail(fmt.Errorf("unknown command %q (try help)", name))
}

func (s *shell) fail(err error) {
	var apiErr *client.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.RetryAfter > 0:
		err = fmt.Errorf("%w (retry in %s)", err, apiErr.RetryAfter)
	case errors.IsRetriable(err):
		err = fmt.Errorf("%w (try again)", err)
	}
	fmt.Fprintln(s.out, errorStyle.Render("error: ")+err.Error())
}

func usage(cmd string) error {
	for _, c := range commands {
		if c.name == cmd {
			return fmt.Errorf("usage: %s %s", c.name, c.args)
		}
	}
	return fmt.Errorf("usage: %s", cmd)
}

// =============================================================================
// Session
// =============================================================================

func (s *shell) login(args []string) error {
	var email string
	if len(args) > 0 {
		email = args[0]
	} else {
		line, err := s.readLine("Email: ")
		if err != nil {
			return err
		}
		email = line
	}

	password, err := s.readPassword("Password: ")
	if err != nil {
		return err
	}

	ctx, cancel := s.ctx()
	defer cancel()
	resp, err := s.c.Login(ctx, email, password)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "logged in as %s (%s), token expires %s\n",
		resp.User.Username, resp.User.Role, resp.ExpiresAt.Local().Format(time.RFC1123))
	return nil
}

func (s *shell) useToken(args []string) error {
	if len(args) != 1 {
		return usage("token")
	}
	s.c.SetToken(args[0])
	ctx, cancel := s.ctx()
	defer cancel()
	me, err := s.c.Connect(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "authenticated by %s token in organization %s\n", me.Method, shortID(me.OrganizationID))
	return nil
}

func (s *shell) readLine(label string) (string, error) {
	fmt.Fprint(s.out, label)
	line, err := bufio.NewReader(s.in).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// readPassword disables echo when stdin is a terminal.
func (s *shell) readPassword(label string) (string, error) {
	fd := int(s.in.Fd())
	if !term.IsTerminal(fd) {
		return s.readLine(label)
	}
	fmt.Fprint(s.out, label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(s.out)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

func (s *shell) health(args []string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	h, err := s.c.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s  version %s  up %s  database %s\n", styledStatus(h.Status), h.Version, h.Uptime, styledStatus(h.Database))
	return nil
}

func (s *shell) overview(args []string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	o, err := s.c.Overview(ctx)
	if err != nil {
		return err
	}
	s.update(func(sn state.Snapshot) state.Snapshot { return state.SetOverview(sn, *o) })
	renderOverview(s.out, o)
	return nil
}

// =============================================================================
// Agents
// =============================================================================

func (s *shell) agents(args []string) error {
	f := client.AgentFilter{Limit: 100}
	if len(args) > 0 {
		f.Status = strings.ToUpper(args[0])
	}
	ctx, cancel := s.ctx()
	defer cancel()
	list, err := s.c.ListAgents(ctx, f)
	if err != nil {
		return err
	}
	s.update(func(sn state.Snapshot) state.Snapshot { return state.SetAgents(sn, list.Agents) })
	renderAgents(s.out, list.Agents, list.Total)
	return nil
}

func (s *shell) agent(args []string) error {
	if len(args) != 1 {
		return usage("agent")
	}
	id, err := s.resolveAgent(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := s.ctx()
	defer cancel()
	a, err := s.c.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	s.update(func(sn state.Snapshot) state.Snapshot { return state.UpsertAgent(sn, a.AgentResponse) })
	renderAgent(s.out, a)
	return nil
}

func (s *shell) metrics(args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return usage("metrics")
	}
	id, err := s.resolveAgent(args[0])
	if err != nil {
		return err
	}
	mq := client.MetricsQuery{}
	if len(args) > 1 {
		mq.TimeRange = args[1]
	}
	if len(args) > 2 {
		mq.Interval = args[2]
	}

	ctx, cancel := s.ctx()
	defer cancel()
	m, err := s.c.QueryMetrics(ctx, id, mq)
	if err != nil {
		return err
	}
	renderMetrics(s.out, m)
	return nil
}

// =============================================================================
// Tasks
// =============================================================================

func (s *shell) tasks(args []string) error {
	f := client.TaskFilter{Limit: 100}
	if len(args) > 0 && args[0] != "all" {
		f.Status = args[0]
	}
	if len(args) > 1 {
		f.Search = strings.Join(args[1:], " ")
	}
	ctx, cancel := s.ctx()
	defer cancel()
	list, err := s.c.ListTasks(ctx, f)
	if err != nil {
		return err
	}
	snap := s.update(func(sn state.Snapshot) state.Snapshot { return state.SetTasks(sn, list.Tasks) })
	renderTasks(s.out, snap, list.Total)
	return nil
}

// task applies the transition locally first, then asks the server and
// confirms or rolls back.
func (s *shell) task(args []string) error {
	if len(args) != 2 || !constants.IsValidTaskAction(args[0]) {
		return usage("task")
	}
	action := args[0]
	id, err := s.resolveTask(args[1])
	if err != nil {
		return err
	}

	var beginErr error
	s.update(func(sn state.Snapshot) state.Snapshot {
		sn = state.ExpirePending(sn, time.Now().Add(-pendingTimeout))
		next, err := state.BeginTaskAction(sn, id, action, time.Now())
		beginErr = err
		return next
	})
	if beginErr != nil {
		return beginErr
	}

	ctx, cancel := s.ctx()
	defer cancel()
	t, err := s.c.TaskAction(ctx, id, action)
	if err != nil {
		s.update(func(sn state.Snapshot) state.Snapshot { return state.RollbackTaskAction(sn, id) })
		return err
	}
	s.update(func(sn state.Snapshot) state.Snapshot { return state.ConfirmTaskAction(sn, *t) })
	fmt.Fprintf(s.out, "%s %s → %s\n", shortID(t.ID), t.Title, styledStatus(t.Status))
	return nil
}

// =============================================================================
// Codex
// =============================================================================

func (s *shell) codex(args []string) error {
	ctx, cancel := s.ctx()
	defer cancel()

	if len(args) == 0 {
		list, err := s.c.ListCodices(ctx, "", 0, 100)
		if err != nil {
			return err
		}
		snap := s.update(func(sn state.Snapshot) state.Snapshot { return state.SetCodices(sn, list.Codices) })
		renderCodices(s.out, snap)
		return nil
	}

	id, err := s.resolveCodex(args[0])
	if err != nil {
		return err
	}
	c, err := s.c.GetCodex(ctx, id)
	if err != nil {
		return err
	}
	var selErr error
	s.update(func(sn state.Snapshot) state.Snapshot {
		sn = state.UpsertCodex(sn, *c)
		sn, selErr = state.SelectCodex(sn, c.ID)
		return sn
	})
	if selErr != nil {
		return selErr
	}
	renderCodex(s.out, c)
	return nil
}

func (s *shell) vote(args []string) error {
	if len(args) != 2 || !constants.IsValidVote(args[1]) {
		return usage("vote")
	}
	active, ok := s.snapshot().ActiveCodex()
	if !ok {
		return fmt.Errorf("no open codex (use codex <id>)")
	}
	cid := args[0]
	for _, cm := range active.Commandments {
		if strings.HasPrefix(cm.ID, cid) {
			cid = cm.ID
			break
		}
	}

	ctx, cancel := s.ctx()
	defer cancel()
	cm, err := s.c.Vote(ctx, active.ID, cid, args[1], "")
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s %s  agree %d · disagree %d · abstain %d\n", shortID(cm.ID), styledStatus(cm.Status),
		cm.Tally[constants.VoteAgree], cm.Tally[constants.VoteDisagree], cm.Tally[constants.VoteAbstain])
	return nil
}

// =============================================================================
// View and Events
// =============================================================================

func (s *shell) view(args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(s.out, s.snapshot().View)
		return nil
	}
	var err error
	s.update(func(sn state.Snapshot) state.Snapshot {
		next, e := state.SetView(sn, args[0])
		err = e
		return next
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, "view:", args[0])
	return nil
}

func (s *shell) watch(args []string) error {
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
		fmt.Fprintln(s.out, "watch stopped")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.watchCancel = cancel
	go func() {
		err := s.c.Watch(ctx, nil, func(ev client.Event) {
			s.update(func(sn state.Snapshot) state.Snapshot {
				return state.ApplyEvent(sn, ev.Type, ev.EntityID, ev.Data)
			})
			if ev.Type != "connected" {
				fmt.Fprintln(s.out, faintStyle.Render(fmt.Sprintf("[%s] %s %s", ev.Timestamp.Local().Format("15:04:05"), ev.Type, shortID(ev.EntityID))))
			}
		})
		if err != nil {
			s.fail(fmt.Errorf("watch: %w", err))
		}
	}()
	fmt.Fprintln(s.out, "watching events (run watch again to stop)")
	return nil
}

func (s *shell) help(args []string) error {
	for _, c := range commands {
		fmt.Fprintf(s.out, "  %-9s %-46s %s\n", c.name, c.args, faintStyle.Render(c.help))
	}
	return nil
}

func (s *shell) stop() {
	if s.watchCancel != nil {
		s.watchCancel()
	}
}

// =============================================================================
// ID Prefixes
// =============================================================================

// resolve expands an ID prefix against known IDs. Unknown prefixes are
// passed through so full IDs work before anything was listed.
func resolve(kind, prefix string, ids []string) (string, error) {
	var matches []string
	for _, id := range ids {
		if id == prefix {
			return id, nil
		}
		if strings.HasPrefix(id, prefix) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return prefix, nil
	case 1:
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", fmt.Errorf("%s prefix %q is ambiguous: %s", kind, prefix, strings.Join(matches, ", "))
	}
}

func (s *shell) resolveAgent(prefix string) (string, error) {
	snap := s.snapshot()
	ids := make([]string, len(snap.Agents))
	for i, a := range snap.Agents {
		ids[i] = a.ID
	}
	return resolve("agent", prefix, ids)
}

func (s *shell) resolveTask(prefix string) (string, error) {
	snap := s.snapshot()
	ids := make([]string, len(snap.Tasks))
	for i, t := range snap.Tasks {
		ids[i] = t.ID
	}
	return resolve("task", prefix, ids)
}

func (s *shell) resolveCodex(prefix string) (string, error) {
	snap := s.snapshot()
	ids := make([]string, len(snap.Codices))
	for i, c := range snap.Codices {
		ids[i] = c.ID
	}
	return resolve("codex", prefix, ids)
}

// =============================================================================
// Completion
// =============================================================================

// Complete suggests commands, then arguments for the command typed.
func (s *shell) Complete(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	word := d.GetWordBeforeCursor()
	fields := strings.Fields(before)

	if len(fields) == 0 || (len(fields) == 1 && !strings.HasSuffix(before, " ")) {
		sugg := make([]prompt.Suggest, 0, len(commands))
		for _, c := range commands {
			sugg = append(sugg, prompt.Suggest{Text: c.name, Description: c.help})
		}
		return prompt.FilterHasPrefix(sugg, word, true)
	}

	snap := s.snapshot()
	pos := len(fields)
	if strings.HasSuffix(before, " ") {
		pos++
	}

	var sugg []prompt.Suggest
	switch fields[0] {
	case "agent", "metrics":
		if pos == 2 {
			for _, a := range snap.Agents {
				sugg = append(sugg, prompt.Suggest{Text: shortID(a.ID), Description: a.Name})
			}
		} else if fields[0] == "metrics" && pos == 3 {
			for _, r := range []string{"1h", "24h", "7d", "30d"} {
				sugg = append(sugg, prompt.Suggest{Text: r})
			}
		}
	case "tasks":
		if pos == 2 {
			for _, st := range constants.ValidTaskStatuses {
				sugg = append(sugg, prompt.Suggest{Text: st})
			}
		}
	case "task":
		switch pos {
		case 2:
			for a := range constants.TaskTransitions {
				sugg = append(sugg, prompt.Suggest{Text: a})
			}
			sort.Slice(sugg, func(i, j int) bool { return sugg[i].Text < sugg[j].Text })
		case 3:
			for _, t := range snap.Tasks {
				if _, ok := constants.NextTaskStatus(t.Status, fields[1]); ok {
					sugg = append(sugg, prompt.Suggest{Text: shortID(t.ID), Description: t.Title})
				}
			}
		}
	case "codex":
		if pos == 2 {
			for _, c := range snap.Codices {
				sugg = append(sugg, prompt.Suggest{Text: shortID(c.ID), Description: c.Title})
			}
		}
	case "vote":
		if active, ok := snap.ActiveCodex(); ok && pos == 2 {
			for _, cm := range active.Commandments {
				sugg = append(sugg, prompt.Suggest{Text: shortID(cm.ID), Description: cm.Text})
			}
		} else if pos == 3 {
			for _, v := range constants.ValidVotes {
				sugg = append(sugg, prompt.Suggest{Text: v})
			}
		}
	case "view":
		if pos == 2 {
			for _, v := range constants.ValidViews {
				sugg = append(sugg, prompt.Suggest{Text: v})
			}
		}
	}
	return prompt.FilterHasPrefix(sugg, word, true)
}

// livePrefix shows the identity and view.
func (s *shell) livePrefix() (string, bool) {
	me := s.c.Identity()
	if me == nil || !s.c.IsReady() {
		return "enginectl> ", true
	}
	who := me.Username
	if who == "" {
		who = me.Method
	}
	return fmt.Sprintf("%s@%s> ", who, s.snapshot().View), true
}

