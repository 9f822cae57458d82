package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"wabot/internal/storage"
	kit "wabot/internal/transport"
	logx "wabot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g.:
	//   "ping"
	//   "broadcast stats"
	Route       string
	Aliases     []string // root-level aliases, e.g. ["bc", "bcstats"]
	Description string
	Usage       string
	Access      Access

	PluginName string
	Timeout    time.Duration // optional per-command override
	Handle     HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromJID string
	IsGroup bool
	Path    []string // matched command path tokens
	Command string   // convenience (route)
	Args    []string

	// Parsed arguments
	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	// User is the registry record of the sender. Owner JIDs from config
	// always carry LevelOwner here, whatever the store says.
	User storage.User

	Adapter   kit.Adapter
	Config    *Config
	Logger    logx.Logger
	Services  *Services
	OwnerJIDs []string
}

type Services struct {
	Scheduler SchedulerPort
	Quota     QuotaPort
	Broadcast BroadcastPort
	Store     storage.Store

	// AccountAgeDays reports the age of the bot account, used to pick a
	// broadcast tier. Nil in minimal/test environments.
	AccountAgeDays func() int

	// AppSupervisor is set by the app once started.
	// It can be nil in minimal/test environments.
	AppSupervisor *Supervisor
}

type SchedulerPort interface {
	AddJob(name, spec string, fn func(ctx context.Context)) error
	AddDaily(name, at string, fn func(ctx context.Context)) error
	Remove(name string)
}

type QuotaPort interface {
	Check(ctx context.Context, user storage.User, feature string) (QuotaStatus, error)
	Increment(ctx context.Context, jid, feature string) error
	SetCustomLimit(ctx context.Context, jid, feature string, limit int) error
	ResetAll(ctx context.Context) (int64, error)
	ResetUser(ctx context.Context, jid string) (int64, error)
}

type BroadcastPort interface {
	Run(ctx context.Context, job BroadcastJob) (*BroadcastSummary, error)
	Stats() BroadcastStats
}

type CommandManager struct {
	mu sync.RWMutex

	root  *cmdNode
	alias map[string]*cmdNode // alias -> leaf node

	owners []string

	log     logx.Logger
	adapter kit.Adapter
	cfgm    *ConfigManager
	serv    *Services

	runMu   sync.Mutex
	running bool
	sup     *Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, cfgm *ConfigManager, serv *Services, owners []string) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	// copy to avoid callers mutating the slice after construction
	ownCopy := append([]string(nil), owners...)
	return &CommandManager{
		root:    newCmdTree(),
		alias:   map[string]*cmdNode{},
		log:     log,
		adapter: adapter,
		cfgm:    cfgm,
		serv:    serv,
		owners:  ownCopy,
		jobs:    make(chan func(), 256),
	}
}

// Supervisor returns the command manager's internal supervisor (nil if not running).
func (m *CommandManager) Supervisor() *Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe to call during hot-reload.
func (m *CommandManager) SetOwners(owners []string) {
	ownCopy := append([]string(nil), owners...)
	m.mu.Lock()
	m.owners = ownCopy
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []string {
	m.mu.RLock()
	cp := append([]string(nil), m.owners...)
	m.mu.RUnlock()
	return cp
}

func (m *CommandManager) SetRegistry(cmds []Command) {
	// always inject help
	helper := Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show available commands",
		Usage:       "/help [cmd] [sub...]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			text := m.helpText(req.Args, m.prefix())
			_, _ = req.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true})
			return nil
		},
	}
	cmds = append(cmds, helper)

	root := newCmdTree()
	alias := map[string]*cmdNode{}

	for _, c := range cmds {
		route := routeTokens(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := root.insert(route, c)
		// auto alias for multi-token routes: "a b" -> "a_b".
		// Never alias the base token itself or subcommand traversal breaks.
		if len(route) > 1 {
			auto := strings.Join(route, "_")
			if _, exists := alias[auto]; !exists {
				alias[auto] = leaf
			}
		}
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = leaf
		}
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.mu.Unlock()
}

func (m *CommandManager) prefix() string {
	if m.cfgm == nil {
		return "/"
	}
	cfg := m.cfgm.Get()
	if cfg == nil {
		return "/"
	}
	p := strings.TrimSpace(cfg.WhatsApp.CommandPrefix)
	if p == "" {
		return "/"
	}
	return p
}

func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	// Internal supervisor keeps the worker pool resilient and observable.
	sup := NewSupervisor(ctx,
		WithLogger(m.log.With(logx.String("comp", "whatsapp.router"))),
		WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)

	if !m.log.IsZero() {
		m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))
	}

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			// Mark as not running before closing so enqueue can degrade gracefully.
			m.setSupervisor(sup, false)
			close(m.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		name := "command.worker." + strconv.Itoa(idx)
		sup.GoRestart(name, func(c context.Context) error {
			if !m.log.IsZero() {
				m.log.Debug("command worker started", logx.Int("worker", idx))
			}
			defer func() {
				if !m.log.IsZero() {
					m.log.Debug("command worker stopped", logx.Int("worker", idx))
				}
			}()
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					// Defensive: a job should never panic (middleware already catches),
					// but keep workers alive if it happens.
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		// Wait briefly for workers to drain.
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		if !m.log.IsZero() {
			m.log.Info("command dispatcher stopped")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if !m.log.IsZero() {
				m.log.Info("command dispatcher stopped", logx.Any("err", ctx.Err()))
			}
			return nil
		case up, ok := <-updates:
			if !ok {
				if !m.log.IsZero() {
					m.log.Info("command dispatcher stopped (updates channel closed)")
				}
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) routeUpdate(root context.Context, up kit.Update) {
	if up.Kind == kit.UpdateMessage {
		m.routeMessage(root, up)
	}
}

func (m *CommandManager) routeMessage(root context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	prefix := m.prefix()
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, prefix) {
		return
	}

	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], prefix)
	if word == "" {
		return
	}
	args := []string{}
	if len(parts) > 1 {
		args = parts[1:]
	}

	// snapshot registry
	m.mu.RLock()
	rootNode := m.root
	aliasMap := m.alias
	m.mu.RUnlock()

	// alias as root-level shortcut
	if leaf, ok := aliasMap[word]; ok && leaf != nil && leaf.cmd != nil {
		cmd := *leaf.cmd
		pos, flags, bools := parseFlags(args)
		m.enqueueCommand(root, up, cmd, routeTokens(cmd.Route), pos, args, flags, bools)
		return
	}

	// traverse subcommand tree
	cur, ok := rootNode.child(word)
	if !ok {
		// Stay quiet in groups; any prefixed chatter would trigger this.
		if !msg.IsGroup {
			_, _ = m.adapter.SendText(root, kit.ChatTarget{JID: msg.ChatJID}, "unknown command. try "+prefix+"help", nil)
		}
		return
	}
	path := []string{word}
	for len(args) > 0 {
		nxt := args[0]
		if strings.HasPrefix(nxt, "-") { // flags start, stop subcommand traversal
			break
		}
		child, ok := cur.child(nxt)
		if !ok {
			break
		}
		cur = child
		path = append(path, nxt)
		args = args[1:]
	}

	// If container node without handler: show help for that path
	if cur.cmd == nil {
		txt := m.helpText(path, prefix)
		_, _ = m.adapter.SendText(root, kit.ChatTarget{JID: msg.ChatJID}, txt, &kit.SendOptions{DisablePreview: true})
		return
	}

	cmd := *cur.cmd
	pos, flags, bools := parseFlags(args)
	m.enqueueCommand(root, up, cmd, path, pos, args, flags, bools)
}

func (m *CommandManager) enqueueCommand(root context.Context, up kit.Update, cmd Command, path []string, args []string, raw []string, flags map[string]string, bools map[string]bool) {
	msg := up.Message
	if msg == nil {
		return
	}

	owners := m.ownersSnapshot()
	user := m.resolveUser(root, msg, owners)
	if cmd.Access == AccessOwnerOnly && user.Level != storage.LevelOwner {
		_, _ = m.adapter.SendText(root, kit.ChatTarget{JID: msg.ChatJID}, "unauthorized", nil)
		return
	}

	rid := newReqID()
	reqLog := m.log.With(
		logx.String("rid", rid),
		logx.String("chat", msg.ChatJID),
		logx.String("from", msg.SenderJID),
		logx.String("cmd", cmd.Route),
	)

	var cfg *Config
	if m.cfgm != nil {
		cfg = m.cfgm.Get()
	}

	req := &Request{
		Update:    up,
		Chat:      kit.ChatTarget{JID: msg.ChatJID},
		FromJID:   msg.SenderJID,
		IsGroup:   msg.IsGroup,
		Path:      path,
		Command:   cmd.Route,
		Args:      args,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		User:      user,
		Adapter:   m.adapter,
		Config:    cfg,
		Logger:    reqLog,
		Services:  m.serv,
		OwnerJIDs: owners,
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(cmd.Timeout),
	)

	if !m.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = m.adapter.SendText(root, req.Chat, "busy, try again", nil)
	}
}

// resolveUser loads the sender's registry record. Config owners always
// rank as owner even before their first registry write.
func (m *CommandManager) resolveUser(ctx context.Context, msg *kit.Message, owners []string) storage.User {
	user := storage.User{JID: msg.SenderJID, Name: msg.PushName, Level: storage.LevelFree}
	if m.serv != nil && m.serv.Store != nil {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if u, err := m.serv.Store.GetUser(cctx, msg.SenderJID); err == nil && u != nil {
			user = *u
		}
		cancel()
	}
	if isOwner(msg.SenderJID, owners) {
		user.Level = storage.LevelOwner
	}
	return user
}

func isOwner(jid string, owners []string) bool {
	for _, o := range owners {
		if o == jid {
			return true
		}
	}
	return false
}
