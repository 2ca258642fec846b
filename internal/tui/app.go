// Package tui is a terminal host for the sync runtime: it owns the UI
// thread, renders one collection at a time and reports scroll activity.
package tui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/daemon"
	"github.com/matheus3301/wppsync/internal/item"
	"github.com/matheus3301/wppsync/internal/outbox"
	"github.com/matheus3301/wppsync/internal/scroll"
	intsync "github.com/matheus3301/wppsync/internal/sync"
	"github.com/matheus3301/wppsync/internal/tui/keys"
	"github.com/matheus3301/wppsync/internal/tui/model"
	"github.com/matheus3301/wppsync/internal/tui/ui"
	"github.com/matheus3301/wppsync/internal/tui/views"
	"github.com/matheus3301/wppsync/internal/wa"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const (
	pageList   = "collections"
	pageThread = "thread"
	pageAuth   = "auth"
	pageHelp   = "help"
)

// App is the main TUI application shell.
type App struct {
	app      *tview.Application
	pages    *tview.Pages
	theme    *ui.Theme
	registry *keys.Registry
	flash    model.Flash
	stopped  atomic.Bool

	// early holds posts made before the event loop runs.
	mu      sync.Mutex
	running bool
	early   []func()

	statusBar *views.StatusBar
	list      *views.CollectionList
	thread    *views.ThreadView
	composer  *views.Composer
	auth      *views.AuthView
	help      *views.HelpView

	rt     *daemon.Runtime
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	// engine is the shown collection, UI thread only; cur mirrors it for
	// other goroutines.
	engine *intsync.Engine
	cur    atomic.Pointer[intsync.Engine]
}

// NewApp creates the TUI. The runtime is attached later by Run, because
// the runtime needs the app's dispatcher first.
func NewApp(sessionName string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()
	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		theme:     theme,
		registry:  keys.NewRegistry(),
		statusBar: views.NewStatusBar(theme),
		list:      views.NewCollectionList(theme),
		thread:    views.NewThreadView(theme),
		composer:  views.NewComposer(theme),
		auth:      views.NewAuthView(theme),
		help:      views.NewHelpView(theme),
		logger:    zap.NewNop(),
		ctx:       ctx,
		cancel:    cancel,
	}
	a.statusBar.SetSession(sessionName)
	a.setupBindings()
	a.setupLayout()
	return a
}

// Post runs fn on the UI thread and redraws. It implements
// uithread.Dispatcher; posts before Run are held, posts after Stop are dropped.
func (a *App) Post(fn func()) {
	if a.stopped.Load() {
		return
	}
	a.mu.Lock()
	if !a.running {
		a.early = append(a.early, fn)
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	a.app.QueueUpdateDraw(fn)
}

// drainEarly runs held posts on the calling goroutine, which owns the
// widgets until the event loop starts.
func (a *App) drainEarly() {
	for {
		a.mu.Lock()
		pending := a.early
		a.early = nil
		if len(pending) == 0 {
			a.running = true
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()
		for _, fn := range pending {
			fn()
		}
	}
}

func (a *App) setupBindings() {
	a.registry.Bind(keys.Global, &keys.Action{
		Name: "quit", Key: tcell.KeyRune, Rune: 'q',
		Description: "q:quit", Visible: true,
		Handler: a.Stop,
	})
	a.registry.Bind(keys.Global, &keys.Action{
		Name: "help", Key: tcell.KeyRune, Rune: '?',
		Description: "?:help", Visible: true,
		Handler: a.showHelp,
	})
	a.registry.Bind(pageList, &keys.Action{
		Name: "open", Key: tcell.KeyEnter,
		Description: "enter:open", Visible: true,
		Handler: func() {
			if c := a.list.Selected(); c != "" {
				a.open(c)
			}
		},
	})
	a.registry.Bind(pageList, &keys.Action{
		Name: "reload", Key: tcell.KeyRune, Rune: 'R',
		Description: "R:reload list", Visible: true,
		Handler: a.refreshList,
	})

	scrollKey := func(name string, key tcell.Key, r rune, desc string, fn func()) {
		a.registry.Bind(pageThread, &keys.Action{
			Name: name, Key: key, Rune: r, Description: desc, Visible: desc != "", Handler: fn,
		})
	}
	scrollKey("up", tcell.KeyUp, 0, "", func() { a.thread.ScrollLines(-1) })
	scrollKey("down", tcell.KeyDown, 0, "", func() { a.thread.ScrollLines(1) })
	scrollKey("k", tcell.KeyRune, 'k', "j/k:scroll", func() { a.thread.ScrollLines(-1) })
	scrollKey("j", tcell.KeyRune, 'j', "", func() { a.thread.ScrollLines(1) })
	scrollKey("pgup", tcell.KeyPgUp, 0, "pgup/pgdn:page", a.thread.PageUp)
	scrollKey("pgdn", tcell.KeyPgDn, 0, "", a.thread.PageDown)
	scrollKey("home", tcell.KeyRune, 'g', "g/G:top/bottom", a.thread.Home)
	scrollKey("end", tcell.KeyRune, 'G', "", a.thread.End)
	a.registry.Bind(pageThread, &keys.Action{
		Name: "write", Key: tcell.KeyRune, Rune: 'i',
		Description: "i:write", Visible: true,
		Handler: func() { a.app.SetFocus(a.composer) },
	})
	a.registry.Bind(pageThread, &keys.Action{
		Name: "retry", Key: tcell.KeyRune, Rune: 'r',
		Description: "r:retry failed", Visible: true,
		Handler: a.retryLatest,
	})
	a.registry.Bind(pageThread, &keys.Action{
		Name: "back", Key: tcell.KeyEscape,
		Description: "esc:back", Visible: true,
		Handler: a.closeThread,
	})
}

func (a *App) setupLayout() {
	threadFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.thread, 0, 1, true).
		AddItem(a.composer, 1, 0, false)

	a.pages.AddPage(pageList, a.list, true, true)
	a.pages.AddPage(pageThread, threadFlex, true, false)
	a.pages.AddPage(pageAuth, a.auth, true, false)
	a.pages.AddPage(pageHelp, a.help, true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)
	a.app.SetRoot(root, true).EnableMouse(true)

	a.thread.OnScroll(func() {
		if a.rt != nil {
			a.rt.Coordinator().NotifyActivity()
		}
	})
	a.thread.OnEdge(a.loadOlder)
	a.thread.OnMedia(a.prefetch)
	a.thread.SetMouseCapture(func(action tview.MouseAction, ev *tcell.EventMouse) (tview.MouseAction, *tcell.EventMouse) {
		switch action {
		case tview.MouseScrollUp:
			a.thread.ScrollLines(-3)
			return tview.MouseConsumed, nil
		case tview.MouseScrollDown:
			a.thread.ScrollLines(3)
			return tview.MouseConsumed, nil
		}
		return action, ev
	})

	a.composer.SetOnSend(a.sendText)
	a.composer.SetOnCommand(a.command)
	a.composer.SetOnLeave(func() { a.app.SetFocus(a.thread) })

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		page, _ := a.pages.GetFrontPage()
		if event.Key() == tcell.KeyEscape && (page == pageHelp || page == pageAuth) {
			a.showList()
			return nil
		}
		// Text input owns every key while focused.
		if _, ok := a.app.GetFocus().(*tview.InputField); ok {
			return event
		}
		if event.Key() == tcell.KeyRune && event.Rune() == ':' && page == pageThread {
			a.composer.SetText(":")
			a.app.SetFocus(a.composer)
			return nil
		}
		if a.registry.HandleEvent(page, event) {
			return nil
		}
		return event
	})
}

// Run attaches rt and blocks until the user quits. open, when set, is
// shown first.
func (a *App) Run(rt *daemon.Runtime, logger *zap.Logger, open string) error {
	a.rt = rt
	if logger != nil {
		a.logger = logger
	}
	rt.Coordinator().OnStateChange(func(s scroll.State) {
		a.Post(func() { a.statusBar.SetScrolling(s == scroll.Active) })
	})

	sub := rt.Bus().Subscribe("", 256)
	go a.watch(sub)
	go a.tick()

	a.refreshList()
	if open != "" {
		a.open(open)
	}
	if adapter, ok := rt.Backend().(*wa.Adapter); ok && !adapter.IsLoggedIn() {
		a.pages.SwitchToPage(pageAuth)
		a.auth.ShowMessage("Waiting for a pairing code...")
	}

	a.drainEarly()
	err := a.app.Run()
	a.stopped.Store(true)
	a.cancel()
	sub.Close()
	return err
}

// watch turns bus events into redraws. It runs on its own goroutine and
// only touches widgets through Post.
func (a *App) watch(sub *bus.Subscription) {
	for evt := range sub.C() {
		switch evt.Kind {
		case bus.SyncApplied, bus.SyncOlder, bus.SendPending, bus.SendConfirmed, bus.SendStatusChanged:
			a.Post(a.refreshStatus)
		case bus.SyncFailed:
			if f, ok := evt.Payload.(intsync.Failed); ok && a.isOpen(f.Collection) {
				a.flash.Warn("sync failed: " + f.Error)
			}
			a.Post(a.refreshStatus)
		case bus.SendFailed:
			if e, ok := evt.Payload.(outbox.Event); ok {
				a.flash.Warn("send failed: " + e.Error)
			}
			a.Post(a.refreshStatus)
		case bus.SessionQRCode:
			code, _ := evt.Payload.(string)
			a.Post(func() {
				a.pages.SwitchToPage(pageAuth)
				a.auth.ShowQR(code)
			})
		case bus.SessionAuthenticated:
			a.Post(func() {
				a.statusBar.SetStatus("linked")
				a.showList()
			})
		case bus.SessionAuthFailed:
			msg, _ := evt.Payload.(string)
			a.Post(func() { a.auth.ShowMessage("Pairing failed: " + msg) })
		case bus.SessionConnected:
			a.Post(func() { a.statusBar.SetStatus("connected") })
		case bus.SessionDisconnected:
			a.Post(func() { a.statusBar.SetStatus("offline") })
		case bus.SessionLoggedOut:
			a.Post(func() { a.statusBar.SetStatus("logged out") })
		}
	}
}

// tick keeps the clock and the flash fresh.
func (a *App) tick() {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-t.C:
			a.Post(func() {
				a.statusBar.SetFlash(a.flash.Get())
			})
		}
	}
}

// isOpen may be stale; it only decides whether to flash.
func (a *App) isOpen(collection string) bool {
	e := a.cur.Load()
	return e != nil && e.Collection() == collection
}

func (a *App) refreshStatus() {
	if a.engine != nil {
		a.statusBar.SetCollection(a.engine.Collection(), a.engine.Loading())
	} else {
		a.statusBar.SetCollection("", false)
	}
	sends := map[string]int{}
	for state, n := range a.rt.SendCounts() {
		sends[strings.ToLower(string(state))] = n
	}
	a.statusBar.SetSends(sends)
	a.statusBar.SetFlash(a.flash.Get())
}

func (a *App) refreshList() {
	a.list.Update(a.rt.Known(), a.rt.Collections())
}

func (a *App) showList() {
	a.refreshList()
	a.pages.SwitchToPage(pageList)
	a.app.SetFocus(a.list)
}

func (a *App) showHelp() {
	a.help.Render([]views.HelpSection{
		{Title: "Collections", Hints: a.registry.Hints(pageList)},
		{Title: "Thread", Hints: a.registry.Hints(pageThread)},
	})
	a.pages.SwitchToPage(pageHelp)
	a.app.SetFocus(a.help)
}

// open shows collection. Engine creation does I/O, so it runs off the UI
// thread and the result is attached back on it.
func (a *App) open(collection string) {
	go func() {
		e, err := a.rt.Open(a.ctx, collection)
		if err != nil {
			a.flash.Err(err)
			a.Post(a.refreshStatus)
			return
		}
		a.Post(func() { a.attach(e) })
	}()
}

func (a *App) attach(e *intsync.Engine) {
	if a.engine == e {
		a.pages.SwitchToPage(pageThread)
		a.app.SetFocus(a.thread)
		return
	}
	a.detach()
	a.engine = e
	a.cur.Store(e)

	order := e.View().Options().Order
	a.thread.SetSource(e.Collection(), e.View(), order, a.rt.Backend().Me())
	e.SetViewport(a.thread)
	e.SetVisible(true)

	a.pages.SwitchToPage(pageThread)
	a.app.SetFocus(a.thread)
	a.refreshStatus()
}

// detach hides the current collection. The engine stays open so
// switching back renders from memory.
func (a *App) detach() {
	if a.engine == nil {
		return
	}
	a.engine.SetVisible(false)
	a.engine.SetViewport(nil)
	a.engine = nil
	a.cur.Store(nil)
}

func (a *App) closeThread() {
	a.detach()
	a.refreshStatus()
	a.showList()
}

func (a *App) loadOlder() {
	e := a.engine
	if e == nil {
		return
	}
	go func() {
		n, err := e.LoadOlder(a.ctx)
		if err != nil {
			a.flash.Err(err)
			return
		}
		if n == 0 {
			a.flash.Info("no older items")
		}
	}()
}

// prefetch warms the media cache for rows that came into view.
func (a *App) prefetch(refs []item.MediaRef) {
	cache, backend := a.rt.Media(), a.rt.Backend()
	for _, m := range refs {
		key, thumb := m.RemoteKey, false
		if m.ThumbRemoteKey != "" {
			key, thumb = m.ThumbRemoteKey, true
		}
		go func() {
			if _, err := cache.GetOrDownload(a.ctx, key, backend, thumb); err != nil {
				a.logger.Debug("media prefetch", zap.String("key", key), zap.Error(err))
				return
			}
			a.Post(func() { a.thread.MarkCached(key) })
		}()
	}
}

func (a *App) sendText(text string) {
	e := a.engine
	if e == nil {
		return
	}
	a.submit(e.Collection(), outbox.Draft{Kind: item.KindText, Text: text})
}

func (a *App) submit(collection string, d outbox.Draft) {
	go func() {
		if _, err := a.rt.Outbox().Submit(a.ctx, collection, d); err != nil {
			a.flash.Err(err)
		}
	}()
}

func (a *App) retryLatest() {
	e := a.engine
	if e == nil {
		return
	}
	collection := e.Collection()
	go func() {
		nonces, err := a.rt.Outbox().FailedNonces(collection)
		if err != nil {
			a.flash.Err(err)
			return
		}
		if len(nonces) == 0 {
			a.flash.Info("nothing to retry")
			return
		}
		if err := a.rt.Outbox().Retry(a.ctx, nonces[0]); err != nil {
			a.flash.Err(err)
		}
	}()
}

func (a *App) command(input string) {
	cmd := ParseCommand(input)
	switch cmd.Name {
	case "q", "quit":
		a.Stop()
	case "h", "help":
		a.showHelp()
	case "open":
		if cmd.Args == "" {
			a.flash.Warn("usage: :open <collection>")
			return
		}
		a.open(cmd.Args)
	case "attach":
		e := a.engine
		path, caption := cmd.Attachment()
		if e == nil || path == "" {
			a.flash.Warn("usage: :attach <path> [caption]")
			return
		}
		a.submit(e.Collection(), outbox.Draft{Kind: KindForPath(path), Text: caption, LocalPath: path})
	case "retry":
		a.retryLatest()
	case "sync":
		if e := a.engine; e != nil {
			go func() {
				if _, err := e.Sync(a.ctx); err != nil {
					a.flash.Err(err)
				}
			}()
		}
	case "evict":
		go func() {
			res, err := a.rt.Evict(0)
			if err != nil {
				a.flash.Err(err)
				return
			}
			a.flash.Info(fmt.Sprintf("evicted %d files, %d bytes", res.Removed, res.FreedBytes))
		}()
	case "logout":
		a.detach()
		go func() {
			if err := a.rt.Logout(a.ctx); err != nil {
				a.flash.Err(err)
				return
			}
			a.Post(a.showList)
		}()
	default:
		a.flash.Warn("unknown command: " + strings.TrimSpace(input))
	}
	if page, _ := a.pages.GetFrontPage(); page == pageThread {
		a.app.SetFocus(a.thread)
	}
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.stopped.Store(true)
	a.cancel()
	a.app.Stop()
}
