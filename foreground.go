package flowplug

import "sync"

// ForegroundGuard keeps the plugin in the terminal foreground for as long as
// it is held. Obtained from EngineInterface.EnterForeground; release it with
// Leave (or defer Close) as soon as direct terminal access is done.
//
// Leaving restores the process's own process group before telling the engine,
// and is idempotent.
type ForegroundGuard struct {
	mu    sync.Mutex
	iface *EngineInterface
}

// Leave exits the foreground. Only the first call does anything.
func (g *ForegroundGuard) Leave() error {
	g.mu.Lock()
	iface := g.iface
	g.iface = nil
	g.mu.Unlock()
	if iface == nil {
		return nil
	}
	if err := resetForegroundProcessGroup(); err != nil {
		return err
	}
	return iface.leaveForeground()
}

// Close implements io.Closer as an alias for Leave, for use with defer.
func (g *ForegroundGuard) Close() error {
	return g.Leave()
}
