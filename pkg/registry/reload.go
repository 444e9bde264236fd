package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jingkaihe/autoskill/pkg/logger"
	"github.com/jingkaihe/autoskill/pkg/skills"
	"github.com/pkg/errors"
)

// DefaultDebounce is the quiet period after the last change before a rebuild.
const DefaultDebounce = 500 * time.Millisecond

// ReloadState is the phase of the hot-reload reducer.
type ReloadState int

// ReloadState constants
const (
	ReloadIdle ReloadState = iota
	ReloadPending
	ReloadRebuilding
)

func (s ReloadState) String() string {
	switch s {
	case ReloadPending:
		return "pending"
	case ReloadRebuilding:
		return "rebuilding"
	default:
		return "idle"
	}
}

// ReloadEvent is an input to the reducer.
type ReloadEvent int

// ReloadEvent constants
const (
	// EventChange is a filesystem change notification.
	EventChange ReloadEvent = iota
	// EventQuiet fires when the debounce window elapses.
	EventQuiet
	// EventRebuilt reports that a rebuild finished.
	EventRebuilt
)

// ReloadAction tells the driver what to do after a transition.
type ReloadAction int

// ReloadAction constants
const (
	ActionNone ReloadAction = iota
	// ActionArmTimer (re)starts the debounce timer.
	ActionArmTimer
	// ActionRebuild starts a rebuild for the new generation.
	ActionRebuild
	// ActionSwap publishes the finished rebuild.
	ActionSwap
	// ActionDiscard drops a rebuild made stale by later changes and re-arms
	// the debounce timer.
	ActionDiscard
)

// ReloadMachine is the idle -> pending -> rebuilding -> swap reducer. It is a
// value type; Next returns the successor state and the action to take.
type ReloadMachine struct {
	State ReloadState
	// Generation identifies the rebuild in flight.
	Generation uint64
	// Dirty is set when changes arrive during a rebuild.
	Dirty bool
}

// Next applies ev. generation is only consulted for EventRebuilt and must
// name the rebuild that finished.
func (m ReloadMachine) Next(ev ReloadEvent, generation uint64) (ReloadMachine, ReloadAction) {
	switch ev {
	case EventChange:
		switch m.State {
		case ReloadIdle, ReloadPending:
			m.State = ReloadPending
			return m, ActionArmTimer
		case ReloadRebuilding:
			m.Dirty = true
			return m, ActionNone
		}
	case EventQuiet:
		if m.State == ReloadPending {
			m.State = ReloadRebuilding
			m.Generation++
			m.Dirty = false
			return m, ActionRebuild
		}
	case EventRebuilt:
		if m.State != ReloadRebuilding || generation != m.Generation {
			return m, ActionNone
		}
		if m.Dirty {
			m.State = ReloadPending
			m.Dirty = false
			return m, ActionDiscard
		}
		m.State = ReloadIdle
		return m, ActionSwap
	}
	return m, ActionNone
}

type rebuildResult struct {
	generation uint64
	result     *skills.LoadResult
	err        error
}

// Watch drives hot reload until ctx is done. Filesystem events feed the
// reducer; rebuilds run off the event loop and only the latest generation is
// swapped in. A failed rebuild keeps the current index.
func (r *Registry) Watch(ctx context.Context, dirs []string, debounce time.Duration) error {
	if r.loader == nil {
		return errors.New("hot reload requires a loader")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create file watcher")
	}
	defer watcher.Close()

	watched := 0
	for _, dir := range dirs {
		n, err := addRecursive(watcher, dir)
		if err != nil {
			return err
		}
		watched += n
	}
	logger.G(ctx).WithField("directories", watched).Info("watching skill directories")

	var (
		machine ReloadMachine
		timer   *time.Timer
		quiet   <-chan time.Time
		rebuilt = make(chan rebuildResult, 1)
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	apply := func(ev ReloadEvent, generation uint64, res *rebuildResult) {
		next, action := machine.Next(ev, generation)
		logger.G(ctx).WithField("from", machine.State.String()).
			WithField("to", next.State.String()).
			Debug("reload transition")
		machine = next

		switch action {
		case ActionArmTimer, ActionDiscard:
			if action == ActionDiscard {
				logger.G(ctx).Debug("discarding stale skill rebuild")
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			quiet = timer.C
		case ActionRebuild:
			quiet = nil
			gen := machine.Generation
			go func() {
				result, err := r.loader.DiscoverSkills()
				rebuilt <- rebuildResult{generation: gen, result: result, err: err}
			}()
		case ActionSwap:
			if res.err != nil {
				logger.G(ctx).WithError(res.err).Error("skill reload failed, keeping previous index")
				return
			}
			r.applyDisk(ctx, res.result)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if _, err := addRecursive(watcher, event.Name); err != nil {
						logger.G(ctx).WithError(err).WithField("directory", event.Name).Warn("failed to watch new directory")
					}
				}
			}
			if isHidden(event.Name) {
				continue
			}
			apply(EventChange, 0, nil)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.G(ctx).WithError(err).Error("error watching skill directories")
		case <-quiet:
			apply(EventQuiet, 0, nil)
		case res := <-rebuilt:
			apply(EventRebuilt, res.generation, &res)
		}
	}
}

func addRecursive(watcher *fsnotify.Watcher, root string) (int, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return 0, nil
	}
	count := 0
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return errors.Wrapf(err, "failed to watch %s", path)
		}
		count++
		return nil
	})
	return count, err
}

func isHidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp")
}
