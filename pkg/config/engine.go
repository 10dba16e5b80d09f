// Package config implements the configuration engine (C4): an
// in-memory index of configuration entries and their long-poll
// listeners, mutated only by pkg/fsm and read directly by the external
// interfaces.
package config

import (
	"crypto/md5"
	"encoding/hex"
	"sync"
	"time"

	"github.com/meridian-io/meridian/pkg/actorutil"
	"github.com/meridian-io/meridian/pkg/log"
	"github.com/meridian-io/meridian/pkg/metrics"
	"github.com/meridian-io/meridian/pkg/types"
)

// listener is a parked long-poll waiter.
type listener struct {
	id         string
	keys       []types.ConfigKey
	clientMD5s map[types.ConfigKey]string
	deadline   time.Time
	reply      chan []types.ConfigKey // keys whose content changed
	done       bool
}

type state struct {
	entries   map[types.ConfigKey]*types.ConfigEntry
	byTenant  map[string]map[types.ConfigKey]struct{}
	listeners map[types.ConfigKey]map[string]*listener
	waiters   map[string]*listener
}

// Engine is the config engine's mailbox actor.
type Engine struct {
	mailbox *actorutil.Mailbox[*state]
	mu      sync.Mutex // guards id generation only, not state
	nextID  uint64
}

// New creates a config Engine and starts its consumer loop.
func New() *Engine {
	st := &state{
		entries:   make(map[types.ConfigKey]*types.ConfigEntry),
		byTenant:  make(map[string]map[types.ConfigKey]struct{}),
		listeners: make(map[types.ConfigKey]map[string]*listener),
		waiters:   make(map[string]*listener),
	}
	e := &Engine{mailbox: actorutil.NewMailbox(st, 256)}
	e.mailbox.OnTick(e.sweep)
	e.mailbox.Start()

	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for now := range ticker.C {
			e.mailbox.Tick(now)
		}
	}()

	return e
}

// Close stops the engine's consumer loop.
func (e *Engine) Close() {
	e.mailbox.Stop()
}

func md5Hex(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Set applies a durably-committed publish. Only called from pkg/fsm.
func (e *Engine) Set(key types.ConfigKey, content, contentType, appName string, now time.Time) {
	e.mailbox.Send(func(s *state) {
		entry, exists := s.entries[key]
		if !exists {
			entry = &types.ConfigEntry{Key: key, CreatedAt: now}
			s.entries[key] = entry
			if s.byTenant[key.Tenant] == nil {
				s.byTenant[key.Tenant] = make(map[types.ConfigKey]struct{})
			}
			s.byTenant[key.Tenant][key] = struct{}{}
		}
		entry.Content = content
		entry.MD5 = md5Hex(content)
		entry.Type = contentType
		entry.AppName = appName
		entry.UpdatedAt = now

		metrics.ConfigEntriesTotal.Set(float64(len(s.entries)))
		notifyListeners(s, key)
	})
}

// Delete applies a durably-committed removal. Only called from pkg/fsm.
func (e *Engine) Delete(key types.ConfigKey) {
	e.mailbox.Send(func(s *state) {
		if _, exists := s.entries[key]; !exists {
			return
		}
		delete(s.entries, key)
		delete(s.byTenant[key.Tenant], key)
		metrics.ConfigEntriesTotal.Set(float64(len(s.entries)))
		notifyListeners(s, key)
	})
}

// notifyListeners wakes every parked listener watching key, regardless
// of whether their pinned MD5 differs; the woken LongPoll call returns
// key as changed without comparing it against the pinned MD5.
func notifyListeners(s *state, key types.ConfigKey) {
	for id, l := range s.listeners[key] {
		if l.done {
			continue
		}
		l.done = true
		l.reply <- []types.ConfigKey{key}
		delete(s.waiters, id)
	}
	delete(s.listeners, key)
}

// Get returns a snapshot of the entry, or ErrNotFound. Served from
// in-memory state; not a linearizable read.
func (e *Engine) Get(key types.ConfigKey) (*types.ConfigEntry, error) {
	var result *types.ConfigEntry
	err := e.mailbox.SendSync(func(s *state) error {
		entry, ok := s.entries[key]
		if !ok {
			return types.NewError(types.ErrNotFound, "config not found")
		}
		cp := *entry
		result = &cp
		return nil
	})
	return result, err
}

// ListByTenant returns every entry owned by tenant (namespace).
func (e *Engine) ListByTenant(tenant string) ([]*types.ConfigEntry, error) {
	var result []*types.ConfigEntry
	err := e.mailbox.SendSync(func(s *state) error {
		for key := range s.byTenant[tenant] {
			cp := *s.entries[key]
			result = append(result, &cp)
		}
		return nil
	})
	return result, err
}

func (e *Engine) nextListenerID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	return "lp-" + time.Now().Format("150405.000000") + "-" + itoa(e.nextID)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// LongPoll blocks until any of the given keys changes from the
// client-pinned MD5 it was last observed at, or timeout elapses,
// returning the subset of keys that changed (nil on timeout with
// nothing changed).
func (e *Engine) LongPoll(keys []types.ConfigKey, clientMD5s map[types.ConfigKey]string, timeout time.Duration) ([]types.ConfigKey, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ConfigLongPollDuration)

	id := e.nextListenerID()
	reply := make(chan []types.ConfigKey, 1)

	var immediate []types.ConfigKey
	err := e.mailbox.SendSync(func(s *state) error {
		for _, key := range keys {
			entry, ok := s.entries[key]
			serverMD5 := ""
			if ok {
				serverMD5 = entry.MD5
			}
			if serverMD5 != clientMD5s[key] {
				immediate = append(immediate, key)
			}
		}
		if len(immediate) > 0 {
			return nil
		}

		l := &listener{
			id:         id,
			keys:       keys,
			clientMD5s: clientMD5s,
			deadline:   time.Now().Add(timeout),
			reply:      reply,
		}
		s.waiters[id] = l
		for _, key := range keys {
			if s.listeners[key] == nil {
				s.listeners[key] = make(map[string]*listener)
			}
			s.listeners[key][id] = l
		}
		metrics.ConfigListenersTotal.Set(float64(len(s.waiters)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(immediate) > 0 {
		return immediate, nil
	}

	select {
	case changed := <-reply:
		return changed, nil
	case <-time.After(timeout + 50*time.Millisecond):
		e.cancelListener(id)
		return nil, nil
	}
}

func (e *Engine) cancelListener(id string) {
	e.mailbox.Send(func(s *state) {
		l, ok := s.waiters[id]
		if !ok {
			return
		}
		delete(s.waiters, id)
		for _, key := range l.keys {
			delete(s.listeners[key], id)
		}
		metrics.ConfigListenersTotal.Set(float64(len(s.waiters)))
	})
}

// sweep wakes listeners whose deadline has elapsed without a change,
// so a slow consumer doesn't hold a mailbox slot forever.
func (e *Engine) sweep(s *state, now time.Time) {
	for id, l := range s.waiters {
		if l.done || now.Before(l.deadline) {
			continue
		}
		l.done = true
		delete(s.waiters, id)
		for _, key := range l.keys {
			delete(s.listeners[key], id)
		}
		select {
		case l.reply <- nil:
		default:
		}
	}
	log.Logger.Debug().Int("waiters", len(s.waiters)).Msg("config long-poll sweep")
}
