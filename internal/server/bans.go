package server

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stormhold-project/stormhold/internal/store"
)

const (
	banKindName = "name"
	banKindIP   = "ip"
)

// banTable is the in-memory server ban list, mirrored to the store when
// one is attached so bans survive restarts.
type banTable struct {
	mu    sync.Mutex
	names map[string]store.Ban
	ips   map[string]store.Ban
	st    *store.Store
}

func newBanTable(st *store.Store) *banTable {
	t := &banTable{
		names: make(map[string]store.Ban),
		ips:   make(map[string]store.Ban),
		st:    st,
	}
	if st != nil {
		bans, err := st.ActiveBans()
		if err != nil {
			log.Warn().Err(err).Msg("failed to load persisted bans")
			return t
		}
		for _, b := range bans {
			t.insert(b)
		}
	}
	return t
}

func (t *banTable) insert(b store.Ban) {
	switch b.Kind {
	case banKindName:
		t.names[strings.ToLower(b.Target)] = b
	case banKindIP:
		t.ips[b.Target] = b
	}
}

func (t *banTable) add(target, kind, reason, bannedBy string, expires time.Time) error {
	if kind != banKindName && kind != banKindIP {
		return fmt.Errorf("unknown ban kind %q", kind)
	}
	b := store.Ban{
		Target:    target,
		Kind:      kind,
		Reason:    reason,
		BannedBy:  bannedBy,
		ExpiresAt: expires,
		CreatedAt: time.Now(),
	}
	if t.st != nil {
		id, err := t.st.AddBan(b)
		if err != nil {
			return err
		}
		b.ID = id
	}
	t.mu.Lock()
	t.insert(b)
	t.mu.Unlock()
	return nil
}

func (t *banTable) remove(target string) error {
	t.mu.Lock()
	delete(t.names, strings.ToLower(target))
	delete(t.ips, target)
	t.mu.Unlock()
	if t.st != nil {
		return t.st.RemoveBan(target)
	}
	return nil
}

// banned checks a login attempt against both views, dropping expired
// entries as it finds them.
func (t *banTable) banned(username, ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if b, ok := t.names[strings.ToLower(username)]; ok {
		if b.ExpiresAt.IsZero() || b.ExpiresAt.After(now) {
			return true
		}
		delete(t.names, strings.ToLower(username))
	}
	if b, ok := t.ips[ip]; ok {
		if b.ExpiresAt.IsZero() || b.ExpiresAt.After(now) {
			return true
		}
		delete(t.ips, ip)
	}
	return false
}

func (t *banTable) list() []store.Ban {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]store.Ban, 0, len(t.names)+len(t.ips))
	for _, b := range t.names {
		out = append(out, b)
	}
	for _, b := range t.ips {
		out = append(out, b)
	}
	return out
}
