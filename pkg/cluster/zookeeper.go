package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/jpillora/backoff"

	"metacat/pkg/types"
)

const (
	tserversDir = "tservers"
	mastersDir  = "masters"
)

// ZKMembership keeps masters and tablet servers registered as ephemeral znodes.
//
//	<root>/masters/<id>   data: master http address
//	<root>/tservers/<id>  data: JSON TServerInfo
type ZKMembership struct {
	conn     *zk.Conn
	rootPath string
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKMembership(servers []string, rootPath string, sessionTimeout time.Duration) (*ZKMembership, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKMembership{
		conn:     conn,
		rootPath: rootPath,
	}, nil
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) ensurePath(p string) error {
	parts := strings.Split(p, "/")
	cur := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// RegisterMaster создаёт ephemeral-узел для текущего мастера
func (m *ZKMembership) RegisterMaster(id, addr string) error {
	return m.register(path.Join(m.rootPath, mastersDir), id, []byte(addr))
}

// RegisterTServer announces a tablet server. Tablet servers call it on start.
func (m *ZKMembership) RegisterTServer(info TServerInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal tserver info: %w", err)
	}
	return m.register(path.Join(m.rootPath, tserversDir), string(info.ID), data)
}

func (m *ZKMembership) register(dir, id string, data []byte) error {
	// Ждём, пока клиент реально подключится к ZK
	if err := m.waitConnected(10 * time.Second); err != nil {
		return err
	}
	if err := m.ensurePath(dir); err != nil {
		return fmt.Errorf("ensure %s: %w", dir, err)
	}

	nodePath := path.Join(dir, id)
	_, err := m.conn.Create(nodePath, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("registered in zookeeper", "path", nodePath)
	return nil
}

// readTServers читает список живых tablet servers
func (m *ZKMembership) readTServers(children []string) []TServerInfo {
	dir := path.Join(m.rootPath, tserversDir)
	out := make([]TServerInfo, 0, len(children))
	for _, child := range children {
		data, _, err := m.conn.Get(path.Join(dir, child))
		if err != nil {
			// узел мог исчезнуть между Children и Get
			slog.Debug("zk get tserver failed", "child", child, "error", err)
			continue
		}
		var info TServerInfo
		if err := json.Unmarshal(data, &info); err != nil {
			slog.Warn("bad tserver registration", "child", child, "error", err)
			continue
		}
		if info.ID == "" {
			info.ID = types.TabletServerID(child)
		}
		out = append(out, info)
	}
	return out
}

// RunWatch следит за изменениями <root>/tservers и синхронизирует TSManager.
// Blocks until ctx is done.
func (m *ZKMembership) RunWatch(ctx context.Context, manager *TSManager) error {
	dir := path.Join(m.rootPath, tserversDir)
	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: true}
	for {
		if err := m.ensurePath(dir); err != nil {
			slog.Warn("zk ensure tservers path failed", "error", err)
			if !sleepCtx(ctx, b.Duration()) {
				return ctx.Err()
			}
			continue
		}
		children, _, ch, err := m.conn.ChildrenW(dir)
		if err != nil {
			slog.Warn("zk ChildrenW failed", "error", err)
			if !sleepCtx(ctx, b.Duration()) {
				return ctx.Err()
			}
			continue
		}
		b.Reset()

		manager.SyncMembers(m.readTServers(children))

		select {
		case ev := <-ch:
			slog.Debug("zk event", "type", ev.Type, "path", ev.Path)
		case <-ctx.Done():
			slog.Info("zk watch stopped")
			return ctx.Err()
		}
	}
}

func (m *ZKMembership) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
