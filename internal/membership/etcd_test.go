package membership

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type fakeEtcd struct {
	mu       sync.Mutex
	kv       map[string]clientv3.LeaseID
	nextID   clientv3.LeaseID
	revoked  []clientv3.LeaseID
	watchers []chan clientv3.WatchResponse
	closed   bool
}

func newFakeEtcd() *fakeEtcd {
	return &fakeEtcd{kv: make(map[string]clientv3.LeaseID)}
}

func (f *fakeEtcd) Grant(context.Context, int64) (*clientv3.LeaseGrantResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return &clientv3.LeaseGrantResponse{ID: f.nextID}, nil
}

func (f *fakeEtcd) KeepAlive(ctx context.Context, _ clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	ch := make(chan *clientv3.LeaseKeepAliveResponse)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (f *fakeEtcd) Revoke(_ context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	f.mu.Lock()
	f.revoked = append(f.revoked, id)
	for k, lease := range f.kv {
		if lease == id {
			delete(f.kv, k)
		}
	}
	f.mu.Unlock()
	f.notify()
	return &clientv3.LeaseRevokeResponse{}, nil
}

// Put binds key to the most recently granted lease; the provider always puts
// right after a grant.
func (f *fakeEtcd) Put(_ context.Context, key, _ string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	f.kv[key] = f.nextID
	f.mu.Unlock()
	f.notify()
	return &clientv3.PutResponse{}, nil
}

func (f *fakeEtcd) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.kv))
	for k := range f.kv {
		if strings.HasPrefix(k, key) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	resp := &clientv3.GetResponse{}
	for _, k := range keys {
		resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k)})
	}
	return resp, nil
}

func (f *fakeEtcd) Watch(ctx context.Context, _ string, _ ...clientv3.OpOption) clientv3.WatchChan {
	ch := make(chan clientv3.WatchResponse, 16)
	f.mu.Lock()
	f.watchers = append(f.watchers, ch)
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		for i, w := range f.watchers {
			if w == ch {
				f.watchers = append(f.watchers[:i], f.watchers[i+1:]...)
				break
			}
		}
		close(ch)
		f.mu.Unlock()
	}()
	return ch
}

func (f *fakeEtcd) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("already closed")
	}
	f.closed = true
	return nil
}

func (f *fakeEtcd) notify() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.watchers {
		select {
		case w <- clientv3.WatchResponse{}:
		default:
		}
	}
}

// expire drops a key as if its lease ran out.
func (f *fakeEtcd) expire(key string) {
	f.mu.Lock()
	delete(f.kv, key)
	f.mu.Unlock()
	f.notify()
}

func (f *fakeEtcd) add(key string) {
	f.mu.Lock()
	f.kv[key] = 0
	f.mu.Unlock()
	f.notify()
}

func TestEtcdRegistersAndLists(t *testing.T) {
	t.Parallel()

	fake := newFakeEtcd()
	fake.add("/crawler/nodes/node-b")
	p := NewEtcdWithClient(EtcdConfig{NodeID: "node-a", Prefix: "/crawler/nodes"}, fake, nil)
	require.NoError(t, p.Start(context.Background()))

	nodes, err := p.CurrentLiveNodes(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"node-a", "node-b"}, nodes)

	require.NoError(t, p.Close())
	require.Equal(t, []clientv3.LeaseID{1}, fake.revoked)
	require.True(t, fake.closed)
}

func TestEtcdWatchPublishesChanges(t *testing.T) {
	t.Parallel()

	fake := newFakeEtcd()
	p := NewEtcdWithClient(EtcdConfig{NodeID: "node-a", RetryDelay: 10 * time.Millisecond}, fake, nil)
	require.NoError(t, p.Start(context.Background()))
	defer func() { require.NoError(t, p.Close()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := p.Watch(ctx)
	require.Equal(t, []string{"node-a"}, <-ch)

	fake.add("/crawler/nodes/node-c")
	require.Eventually(t, func() bool {
		select {
		case got := <-ch:
			return len(got) == 2 && got[1] == "node-c"
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	fake.expire("/crawler/nodes/node-c")
	require.Eventually(t, func() bool {
		select {
		case got := <-ch:
			return len(got) == 1 && got[0] == "node-a"
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestEtcdReRegistersWhenOwnKeyExpires(t *testing.T) {
	t.Parallel()

	fake := newFakeEtcd()
	p := NewEtcdWithClient(EtcdConfig{NodeID: "node-a", RetryDelay: 10 * time.Millisecond}, fake, nil)
	require.NoError(t, p.Start(context.Background()))
	defer func() { require.NoError(t, p.Close()) }()

	fake.expire("/crawler/nodes/node-a")
	require.Eventually(t, func() bool {
		nodes, err := p.CurrentLiveNodes(context.Background())
		return err == nil && len(nodes) == 1 && nodes[0] == "node-a"
	}, time.Second, 5*time.Millisecond)
}

func TestEtcdStartRequiresNodeID(t *testing.T) {
	t.Parallel()

	p := NewEtcdWithClient(EtcdConfig{}, newFakeEtcd(), nil)
	require.Error(t, p.Start(context.Background()))
}
