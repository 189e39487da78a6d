// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/cloudfetch/internal/compute"
	"github.com/cardinalhq/cloudfetch/internal/objstore"
	"github.com/cardinalhq/cloudfetch/internal/task"
)

const gb = int64(1) << 30

type fakeProber map[string]int64

func (f fakeProber) ContentLength(_ context.Context, url string) (int64, error) {
	size, ok := f[url]
	if !ok || size <= 0 {
		return 0, errors.New("unknown length")
	}
	return size, nil
}

type fakeStore struct {
	mu      sync.Mutex
	keys    map[string]bool
	mkdirs  []string
	listed  int
	listErr error
	files   map[string][]byte
}

func newFakeStore(keys ...string) *fakeStore {
	s := &fakeStore{keys: map[string]bool{}}
	for _, k := range keys {
		s.keys[k] = true
	}
	return s
}

func (s *fakeStore) put(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = true
}

func (s *fakeStore) Mkdir(_ context.Context, _, prefix string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirs = append(s.mkdirs, prefix)
	s.keys[prefix] = true
	return prefix, nil
}

func (s *fakeStore) Put(_ context.Context, _, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		s.files = map[string][]byte{}
	}
	s.files[key] = data
	return nil
}

func (s *fakeStore) List(_ context.Context, _, prefix string) (*objstore.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listed++
	if s.listErr != nil {
		return nil, s.listErr
	}
	var keys []string
	for k := range s.keys {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	objs := make([]objstore.Object, len(keys))
	for i, k := range keys {
		objs[i] = objstore.Object{Key: k}
	}
	return objstore.NewListing(objs...), nil
}

// fakeProvider launches instantly and reports the server ACTIVE until
// shutoffAfter polls, then SHUTOFF. onShow runs on every status poll.
type fakeProvider struct {
	mu sync.Mutex

	zones   []string
	flavors map[string][]string

	shutoffAfter int
	onShow       func(poll int)
	createStatus compute.JobStatus

	created []compute.CreateSpec
	deleted []string
	shows   int
}

func (p *fakeProvider) AvailabilityZones(context.Context) ([]string, error) {
	return p.zones, nil
}

func (p *fakeProvider) Flavors(_ context.Context, zone string) ([]string, error) {
	return p.flavors[zone], nil
}

func (p *fakeProvider) SubmitCreate(_ context.Context, spec compute.CreateSpec) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, spec)
	return "srv-1", "create-job", nil
}

func (p *fakeProvider) SubmitDelete(_ context.Context, serverID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, serverID)
	return "delete-job", nil
}

func (p *fakeProvider) GetJob(_ context.Context, jobID string) (compute.Job, error) {
	status := compute.JobSuccess
	if jobID == "create-job" && p.createStatus != "" {
		status = p.createStatus
	}
	return compute.Job{
		ID:      jobID,
		Status:  status,
		SubJobs: []compute.SubJob{{ServerID: "srv-1", Status: status}},
	}, nil
}

func (p *fakeProvider) GetServer(_ context.Context, serverID string) (compute.Server, error) {
	p.mu.Lock()
	p.shows++
	poll := p.shows
	p.mu.Unlock()
	if p.onShow != nil {
		p.onShow(poll)
	}
	status := compute.ServerActive
	if poll > p.shutoffAfter {
		status = compute.ServerShutoff
	}
	return compute.Server{ID: serverID, Status: status}, nil
}

func newTestOrchestrator(prober Prober, store Storage, p compute.Provider) *Orchestrator {
	cc := compute.NewClient(p, compute.WithJobInterval(time.Millisecond))
	o := New(Config{
		Credentials:  task.Credentials{AccessKey: "ak", SecretKey: "sk", Region: "r1"},
		Bucket:       "default-bucket",
		Image:        "ami-1",
		PollInterval: time.Millisecond,
	}, prober, store, cc)
	o.now = func() time.Time { return time.Date(2025, 3, 4, 23, 30, 0, 0, time.UTC) }
	return o
}

func TestGetShortCircuitsWhenOutputsExist(t *testing.T) {
	urls := []string{"http://h/a.txt", "http://h/b.txt"}
	tk, err := task.New(urls, nil, time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	store := newFakeStore(tk.OutputKey("a.txt"), tk.OutputKey("b.txt"))
	p := &fakeProvider{}
	o := newTestOrchestrator(fakeProber{urls[0]: 10, urls[1]: 20}, store, p)

	res, err := o.Get(context.Background(), Request{URLs: urls})
	require.NoError(t, err)
	assert.True(t, res.AlreadyPresent)
	assert.Equal(t, []string{"a.txt", "b.txt"}, res.Succeeded)
	assert.Empty(t, res.Failed)
	assert.Equal(t, tk.ID(), res.TaskID)
	assert.Equal(t, "20250304", res.Date)
	assert.NotEmpty(t, res.RunID)

	assert.Equal(t, []string{"20250304/"}, store.mkdirs)
	assert.Empty(t, p.created, "nothing is provisioned")
	assert.Empty(t, p.deleted)
}

func TestGetPicksFirstAvailableFlavor(t *testing.T) {
	urls := []string{"http://h/A", "http://h/B"}
	prober := fakeProber{urls[0]: 40 * gb, urls[1]: 30 * gb}
	wantDisk := DiskSizeGB(70 * gb)
	require.Equal(t, 90, wantDisk)

	store := newFakeStore()
	p := &fakeProvider{
		zones:   []string{"Y", "Z"},
		flavors: map[string][]string{"Y": {"other"}, "Z": {"f2"}},
	}
	o := newTestOrchestrator(prober, store, p)

	res, err := o.Get(context.Background(), Request{URLs: urls, Flavors: []string{"f1", "f2"}, Bucket: "b"})
	require.NoError(t, err)

	require.Len(t, p.created, 1)
	spec := p.created[0]
	assert.Equal(t, "f2", spec.Flavor)
	assert.Equal(t, "Z", spec.Zone)
	assert.Equal(t, wantDisk, spec.DiskGB)
	assert.Equal(t, "download_"+res.TaskID, spec.Name)
	assert.Equal(t, "ami-1", spec.Image)
	assert.Equal(t, DefaultBootstrapPath, spec.FilePath)
	assert.Equal(t, "b", res.Bucket)
}

func bootstrapDescriptor(t *testing.T, spec compute.CreateSpec) task.Descriptor {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(spec.FileContent)
	require.NoError(t, err)
	d, err := task.DecodeDescriptor(raw)
	require.NoError(t, err)
	return d
}

func TestGetSmallTaskTravelsInline(t *testing.T) {
	urls := []string{"http://h/a", "http://h/b"}
	store := newFakeStore()
	p := &fakeProvider{zones: []string{"Z"}, flavors: map[string][]string{"Z": DefaultFlavors}}
	o := newTestOrchestrator(fakeProber{urls[0]: 1, urls[1]: 1}, store, p)

	res, err := o.Get(context.Background(), Request{URLs: urls})
	require.NoError(t, err)
	require.Len(t, p.created, 1)

	d := bootstrapDescriptor(t, p.created[0])
	assert.False(t, d.Remote())
	assert.Contains(t, d.Task, res.TaskID)
	assert.Empty(t, store.files)
}

func TestGetLargeTaskStoredAsTaskFile(t *testing.T) {
	var urls []string
	prober := fakeProber{}
	for i := range 300 {
		u := fmt.Sprintf("https://downloads.example.com/archive/2025/03/granule-%04d.nc", i)
		urls = append(urls, u)
		prober[u] = 1
	}
	store := newFakeStore()
	p := &fakeProvider{zones: []string{"Z"}, flavors: map[string][]string{"Z": DefaultFlavors}}
	o := newTestOrchestrator(prober, store, p)

	res, err := o.Get(context.Background(), Request{URLs: urls})
	require.NoError(t, err)
	require.Len(t, p.created, 1)

	tk, err := task.New(urls, nil, o.now())
	require.NoError(t, err)
	key := tk.TaskFileKey()

	d := bootstrapDescriptor(t, p.created[0])
	assert.True(t, d.Remote())
	assert.Equal(t, []string{key}, d.Tasks)
	assert.Equal(t, "default-bucket", d.Bucket)
	assert.Less(t, len(p.created[0].FileContent), compute.MaxUserDataBytes/2)

	require.Contains(t, store.files, key)
	specs, err := task.DecodeTaskFile(store.files[key])
	require.NoError(t, err)
	assert.Equal(t, tk.Spec(), specs[res.TaskID])
}

func TestGetNoFlavor(t *testing.T) {
	p := &fakeProvider{zones: []string{"Z"}, flavors: map[string][]string{"Z": {"x"}}}
	o := newTestOrchestrator(fakeProber{"http://h/a": 1}, newFakeStore(), p)

	_, err := o.Get(context.Background(), Request{URLs: []string{"http://h/a"}})
	require.ErrorIs(t, err, ErrNoFlavor)
	assert.Empty(t, p.created)
}

func TestGetUnknownLengthFailsWholeTask(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(fakeProber{"http://h/a": 5}, store, &fakeProvider{})

	_, err := o.Get(context.Background(), Request{URLs: []string{"http://h/a", "http://h/missing"}})
	require.ErrorIs(t, err, ErrContentLength)
	assert.Empty(t, store.mkdirs, "storage is not touched")
}

func TestGetReconcilesPartialDelivery(t *testing.T) {
	urls := []string{"http://h/a.txt", "http://h/b.txt"}
	store := newFakeStore()
	var tk task.Task
	p := &fakeProvider{
		zones:        []string{"Z"},
		flavors:      map[string][]string{"Z": DefaultFlavors},
		shutoffAfter: 2,
	}
	p.onShow = func(poll int) {
		if poll == 1 {
			store.put(tk.OutputKey("a.txt"))
		}
	}
	o := newTestOrchestrator(fakeProber{urls[0]: 1, urls[1]: 1}, store, p)

	var err error
	tk, err = task.New(urls, nil, o.now())
	require.NoError(t, err)

	res, err := o.Get(context.Background(), Request{URLs: urls})
	require.NoError(t, err)
	assert.False(t, res.AlreadyPresent)
	assert.Equal(t, []string{"a.txt"}, res.Succeeded)
	assert.Equal(t, []string{"b.txt"}, res.Failed)
	assert.Equal(t, "srv-1", res.ServerID)
	assert.Equal(t, []string{"srv-1"}, p.deleted)
	assert.Equal(t, "default-bucket", res.Bucket)
	assert.Equal(t, 3, p.shows)
}

func TestGetCleansUpAfterFailedCreate(t *testing.T) {
	p := &fakeProvider{
		zones:        []string{"Z"},
		flavors:      map[string][]string{"Z": DefaultFlavors},
		createStatus: compute.JobFail,
	}
	o := newTestOrchestrator(fakeProber{"http://h/a": 1}, newFakeStore(), p)

	res, err := o.Get(context.Background(), Request{URLs: []string{"http://h/a"}})
	require.ErrorIs(t, err, compute.ErrJobFailed)
	assert.Equal(t, "srv-1", res.ServerID)
	assert.Equal(t, []string{"srv-1"}, p.deleted)
}

func TestGetCancelledWhilePollingLeavesServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProvider{
		zones:        []string{"Z"},
		flavors:      map[string][]string{"Z": DefaultFlavors},
		shutoffAfter: 1000,
	}
	p.onShow = func(poll int) {
		if poll == 2 {
			cancel()
		}
	}
	o := newTestOrchestrator(fakeProber{"http://h/a": 1}, newFakeStore(), p)

	res, err := o.Get(ctx, Request{URLs: []string{"http://h/a"}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "srv-1", res.ServerID)
	assert.Empty(t, p.deleted)
}

func TestGetSurvivesListErrorsWhilePolling(t *testing.T) {
	store := newFakeStore()
	p := &fakeProvider{
		zones:        []string{"Z"},
		flavors:      map[string][]string{"Z": DefaultFlavors},
		shutoffAfter: 2,
	}
	p.onShow = func(poll int) {
		store.mu.Lock()
		defer store.mu.Unlock()
		if poll == 2 {
			store.listErr = errors.New("throttled")
		} else {
			store.listErr = nil
		}
	}
	o := newTestOrchestrator(fakeProber{"http://h/a": 1}, store, p)

	res, err := o.Get(context.Background(), Request{URLs: []string{"http://h/a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.Failed)
}
